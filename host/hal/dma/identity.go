package dma

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
)

// Identity is an Allocator for identity-mapped environments, where a CPU
// address is also the bus address. Regions are carved from Go heap memory
// and pinned until freed so the collector never moves them.
type Identity struct {
	mu     sync.Mutex
	pinned map[uint64]*runtime.Pinner

	// Limit rejects regions whose bus address range ends above it. Zero
	// means 4 GiB.
	Limit uint64
}

// NewIdentity returns an Identity allocator limited to 32-bit bus addresses.
func NewIdentity() *Identity {
	return &Identity{pinned: make(map[uint64]*runtime.Pinner)}
}

// Alloc implements Allocator.
func (id *Identity) Alloc(size, align int) (*Region, error) {
	if err := checkRequest(size, align); err != nil {
		return nil, err
	}
	// Over-allocate so an aligned, boundary-respecting window always fits.
	slack := align
	if size <= boundary {
		slack += size
	}
	raw := make([]byte, size+slack)
	start := bufAddr(raw)
	addr := place(uint64(start), size, align)
	off := int(addr - uint64(start))
	buf := raw[off : off+size : off+size]

	limit := id.Limit
	if limit == 0 {
		limit = 1 << 32
	}
	if addr+uint64(size) > limit {
		return nil, fmt.Errorf("dma: region %#x+%#x above %#x: %w", addr, size, limit, pkg.ErrNoMemory)
	}

	p := new(runtime.Pinner)
	p.Pin(unsafe.SliceData(raw))

	id.mu.Lock()
	defer id.mu.Unlock()
	if id.pinned == nil {
		id.pinned = make(map[uint64]*runtime.Pinner)
	}
	id.pinned[addr] = p
	return &Region{Buf: buf, Addr: addr}, nil
}

// Free implements Allocator.
func (id *Identity) Free(r *Region) {
	if r == nil {
		return
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if p, ok := id.pinned[r.Addr]; ok {
		p.Unpin()
		delete(id.pinned, r.Addr)
	}
}

func bufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
