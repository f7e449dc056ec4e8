package dma

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// Arena is an Allocator over a single byte slice with synthetic bus
// addresses starting at Base. Device models use Lookup to reach the memory
// a driver handed them by bus address.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
	next uint64
	live map[uint64]int
}

// NewArena returns an Arena of size bytes whose first byte has bus address
// base.
func NewArena(base uint64, size int) *Arena {
	return &Arena{
		mem:  make([]byte, size),
		base: base,
		next: base,
		live: make(map[uint64]int),
	}
}

// Alloc implements Allocator. Freed memory is not reused.
func (a *Arena) Alloc(size, align int) (*Region, error) {
	if err := checkRequest(size, align); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := place(a.next, size, align)
	end := addr + uint64(size)
	if end > a.base+uint64(len(a.mem)) {
		return nil, fmt.Errorf("dma: arena exhausted allocating %d bytes: %w", size, pkg.ErrNoMemory)
	}
	a.next = end
	a.live[addr] = size
	off := addr - a.base
	buf := a.mem[off : end-a.base : end-a.base]
	clear(buf)
	return &Region{Buf: buf, Addr: addr}, nil
}

// Free implements Allocator.
func (a *Arena) Free(r *Region) {
	if r == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, r.Addr)
}

// Live returns the number of regions allocated and not yet freed.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Lookup returns the n bytes at bus address addr, or nil if the range falls
// outside the arena.
func (a *Arena) Lookup(addr uint64, n int) []byte {
	if addr < a.base || n < 0 || addr+uint64(n) > a.base+uint64(len(a.mem)) {
		return nil
	}
	off := addr - a.base
	return a.mem[off : off+uint64(n) : off+uint64(n)]
}
