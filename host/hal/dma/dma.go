package dma

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Region is a block of memory visible to both the CPU and a bus master.
//
// Buf is the CPU view; Addr is the address the device uses to reach Buf[0].
type Region struct {
	Buf  []byte
	Addr uint64
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int { return len(r.Buf) }

// Slice returns the sub-region [off, off+n) sharing r's memory.
func (r *Region) Slice(off, n int) *Region {
	if off < 0 || n < 0 || off+n > len(r.Buf) {
		panic(fmt.Sprintf("dma: slice [%d:%d] of %d-byte region", off, off+n, len(r.Buf)))
	}
	return &Region{Buf: r.Buf[off : off+n : off+n], Addr: r.Addr + uint64(off)}
}

// Contains reports whether the bus address addr lies inside r.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+uint64(len(r.Buf))
}

// Allocator hands out DMA-capable memory.
//
// Alloc returns a zeroed region of size bytes whose bus address is a
// multiple of align (a power of two). A region never straddles a 64 KiB
// boundary when size permits. Failure is reported as [pkg.ErrNoMemory],
// never as a nil region with a nil error.
type Allocator interface {
	Alloc(size, align int) (*Region, error)
	Free(r *Region)
}

// Syncer keeps the CPU cache and device-visible memory consistent.
//
// Flush makes CPU writes to r visible to the device; call it after every
// write the device will read. Invalidate discards cached contents of r;
// call it before reading anything the device wrote.
type Syncer interface {
	Flush(r *Region)
	Invalidate(r *Region)
}

// Coherent is the Syncer for cache-coherent platforms: both operations are
// no-ops.
type Coherent struct{}

func (Coherent) Flush(*Region)      {}
func (Coherent) Invalidate(*Region) {}

// SyncFuncs adapts platform cache routines taking a CPU address range to a
// Syncer. A nil function is a no-op.
type SyncFuncs struct {
	Writeback     func(addr uintptr, length int)
	InvalidateMem func(addr uintptr, length int)
}

func (s SyncFuncs) Flush(r *Region) {
	if s.Writeback != nil && len(r.Buf) > 0 {
		s.Writeback(bufAddr(r.Buf), len(r.Buf))
	}
}

func (s SyncFuncs) Invalidate(r *Region) {
	if s.InvalidateMem != nil && len(r.Buf) > 0 {
		s.InvalidateMem(bufAddr(r.Buf), len(r.Buf))
	}
}

// boundary is the span no DMA structure may cross.
const boundary = 64 << 10

func checkRequest(size, align int) error {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("dma: alloc size=%d align=%d: %w", size, align, pkg.ErrInvalidParameter)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// place returns the first address >= addr that is aligned and, for sizes
// up to boundary, does not cross a boundary.
func place(addr uint64, size, align int) uint64 {
	addr = alignUp(addr, uint64(align))
	if size <= boundary && addr/boundary != (addr+uint64(size)-1)/boundary {
		addr = alignUp(addr, boundary)
	}
	return addr
}
