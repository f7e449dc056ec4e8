package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
)

// Mapped is a Window over memory-mapped device registers. Each dword access
// is an atomic load or store so the compiler neither elides, merges, nor
// reorders it.
type Mapped struct {
	base unsafe.Pointer
	size uintptr
}

// NewMapped returns a Window over size bytes of registers at base. base must
// be dword aligned and remain mapped for the lifetime of the window.
func NewMapped(base unsafe.Pointer, size uintptr) (*Mapped, error) {
	if base == nil || size < 4 {
		return nil, fmt.Errorf("mmio: map %p+%#x: %w", base, size, pkg.ErrInvalidParameter)
	}
	if uintptr(base)&3 != 0 {
		return nil, fmt.Errorf("mmio: base %p not dword aligned: %w", base, pkg.ErrInvalidParameter)
	}
	return &Mapped{base: base, size: size}, nil
}

// FromBytes returns a Window over a mapping obtained as a byte slice, such as
// the result of mmap(2).
func FromBytes(b []byte) (*Mapped, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("mmio: empty mapping: %w", pkg.ErrInvalidParameter)
	}
	return NewMapped(unsafe.Pointer(unsafe.SliceData(b)), uintptr(len(b)))
}

// Size returns the length of the mapped region in bytes.
func (m *Mapped) Size() uintptr { return m.size }

func (m *Mapped) dword(off uintptr) *uint32 {
	if off&3 != 0 || off+4 > m.size {
		panic(fmt.Sprintf("mmio: dword access at %#x outside %#x-byte window", off, m.size))
	}
	return (*uint32)(unsafe.Add(m.base, off))
}

// Read32 loads the dword at off.
func (m *Mapped) Read32(off uintptr) uint32 {
	return toHost(atomic.LoadUint32(m.dword(off)))
}

// Write32 stores v to the dword at off.
func (m *Mapped) Write32(off uintptr, v uint32) {
	atomic.StoreUint32(m.dword(off), toHost(v))
}

func (m *Mapped) Read8(off uintptr) uint8       { return read8(m, off) }
func (m *Mapped) Read16(off uintptr) uint16     { return read16(m, off) }
func (m *Mapped) Read64(off uintptr) uint64     { return read64(m, off) }
func (m *Mapped) Write8(off uintptr, v uint8)   { write8(m, off, v) }
func (m *Mapped) Write16(off uintptr, v uint16) { write16(m, off, v) }
func (m *Mapped) Write64(off uintptr, v uint64) { write64(m, off, v) }
