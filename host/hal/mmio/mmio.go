package mmio

import (
	"encoding/binary"
	"math/bits"
)

// DwordIO is the minimal register access contract: aligned 32-bit reads and
// writes at byte offsets, in host byte order.
type DwordIO interface {
	Read32(off uintptr) uint32
	Write32(off uintptr, v uint32)
}

// Window is a view of a memory-mapped register region.
//
// Every access is a single volatile load or store with little-endian device
// order normalized to host order. Byte and word accesses are performed as
// the containing aligned dword; a narrow write is a read-modify-write of that
// dword, so callers must not use it on dwords holding write-1-to-clear bits.
// Qword accesses are two dword accesses, low half first.
type Window interface {
	DwordIO
	Read8(off uintptr) uint8
	Read16(off uintptr) uint16
	Read64(off uintptr) uint64
	Write8(off uintptr, v uint8)
	Write16(off uintptr, v uint16)
	Write64(off uintptr, v uint64)
}

// Widen returns a Window that implements every access width on top of d.
// If d already is a Window it is returned unchanged.
func Widen(d DwordIO) Window {
	if w, ok := d.(Window); ok {
		return w
	}
	return widened{d}
}

// Sub returns a Window whose offset 0 is base in w.
func Sub(w Window, base uintptr) Window {
	if base == 0 {
		return w
	}
	if s, ok := w.(sub); ok {
		return sub{s.w, s.base + base}
	}
	return sub{w, base}
}

type widened struct{ DwordIO }

func (w widened) Read8(off uintptr) uint8       { return read8(w.DwordIO, off) }
func (w widened) Read16(off uintptr) uint16     { return read16(w.DwordIO, off) }
func (w widened) Read64(off uintptr) uint64     { return read64(w.DwordIO, off) }
func (w widened) Write8(off uintptr, v uint8)   { write8(w.DwordIO, off, v) }
func (w widened) Write16(off uintptr, v uint16) { write16(w.DwordIO, off, v) }
func (w widened) Write64(off uintptr, v uint64) { write64(w.DwordIO, off, v) }

type sub struct {
	w    Window
	base uintptr
}

func (s sub) Read8(off uintptr) uint8       { return s.w.Read8(s.base + off) }
func (s sub) Read16(off uintptr) uint16     { return s.w.Read16(s.base + off) }
func (s sub) Read32(off uintptr) uint32     { return s.w.Read32(s.base + off) }
func (s sub) Read64(off uintptr) uint64     { return s.w.Read64(s.base + off) }
func (s sub) Write8(off uintptr, v uint8)   { s.w.Write8(s.base+off, v) }
func (s sub) Write16(off uintptr, v uint16) { s.w.Write16(s.base+off, v) }
func (s sub) Write32(off uintptr, v uint32) { s.w.Write32(s.base+off, v) }
func (s sub) Write64(off uintptr, v uint64) { s.w.Write64(s.base+off, v) }

// =============================================================================
// Width Helpers
// =============================================================================

func read8(d DwordIO, off uintptr) uint8 {
	return uint8(d.Read32(off&^3) >> ((off & 3) * 8))
}

func read16(d DwordIO, off uintptr) uint16 {
	return uint16(d.Read32(off&^3) >> ((off & 2) * 8))
}

func read64(d DwordIO, off uintptr) uint64 {
	lo := d.Read32(off)
	hi := d.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func write8(d DwordIO, off uintptr, v uint8) {
	shift := (off & 3) * 8
	cur := d.Read32(off &^ 3)
	cur = cur&^(0xFF<<shift) | uint32(v)<<shift
	d.Write32(off&^3, cur)
}

func write16(d DwordIO, off uintptr, v uint16) {
	shift := (off & 2) * 8
	cur := d.Read32(off &^ 3)
	cur = cur&^(0xFFFF<<shift) | uint32(v)<<shift
	d.Write32(off&^3, cur)
}

func write64(d DwordIO, off uintptr, v uint64) {
	d.Write32(off, uint32(v))
	d.Write32(off+4, uint32(v>>32))
}

// =============================================================================
// Byte Order
// =============================================================================

// hostBigEndian is true when the CPU stores the most significant byte first.
var hostBigEndian = binary.NativeEndian.Uint16([]byte{0x00, 0x01}) == 0x0001

// toHost converts a dword loaded from little-endian device memory to host
// order. It is its own inverse.
func toHost(v uint32) uint32 {
	if hostBigEndian {
		return bits.ReverseBytes32(v)
	}
	return v
}
