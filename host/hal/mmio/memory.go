package mmio

import (
	"encoding/binary"
	"fmt"
)

// Memory is a Window over an ordinary byte slice holding little-endian
// dwords. It has no side effects on access and serves as backing store for
// register files in tests and simulators.
type Memory struct {
	buf []byte
}

// NewMemory returns a zeroed Memory of size bytes, rounded up to a dword.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, (size+3)&^3)}
}

// Bytes returns the backing slice.
func (m *Memory) Bytes() []byte { return m.buf }

func (m *Memory) check(off uintptr) {
	if off&3 != 0 || off+4 > uintptr(len(m.buf)) {
		panic(fmt.Sprintf("mmio: dword access at %#x outside %#x-byte memory", off, len(m.buf)))
	}
}

// Read32 returns the dword at off.
func (m *Memory) Read32(off uintptr) uint32 {
	m.check(off)
	return binary.LittleEndian.Uint32(m.buf[off:])
}

// Write32 stores v at off.
func (m *Memory) Write32(off uintptr, v uint32) {
	m.check(off)
	binary.LittleEndian.PutUint32(m.buf[off:], v)
}

func (m *Memory) Read8(off uintptr) uint8       { return read8(m, off) }
func (m *Memory) Read16(off uintptr) uint16     { return read16(m, off) }
func (m *Memory) Read64(off uintptr) uint64     { return read64(m, off) }
func (m *Memory) Write8(off uintptr, v uint8)   { write8(m, off, v) }
func (m *Memory) Write16(off uintptr, v uint16) { write16(m, off, v) }
func (m *Memory) Write64(off uintptr, v uint64) { write64(m, off, v) }
