package mmio

import "unsafe"

// unsafeBytes views a dword-aligned slice as bytes.
func unsafeBytes(d []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(d))), len(d)*4)
}
