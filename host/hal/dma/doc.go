// Package dma provides the memory collaborators a bus-mastering controller
// needs: an [Allocator] for device-visible memory and a [Syncer] for cache
// maintenance around device accesses.
//
// Rings, contexts, and transfer bounce buffers are [Region] values pairing
// a CPU-side byte slice with the bus address the controller uses. The
// driver flushes after writing any region the controller reads and
// invalidates before reading any region the controller writes.
//
// [Arena] assigns synthetic bus addresses over one slice, which lets a
// device model follow pointers the driver programmed into registers.
// [Identity] serves environments where physical and virtual addresses
// coincide.
package dma
