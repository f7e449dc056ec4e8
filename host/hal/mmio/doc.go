// Package mmio defines the register access discipline for memory-mapped
// device registers.
//
// A [Window] is a typed accessor over a register region. Implementations
// guarantee that every access reaches the device exactly once and in
// program order, and that values are converted between the device's
// little-endian layout and host order. [Mapped] is the hardware
// implementation; [Memory] is a side-effect-free backing store used by
// tests and by register simulators, which typically implement only
// [DwordIO] and obtain the other widths from [Widen].
package mmio
