package pci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Configuration Space Layout
// =============================================================================

// Type 0 configuration header offsets.
const (
	RegVendorID = 0x00
	RegDeviceID = 0x02
	RegCommand  = 0x04
	RegStatus   = 0x06
	RegClass    = 0x08 // revision in bits 0..7, class code in 8..31
	RegBAR0     = 0x10
	RegCapPtr   = 0x34

	// HeaderSize is the end of the standard header; capability and
	// vendor-specific registers start here.
	HeaderSize = 0x40
)

// Command register bits.
const (
	CmdIOSpace     = 1 << 0
	CmdMemorySpace = 1 << 1
	CmdBusMaster   = 1 << 2
)

// BAR type bits.
const (
	barIOSpace   = 1 << 0
	barTypeMask  = 0x3 << 1
	barType64    = 0x2 << 1
	barPrefetch  = 1 << 3
	barAddrMask  = ^uint32(0xF)
	maxBARs      = 6
	invalidValue = 0xFFFFFFFF
)

// ConfigSpace is access to one function's configuration space. Offsets are
// byte offsets and must be dword aligned. A failed read returns all ones,
// as a master abort does on real hardware.
type ConfigSpace interface {
	ReadConfig32(off int) uint32
	WriteConfig32(off int, v uint32)
}

// Device is one PCI function.
type Device interface {
	ConfigSpace

	// Address returns the function's location on the bus.
	Address() Address

	// Map makes memory BAR bar accessible as a register window.
	Map(bar int) (mmio.Window, error)
}

// Bus enumerates PCI functions.
type Bus interface {
	// Iterate calls fn for every function until fn returns false.
	Iterate(fn func(Device) bool) error
}

// List is a Bus over a fixed set of devices.
type List []Device

// Iterate implements Bus.
func (l List) Iterate(fn func(Device) bool) error {
	for _, d := range l {
		if !fn(d) {
			break
		}
	}
	return nil
}

// =============================================================================
// Address
// =============================================================================

// Address identifies a PCI function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// String returns the address in the canonical DDDD:BB:DD.F form.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseAddress parses an address in DDDD:BB:DD.F form.
func ParseAddress(s string) (Address, error) {
	var domain, bus, dev, fn uint
	if _, err := fmt.Sscanf(s, "%x:%x:%x.%x", &domain, &bus, &dev, &fn); err != nil {
		return Address{}, fmt.Errorf("pci: parse address %q: %w", s, pkg.ErrInvalidParameter)
	}
	if domain > 0xFFFF || bus > 0xFF || dev > 0x1F || fn > 0x7 {
		return Address{}, fmt.Errorf("pci: address %q out of range: %w", s, pkg.ErrInvalidParameter)
	}
	return Address{uint16(domain), uint8(bus), uint8(dev), uint8(fn)}, nil
}

// =============================================================================
// Class Codes
// =============================================================================

// Class is the 24-bit class code: base class, subclass, programming
// interface.
type Class uint32

// ClassXHCI is serial bus / USB / xHCI.
const ClassXHCI Class = 0x0C0330

// ReadClass returns the class code of cs.
func ReadClass(cs ConfigSpace) Class {
	return Class(cs.ReadConfig32(RegClass) >> 8)
}

func (c Class) String() string {
	return fmt.Sprintf("%06x", uint32(c))
}

// =============================================================================
// Base Address Registers
// =============================================================================

// BAR is a decoded memory base address register.
type BAR struct {
	Index        int
	Base         uint64
	Is64         bool
	Prefetchable bool
}

// ReadBAR decodes memory BAR n.
//
// I/O BARs and BARs located above 4 GiB return [pkg.ErrNotSupported]. A BAR
// with a zero base has not been assigned by firmware and returns
// [pkg.ErrInvalidState].
func ReadBAR(cs ConfigSpace, n int) (BAR, error) {
	if n < 0 || n >= maxBARs {
		return BAR{}, fmt.Errorf("pci: BAR%d: %w", n, pkg.ErrInvalidParameter)
	}
	off := RegBAR0 + 4*n
	lo := cs.ReadConfig32(off)
	if lo == invalidValue {
		return BAR{}, fmt.Errorf("pci: BAR%d unreadable: %w", n, pkg.ErrDevice)
	}
	if lo&barIOSpace != 0 {
		return BAR{}, fmt.Errorf("pci: BAR%d is I/O space: %w", n, pkg.ErrNotSupported)
	}
	bar := BAR{
		Index:        n,
		Base:         uint64(lo & barAddrMask),
		Prefetchable: lo&barPrefetch != 0,
	}
	if lo&barTypeMask == barType64 {
		if n+1 >= maxBARs {
			return BAR{}, fmt.Errorf("pci: BAR%d 64-bit in last slot: %w", n, pkg.ErrInvalidState)
		}
		bar.Is64 = true
		if hi := cs.ReadConfig32(off + 4); hi != 0 {
			return BAR{}, fmt.Errorf("pci: BAR%d at %#x above 4 GiB: %w",
				n, uint64(hi)<<32|bar.Base, pkg.ErrNotSupported)
		}
	}
	if bar.Base == 0 {
		return BAR{}, fmt.Errorf("pci: BAR%d not mapped: %w", n, pkg.ErrInvalidState)
	}
	return bar, nil
}

// EnableBusMaster sets memory space decode and bus mastering. The status
// half of the dword is written as zero so its write-1-to-clear bits are
// left untouched.
func EnableBusMaster(cs ConfigSpace) {
	v := cs.ReadConfig32(RegCommand) & 0xFFFF
	cs.WriteConfig32(RegCommand, v|CmdMemorySpace|CmdBusMaster)
}
