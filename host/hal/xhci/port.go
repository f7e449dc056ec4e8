package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// PortLayout selects the bit layout of the port status and control
// registers.
type PortLayout int

// Port register layouts.
const (
	// LayoutXHCI is the native PORTSC layout.
	LayoutXHCI PortLayout = iota

	// LayoutCompanion is the layout of controllers paired with a companion
	// controller: line status and a port owner bit, software-cleared reset.
	LayoutCompanion
)

func (l PortLayout) String() string {
	switch l {
	case LayoutXHCI:
		return "xhci"
	case LayoutCompanion:
		return "companion"
	default:
		return fmt.Sprintf("PortLayout(%d)", int(l))
	}
}

// Native PORTSC bits.
const (
	PortCCS       = 1 << 0
	PortPED       = 1 << 1
	PortOCA       = 1 << 3
	PortPR        = 1 << 4
	PortPLSShift  = 5
	PortPLSMask   = 0xF << PortPLSShift
	PortPP        = 1 << 9
	PortSpeedShft = 10
	PortSpeedMask = 0xF << PortSpeedShft
	PortLWS       = 1 << 16
	PortCSC       = 1 << 17
	PortPEC       = 1 << 18
	PortWRC       = 1 << 19
	PortOCC       = 1 << 20
	PortPRC       = 1 << 21
	PortPLC       = 1 << 22
	PortCEC       = 1 << 23
	PortWPR       = 1 << 31

	portChangeBits = PortCSC | PortPEC | PortWRC | PortOCC | PortPRC | PortPLC | PortCEC
)

// Companion-layout port bits.
const (
	CompCCS       = 1 << 0
	CompCSC       = 1 << 1
	CompPED       = 1 << 2
	CompPEC       = 1 << 3
	CompOCA       = 1 << 4
	CompOCC       = 1 << 5
	CompPR        = 1 << 8
	CompLineShift = 10
	CompLineMask  = 0x3 << CompLineShift
	CompLineK     = 1 << CompLineShift
	CompPP        = 1 << 12
	CompOwner     = 1 << 13
)

// portBits describes one port layout.
type portBits struct {
	layout      PortLayout
	connected   uint32
	enabled     uint32
	overcurrent uint32
	reset       uint32
	power       uint32
	owner       uint32 // 0 when the layout has no owner bit
	lineMask    uint32
	lineK       uint32
	connChange  uint32
	enChange    uint32
	resetChange uint32

	// clearOnWrite are bits masked out of a read value before writing it
	// back: write-1-to-clear bits and bits whose write has a side effect.
	clearOnWrite uint32

	// selfClearingReset is true when hardware deasserts PR by itself.
	selfClearingReset bool

	// disableByWrite1 is true when writing 1 to the enable bit disables.
	disableByWrite1 bool
}

var (
	xhciBits = portBits{
		layout:            LayoutXHCI,
		connected:         PortCCS,
		enabled:           PortPED,
		overcurrent:       PortOCA,
		reset:             PortPR,
		power:             PortPP,
		connChange:        PortCSC,
		enChange:          PortPEC,
		resetChange:       PortPRC,
		clearOnWrite:      PortPED | PortPR | PortPLSMask | PortLWS | portChangeBits | PortWPR,
		selfClearingReset: true,
		disableByWrite1:   true,
	}
	companionBits = portBits{
		layout:       LayoutCompanion,
		connected:    CompCCS,
		enabled:      CompPED,
		overcurrent:  CompOCA,
		reset:        CompPR,
		power:        CompPP,
		owner:        CompOwner,
		lineMask:     CompLineMask,
		lineK:        CompLineK,
		connChange:   CompCSC,
		enChange:     CompPEC,
		clearOnWrite: CompCSC | CompPEC | CompOCC,
	}
)

func bitsFor(l PortLayout) *portBits {
	if l == LayoutCompanion {
		return &companionBits
	}
	return &xhciBits
}

// neutral returns v with every bit whose write would have a side effect
// cleared, so the result can be written back with one bit changed.
func (b *portBits) neutral(v uint32) uint32 { return v &^ b.clearOnWrite }

// decode converts a port register value to a PortStatus.
func (b *portBits) decode(v uint32, usb3 bool) hal.PortStatus {
	st := hal.PortStatus{
		Connected:     v&b.connected != 0,
		Enabled:       v&b.enabled != 0,
		OverCurrent:   v&b.overcurrent != 0,
		Reset:         v&b.reset != 0,
		PowerOn:       v&b.power != 0,
		Owned:         b.owner != 0 && v&b.owner != 0,
		ConnectChange: v&b.connChange != 0,
		EnableChange:  v&b.enChange != 0,
		ResetChange:   b.resetChange != 0 && v&b.resetChange != 0,
	}
	if b.layout == LayoutXHCI {
		st.LinkState = uint8((v & PortPLSMask) >> PortPLSShift)
	}
	if st.Connected && st.Enabled {
		st.Speed = b.speed(v, usb3)
	}
	return st
}

// speed returns the negotiated speed of an enabled port.
func (b *portBits) speed(v uint32, usb3 bool) hal.Speed {
	if b.layout == LayoutCompanion {
		return hal.SpeedHigh
	}
	s := SpeedFromID((v & PortSpeedMask) >> PortSpeedShft)
	if s == hal.SpeedUnknown && usb3 {
		s = hal.SpeedSuper
	}
	return s
}

// portSet is a bitset over port numbers 0..255.
type portSet [4]uint64

func (s *portSet) add(p int)     { s[p>>6] |= 1 << (p & 63) }
func (s *portSet) remove(p int)  { s[p>>6] &^= 1 << (p & 63) }
func (s portSet) has(p int) bool { return s[p>>6]&(1<<(p&63)) != 0 }

// =============================================================================
// Port Operations
// =============================================================================

// Layout returns the port register layout in use.
func (c *Controller) Layout() PortLayout { return c.bits.layout }

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int { return c.caps.MaxPorts }

func (c *Controller) checkPort(port int) error {
	if err := c.usable(); err != nil {
		return err
	}
	if port < 1 || port > c.caps.MaxPorts {
		return fmt.Errorf("xhci: port %d outside 1..%d: %w", port, c.caps.MaxPorts, pkg.ErrInvalidParameter)
	}
	return nil
}

// isUSB3 reports whether port belongs to a USB 3 protocol range.
func (c *Controller) isUSB3(port int) bool {
	for _, p := range c.protocols {
		if p.Major >= 3 && p.Contains(port) {
			return true
		}
	}
	return false
}

// PortStatus returns a decoded snapshot of port.
func (c *Controller) PortStatus(port int) (hal.PortStatus, error) {
	if err := c.checkPort(port); err != nil {
		return hal.PortStatus{}, err
	}
	return c.bits.decode(c.oper.PortSC(port), c.isUSB3(port)), nil
}

// Detect classifies port from its status register and the driver's memory
// of earlier resets, checking in order:
//
//  1. not connected: disconnected, and the reset memory is forgotten
//  2. connected and enabled: enabled at the negotiated speed
//  3. owner bit set: owned by a companion, pkg.ErrNotHandled
//  4. reset earlier: connected but disabled
//  5. low-speed line state: ownership passes to the companion,
//     pkg.ErrNotHandled
//  6. otherwise: unresolved until a reset
//
// Apart from the owner write in case 5, Detect has no side effects.
func (c *Controller) Detect(port int) (hal.PortState, hal.Speed, error) {
	if err := c.checkPort(port); err != nil {
		return hal.PortDisconnected, hal.SpeedUnknown, err
	}
	b := c.bits
	v := c.oper.PortSC(port)

	switch {
	case v&b.connected == 0:
		c.resetPorts.remove(port)
		return hal.PortDisconnected, hal.SpeedUnknown, nil
	case v&b.enabled != 0:
		return hal.PortEnabled, b.speed(v, c.isUSB3(port)), nil
	case b.owner != 0 && v&b.owner != 0:
		return hal.PortOwnedByOther, hal.SpeedUnknown, pkg.ErrNotHandled
	case c.resetPorts.has(port):
		return hal.PortConnectedDisabled, hal.SpeedUnknown, nil
	case b.lineMask != 0 && v&b.lineMask == b.lineK:
		if c.cfg.CompanionHandoff && b.owner != 0 {
			c.oper.SetPortSC(port, b.neutral(v)|b.owner)
			pkg.LogDebug(pkg.ComponentPort, "low-speed device ceded to companion",
				"controller", c.cfg.Name, "port", port)
		}
		return hal.PortOwnedByOther, hal.SpeedLow, pkg.ErrNotHandled
	default:
		return hal.PortUnresolved, hal.SpeedUnknown, nil
	}
}

// ResetPort resets port and reports the negotiated speed.
//
// PR is held for Config.PortResetHold, released (unless the layout clears
// it by itself) and awaited for up to Config.PortResetTimeout; a reset that
// does not deassert fails with pkg.ErrTimeout and is not remembered.
// Otherwise the reset is remembered for Detect. A port that enables gets Config.ResetRecovery to
// settle; one that does not is ceded to a companion where the layout allows
// and reported as pkg.ErrNotHandled.
func (c *Controller) ResetPort(port int) (hal.Speed, error) {
	if err := c.checkPort(port); err != nil {
		return hal.SpeedUnknown, err
	}
	b := c.bits

	v := c.oper.PortSC(port)
	set := b.neutral(v) | b.reset
	if !b.disableByWrite1 {
		set &^= b.enabled
	}
	c.oper.SetPortSC(port, set)
	c.clock.Sleep(c.cfg.PortResetHold)

	if !b.selfClearingReset {
		c.oper.SetPortSC(port, b.neutral(c.oper.PortSC(port))&^b.reset)
	}
	err := poll.Until(c.clock, c.cfg.PortResetTimeout, c.cfg.PollInterval, func() bool {
		return c.oper.PortSC(port)&b.reset == 0
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentPort, "port reset did not deassert",
			"controller", c.cfg.Name, "port", port, "timeout", c.cfg.PortResetTimeout)
		return hal.SpeedUnknown, fmt.Errorf("xhci: %s: reset port %d: %w", c.cfg.Name, port, err)
	}

	v = c.oper.PortSC(port)
	if b.resetChange != 0 && v&b.resetChange != 0 {
		c.oper.SetPortSC(port, b.neutral(v)|b.resetChange)
	}
	c.resetPorts.add(port)

	v = c.oper.PortSC(port)
	if v&b.connected != 0 && v&b.enabled != 0 {
		c.clock.Sleep(c.cfg.ResetRecovery)
		speed := b.speed(v, c.isUSB3(port))
		pkg.LogDebug(pkg.ComponentPort, "port enabled",
			"controller", c.cfg.Name, "port", port, "speed", speed)
		return speed, nil
	}

	if c.cfg.CompanionHandoff && b.owner != 0 && v&b.connected != 0 {
		c.oper.SetPortSC(port, b.neutral(v)|b.owner)
		pkg.LogDebug(pkg.ComponentPort, "port ceded to companion after reset",
			"controller", c.cfg.Name, "port", port)
	}
	return hal.SpeedUnknown, pkg.ErrNotHandled
}

// DisablePort disables port and waits up to Config.PortDisableTimeout for
// the enable bit to clear.
func (c *Controller) DisablePort(port int) error {
	if err := c.checkPort(port); err != nil {
		return err
	}
	b := c.bits
	v := c.oper.PortSC(port)
	if v&b.enabled == 0 {
		return nil
	}
	if b.disableByWrite1 {
		c.oper.SetPortSC(port, b.neutral(v)|b.enabled)
	} else {
		c.oper.SetPortSC(port, b.neutral(v)&^b.enabled)
	}
	err := poll.Until(c.clock, c.cfg.PortDisableTimeout, c.cfg.PollInterval, func() bool {
		return c.oper.PortSC(port)&b.enabled == 0
	})
	if err != nil {
		return fmt.Errorf("xhci: %s: disable port %d: %w", c.cfg.Name, port, err)
	}
	c.resetPorts.remove(port)
	return nil
}
