package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/pci"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// legacyRegs reaches the USB Legacy Support capability, either in MMIO
// extended capability space or in PCI configuration space.
type legacyRegs interface {
	read(off int) uint32
	write(off int, v uint32)
}

type mmioLegacy struct{ c *Controller }

func (m mmioLegacy) read(off int) uint32     { return m.c.win.Read32(uintptr(off)) }
func (m mmioLegacy) write(off int, v uint32) { m.c.win.Write32(uintptr(off), v) }

type configLegacy struct{ cs pci.ConfigSpace }

func (p configLegacy) read(off int) uint32     { return p.cs.ReadConfig32(off) }
func (p configLegacy) write(off int, v uint32) { p.cs.WriteConfig32(off, v) }

// legacyCap locates the USB Legacy Support capability. ok is false when the
// controller has none.
func (c *Controller) legacyCap() (regs legacyRegs, off int, ok bool) {
	if c.cfg.LegacyInConfigSpace {
		eecp := c.caps.EECP
		if eecp < pci.HeaderSize {
			return nil, 0, false
		}
		cs := configLegacy{c.cfg.ConfigSpace}
		if cs.read(eecp)&0xFF != ExtCapLegacy {
			return nil, 0, false
		}
		return cs, eecp, true
	}
	if c.caps.XECP == 0 {
		return nil, 0, false
	}
	x := findExtCap(c.win, c.caps.XECP, ExtCapLegacy)
	if x == 0 {
		return nil, 0, false
	}
	return mmioLegacy{c}, int(x), true
}

// Handover takes ownership of the controller from firmware.
//
// If firmware owns the controller, the OS-owned semaphore is set and the
// driver waits for firmware to release its own, forcing ownership when it
// does not within Config.HandoverTimeout. SMI generation is then disabled
// and pending SMI events are cleared. A controller without the capability
// needs no handover. Handover is idempotent: once the driver owns the
// controller and SMIs are quiet, it writes nothing.
func (c *Controller) Handover() error {
	if err := c.usable(); err != nil {
		return err
	}
	regs, off, ok := c.legacyCap()
	if !ok {
		pkg.LogDebug(pkg.ComponentHandover, "no legacy support capability", "controller", c.cfg.Name)
		return nil
	}

	v := regs.read(off)
	switch {
	case v&LegBIOSOwned != 0:
		pkg.LogInfo(pkg.ComponentHandover, "requesting ownership from firmware",
			"controller", c.cfg.Name, "usblegsup", hex32(v))
		regs.write(off, v|LegOSOwned)
		err := poll.Until(c.clock, c.cfg.HandoverTimeout, c.cfg.PollInterval, func() bool {
			return regs.read(off)&LegBIOSOwned == 0
		})
		if err != nil {
			pkg.LogWarn(pkg.ComponentHandover, "firmware did not release controller, forcing ownership",
				"controller", c.cfg.Name, "timeout", c.cfg.HandoverTimeout)
			regs.write(off, regs.read(off)&^LegBIOSOwned|LegOSOwned)
		}
	case v&LegOSOwned == 0:
		regs.write(off, v|LegOSOwned)
	}

	ctl := regs.read(off + legCtlSts)
	if ctl&(LegSMIEnables|LegSMIEvents) != 0 {
		regs.write(off+legCtlSts, ctl&^LegSMIEnables|LegSMIEvents)
		pkg.LogDebug(pkg.ComponentHandover, "disabled legacy SMIs",
			"controller", c.cfg.Name, "usblegctlsts", hex32(ctl))
	}

	if got := regs.read(off); got&LegOSOwned == 0 {
		return fmt.Errorf("xhci: %s: OS ownership not set (%#08x): %w", c.cfg.Name, got, pkg.ErrDevice)
	}
	return nil
}

func hex32(v uint32) string { return fmt.Sprintf("%#08x", v) }
