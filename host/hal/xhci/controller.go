package xhci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// Controller drives one xHCI host controller by polling its registers. It
// owns the controller's DMA memory for its lifetime.
//
// A Controller is not safe for concurrent use.
type Controller struct {
	cfg   Config
	clock poll.Clock
	alloc dma.Allocator
	sync  dma.Syncer

	win  mmio.Window
	cap  CapRegs
	oper OperRegs
	rt   RuntimeRegs
	db   Doorbells

	caps      Caps
	protocols []Protocol
	bits      *portBits

	state      State
	resetPorts portSet
	closed     bool
	reg        *Registry // set while registered

	dcbaa   *dma.Region
	spArray *dma.Region
	spPages []*dma.Region
	cmd     *Ring
	events  *EventRing
	slots   [256]*Slot

	cmdPending uint64
	cmdDone    bool
	cmdEvent   TRB
	cmdLost    []lostCommand

	pool transferPool
}

var _ hal.Controller = (*Controller)(nil)

// New creates a controller over the register window w without touching
// any writable register. It reads the capabilities and allocates the DMA
// structures the controller needs; call Handover and Start before use, or
// use Attach.
func New(w mmio.Window, cfg Config) (*Controller, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:   cfg,
		clock: cfg.Clock,
		alloc: cfg.Allocator,
		sync:  cfg.Syncer,
		win:   w,
		cap:   CapRegs{w},
	}
	if v := c.cap.HCSParams1(); v == 0xFFFFFFFF {
		return nil, fmt.Errorf("xhci: %s: capability registers read all ones: %w", cfg.Name, pkg.ErrDevice)
	}
	_, ports := HubPorts(c.cap.HCSParams1())
	c.oper = OperRegs{w: mmio.Sub(w, uintptr(c.cap.Length())), ports: ports}
	c.rt = RuntimeRegs{mmio.Sub(w, uintptr(c.cap.RuntimeOffset()))}
	c.db = Doorbells{mmio.Sub(w, uintptr(c.cap.DoorbellOffset()))}

	if c.caps, err = ReadCaps(c.cap, c.oper); err != nil {
		return nil, fmt.Errorf("xhci: %s: %w", cfg.Name, err)
	}
	if c.caps.XECP != 0 {
		c.protocols = readProtocols(w, c.caps.XECP)
	}
	layout := LayoutXHCI
	if cfg.CompanionHandoff {
		layout = LayoutCompanion
	}
	c.bits = bitsFor(layout)

	if err := c.allocate(); err != nil {
		c.free()
		return nil, fmt.Errorf("xhci: %s: %w", cfg.Name, err)
	}
	c.pool = newTransferPool(cfg.MaxTransfers)
	c.dumpCaps()
	return c, nil
}

// Attach creates a controller, takes it over from firmware and starts it.
// On failure all memory it allocated is released.
func Attach(w mmio.Window, cfg Config) (*Controller, error) {
	c, err := New(w, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Handover(); err != nil {
		c.free()
		return nil, err
	}
	if err := c.Start(); err != nil {
		c.abandonTransfers()
		c.dropSlots()
		c.free()
		return nil, err
	}
	return c, nil
}

// allocate obtains the controller-wide DMA structures.
func (c *Controller) allocate() error {
	var err error
	if c.dcbaa, err = c.alloc.Alloc((c.caps.MaxSlots+1)*8, 64); err != nil {
		return fmt.Errorf("device context base array: %w", err)
	}
	if n := c.caps.Scratchpads; n > 0 {
		if c.spArray, err = c.alloc.Alloc(n*8, 64); err != nil {
			return fmt.Errorf("scratchpad array: %w", err)
		}
		c.spPages = make([]*dma.Region, 0, n)
		for i := 0; i < n; i++ {
			pg, err := c.alloc.Alloc(c.caps.PageSize, c.caps.PageSize)
			if err != nil {
				return fmt.Errorf("scratchpad buffer %d: %w", i, err)
			}
			c.spPages = append(c.spPages, pg)
		}
	}
	if c.cmd, err = allocRing(c.alloc, c.sync, c.cfg.CommandRingSize); err != nil {
		return err
	}
	if c.events, err = allocEventRing(c.alloc, c.sync, c.cfg.EventRingSize); err != nil {
		return err
	}
	return nil
}

// free returns every controller-wide DMA structure to the allocator.
func (c *Controller) free() {
	if c.events != nil {
		c.events.free(c.alloc)
		c.events = nil
	}
	if c.cmd != nil {
		c.alloc.Free(c.cmd.mem)
		c.cmd = nil
	}
	for _, pg := range c.spPages {
		c.alloc.Free(pg)
	}
	c.spPages = nil
	if c.spArray != nil {
		c.alloc.Free(c.spArray)
		c.spArray = nil
	}
	if c.dcbaa != nil {
		c.alloc.Free(c.dcbaa)
		c.dcbaa = nil
	}
}

// usable reports whether the instance may still be driven.
func (c *Controller) usable() error {
	switch {
	case c.closed:
		return fmt.Errorf("xhci: %s: closed: %w", c.cfg.Name, pkg.ErrInvalidState)
	case c.state == StateFaulted:
		return fmt.Errorf("xhci: %s: faulted: %w", c.cfg.Name, pkg.ErrInvalidState)
	}
	return nil
}

// Close halts the controller, abandons outstanding work and frees its
// memory. The controller is left halted so its DMA pointers go unused, and
// is removed from its registry.
func (c *Controller) Close() error {
	if c.closed {
		return nil
	}
	if c.reg != nil {
		c.reg.Remove(c)
	}
	var err error
	if c.state != StateFaulted {
		err = c.Halt()
	}
	if !c.oper.Halted() {
		err = errors.Join(err, fmt.Errorf("xhci: %s: still running at close: %w", c.cfg.Name, pkg.ErrDevice))
		pkg.LogError(pkg.ComponentXHCI, "controller did not halt, keeping memory",
			"controller", c.cfg.Name)
		c.closed = true
		return err
	}
	c.abandonTransfers()
	c.dropSlots()
	c.free()
	c.closed = true
	pkg.LogInfo(pkg.ComponentXHCI, "controller closed", "controller", c.cfg.Name)
	return err
}

// Name returns the configured controller name.
func (c *Controller) Name() string { return c.cfg.Name }

// Caps returns the capability values read at creation.
func (c *Controller) Caps() Caps { return c.caps }

// Protocols returns the supported protocol capabilities.
func (c *Controller) Protocols() []Protocol { return c.protocols }

// Config returns the normalized configuration.
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) dumpCaps() {
	if !pkg.LogEnabled(slog.LevelDebug) {
		return
	}
	pkg.LogDebug(pkg.ComponentXHCI, "capabilities",
		"controller", c.cfg.Name,
		"version", fmt.Sprintf("%x.%02x", c.caps.Version>>8, c.caps.Version&0xFF),
		"hcsparams1", hex32(c.cap.HCSParams1()),
		"hcsparams2", hex32(c.cap.HCSParams2()),
		"hccparams1", hex32(c.cap.HCCParams1()),
		"slots", c.caps.MaxSlots,
		"ports", c.caps.MaxPorts,
		"scratchpads", c.caps.Scratchpads,
		"context", c.caps.ContextSize,
		"layout", c.bits.layout)
	for _, p := range c.protocols {
		pkg.LogDebug(pkg.ComponentXHCI, "supported protocol",
			"controller", c.cfg.Name,
			"usb", fmt.Sprintf("%d.%d", p.Major, p.Minor),
			"first", p.FirstPort, "count", p.Count)
	}
}

// =============================================================================
// Inspection
// =============================================================================

// Info is a read-only snapshot of a controller's registers.
type Info struct {
	Caps      Caps
	Protocols []Protocol
	Command   uint32
	Status    uint32
	Legacy    uint32 // USBLEGSUP, zero without the capability
	Ports     []hal.PortStatus
}

// Halted reports USBSTS.HCH.
func (i Info) Halted() bool { return i.Status&StsHCH != 0 }

// BIOSOwned reports whether firmware holds the ownership semaphore.
func (i Info) BIOSOwned() bool { return i.Legacy&LegBIOSOwned != 0 }

// Inspect reads the registers behind w without writing any of them.
func Inspect(w mmio.Window) (Info, error) {
	cr := CapRegs{w}
	_, ports := HubPorts(cr.HCSParams1())
	or := OperRegs{w: mmio.Sub(w, uintptr(cr.Length())), ports: ports}
	caps, err := ReadCaps(cr, or)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Caps:    caps,
		Command: or.Command(),
		Status:  or.Status(),
	}
	if caps.XECP != 0 {
		info.Protocols = readProtocols(w, caps.XECP)
		if off := findExtCap(w, caps.XECP, ExtCapLegacy); off != 0 {
			info.Legacy = w.Read32(off)
		}
	}
	b := bitsFor(LayoutXHCI)
	for port := 1; port <= caps.MaxPorts; port++ {
		usb3 := false
		for _, p := range info.Protocols {
			if p.Major >= 3 && p.Contains(port) {
				usb3 = true
			}
		}
		info.Ports = append(info.Ports, b.decode(or.PortSC(port), usb3))
	}
	return info, nil
}
