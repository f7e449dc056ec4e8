package xhci

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Slot is an addressed device: its device slot, output device context,
// input context and one transfer ring per configured endpoint.
type Slot struct {
	ctrl    *Controller
	id      uint8
	port    int
	speed   hal.Speed
	address uint8

	in     *dma.Region
	out    *dma.Region
	rings  [numDCI]*Ring
	closed bool
}

// ID returns the slot ID, which is also the device's hal.DeviceID.
func (s *Slot) ID() uint8 { return s.id }

// Port returns the root hub port the device is attached to.
func (s *Slot) Port() int { return s.port }

// Speed returns the device speed.
func (s *Slot) Speed() hal.Speed { return s.speed }

// Address returns the USB address the controller assigned.
func (s *Slot) Address() uint8 { return s.address }

func putAddr(buf []byte, index int, addr uint64) {
	binary.LittleEndian.PutUint64(buf[index*8:], addr)
}

// EnableSlot obtains a device slot for the device on port and addresses
// it with the default control endpoint configured for speed.
func (c *Controller) EnableSlot(port int, speed hal.Speed) (*Slot, error) {
	if err := c.checkPort(port); err != nil {
		return nil, err
	}
	ev, err := c.Command(enableSlotCmd())
	if err != nil {
		return nil, err
	}
	id := ev.SlotID()
	if id == 0 || int(id) > c.caps.MaxSlots {
		return nil, fmt.Errorf("xhci: %s: enable slot returned slot %d: %w", c.cfg.Name, id, pkg.ErrDevice)
	}

	s := &Slot{ctrl: c, id: id, port: port, speed: speed}
	if err := s.allocate(); err != nil {
		s.release()
		if _, derr := c.Command(disableSlotCmd(id)); derr != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "disable slot after failed allocation",
				"controller", c.cfg.Name, "slot", id, "error", derr)
		}
		return nil, err
	}
	putAddr(c.dcbaa.Buf, int(id), s.out.Addr)
	c.sync.Flush(c.dcbaa.Slice(int(id)*8, 8))
	c.slots[id] = s

	ep0 := s.rings[1]
	ic := inputCtx(s.in.Buf, c.caps.ContextSize)
	clear(s.in.Buf)
	ic.setControl(0, 1<<0|1<<1)
	ic.setSlot(speed, 1, port)
	ic.setEndpoint(1, EPTypeControl, speed.DefaultMaxPacketSize0(), 0, 3, ep0.Addr(), ep0.Cycle(), 8)
	c.sync.Flush(s.in)

	if _, err := c.Command(addressDeviceCmd(s.in.Addr, id)); err != nil {
		if cerr := s.Close(); cerr != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "close slot after failed address",
				"controller", c.cfg.Name, "slot", id, "error", cerr)
		}
		return nil, err
	}
	c.sync.Invalidate(s.out)
	s.address = outputCtx(s.out.Buf, c.caps.ContextSize).deviceAddress()
	pkg.LogInfo(pkg.ComponentXHCI, "device addressed",
		"controller", c.cfg.Name, "slot", id, "port", port, "speed", speed, "address", s.address)
	return s, nil
}

func (s *Slot) allocate() error {
	c := s.ctrl
	var err error
	if s.out, err = c.alloc.Alloc(numDCI*c.caps.ContextSize, 64); err != nil {
		return fmt.Errorf("xhci: output context: %w", err)
	}
	if s.in, err = c.alloc.Alloc((numDCI+1)*c.caps.ContextSize, 64); err != nil {
		return fmt.Errorf("xhci: input context: %w", err)
	}
	if s.rings[1], err = allocRing(c.alloc, c.sync, c.cfg.TransferRingSize); err != nil {
		return err
	}
	return nil
}

// release frees the slot's memory without talking to the controller.
func (s *Slot) release() {
	a := s.ctrl.alloc
	for i, r := range s.rings {
		if r != nil {
			a.Free(r.mem)
			s.rings[i] = nil
		}
	}
	if s.in != nil {
		a.Free(s.in)
		s.in = nil
	}
	if s.out != nil {
		a.Free(s.out)
		s.out = nil
	}
	s.closed = true
}

// Close disables the slot and frees its memory. Outstanding transfers on
// the slot are abandoned.
func (s *Slot) Close() error {
	if s.closed {
		return nil
	}
	c := s.ctrl
	c.abandonSlot(s)
	var err error
	if c.state == StateRunning && !c.oper.Halted() {
		_, err = c.Command(disableSlotCmd(s.id))
	}
	if c.slots[s.id] == s {
		putAddr(c.dcbaa.Buf, int(s.id), 0)
		c.sync.Flush(c.dcbaa.Slice(int(s.id)*8, 8))
		c.slots[s.id] = nil
	}
	s.release()
	return err
}

// ConfigureEndpoint adds a transfer ring for a non-default endpoint and
// issues Configure Endpoint.
func (s *Slot) ConfigureEndpoint(ep hal.EndpointDescriptor) error {
	if s.closed {
		return fmt.Errorf("xhci: slot %d closed: %w", s.id, pkg.ErrInvalidState)
	}
	num := ep.Number()
	if num == 0 {
		return fmt.Errorf("xhci: endpoint 0 is configured by address: %w", pkg.ErrInvalidParameter)
	}
	in := ep.IsIn()
	dci := DCI(num, in)
	if s.rings[dci] != nil {
		return fmt.Errorf("xhci: slot %d endpoint %#02x already configured: %w", s.id, ep.Address, pkg.ErrInvalidState)
	}
	c := s.ctrl
	ring, err := allocRing(c.alloc, c.sync, c.cfg.TransferRingSize)
	if err != nil {
		return err
	}

	typ := ep.TransferType()
	cerr := uint32(3)
	if typ == hal.TransferIsochronous {
		cerr = 0
	}
	mps := ep.MaxPacketSize & 0x7FF
	avg := mps
	if typ == hal.TransferBulk || typ == hal.TransferControl {
		avg = 1024
	}

	c.sync.Invalidate(s.out)
	oc := outputCtx(s.out.Buf, c.caps.ContextSize)
	ic := inputCtx(s.in.Buf, c.caps.ContextSize)
	clear(s.in.Buf)
	ic.setControl(0, 1<<0|1<<dci)
	ic.copyContext(0, oc)
	if oc.contextEntries() < dci {
		ic.setContextEntries(dci)
	}
	ic.setEndpoint(dci, endpointType(typ, in), mps, epInterval(s.speed, typ, ep.Interval),
		cerr, ring.Addr(), ring.Cycle(), avg)
	c.sync.Flush(s.in)

	if _, err := c.Command(configureEndpointCmd(s.in.Addr, s.id)); err != nil {
		c.alloc.Free(ring.mem)
		return err
	}
	s.rings[dci] = ring
	pkg.LogDebug(pkg.ComponentXHCI, "endpoint configured",
		"controller", c.cfg.Name, "slot", s.id, "endpoint", ep.Address, "dci", dci)
	return nil
}

// EndpointState reads the controller's view of endpoint dci.
func (s *Slot) EndpointState(dci uint8) EndpointState {
	if s.closed || dci == 0 || dci >= numDCI {
		return EPDisabled
	}
	c := s.ctrl
	cs := c.caps.ContextSize
	c.sync.Invalidate(s.out.Slice(int(dci)*cs, cs))
	return outputCtx(s.out.Buf, cs).endpointState(dci)
}

// epInterval converts a descriptor bInterval to the endpoint context
// exponent form (period = 125 µs × 2^interval).
func epInterval(speed hal.Speed, typ hal.TransferType, bInterval uint8) uint8 {
	if typ != hal.TransferInterrupt && typ != hal.TransferIsochronous {
		return 0
	}
	clamp := func(v, lo, hi int) uint8 {
		return uint8(max(lo, min(hi, v)))
	}
	switch speed {
	case hal.SpeedHigh, hal.SpeedSuper, hal.SpeedSuperPlus:
		return clamp(int(bInterval)-1, 0, 15)
	default:
		if typ == hal.TransferIsochronous {
			return clamp(int(bInterval)+2, 3, 18)
		}
		if bInterval == 0 {
			return 3
		}
		// frames to microframes, rounded down to a power of two
		return clamp(bits.Len(uint(bInterval)*8)-1, 3, 10)
	}
}

// lookupSlot returns the open slot id.
func (c *Controller) lookupSlot(id hal.DeviceID) (*Slot, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("xhci: device 0: %w", pkg.ErrInvalidParameter)
	}
	s := c.slots[id]
	if s == nil || s.closed {
		return nil, fmt.Errorf("xhci: device %d not open: %w", id, pkg.ErrInvalidState)
	}
	return s, nil
}

// dropSlots forgets every slot without issuing commands, as after a
// controller reset.
func (c *Controller) dropSlots() {
	for id, s := range c.slots {
		if s != nil {
			s.release()
			c.slots[id] = nil
		}
	}
}

// =============================================================================
// hal.Controller Device Management
// =============================================================================

// OpenDevice implements hal.Controller.
func (c *Controller) OpenDevice(port int, speed hal.Speed) (hal.DeviceID, error) {
	s, err := c.EnableSlot(port, speed)
	if err != nil {
		return 0, err
	}
	return hal.DeviceID(s.id), nil
}

// CloseDevice implements hal.Controller.
func (c *Controller) CloseDevice(id hal.DeviceID) error {
	s, err := c.lookupSlot(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// ConfigureEndpoint implements hal.Controller.
func (c *Controller) ConfigureEndpoint(id hal.DeviceID, ep hal.EndpointDescriptor) error {
	s, err := c.lookupSlot(id)
	if err != nil {
		return err
	}
	return s.ConfigureEndpoint(ep)
}

// Slot returns the open slot for id.
func (c *Controller) Slot(id hal.DeviceID) (*Slot, error) { return c.lookupSlot(id) }
