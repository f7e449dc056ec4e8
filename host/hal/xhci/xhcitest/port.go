package xhcitest

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
)

// port models one root hub port in either register layout.
type port struct {
	num     int
	usb3    bool
	dev     *Device
	powered bool

	enabled   bool
	resetting bool
	owner     bool // companion layout: ceded to the companion controller
	stuck     bool // reset never completes
	broken    bool // resets complete without enabling

	// change bits, in the native layout's positions
	csc, pec, prc bool
}

func (p *port) connected() bool { return p.dev != nil && p.powered }

// Attach connects dev to port (1-based). USB 3 ports enable on their own,
// as link training would.
func (s *Sim) Attach(portNum int, dev *Device) {
	p := s.ports[portNum-1]
	p.dev = dev
	p.csc = true
	p.enabled = false
	p.owner = false
	p.broken = false
	if p.usb3 && p.connected() {
		p.enabled = true
	}
}

// Detach disconnects the device on port.
func (s *Sim) Detach(portNum int) {
	p := s.ports[portNum-1]
	p.dev = nil
	p.enabled = false
	p.resetting = false
	p.csc = true
}

// BreakPort disables port and keeps later resets from enabling it, as a
// device that stops signalling would.
func (s *Sim) BreakPort(portNum int) {
	p := s.ports[portNum-1]
	p.broken = true
	if p.enabled {
		p.enabled = false
		p.pec = true
	}
}

// HoldPortReset makes every later reset of port stay asserted.
func (s *Sim) HoldPortReset(portNum int) { s.ports[portNum-1].stuck = true }

// PortOwnedByCompanion reports whether the driver ceded port.
func (s *Sim) PortOwnedByCompanion(portNum int) bool { return s.ports[portNum-1].owner }

// PortPowered reports whether port has power.
func (s *Sim) PortPowered(portNum int) bool { return s.ports[portNum-1].powered }

func (p *port) hcReset(s *Sim) {
	p.enabled = false
	p.resetting = false
	p.csc, p.pec, p.prc = p.dev != nil, false, false
	if s.cfg.PortPower {
		p.powered = false
	}
	if p.usb3 && p.connected() {
		p.enabled = true
	}
}

func (p *port) read(s *Sim) uint32 {
	if s.cfg.Companion {
		return p.readCompanion()
	}
	if p.resetting && !p.stuck {
		p.finishReset()
	}
	var v uint32
	if p.connected() {
		v |= xhci.PortCCS
	}
	if p.enabled {
		v |= xhci.PortPED
		v |= xhci.PortSpeedID(p.dev.Speed) << xhci.PortSpeedShft
	}
	if p.resetting {
		v |= xhci.PortPR
	}
	if p.powered {
		v |= xhci.PortPP
	}
	if p.csc {
		v |= xhci.PortCSC
	}
	if p.pec {
		v |= xhci.PortPEC
	}
	if p.prc {
		v |= xhci.PortPRC
	}
	return v
}

// finishReset completes a port reset. Only a connected device enables.
func (p *port) finishReset() {
	p.resetting = false
	p.prc = true
	p.enabled = p.connected() && !p.broken
}

func (p *port) write(s *Sim, v uint32) {
	if s.cfg.Companion {
		p.writeCompanion(s, v)
		return
	}
	if v&xhci.PortCSC != 0 {
		p.csc = false
	}
	if v&xhci.PortPEC != 0 {
		p.pec = false
	}
	if v&xhci.PortPRC != 0 {
		p.prc = false
	}
	if s.cfg.PortPower {
		p.powered = v&xhci.PortPP != 0
		if !p.powered {
			p.enabled = false
		}
	}
	if v&xhci.PortPED != 0 {
		p.enabled = false
	}
	if v&xhci.PortPR != 0 && p.powered {
		p.resetting = true
		p.enabled = false
	}
}

func (p *port) readCompanion() uint32 {
	var v uint32
	if p.connected() {
		v |= xhci.CompCCS
		if !p.enabled && !p.resetting && p.dev.Speed == hal.SpeedLow {
			v |= xhci.CompLineK
		}
	}
	if p.enabled {
		v |= xhci.CompPED
	}
	if p.resetting {
		v |= xhci.CompPR
	}
	if p.powered {
		v |= xhci.CompPP
	}
	if p.owner {
		v |= xhci.CompOwner
	}
	if p.csc {
		v |= xhci.CompCSC
	}
	if p.pec {
		v |= xhci.CompPEC
	}
	return v
}

// writeCompanion applies a write in the companion layout, where software
// deasserts PR and only a high-speed device enables.
func (p *port) writeCompanion(s *Sim, v uint32) {
	if v&xhci.CompCSC != 0 {
		p.csc = false
	}
	if v&xhci.CompPEC != 0 {
		p.pec = false
	}
	if s.cfg.PortPower {
		p.powered = v&xhci.CompPP != 0
	}
	p.owner = v&xhci.CompOwner != 0
	if v&xhci.CompPED == 0 {
		p.enabled = false
	}
	switch {
	case v&xhci.CompPR != 0 && p.powered:
		p.resetting = true
		p.enabled = false
	case v&xhci.CompPR == 0 && p.resetting && !p.stuck:
		p.resetting = false
		p.enabled = p.connected() && p.dev.Speed >= hal.SpeedHigh && !p.broken
	}
}
