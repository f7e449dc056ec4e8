package xhcitest

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/host/hal/xhci"
)

// slot is an enabled device slot.
type slot struct {
	id      uint8
	port    int
	dev     *Device
	out     uint64 // output device context
	address uint8
	eps     [32]*endpoint
}

// endpoint is the controller-side state of one endpoint.
type endpoint struct {
	state xhci.EndpointState
	deq   uint64
	cycle uint32
}

const (
	slotStateAddressed = 2
	slotStateShift     = 27
	trbTypeShift       = 10
)

func (s *Sim) ctxSize() int {
	if s.cfg.Context64 {
		return 64
	}
	return 32
}

func (s *Sim) mem(addr uint64, n int) []byte { return s.arena.Lookup(addr, n) }

func (s *Sim) readTRB(addr uint64) (xhci.TRB, bool) {
	b := s.mem(addr, xhci.TRBSize)
	if b == nil {
		return xhci.TRB{}, false
	}
	return xhci.DecodeTRB(b), true
}

// ctxDword returns the dword of context index at base.
func (s *Sim) ctxDword(base uint64, index, dword int) uint32 {
	b := s.mem(base+uint64(index*s.ctxSize()+dword*4), 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (s *Sim) setCtxDword(base uint64, index, dword int, v uint32) {
	if b := s.mem(base+uint64(index*s.ctxSize()+dword*4), 4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

// setEPState records state in the endpoint and its output context.
func (s *Sim) setEPState(sl *slot, dci uint8, state xhci.EndpointState) {
	ep := sl.eps[dci]
	ep.state = state
	d := s.ctxDword(sl.out, int(dci), 0)
	s.setCtxDword(sl.out, int(dci), 0, d&^0x7|uint32(state))
}

// EndpointState returns the simulated state of endpoint dci of slot id.
func (s *Sim) EndpointState(id, dci uint8) xhci.EndpointState {
	sl := s.slots[id]
	if sl == nil || sl.eps[dci] == nil {
		return xhci.EPDisabled
	}
	return sl.eps[dci].state
}

// HaltEndpoint forces endpoint dci of slot id into the Halted state, as a
// stall would.
func (s *Sim) HaltEndpoint(id, dci uint8) {
	if sl := s.slots[id]; sl != nil && sl.eps[dci] != nil {
		s.setEPState(sl, dci, xhci.EPHalted)
	}
}

// Slots returns the number of enabled slots.
func (s *Sim) Slots() int { return len(s.slots) }

// =============================================================================
// Command Ring
// =============================================================================

// ProcessCommands runs the command ring as the doorbells held by
// HoldCommands would have.
func (s *Sim) ProcessCommands() {
	if !s.Halted() {
		s.processCommands()
	}
}

// processCommands consumes the command ring up to the first entry the
// driver has not produced.
func (s *Sim) processCommands() {
	for i := 0; i < 1024; i++ {
		t, ok := s.readTRB(s.cmdDeq)
		if !ok || t.Cycle() != s.cmdCycle {
			return
		}
		if t.Type() == xhci.TypeLink {
			if t.Control&xhci.TRBToggleCycle != 0 {
				s.cmdCycle ^= 1
			}
			s.cmdDeq = t.Parameter &^ 0xF
			continue
		}
		addr := s.cmdDeq
		s.cmdDeq += xhci.TRBSize
		if s.DropCommands {
			continue
		}
		code, slotID := s.execute(t)
		if forced, ok := s.FailCommand[t.Type()]; ok {
			code = forced
		}
		s.postEvent(xhci.TRB{
			Parameter: addr,
			Status:    uint32(code) << 24,
			Control:   uint32(xhci.TypeCommandComplete)<<trbTypeShift | uint32(slotID)<<24,
		})
	}
}

func (s *Sim) execute(t xhci.TRB) (xhci.CompletionCode, uint8) {
	id := t.SlotID()
	if _, forced := s.FailCommand[t.Type()]; forced {
		return xhci.CodeSuccess, id
	}
	switch t.Type() {
	case xhci.TypeEnableSlot:
		return s.enableSlot()
	case xhci.TypeNoOpCommand, xhci.TypeEvaluateContext:
		return xhci.CodeSuccess, id
	}

	sl := s.slots[id]
	if sl == nil {
		return xhci.CodeSlotNotEnabled, id
	}
	dci := t.EndpointID()
	switch t.Type() {
	case xhci.TypeDisableSlot:
		delete(s.slots, id)
	case xhci.TypeAddressDevice:
		return s.addressDevice(sl, t.Parameter), id
	case xhci.TypeConfigureEndpoint:
		return s.configureEndpoint(sl, t.Parameter), id
	case xhci.TypeResetEndpoint:
		ep := sl.eps[dci]
		if ep == nil {
			return xhci.CodeEndpointNotEnable, id
		}
		if ep.state != xhci.EPHalted {
			return xhci.CodeContextState, id
		}
		s.setEPState(sl, dci, xhci.EPStopped)
	case xhci.TypeStopEndpoint:
		ep := sl.eps[dci]
		if ep == nil {
			return xhci.CodeEndpointNotEnable, id
		}
		if ep.state != xhci.EPRunning {
			return xhci.CodeContextState, id
		}
		if cur, ok := s.readTRB(ep.deq); ok && cur.Cycle() == ep.cycle {
			s.transferEvent(sl, dci, ep.deq, xhci.CodeStopped, 0)
		}
		s.setEPState(sl, dci, xhci.EPStopped)
	case xhci.TypeSetTRDequeue:
		ep := sl.eps[dci]
		if ep == nil {
			return xhci.CodeEndpointNotEnable, id
		}
		if ep.state != xhci.EPStopped && ep.state != xhci.EPError {
			return xhci.CodeContextState, id
		}
		ep.deq = t.Parameter &^ 0xF
		ep.cycle = uint32(t.Parameter & 1)
		s.setCtxDword(sl.out, int(dci), 2, uint32(t.Parameter))
		s.setCtxDword(sl.out, int(dci), 3, uint32(t.Parameter>>32))
	default:
		return xhci.CodeTRB, id
	}
	return xhci.CodeSuccess, id
}

func (s *Sim) enableSlot() (xhci.CompletionCode, uint8) {
	for id := 1; id <= s.cfg.MaxSlots; id++ {
		if s.slots[uint8(id)] == nil {
			s.slots[uint8(id)] = &slot{id: uint8(id)}
			return xhci.CodeSuccess, uint8(id)
		}
	}
	return xhci.CodeNoSlots, 0
}

// outputContext returns the output context address from the DCBAA.
func (s *Sim) outputContext(id uint8) uint64 {
	b := s.mem(s.dcbaap+uint64(id)*8, 8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// copyInput copies input context index (after the control context) to the
// output context.
func (s *Sim) copyInput(sl *slot, in uint64, index int) {
	n := s.ctxSize()
	src := s.mem(in+uint64((index+1)*n), n)
	dst := s.mem(sl.out+uint64(index*n), n)
	if src != nil && dst != nil {
		copy(dst, src)
	}
}

func (s *Sim) loadEndpoint(sl *slot, dci uint8) {
	lo := s.ctxDword(sl.out, int(dci), 2)
	hi := s.ctxDword(sl.out, int(dci), 3)
	ptr := uint64(hi)<<32 | uint64(lo)
	sl.eps[dci] = &endpoint{deq: ptr &^ 0xF, cycle: uint32(ptr & 1)}
	s.setEPState(sl, dci, xhci.EPRunning)
}

func (s *Sim) addressDevice(sl *slot, in uint64) xhci.CompletionCode {
	sl.out = s.outputContext(sl.id)
	if sl.out == 0 || s.mem(in, 3*s.ctxSize()) == nil {
		return xhci.CodeParameter
	}
	if add := s.ctxDword(in, 0, 1); add&0x3 != 0x3 {
		return xhci.CodeParameter
	}
	s.copyInput(sl, in, 0)
	s.copyInput(sl, in, 1)

	sl.port = int(s.ctxDword(sl.out, 0, 1)>>16) & 0xFF
	if sl.port < 1 || sl.port > len(s.ports) {
		return xhci.CodeParameter
	}
	p := s.ports[sl.port-1]
	if !p.enabled || p.dev == nil {
		return xhci.CodeUSBTransaction
	}
	sl.dev = p.dev
	sl.address = sl.id
	s.setCtxDword(sl.out, 0, 3, uint32(sl.address)|slotStateAddressed<<slotStateShift)
	s.loadEndpoint(sl, 1)
	return xhci.CodeSuccess
}

func (s *Sim) configureEndpoint(sl *slot, in uint64) xhci.CompletionCode {
	if sl.out == 0 {
		return xhci.CodeContextState
	}
	drop := s.ctxDword(in, 0, 0)
	add := s.ctxDword(in, 0, 1)
	for dci := uint8(2); dci < 32; dci++ {
		if drop&(1<<dci) != 0 {
			sl.eps[dci] = nil
			s.setCtxDword(sl.out, int(dci), 0, 0)
		}
	}
	if add&1 != 0 {
		entries := s.ctxDword(in, 1, 0) >> 27
		d := s.ctxDword(sl.out, 0, 0)
		s.setCtxDword(sl.out, 0, 0, d&^(0x1F<<27)|entries<<27)
	}
	for dci := uint8(2); dci < 32; dci++ {
		if add&(1<<dci) != 0 {
			s.copyInput(sl, in, int(dci))
			s.loadEndpoint(sl, dci)
		}
	}
	return xhci.CodeSuccess
}

// =============================================================================
// Event Ring
// =============================================================================

func (s *Sim) armEventRing() {
	e := s.mem(s.erstba, xhci.ERSTEntrySize)
	if e == nil || s.erstsz == 0 {
		s.evSize = 0
		return
	}
	s.evSeg = binary.LittleEndian.Uint64(e[0:]) &^ 0x3F
	s.evSize = int(binary.LittleEndian.Uint32(e[8:]) & 0xFFFF)
	s.evEnq = 0
	s.evCycle = 1
}

// postEvent writes t to the event ring with the producer cycle bit. An
// event that would overwrite an unconsumed entry is dropped.
func (s *Sim) postEvent(t xhci.TRB) {
	if s.evSize == 0 {
		s.eventsDropped++
		return
	}
	next := (s.evEnq + 1) % s.evSize
	if deq := s.erdp &^ 0xF; deq >= s.evSeg && deq < s.evSeg+uint64(s.evSize*xhci.TRBSize) {
		if int((deq-s.evSeg)/xhci.TRBSize) == next {
			s.eventsDropped++
			return
		}
	}
	b := s.mem(s.evSeg+uint64(s.evEnq*xhci.TRBSize), xhci.TRBSize)
	if b == nil {
		s.eventsDropped++
		return
	}
	t.Control = t.Control&^xhci.TRBCycle | s.evCycle
	t.Encode(b)
	s.evEnq = next
	if s.evEnq == 0 {
		s.evCycle ^= 1
	}
	s.iman |= xhci.IMANPending
	s.usbsts |= xhci.StsEINT
}

// PostPortChange posts a Port Status Change event for port.
func (s *Sim) PostPortChange(portNum int) {
	s.postEvent(xhci.TRB{
		Parameter: uint64(portNum) << 24,
		Status:    uint32(xhci.CodeSuccess) << 24,
		Control:   uint32(xhci.TypePortStatusChange) << trbTypeShift,
	})
}
