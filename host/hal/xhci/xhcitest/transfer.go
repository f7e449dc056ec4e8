package xhcitest

import (
	"encoding/binary"
	"sort"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
)

// entry is one TRB of a transfer descriptor with its bus address.
type entry struct {
	addr uint64
	trb  xhci.TRB
}

func (e entry) length() int { return int(e.trb.Status & xhci.TRBLengthMask) }

// ProcessTransfers runs every running endpoint of every slot, in slot
// order, as a controller would after the doorbells held by
// Config.HoldTransfers.
func (s *Sim) ProcessTransfers() {
	ids := make([]int, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		sl := s.slots[uint8(id)]
		for dci := uint8(1); dci < 32; dci++ {
			if sl.eps[dci] != nil {
				s.processEndpoint(sl, dci)
			}
		}
	}
}

// ProcessEndpoint runs endpoint dci of slot id.
func (s *Sim) ProcessEndpoint(id, dci uint8) {
	if sl := s.slots[id]; sl != nil && sl.eps[dci] != nil {
		s.processEndpoint(sl, dci)
	}
}

func (s *Sim) processEndpoint(sl *slot, dci uint8) {
	ep := sl.eps[dci]
	for i := 0; i < 1024 && !s.Halted() && ep.state == xhci.EPRunning; i++ {
		td, deq, cycle, ok := s.gather(ep, dci == 1)
		if !ok {
			return
		}
		if s.run(sl, dci, td) {
			ep.deq, ep.cycle = deq, cycle
		}
	}
}

// gather collects the next complete TD at the endpoint's dequeue pointer
// and returns the dequeue pointer past it. ok is false when the driver has
// not produced a whole TD.
func (s *Sim) gather(ep *endpoint, control bool) (td []entry, deq uint64, cycle uint32, ok bool) {
	addr, cycle := ep.deq, ep.cycle
	for i := 0; i < 512; i++ {
		t, found := s.readTRB(addr)
		if !found || t.Cycle() != cycle {
			return nil, 0, 0, false
		}
		if t.Type() == xhci.TypeLink {
			if t.Control&xhci.TRBToggleCycle != 0 {
				cycle ^= 1
			}
			addr = t.Parameter &^ 0xF
			continue
		}
		td = append(td, entry{addr, t})
		addr += xhci.TRBSize
		setupTD := control && td[0].trb.Type() == xhci.TypeSetup
		switch {
		case setupTD && t.Type() == xhci.TypeStatus:
			return td, addr, cycle, true
		case !setupTD && t.Control&xhci.TRBChain == 0:
			return td, addr, cycle, true
		}
	}
	return nil, 0, 0, false
}

// run executes td. It reports whether the endpoint advanced past it; an
// endpoint that halts keeps its dequeue pointer on the failed TD.
func (s *Sim) run(sl *slot, dci uint8, td []entry) bool {
	if td[0].trb.Type() == xhci.TypeNoOp {
		for _, e := range td {
			if e.trb.Control&xhci.TRBIOC != 0 {
				s.transferEvent(sl, dci, e.addr, xhci.CodeSuccess, 0)
			}
		}
		return true
	}
	if sl.dev == nil {
		s.fail(sl, dci, td[0], xhci.CodeUSBTransaction)
		return false
	}

	var (
		setup hal.SetupPacket
		data  []entry
		last  = td[len(td)-1]
	)
	control := td[0].trb.Type() == xhci.TypeSetup
	if control {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], td[0].trb.Parameter)
		hal.ParseSetupPacket(raw[:], &setup)
		data = td[1 : len(td)-1]
	} else {
		data = td
	}
	total := 0
	for _, e := range data {
		total += e.length()
	}
	buf := make([]byte, total)

	in := dci&1 == 1
	if control {
		in = setup.IsIn()
	}
	if !in {
		s.gatherData(data, buf)
	}
	var (
		n    int
		code xhci.CompletionCode
	)
	if control {
		n, code = sl.dev.control(setup, buf)
	} else {
		addr := dci / 2
		if in {
			addr |= 0x80
		}
		n, code = sl.dev.bulk(addr, buf)
	}
	n = min(max(n, 0), total)
	if code != xhci.CodeSuccess {
		at := last
		if len(data) > 0 {
			at = data[0]
		}
		s.fail(sl, dci, at, code)
		return false
	}
	if in {
		s.scatterData(data, buf[:n])
	}

	if in && n < total {
		k, residual := shortAt(data, n)
		s.transferEvent(sl, dci, data[k].addr, xhci.CodeShortPacket, residual)
		if !control {
			return true
		}
	}
	if last.trb.Control&xhci.TRBIOC != 0 {
		s.transferEvent(sl, dci, last.addr, xhci.CodeSuccess, 0)
	}
	return true
}

// shortAt returns the index of the data TRB in which a transfer of n bytes
// ended and the bytes it left unused.
func shortAt(data []entry, n int) (int, int) {
	for k, e := range data {
		if n < e.length() {
			return k, e.length() - n
		}
		n -= e.length()
	}
	return len(data) - 1, 0
}

func (s *Sim) gatherData(data []entry, buf []byte) {
	off := 0
	for _, e := range data {
		l := e.length()
		if src := s.mem(e.trb.Parameter, l); src != nil {
			copy(buf[off:off+l], src)
		}
		off += l
	}
}

func (s *Sim) scatterData(data []entry, buf []byte) {
	for _, e := range data {
		if len(buf) == 0 {
			return
		}
		l := min(e.length(), len(buf))
		if dst := s.mem(e.trb.Parameter, l); dst != nil {
			copy(dst, buf[:l])
		}
		buf = buf[l:]
	}
}

// fail reports code at e and halts the endpoint.
func (s *Sim) fail(sl *slot, dci uint8, e entry, code xhci.CompletionCode) {
	s.transferEvent(sl, dci, e.addr, code, e.length())
	s.setEPState(sl, dci, xhci.EPHalted)
	sl.eps[dci].deq = e.addr
}

func (s *Sim) transferEvent(sl *slot, dci uint8, addr uint64, code xhci.CompletionCode, residual int) {
	s.postEvent(xhci.TRB{
		Parameter: addr,
		Status:    uint32(code)<<24 | uint32(residual)&0xFFFFFF,
		Control:   uint32(xhci.TypeTransferEvent)<<trbTypeShift | uint32(dci)<<16 | uint32(sl.id)<<24,
	})
}
