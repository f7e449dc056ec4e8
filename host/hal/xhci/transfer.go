package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Transfer is the handle of a transfer started with StartTransfer. It
// remains valid after the transfer completes and keeps reporting the final
// result.
type Transfer struct {
	req    *hal.TransferRequest
	td     *td
	done   bool
	result hal.TransferResult
}

// Request implements hal.Transfer.
func (t *Transfer) Request() *hal.TransferRequest { return t.req }

// Result returns the last observed result.
func (t *Transfer) Result() hal.TransferResult { return t.result }

// td is a transfer descriptor set: the TRBs of one transfer on one ring,
// drawn from the controller's fixed pool.
type td struct {
	handle  *Transfer
	slot    *Slot
	dci     uint8
	ring    *Ring
	span    uint64 // ring reservation
	bounce  *dma.Region
	in      bool
	control bool
	seq     uint64

	addrs    []uint64 // bus address of each TRB
	lens     []int    // data bytes described by each TRB
	dataLen  int
	next     uint64 // enqueue pointer after the last TRB
	nextCycl uint32

	short       bool
	shortActual int
	recover     bool // endpoint halted by the failure
	done        bool
	result      hal.TransferResult
}

func (d *td) reset() {
	*d = td{addrs: d.addrs[:0], lens: d.lens[:0]}
}

// transferPool bounds the number of outstanding transfers.
type transferPool struct {
	tds    []td
	free   []*td
	active []*td
	seq    uint64
}

func newTransferPool(n int) transferPool {
	p := transferPool{tds: make([]td, n), free: make([]*td, 0, n), active: make([]*td, 0, n)}
	for i := range p.tds {
		p.free = append(p.free, &p.tds[i])
	}
	return p
}

func (p *transferPool) get() (*td, error) {
	if len(p.free) == 0 {
		return nil, fmt.Errorf("xhci: %d transfers outstanding: %w", len(p.tds), pkg.ErrNoResources)
	}
	d := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	d.reset()
	return d, nil
}

func (p *transferPool) activate(d *td) {
	p.seq++
	d.seq = p.seq
	p.active = append(p.active, d)
}

func (p *transferPool) put(d *td) {
	for i, a := range p.active {
		if a == d {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
	d.handle = nil
	d.slot = nil
	d.ring = nil
	d.bounce = nil
	p.free = append(p.free, d)
}

// find returns the active descriptor owning the TRB at addr.
func (p *transferPool) find(addr uint64) (*td, int) {
	for _, d := range p.active {
		if !d.ring.Contains(addr) {
			continue
		}
		for k, a := range d.addrs {
			if a == addr {
				return d, k
			}
		}
	}
	return nil, -1
}

// pending reports whether another descriptor on the same endpoint is
// outstanding, queued before (earlier) or after d.
func (p *transferPool) pending(d *td, earlier bool) bool {
	for _, a := range p.active {
		if a == d || a.slot != d.slot || a.dci != d.dci || a.done {
			continue
		}
		if (a.seq < d.seq) == earlier {
			return true
		}
	}
	return false
}

// InFlight returns the number of outstanding transfers.
func (c *Controller) InFlight() int { return len(c.pool.active) }

// =============================================================================
// Start
// =============================================================================

// splitBuffer divides n bytes at addr into TRB-sized pieces that do not
// cross a 64 KiB boundary.
func splitBuffer(addr uint64, n int) []int {
	var out []int
	for n > 0 {
		room := MaxTRBLength - int(addr%MaxTRBLength)
		k := min(n, room)
		out = append(out, k)
		addr += uint64(k)
		n -= k
	}
	return out
}

// StartTransfer queues req on its endpoint's ring and rings the doorbell.
//
// Data moves through a bounce buffer allocated for the transfer. Control
// transfers become Setup, Data and Status TRBs; others a chain of Normal
// TRBs with Interrupt On Completion on the last.
func (c *Controller) StartTransfer(req *hal.TransferRequest) (hal.Transfer, error) {
	if req == nil {
		return nil, fmt.Errorf("xhci: nil transfer request: %w", pkg.ErrInvalidParameter)
	}
	s, err := c.lookupSlot(req.Device)
	if err != nil {
		return nil, err
	}
	if c.state != StateRunning || c.oper.Halted() {
		return nil, fmt.Errorf("xhci: %s: start transfer: %w", c.cfg.Name, pkg.ErrNotRunning)
	}

	in := req.IsIn()
	control := req.Type == hal.TransferControl
	n := len(req.Data)
	dci := DCI(req.Endpoint&0x0F, in)
	if control {
		if req.Endpoint&0x0F != 0 {
			return nil, fmt.Errorf("xhci: control transfer on endpoint %#02x: %w", req.Endpoint, pkg.ErrInvalidParameter)
		}
		n = int(req.Setup.Length)
		if n > len(req.Data) {
			return nil, fmt.Errorf("xhci: wLength %d exceeds %d-byte buffer: %w", n, len(req.Data), pkg.ErrInvalidParameter)
		}
		dci = 1
	}
	ring := s.rings[dci]
	if ring == nil {
		return nil, fmt.Errorf("xhci: slot %d endpoint %#02x not configured: %w", s.id, req.Endpoint, pkg.ErrInvalidState)
	}

	d, err := c.pool.get()
	if err != nil {
		return nil, err
	}
	var chunks []int
	if n > 0 {
		if d.bounce, err = c.alloc.Alloc(n, 64); err != nil {
			c.pool.put(d)
			return nil, fmt.Errorf("xhci: bounce buffer: %w", err)
		}
		if !in {
			copy(d.bounce.Buf, req.Data[:n])
		}
		c.sync.Flush(d.bounce)
		chunks = splitBuffer(d.bounce.Addr, n)
	}
	count := len(chunks)
	if control {
		count += 2
	} else if count == 0 {
		count = 1
	}
	span, err := ring.Reserve(count)
	if err != nil {
		c.freeBounce(d)
		c.pool.put(d)
		return nil, err
	}

	d.slot, d.dci, d.ring, d.span = s, dci, ring, span
	d.in, d.control, d.dataLen = in, control, n
	if control {
		c.queueControl(d, &req.Setup, chunks)
	} else {
		c.queueNormal(d, chunks)
	}
	d.next, d.nextCycl = ring.EnqueuePointer()

	t := &Transfer{req: req, td: d}
	d.handle = t
	c.pool.activate(d)
	c.db.Ring(int(s.id), dci, 0)
	pkg.LogDebug(pkg.ComponentRing, "transfer started",
		"controller", c.cfg.Name, "slot", s.id, "dci", dci, "trbs", count, "bytes", n)
	return t, nil
}

func (d *td) push(t TRB, dataLen int) {
	d.addrs = append(d.addrs, d.ring.Enqueue(t))
	d.lens = append(d.lens, dataLen)
}

func (c *Controller) queueControl(d *td, setup *hal.SetupPacket, chunks []int) {
	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	trt := uint32(TRTNoData)
	if len(chunks) > 0 {
		trt = TRTOut
		if d.in {
			trt = TRTIn
		}
	}
	d.push(TRB{
		Parameter: binary.LittleEndian.Uint64(raw[:]),
		Status:    hal.SetupPacketSize,
		Control:   uint32(TypeSetup)<<trbTypeShift | TRBIDT | trt<<trbTRTShift,
	}, 0)

	addr := uint64(0)
	if d.bounce != nil {
		addr = d.bounce.Addr
	}
	for i, n := range chunks {
		typ := TypeNormal
		ctl := uint32(0)
		if i == 0 {
			typ = TypeData
			if d.in {
				ctl |= TRBDirIn
			}
		}
		if d.in {
			ctl |= TRBISP
		}
		if i < len(chunks)-1 {
			ctl |= TRBChain
		}
		d.push(TRB{Parameter: addr, Status: uint32(n), Control: uint32(typ)<<trbTypeShift | ctl}, n)
		addr += uint64(n)
	}

	status := uint32(TypeStatus)<<trbTypeShift | TRBIOC
	if len(chunks) == 0 || !d.in {
		status |= TRBDirIn
	}
	d.push(TRB{Control: status}, 0)
}

func (c *Controller) queueNormal(d *td, chunks []int) {
	if len(chunks) == 0 {
		d.push(TRB{Control: uint32(TypeNormal)<<trbTypeShift | TRBIOC}, 0)
		return
	}
	addr := d.bounce.Addr
	for i, n := range chunks {
		ctl := uint32(TypeNormal) << trbTypeShift
		if d.in {
			ctl |= TRBISP
		}
		if i < len(chunks)-1 {
			ctl |= TRBChain
		} else {
			ctl |= TRBIOC
		}
		d.push(TRB{Parameter: addr, Status: uint32(n), Control: ctl}, n)
		addr += uint64(n)
	}
}

// =============================================================================
// Completion
// =============================================================================

// transferEvent records the outcome a Transfer Event reports for the
// descriptor owning the TRB it points at.
func (c *Controller) transferEvent(ev TRB) {
	d, k := c.pool.find(ev.Parameter)
	if d == nil || d.done {
		pkg.LogDebug(pkg.ComponentRing, "transfer event without owner",
			"controller", c.cfg.Name, "ptr", hex64(ev.Parameter), "code", ev.Code())
		return
	}
	last := k == len(d.addrs)-1
	moved := func() int {
		sum := 0
		for _, n := range d.lens[:k] {
			sum += n
		}
		return sum + max(0, d.lens[k]-ev.Residual())
	}

	switch code := ev.Code(); code {
	case CodeSuccess:
		if !last {
			return
		}
		if d.short {
			d.finish(pkg.TransferStatusShortPacket, d.shortActual)
		} else {
			d.finish(pkg.TransferStatusSuccess, d.dataLen)
		}
	case CodeShortPacket:
		actual := moved()
		if d.control && !last {
			d.short, d.shortActual = true, actual
			return
		}
		d.finish(pkg.TransferStatusShortPacket, actual)
	case CodeStopped, CodeStoppedLenInvalid:
		// Stop Endpoint acknowledgment for a descriptor being cancelled.
	case CodeStall:
		d.recover = true
		d.finish(pkg.TransferStatusStall, moved())
	case CodeBabble:
		d.recover = true
		d.finish(pkg.TransferStatusBabble, moved())
	case CodeUSBTransaction:
		d.recover = true
		d.finish(pkg.TransferStatusTransactionError, moved())
	default:
		d.recover = d.slot.EndpointState(d.dci) == EPHalted
		pkg.LogWarn(pkg.ComponentRing, "transfer failed",
			"controller", c.cfg.Name, "slot", d.slot.id, "dci", d.dci, "code", code)
		d.finish(pkg.TransferStatusError, moved())
	}
}

func (d *td) finish(status pkg.TransferStatus, actual int) {
	d.done = true
	d.result = hal.TransferResult{Status: status, Actual: min(actual, d.dataLen)}
}

// CheckTransfer polls t once.
//
// A halted controller yields TransferStatusNotRunning without touching any
// ring. Otherwise pending events are processed; a terminal result copies IN
// data to the request, recovers a halted endpoint and releases the
// descriptor.
func (c *Controller) CheckTransfer(ht hal.Transfer) hal.TransferResult {
	t, ok := ht.(*Transfer)
	if !ok || t == nil {
		return hal.TransferResult{Status: pkg.TransferStatusError}
	}
	if t.done {
		return t.result
	}
	d := t.td
	if c.closed || c.state == StateFaulted || c.oper.Halted() {
		d.finish(pkg.TransferStatusNotRunning, 0)
		c.release(d)
		return t.result
	}
	c.processEvents()
	if !d.done {
		return hal.TransferResult{Status: pkg.TransferStatusPending}
	}
	c.complete(d)
	return t.result
}

// complete finishes a descriptor whose outcome is known.
func (c *Controller) complete(d *td) {
	if d.in && d.result.Actual > 0 && d.bounce != nil {
		c.sync.Invalidate(d.bounce)
		copy(d.handle.req.Data, d.bounce.Buf[:d.result.Actual])
	}
	if d.recover {
		c.recoverEndpoint(d)
	}
	c.release(d)
}

// release returns d to the pool and publishes its result on the handle.
// It performs no register access.
func (c *Controller) release(d *td) {
	if t := d.handle; t != nil {
		t.done = true
		t.result = d.result
		t.td = nil
	}
	if d.ring != nil {
		d.ring.Retire(d.span)
	}
	c.freeBounce(d)
	c.pool.put(d)
}

func (c *Controller) freeBounce(d *td) {
	if d.bounce != nil {
		c.alloc.Free(d.bounce)
		d.bounce = nil
	}
}

// recoverEndpoint clears a halted endpoint and moves its dequeue pointer
// past the failed descriptor.
func (c *Controller) recoverEndpoint(d *td) {
	s := d.slot
	if _, err := c.Command(resetEndpointCmd(s.id, d.dci)); err != nil {
		pkg.LogWarn(pkg.ComponentRing, "reset endpoint failed",
			"controller", c.cfg.Name, "slot", s.id, "dci", d.dci, "error", err)
		return
	}
	c.moveDequeue(d)
}

// moveDequeue points the endpoint past d and restarts it if later
// descriptors are queued.
func (c *Controller) moveDequeue(d *td) {
	s := d.slot
	if _, err := c.Command(setTRDequeueCmd(s.id, d.dci, d.next, d.nextCycl)); err != nil {
		pkg.LogWarn(pkg.ComponentRing, "set TR dequeue pointer failed",
			"controller", c.cfg.Name, "slot", s.id, "dci", d.dci, "error", err)
		return
	}
	if c.pool.pending(d, false) {
		c.db.Ring(int(s.id), d.dci, 0)
	}
}

// =============================================================================
// Cancel
// =============================================================================

// CancelTransfer aborts t and releases it.
//
// On a halted controller, or when the endpoint is not running, the
// descriptor is torn down at once. Otherwise its TRBs become No-Ops, the
// endpoint is stopped, and once the controller acknowledges within
// Config.CancelTimeout the dequeue pointer is moved past the descriptor.
// An unacknowledged stop is logged and the descriptor is reclaimed anyway.
//
// A descriptor queued behind other outstanding ones is left on the ring as
// No-Ops for the controller to step over; its ring entries stay reserved
// until the descriptors ahead of it retire.
func (c *Controller) CancelTransfer(ht hal.Transfer) error {
	t, ok := ht.(*Transfer)
	if !ok || t == nil {
		return fmt.Errorf("xhci: cancel foreign transfer: %w", pkg.ErrInvalidParameter)
	}
	if t.done {
		return nil
	}
	d := t.td
	if c.closed || c.state != StateRunning || c.oper.Halted() {
		d.finish(pkg.TransferStatusCancelled, 0)
		c.release(d)
		return nil
	}

	c.processEvents()
	if d.done {
		c.complete(d)
		return nil
	}

	s := d.slot
	if state := s.EndpointState(d.dci); state != EPRunning {
		if state == EPHalted {
			if _, err := c.Command(resetEndpointCmd(s.id, d.dci)); err != nil {
				pkg.LogWarn(pkg.ComponentRing, "reset endpoint during cancel failed",
					"controller", c.cfg.Name, "slot", s.id, "dci", d.dci, "error", err)
			}
		}
		if c.pool.pending(d, true) {
			d.skip()
			c.db.Ring(int(s.id), d.dci, 0)
		} else {
			c.moveDequeue(d)
		}
		d.finish(pkg.TransferStatusCancelled, 0)
		c.release(d)
		return nil
	}

	d.skip()
	_, err := c.command(stopEndpointCmd(s.id, d.dci), c.cfg.CancelTimeout)
	switch {
	case errors.Is(err, pkg.ErrTimeout):
		pkg.LogWarn(pkg.ComponentRing, "stop endpoint not acknowledged, reclaiming descriptor",
			"controller", c.cfg.Name, "slot", s.id, "dci", d.dci, "timeout", c.cfg.CancelTimeout)
	case errors.Is(err, pkg.ErrNotRunning):
	case err != nil:
		// The endpoint may have stopped on its own; fall through to the
		// dequeue move, which tolerates that.
		pkg.LogDebug(pkg.ComponentRing, "stop endpoint", "controller", c.cfg.Name, "error", err)
		fallthrough
	default:
		if c.pool.pending(d, true) {
			c.db.Ring(int(s.id), d.dci, 0)
		} else {
			c.moveDequeue(d)
		}
	}
	if !d.done || d.result.Status != pkg.TransferStatusSuccess {
		d.finish(pkg.TransferStatusCancelled, 0)
	}
	c.release(d)
	return nil
}

// skip turns the TRBs of d into No-Ops without interrupts.
func (d *td) skip() {
	for _, addr := range d.addrs {
		_ = d.ring.Rewrite(addr, func(t *TRB) {
			t.Control = withType(t.Control&^(TRBIOC|TRBISP|TRBIDT|0x3<<trbTRTShift), TypeNoOp)
		})
	}
}

// abandonTransfers ends every outstanding transfer without touching the
// hardware, as when the controller halts or resets.
func (c *Controller) abandonTransfers() {
	for len(c.pool.active) > 0 {
		d := c.pool.active[0]
		if !d.done {
			d.finish(pkg.TransferStatusNotRunning, 0)
		}
		c.release(d)
	}
}

// abandonSlot ends the outstanding transfers of s.
func (c *Controller) abandonSlot(s *Slot) {
	for i := 0; i < len(c.pool.active); {
		d := c.pool.active[i]
		if d.slot != s {
			i++
			continue
		}
		if !d.done {
			d.finish(pkg.TransferStatusCancelled, 0)
		}
		c.release(d)
	}
}
