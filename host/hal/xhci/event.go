package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal/dma"
)

// ERSTEntrySize is the size of an Event Ring Segment Table entry.
const ERSTEntrySize = 16

// EventRing is the single-segment event ring of interrupter 0. The
// controller produces; the driver consumes by polling the cycle bit.
type EventRing struct {
	seg  *dma.Region
	erst *dma.Region
	sync dma.Syncer
	ir   Interrupter
	size int
	deq  int
	ccs  uint32
}

// allocEventRing allocates the segment and its one-entry segment table.
func allocEventRing(a dma.Allocator, s dma.Syncer, size int) (*EventRing, error) {
	seg, err := a.Alloc(size*TRBSize, 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: event ring of %d TRBs: %w", size, err)
	}
	erst, err := a.Alloc(ERSTEntrySize, 64)
	if err != nil {
		a.Free(seg)
		return nil, fmt.Errorf("xhci: event ring segment table: %w", err)
	}
	return &EventRing{seg: seg, erst: erst, sync: s, size: size}, nil
}

func (e *EventRing) free(a dma.Allocator) {
	a.Free(e.seg)
	a.Free(e.erst)
}

// Init empties the ring, writes the segment table and programs the
// interrupter. ERSTBA is written last since it arms the ring.
func (e *EventRing) Init(ir Interrupter) {
	clear(e.seg.Buf)
	e.sync.Flush(e.seg)
	binary.LittleEndian.PutUint64(e.erst.Buf[0:], e.seg.Addr)
	binary.LittleEndian.PutUint32(e.erst.Buf[8:], uint32(e.size))
	binary.LittleEndian.PutUint32(e.erst.Buf[12:], 0)
	e.sync.Flush(e.erst)

	e.ir = ir
	e.deq = 0
	e.ccs = 1
	ir.SetERSTSize(1)
	ir.SetERDP(e.seg.Addr)
	ir.SetERSTBase(e.erst.Addr)
}

// Next returns the event at the dequeue position if the controller has
// produced it, that is, if its cycle bit equals the consumer cycle state.
// Consuming past the last entry toggles the expected cycle.
func (e *EventRing) Next() (TRB, bool) {
	s := e.seg.Slice(e.deq*TRBSize, TRBSize)
	e.sync.Invalidate(s)
	t := readTRB(s.Buf)
	if t.Cycle() != e.ccs {
		return TRB{}, false
	}
	e.deq++
	if e.deq == e.size {
		e.deq = 0
		e.ccs ^= 1
	}
	return t, true
}

// Ack tells the controller how far the driver has consumed and clears the
// event handler busy flag.
func (e *EventRing) Ack() {
	e.ir.SetERDP(e.seg.Addr + uint64(e.deq*TRBSize) | ERDPBusy)
}

// Dequeue returns the current dequeue index and consumer cycle state.
func (e *EventRing) Dequeue() (int, uint32) { return e.deq, e.ccs }
