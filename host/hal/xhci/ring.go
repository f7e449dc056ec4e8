package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Ring is a producer ring: the command ring or a transfer ring. The driver
// enqueues TRBs; the controller consumes them.
//
// The last slot holds a Link TRB with Toggle Cycle pointing back to the
// first, so at most Capacity()-1 entries are usable. Entries stay in flight
// from Reserve until their reservation and every earlier one is retired.
type Ring struct {
	mem      *dma.Region
	sync     dma.Syncer
	size     int
	enq      int
	cycle    uint32
	inflight int
	spans    []span
	lastSpan uint64
}

// span is one reservation, kept in ring order.
type span struct {
	id   uint64
	n    int
	done bool
}

// newRing lays out a ring over mem, which must hold at least two TRBs.
func newRing(mem *dma.Region, sync dma.Syncer) *Ring {
	r := &Ring{mem: mem, sync: sync, size: mem.Len() / TRBSize}
	r.Init()
	return r
}

// allocRing allocates and initializes a ring of size TRBs.
func allocRing(a dma.Allocator, s dma.Syncer, size int) (*Ring, error) {
	mem, err := a.Alloc(size*TRBSize, 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: ring of %d TRBs: %w", size, err)
	}
	return newRing(mem, s), nil
}

// Init empties the ring: all entries zeroed, producer cycle state 1, and
// the link TRB installed with a cycle bit the controller will not consume.
func (r *Ring) Init() {
	clear(r.mem.Buf)
	r.enq = 0
	r.cycle = 1
	r.inflight = 0
	r.spans = r.spans[:0]
	link := TRB{
		Parameter: r.mem.Addr,
		Control:   uint32(TypeLink)<<trbTypeShift | TRBToggleCycle,
	}
	link.put(r.slot(r.size - 1).Buf)
	r.sync.Flush(r.mem)
}

func (r *Ring) slot(i int) *dma.Region { return r.mem.Slice(i*TRBSize, TRBSize) }

// Addr returns the bus address of the first entry.
func (r *Ring) Addr() uint64 { return r.mem.Addr }

// Capacity returns the number of slots, including the link TRB.
func (r *Ring) Capacity() int { return r.size }

// Free returns the number of entries that can still be reserved.
func (r *Ring) Free() int { return r.size - 1 - r.inflight }

// InFlight returns the number of reserved, unretired entries.
func (r *Ring) InFlight() int { return r.inflight }

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() uint32 { return r.cycle }

// EnqueuePointer returns the bus address and cycle state the controller
// will see at the next enqueue position.
func (r *Ring) EnqueuePointer() (uint64, uint32) {
	return r.mem.Addr + uint64(r.enq*TRBSize), r.cycle
}

// Reserve claims n entries for a transfer descriptor or command and
// returns the reservation's id. It fails with [pkg.ErrNoResources] when
// fewer than n are free, leaving the ring unchanged.
func (r *Ring) Reserve(n int) (uint64, error) {
	if n <= 0 || n > r.Free() {
		return 0, fmt.Errorf("xhci: reserve %d of %d free ring entries: %w", n, r.Free(), pkg.ErrNoResources)
	}
	r.lastSpan++
	r.spans = append(r.spans, span{id: r.lastSpan, n: n})
	r.inflight += n
	return r.lastSpan, nil
}

// Retire marks reservation id consumed. The controller consumes a ring in
// order, so its entries are freed only once every earlier reservation is
// retired as well. Unknown ids, including those from before the last Init,
// are ignored.
func (r *Ring) Retire(id uint64) {
	for i := range r.spans {
		if r.spans[i].id == id {
			r.spans[i].done = true
			break
		}
	}
	k := 0
	for k < len(r.spans) && r.spans[k].done {
		r.inflight -= r.spans[k].n
		k++
	}
	r.spans = r.spans[:copy(r.spans, r.spans[k:])]
}

// Enqueue writes t at the enqueue position with the producer cycle bit and
// returns its bus address. When the position reaches the link slot, the
// link TRB takes the current cycle bit and t's chain bit, the producer
// cycle toggles, and the position returns to the start.
func (r *Ring) Enqueue(t TRB) uint64 {
	t.Control = t.Control&^TRBCycle | r.cycle
	s := r.slot(r.enq)
	t.put(s.Buf)
	r.sync.Flush(s)
	addr := s.Addr

	r.enq++
	if r.enq == r.size-1 {
		ls := r.slot(r.enq)
		link := readTRB(ls.Buf)
		link.Control = link.Control&^(TRBCycle|TRBChain) | r.cycle | t.Control&TRBChain
		link.put(ls.Buf)
		r.sync.Flush(ls)
		r.cycle ^= 1
		r.enq = 0
	}
	return addr
}

// index returns the slot index of bus address addr, or -1.
func (r *Ring) index(addr uint64) int {
	if !r.mem.Contains(addr) || (addr-r.mem.Addr)%TRBSize != 0 {
		return -1
	}
	return int((addr - r.mem.Addr) / TRBSize)
}

// Contains reports whether addr is the address of a slot of r.
func (r *Ring) Contains(addr uint64) bool { return r.index(addr) >= 0 }

// Rewrite applies fn to the TRB at addr in place. The cycle bit is
// preserved so the entry's ownership does not change.
func (r *Ring) Rewrite(addr uint64, fn func(*TRB)) error {
	i := r.index(addr)
	if i < 0 || i == r.size-1 {
		return fmt.Errorf("xhci: rewrite %#x outside ring: %w", addr, pkg.ErrInvalidParameter)
	}
	s := r.slot(i)
	r.sync.Invalidate(s)
	t := readTRB(s.Buf)
	cycle := t.Cycle()
	fn(&t)
	t.Control = t.Control&^TRBCycle | cycle
	t.put(s.Buf)
	r.sync.Flush(s)
	return nil
}
