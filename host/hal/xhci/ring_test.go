package xhci

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/pkg"
)

func testRing(t *testing.T, size int) (*Ring, *dma.Arena) {
	t.Helper()
	a := dma.NewArena(0x10000, 1<<16)
	r, err := allocRing(a, dma.Coherent{}, size)
	if err != nil {
		t.Fatalf("allocRing(%d) error = %v", size, err)
	}
	return r, a
}

func noOp() TRB { return TRB{Control: uint32(TypeNoOp) << trbTypeShift} }

// =============================================================================
// Producer Ring Tests
// =============================================================================

func TestRing_Init(t *testing.T) {
	r, _ := testRing(t, 4)
	if r.Capacity() != 4 {
		t.Errorf("Capacity() = %d, want 4", r.Capacity())
	}
	if r.Free() != 3 {
		t.Errorf("Free() = %d, want 3", r.Free())
	}
	if r.Cycle() != 1 {
		t.Errorf("Cycle() = %d, want 1", r.Cycle())
	}
	link := readTRB(r.slot(3).Buf)
	if link.Type() != TypeLink {
		t.Fatalf("last slot type = %v, want Link", link.Type())
	}
	if link.Parameter != r.Addr() {
		t.Errorf("link target = %#x, want %#x", link.Parameter, r.Addr())
	}
	if link.Control&TRBToggleCycle == 0 {
		t.Error("link TRB lacks toggle cycle")
	}
	if link.Cycle() != 0 {
		t.Error("link TRB owned by controller before first wrap")
	}
}

func TestRing_EnqueueSetsCycle(t *testing.T) {
	r, _ := testRing(t, 8)
	addr := r.Enqueue(TRB{Parameter: 0xABCD, Control: uint32(TypeNormal)<<trbTypeShift | TRBCycle})
	if addr != r.Addr() {
		t.Errorf("first Enqueue address = %#x, want %#x", addr, r.Addr())
	}
	got := readTRB(r.slot(0).Buf)
	if got.Cycle() != 1 || got.Parameter != 0xABCD || got.Type() != TypeNormal {
		t.Errorf("slot 0 = %+v", got)
	}
	next, cycle := r.EnqueuePointer()
	if next != r.Addr()+TRBSize || cycle != 1 {
		t.Errorf("EnqueuePointer() = %#x/%d, want %#x/1", next, cycle, r.Addr()+TRBSize)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r, _ := testRing(t, 4)
	for i := 0; i < 3; i++ {
		r.Enqueue(noOp())
	}
	if r.Cycle() != 0 {
		t.Fatalf("Cycle() after wrap = %d, want 0", r.Cycle())
	}
	link := readTRB(r.slot(3).Buf)
	if link.Cycle() != 1 {
		t.Errorf("link cycle after wrap = %d, want 1", link.Cycle())
	}
	addr := r.Enqueue(noOp())
	if addr != r.Addr() {
		t.Errorf("Enqueue after wrap = %#x, want %#x", addr, r.Addr())
	}
	if got := readTRB(r.slot(0).Buf).Cycle(); got != 0 {
		t.Errorf("slot 0 cycle on second pass = %d, want 0", got)
	}
}

func TestRing_LinkCarriesChain(t *testing.T) {
	r, _ := testRing(t, 4)
	r.Enqueue(noOp())
	r.Enqueue(noOp())
	r.Enqueue(TRB{Control: uint32(TypeNormal)<<trbTypeShift | TRBChain})
	if link := readTRB(r.slot(3).Buf); link.Control&TRBChain == 0 {
		t.Error("link TRB did not inherit the chain bit")
	}
}

func TestRing_ReserveRetire(t *testing.T) {
	r, _ := testRing(t, 4)
	a, err := r.Reserve(2)
	if err != nil {
		t.Fatalf("Reserve(2) error = %v", err)
	}
	b, err := r.Reserve(1)
	if err != nil {
		t.Fatalf("Reserve(1) error = %v", err)
	}
	if _, err := r.Reserve(1); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("Reserve(1) on full ring error = %v, want ErrNoResources", err)
	}
	if r.InFlight() != 3 {
		t.Errorf("InFlight() = %d, want 3", r.InFlight())
	}
	r.Retire(a)
	if r.Free() != 2 {
		t.Errorf("Free() after retiring the head = %d, want 2", r.Free())
	}
	if _, err := r.Reserve(3); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("Reserve(3) error = %v, want ErrNoResources", err)
	}
	r.Retire(b)
	r.Retire(b)
	r.Retire(999)
	if r.InFlight() != 0 {
		t.Errorf("InFlight() after retiring all = %d, want 0", r.InFlight())
	}
}

func TestRing_RetireOutOfOrder(t *testing.T) {
	r, _ := testRing(t, 8)
	var ids []uint64
	for _, n := range []int{2, 1, 3} {
		id, err := r.Reserve(n)
		if err != nil {
			t.Fatalf("Reserve(%d) error = %v", n, err)
		}
		ids = append(ids, id)
	}

	// Later reservations hold their entries until the head retires.
	r.Retire(ids[2])
	r.Retire(ids[1])
	if r.InFlight() != 6 || r.Free() != 1 {
		t.Errorf("InFlight(), Free() = %d, %d, want 6, 1", r.InFlight(), r.Free())
	}
	if _, err := r.Reserve(2); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("Reserve(2) error = %v, want ErrNoResources", err)
	}

	r.Retire(ids[0])
	if r.InFlight() != 0 || r.Free() != 7 {
		t.Errorf("InFlight(), Free() after head retires = %d, %d, want 0, 7", r.InFlight(), r.Free())
	}
}

func TestRing_InitDropsReservations(t *testing.T) {
	r, _ := testRing(t, 4)
	stale, err := r.Reserve(3)
	if err != nil {
		t.Fatal(err)
	}
	r.Init()
	if r.Free() != 3 {
		t.Errorf("Free() after Init = %d, want 3", r.Free())
	}
	fresh, err := r.Reserve(1)
	if err != nil {
		t.Fatal(err)
	}
	r.Retire(stale)
	if r.InFlight() != 1 {
		t.Errorf("InFlight() after retiring a pre-Init id = %d, want 1", r.InFlight())
	}
	r.Retire(fresh)
	if r.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", r.InFlight())
	}
}

func TestRing_Rewrite(t *testing.T) {
	r, _ := testRing(t, 4)
	addr := r.Enqueue(TRB{Control: uint32(TypeNormal)<<trbTypeShift | TRBIOC})
	err := r.Rewrite(addr, func(t *TRB) {
		t.Control = withType(t.Control&^TRBIOC, TypeNoOp) &^ TRBCycle
	})
	if err != nil {
		t.Fatalf("Rewrite error = %v", err)
	}
	got := readTRB(r.slot(0).Buf)
	if got.Type() != TypeNoOp {
		t.Errorf("type after Rewrite = %v, want NoOp", got.Type())
	}
	if got.Cycle() != 1 {
		t.Error("Rewrite changed the cycle bit")
	}
	if got.Control&TRBIOC != 0 {
		t.Error("IOC still set")
	}

	if err := r.Rewrite(r.Addr()+3*TRBSize, func(*TRB) {}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Rewrite(link) error = %v, want ErrInvalidParameter", err)
	}
	if err := r.Rewrite(r.Addr()+1, func(*TRB) {}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Rewrite(misaligned) error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// Event Ring Tests
// =============================================================================

func testEventRing(t *testing.T, size int) (*EventRing, Interrupter) {
	t.Helper()
	a := dma.NewArena(0x20000, 1<<16)
	e, err := allocEventRing(a, dma.Coherent{}, size)
	if err != nil {
		t.Fatalf("allocEventRing error = %v", err)
	}
	ir := Interrupter{mmio.NewMemory(0x20)}
	e.Init(ir)
	return e, ir
}

// produce writes an event at index i with the given cycle bit.
func produce(e *EventRing, i int, cycle uint32, param uint64) {
	TRB{
		Parameter: param,
		Control:   uint32(TypeCommandComplete)<<trbTypeShift | cycle,
	}.put(e.seg.Buf[i*TRBSize:])
}

func TestEventRing_Init(t *testing.T) {
	e, ir := testEventRing(t, 16)
	if got := ir.w.Read32(IntrERSTSZ); got != 1 {
		t.Errorf("ERSTSZ = %d, want 1", got)
	}
	if got := ir.w.Read64(IntrERSTBA); got != e.erst.Addr {
		t.Errorf("ERSTBA = %#x, want %#x", got, e.erst.Addr)
	}
	if got := ir.ERDP(); got != e.seg.Addr {
		t.Errorf("ERDP = %#x, want %#x", got, e.seg.Addr)
	}
	deq, ccs := e.Dequeue()
	if deq != 0 || ccs != 1 {
		t.Errorf("Dequeue() = %d/%d, want 0/1", deq, ccs)
	}
}

func TestEventRing_RejectsStaleCycle(t *testing.T) {
	e, _ := testEventRing(t, 16)
	if _, ok := e.Next(); ok {
		t.Fatal("Next() on empty ring returned an event")
	}
	produce(e, 0, 0, 1)
	if _, ok := e.Next(); ok {
		t.Error("Next() accepted an event with the wrong cycle bit")
	}
	produce(e, 0, 1, 2)
	ev, ok := e.Next()
	if !ok || ev.Parameter != 2 {
		t.Errorf("Next() = %+v/%v, want parameter 2", ev, ok)
	}
}

func TestEventRing_WrapTogglesCycle(t *testing.T) {
	e, ir := testEventRing(t, 16)
	for i := 0; i < 16; i++ {
		produce(e, i, 1, uint64(i))
	}
	for i := 0; i < 16; i++ {
		if _, ok := e.Next(); !ok {
			t.Fatalf("Next() #%d returned nothing", i)
		}
	}
	if _, ccs := e.Dequeue(); ccs != 0 {
		t.Fatalf("consumer cycle after wrap = %d, want 0", ccs)
	}
	if _, ok := e.Next(); ok {
		t.Error("Next() consumed a first-pass event on the second pass")
	}
	produce(e, 0, 0, 99)
	ev, ok := e.Next()
	if !ok || ev.Parameter != 99 {
		t.Errorf("second-pass Next() = %+v/%v", ev, ok)
	}
	e.Ack()
	want := e.seg.Addr + TRBSize | ERDPBusy
	if got := ir.ERDP(); got != want {
		t.Errorf("ERDP after Ack = %#x, want %#x", got, want)
	}
}
