package xhci

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/pkg"
)

func TestSplitBuffer(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		n    int
		want []int
	}{
		{"empty", 0x1000, 0, nil},
		{"small", 0x1000, 512, []int{512}},
		{"exactly one boundary", 0x10000, MaxTRBLength, []int{MaxTRBLength}},
		{"crosses boundary", 0xFF00, 0x200, []int{0x100, 0x100}},
		{"spans three", 0x8000, 2 * MaxTRBLength, []int{0x8000, MaxTRBLength, 0x8000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitBuffer(tt.addr, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("splitBuffer = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitBuffer = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestTransferPool(t *testing.T) {
	p := newTransferPool(2)
	a, err := p.get()
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.get(); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("get on empty pool error = %v, want ErrNoResources", err)
	}

	ring, _ := testRing(t, 8)
	a.ring, b.ring = ring, ring
	a.addrs = append(a.addrs, ring.Enqueue(noOp()), ring.Enqueue(noOp()))
	b.addrs = append(b.addrs, ring.Enqueue(noOp()))
	p.activate(a)
	p.activate(b)

	if d, k := p.find(a.addrs[1]); d != a || k != 1 {
		t.Errorf("find(a[1]) = %p/%d, want %p/1", d, k, a)
	}
	if d, _ := p.find(b.addrs[0]); d != b {
		t.Errorf("find(b[0]) = %p, want %p", d, b)
	}
	if d, _ := p.find(0xDEAD0); d != nil {
		t.Errorf("find(unknown) = %p, want nil", d)
	}
	if !p.pending(b, true) {
		t.Error("pending(b, earlier) = false, want true")
	}
	if p.pending(b, false) {
		t.Error("pending(b, later) = true, want false")
	}

	p.put(a)
	if len(p.active) != 1 || p.active[0] != b {
		t.Errorf("active after put = %v", p.active)
	}
	c, err := p.get()
	if err != nil {
		t.Fatalf("get after put error = %v", err)
	}
	if len(c.addrs) != 0 || c.done {
		t.Error("recycled descriptor not reset")
	}
}
