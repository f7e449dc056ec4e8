package xhci

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/pkg"
)

func TestHubPorts(t *testing.T) {
	slots, ports := HubPorts(32 | 1<<8 | 4<<24)
	if slots != 32 || ports != 4 {
		t.Errorf("HubPorts = %d, %d, want 32, 4", slots, ports)
	}
}

func TestScratchpadCount(t *testing.T) {
	tests := []struct {
		hcs2 uint32
		want int
	}{
		{0, 0},
		{4 << 27, 4},
		{1<<21 | 5<<27, 37},
		{0x1F<<21 | 0x1F<<27, 1023},
	}
	for _, tt := range tests {
		if got := ScratchpadCount(tt.hcs2); got != tt.want {
			t.Errorf("ScratchpadCount(%#x) = %d, want %d", tt.hcs2, got, tt.want)
		}
	}
}

func capWindow(hcs1, hcs2, hcc1, pagesize uint32) mmio.Window {
	m := mmio.NewMemory(0x200)
	m.Write32(CapLength, 0x20|0x0120<<16)
	m.Write32(CapHCSParams1, hcs1)
	m.Write32(CapHCSParams2, hcs2)
	m.Write32(CapHCCParams1, hcc1)
	m.Write32(0x20+OpPageSize, pagesize)
	return m
}

func TestReadCaps(t *testing.T) {
	w := capWindow(32|8<<8|4<<24, 1<<21|5<<27, HCC1CSZ|HCC1PPC|HCC1AC64|(0x100>>2)<<16, 2)
	cr := CapRegs{w}
	c, err := ReadCaps(cr, OperRegs{w: mmio.Sub(w, 0x20), ports: 4})
	if err != nil {
		t.Fatalf("ReadCaps error = %v", err)
	}
	want := Caps{
		Version:         0x0120,
		MaxSlots:        32,
		MaxInterrupters: 8,
		MaxPorts:        4,
		Scratchpads:     37,
		PageSize:        8192,
		ContextSize:     64,
		PortPower:       true,
		AC64:            true,
		XECP:            0x100,
	}
	if c != want {
		t.Errorf("ReadCaps = %+v, want %+v", c, want)
	}
}

func TestReadCaps_Unusable(t *testing.T) {
	tests := []struct {
		name string
		hcs1 uint32
	}{
		{"no slots", 4 << 24},
		{"no ports", 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := capWindow(tt.hcs1, 0, 0, 1)
			_, err := ReadCaps(CapRegs{w}, OperRegs{w: mmio.Sub(w, 0x20)})
			if !errors.Is(err, pkg.ErrNotSupported) {
				t.Errorf("ReadCaps error = %v, want ErrNotSupported", err)
			}
		})
	}
}

func TestReadProtocols(t *testing.T) {
	m := mmio.NewMemory(0x100)
	// legacy at 0x40 -> protocol USB 3.1 at 0x50 -> protocol USB 2.0 at 0x60
	m.Write32(0x40, ExtCapLegacy|4<<8)
	m.Write32(0x50, ExtCapProtocol|4<<8|0x10<<16|3<<24)
	m.Write32(0x58, 1|2<<8)
	m.Write32(0x60, ExtCapProtocol|2<<24)
	m.Write32(0x68, 3|2<<8)

	ps := readProtocols(m, 0x40)
	want := []Protocol{
		{Major: 3, Minor: 0x10, FirstPort: 1, Count: 2},
		{Major: 2, Minor: 0, FirstPort: 3, Count: 2},
	}
	if len(ps) != len(want) {
		t.Fatalf("readProtocols = %+v, want %+v", ps, want)
	}
	for i := range want {
		if ps[i] != want[i] {
			t.Errorf("protocol %d = %+v, want %+v", i, ps[i], want[i])
		}
	}
	if !ps[1].Contains(4) || ps[1].Contains(5) || ps[1].Contains(2) {
		t.Error("Contains disagrees with FirstPort/Count")
	}
	if off := findExtCap(m, 0x40, ExtCapLegacy); off != 0x40 {
		t.Errorf("findExtCap(legacy) = %#x, want 0x40", off)
	}
	if off := findExtCap(m, 0x40, 0x0A); off != 0 {
		t.Errorf("findExtCap(absent) = %#x, want 0", off)
	}
}

func TestWalkExtCaps_StopsOnAllOnes(t *testing.T) {
	m := mmio.NewMemory(0x100)
	m.Write32(0x40, 0xFFFFFFFF)
	n := 0
	walkExtCaps(m, 0x40, func(uint8, uintptr) bool { n++; return true })
	if n != 0 {
		t.Errorf("visited %d capabilities in an all-ones list", n)
	}
}
