package xhci_test

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/host/hal/pci"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcitest"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_Lifecycle(t *testing.T) {
	var sims []*xhcitest.Sim
	reg := xhci.NewRegistry()
	for i := 0; i < 2; i++ {
		sim := xhcitest.New(xhcitest.Config{})
		c, err := xhci.Attach(sim.Window(), sim.Config())
		if err != nil {
			t.Fatal(err)
		}
		reg.Add(c)
		reg.Add(c)
		sims = append(sims, sim)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	visited := 0
	if all := reg.Iterate(func(*xhci.Controller) bool { visited++; return false }); all || visited != 1 {
		t.Errorf("Iterate stopping early = %v after %d visits, want false after 1", all, visited)
	}

	if err := reg.HaltAll(); err != nil {
		t.Fatalf("HaltAll error = %v", err)
	}
	reg.Iterate(func(c *xhci.Controller) bool {
		if c.State() != xhci.StateReset {
			t.Errorf("%s state after HaltAll = %v, want reset", c.Name(), c.State())
		}
		return true
	})
	for i, sim := range sims {
		if !sim.Halted() {
			t.Errorf("controller %d still running after HaltAll", i)
		}
	}

	if err := reg.RestoreAll(); err != nil {
		t.Fatalf("RestoreAll error = %v", err)
	}
	for i, sim := range sims {
		if sim.Halted() {
			t.Errorf("controller %d halted after RestoreAll", i)
		}
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", reg.Len())
	}
	for i, sim := range sims {
		if n := sim.Arena().Live(); n != 0 {
			t.Errorf("controller %d leaked %d DMA regions", i, n)
		}
	}
}

func TestRegistry_Remove(t *testing.T) {
	c, _ := attachSim(t, xhcitest.Config{}, nil)
	reg := xhci.NewRegistry()
	reg.Add(c)
	if !reg.Remove(c) {
		t.Error("Remove of a registered controller = false")
	}
	if reg.Remove(c) {
		t.Error("second Remove = true")
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}

func TestRegistry_CloseUnregisters(t *testing.T) {
	closed, _ := attachSim(t, xhcitest.Config{}, nil)
	live, liveSim := attachSim(t, xhcitest.Config{}, nil)
	reg := xhci.NewRegistry()
	reg.Add(closed)
	reg.Add(live)

	if err := closed.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() after Close = %d, want 1", reg.Len())
	}
	if reg.Remove(closed) {
		t.Error("Remove of a closed controller = true")
	}
	if err := reg.HaltAll(); err != nil {
		t.Errorf("HaltAll error = %v", err)
	}
	if !liveSim.Halted() {
		t.Error("live controller still running after HaltAll")
	}
	if err := reg.RestoreAll(); err != nil {
		t.Errorf("RestoreAll error = %v", err)
	}

	// Moving a controller to another registry leaves the first.
	other := xhci.NewRegistry()
	other.Add(live)
	if reg.Len() != 0 || other.Len() != 1 {
		t.Errorf("Len() = %d, %d after moving, want 0, 1", reg.Len(), other.Len())
	}
	if err := other.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if other.Len() != 0 {
		t.Errorf("Len() after registry Close = %d, want 0", other.Len())
	}
}

func TestRegistry_HaltAllJoinsErrors(t *testing.T) {
	stuck, _ := attachSim(t, xhcitest.Config{HaltStuck: true}, func(cfg *xhci.Config) {
		cfg.StepRetries = 0
	})
	good, goodSim := attachSim(t, xhcitest.Config{}, nil)
	reg := xhci.NewRegistry()
	reg.Add(stuck)
	reg.Add(good)

	if err := reg.HaltAll(); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("HaltAll error = %v, want ErrTimeout", err)
	}
	if !goodSim.Halted() {
		t.Error("a failing controller kept HaltAll from halting the next one")
	}
}

// =============================================================================
// Probe Tests
// =============================================================================

// fakeFunction is a PCI function with a dword-addressed configuration
// space and a register window for BAR0.
type fakeFunction struct {
	addr pci.Address
	cfg  map[int]uint32
	bar0 mmio.Window
}

func (f *fakeFunction) Address() pci.Address            { return f.addr }
func (f *fakeFunction) ReadConfig32(off int) uint32     { return f.cfg[off] }
func (f *fakeFunction) WriteConfig32(off int, v uint32) { f.cfg[off] = v }

func (f *fakeFunction) Map(bar int) (mmio.Window, error) {
	if bar != 0 || f.bar0 == nil {
		return nil, pkg.ErrNotSupported
	}
	return f.bar0, nil
}

func newFunction(dev uint8, class pci.Class, bar0lo, bar0hi uint32, w mmio.Window) *fakeFunction {
	return &fakeFunction{
		addr: pci.Address{Bus: 0, Device: dev},
		cfg: map[int]uint32{
			pci.RegVendorID: 0x1234_8086,
			pci.RegClass:    uint32(class)<<8 | 0x01,
			pci.RegBAR0:     bar0lo,
			pci.RegBAR0 + 4: bar0hi,
		},
		bar0: w,
	}
}

func TestProbe(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{})
	good := newFunction(1, pci.ClassXHCI, 0xFE00_0004, 0, sim.Window())
	high := newFunction(2, pci.ClassXHCI, 0x0000_0004, 0x1, nil)
	ehci := newFunction(3, pci.Class(0x0C0320), 0xFD00_0000, 0, nil)

	reg := xhci.NewRegistry()
	n, err := xhci.Probe(pci.List{ehci, high, good}, reg, sim.Config())
	t.Cleanup(func() { _ = reg.Close() })

	if n != 1 || reg.Len() != 1 {
		t.Fatalf("Probe attached %d (registry %d), want 1", n, reg.Len())
	}
	if !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Probe error = %v, want the BAR above 4 GiB reported as ErrNotSupported", err)
	}
	if cmd := good.cfg[pci.RegCommand]; cmd&(pci.CmdMemorySpace|pci.CmdBusMaster) != pci.CmdMemorySpace|pci.CmdBusMaster {
		t.Errorf("command register = %#x, want memory space and bus master enabled", cmd)
	}
	if cmd := ehci.cfg[pci.RegCommand]; cmd != 0 {
		t.Errorf("EHCI function command register = %#x, want untouched", cmd)
	}
	reg.Iterate(func(c *xhci.Controller) bool {
		if c.Name() != "0000:00:01.0" {
			t.Errorf("Name() = %q, want %q", c.Name(), "0000:00:01.0")
		}
		if c.State() != xhci.StateRunning {
			t.Errorf("State() = %v, want running", c.State())
		}
		return true
	})
}
