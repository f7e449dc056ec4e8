package xhci_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcitest"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestLifecycle_Scenario(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{MaxSlots: 32, Ports: 4, ResetReads: 3})
	c, err := xhci.New(sim.Window(), sim.Config())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	defer c.Close()

	caps := c.Caps()
	if caps.MaxSlots != 32 || caps.MaxPorts != 4 || caps.Scratchpads != 0 {
		t.Fatalf("Caps = %+v, want 32 slots, 4 ports, 0 scratchpads", caps)
	}
	if c.State() != xhci.StateUnknown {
		t.Errorf("State() after New = %v, want unknown", c.State())
	}

	before := sim.Writes()
	if err := c.Halt(); err != nil {
		t.Fatalf("Halt error = %v", err)
	}
	if got := sim.Writes() - before; got != 0 {
		t.Errorf("Halt on a halted controller wrote %d registers, want 0", got)
	}
	if c.State() != xhci.StateHalted {
		t.Errorf("State() = %v, want halted", c.State())
	}

	steps := []struct {
		name string
		fn   func() error
		want xhci.State
	}{
		{"reset", c.Reset, xhci.StateReset},
		{"configure", c.Configure, xhci.StateConfigured},
		{"run", c.Run, xhci.StateRunning},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s error = %v", s.name, err)
		}
		if c.State() != s.want {
			t.Errorf("State() after %s = %v, want %v", s.name, c.State(), s.want)
		}
	}
	if sim.Halted() {
		t.Error("simulated controller still halted after Run")
	}
	w := sim.Window()
	if got := w.Read32(xhcitest.OperBase+xhci.OpConfig) & xhci.ConfigMaxSlotsMask; got != 32 {
		t.Errorf("CONFIG.MaxSlotsEn = %d, want 32", got)
	}
	if got := w.Read64(xhcitest.OperBase + xhci.OpDCBAAP); got == 0 {
		t.Error("DCBAAP not programmed")
	}
}

func TestLifecycle_ConfigureRequiresReset(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{})
	c, err := xhci.New(sim.Window(), sim.Config())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Configure(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Configure before Reset error = %v, want ErrInvalidState", err)
	}
	if c.State() == xhci.StateFaulted {
		t.Error("an out-of-order step faulted the controller")
	}
}

func TestLifecycle_StartFromRunning(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{Running: true, HaltReads: 2}, nil)
	if c.State() != xhci.StateRunning || sim.Halted() {
		t.Errorf("State() = %v, sim halted = %v, want running", c.State(), sim.Halted())
	}
}

func TestLifecycle_ResetStuckFaults(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{ResetStuck: true})
	cfg := sim.Config()
	cfg.ResetTimeout = time.Millisecond
	cfg.StepRetries = 2
	cfg.RetryMin = time.Millisecond
	cfg.RetryMax = 10 * time.Millisecond
	c, err := xhci.New(sim.Window(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Start()
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Start error = %v, want ErrTimeout", err)
	}
	if c.State() != xhci.StateFaulted {
		t.Errorf("State() = %v, want faulted", c.State())
	}
	sleeps := fakeClock(c).Sleeps()
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if len(sleeps) != len(want) || sleeps[0] != want[0] || sleeps[1] != want[1] {
		t.Errorf("retry delays = %v, want %v", sleeps, want)
	}

	for name, fn := range map[string]func() error{
		"Reset":    c.Reset,
		"Run":      c.Run,
		"Handover": c.Handover,
	} {
		if err := fn(); !errors.Is(err, pkg.ErrInvalidState) {
			t.Errorf("%s on faulted controller error = %v, want ErrInvalidState", name, err)
		}
	}
	if _, err := c.PortStatus(1); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("PortStatus on faulted controller error = %v, want ErrInvalidState", err)
	}
}

func TestLifecycle_HaltStuckFaults(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{HaltStuck: true}, func(cfg *xhci.Config) {
		cfg.HaltTimeout = time.Millisecond
		cfg.StepRetries = 1
	})
	if err := c.Halt(); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Halt error = %v, want ErrTimeout", err)
	}
	if c.State() != xhci.StateFaulted {
		t.Errorf("State() = %v, want faulted", c.State())
	}
	if sim.Halted() {
		t.Error("simulated controller halted despite HaltStuck")
	}
}

func TestLifecycle_ScratchpadsAndPortPower(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{Scratchpads: 3, PortPower: true, Context64: true}, nil)
	if c.Caps().ContextSize != 64 {
		t.Errorf("ContextSize = %d, want 64", c.Caps().ContextSize)
	}
	w := sim.Window()
	dcbaa := w.Read64(xhcitest.OperBase + xhci.OpDCBAAP)
	sp := binary.LittleEndian.Uint64(sim.Arena().Lookup(dcbaa, 8))
	if sp == 0 {
		t.Fatal("DCBAA[0] does not point at a scratchpad array")
	}
	arr := sim.Arena().Lookup(sp, 3*8)
	for i := 0; i < 3; i++ {
		pg := binary.LittleEndian.Uint64(arr[i*8:])
		if pg == 0 || pg%4096 != 0 {
			t.Errorf("scratchpad %d at %#x, want a page-aligned buffer", i, pg)
		}
	}
	for port := 1; port <= c.NumPorts(); port++ {
		if !sim.PortPowered(port) {
			t.Errorf("port %d not powered after Run", port)
		}
	}
}

func TestLifecycle_RestoreAfterHalt(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{}, nil)
	if err := c.Halt(); err != nil {
		t.Fatal(err)
	}
	if !sim.Halted() {
		t.Fatal("sim not halted")
	}
	if err := c.Restore(); err != nil {
		t.Fatalf("Restore error = %v", err)
	}
	if c.State() != xhci.StateRunning || sim.Halted() {
		t.Errorf("State() after Restore = %v, want running", c.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[xhci.State]string{
		xhci.StateUnknown:    "unknown",
		xhci.StateHalted:     "halted",
		xhci.StateReset:      "reset",
		xhci.StateConfigured: "configured",
		xhci.StateRunning:    "running",
		xhci.StateFaulted:    "faulted",
		xhci.State(42):       "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

// =============================================================================
// Attach and Close Tests
// =============================================================================

func TestAttach_FailureReleasesMemory(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{ResetStuck: true})
	cfg := sim.Config()
	cfg.ResetTimeout = time.Millisecond
	cfg.StepRetries = 0
	if _, err := xhci.Attach(sim.Window(), cfg); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Attach error = %v, want ErrTimeout", err)
	}
	if n := sim.Arena().Live(); n != 0 {
		t.Errorf("%d DMA regions still allocated after failed Attach", n)
	}
}

func TestClose_ReleasesMemory(t *testing.T) {
	sim := xhcitest.New(xhcitest.Config{Scratchpads: 2})
	sim.Attach(1, highSpeedDevice())
	c, err := xhci.Attach(sim.Window(), sim.Config())
	if err != nil {
		t.Fatal(err)
	}
	openDevice(t, c, 1)
	if sim.Arena().Live() == 0 {
		t.Fatal("no DMA regions allocated")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if n := sim.Arena().Live(); n != 0 {
		t.Errorf("%d DMA regions still allocated after Close", n)
	}
	if !sim.Halted() {
		t.Error("controller running after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
	if err := c.Start(); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Start after Close error = %v, want ErrInvalidState", err)
	}
}

func TestNew_AllOnes(t *testing.T) {
	w := allOnes{}
	_, err := xhci.New(w, xhci.Config{Clock: poll.NewFakeClock(0)})
	if !errors.Is(err, pkg.ErrDevice) {
		t.Errorf("New over an absent device error = %v, want ErrDevice", err)
	}
}

// allOnes reads like a device that is not there.
type allOnes struct{}

func (allOnes) Read8(uintptr) uint8     { return 0xFF }
func (allOnes) Read16(uintptr) uint16   { return 0xFFFF }
func (allOnes) Read32(uintptr) uint32   { return 0xFFFFFFFF }
func (allOnes) Read64(uintptr) uint64   { return ^uint64(0) }
func (allOnes) Write8(uintptr, uint8)   {}
func (allOnes) Write16(uintptr, uint16) {}
func (allOnes) Write32(uintptr, uint32) {}
func (allOnes) Write64(uintptr, uint64) {}
