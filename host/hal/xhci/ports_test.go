package xhci_test

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcitest"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Native Port Tests
// =============================================================================

func TestDetect_NativeSequence(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{}, nil)
	sim.Attach(2, highSpeedDevice())

	// Detection alone never changes port state.
	before := sim.Writes()
	for i := 0; i < 3; i++ {
		state, speed, err := c.Detect(2)
		if err != nil || state != hal.PortUnresolved || speed != hal.SpeedUnknown {
			t.Fatalf("Detect(2) = %v, %v, %v, want unresolved", state, speed, err)
		}
	}
	if got := sim.Writes() - before; got != 0 {
		t.Errorf("Detect wrote %d registers, want 0", got)
	}

	speed, err := c.ResetPort(2)
	if err != nil || speed != hal.SpeedHigh {
		t.Fatalf("ResetPort(2) = %v, %v, want High Speed", speed, err)
	}
	if state, speed, _ := c.Detect(2); state != hal.PortEnabled || speed != hal.SpeedHigh {
		t.Errorf("Detect(2) after reset = %v, %v, want enabled High Speed", state, speed)
	}
	st, err := c.PortStatus(2)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Connected || !st.Enabled || st.ResetChange {
		t.Errorf("PortStatus(2) = %+v, want connected, enabled, reset change acknowledged", st)
	}
	if st.Reset {
		t.Errorf("PortStatus(2).Reset = %v, want false", st.Reset)
	}

	if err := c.DisablePort(2); err != nil {
		t.Fatalf("DisablePort(2) error = %v", err)
	}
	// Disabling forgets the reset, so the port needs another one.
	if state, _, _ := c.Detect(2); state != hal.PortUnresolved {
		t.Errorf("Detect(2) after disable = %v, want unresolved", state)
	}

	sim.Detach(2)
	if state, _, _ := c.Detect(2); state != hal.PortDisconnected {
		t.Errorf("Detect(2) after detach = %v, want disconnected", state)
	}
	sim.Attach(2, highSpeedDevice())
	if state, _, _ := c.Detect(2); state != hal.PortUnresolved {
		t.Errorf("Detect(2) after reattach = %v, want unresolved", state)
	}
}

func TestResetPort_Empty(t *testing.T) {
	c, _ := attachSim(t, xhcitest.Config{}, nil)
	speed, err := c.ResetPort(1)
	if !errors.Is(err, pkg.ErrNotHandled) || speed != hal.SpeedUnknown {
		t.Errorf("ResetPort(1) on empty port = %v, %v, want ErrNotHandled", speed, err)
	}
	if state, _, err := c.Detect(1); state != hal.PortDisconnected || err != nil {
		t.Errorf("Detect(1) = %v, %v, want disconnected", state, err)
	}
}

func TestResetPort_Timeout(t *testing.T) {
	tests := []struct {
		name string
		cfg  xhcitest.Config
	}{
		{"native", xhcitest.Config{}},
		{"companion", xhcitest.Config{Companion: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sim := attachSim(t, tt.cfg, nil)
			sim.Attach(1, highSpeedDevice())
			sim.HoldPortReset(1)

			speed, err := c.ResetPort(1)
			if !errors.Is(err, pkg.ErrTimeout) || speed != hal.SpeedUnknown {
				t.Errorf("ResetPort(1) = %v, %v, want ErrTimeout", speed, err)
			}
			if sim.PortOwnedByCompanion(1) {
				t.Error("port handed to the companion after a failed reset")
			}
			st, err := c.PortStatus(1)
			if err != nil {
				t.Fatal(err)
			}
			if !st.Reset || st.Enabled {
				t.Errorf("PortStatus(1) = %+v, want reset asserted, not enabled", st)
			}
			// A reset that never finished is not remembered.
			if state, _, err := c.Detect(1); state != hal.PortUnresolved || err != nil {
				t.Errorf("Detect(1) = %v, %v, want unresolved", state, err)
			}
		})
	}
}

func TestDisablePort_AlreadyDisabled(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{}, nil)
	before := sim.Writes()
	if err := c.DisablePort(3); err != nil {
		t.Errorf("DisablePort(3) error = %v", err)
	}
	if got := sim.Writes() - before; got != 0 {
		t.Errorf("DisablePort of a disabled port wrote %d registers, want 0", got)
	}
}

func TestDetect_USB3(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{USB3Ports: 2}, nil)
	sim.Attach(1, &xhcitest.Device{Speed: hal.SpeedSuper, Descriptor: testDescriptor})
	state, speed, err := c.Detect(1)
	if err != nil || state != hal.PortEnabled || speed != hal.SpeedSuper {
		t.Errorf("Detect(1) = %v, %v, %v, want enabled SuperSpeed", state, speed, err)
	}
	if got := c.Protocols(); len(got) != 2 || got[0].Major != 3 || !got[0].Contains(2) || got[0].Contains(3) {
		t.Errorf("Protocols() = %+v, want USB 3 on ports 1-2 first", got)
	}
}

func TestPorts_InvalidNumber(t *testing.T) {
	c, _ := attachSim(t, xhcitest.Config{Ports: 4}, nil)
	for _, port := range []int{0, -1, 5, 256} {
		if _, _, err := c.Detect(port); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("Detect(%d) error = %v, want ErrInvalidParameter", port, err)
		}
		if _, err := c.ResetPort(port); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("ResetPort(%d) error = %v, want ErrInvalidParameter", port, err)
		}
		if err := c.DisablePort(port); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("DisablePort(%d) error = %v, want ErrInvalidParameter", port, err)
		}
		if _, err := c.PortStatus(port); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("PortStatus(%d) error = %v, want ErrInvalidParameter", port, err)
		}
	}
}

// =============================================================================
// Companion Layout Tests
// =============================================================================

func TestDetect_CompanionLowSpeed(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{Companion: true}, nil)
	if c.Layout() != xhci.LayoutCompanion {
		t.Fatalf("Layout() = %v, want companion", c.Layout())
	}
	sim.Attach(1, &xhcitest.Device{Speed: hal.SpeedLow, Descriptor: testDescriptor})

	state, speed, err := c.Detect(1)
	if !errors.Is(err, pkg.ErrNotHandled) || state != hal.PortOwnedByOther || speed != hal.SpeedLow {
		t.Errorf("Detect(1) = %v, %v, %v, want owned by companion at Low Speed", state, speed, err)
	}
	if !sim.PortOwnedByCompanion(1) {
		t.Error("low-speed port not handed to the companion")
	}
	if state, _, err := c.Detect(1); state != hal.PortOwnedByOther || !errors.Is(err, pkg.ErrNotHandled) {
		t.Errorf("second Detect(1) = %v, %v, want owned by companion", state, err)
	}
}

func TestResetPort_CompanionFullSpeed(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{Companion: true}, nil)
	sim.Attach(2, &xhcitest.Device{Speed: hal.SpeedFull, Descriptor: testDescriptor})

	if state, _, err := c.Detect(2); state != hal.PortUnresolved || err != nil {
		t.Fatalf("Detect(2) = %v, %v, want unresolved", state, err)
	}
	if _, err := c.ResetPort(2); !errors.Is(err, pkg.ErrNotHandled) {
		t.Errorf("ResetPort(2) error = %v, want ErrNotHandled", err)
	}
	if !sim.PortOwnedByCompanion(2) {
		t.Error("full-speed port not handed to the companion")
	}
}

func TestResetPort_CompanionHighSpeed(t *testing.T) {
	c, sim := attachSim(t, xhcitest.Config{Companion: true}, nil)
	sim.Attach(3, highSpeedDevice())

	speed, err := c.ResetPort(3)
	if err != nil || speed != hal.SpeedHigh {
		t.Fatalf("ResetPort(3) = %v, %v, want High Speed", speed, err)
	}
	if sim.PortOwnedByCompanion(3) {
		t.Error("high-speed port handed to the companion")
	}
	if state, _, _ := c.Detect(3); state != hal.PortEnabled {
		t.Errorf("Detect(3) = %v, want enabled", state)
	}
	if err := c.DisablePort(3); err != nil {
		t.Fatalf("DisablePort(3) error = %v", err)
	}
	if st, _ := c.PortStatus(3); st.Enabled {
		t.Error("port still enabled after DisablePort")
	}
}
