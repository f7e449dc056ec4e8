package xhci_test

import (
	"testing"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcitest"
	"github.com/ardnew/softxhci/pkg/poll"
)

// attachSim attaches a controller to a fresh simulator. mod, if non-nil,
// adjusts the driver configuration first.
func attachSim(t *testing.T, sc xhcitest.Config, mod func(*xhci.Config)) (*xhci.Controller, *xhcitest.Sim) {
	t.Helper()
	sim := xhcitest.New(sc)
	cfg := sim.Config()
	if mod != nil {
		mod(&cfg)
	}
	c, err := xhci.Attach(sim.Window(), cfg)
	if err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, sim
}

// fakeClock returns the fake clock of a controller created by attachSim.
func fakeClock(c *xhci.Controller) *poll.FakeClock {
	return c.Config().Clock.(*poll.FakeClock)
}

// openDevice resets port and addresses the device on it.
func openDevice(t *testing.T, c *xhci.Controller, port int) hal.DeviceID {
	t.Helper()
	speed, err := c.ResetPort(port)
	if err != nil {
		t.Fatalf("ResetPort(%d) error = %v", port, err)
	}
	id, err := c.OpenDevice(port, speed)
	if err != nil {
		t.Fatalf("OpenDevice(%d) error = %v", port, err)
	}
	return id
}

var testDescriptor = xhcitest.DeviceDescriptor(0x1209, 0x0001, 64)

func highSpeedDevice() *xhcitest.Device {
	return &xhcitest.Device{Speed: hal.SpeedHigh, Descriptor: testDescriptor}
}

func getDescriptor(id hal.DeviceID, n int) *hal.TransferRequest {
	return &hal.TransferRequest{
		Device: id,
		Type:   hal.TransferControl,
		Setup: hal.SetupPacket{
			RequestType: 0x80,
			Request:     0x06,
			Value:       0x0100,
			Length:      uint16(n),
		},
		Data: make([]byte, n),
	}
}
