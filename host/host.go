package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// Config configures a Host.
type Config struct {
	// Clock bounds every transfer wait. Nil selects a poll.SystemClock.
	Clock poll.Clock

	// TransferTimeout is the deadline for one synchronous transfer.
	TransferTimeout time.Duration

	// PollInterval is the pause between completion checks; zero busy-waits.
	PollInterval time.Duration
}

// Default transfer limits.
const (
	DefaultTransferTimeout = 5 * time.Second
	DefaultPollInterval    = 50 * time.Microsecond
)

// DefaultConfig returns the default host configuration.
func DefaultConfig() Config {
	return Config{
		Clock:           &poll.SystemClock{},
		TransferTimeout: DefaultTransferTimeout,
		PollInterval:    DefaultPollInterval,
	}
}

// Host drives one host controller: it scans the root ports, enumerates
// what it finds and runs synchronous transfers on the devices.
type Host struct {
	ctrl hal.Controller
	cfg  Config

	// bus serializes controller access.
	bus sync.Mutex

	// Enumerated devices, indexed by port - 1
	devices     []*Device
	deviceCount int
	mutex       sync.RWMutex

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host on a running controller.
func New(ctrl hal.Controller, cfg Config) *Host {
	if cfg.Clock == nil {
		cfg.Clock = &poll.SystemClock{}
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	return &Host{
		ctrl:    ctrl,
		cfg:     cfg,
		devices: make([]*Device, ctrl.NumPorts()),
	}
}

// Controller returns the controller the host drives.
func (h *Host) Controller() hal.Controller {
	return h.ctrl
}

// Scan walks every root port once. New devices are enumerated, and devices
// whose port lost its connection or was disabled are closed. Ports ceded
// to a companion controller, and ports a reset failed to enable, are
// skipped. Scan returns the number of devices enumerated;
// per-port failures are joined and do not stop the walk.
func (h *Host) Scan(ctx context.Context) (int, error) {
	var (
		added int
		errs  []error
	)
	for port := 1; port <= len(h.devices); port++ {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		ok, err := h.scanPort(ctx, port)
		if err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

func (h *Host) scanPort(ctx context.Context, port int) (bool, error) {
	h.bus.Lock()
	state, speed, err := h.ctrl.Detect(port)
	h.bus.Unlock()

	existing := h.GetDevice(port)
	switch {
	case errors.Is(err, pkg.ErrNotHandled):
		pkg.LogDebug(pkg.ComponentHost, "port ceded", "port", port)
		h.detach(existing)
		return false, nil
	case err != nil:
		return false, err
	case state == hal.PortDisconnected:
		h.detach(existing)
		return false, nil
	case state == hal.PortConnectedDisabled:
		// Reset earlier without enabling; another reset would not help.
		h.detach(existing)
		return false, nil
	case state == hal.PortEnabled && existing != nil:
		return false, nil
	}
	h.detach(existing)

	pkg.LogInfo(pkg.ComponentHost, "device connected",
		"port", port, "state", state, "speed", speed)

	dev, err := h.enumerateDevice(ctx, port)
	if errors.Is(err, pkg.ErrNotHandled) {
		pkg.LogDebug(pkg.ComponentHost, "port ceded after reset", "port", port)
		return false, nil
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
			"port", port,
			"error", err)
		return false, err
	}

	h.mutex.Lock()
	h.devices[port-1] = dev
	h.deviceCount++
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", port,
		"device", dev.id,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID)

	if cb != nil {
		cb(dev)
	}
	return true, nil
}

// detach forgets dev and releases its controller resources.
func (h *Host) detach(dev *Device) {
	if dev == nil {
		return
	}
	h.mutex.Lock()
	if h.devices[dev.port-1] == dev {
		h.devices[dev.port-1] = nil
		h.deviceCount--
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	if err := dev.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "device close failed",
			"port", dev.port,
			"error", err)
	}
	pkg.LogInfo(pkg.ComponentHost, "device disconnected",
		"port", dev.port,
		"device", dev.id)

	if cb != nil {
		cb(dev)
	}
}

// Devices returns all enumerated devices in port order.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for _, dev := range h.devices {
		if dev != nil {
			result = append(result, dev)
		}
	}
	return result
}

// GetDevice returns the device enumerated on port, or nil.
func (h *Host) GetDevice(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if port < 1 || port > len(h.devices) {
		return nil
	}
	return h.devices[port-1]
}

// SetOnDeviceConnect sets the callback for device enumeration.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device removal.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return len(h.devices)
}

// PortStatus returns the status of a port.
func (h *Host) PortStatus(port int) (hal.PortStatus, error) {
	h.bus.Lock()
	defer h.bus.Unlock()
	return h.ctrl.PortStatus(port)
}

// Close closes every enumerated device. The controller itself is left
// running.
func (h *Host) Close() error {
	var errs []error
	for _, dev := range h.Devices() {
		h.mutex.Lock()
		h.devices[dev.port-1] = nil
		h.deviceCount--
		h.mutex.Unlock()
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
