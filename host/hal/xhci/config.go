package xhci

import (
	"fmt"
	"time"

	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/hal/pci"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// Default timing and sizing values.
const (
	DefaultHaltTimeout        = 16 * time.Millisecond
	DefaultResetTimeout       = time.Second
	DefaultHandoverTimeout    = 500 * time.Millisecond
	DefaultPortResetHold      = 50 * time.Millisecond
	DefaultPortResetTimeout   = time.Second
	DefaultResetRecovery      = 10 * time.Millisecond
	DefaultCommandTimeout     = 100 * time.Millisecond
	DefaultCancelTimeout      = 100 * time.Millisecond
	DefaultPortDisableTimeout = time.Second
	DefaultStepRetries        = 2
	DefaultRetryMin           = time.Millisecond
	DefaultRetryMax           = 20 * time.Millisecond
	DefaultCommandRingSize    = 32
	DefaultEventRingSize      = 64
	DefaultTransferRingSize   = 64
	DefaultMaxTransfers       = 16
)

// Config holds the tunables and collaborators of a controller instance.
type Config struct {
	// Name identifies the controller in logs, typically its PCI address.
	Name string

	HaltTimeout        time.Duration // USBSTS.HCH after clearing R/S
	ResetTimeout       time.Duration // HCRST and CNR clear
	HandoverTimeout    time.Duration // BIOS releases ownership
	PortResetHold      time.Duration // PR asserted
	PortResetTimeout   time.Duration // PR deasserted
	ResetRecovery      time.Duration // after a port enables
	CommandTimeout     time.Duration // command completion event
	CancelTimeout      time.Duration // Stop Endpoint acknowledgment
	PortDisableTimeout time.Duration // PED clear

	// PollInterval is slept between register samples; zero busy-waits.
	PollInterval time.Duration

	// StepRetries is how many times a timed-out lifecycle step is retried
	// before the controller enters StateFaulted. Delays between attempts
	// grow exponentially from RetryMin to RetryMax.
	StepRetries int
	RetryMin    time.Duration
	RetryMax    time.Duration

	// Ring capacities in TRBs, including the link TRB.
	CommandRingSize  int
	EventRingSize    int
	TransferRingSize int

	// MaxTransfers bounds concurrently outstanding transfers.
	MaxTransfers int

	// LegacyInConfigSpace selects the companion-style ownership handover
	// through PCI configuration space instead of the MMIO extended
	// capability. ConfigSpace must be set.
	LegacyInConfigSpace bool

	// CompanionHandoff selects the companion port register layout and cedes
	// ports the controller cannot drive to a companion controller.
	CompanionHandoff bool

	// ConfigSpace is the controller's PCI configuration space, if any.
	ConfigSpace pci.ConfigSpace

	Clock     poll.Clock
	Allocator dma.Allocator
	Syncer    dma.Syncer
}

// DefaultConfig returns a Config for an identity-mapped, cache-coherent
// environment driven by the system clock.
func DefaultConfig() Config {
	return Config{
		HaltTimeout:        DefaultHaltTimeout,
		ResetTimeout:       DefaultResetTimeout,
		HandoverTimeout:    DefaultHandoverTimeout,
		PortResetHold:      DefaultPortResetHold,
		PortResetTimeout:   DefaultPortResetTimeout,
		ResetRecovery:      DefaultResetRecovery,
		CommandTimeout:     DefaultCommandTimeout,
		CancelTimeout:      DefaultCancelTimeout,
		PortDisableTimeout: DefaultPortDisableTimeout,
		StepRetries:        DefaultStepRetries,
		RetryMin:           DefaultRetryMin,
		RetryMax:           DefaultRetryMax,
		CommandRingSize:    DefaultCommandRingSize,
		EventRingSize:      DefaultEventRingSize,
		TransferRingSize:   DefaultTransferRingSize,
		MaxTransfers:       DefaultMaxTransfers,
		Clock:              &poll.SystemClock{},
		Allocator:          dma.NewIdentity(),
		Syncer:             dma.Coherent{},
	}
}

// normalize fills zero fields from DefaultConfig and validates the rest.
func (c Config) normalize() (Config, error) {
	d := DefaultConfig()
	dur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	dur(&c.HaltTimeout, d.HaltTimeout)
	dur(&c.ResetTimeout, d.ResetTimeout)
	dur(&c.HandoverTimeout, d.HandoverTimeout)
	dur(&c.PortResetHold, d.PortResetHold)
	dur(&c.PortResetTimeout, d.PortResetTimeout)
	dur(&c.ResetRecovery, d.ResetRecovery)
	dur(&c.CommandTimeout, d.CommandTimeout)
	dur(&c.CancelTimeout, d.CancelTimeout)
	dur(&c.PortDisableTimeout, d.PortDisableTimeout)
	dur(&c.RetryMin, d.RetryMin)
	dur(&c.RetryMax, d.RetryMax)
	if c.StepRetries < 0 {
		c.StepRetries = 0
	}
	if c.CommandRingSize == 0 {
		c.CommandRingSize = d.CommandRingSize
	}
	if c.EventRingSize == 0 {
		c.EventRingSize = d.EventRingSize
	}
	if c.TransferRingSize == 0 {
		c.TransferRingSize = d.TransferRingSize
	}
	if c.MaxTransfers == 0 {
		c.MaxTransfers = d.MaxTransfers
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Allocator == nil {
		c.Allocator = d.Allocator
	}
	if c.Syncer == nil {
		c.Syncer = d.Syncer
	}
	if c.Name == "" {
		c.Name = "xhci"
	}

	for _, n := range []struct {
		name string
		v    int
	}{
		{"command ring", c.CommandRingSize},
		{"event ring", c.EventRingSize},
		{"transfer ring", c.TransferRingSize},
	} {
		if n.v < 2 || n.v > 4096 {
			return c, fmt.Errorf("xhci: %s size %d: %w", n.name, n.v, pkg.ErrInvalidParameter)
		}
	}
	if c.EventRingSize < 16 {
		return c, fmt.Errorf("xhci: event ring size %d below 16: %w", c.EventRingSize, pkg.ErrInvalidParameter)
	}
	if c.MaxTransfers < 1 {
		return c, fmt.Errorf("xhci: max transfers %d: %w", c.MaxTransfers, pkg.ErrInvalidParameter)
	}
	if c.LegacyInConfigSpace && c.ConfigSpace == nil {
		return c, fmt.Errorf("xhci: config-space handover without config space: %w", pkg.ErrInvalidParameter)
	}
	return c, nil
}
