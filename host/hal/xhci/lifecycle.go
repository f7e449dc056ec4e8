package xhci

import (
	"errors"
	"fmt"

	"github.com/jpillora/backoff"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// State is the lifecycle state of a controller instance.
type State int

// Lifecycle states. StateFaulted is absorbing.
const (
	StateUnknown State = iota
	StateHalted
	StateReset
	StateConfigured
	StateRunning
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHalted:
		return "halted"
	case StateReset:
		return "reset"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Halt stops the controller. A controller that already reports HCH is left
// untouched.
func (c *Controller) Halt() error { return c.step("halt", c.halt) }

// Reset halts the controller if needed and performs a host controller
// reset. Devices, transfers and port reset memory are discarded.
func (c *Controller) Reset() error { return c.step("reset", c.reset) }

// Configure programs a freshly reset controller: enabled slots, device
// context base array, scratchpad buffers, command ring and event ring.
func (c *Controller) Configure() error { return c.step("configure", c.configure) }

// Run powers ports where the controller has port power control and sets
// Run/Stop.
func (c *Controller) Run() error { return c.step("run", c.run) }

// Start brings the controller from any state to running: halt, reset,
// configure, run.
func (c *Controller) Start() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"halt", c.halt},
		{"reset", c.reset},
		{"configure", c.configure},
		{"run", c.run},
	}
	for _, s := range steps {
		if err := c.step(s.name, s.fn); err != nil {
			return err
		}
	}
	pkg.LogInfo(pkg.ComponentLifecycle, "controller running",
		"controller", c.cfg.Name, "slots", c.caps.MaxSlots, "ports", c.caps.MaxPorts)
	return nil
}

// Restore re-runs the full start sequence, as after firmware or a loaded
// image has used the controller.
func (c *Controller) Restore() error { return c.Start() }

// step runs fn, retrying timeouts with exponential backoff. A step that
// still times out, or that finds the hardware misbehaving, leaves the
// controller in StateFaulted.
func (c *Controller) step(name string, fn func() error) error {
	if err := c.usable(); err != nil {
		return err
	}
	b := &backoff.Backoff{
		Min:    c.cfg.RetryMin,
		Max:    c.cfg.RetryMax,
		Factor: 2,
		Jitter: false,
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		retryable := errors.Is(err, pkg.ErrTimeout)
		if retryable && attempt < c.cfg.StepRetries {
			d := b.Duration()
			pkg.LogWarn(pkg.ComponentLifecycle, "step timed out, retrying",
				"controller", c.cfg.Name, "step", name, "attempt", attempt+1, "delay", d)
			c.clock.Sleep(d)
			continue
		}
		if retryable || errors.Is(err, pkg.ErrDevice) {
			c.state = StateFaulted
			pkg.LogError(pkg.ComponentLifecycle, "controller faulted",
				"controller", c.cfg.Name, "step", name, "error", err)
		}
		return fmt.Errorf("xhci: %s: %s: %w", c.cfg.Name, name, err)
	}
}

func (c *Controller) halt() error {
	if c.oper.Halted() {
		c.state = StateHalted
		return nil
	}
	c.oper.SetCommand(c.oper.Command() &^ CmdRun)
	err := poll.Until(c.clock, c.cfg.HaltTimeout, c.cfg.PollInterval, c.oper.Halted)
	if err != nil {
		return fmt.Errorf("HCH not set: %w", err)
	}
	c.state = StateHalted
	c.abandonTransfers()
	pkg.LogDebug(pkg.ComponentLifecycle, "controller halted", "controller", c.cfg.Name)
	return nil
}

func (c *Controller) reset() error {
	if !c.oper.Halted() {
		if err := c.halt(); err != nil {
			return err
		}
	}
	c.abandonTransfers()
	c.dropSlots()
	c.oper.SetCommand(c.oper.Command() | CmdHCReset)
	err := poll.Until(c.clock, c.cfg.ResetTimeout, c.cfg.PollInterval, func() bool {
		return c.oper.Command()&CmdHCReset == 0 && c.oper.Status()&StsCNR == 0
	})
	if err != nil {
		return fmt.Errorf("HCRST or CNR not clear: %w", err)
	}
	c.resetPorts = portSet{}
	c.state = StateReset
	pkg.LogDebug(pkg.ComponentLifecycle, "controller reset", "controller", c.cfg.Name)
	return nil
}

func (c *Controller) configure() error {
	if c.state != StateReset {
		return fmt.Errorf("configure from %v: %w", c.state, pkg.ErrInvalidState)
	}
	c.oper.SetConfig(c.oper.Config()&^ConfigMaxSlotsMask | uint32(c.caps.MaxSlots))

	clear(c.dcbaa.Buf)
	if c.caps.Scratchpads > 0 {
		for i, pg := range c.spPages {
			clear(pg.Buf)
			c.sync.Flush(pg)
			putAddr(c.spArray.Buf, i, pg.Addr)
		}
		c.sync.Flush(c.spArray)
		putAddr(c.dcbaa.Buf, 0, c.spArray.Addr)
	}
	c.sync.Flush(c.dcbaa)
	c.oper.SetDCBAAP(c.dcbaa.Addr)

	c.cmd.Init()
	c.cmdLost = c.cmdLost[:0]
	c.oper.SetCRCR(c.cmd.Addr() | CRCRRingCycle)
	c.events.Init(c.rt.Interrupter(0))

	c.state = StateConfigured
	pkg.LogDebug(pkg.ComponentLifecycle, "controller configured",
		"controller", c.cfg.Name, "dcbaa", hex64(c.dcbaa.Addr), "scratchpads", c.caps.Scratchpads)
	return nil
}

func (c *Controller) run() error {
	if c.state == StateRunning && !c.oper.Halted() {
		return nil
	}
	if c.state != StateConfigured {
		return fmt.Errorf("run from %v: %w", c.state, pkg.ErrInvalidState)
	}
	if c.caps.PortPower {
		for port := 1; port <= c.caps.MaxPorts; port++ {
			v := c.oper.PortSC(port)
			if v&c.bits.power == 0 {
				c.oper.SetPortSC(port, c.bits.neutral(v)|c.bits.power)
			}
		}
	}

	c.oper.SetCommand(c.oper.Command() | CmdRun)
	if c.oper.Command()&CmdRun == 0 {
		return fmt.Errorf("run/stop did not latch: %w", pkg.ErrDevice)
	}
	err := poll.Until(c.clock, c.cfg.HaltTimeout, c.cfg.PollInterval, func() bool {
		return !c.oper.Halted()
	})
	if err != nil {
		return fmt.Errorf("HCH still set: %w", err)
	}
	c.state = StateRunning
	return nil
}

func hex64(v uint64) string { return fmt.Sprintf("%#x", v) }
