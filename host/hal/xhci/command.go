package xhci

import (
	"fmt"
	"time"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// commandError maps a command completion code to the error taxonomy.
func commandError(typ TRBType, code CompletionCode) error {
	switch code {
	case CodeSuccess:
		return nil
	case CodeNoSlots, CodeResource, CodeBandwidth:
		return fmt.Errorf("xhci: %v: %v: %w", typ, code, pkg.ErrNoResources)
	case CodeContextState, CodeSlotNotEnabled, CodeEndpointNotEnable:
		return fmt.Errorf("xhci: %v: %v: %w", typ, code, pkg.ErrInvalidState)
	case CodeParameter, CodeTRB:
		return fmt.Errorf("xhci: %v: %v: %w", typ, code, pkg.ErrInvalidParameter)
	default:
		return fmt.Errorf("xhci: %v: %v: %w", typ, code, pkg.ErrDevice)
	}
}

// Command places t on the command ring, rings doorbell 0 and polls the
// event ring for its completion for up to Config.CommandTimeout. It returns
// the Command Completion event.
func (c *Controller) Command(t TRB) (TRB, error) {
	return c.command(t, c.cfg.CommandTimeout)
}

// Ping issues a No Op command, confirming the controller consumes its
// command ring.
func (c *Controller) Ping() error {
	_, err := c.Command(noOpCmd())
	return err
}

func (c *Controller) command(t TRB, timeout time.Duration) (TRB, error) {
	if err := c.usable(); err != nil {
		return TRB{}, err
	}
	if c.state != StateRunning || c.oper.Halted() {
		return TRB{}, fmt.Errorf("xhci: %s: %v: %w", c.cfg.Name, t.Type(), pkg.ErrNotRunning)
	}
	// Late completions of timed-out commands free their entries.
	if len(c.cmdLost) > 0 {
		c.processEvents()
	}
	id, err := c.cmd.Reserve(1)
	if err != nil {
		return TRB{}, err
	}
	addr := c.cmd.Enqueue(t)
	c.cmdPending = addr
	c.cmdDone = false
	c.db.Ring(0, 0, 0)

	err = poll.Until(c.clock, timeout, c.cfg.PollInterval, func() bool {
		if c.oper.Halted() {
			return true
		}
		c.processEvents()
		return c.cmdDone
	})
	c.cmdPending = 0
	if !c.cmdDone {
		// The controller may still consume the command, so its entry stays
		// reserved until a completion names it or the ring is reinitialized.
		c.cmdLost = append(c.cmdLost, lostCommand{addr: addr, span: id})
		if err == nil {
			err = pkg.ErrNotRunning
		}
		pkg.LogWarn(pkg.ComponentRing, "command not completed",
			"controller", c.cfg.Name, "type", t.Type(), "error", err)
		return TRB{}, fmt.Errorf("xhci: %s: %v: %w", c.cfg.Name, t.Type(), err)
	}
	c.cmd.Retire(id)
	ev := c.cmdEvent
	pkg.LogDebug(pkg.ComponentRing, "command completed",
		"controller", c.cfg.Name, "type", t.Type(), "code", ev.Code(), "slot", ev.SlotID())
	return ev, commandError(t.Type(), ev.Code())
}

// processEvents drains the event ring, routing each event to its consumer,
// and acknowledges the new dequeue position.
func (c *Controller) processEvents() {
	n := 0
	for {
		ev, ok := c.events.Next()
		if !ok {
			break
		}
		n++
		switch ev.Type() {
		case TypeCommandComplete:
			if c.cmdPending != 0 && ev.Parameter == c.cmdPending {
				c.cmdEvent = ev
				c.cmdDone = true
			} else if c.retireLost(ev.Parameter) {
				pkg.LogDebug(pkg.ComponentRing, "late command completion",
					"controller", c.cfg.Name, "ptr", hex64(ev.Parameter), "code", ev.Code())
			} else {
				pkg.LogDebug(pkg.ComponentRing, "stray command completion",
					"controller", c.cfg.Name, "ptr", hex64(ev.Parameter), "code", ev.Code())
			}
		case TypeTransferEvent:
			c.transferEvent(ev)
		case TypePortStatusChange:
			pkg.LogDebug(pkg.ComponentPort, "port status change",
				"controller", c.cfg.Name, "port", ev.Parameter>>24&0xFF)
		case TypeHostController:
			pkg.LogWarn(pkg.ComponentRing, "host controller event",
				"controller", c.cfg.Name, "code", ev.Code())
		default:
			pkg.LogDebug(pkg.ComponentRing, "unhandled event",
				"controller", c.cfg.Name, "type", ev.Type())
		}
	}
	if n > 0 {
		c.events.Ack()
	}
}

// lostCommand is a command that timed out before its completion arrived.
type lostCommand struct {
	addr uint64
	span uint64
}

// retireLost frees the ring entry of the timed-out command at addr.
func (c *Controller) retireLost(addr uint64) bool {
	for i, lc := range c.cmdLost {
		if lc.addr == addr {
			c.cmd.Retire(lc.span)
			c.cmdLost = append(c.cmdLost[:i], c.cmdLost[i+1:]...)
			return true
		}
	}
	return false
}

// LostCommands returns the number of timed-out commands still holding a
// command ring entry.
func (c *Controller) LostCommands() int { return len(c.cmdLost) }
