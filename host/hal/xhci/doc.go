// Package xhci drives xHCI USB host controllers by polling, for
// environments without interrupts such as boot firmware.
//
// A [Controller] is created over the controller's MMIO register window
// with [New], or created, taken over from firmware and started with
// [Attach]. [Probe] does the same for every xHCI function on a PCI bus and
// records each in a [Registry].
//
// # Lifecycle
//
// Controllers move through Halted, Reset, Configured and Running. Each
// step polls a register with a bounded deadline; a step that times out is
// retried with backoff before the controller becomes Faulted, after which
// it refuses further use.
//
// # Ports
//
// [Controller.Detect] classifies a root hub port without side effects
// beyond ceding low-speed devices to a companion controller.
// [Controller.ResetPort] either enables the port and reports its speed or
// reports pkg.ErrNotHandled.
//
// # Transfers
//
// [Controller.StartTransfer], [Controller.CheckTransfer] and
// [Controller.CancelTransfer] implement the hal.Controller polling
// contract over per-endpoint transfer rings. Completion is learned from
// Transfer Events on the single event ring, which the driver drains while
// polling.
//
// The xhcitest subpackage simulates a controller at register level for
// tests.
package xhci
