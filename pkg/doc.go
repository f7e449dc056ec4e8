// Package pkg provides shared utilities for the softxhci host-controller
// driver.
//
// This package contains functionality used across the register model, the
// controller core, and the framework-side host driver:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for the driver's error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentLifecycle, "controller running", "ports", 4)
//
// # Errors
//
// Errors are sentinel values, wrapped with context at each state-machine
// boundary and classified with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrDevice) {
//	    // stall, babble, or transaction error
//	}
//
// [ErrNotHandled] is a normal outcome: the port belongs to another driver.
package pkg
