// Package host is the framework side of the USB host stack.
//
// It drives a [hal.Controller] through polling: [Host.Scan] walks the root
// ports, enumerates newly attached devices and forgets removed ones, and
// [Host.Transfer] turns the controller's start/check/cancel contract into a
// synchronous call bounded by a deadline and a context.
//
// # Enumeration
//
// For each port that reports a connection and has no enumerated device,
// the host:
//
//   - resets the port; a port ceded to a companion controller is skipped
//   - has the controller assign a device slot and address
//   - reads the device descriptor (8 bytes, then in full)
//   - reads the first configuration descriptor tree
//   - caches the manufacturer, product and serial strings
//   - configures each endpoint of alternate setting 0 on the controller
//   - selects the configuration
//
// A device that fails any step other than the string reads is closed and
// the failure reported by Scan; other ports are still scanned.
//
// # Zero-Allocation Design
//
// Descriptors are parsed with output parameters into fixed-size storage
// and transfers use caller-provided buffers.
//
// # Example
//
//	h := host.New(ctrl, host.DefaultConfig())
//	if _, err := h.Scan(ctx); err != nil {
//	    log.Print(err)
//	}
//	for _, dev := range h.Devices() {
//	    buf := make([]byte, 512)
//	    n, err := dev.BulkTransfer(ctx, 0x81, buf)
//	    ...
//	}
package host
