// Package hal defines the contract between the USB host framework and a
// host-controller driver.
//
// The framework owns USB protocol logic: enumeration, descriptors, and
// class drivers. A driver implementing [Controller] owns the hardware:
// ports, device contexts, and the queues that move transfers. The contract
// is deliberately polling-shaped so it works where interrupts are not
// available:
//
//	t, err := ctrl.StartTransfer(&req)
//	if err != nil {
//	    return err
//	}
//	for {
//	    r := ctrl.CheckTransfer(t)
//	    if r.Status.Done() {
//	        return r.Status.Error()
//	    }
//	    // deadline check; CancelTransfer(t) on expiry
//	}
//
// Port detection reports a [PortState]. A port the driver cedes to a
// companion controller is reported with [pkg.ErrNotHandled], which is a
// normal outcome rather than a failure.
//
// The xHCI implementation is [github.com/ardnew/softxhci/host/hal/xhci].
package hal
