package host

import (
	"context"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/poll"
)

// Transfer submits req and polls it to completion. It returns the number
// of bytes moved in the data stage.
//
// The wait is bounded by the host's TransferTimeout and by ctx. On either
// expiry the transfer is cancelled and pkg.ErrTimeout or ctx.Err() is
// returned. A transfer that completes with an error status returns the
// matching pkg error along with the partial length.
func (h *Host) Transfer(ctx context.Context, req *hal.TransferRequest) (int, error) {
	h.bus.Lock()
	defer h.bus.Unlock()

	t, err := h.ctrl.StartTransfer(req)
	if err != nil {
		return 0, err
	}

	var res hal.TransferResult
	err = poll.UntilContext(ctx, h.cfg.Clock, h.cfg.TransferTimeout, h.cfg.PollInterval, func() bool {
		res = h.ctrl.CheckTransfer(t)
		return res.Status.Done()
	})
	if err != nil {
		if cerr := h.ctrl.CancelTransfer(t); cerr != nil {
			pkg.LogWarn(pkg.ComponentHost, "cancel failed",
				"device", req.Device,
				"endpoint", req.Endpoint,
				"error", cerr)
		}
		return 0, err
	}

	if res.Status.Error() != nil {
		pkg.LogDebug(pkg.ComponentHost, "transfer failed",
			"device", req.Device,
			"endpoint", req.Endpoint,
			"status", res.Status,
			"actual", res.Actual)
	}
	return res.Actual, res.Status.Error()
}

// ControlTransfer performs a control transfer on the default pipe of
// device id. data holds the OUT data stage or receives the IN data stage;
// setup.Length is clamped to len(data).
func (h *Host) ControlTransfer(ctx context.Context, id hal.DeviceID, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, fmt.Errorf("host: nil setup packet: %w", pkg.ErrInvalidParameter)
	}
	req := hal.TransferRequest{
		Device: id,
		Type:   hal.TransferControl,
		Setup:  *setup,
		Data:   data,
	}
	if int(req.Setup.Length) > len(data) {
		req.Setup.Length = uint16(len(data))
	}
	return h.Transfer(ctx, &req)
}

// BulkTransfer performs a bulk transfer on endpoint of device id. The
// direction follows bit 7 of endpoint.
func (h *Host) BulkTransfer(ctx context.Context, id hal.DeviceID, endpoint uint8, data []byte) (int, error) {
	return h.Transfer(ctx, &hal.TransferRequest{
		Device:   id,
		Endpoint: endpoint,
		Type:     hal.TransferBulk,
		Data:     data,
	})
}

// InterruptTransfer performs one interrupt transfer on endpoint of device
// id.
func (h *Host) InterruptTransfer(ctx context.Context, id hal.DeviceID, endpoint uint8, data []byte) (int, error) {
	return h.Transfer(ctx, &hal.TransferRequest{
		Device:   id,
		Endpoint: endpoint,
		Type:     hal.TransferInterrupt,
		Data:     data,
	})
}
