package pkg

import (
	"errors"
	"fmt"
)

// Driver error taxonomy. Every operation that can fail returns one of these
// (possibly wrapped with context); callers classify with [errors.Is].
var (
	// ErrTimeout indicates a bounded wait expired before its condition held.
	ErrTimeout = errors.New("timeout")

	// ErrDevice indicates the device or controller reported a failure.
	ErrDevice = errors.New("device error")

	// ErrNotHandled indicates the port or device is left to another driver.
	// It is a normal outcome, not a failure.
	ErrNotHandled = errors.New("not handled by this controller")

	// ErrNoResources indicates a bounded pool (ring entries, transfer
	// descriptors, device slots) is exhausted.
	ErrNoResources = errors.New("no resources available")

	// ErrNoMemory indicates a DMA allocation failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNotSupported indicates hardware or configuration the driver cannot
	// operate, such as a BAR above 4 GiB or a zero port count.
	ErrNotSupported = errors.New("not supported")

	// ErrNotRunning indicates the controller is halted.
	ErrNotRunning = errors.New("controller not running")

	// ErrInvalidParameter indicates an invalid argument was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates the operation is not valid in the current
	// controller, port, or endpoint state.
	ErrInvalidState = errors.New("invalid state")
)

// Device error causes. Each wraps [ErrDevice].
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = fmt.Errorf("endpoint stalled: %w", ErrDevice)

	// ErrBabble indicates the device sent more data than expected.
	ErrBabble = fmt.Errorf("babble detected: %w", ErrDevice)

	// ErrTransaction indicates a USB transaction error (CRC, timeout on the
	// wire, bit stuffing).
	ErrTransaction = fmt.Errorf("USB transaction error: %w", ErrDevice)

	// ErrCancelled indicates a transfer was cancelled by the caller.
	ErrCancelled = errors.New("transfer cancelled")
)

// TransferStatus represents the state of a USB transfer as observed by
// polling.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusPending          TransferStatus = iota // Not yet completed
	TransferStatusSuccess                                // All bytes transferred
	TransferStatusShortPacket                            // Completed with fewer bytes than requested
	TransferStatusStall                                  // Endpoint stalled
	TransferStatusBabble                                 // Babble detected
	TransferStatusTransactionError                       // USB transaction error
	TransferStatusError                                  // Other controller-reported failure
	TransferStatusNotRunning                             // Controller halted
	TransferStatusCancelled                              // Transfer was cancelled
	TransferStatusTimeout                                // Transfer timed out
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusSuccess:
		return "success"
	case TransferStatusShortPacket:
		return "short packet"
	case TransferStatusStall:
		return "stall"
	case TransferStatusBabble:
		return "babble"
	case TransferStatusTransactionError:
		return "transaction error"
	case TransferStatusError:
		return "error"
	case TransferStatusNotRunning:
		return "not running"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Done reports whether the status is terminal.
func (s TransferStatus) Done() bool {
	return s != TransferStatusPending
}

// Error returns the corresponding error for the transfer status. Pending,
// success and short-packet completions return nil.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusPending, TransferStatusSuccess, TransferStatusShortPacket:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusBabble:
		return ErrBabble
	case TransferStatusTransactionError:
		return ErrTransaction
	case TransferStatusNotRunning:
		return ErrNotRunning
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusTimeout:
		return ErrTimeout
	default:
		return ErrDevice
	}
}
