package hal

import (
	"github.com/ardnew/softxhci/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown   Speed = iota // Not connected or unknown
	SpeedLow                    // Low Speed (1.5 Mbit/s)
	SpeedFull                   // Full Speed (12 Mbit/s)
	SpeedHigh                   // High Speed (480 Mbit/s)
	SpeedSuper                  // SuperSpeed (5 Gbit/s)
	SpeedSuperPlus              // SuperSpeedPlus (10 Gbit/s and above)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	case SpeedSuperPlus:
		return "SuperSpeedPlus"
	default:
		return "Unknown"
	}
}

// DefaultMaxPacketSize0 returns the initial default control endpoint
// packet size for a device at speed s, used until the device descriptor is
// read.
func (s Speed) DefaultMaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 8
	}
}

// PortState is the classification of a root-hub port produced by
// detection.
type PortState uint8

// Port states.
const (
	PortDisconnected      PortState = iota // Nothing attached
	PortConnectedDisabled                  // Attached, reset done, not enabled
	PortResetting                          // Reset in progress
	PortEnabled                            // Attached and enabled; speed known
	PortOwnedByOther                       // Ceded to a companion controller
	PortUnresolved                         // Attached; speed known only after reset
)

// String returns a human-readable port state.
func (s PortState) String() string {
	switch s {
	case PortDisconnected:
		return "disconnected"
	case PortConnectedDisabled:
		return "connected-disabled"
	case PortResetting:
		return "resetting"
	case PortEnabled:
		return "enabled"
	case PortOwnedByOther:
		return "owned-by-other"
	case PortUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// PortStatus is a decoded snapshot of a port's status register.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Owned         bool  // Port is owned by a companion controller
	LinkState     uint8 // Link state (native layout only)
	Speed         Speed // Connected device speed, valid when Enabled
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	ResetChange   bool  // Reset has completed
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDescriptor describes an endpoint for HAL configuration.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IsIn returns true if the data stage moves data from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// DeviceID identifies an addressed device on a controller. On xHCI it is
// the device slot ID (1-255); zero is never valid.
type DeviceID uint8

// TransferRequest describes one transfer submitted to a controller.
type TransferRequest struct {
	Device   DeviceID     // Target device
	Endpoint uint8        // Endpoint address including direction bit; 0 is the default control pipe
	Type     TransferType // Transfer type of the endpoint
	Setup    SetupPacket  // SETUP stage, control transfers only
	Data     []byte       // OUT: bytes to send; IN: receives data on completion
}

// IsIn reports whether the request moves data from device to host.
func (r *TransferRequest) IsIn() bool {
	if r.Type == TransferControl {
		return r.Setup.IsIn()
	}
	return r.Endpoint&0x80 != 0
}

// TransferResult is the observed outcome of a transfer.
type TransferResult struct {
	Status pkg.TransferStatus // Pending until terminal
	Actual int                // Bytes transferred in the data stage
}

// Transfer is a handle to an in-flight transfer returned by
// Controller.StartTransfer.
type Transfer interface {
	Request() *TransferRequest
}

// Controller is the contract between the host framework and a USB host
// controller driver.
//
// Every operation is synchronous and bounded: waits are polling loops with
// deadlines and no method blocks indefinitely. The framework serializes
// calls to a single controller. Ports are 1-indexed.
type Controller interface {
	// Port Operations

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// PortStatus returns a decoded snapshot of the port's status register.
	PortStatus(port int) (PortStatus, error)

	// Detect classifies the port. It returns pkg.ErrNotHandled when the
	// device belongs to a companion controller.
	Detect(port int) (PortState, Speed, error)

	// ResetPort resets the port and returns the negotiated speed. A port
	// that does not enable after reset is ceded and pkg.ErrNotHandled is
	// returned.
	ResetPort(port int) (Speed, error)

	// DisablePort disables the port.
	DisablePort(port int) error

	// Device Management

	// OpenDevice assigns resources and an address to the device on port.
	OpenDevice(port int, speed Speed) (DeviceID, error)

	// CloseDevice releases the device and its endpoints.
	CloseDevice(id DeviceID) error

	// ConfigureEndpoint makes a non-control endpoint of the device usable.
	ConfigureEndpoint(id DeviceID, ep EndpointDescriptor) error

	// Transfers

	// StartTransfer queues req and returns immediately.
	StartTransfer(req *TransferRequest) (Transfer, error)

	// CheckTransfer polls the transfer once. A terminal result releases
	// the transfer; IN data has been copied to the request's Data.
	CheckTransfer(t Transfer) TransferResult

	// CancelTransfer aborts a pending transfer and releases it.
	CancelTransfer(t Transfer) error

	// Lifecycle

	// Halt stops the controller so it performs no further DMA.
	Halt() error

	// Restore brings a halted controller back to running.
	Restore() error
}
