package xhci

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/host/hal"
)

// Device context layout. Each context is ContextSize bytes (32 or 64).
// An output device context holds the slot context followed by 31 endpoint
// contexts; an input context prepends the input control context.
const (
	numDCI = 32 // slot context plus 31 endpoints
)

// Slot context fields.
const (
	slotRouteMask    = 0xFFFFF
	slotSpeedShift   = 20
	slotEntriesShift = 27
	slotPortShift    = 16
	slotAddrMask     = 0xFF
	slotStateShift   = 27
)

// Endpoint context fields.
const (
	epStateMask     = 0x7
	epIntervalShift = 16
	epCErrShift     = 1
	epTypeShift     = 3
	epMPSShift      = 16
	epDCS           = 1
)

// EndpointState is the state field of an endpoint context.
type EndpointState uint8

// Endpoint states.
const (
	EPDisabled EndpointState = 0
	EPRunning  EndpointState = 1
	EPHalted   EndpointState = 2
	EPStopped  EndpointState = 3
	EPError    EndpointState = 4
)

func (s EndpointState) String() string {
	switch s {
	case EPDisabled:
		return "disabled"
	case EPRunning:
		return "running"
	case EPHalted:
		return "halted"
	case EPStopped:
		return "stopped"
	case EPError:
		return "error"
	default:
		return "reserved"
	}
}

// Endpoint context types.
const (
	EPTypeIsochOut = 1
	EPTypeBulkOut  = 2
	EPTypeIntrOut  = 3
	EPTypeControl  = 4
	EPTypeIsochIn  = 5
	EPTypeBulkIn   = 6
	EPTypeIntrIn   = 7
)

// DCI returns the device context index of endpoint number num in the given
// direction. The default control endpoint is DCI 1.
func DCI(num uint8, in bool) uint8 {
	if num == 0 {
		return 1
	}
	d := num * 2
	if in {
		d++
	}
	return d
}

// endpointType returns the endpoint context type for a transfer type and
// direction.
func endpointType(t hal.TransferType, in bool) uint32 {
	var typ uint32
	switch t {
	case hal.TransferControl:
		return EPTypeControl
	case hal.TransferIsochronous:
		typ = EPTypeIsochOut
	case hal.TransferBulk:
		typ = EPTypeBulkOut
	case hal.TransferInterrupt:
		typ = EPTypeIntrOut
	}
	if in {
		typ += 4
	}
	return typ
}

// PortSpeedID returns the protocol speed ID used in slot contexts and
// PORTSC for s.
func PortSpeedID(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedFull:
		return 1
	case hal.SpeedLow:
		return 2
	case hal.SpeedHigh:
		return 3
	case hal.SpeedSuper:
		return 4
	case hal.SpeedSuperPlus:
		return 5
	default:
		return 0
	}
}

// SpeedFromID is the inverse of PortSpeedID.
func SpeedFromID(id uint32) hal.Speed {
	switch id {
	case 1:
		return hal.SpeedFull
	case 2:
		return hal.SpeedLow
	case 3:
		return hal.SpeedHigh
	case 4:
		return hal.SpeedSuper
	case 0:
		return hal.SpeedUnknown
	default:
		return hal.SpeedSuperPlus
	}
}

// ctxView addresses the contexts in a context buffer.
type ctxView struct {
	buf  []byte
	size int // per-context size
	base int // 1 for input contexts, 0 for output contexts
}

func inputCtx(buf []byte, size int) ctxView  { return ctxView{buf, size, 1} }
func outputCtx(buf []byte, size int) ctxView { return ctxView{buf, size, 0} }

func (v ctxView) off(index, dword int) int {
	return (v.base+index)*v.size + dword*4
}

// dword reads dword of context index, where index 0 is the slot context and
// index n is DCI n.
func (v ctxView) dword(index, dword int) uint32 {
	return binary.LittleEndian.Uint32(v.buf[v.off(index, dword):])
}

func (v ctxView) setDword(index, dword int, val uint32) {
	binary.LittleEndian.PutUint32(v.buf[v.off(index, dword):], val)
}

// setControl writes the input control context drop and add flags.
func (v ctxView) setControl(drop, add uint32) {
	binary.LittleEndian.PutUint32(v.buf[0:], drop)
	binary.LittleEndian.PutUint32(v.buf[4:], add)
}

// copyContext copies context index from src.
func (v ctxView) copyContext(index int, src ctxView) {
	d := v.off(index, 0)
	s := src.off(index, 0)
	copy(v.buf[d:d+v.size], src.buf[s:s+src.size])
}

// setSlot fills the slot context.
func (v ctxView) setSlot(speed hal.Speed, entries uint8, port int) {
	v.setDword(0, 0, PortSpeedID(speed)<<slotSpeedShift|uint32(entries)<<slotEntriesShift)
	v.setDword(0, 1, uint32(port)<<slotPortShift)
	v.setDword(0, 2, 0)
	v.setDword(0, 3, 0)
}

// contextEntries returns the Context Entries field of the slot context.
func (v ctxView) contextEntries() uint8 {
	return uint8(v.dword(0, 0) >> slotEntriesShift)
}

func (v ctxView) setContextEntries(n uint8) {
	d := v.dword(0, 0)
	v.setDword(0, 0, d&^(0x1F<<slotEntriesShift)|uint32(n)<<slotEntriesShift)
}

// deviceAddress returns the USB address assigned by the controller.
func (v ctxView) deviceAddress() uint8 { return uint8(v.dword(0, 3) & slotAddrMask) }

// setEndpoint fills the endpoint context of dci.
func (v ctxView) setEndpoint(dci uint8, typ uint32, mps uint16, interval uint8, cerr uint32, ring uint64, cycle uint32, avgLen uint16) {
	i := int(dci)
	v.setDword(i, 0, uint32(interval)<<epIntervalShift)
	v.setDword(i, 1, cerr<<epCErrShift|typ<<epTypeShift|uint32(mps)<<epMPSShift)
	ptr := ring&^0xF | uint64(cycle&epDCS)
	v.setDword(i, 2, uint32(ptr))
	v.setDword(i, 3, uint32(ptr>>32))
	v.setDword(i, 4, uint32(avgLen))
}

// endpointState returns the state of dci.
func (v ctxView) endpointState(dci uint8) EndpointState {
	return EndpointState(v.dword(int(dci), 0) & epStateMask)
}
