package xhci

import (
	"encoding/binary"
	"fmt"
)

// TRBSize is the size of a Transfer Request Block in bytes.
const TRBSize = 16

// TRB is one ring entry: a 64-bit parameter, a 32-bit status and a 32-bit
// control dword, stored little-endian.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// TRB control bits.
const (
	TRBCycle       = 1 << 0
	TRBToggleCycle = 1 << 1 // Link TRB
	TRBEventData   = 1 << 2 // event TRB: parameter is event data
	TRBISP         = 1 << 2 // Interrupt on Short Packet
	TRBNoSnoop     = 1 << 3
	TRBChain       = 1 << 4
	TRBIOC         = 1 << 5
	TRBIDT         = 1 << 6 // Immediate Data
	TRBBSR         = 1 << 9 // Block Set Address Request
	TRBDirIn       = 1 << 16

	trbTypeShift = 10
	trbTypeMask  = 0x3F << trbTypeShift
	trbEPShift   = 16
	trbEPMask    = 0x1F << trbEPShift
	trbSlotShift = 24
	trbTRTShift  = 16
	trbSPBit     = 1 << 23

	// TRBLengthMask is the transfer length field of a transfer TRB status.
	TRBLengthMask = 0x1FFFF
	// MaxTRBLength is the largest buffer a single TRB may describe.
	MaxTRBLength = 64 << 10
)

// Setup stage transfer types.
const (
	TRTNoData = 0
	TRTOut    = 2
	TRTIn     = 3
)

// TRBType identifies the kind of TRB.
type TRBType uint8

// TRB types.
const (
	TypeNormal            TRBType = 1
	TypeSetup             TRBType = 2
	TypeData              TRBType = 3
	TypeStatus            TRBType = 4
	TypeIsoch             TRBType = 5
	TypeLink              TRBType = 6
	TypeEventData         TRBType = 7
	TypeNoOp              TRBType = 8
	TypeEnableSlot        TRBType = 9
	TypeDisableSlot       TRBType = 10
	TypeAddressDevice     TRBType = 11
	TypeConfigureEndpoint TRBType = 12
	TypeEvaluateContext   TRBType = 13
	TypeResetEndpoint     TRBType = 14
	TypeStopEndpoint      TRBType = 15
	TypeSetTRDequeue      TRBType = 16
	TypeResetDevice       TRBType = 17
	TypeNoOpCommand       TRBType = 23
	TypeTransferEvent     TRBType = 32
	TypeCommandComplete   TRBType = 33
	TypePortStatusChange  TRBType = 34
	TypeHostController    TRBType = 37
)

var trbTypeNames = map[TRBType]string{
	TypeNormal:            "Normal",
	TypeSetup:             "Setup",
	TypeData:              "Data",
	TypeStatus:            "Status",
	TypeIsoch:             "Isoch",
	TypeLink:              "Link",
	TypeEventData:         "EventData",
	TypeNoOp:              "NoOp",
	TypeEnableSlot:        "EnableSlot",
	TypeDisableSlot:       "DisableSlot",
	TypeAddressDevice:     "AddressDevice",
	TypeConfigureEndpoint: "ConfigureEndpoint",
	TypeEvaluateContext:   "EvaluateContext",
	TypeResetEndpoint:     "ResetEndpoint",
	TypeStopEndpoint:      "StopEndpoint",
	TypeSetTRDequeue:      "SetTRDequeue",
	TypeResetDevice:       "ResetDevice",
	TypeNoOpCommand:       "NoOpCommand",
	TypeTransferEvent:     "TransferEvent",
	TypeCommandComplete:   "CommandCompletion",
	TypePortStatusChange:  "PortStatusChange",
	TypeHostController:    "HostController",
}

func (t TRBType) String() string {
	if s, ok := trbTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TRBType(%d)", uint8(t))
}

// CompletionCode is the result code carried by event TRBs.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid           CompletionCode = 0
	CodeSuccess           CompletionCode = 1
	CodeDataBuffer        CompletionCode = 2
	CodeBabble            CompletionCode = 3
	CodeUSBTransaction    CompletionCode = 4
	CodeTRB               CompletionCode = 5
	CodeStall             CompletionCode = 6
	CodeResource          CompletionCode = 7
	CodeBandwidth         CompletionCode = 8
	CodeNoSlots           CompletionCode = 9
	CodeSlotNotEnabled    CompletionCode = 11
	CodeEndpointNotEnable CompletionCode = 12
	CodeShortPacket       CompletionCode = 13
	CodeRingUnderrun      CompletionCode = 14
	CodeRingOverrun       CompletionCode = 15
	CodeParameter         CompletionCode = 17
	CodeContextState      CompletionCode = 19
	CodeEventRingFull     CompletionCode = 21
	CodeCommandRingStop   CompletionCode = 24
	CodeCommandAborted    CompletionCode = 25
	CodeStopped           CompletionCode = 26
	CodeStoppedLenInvalid CompletionCode = 27
)

var codeNames = map[CompletionCode]string{
	CodeInvalid:           "invalid",
	CodeSuccess:           "success",
	CodeDataBuffer:        "data buffer error",
	CodeBabble:            "babble",
	CodeUSBTransaction:    "USB transaction error",
	CodeTRB:               "TRB error",
	CodeStall:             "stall",
	CodeResource:          "resource error",
	CodeBandwidth:         "bandwidth error",
	CodeNoSlots:           "no slots available",
	CodeSlotNotEnabled:    "slot not enabled",
	CodeEndpointNotEnable: "endpoint not enabled",
	CodeShortPacket:       "short packet",
	CodeRingUnderrun:      "ring underrun",
	CodeRingOverrun:       "ring overrun",
	CodeParameter:         "parameter error",
	CodeContextState:      "context state error",
	CodeEventRingFull:     "event ring full",
	CodeCommandRingStop:   "command ring stopped",
	CodeCommandAborted:    "command aborted",
	CodeStopped:           "stopped",
	CodeStoppedLenInvalid: "stopped, length invalid",
}

func (c CompletionCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Type returns the TRB type field.
func (t TRB) Type() TRBType { return TRBType((t.Control & trbTypeMask) >> trbTypeShift) }

// Cycle returns the cycle bit.
func (t TRB) Cycle() uint32 { return t.Control & TRBCycle }

// SlotID returns the slot ID field of command and event TRBs.
func (t TRB) SlotID() uint8 { return uint8(t.Control >> trbSlotShift) }

// EndpointID returns the endpoint ID (DCI) field.
func (t TRB) EndpointID() uint8 { return uint8((t.Control & trbEPMask) >> trbEPShift) }

// Code returns the completion code of an event TRB.
func (t TRB) Code() CompletionCode { return CompletionCode(t.Status >> 24) }

// Residual returns the transfer length field of an event TRB: bytes not
// transferred.
func (t TRB) Residual() int { return int(t.Status & 0xFFFFFF) }

// withType returns control with the type field replaced.
func withType(control uint32, typ TRBType) uint32 {
	return control&^trbTypeMask | uint32(typ)<<trbTypeShift
}

// put encodes t into the 16 bytes of b. The control dword, which carries
// the cycle bit, is stored last.
func (t TRB) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], t.Parameter)
	binary.LittleEndian.PutUint32(b[8:], t.Status)
	binary.LittleEndian.PutUint32(b[12:], t.Control)
}

// readTRB decodes the TRB in the 16 bytes of b.
func readTRB(b []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:]),
		Status:    binary.LittleEndian.Uint32(b[8:]),
		Control:   binary.LittleEndian.Uint32(b[12:]),
	}
}

// DecodeTRB decodes the TRB in the first 16 bytes of b.
func DecodeTRB(b []byte) TRB { return readTRB(b) }

// Encode stores t into the first 16 bytes of b.
func (t TRB) Encode(b []byte) { t.put(b) }

// =============================================================================
// Command TRB Constructors
// =============================================================================

func cmdTRB(typ TRBType, slot uint8) TRB {
	return TRB{Control: uint32(typ)<<trbTypeShift | uint32(slot)<<trbSlotShift}
}

func enableSlotCmd() TRB { return cmdTRB(TypeEnableSlot, 0) }

func disableSlotCmd(slot uint8) TRB { return cmdTRB(TypeDisableSlot, slot) }

func addressDeviceCmd(input uint64, slot uint8) TRB {
	t := cmdTRB(TypeAddressDevice, slot)
	t.Parameter = input
	return t
}

func configureEndpointCmd(input uint64, slot uint8) TRB {
	t := cmdTRB(TypeConfigureEndpoint, slot)
	t.Parameter = input
	return t
}

func resetEndpointCmd(slot, dci uint8) TRB {
	t := cmdTRB(TypeResetEndpoint, slot)
	t.Control |= uint32(dci) << trbEPShift
	return t
}

func stopEndpointCmd(slot, dci uint8) TRB {
	t := cmdTRB(TypeStopEndpoint, slot)
	t.Control |= uint32(dci) << trbEPShift
	return t
}

func setTRDequeueCmd(slot, dci uint8, ptr uint64, cycle uint32) TRB {
	t := cmdTRB(TypeSetTRDequeue, slot)
	t.Control |= uint32(dci) << trbEPShift
	t.Parameter = ptr&^0xF | uint64(cycle&1)
	return t
}

func noOpCmd() TRB { return cmdTRB(TypeNoOpCommand, 0) }
