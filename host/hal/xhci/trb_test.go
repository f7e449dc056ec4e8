package xhci

import (
	"errors"
	"testing"

	"github.com/ardnew/softxhci/pkg"
)

func TestTRB_Fields(t *testing.T) {
	ev := TRB{
		Parameter: 0x1234_5670,
		Status:    uint32(CodeShortPacket)<<24 | 0x200,
		Control:   uint32(TypeTransferEvent)<<trbTypeShift | 3<<trbEPShift | 7<<trbSlotShift | TRBCycle,
	}
	if ev.Type() != TypeTransferEvent {
		t.Errorf("Type() = %v, want TransferEvent", ev.Type())
	}
	if ev.Code() != CodeShortPacket {
		t.Errorf("Code() = %v, want short packet", ev.Code())
	}
	if ev.Residual() != 0x200 {
		t.Errorf("Residual() = %#x, want 0x200", ev.Residual())
	}
	if ev.SlotID() != 7 {
		t.Errorf("SlotID() = %d, want 7", ev.SlotID())
	}
	if ev.EndpointID() != 3 {
		t.Errorf("EndpointID() = %d, want 3", ev.EndpointID())
	}
	if ev.Cycle() != 1 {
		t.Errorf("Cycle() = %d, want 1", ev.Cycle())
	}

	var buf [TRBSize]byte
	ev.Encode(buf[:])
	if got := DecodeTRB(buf[:]); got != ev {
		t.Errorf("DecodeTRB(Encode) = %+v, want %+v", got, ev)
	}
	if buf[0] != 0x70 || buf[12] != byte(ev.Control) {
		t.Errorf("encoding is not little-endian: % x", buf)
	}
}

func TestWithType(t *testing.T) {
	c := uint32(TypeNormal)<<trbTypeShift | TRBChain | TRBCycle
	got := withType(c, TypeNoOp)
	if typ := (TRB{Control: got}).Type(); typ != TypeNoOp {
		t.Errorf("withType type = %v, want NoOp", typ)
	}
	if got&(TRBChain|TRBCycle) != TRBChain|TRBCycle {
		t.Errorf("withType dropped other bits: %#x", got)
	}
}

func TestCommandTRBs(t *testing.T) {
	tests := []struct {
		name string
		trb  TRB
		typ  TRBType
		slot uint8
		ep   uint8
	}{
		{"enable slot", enableSlotCmd(), TypeEnableSlot, 0, 0},
		{"disable slot", disableSlotCmd(4), TypeDisableSlot, 4, 0},
		{"address device", addressDeviceCmd(0x1000, 2), TypeAddressDevice, 2, 0},
		{"configure endpoint", configureEndpointCmd(0x1000, 2), TypeConfigureEndpoint, 2, 0},
		{"reset endpoint", resetEndpointCmd(3, 5), TypeResetEndpoint, 3, 5},
		{"stop endpoint", stopEndpointCmd(3, 1), TypeStopEndpoint, 3, 1},
		{"set dequeue", setTRDequeueCmd(9, 4, 0x2040, 1), TypeSetTRDequeue, 9, 4},
		{"no-op", noOpCmd(), TypeNoOpCommand, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.trb.Type() != tt.typ {
				t.Errorf("Type() = %v, want %v", tt.trb.Type(), tt.typ)
			}
			if tt.trb.SlotID() != tt.slot {
				t.Errorf("SlotID() = %d, want %d", tt.trb.SlotID(), tt.slot)
			}
			if tt.trb.EndpointID() != tt.ep {
				t.Errorf("EndpointID() = %d, want %d", tt.trb.EndpointID(), tt.ep)
			}
			if tt.trb.Cycle() != 0 {
				t.Error("constructor set the cycle bit")
			}
		})
	}

	if p := setTRDequeueCmd(1, 2, 0x2047, 1).Parameter; p != 0x2041 {
		t.Errorf("set dequeue parameter = %#x, want 0x2041", p)
	}
}

func TestCommandError(t *testing.T) {
	tests := []struct {
		code CompletionCode
		want error
	}{
		{CodeSuccess, nil},
		{CodeNoSlots, pkg.ErrNoResources},
		{CodeResource, pkg.ErrNoResources},
		{CodeContextState, pkg.ErrInvalidState},
		{CodeSlotNotEnabled, pkg.ErrInvalidState},
		{CodeParameter, pkg.ErrInvalidParameter},
		{CodeTRB, pkg.ErrInvalidParameter},
		{CodeUSBTransaction, pkg.ErrDevice},
		{CodeStall, pkg.ErrDevice},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := commandError(TypeAddressDevice, tt.code)
			if tt.want == nil {
				if err != nil {
					t.Errorf("commandError = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("commandError = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTypeAndCodeString(t *testing.T) {
	if got := TypeSetup.String(); got != "Setup" {
		t.Errorf("TypeSetup.String() = %q", got)
	}
	if got := TRBType(63).String(); got != "TRBType(63)" {
		t.Errorf("TRBType(63).String() = %q", got)
	}
	if got := CodeStall.String(); got != "stall" {
		t.Errorf("CodeStall.String() = %q", got)
	}
	if got := CompletionCode(200).String(); got != "code(200)" {
		t.Errorf("CompletionCode(200).String() = %q", got)
	}
}
