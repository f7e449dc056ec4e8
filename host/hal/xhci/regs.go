package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/mmio"
)

// =============================================================================
// Capability Registers
// =============================================================================

// Capability register offsets from the controller base.
const (
	CapLength     = 0x00 // 8 bits
	CapHCIVersion = 0x02 // 16 bits
	CapHCSParams1 = 0x04
	CapHCSParams2 = 0x08
	CapHCSParams3 = 0x0C
	CapHCCParams1 = 0x10
	CapDBOff      = 0x14
	CapRTSOff     = 0x18
	CapHCCParams2 = 0x1C
)

// HCSPARAMS1 fields.
const (
	hcs1SlotsMask = 0xFF
	hcs1IntrShift = 8
	hcs1IntrMask  = 0x7FF
	hcs1PortShift = 24
)

// HCSPARAMS2 scratchpad count fields.
const (
	hcs2SPHiShift = 21
	hcs2SPLoShift = 27
	hcs2SPMask    = 0x1F
)

// HCCPARAMS1 fields.
const (
	HCC1AC64     = 1 << 0
	HCC1CSZ      = 1 << 2
	HCC1PPC      = 1 << 3
	hcc1EECPMask = 0xFF00 // companion-style config-space capability pointer
	hcc1XECPShft = 16
)

const (
	dbOffMask  = ^uint32(0x3)
	rtsOffMask = ^uint32(0x1F)
)

// CapRegs is a read-only view of the capability registers.
type CapRegs struct{ w mmio.Window }

func (c CapRegs) Length() uint8      { return c.w.Read8(CapLength) }
func (c CapRegs) Version() uint16    { return c.w.Read16(CapHCIVersion) }
func (c CapRegs) HCSParams1() uint32 { return c.w.Read32(CapHCSParams1) }
func (c CapRegs) HCSParams2() uint32 { return c.w.Read32(CapHCSParams2) }
func (c CapRegs) HCSParams3() uint32 { return c.w.Read32(CapHCSParams3) }
func (c CapRegs) HCCParams1() uint32 { return c.w.Read32(CapHCCParams1) }
func (c CapRegs) HCCParams2() uint32 { return c.w.Read32(CapHCCParams2) }

// DoorbellOffset returns the doorbell array offset from the controller base.
func (c CapRegs) DoorbellOffset() uint32 { return c.w.Read32(CapDBOff) & dbOffMask }

// RuntimeOffset returns the runtime register offset from the controller base.
func (c CapRegs) RuntimeOffset() uint32 { return c.w.Read32(CapRTSOff) & rtsOffMask }

// =============================================================================
// Operational Registers
// =============================================================================

// Operational register offsets from the operational base (CAPLENGTH).
const (
	OpUSBCmd   = 0x00
	OpUSBSts   = 0x04
	OpPageSize = 0x08
	OpDNCtrl   = 0x14
	OpCRCR     = 0x18
	OpDCBAAP   = 0x30
	OpConfig   = 0x38
	OpPortBase = 0x400
	PortStride = 0x10
)

// USBCMD bits.
const (
	CmdRun     = 1 << 0
	CmdHCReset = 1 << 1
	CmdINTE    = 1 << 2
	CmdHSEE    = 1 << 3
)

// USBSTS bits.
const (
	StsHCH  = 1 << 0
	StsHSE  = 1 << 2
	StsEINT = 1 << 3
	StsPCD  = 1 << 4
	StsCNR  = 1 << 11
	StsHCE  = 1 << 12
)

// CRCR bits.
const (
	CRCRRingCycle = 1 << 0
	CRCRAbort     = 1 << 2
	CRCRRunning   = 1 << 3
)

// ConfigMaxSlotsMask is the MaxSlotsEn field of CONFIG.
const ConfigMaxSlotsMask = 0xFF

// OperRegs is a view of the operational registers.
type OperRegs struct {
	w     mmio.Window
	ports int
}

func (o OperRegs) Command() uint32      { return o.w.Read32(OpUSBCmd) }
func (o OperRegs) SetCommand(v uint32)  { o.w.Write32(OpUSBCmd, v) }
func (o OperRegs) Status() uint32       { return o.w.Read32(OpUSBSts) }
func (o OperRegs) PageSize() uint32     { return o.w.Read32(OpPageSize) }
func (o OperRegs) Config() uint32       { return o.w.Read32(OpConfig) }
func (o OperRegs) SetConfig(v uint32)   { o.w.Write32(OpConfig, v) }
func (o OperRegs) SetDNCtrl(v uint32)   { o.w.Write32(OpDNCtrl, v) }
func (o OperRegs) SetCRCR(v uint64)     { o.w.Write64(OpCRCR, v) }
func (o OperRegs) CRCR() uint32         { return o.w.Read32(OpCRCR) }
func (o OperRegs) DCBAAP() uint64       { return o.w.Read64(OpDCBAAP) }
func (o OperRegs) SetDCBAAP(v uint64)   { o.w.Write64(OpDCBAAP, v) }
func (o OperRegs) Halted() bool         { return o.Status()&StsHCH != 0 }
func (o OperRegs) ClearStatus(v uint32) { o.w.Write32(OpUSBSts, v) }

func (o OperRegs) portOffset(port int) uintptr {
	if port < 1 || port > o.ports {
		panic(fmt.Sprintf("xhci: port %d outside 1..%d", port, o.ports))
	}
	return OpPortBase + PortStride*uintptr(port-1)
}

// PortSC reads the status and control register of port (1-based).
func (o OperRegs) PortSC(port int) uint32 { return o.w.Read32(o.portOffset(port)) }

// SetPortSC writes the status and control register of port (1-based).
func (o OperRegs) SetPortSC(port int, v uint32) { o.w.Write32(o.portOffset(port), v) }

// =============================================================================
// Runtime Registers
// =============================================================================

// Runtime register offsets from the runtime base.
const (
	RtMFIndex     = 0x00
	RtIntrBase    = 0x20
	RtIntrStride  = 0x20
	IntrIMAN      = 0x00
	IntrIMOD      = 0x04
	IntrERSTSZ    = 0x08
	IntrERSTBA    = 0x10
	IntrERDP      = 0x18
	ERDPBusy      = 1 << 3 // EHB, write 1 to clear
	ERDPSegMask   = 0x7
	IMANPending   = 1 << 0
	IMANIntEnable = 1 << 1
)

// RuntimeRegs is a view of the runtime registers.
type RuntimeRegs struct{ w mmio.Window }

// MFIndex returns the microframe index.
func (r RuntimeRegs) MFIndex() uint32 { return r.w.Read32(RtMFIndex) & 0x3FFF }

// Interrupter returns the register set of interrupter i.
func (r RuntimeRegs) Interrupter(i int) Interrupter {
	return Interrupter{mmio.Sub(r.w, RtIntrBase+RtIntrStride*uintptr(i))}
}

// Interrupter is one interrupter register set. The driver only programs the
// event ring of interrupter 0 and leaves IMAN.IE clear.
type Interrupter struct{ w mmio.Window }

func (i Interrupter) IMAN() uint32         { return i.w.Read32(IntrIMAN) }
func (i Interrupter) SetIMAN(v uint32)     { i.w.Write32(IntrIMAN, v) }
func (i Interrupter) SetERSTSize(n uint32) { i.w.Write32(IntrERSTSZ, n&0xFFFF) }
func (i Interrupter) SetERSTBase(v uint64) { i.w.Write64(IntrERSTBA, v) }
func (i Interrupter) ERDP() uint64         { return i.w.Read64(IntrERDP) }
func (i Interrupter) SetERDP(v uint64)     { i.w.Write64(IntrERDP, v) }

// =============================================================================
// Doorbells
// =============================================================================

// Doorbells is a view of the doorbell array. Doorbell 0 belongs to the
// command ring; doorbell n to device slot n.
type Doorbells struct{ w mmio.Window }

// Ring writes doorbell slot with target (endpoint DCI, or 0 for the command
// ring) and stream ID.
func (d Doorbells) Ring(slot int, target uint8, stream uint16) {
	d.w.Write32(uintptr(slot)*4, uint32(target)|uint32(stream)<<16)
}
