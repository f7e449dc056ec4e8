package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Caps holds the capability values derived once at attach. None of them
// change for the life of the controller instance.
type Caps struct {
	Version         uint16
	MaxSlots        int
	MaxInterrupters int
	MaxPorts        int
	Scratchpads     int
	PageSize        int
	ContextSize     int  // 32 or 64 bytes
	PortPower       bool // ports have software power switches
	AC64            bool // 64-bit addressing capable
	XECP            uintptr
	EECP            int // companion-style config-space pointer
}

// HubPorts decodes the slot and port counts from HCSPARAMS1.
func HubPorts(hcs1 uint32) (slots, ports int) {
	return int(hcs1 & hcs1SlotsMask), int(hcs1 >> hcs1PortShift)
}

// ScratchpadCount decodes Max Scratchpad Buffers from HCSPARAMS2.
func ScratchpadCount(hcs2 uint32) int {
	hi := (hcs2 >> hcs2SPHiShift) & hcs2SPMask
	lo := (hcs2 >> hcs2SPLoShift) & hcs2SPMask
	return int(hi<<5 | lo)
}

// ReadCaps derives Caps from the capability and operational registers. A
// controller reporting zero slots or zero ports is unusable and returns
// [pkg.ErrNotSupported].
func ReadCaps(cr CapRegs, or OperRegs) (Caps, error) {
	hcs1 := cr.HCSParams1()
	hcc1 := cr.HCCParams1()
	slots, ports := HubPorts(hcs1)
	c := Caps{
		Version:         cr.Version(),
		MaxSlots:        slots,
		MaxInterrupters: int((hcs1 >> hcs1IntrShift) & hcs1IntrMask),
		MaxPorts:        ports,
		Scratchpads:     ScratchpadCount(cr.HCSParams2()),
		ContextSize:     32,
		PortPower:       hcc1&HCC1PPC != 0,
		AC64:            hcc1&HCC1AC64 != 0,
		XECP:            uintptr(hcc1>>hcc1XECPShft) << 2,
		EECP:            int(hcc1&hcc1EECPMask) >> 8,
	}
	if hcc1&HCC1CSZ != 0 {
		c.ContextSize = 64
	}
	if c.MaxSlots == 0 || c.MaxPorts == 0 {
		return c, fmt.Errorf("xhci: %d slots, %d ports: %w", c.MaxSlots, c.MaxPorts, pkg.ErrNotSupported)
	}
	c.PageSize = 4096
	if ps := or.PageSize() & 0xFFFF; ps != 0 {
		for n := 0; n < 16; n++ {
			if ps&(1<<n) != 0 {
				c.PageSize = 4096 << n
				break
			}
		}
	}
	return c, nil
}
