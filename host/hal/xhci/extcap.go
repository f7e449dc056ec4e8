package xhci

import (
	"github.com/ardnew/softxhci/host/hal/mmio"
)

// Extended capability IDs.
const (
	ExtCapLegacy   = 1
	ExtCapProtocol = 2
)

// USB Legacy Support capability bits (USBLEGSUP at +0, USBLEGCTLSTS at +4).
const (
	LegBIOSOwned = 1 << 16
	LegOSOwned   = 1 << 24

	// LegSMIEnables are the SMI enable bits of USBLEGCTLSTS.
	LegSMIEnables = 1<<0 | 1<<4 | 1<<13 | 1<<14 | 1<<15

	// LegSMIEvents are the write-1-to-clear SMI event bits of USBLEGCTLSTS.
	LegSMIEvents = 1<<29 | 1<<30 | 1<<31

	legCtlSts = 4
)

// maxExtCaps bounds the capability walk against a malformed list.
const maxExtCaps = 256

// walkExtCaps visits the extended capability list starting at byte offset
// first, calling fn with each capability's ID and byte offset until fn
// returns false or the list ends.
func walkExtCaps(w mmio.Window, first uintptr, fn func(id uint8, off uintptr) bool) {
	off := first
	for i := 0; off != 0 && i < maxExtCaps; i++ {
		v := w.Read32(off)
		if v == 0xFFFFFFFF {
			return
		}
		if !fn(uint8(v), off) {
			return
		}
		next := uintptr((v>>8)&0xFF) << 2
		if next == 0 {
			return
		}
		off += next
	}
}

// findExtCap returns the byte offset of the first capability with id, or 0.
func findExtCap(w mmio.Window, first uintptr, id uint8) uintptr {
	var found uintptr
	walkExtCaps(w, first, func(cid uint8, off uintptr) bool {
		if cid == id {
			found = off
			return false
		}
		return true
	})
	return found
}

// Protocol is a decoded Supported Protocol capability: the root-hub ports
// FirstPort..FirstPort+Count-1 speak USB Major.Minor.
type Protocol struct {
	Major     uint8
	Minor     uint8
	FirstPort int
	Count     int
}

// Contains reports whether port belongs to the range.
func (p Protocol) Contains(port int) bool {
	return port >= p.FirstPort && port < p.FirstPort+p.Count
}

// readProtocols decodes every Supported Protocol capability.
func readProtocols(w mmio.Window, first uintptr) []Protocol {
	var ps []Protocol
	walkExtCaps(w, first, func(id uint8, off uintptr) bool {
		if id != ExtCapProtocol {
			return true
		}
		rev := w.Read32(off)
		ports := w.Read32(off + 8)
		ps = append(ps, Protocol{
			Major:     uint8(rev >> 24),
			Minor:     uint8(rev >> 16),
			FirstPort: int(ports & 0xFF),
			Count:     int((ports >> 8) & 0xFF),
		})
		return true
	})
	return ps
}
