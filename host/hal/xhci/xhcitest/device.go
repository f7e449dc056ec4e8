package xhcitest

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
)

// Device is a USB device attached to a simulated port.
//
// Control handles requests on the default control endpoint; data holds
// the OUT data stage or receives the IN data stage, and the handler
// returns the number of bytes moved. When Control is nil the device
// answers GET_DESCRIPTOR for the device and configuration from Descriptor
// and Configuration, accepts SET_ADDRESS and SET_CONFIGURATION, and stalls
// everything else.
//
// Bulk handles Normal TDs on other endpoints; ep carries the direction
// bit. When Bulk is nil an IN endpoint returns no data and an OUT endpoint
// accepts everything.
type Device struct {
	Speed         hal.Speed
	Descriptor    []byte
	Configuration []byte

	Control func(setup hal.SetupPacket, data []byte) (int, xhci.CompletionCode)
	Bulk    func(ep uint8, data []byte) (int, xhci.CompletionCode)
}

// Standard requests answered by the default control handler.
const (
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	descTypeDevice      = 0x01
	descTypeConfig      = 0x02
)

// DeviceDescriptor returns an 18-byte device descriptor.
func DeviceDescriptor(vendor, product uint16, mps0 uint8) []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = descTypeDevice
	binary.LittleEndian.PutUint16(d[2:], 0x0200)
	d[7] = mps0
	binary.LittleEndian.PutUint16(d[8:], vendor)
	binary.LittleEndian.PutUint16(d[10:], product)
	d[17] = 1
	return d
}

func (d *Device) control(setup hal.SetupPacket, data []byte) (int, xhci.CompletionCode) {
	if d.Control != nil {
		return d.Control(setup, data)
	}
	switch setup.Request {
	case reqGetDescriptor:
		if !setup.IsIn() {
			return 0, xhci.CodeStall
		}
		switch setup.Value >> 8 {
		case descTypeDevice:
			return copy(data, d.Descriptor), xhci.CodeSuccess
		case descTypeConfig:
			if d.Configuration != nil {
				return copy(data, d.Configuration), xhci.CodeSuccess
			}
		}
		return 0, xhci.CodeStall
	case reqSetAddress, reqSetConfiguration:
		return 0, xhci.CodeSuccess
	}
	return 0, xhci.CodeStall
}

func (d *Device) bulk(ep uint8, data []byte) (int, xhci.CompletionCode) {
	if d.Bulk != nil {
		return d.Bulk(ep, data)
	}
	if ep&0x80 != 0 {
		return 0, xhci.CodeSuccess
	}
	return len(data), xhci.CodeSuccess
}
