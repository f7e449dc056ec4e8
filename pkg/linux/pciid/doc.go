//go:build linux

// Package pciid looks up vendor, device and class names in the PCI ID
// database shipped with most Linux distributions (pci.ids).
//
// Load the database once, then query it:
//
//	db := pciid.New()
//	db.Load()
//
//	vendor := db.Vendor(0x8086)
//	device := db.Device(0x8086, 0x1e31)
//	class := db.Class(0x0c0330) // "XHCI"
//
// Lookups on a database that failed to load return "".
package pciid
