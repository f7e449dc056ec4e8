// Package pci is the bus-enumeration collaborator of the controller driver.
//
// A [Bus] yields [Device] values; each exposes its configuration space as
// dword reads and writes and can map a memory BAR as an [mmio.Window].
// Helpers decode the class code and BARs and enable bus mastering the way a
// host-controller driver needs before touching the device.
//
// On Linux, [Sysfs] implements Bus over /sys/bus/pci/devices using
// pread/pwrite on the config attribute and mmap on resourceN.
package pci
