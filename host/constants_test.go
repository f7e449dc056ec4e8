package host

import (
	"testing"
)

// =============================================================================
// DeviceState Tests
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state    DeviceState
		expected string
	}{
		{DeviceStateDetached, "Detached"},
		{DeviceStateAddress, "Address"},
		{DeviceStateConfigured, "Configured"},
		{DeviceState(255), "Unknown State (255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("DeviceState.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// =============================================================================
// Descriptor Parsing Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, 0x01, // Length, Type
		0x00, 0x02, // USB Version 2.0 (little-endian)
		0x00, 0x00, 0x00, // Class, SubClass, Protocol
		64,         // MaxPacketSize0
		0x34, 0x12, // VendorID (little-endian)
		0x78, 0x56, // ProductID (little-endian)
		0x01, 0x00, // DeviceVersion
		1, 2, 3, // Manufacturer, Product, SerialNumber indices
		1, // NumConfigurations
	}

	var desc DeviceDescriptor
	if !ParseDeviceDescriptor(data, &desc) {
		t.Fatal("ParseDeviceDescriptor returned false")
	}

	if desc.Length != 18 {
		t.Errorf("Length = %d, want 18", desc.Length)
	}
	if desc.DescriptorType != 0x01 {
		t.Errorf("DescriptorType = 0x%02X, want 0x01", desc.DescriptorType)
	}
	if desc.USBVersion != 0x0200 {
		t.Errorf("USBVersion = 0x%04X, want 0x0200", desc.USBVersion)
	}
	if desc.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", desc.MaxPacketSize0)
	}
	if desc.VendorID != 0x1234 {
		t.Errorf("VendorID = 0x%04X, want 0x1234", desc.VendorID)
	}
	if desc.ProductID != 0x5678 {
		t.Errorf("ProductID = 0x%04X, want 0x5678", desc.ProductID)
	}
	if desc.ManufacturerIndex != 1 {
		t.Errorf("ManufacturerIndex = %d, want 1", desc.ManufacturerIndex)
	}
	if desc.ProductIndex != 2 {
		t.Errorf("ProductIndex = %d, want 2", desc.ProductIndex)
	}
	if desc.SerialNumberIndex != 3 {
		t.Errorf("SerialNumberIndex = %d, want 3", desc.SerialNumberIndex)
	}
	if desc.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", desc.NumConfigurations)
	}
}

func TestParseDeviceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, DeviceDescriptorSize-1)
	var desc DeviceDescriptor
	if ParseDeviceDescriptor(data, &desc) {
		t.Error("ParseDeviceDescriptor should return false for short data")
	}
}

func TestParseConfigurationDescriptor(t *testing.T) {
	data := []byte{
		9, 0x02, // Length, Type
		0x20, 0x00, // TotalLength (little-endian)
		2,    // NumInterfaces
		1,    // ConfigurationValue
		4,    // ConfigurationIndex
		0xA0, // Attributes
		50,   // MaxPower
	}

	var desc ConfigurationDescriptor
	if !ParseConfigurationDescriptor(data, &desc) {
		t.Fatal("ParseConfigurationDescriptor returned false")
	}

	if desc.Length != 9 {
		t.Errorf("Length = %d, want 9", desc.Length)
	}
	if desc.TotalLength != 0x0020 {
		t.Errorf("TotalLength = %d, want 32", desc.TotalLength)
	}
	if desc.NumInterfaces != 2 {
		t.Errorf("NumInterfaces = %d, want 2", desc.NumInterfaces)
	}
	if desc.ConfigurationValue != 1 {
		t.Errorf("ConfigurationValue = %d, want 1", desc.ConfigurationValue)
	}
}

func TestParseConfigurationDescriptor_TooShort(t *testing.T) {
	data := make([]byte, ConfigurationDescriptorSize-1)
	var desc ConfigurationDescriptor
	if ParseConfigurationDescriptor(data, &desc) {
		t.Error("ParseConfigurationDescriptor should return false for short data")
	}
}

func TestParseInterfaceDescriptor(t *testing.T) {
	data := []byte{
		9, 0x04, // Length, Type
		0,    // InterfaceNumber
		0,    // AlternateSetting
		2,    // NumEndpoints
		0x02, // InterfaceClass (CDC)
		0x02, // InterfaceSubClass
		0x01, // InterfaceProtocol
		5,    // InterfaceIndex
	}

	var desc InterfaceDescriptor
	if !ParseInterfaceDescriptor(data, &desc) {
		t.Fatal("ParseInterfaceDescriptor returned false")
	}

	if desc.InterfaceNumber != 0 {
		t.Errorf("InterfaceNumber = %d, want 0", desc.InterfaceNumber)
	}
	if desc.NumEndpoints != 2 {
		t.Errorf("NumEndpoints = %d, want 2", desc.NumEndpoints)
	}
	if desc.InterfaceClass != 0x02 {
		t.Errorf("InterfaceClass = 0x%02X, want 0x02", desc.InterfaceClass)
	}
}

func TestParseInterfaceDescriptor_TooShort(t *testing.T) {
	data := make([]byte, InterfaceDescriptorSize-1)
	var desc InterfaceDescriptor
	if ParseInterfaceDescriptor(data, &desc) {
		t.Error("ParseInterfaceDescriptor should return false for short data")
	}
}

func TestParseEndpointDescriptor(t *testing.T) {
	data := []byte{
		7, 0x05, // Length, Type
		0x81,       // EndpointAddress (EP1 IN)
		0x02,       // Attributes (Bulk)
		0x00, 0x02, // MaxPacketSize (512)
		0, // Interval
	}

	var desc EndpointDescriptor
	if !ParseEndpointDescriptor(data, &desc) {
		t.Fatal("ParseEndpointDescriptor returned false")
	}

	if desc.EndpointAddress != 0x81 {
		t.Errorf("EndpointAddress = 0x%02X, want 0x81", desc.EndpointAddress)
	}
	if desc.Attributes != 0x02 {
		t.Errorf("Attributes = 0x%02X, want 0x02", desc.Attributes)
	}
	if desc.MaxPacketSize != 512 {
		t.Errorf("MaxPacketSize = %d, want 512", desc.MaxPacketSize)
	}
}

func TestParseEndpointDescriptor_TooShort(t *testing.T) {
	data := make([]byte, EndpointDescriptorSize-1)
	var desc EndpointDescriptor
	if ParseEndpointDescriptor(data, &desc) {
		t.Error("ParseEndpointDescriptor should return false for short data")
	}
}

func TestEndpointDescriptor_Methods(t *testing.T) {
	tests := []struct {
		name   string
		desc   EndpointDescriptor
		number uint8
		in     bool
		xfer   uint8
	}{
		{"BulkIN", EndpointDescriptor{EndpointAddress: 0x81, Attributes: 0x02}, 1, true, EndpointTypeBulk},
		{"BulkOUT", EndpointDescriptor{EndpointAddress: 0x02, Attributes: 0x02}, 2, false, EndpointTypeBulk},
		{"InterruptIN", EndpointDescriptor{EndpointAddress: 0x83, Attributes: 0x03}, 3, true, EndpointTypeInterrupt},
		// Synchronization and usage bits do not change the transfer type.
		{"IsochronousAsyncIN", EndpointDescriptor{EndpointAddress: 0x8F, Attributes: 0x05}, 15, true, EndpointTypeIsochronous},
		{"ReservedBitsOUT", EndpointDescriptor{EndpointAddress: 0x74, Attributes: 0xF2}, 4, false, EndpointTypeBulk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.desc.Number(); got != tt.number {
				t.Errorf("Number() = %d, want %d", got, tt.number)
			}
			if got := tt.desc.IsIn(); got != tt.in {
				t.Errorf("IsIn() = %v, want %v", got, tt.in)
			}
			if got := tt.desc.TransferType(); got != tt.xfer {
				t.Errorf("TransferType() = %d, want %d", got, tt.xfer)
			}
		})
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkParseDeviceDescriptor(b *testing.B) {
	data := []byte{
		18, 0x01,
		0x00, 0x02,
		0x00, 0x00, 0x00,
		64,
		0x34, 0x12,
		0x78, 0x56,
		0x01, 0x00,
		1, 2, 3,
		1,
	}
	var desc DeviceDescriptor
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseDeviceDescriptor(data, &desc)
	}
}
