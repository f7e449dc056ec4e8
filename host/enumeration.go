package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// ErrEnumerationFailed indicates a device answered enumeration with
// malformed or truncated descriptors.
var ErrEnumerationFailed = errors.New("enumeration failed")

// enumerateDevice resets port, has the controller address the device, reads
// its descriptors, configures its endpoints and selects its first
// configuration. On failure the controller's device is released.
func (h *Host) enumerateDevice(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	h.bus.Lock()
	speed, err := h.ctrl.ResetPort(port)
	if err != nil {
		h.bus.Unlock()
		return nil, err
	}
	id, err := h.ctrl.OpenDevice(port, speed)
	h.bus.Unlock()
	if err != nil {
		return nil, err
	}

	dev := newDevice(h, port, id, speed)
	if err := h.configureDevice(ctx, dev); err != nil {
		if cerr := dev.Close(); cerr != nil {
			pkg.LogWarn(pkg.ComponentHost, "device close failed",
				"port", port,
				"error", cerr)
		}
		return nil, err
	}
	return dev, nil
}

func (h *Host) configureDevice(ctx context.Context, dev *Device) error {
	var buf [MaxDescriptorSize]byte

	// The first 8 bytes carry bMaxPacketSize0 and fit any default packet
	// size.
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if n < 8 {
		return fmt.Errorf("device descriptor: %d bytes: %w", n, ErrEnumerationFailed)
	}
	if mps := uint16(buf[7]); mps != dev.speed.DefaultMaxPacketSize0() {
		pkg.LogDebug(pkg.ComponentHost, "max packet size differs from default",
			"device", dev.id,
			"size", mps,
			"default", dev.speed.DefaultMaxPacketSize0())
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if !dev.parseDeviceDescriptor(buf[:n]) {
		return fmt.Errorf("device descriptor: %d bytes: %w", n, ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Read configuration descriptor (just header first to get total length)
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	if n < ConfigurationDescriptorSize {
		return fmt.Errorf("configuration descriptor: %d bytes: %w", n, ErrEnumerationFailed)
	}

	totalLength := int(buf[2]) | int(buf[3])<<8
	if totalLength > len(buf) {
		totalLength = len(buf)
	}
	if totalLength < ConfigurationDescriptorSize {
		return fmt.Errorf("configuration total length %d: %w", totalLength, ErrEnumerationFailed)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:totalLength])
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	if !dev.parseConfigurationTree(buf[:n]) {
		return fmt.Errorf("configuration descriptor: %w", ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", dev.config.NumInterfaces,
		"numEndpoints", len(dev.endpoints),
		"configValue", dev.config.ConfigurationValue)

	if err := h.readStringDescriptors(ctx, dev, buf[:]); err != nil {
		// Non-fatal, continue without strings
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "error", err)
	}

	if err := dev.configureEndpoints(); err != nil {
		return err
	}

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
			return fmt.Errorf("set configuration %d: %w", dev.config.ConfigurationValue, err)
		}
	}
	return nil
}

// readStringDescriptors reads and caches the manufacturer, product and
// serial number strings. It returns the first read error; strings read
// before it stay cached.
func (h *Host) readStringDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf)
		if err != nil {
			return fmt.Errorf("string %d: %w", index, err)
		}
		dev.strings[index] = decodeString(buf[:n])
		pkg.LogDebug(pkg.ComponentHost, "string descriptor",
			"index", index,
			"value", dev.strings[index])
	}
	return nil
}

// decodeString converts a string descriptor to ASCII, dropping characters
// outside the printable range.
func decodeString(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}
	result := make([]byte, 0, length/2)
	for i := 2; i+1 < length; i += 2 {
		if data[i+1] == 0 && data[i] >= 0x20 && data[i] < 0x7F {
			result = append(result, data[i])
		}
	}
	return string(result)
}
