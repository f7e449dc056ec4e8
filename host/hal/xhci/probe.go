package xhci

import (
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal/pci"
	"github.com/ardnew/softxhci/pkg"
)

// Probe attaches every xHCI controller on bus and adds it to reg. cfg is
// the template for each controller; Name and ConfigSpace are filled per
// device. A controller that fails is logged and skipped without affecting
// the others. Probe returns the number of controllers attached and the
// joined errors of those that failed.
func Probe(bus pci.Bus, reg *Registry, cfg Config) (int, error) {
	var (
		n    int
		errs []error
	)
	err := bus.Iterate(func(dev pci.Device) bool {
		if pci.ReadClass(dev) != pci.ClassXHCI {
			return true
		}
		c, err := attachDevice(dev, cfg)
		if err != nil {
			pkg.LogWarn(pkg.ComponentPCI, "controller skipped", "device", dev.Address(), "error", err)
			errs = append(errs, err)
			return true
		}
		reg.Add(c)
		n++
		return true
	})
	if err != nil {
		errs = append(errs, err)
	}
	return n, errors.Join(errs...)
}

func attachDevice(dev pci.Device, cfg Config) (*Controller, error) {
	addr := dev.Address()
	bar, err := pci.ReadBAR(dev, 0)
	if err != nil {
		return nil, fmt.Errorf("xhci: %v: %w", addr, err)
	}
	pci.EnableBusMaster(dev)
	w, err := dev.Map(0)
	if err != nil {
		return nil, fmt.Errorf("xhci: %v: map BAR0: %w", addr, err)
	}
	pkg.LogInfo(pkg.ComponentPCI, "xhci controller found", "device", addr, "bar0", hex64(bar.Base))

	cfg.Name = addr.String()
	cfg.ConfigSpace = dev
	return Attach(w, cfg)
}
