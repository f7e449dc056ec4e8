// Package xhcitest provides a register-level xHCI controller simulator for
// testing drivers without hardware.
//
// A [Sim] implements mmio.DwordIO over a fixed register file: capability
// registers at 0, operational registers at 0x20, runtime registers at
// 0x2000, doorbells at 0x3000 and the extended capability list at 0x3800.
// DMA structures live in a dma.Arena the driver allocates from, so the
// simulator can follow the bus addresses the driver programs:
//
//	sim := xhcitest.New(xhcitest.Config{Ports: 4})
//	sim.Attach(2, &xhcitest.Device{Speed: hal.SpeedHigh})
//	c, err := xhci.Attach(sim.Window(), sim.Config())
//
// Commands complete when doorbell 0 is rung. Transfers complete when their
// endpoint's doorbell is rung, or on ProcessTransfers when
// Config.HoldTransfers is set.
package xhcitest
