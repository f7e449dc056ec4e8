package xhcitest

import (
	"time"

	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/pkg/poll"
)

// Register file layout of the simulated controller.
const (
	OperBase     = 0x20
	RuntimeBase  = 0x2000
	DoorbellBase = 0x3000
	ExtCapBase   = 0x3800
	WindowSize   = 0x4000

	// ArenaBase is the first bus address handed out by the simulator's
	// DMA arena.
	ArenaBase = 0x1000_0000
)

const intr0 = RuntimeBase + xhci.RtIntrBase

// Config describes the simulated hardware.
type Config struct {
	MaxSlots    int // default 32
	Ports       int // default 4
	Scratchpads int
	Context64   bool // HCCPARAMS1.CSZ
	PortPower   bool // HCCPARAMS1.PPC; ports start unpowered

	// USB3Ports is the number of ports, counted from port 1, that speak
	// USB 3. The rest speak USB 2.
	USB3Ports int

	// Companion selects the companion port register layout.
	Companion bool

	// Legacy adds a USB Legacy Support capability. BIOSOwned starts it
	// owned by firmware; BIOSReleases lets firmware give it up when asked.
	Legacy       bool
	BIOSOwned    bool
	BIOSReleases bool
	// LegCtlSts is the initial USBLEGCTLSTS value.
	LegCtlSts uint32

	// Running starts the controller with Run/Stop set.
	Running bool

	// ResetReads is the number of USBCMD reads after which HCRST clears;
	// ResetStuck keeps it set forever.
	ResetReads int
	ResetStuck bool

	// HaltReads is the number of USBSTS reads after which HCH sets once
	// Run/Stop is cleared; HaltStuck never sets it.
	HaltReads int
	HaltStuck bool

	// HoldTransfers leaves doorbelled transfer rings unprocessed until
	// ProcessTransfers is called.
	HoldTransfers bool

	// ArenaSize is the size of the DMA arena, default 4 MiB.
	ArenaSize int
}

// Sim is a register-level model of an xHCI controller. It implements
// mmio.DwordIO; the driver reaches its DMA structures through the arena
// returned by Arena.
type Sim struct {
	cfg   Config
	arena *dma.Arena

	usbcmd uint32
	usbsts uint32
	config uint32
	dnctrl uint32
	crcrLo uint32
	crcrHi uint32
	dcbaap uint64

	resetLeft int
	resetting bool
	haltLeft  int
	halting   bool

	iman, imod, erstsz uint32
	erstba, erdp       uint64

	legacyOff uintptr
	legsup    uint32
	legctl    uint32
	extcaps   map[uintptr]uint32

	ports []*port

	cmdDeq   uint64
	cmdCycle uint32

	evSeg   uint64
	evSize  int
	evEnq   int
	evCycle uint32

	slots map[uint8]*slot

	// FailCommand forces a completion code for a command type.
	FailCommand map[xhci.TRBType]xhci.CompletionCode
	// DropCommands consumes commands without posting completions.
	DropCommands bool
	// HoldCommands leaves the command ring unprocessed until
	// ProcessCommands is called.
	HoldCommands bool

	writes        int
	eventsDropped int
	doorbells     int
}

// New returns a simulator with cfg applied.
func New(cfg Config) *Sim {
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = 32
	}
	if cfg.Ports == 0 {
		cfg.Ports = 4
	}
	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = 4 << 20
	}
	if cfg.Companion {
		cfg.USB3Ports = 0
	}
	s := &Sim{
		cfg:         cfg,
		arena:       dma.NewArena(ArenaBase, cfg.ArenaSize),
		usbsts:      xhci.StsHCH,
		slots:       make(map[uint8]*slot),
		FailCommand: make(map[xhci.TRBType]xhci.CompletionCode),
	}
	if cfg.Running {
		s.usbcmd = xhci.CmdRun
		s.usbsts = 0
	}
	s.buildExtCaps()
	s.ports = make([]*port, cfg.Ports)
	for i := range s.ports {
		s.ports[i] = &port{num: i + 1, usb3: i < cfg.USB3Ports}
		if !cfg.PortPower {
			s.ports[i].powered = true
		}
	}
	return s
}

// Window returns the register window of the simulated controller.
func (s *Sim) Window() mmio.Window { return mmio.Widen(s) }

// Arena returns the DMA arena the driver must allocate from.
func (s *Sim) Arena() *dma.Arena { return s.arena }

// Writes returns the number of register writes performed so far.
func (s *Sim) Writes() int { return s.writes }

// EventsDropped returns the number of events lost to a full or unarmed
// event ring.
func (s *Sim) EventsDropped() int { return s.eventsDropped }

// Doorbells returns the number of doorbell writes.
func (s *Sim) Doorbells() int { return s.doorbells }

// Halted reports USBSTS.HCH.
func (s *Sim) Halted() bool { return s.usbsts&xhci.StsHCH != 0 }

// Config returns a driver configuration wired to the simulator: its arena,
// coherent memory and a fake clock advancing 10 µs per sample.
func (s *Sim) Config() xhci.Config {
	cfg := xhci.DefaultConfig()
	cfg.Name = "sim"
	cfg.Allocator = s.arena
	cfg.Syncer = dma.Coherent{}
	cfg.Clock = poll.NewFakeClock(10 * time.Microsecond)
	cfg.CompanionHandoff = s.cfg.Companion
	return cfg
}

func (s *Sim) buildExtCaps() {
	type capEntry struct {
		words []uint32
	}
	var caps []capEntry
	if s.cfg.Legacy {
		caps = append(caps, capEntry{[]uint32{xhci.ExtCapLegacy, 0}})
		s.legsup = 0
		if s.cfg.BIOSOwned {
			s.legsup = xhci.LegBIOSOwned
		}
		s.legctl = s.cfg.LegCtlSts
	}
	proto := func(major, minor uint32, first, count int) capEntry {
		return capEntry{[]uint32{
			xhci.ExtCapProtocol | minor<<16 | major<<24,
			0x20425355, // "USB "
			uint32(first) | uint32(count)<<8,
			0,
		}}
	}
	if n := s.cfg.USB3Ports; n > 0 {
		caps = append(caps, proto(3, 0, 1, n))
	}
	if n := s.cfg.Ports - s.cfg.USB3Ports; n > 0 {
		caps = append(caps, proto(2, 0, s.cfg.USB3Ports+1, n))
	}

	s.extcaps = make(map[uintptr]uint32)
	off := uintptr(ExtCapBase)
	for i, c := range caps {
		next := uint32(0)
		if i < len(caps)-1 {
			next = uint32(len(c.words))
		}
		if c.words[0]&0xFF == xhci.ExtCapLegacy {
			s.legacyOff = off
		}
		for j, w := range c.words {
			if j == 0 {
				w |= next << 8
			}
			s.extcaps[off+uintptr(j*4)] = w
		}
		off += uintptr(len(c.words) * 4)
	}
}

// =============================================================================
// Register Access
// =============================================================================

// Read32 implements mmio.DwordIO.
func (s *Sim) Read32(off uintptr) uint32 {
	switch {
	case off < OperBase:
		return s.readCap(off)
	case off >= OperBase+xhci.OpPortBase && off < OperBase+xhci.OpPortBase+xhci.PortStride*uintptr(len(s.ports)):
		rel := off - OperBase - xhci.OpPortBase
		if rel%xhci.PortStride != 0 {
			return 0
		}
		return s.ports[rel/xhci.PortStride].read(s)
	case off < RuntimeBase:
		return s.readOper(off - OperBase)
	case off < DoorbellBase:
		return s.readRuntime(off)
	case off < ExtCapBase:
		return 0
	case off < WindowSize:
		return s.readExtCap(off)
	}
	return 0xFFFFFFFF
}

// Write32 implements mmio.DwordIO.
func (s *Sim) Write32(off uintptr, v uint32) {
	s.writes++
	switch {
	case off < OperBase:
	case off >= OperBase+xhci.OpPortBase && off < OperBase+xhci.OpPortBase+xhci.PortStride*uintptr(len(s.ports)):
		rel := off - OperBase - xhci.OpPortBase
		if rel%xhci.PortStride == 0 {
			s.ports[rel/xhci.PortStride].write(s, v)
		}
	case off < RuntimeBase:
		s.writeOper(off-OperBase, v)
	case off < DoorbellBase:
		s.writeRuntime(off, v)
	case off < ExtCapBase:
		s.ringDoorbell(int(off-DoorbellBase)/4, v)
	case off < WindowSize:
		s.writeExtCap(off, v)
	}
}

func (s *Sim) readCap(off uintptr) uint32 {
	switch off {
	case xhci.CapLength:
		return OperBase | 0x0110<<16
	case xhci.CapHCSParams1:
		return uint32(s.cfg.MaxSlots) | 1<<8 | uint32(s.cfg.Ports)<<24
	case xhci.CapHCSParams2:
		sp := uint32(s.cfg.Scratchpads)
		return (sp>>5)<<21 | (sp&0x1F)<<27
	case xhci.CapHCCParams1:
		v := uint32(xhci.HCC1AC64) | uint32(ExtCapBase>>2)<<16
		if s.cfg.Context64 {
			v |= xhci.HCC1CSZ
		}
		if s.cfg.PortPower {
			v |= xhci.HCC1PPC
		}
		return v
	case xhci.CapDBOff:
		return DoorbellBase
	case xhci.CapRTSOff:
		return RuntimeBase
	}
	return 0
}

func (s *Sim) readOper(off uintptr) uint32 {
	switch off {
	case xhci.OpUSBCmd:
		if s.resetting {
			if s.resetLeft > 0 {
				s.resetLeft--
			}
			if s.resetLeft == 0 && !s.cfg.ResetStuck {
				s.completeReset()
			}
		}
		v := s.usbcmd
		if s.resetting {
			v |= xhci.CmdHCReset
		}
		return v
	case xhci.OpUSBSts:
		if s.halting {
			if s.haltLeft > 0 {
				s.haltLeft--
			}
			if s.haltLeft == 0 && !s.cfg.HaltStuck {
				s.halting = false
				s.usbsts |= xhci.StsHCH
			}
		}
		return s.usbsts
	case xhci.OpPageSize:
		return 1
	case xhci.OpConfig:
		return s.config
	case xhci.OpCRCR:
		return 0
	case xhci.OpCRCR + 4:
		return 0
	case xhci.OpDCBAAP:
		return uint32(s.dcbaap)
	case xhci.OpDCBAAP + 4:
		return uint32(s.dcbaap >> 32)
	}
	return 0
}

func (s *Sim) writeOper(off uintptr, v uint32) {
	switch off {
	case xhci.OpUSBCmd:
		s.writeCommand(v)
	case xhci.OpUSBSts:
		s.usbsts &^= v & (xhci.StsHSE | xhci.StsEINT | xhci.StsPCD)
	case xhci.OpConfig:
		s.config = v
	case xhci.OpDNCtrl:
		s.dnctrl = v
	case xhci.OpCRCR:
		s.crcrLo = v
		if s.Halted() {
			s.cmdDeq = uint64(s.crcrHi)<<32 | uint64(v&^0x3F)
			s.cmdCycle = v & xhci.CRCRRingCycle
		}
	case xhci.OpCRCR + 4:
		s.crcrHi = v
		if s.Halted() {
			s.cmdDeq = uint64(v)<<32 | uint64(s.crcrLo&^0x3F)
		}
	case xhci.OpDCBAAP:
		s.dcbaap = s.dcbaap&^0xFFFFFFFF | uint64(v&^0x3F)
	case xhci.OpDCBAAP + 4:
		s.dcbaap = s.dcbaap&0xFFFFFFFF | uint64(v)<<32
	}
}

func (s *Sim) writeCommand(v uint32) {
	if v&xhci.CmdHCReset != 0 {
		s.resetting = true
		s.resetLeft = s.cfg.ResetReads
		s.usbcmd = 0
		s.halting = false
		s.usbsts |= xhci.StsHCH
		if s.resetLeft == 0 && !s.cfg.ResetStuck {
			s.completeReset()
		}
		return
	}
	if s.resetting {
		return
	}
	was := s.usbcmd
	s.usbcmd = v
	switch {
	case v&xhci.CmdRun != 0 && was&xhci.CmdRun == 0:
		s.halting = false
		s.usbsts &^= xhci.StsHCH
	case v&xhci.CmdRun == 0 && was&xhci.CmdRun != 0:
		s.halting = true
		s.haltLeft = s.cfg.HaltReads
		if s.haltLeft == 0 && !s.cfg.HaltStuck {
			s.halting = false
			s.usbsts |= xhci.StsHCH
		}
	}
}

// completeReset returns every register to its power-on value. Attached
// devices stay attached.
func (s *Sim) completeReset() {
	s.resetting = false
	s.usbcmd = 0
	s.usbsts = xhci.StsHCH
	s.config = 0
	s.dnctrl = 0
	s.crcrLo, s.crcrHi = 0, 0
	s.dcbaap = 0
	s.iman, s.imod, s.erstsz = 0, 0, 0
	s.erstba, s.erdp = 0, 0
	s.cmdDeq, s.cmdCycle = 0, 0
	s.evSeg, s.evSize, s.evEnq, s.evCycle = 0, 0, 0, 0
	s.slots = make(map[uint8]*slot)
	for _, p := range s.ports {
		p.hcReset(s)
	}
}

func (s *Sim) readRuntime(off uintptr) uint32 {
	switch off {
	case intr0 + xhci.IntrIMAN:
		return s.iman
	case intr0 + xhci.IntrIMOD:
		return s.imod
	case intr0 + xhci.IntrERSTSZ:
		return s.erstsz
	case intr0 + xhci.IntrERSTBA:
		return uint32(s.erstba)
	case intr0 + xhci.IntrERSTBA + 4:
		return uint32(s.erstba >> 32)
	case intr0 + xhci.IntrERDP:
		return uint32(s.erdp)
	case intr0 + xhci.IntrERDP + 4:
		return uint32(s.erdp >> 32)
	}
	return 0
}

func (s *Sim) writeRuntime(off uintptr, v uint32) {
	switch off {
	case intr0 + xhci.IntrIMAN:
		s.iman = v &^ xhci.IMANPending
	case intr0 + xhci.IntrIMOD:
		s.imod = v
	case intr0 + xhci.IntrERSTSZ:
		s.erstsz = v & 0xFFFF
	case intr0 + xhci.IntrERSTBA:
		s.erstba = s.erstba&^0xFFFFFFFF | uint64(v&^0x3F)
	case intr0 + xhci.IntrERSTBA + 4:
		s.erstba = s.erstba&0xFFFFFFFF | uint64(v)<<32
		s.armEventRing()
	case intr0 + xhci.IntrERDP:
		s.erdp = s.erdp&^0xFFFFFFFF | uint64(v&^(xhci.ERDPBusy))
	case intr0 + xhci.IntrERDP + 4:
		s.erdp = s.erdp&0xFFFFFFFF | uint64(v)<<32
	}
}

func (s *Sim) readExtCap(off uintptr) uint32 {
	if s.legacyOff != 0 {
		switch off {
		case s.legacyOff:
			return s.extcaps[off] | s.legsup
		case s.legacyOff + 4:
			return s.legctl
		}
	}
	return s.extcaps[off]
}

func (s *Sim) writeExtCap(off uintptr, v uint32) {
	if s.legacyOff == 0 {
		return
	}
	switch off {
	case s.legacyOff:
		s.legsup = v & (xhci.LegBIOSOwned | xhci.LegOSOwned)
		if s.legsup&xhci.LegOSOwned != 0 && s.cfg.BIOSReleases {
			s.legsup &^= xhci.LegBIOSOwned
		}
	case s.legacyOff + 4:
		events := s.legctl & xhci.LegSMIEvents &^ v
		s.legctl = v&^xhci.LegSMIEvents | events
	}
}

// Legacy returns USBLEGSUP and USBLEGCTLSTS.
func (s *Sim) Legacy() (sup, ctlsts uint32) { return s.legsup, s.legctl }

// =============================================================================
// Doorbells
// =============================================================================

func (s *Sim) ringDoorbell(slotID int, v uint32) {
	s.doorbells++
	if s.Halted() {
		return
	}
	if slotID == 0 {
		if !s.HoldCommands {
			s.processCommands()
		}
		return
	}
	sl := s.slots[uint8(slotID)]
	if sl == nil {
		return
	}
	dci := uint8(v & 0xFF)
	ep := sl.eps[dci]
	if ep == nil {
		return
	}
	if ep.state == xhci.EPStopped {
		s.setEPState(sl, dci, xhci.EPRunning)
	}
	if !s.cfg.HoldTransfers {
		s.processEndpoint(sl, dci)
	}
}
