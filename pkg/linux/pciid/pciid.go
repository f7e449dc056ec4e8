//go:build linux

package pciid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations of the PCI ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
}

// Database caches vendor, device and class names from the PCI ID database.
type Database struct {
	vendors map[uint16]string // vendor -> name
	devices map[uint32]string // vendor<<16 | device -> name
	classes map[uint32]string // see classKey
	loaded  bool
	found   bool
	mu      sync.RWMutex
	paths   []string
}

// New returns a database that searches DefaultPaths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths returns a database that searches paths in order.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors: make(map[uint16]string),
		devices: make(map[uint32]string),
		classes: make(map[uint32]string),
		paths:   paths,
	}
}

// Load parses the first database file found. Only the first call reads;
// later calls report the first call's result. It returns false if no file
// could be opened.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.found
	}
	db.loaded = true
	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		db.parse(f)
		f.Close()
		db.found = true
		break
	}
	return db.found
}

// classKey packs a class lookup. depth counts the levels present: 1 for a
// base class, 2 with subclass, 3 with programming interface.
func classKey(depth int, code uint32) uint32 {
	return uint32(depth)<<24 | code
}

// parse reads the pci.ids format. Vendor and class sections nest their
// entries one tab deeper per level:
//
//	8086  Intel Corporation
//		1e31  7 Series/C210 Series Chipset Family USB xHCI Host Controller
//	C 0c  Serial bus controller
//		03  USB controller
//			30  XHCI
func (db *Database) parse(r io.Reader) {
	var (
		vendor   uint16
		inVendor bool
		class    uint32 // base<<16 | sub<<8
		inClass  bool
		haveSub  bool
		reset    = func() { inVendor, inClass, haveSub = false, false, false }
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		tabs := len(line) - len(strings.TrimLeft(line, "\t"))
		body := line[tabs:]

		switch {
		case tabs == 0 && strings.HasPrefix(body, "C "):
			id, name, ok := split(body[2:], 2)
			if !ok {
				reset()
				continue
			}
			inVendor, inClass, haveSub = false, true, false
			class = id << 16
			db.classes[classKey(1, class)] = name

		case tabs == 0:
			id, name, ok := split(body, 4)
			if !ok {
				reset()
				continue
			}
			inVendor, inClass = true, false
			vendor = uint16(id)
			db.vendors[vendor] = name

		case tabs == 1 && inVendor:
			if id, name, ok := split(body, 4); ok {
				db.devices[uint32(vendor)<<16|id] = name
			}

		case tabs == 1 && inClass:
			id, name, ok := split(body, 2)
			if !ok {
				haveSub = false
				continue
			}
			class = class&0xFF0000 | id<<8
			haveSub = true
			db.classes[classKey(2, class)] = name

		case tabs == 2 && inClass && haveSub:
			if id, name, ok := split(body, 2); ok {
				db.classes[classKey(3, class|id)] = name
			}
		}
		// Subsystem lines (two tabs under a vendor) are not kept.
	}
}

// split parses a line body of n hex digits, whitespace, and a name.
func split(body string, n int) (uint32, string, bool) {
	if len(body) < n+2 || body[n] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(body[:n], 16, 32)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(body[n:], " ")
	if name == "" {
		return 0, "", false
	}
	return uint32(id), name, true
}

// Vendor returns the name of vendor, or "" if unknown.
func (db *Database) Vendor(vendor uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vendor]
}

// Device returns the name of device from vendor, or "" if unknown.
func (db *Database) Device(vendor, device uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devices[uint32(vendor)<<16|uint32(device)]
}

// Class returns the most specific name known for a 24-bit class code:
// the programming interface, else the subclass, else the base class.
func (db *Database) Class(code uint32) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	code &= 0xFFFFFF
	if name, ok := db.classes[classKey(3, code)]; ok {
		return name
	}
	if name, ok := db.classes[classKey(2, code&0xFFFF00)]; ok {
		return name
	}
	return db.classes[classKey(1, code&0xFF0000)]
}

// Counts returns the number of vendors and devices loaded.
func (db *Database) Counts() (vendors, devices int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.devices)
}
