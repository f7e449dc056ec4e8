//go:build linux

package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/host/hal/mmio"
	"github.com/ardnew/softxhci/pkg"
)

// SysfsRoot is the default location of PCI functions in sysfs.
const SysfsRoot = "/sys/bus/pci/devices"

// Sysfs is a Bus backed by the Linux sysfs PCI interface. Configuration
// space is accessed through the config attribute and BARs through the
// resourceN files, which requires root.
type Sysfs struct {
	// Root overrides SysfsRoot.
	Root string

	// ReadOnly opens configuration space and BAR mappings without write
	// access.
	ReadOnly bool
}

// Iterate implements Bus. Functions are visited in address order.
func (s *Sysfs) Iterate(fn func(Device) bool) error {
	root := s.Root
	if root == "" {
		root = SysfsRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("pci: read %s: %w", root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		addr, err := ParseAddress(name)
		if err != nil {
			continue
		}
		d, err := s.open(filepath.Join(root, name), addr)
		if err != nil {
			pkg.LogDebug(pkg.ComponentPCI, "skipping function", "addr", name, "error", err)
			continue
		}
		if !fn(d) {
			break
		}
	}
	return nil
}

// Open returns the function at addr.
func (s *Sysfs) Open(addr Address) (*SysfsDevice, error) {
	root := s.Root
	if root == "" {
		root = SysfsRoot
	}
	return s.open(filepath.Join(root, addr.String()), addr)
}

func (s *Sysfs) open(path string, addr Address) (*SysfsDevice, error) {
	if _, err := os.Stat(filepath.Join(path, "config")); err != nil {
		return nil, fmt.Errorf("pci: %s config: %w", addr, err)
	}
	return &SysfsDevice{path: path, addr: addr, readOnly: s.ReadOnly}, nil
}

// SysfsDevice is a Device backed by sysfs. Configuration space is opened
// for each access; Close releases the mappings made by Map.
type SysfsDevice struct {
	path     string
	addr     Address
	readOnly bool

	mu       sync.Mutex
	mappings [][]byte
}

// Address implements Device.
func (d *SysfsDevice) Address() Address { return d.addr }

// ReadConfig32 implements ConfigSpace.
func (d *SysfsDevice) ReadConfig32(off int) uint32 {
	fd, err := unix.Open(filepath.Join(d.path, "config"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		pkg.LogDebug(pkg.ComponentPCI, "config open failed", "addr", d.addr, "error", err)
		return invalidValue
	}
	defer unix.Close(fd)

	var b [4]byte
	n, err := unix.Pread(fd, b[:], int64(off))
	if err != nil || n != len(b) {
		pkg.LogDebug(pkg.ComponentPCI, "config read failed", "addr", d.addr, "off", off, "error", err)
		return invalidValue
	}
	return binary.LittleEndian.Uint32(b[:])
}

// WriteConfig32 implements ConfigSpace.
func (d *SysfsDevice) WriteConfig32(off int, v uint32) {
	if d.readOnly {
		pkg.LogWarn(pkg.ComponentPCI, "config write on read-only device dropped", "addr", d.addr, "off", off)
		return
	}
	fd, err := unix.Open(filepath.Join(d.path, "config"), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentPCI, "config open failed", "addr", d.addr, "error", err)
		return
	}
	defer unix.Close(fd)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := unix.Pwrite(fd, b[:], int64(off)); err != nil {
		pkg.LogWarn(pkg.ComponentPCI, "config write failed", "addr", d.addr, "off", off, "error", err)
	}
}

// Map implements Device by mapping the resourceN file of bar.
func (d *SysfsDevice) Map(bar int) (mmio.Window, error) {
	if bar < 0 || bar >= maxBARs {
		return nil, fmt.Errorf("pci: map BAR%d: %w", bar, pkg.ErrInvalidParameter)
	}
	path := filepath.Join(d.path, fmt.Sprintf("resource%d", bar))
	flags, prot := unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if d.readOnly {
		flags, prot = unix.O_RDONLY, unix.PROT_READ
	}
	fd, err := unix.Open(path, flags|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("pci: stat %s: %w", path, err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("pci: %s is empty: %w", path, pkg.ErrInvalidState)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mmap %s: %w", path, err)
	}
	w, err := mmio.FromBytes(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	d.mu.Lock()
	d.mappings = append(d.mappings, mem)
	d.mu.Unlock()
	pkg.LogDebug(pkg.ComponentPCI, "mapped BAR", "addr", d.addr, "bar", bar, "size", st.Size)
	return w, nil
}

// Close unmaps every BAR mapped through d. Windows returned by Map must not
// be used afterwards.
func (d *SysfsDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, m := range d.mappings {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.mappings = nil
	return firstErr
}
