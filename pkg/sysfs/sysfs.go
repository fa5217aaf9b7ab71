// Package sysfs reads and writes the PCI and network class entries of
// /sys that SR-IOV provisioning depends on. Every path is resolved under a
// configurable root so tests can run against a temporary tree.
package sysfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/types"
)

// DefaultRoot is the mount point of sysfs.
const DefaultRoot = "/sys"

// ErrNoNetInterface is returned when a PCI device has no network interface
// bound to it.
var ErrNoNetInterface = errors.New("no network interface bound to device")

// FS gives access to one sysfs tree.
type FS struct {
	Root string
}

// New returns an FS rooted at root, or at DefaultRoot when root is empty.
func New(root string) *FS {
	if root == "" {
		root = DefaultRoot
	}
	return &FS{Root: root}
}

// DevicePath returns the directory of a PCI device.
func (fs *FS) DevicePath(addr pciaddr.Address) string {
	return filepath.Join(fs.Root, "bus", "pci", "devices", addr.String())
}

func (fs *FS) driverDir(driver string) string {
	return filepath.Join(fs.Root, "bus", "pci", "drivers", driver)
}

func (fs *FS) netClassPath(ifname string) string {
	return filepath.Join(fs.Root, "class", "net", ifname)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer in %s: %q", path, s)
	}
	return n, nil
}

// SRIOVCapable reports whether the device exposes sriov_totalvfs.
func (fs *FS) SRIOVCapable(addr pciaddr.Address) bool {
	_, err := os.Stat(filepath.Join(fs.DevicePath(addr), "sriov_totalvfs"))
	return err == nil
}

// TotalVFs reads sriov_totalvfs.
func (fs *FS) TotalVFs(addr pciaddr.Address) (int, error) {
	return readInt(filepath.Join(fs.DevicePath(addr), "sriov_totalvfs"))
}

// NumVFs reads sriov_numvfs.
func (fs *FS) NumVFs(addr pciaddr.Address) (int, error) {
	return readInt(filepath.Join(fs.DevicePath(addr), "sriov_numvfs"))
}

// SetVFCount writes sriov_numvfs. The kernel rejects changing a non-zero
// count to another non-zero count, so callers reset to zero first.
func (fs *FS) SetVFCount(ctx context.Context, pf pciaddr.Address, count int) error {
	if count < 0 {
		return fmt.Errorf("invalid VF count %d", count)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(fs.DevicePath(pf), "sriov_numvfs")
	if err := unix.Access(path, unix.W_OK); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(count)), 0644); err != nil {
		return fmt.Errorf("failed to set %d VFs on %s: %w", count, pf, err)
	}
	return nil
}

// VirtualFunctions resolves the virtfnN links of a PF. The result is
// indexed by VF number.
func (fs *FS) VirtualFunctions(pf pciaddr.Address) ([]pciaddr.Address, error) {
	matches, err := filepath.Glob(filepath.Join(fs.DevicePath(pf), "virtfn*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob virtfn links: %w", err)
	}

	type indexed struct {
		index int
		addr  pciaddr.Address
	}
	vfs := make([]indexed, 0, len(matches))
	for _, match := range matches {
		index, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(match), "virtfn"))
		if err != nil {
			continue
		}
		target, err := os.Readlink(match)
		if err != nil {
			return nil, fmt.Errorf("failed to read virtfn link %s: %w", match, err)
		}
		addr, err := pciaddr.Parse(filepath.Base(target))
		if err != nil {
			return nil, err
		}
		vfs = append(vfs, indexed{index: index, addr: addr})
	}
	sort.Slice(vfs, func(i, j int) bool { return vfs[i].index < vfs[j].index })

	result := make([]pciaddr.Address, len(vfs))
	for i, vf := range vfs {
		if vf.index != i {
			return nil, fmt.Errorf("virtfn links of %s are not contiguous: missing virtfn%d", pf, i)
		}
		result[i] = vf.addr
	}
	return result, nil
}

// PhysicalFunction resolves the physfn link of a VF.
func (fs *FS) PhysicalFunction(vf pciaddr.Address) (pciaddr.Address, error) {
	target, err := os.Readlink(filepath.Join(fs.DevicePath(vf), "physfn"))
	if err != nil {
		return pciaddr.Address{}, fmt.Errorf("failed to read physfn link of %s: %w", vf, err)
	}
	return pciaddr.Parse(filepath.Base(target))
}

// NetInterfaces lists the network interfaces bound to a PCI device.
func (fs *FS) NetInterfaces(addr pciaddr.Address) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.DevicePath(addr), "net"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// NetworkBinding returns the first network interface bound to a PCI device.
func (fs *FS) NetworkBinding(addr pciaddr.Address) (string, error) {
	names, err := fs.NetInterfaces(addr)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read net directory of %s: %w", addr, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%s: %w", addr, ErrNoNetInterface)
	}
	return names[0], nil
}

// Driver returns the name of the kernel driver bound to a PCI device, or an
// empty string when no driver is bound.
func (fs *FS) Driver(addr pciaddr.Address) (string, error) {
	link, err := os.Readlink(filepath.Join(fs.DevicePath(addr), "driver"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read driver link of %s: %w", addr, err)
	}
	return filepath.Base(link), nil
}

// VendorID reads the vendor file, e.g. "0x8086".
func (fs *FS) VendorID(addr pciaddr.Address) (string, error) {
	return readTrimmed(filepath.Join(fs.DevicePath(addr), "vendor"))
}

// DeviceID reads the device file, e.g. "0x1528".
func (fs *FS) DeviceID(addr pciaddr.Address) (string, error) {
	return readTrimmed(filepath.Join(fs.DevicePath(addr), "device"))
}

// OperState reads the operational state of a network interface.
func (fs *FS) OperState(ifname string) (types.OperState, error) {
	s, err := readTrimmed(filepath.Join(fs.netClassPath(ifname), "operstate"))
	if err != nil {
		return types.OperStateUnknown, err
	}
	return types.ParseOperState(s), nil
}

// DriverDevices lists the PCI devices bound to a driver, sorted.
func (fs *FS) DriverDevices(driver string) ([]pciaddr.Address, error) {
	entries, err := os.ReadDir(fs.driverDir(driver))
	if err != nil {
		return nil, fmt.Errorf("failed to read driver %s: %w", driver, err)
	}
	var addrs []pciaddr.Address
	for _, entry := range entries {
		addr, err := pciaddr.Parse(entry.Name())
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs, nil
}

// SRIOVDevices lists every PCI device exposing SR-IOV, sorted.
func (fs *FS) SRIOVDevices() ([]pciaddr.Address, error) {
	entries, err := os.ReadDir(filepath.Join(fs.Root, "bus", "pci", "devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to read PCI devices: %w", err)
	}
	var addrs []pciaddr.Address
	for _, entry := range entries {
		addr, err := pciaddr.Parse(entry.Name())
		if err != nil {
			continue
		}
		if fs.SRIOVCapable(addr) {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs, nil
}
