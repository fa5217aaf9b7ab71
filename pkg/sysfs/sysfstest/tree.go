// Package sysfstest builds fake sysfs trees for tests.
package sysfstest

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"sriov-provisioner/pkg/pciaddr"
)

// Tree is a fake sysfs rooted in a temporary directory.
type Tree struct {
	t    testing.TB
	Root string
}

// New creates an empty tree that is removed when the test ends.
func New(t testing.TB) *Tree {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"bus/pci/devices", "bus/pci/drivers", "class/net"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	return &Tree{t: t, Root: root}
}

func (tr *Tree) devicePath(addr pciaddr.Address) string {
	return filepath.Join(tr.Root, "bus", "pci", "devices", addr.String())
}

func (tr *Tree) write(path, content string) {
	tr.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		tr.t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
		tr.t.Fatalf("failed to write %s: %v", path, err)
	}
}

func (tr *Tree) symlink(target, link string) {
	tr.t.Helper()
	_ = os.Remove(link)
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		tr.t.Fatalf("failed to create %s: %v", filepath.Dir(link), err)
	}
	if err := os.Symlink(target, link); err != nil {
		tr.t.Fatalf("failed to link %s -> %s: %v", link, target, err)
	}
}

// AddDevice creates a PCI device directory with vendor and device ids.
func (tr *Tree) AddDevice(addr pciaddr.Address, vendorID, deviceID string) {
	tr.t.Helper()
	dir := tr.devicePath(addr)
	tr.write(filepath.Join(dir, "vendor"), vendorID)
	tr.write(filepath.Join(dir, "device"), deviceID)
}

// AddPF creates an SR-IOV capable device bound to driver with one network
// interface in the given operational state.
func (tr *Tree) AddPF(addr pciaddr.Address, driver, ifname, operstate string, totalVFs int) {
	tr.t.Helper()
	tr.AddDevice(addr, "0x8086", "0x1528")
	dir := tr.devicePath(addr)
	tr.write(filepath.Join(dir, "sriov_totalvfs"), strconv.Itoa(totalVFs))
	tr.write(filepath.Join(dir, "sriov_numvfs"), "0")
	tr.BindDriver(addr, driver)
	if ifname != "" {
		tr.AddNetInterface(addr, ifname, operstate)
	}
}

// AddVF creates a VF device linked to its PF as virtfn<index>.
func (tr *Tree) AddVF(pf pciaddr.Address, index int, vf pciaddr.Address, driver, ifname string) {
	tr.t.Helper()
	tr.AddDevice(vf, "0x8086", "0x1515")
	tr.symlink("../"+vf.String(), filepath.Join(tr.devicePath(pf), "virtfn"+strconv.Itoa(index)))
	tr.symlink("../"+pf.String(), filepath.Join(tr.devicePath(vf), "physfn"))
	if driver != "" {
		tr.BindDriver(vf, driver)
	}
	if ifname != "" {
		tr.AddNetInterface(vf, ifname, "down")
	}
}

// RemoveVF deletes a VF device and its virtfn link.
func (tr *Tree) RemoveVF(pf pciaddr.Address, index int, vf pciaddr.Address) {
	tr.t.Helper()
	_ = os.Remove(filepath.Join(tr.devicePath(pf), "virtfn"+strconv.Itoa(index)))
	names, _ := os.ReadDir(filepath.Join(tr.devicePath(vf), "net"))
	for _, n := range names {
		_ = os.RemoveAll(filepath.Join(tr.Root, "class", "net", n.Name()))
	}
	_ = os.RemoveAll(tr.devicePath(vf))
}

// BindDriver points the device's driver link at driver and registers the
// device under the driver directory.
func (tr *Tree) BindDriver(addr pciaddr.Address, driver string) {
	tr.t.Helper()
	driverDir := filepath.Join(tr.Root, "bus", "pci", "drivers", driver)
	if err := os.MkdirAll(driverDir, 0755); err != nil {
		tr.t.Fatalf("failed to create %s: %v", driverDir, err)
	}
	tr.symlink("../../drivers/"+driver, filepath.Join(tr.devicePath(addr), "driver"))
	tr.symlink("../../devices/"+addr.String(), filepath.Join(driverDir, addr.String()))
}

// AddNetInterface binds a network interface to a PCI device.
func (tr *Tree) AddNetInterface(addr pciaddr.Address, ifname, operstate string) {
	tr.t.Helper()
	if err := os.MkdirAll(filepath.Join(tr.devicePath(addr), "net", ifname), 0755); err != nil {
		tr.t.Fatalf("failed to create net dir: %v", err)
	}
	tr.SetOperState(ifname, operstate)
}

// SetOperState writes class/net/<ifname>/operstate.
func (tr *Tree) SetOperState(ifname, operstate string) {
	tr.t.Helper()
	tr.write(filepath.Join(tr.Root, "class", "net", ifname, "operstate"), operstate)
}

// ReadFile returns the trimmed content of a file relative to the root.
func (tr *Tree) ReadFile(rel string) string {
	tr.t.Helper()
	data, err := os.ReadFile(filepath.Join(tr.Root, rel))
	if err != nil {
		tr.t.Fatalf("failed to read %s: %v", rel, err)
	}
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
