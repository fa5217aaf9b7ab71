package sysfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/pciaddr"
)

const zeroMAC = "00:00:00:00:00:00"

// ListDevices implements inventory.Lister without libvirt. Identifiers are
// built the same way libvirt names node devices: pci_dddd_bb_ss_f for PCI
// devices and net_<iface>_<mac> for interfaces.
func (fs *FS) ListDevices(ctx context.Context, capability inventory.Capability) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch capability {
	case inventory.CapabilityPCI:
		entries, err := os.ReadDir(filepath.Join(fs.Root, "bus", "pci", "devices"))
		if err != nil {
			return nil, fmt.Errorf("failed to read PCI devices: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			addr, err := pciaddr.Parse(entry.Name())
			if err != nil {
				continue
			}
			names = append(names, addr.NodeName())
		}
		return names, nil

	case inventory.CapabilityNet:
		entries, err := os.ReadDir(filepath.Join(fs.Root, "class", "net"))
		if err != nil {
			return nil, fmt.Errorf("failed to read network interfaces: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			mac, err := readTrimmed(filepath.Join(fs.netClassPath(entry.Name()), "address"))
			if err != nil || mac == "" {
				mac = zeroMAC
			}
			names = append(names, "net_"+entry.Name()+"_"+strings.ReplaceAll(strings.ToLower(mac), ":", "_"))
		}
		return names, nil
	}
	return nil, fmt.Errorf("unsupported capability %q", capability)
}
