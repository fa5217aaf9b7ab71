package types

import (
	"sriov-provisioner/pkg/pciaddr"
)

// OperState is the operational state of a network interface as reported
// by the kernel.
type OperState string

const (
	OperStateUp      OperState = "up"
	OperStateDown    OperState = "down"
	OperStateUnknown OperState = "unknown"
)

// ParseOperState maps the kernel's operstate strings onto OperState. Every
// value other than "up" and "down" (dormant, lowerlayerdown, notpresent,
// testing) is reported as unknown.
func ParseOperState(s string) OperState {
	switch OperState(s) {
	case OperStateUp:
		return OperStateUp
	case OperStateDown:
		return OperStateDown
	default:
		return OperStateUnknown
	}
}

// PhysicalFunction represents an SR-IOV capable PCI device
type PhysicalFunction struct {
	Address       pciaddr.Address `json:"pci_address"`
	InterfaceName string          `json:"interface_name"`
	Driver        string          `json:"driver"`
	State         OperState       `json:"state"`
	TotalVFs      int             `json:"total_vfs"`
	NumVFs        int             `json:"num_vfs"`
	// MaxVFs is TotalVFs - 1. The reason for holding one VF back was never
	// recorded; it is kept as observed policy.
	MaxVFs int `json:"max_vfs"`
}

// VirtualFunction represents a VF spawned from a PhysicalFunction
type VirtualFunction struct {
	PhysicalFunction pciaddr.Address `json:"pf_pci_address"`
	Address          pciaddr.Address `json:"pci_address"`
	Index            int             `json:"vf_index"`
	InterfaceName    string          `json:"interface_name"`
}

// MaxVFsFromTotal applies the Total-1 policy, never going below zero.
// Why one VF is held back is not documented; the value is kept as observed.
func MaxVFsFromTotal(total int) int {
	if total <= 0 {
		return 0
	}
	return total - 1
}
