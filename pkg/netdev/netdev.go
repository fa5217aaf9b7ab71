// Package netdev queries network interfaces through netlink and the
// ethtool ioctl interface.
package netdev

import (
	"fmt"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"

	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/types"
)

// StateReader reports the operational state of a network interface.
type StateReader interface {
	OperState(ifname string) (types.OperState, error)
}

// NetlinkStateReader reads link state over netlink.
type NetlinkStateReader struct{}

// OperState implements StateReader.
func (NetlinkStateReader) OperState(ifname string) (types.OperState, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return types.OperStateUnknown, fmt.Errorf("failed to find link %s: %w", ifname, err)
	}
	return FromLinkOperState(link.Attrs().OperState), nil
}

// FromLinkOperState maps a netlink operational state.
func FromLinkOperState(state netlink.LinkOperState) types.OperState {
	switch state {
	case netlink.OperUp:
		return types.OperStateUp
	case netlink.OperDown:
		return types.OperStateDown
	default:
		return types.OperStateUnknown
	}
}

// DriverInfo is what ethtool reports about an interface's driver.
type DriverInfo struct {
	Driver  string
	Version string
	BusInfo string
}

// PCIAddress parses BusInfo as a PCI address.
func (d DriverInfo) PCIAddress() (pciaddr.Address, error) {
	return pciaddr.Parse(d.BusInfo)
}

type driverInfoFunc func(ifname string) (ethtool.DrvInfo, error)

// Ethtool wraps an ethtool handle.
type Ethtool struct {
	driverInfo driverInfoFunc
	close      func()
}

// NewEthtool opens an ethtool handle.
func NewEthtool() (*Ethtool, error) {
	handle, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	return &Ethtool{driverInfo: handle.DriverInfo, close: handle.Close}, nil
}

// Close releases the handle.
func (e *Ethtool) Close() {
	if e.close != nil {
		e.close()
	}
}

// DriverInfo returns the driver name and bus info of an interface.
func (e *Ethtool) DriverInfo(ifname string) (DriverInfo, error) {
	info, err := e.driverInfo(ifname)
	if err != nil {
		return DriverInfo{}, fmt.Errorf("failed to get driver info for %s: %w", ifname, err)
	}
	return DriverInfo{Driver: info.Driver, Version: info.Version, BusInfo: info.BusInfo}, nil
}

// VerifyBinding checks that ifname is backed by the PCI device addr.
func (e *Ethtool) VerifyBinding(ifname string, addr pciaddr.Address) error {
	info, err := e.DriverInfo(ifname)
	if err != nil {
		return err
	}
	bound, err := info.PCIAddress()
	if err != nil {
		return fmt.Errorf("interface %s reports bus info %q: %w", ifname, info.BusInfo, err)
	}
	if bound != addr {
		return fmt.Errorf("interface %s is bound to %s, expected %s", ifname, bound, addr)
	}
	return nil
}
