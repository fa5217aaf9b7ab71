// Package nodedev interprets libvirt node devices: it recovers interface
// names from net node identifiers and cross-checks the PCI node device XML
// of an SR-IOV PF and its VFs against sysfs.
package nodedev

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/types"
)

const netPrefix = "net_"

var macOctet = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)

// InterfaceFromNetNode recovers the interface name from a net node
// identifier of the form net_<iface>_<six MAC octets>. Interface names may
// themselves contain underscores.
func InterfaceFromNetNode(node string) (string, error) {
	if !strings.HasPrefix(node, netPrefix) {
		return "", fmt.Errorf("net node %q: missing %q prefix", node, netPrefix)
	}
	parts := strings.Split(node, "_")
	if len(parts) < 8 {
		return "", fmt.Errorf("net node %q: expected interface name and 6 MAC octets", node)
	}
	for _, octet := range parts[len(parts)-6:] {
		if !macOctet.MatchString(octet) {
			return "", fmt.Errorf("net node %q: invalid MAC octet %q", node, octet)
		}
	}
	return strings.Join(parts[1:len(parts)-6], "_"), nil
}

// NetNodeName builds the net node identifier libvirt uses for an interface
// with the given MAC address.
func NetNodeName(ifname, mac string) string {
	return netPrefix + ifname + "_" + strings.ReplaceAll(strings.ToLower(mac), ":", "_")
}

// Dumper returns the XML description of a node device.
type Dumper interface {
	NodedevDumpXML(ctx context.Context, name string) (string, error)
}

// Lookup fetches and parses the node device of a PCI address.
func Lookup(ctx context.Context, d Dumper, addr pciaddr.Address) (*libvirtxml.NodeDevice, error) {
	doc, err := d.NodedevDumpXML(ctx, addr.NodeName())
	if err != nil {
		return nil, fmt.Errorf("failed to dump node device %s: %w", addr.NodeName(), err)
	}
	dev := &libvirtxml.NodeDevice{}
	if err := dev.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("failed to parse node device %s: %w", addr.NodeName(), err)
	}
	if dev.Capability.PCI == nil {
		return nil, fmt.Errorf("node device %s has no pci capability", addr.NodeName())
	}
	return dev, nil
}

func virtFunctions(dev *libvirtxml.NodeDevice) *libvirtxml.NodeDevicePCIVirtFunctionsCapability {
	for _, sub := range dev.Capability.PCI.Capabilities {
		if sub.VirtFunctions != nil {
			return sub.VirtFunctions
		}
	}
	return nil
}

func physFunction(dev *libvirtxml.NodeDevice) *libvirtxml.NodeDevicePCIPhysFunctionCapability {
	for _, sub := range dev.Capability.PCI.Capabilities {
		if sub.PhysFunction != nil {
			return sub.PhysFunction
		}
	}
	return nil
}

// Checker compares node device XML with sysfs.
type Checker struct {
	Dumper Dumper
	FS     *sysfs.FS
}

// checkIDs compares the vendor and product ids of the node device with the
// ones sysfs reports.
func (c *Checker) checkIDs(addr pciaddr.Address, dev *libvirtxml.NodeDevice) error {
	vendor, err := c.FS.VendorID(addr)
	if err != nil {
		return fmt.Errorf("failed to read vendor id of %s: %w", addr, err)
	}
	if got := dev.Capability.PCI.Vendor.ID; !strings.EqualFold(got, vendor) {
		return fmt.Errorf("%s: vendor id %q in node device does not match %q in sysfs", addr, got, vendor)
	}
	product, err := c.FS.DeviceID(addr)
	if err != nil {
		return fmt.Errorf("failed to read device id of %s: %w", addr, err)
	}
	if got := dev.Capability.PCI.Product.ID; !strings.EqualFold(got, product) {
		return fmt.Errorf("%s: product id %q in node device does not match %q in sysfs", addr, got, product)
	}
	return nil
}

// CheckPFInfo verifies the PF's vendor and product ids and that the advertised
// virt_functions maxCount equals pf.MaxVFs.
func (c *Checker) CheckPFInfo(ctx context.Context, pf types.PhysicalFunction) error {
	dev, err := Lookup(ctx, c.Dumper, pf.Address)
	if err != nil {
		return err
	}
	if err := c.checkIDs(pf.Address, dev); err != nil {
		return err
	}
	vfs := virtFunctions(dev)
	if vfs == nil {
		return fmt.Errorf("%s: node device has no virt_functions capability", pf.Address)
	}
	if vfs.MaxCount != pf.MaxVFs {
		return fmt.Errorf("%s: virt_functions maxCount is %d, expected %d", pf.Address, vfs.MaxCount, pf.MaxVFs)
	}
	return nil
}

// CheckVFOrder verifies that the PF lists pf.MaxVFs virtual functions in
// ascending address order, and returns them.
func (c *Checker) CheckVFOrder(ctx context.Context, pf types.PhysicalFunction) ([]pciaddr.Address, error) {
	dev, err := Lookup(ctx, c.Dumper, pf.Address)
	if err != nil {
		return nil, err
	}
	vfs := virtFunctions(dev)
	if vfs == nil {
		return nil, fmt.Errorf("%s: node device has no virt_functions capability", pf.Address)
	}
	addrs := make([]pciaddr.Address, 0, len(vfs.Address))
	for _, a := range vfs.Address {
		addr, err := pciaddr.FromNodeDeviceAddress(a)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) != pf.MaxVFs {
		return addrs, fmt.Errorf("%s: node device lists %d virtual functions, expected %d", pf.Address, len(addrs), pf.MaxVFs)
	}
	for i := 1; i < len(addrs); i++ {
		if !addrs[i-1].Less(addrs[i]) {
			return addrs, fmt.Errorf("%s: virtual functions out of order at %s, %s", pf.Address, addrs[i-1], addrs[i])
		}
	}
	return addrs, nil
}

// CheckVFInfo verifies a VF's vendor and product ids, and that both its
// phys_function capability and its sysfs physfn link point back at pf.
func (c *Checker) CheckVFInfo(ctx context.Context, pf pciaddr.Address, vf pciaddr.Address) error {
	dev, err := Lookup(ctx, c.Dumper, vf)
	if err != nil {
		return err
	}
	if err := c.checkIDs(vf, dev); err != nil {
		return err
	}
	phys := physFunction(dev)
	if phys == nil {
		return fmt.Errorf("%s: node device has no phys_function capability", vf)
	}
	got, err := pciaddr.FromNodeDeviceAddress(phys.Address)
	if err != nil {
		return err
	}
	if got != pf {
		return fmt.Errorf("%s: phys_function is %s, expected %s", vf, got, pf)
	}
	linked, err := c.FS.PhysicalFunction(vf)
	if err != nil {
		return err
	}
	if linked != pf {
		return fmt.Errorf("%s: physfn link points at %s, expected %s", vf, linked, pf)
	}
	return nil
}
