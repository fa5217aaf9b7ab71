package ifacexml

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/pkg/pciaddr"
)

// Network forward modes used for VF pools.
const (
	ForwardHostdev     = "hostdev"
	ForwardPassthrough = "passthrough"
)

// Pool is a libvirt network that hands out VFs.
type Pool struct {
	Name    string
	Mode    string
	Managed bool
	// VFs lists the pool members for a hostdev pool built from addresses.
	VFs []pciaddr.Address
	// PFDev is the PF netdev for a hostdev pool built from a PF.
	PFDev string
	// Devs lists the VF netdevs of a macvtap passthrough pool.
	Devs []string
}

type poolOptions struct {
	unmanaged bool
	pf        *pciaddr.Address
}

// PoolOption customises a pool.
type PoolOption func(*poolOptions)

// UnmanagedPool leaves VF driver binding to the caller.
func UnmanagedPool() PoolOption {
	return func(o *poolOptions) { o.unmanaged = true }
}

// ExcludingPF rejects pf if it appears in the VF list.
func ExcludingPF(pf pciaddr.Address) PoolOption {
	return func(o *poolOptions) { o.pf = &pf }
}

func applyPool(opts []PoolOption) poolOptions {
	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validName(name string) error {
	if name == "" {
		return &ValidationError{Field: "network name", Reason: "name is required"}
	}
	return nil
}

// HostdevPool builds a hostdev network whose members are the given VFs,
// using the vfio driver.
func HostdevPool(name string, vfs []pciaddr.Address, opts ...PoolOption) (*Pool, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	o := applyPool(opts)
	if len(vfs) == 0 {
		return nil, &ValidationError{Field: "vf list", Value: name, Reason: "at least one VF is required"}
	}
	seen := make(map[pciaddr.Address]bool, len(vfs))
	for _, vf := range vfs {
		if o.pf != nil && vf == *o.pf {
			return nil, &ValidationError{Field: "vf", Value: vf.String(), Reason: "is not an SR-IOV Virtual Function"}
		}
		if seen[vf] {
			return nil, &ValidationError{Field: "vf", Value: vf.String(), Reason: fmt.Sprintf("can only be listed once in network %s", name)}
		}
		seen[vf] = true
	}
	return &Pool{
		Name:    name,
		Mode:    ForwardHostdev,
		Managed: !o.unmanaged,
		VFs:     append([]pciaddr.Address(nil), vfs...),
	}, nil
}

// HostdevPoolFromPF builds a hostdev network that hands out the VFs of the
// PF netdev pfDev.
func HostdevPoolFromPF(name, pfDev string, opts ...PoolOption) (*Pool, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if pfDev == "" {
		return nil, &ValidationError{Field: "pf dev", Value: name, Reason: "PF device is required"}
	}
	o := applyPool(opts)
	return &Pool{Name: name, Mode: ForwardHostdev, Managed: !o.unmanaged, PFDev: pfDev}, nil
}

// MacvtapPassthrough builds a network handing out the VF netdevs devs as
// macvtap passthrough interfaces.
func MacvtapPassthrough(name string, devs []string) (*Pool, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, &ValidationError{Field: "dev list", Value: name, Reason: "at least one device is required"}
	}
	seen := make(map[string]bool, len(devs))
	for _, dev := range devs {
		if dev == "" {
			return nil, &ValidationError{Field: "dev", Value: name, Reason: "empty device name"}
		}
		if seen[dev] {
			return nil, &ValidationError{Field: "dev", Value: dev, Reason: fmt.Sprintf("can only be listed once in network %s", name)}
		}
		seen[dev] = true
	}
	return &Pool{Name: name, Mode: ForwardPassthrough, Devs: append([]string(nil), devs...)}, nil
}

// Network converts the pool to its libvirt representation.
func (p *Pool) Network() *libvirtxml.Network {
	fwd := &libvirtxml.NetworkForward{Mode: p.Mode}
	switch {
	case p.Mode == ForwardPassthrough:
		fwd.Dev = p.Devs[0]
		for _, dev := range p.Devs {
			fwd.Interfaces = append(fwd.Interfaces, libvirtxml.NetworkForwardInterface{Dev: dev})
		}
	case p.PFDev != "":
		fwd.Managed = yesNo(p.Managed)
		fwd.PFs = []libvirtxml.NetworkForwardPF{{Dev: p.PFDev}}
	default:
		fwd.Managed = yesNo(p.Managed)
		fwd.Driver = &libvirtxml.NetworkForwardDriver{Name: "vfio"}
		for _, vf := range p.VFs {
			fwd.Addresses = append(fwd.Addresses, vf.ForwardAddress())
		}
	}
	return &libvirtxml.Network{Name: p.Name, Forward: fwd}
}

// Render returns the network XML.
func (p *Pool) Render() (string, error) {
	doc, err := p.Network().Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal network %s: %w", p.Name, err)
	}
	return doc, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
