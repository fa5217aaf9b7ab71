// Package ifacexml builds the libvirt interface and network definitions used
// to hand SR-IOV VFs to guests. Definitions are validated when they are
// built, so a value that exists always renders to well-formed XML.
package ifacexml

import (
	"fmt"
	"math/rand"
	"net"
	"regexp"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/pkg/pciaddr"
)

// Kind is the interface type.
type Kind string

const (
	KindHostdev Kind = "hostdev"
	KindNetwork Kind = "network"
	KindDirect  Kind = "direct"
)

// Direct (macvtap) modes accepted by libvirt.
const (
	ModePassthrough = "passthrough"
	ModeVEPA        = "vepa"
	ModeBridge      = "bridge"
	ModePrivate     = "private"
)

// DefaultModel is the NIC model for network interfaces.
const DefaultModel = "virtio"

var (
	aliasPattern = regexp.MustCompile(`^ua-[A-Za-z0-9_-]+$`)
	directModes  = map[string]bool{ModePassthrough: true, ModeVEPA: true, ModeBridge: true, ModePrivate: true}
)

// ValidationError reports an invalid definition.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Hostdev is a VF passed through with <interface type='hostdev'>.
type Hostdev struct {
	Address pciaddr.Address
	Managed bool
	Alias   string
}

// Network attaches to a libvirt network, usually a VF pool.
type Network struct {
	Name string
}

// Direct is a macvtap interface on top of a VF netdev.
type Direct struct {
	Dev  string
	Mode string
}

// Interface is one guest interface. Exactly one of Hostdev, Network and
// Direct is set, matching Kind.
type Interface struct {
	Kind    Kind
	MAC     string
	Model   string
	Hostdev *Hostdev
	Network *Network
	Direct  *Direct
}

type options struct {
	mac       string
	model     string
	alias     string
	mode      string
	unmanaged bool
}

// Option customises an interface.
type Option func(*options)

// WithMAC sets the MAC address instead of a generated one.
func WithMAC(mac string) Option {
	return func(o *options) { o.mac = mac }
}

// WithModel sets the NIC model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithAlias sets the user alias of a hostdev interface.
func WithAlias(alias string) Option {
	return func(o *options) { o.alias = alias }
}

// WithMode sets the macvtap mode of a direct interface.
func WithMode(mode string) Option {
	return func(o *options) { o.mode = mode }
}

// Unmanaged makes libvirt leave driver binding of a hostdev VF to the
// caller, who must detach it with nodedev-detach first.
func Unmanaged() Option {
	return func(o *options) { o.unmanaged = true }
}

func apply(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func resolveMAC(mac string) (string, error) {
	if mac == "" {
		return GenerateMAC(), nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return "", &ValidationError{Field: "mac", Value: mac, Reason: "not a 48-bit MAC address"}
	}
	if hw[0]&1 == 1 {
		return "", &ValidationError{Field: "mac", Value: mac, Reason: "multicast address"}
	}
	return hw.String(), nil
}

// GenerateMAC returns a random locally used MAC in the 54:52:00 range.
func GenerateMAC() string {
	return fmt.Sprintf("54:52:00:%02x:%02x:%02x", rand.Intn(256), rand.Intn(256), rand.Intn(256))
}

// NewAlias returns a unique user alias.
func NewAlias() string {
	return "ua-" + uuid.NewString()
}

// NewHostdev builds a hostdev interface for the VF at addr. It is managed
// and gets a generated MAC and alias unless options say otherwise.
func NewHostdev(addr pciaddr.Address, opts ...Option) (*Interface, error) {
	o := apply(opts)
	if o.mode != "" {
		return nil, &ValidationError{Field: "mode", Value: o.mode, Reason: "only direct interfaces have a mode"}
	}
	mac, err := resolveMAC(o.mac)
	if err != nil {
		return nil, err
	}
	alias := o.alias
	if alias == "" {
		alias = NewAlias()
	} else if !aliasPattern.MatchString(alias) {
		return nil, &ValidationError{Field: "alias", Value: alias, Reason: `must start with "ua-" and use only letters, digits, "-" and "_"`}
	}
	return &Interface{
		Kind:    KindHostdev,
		MAC:     mac,
		Model:   o.model,
		Hostdev: &Hostdev{Address: addr, Managed: !o.unmanaged, Alias: alias},
	}, nil
}

// NewNetwork builds an interface on the libvirt network name with the
// virtio model by default.
func NewNetwork(name string, opts ...Option) (*Interface, error) {
	o := apply(opts)
	if name == "" {
		return nil, &ValidationError{Field: "network", Reason: "name is required"}
	}
	if o.mode != "" || o.alias != "" || o.unmanaged {
		return nil, &ValidationError{Field: "network", Value: name, Reason: "mode, alias and managed do not apply to network interfaces"}
	}
	mac, err := resolveMAC(o.mac)
	if err != nil {
		return nil, err
	}
	model := o.model
	if model == "" {
		model = DefaultModel
	}
	return &Interface{Kind: KindNetwork, MAC: mac, Model: model, Network: &Network{Name: name}}, nil
}

// NewDirect builds a macvtap interface on dev, in passthrough mode by
// default.
func NewDirect(dev string, opts ...Option) (*Interface, error) {
	o := apply(opts)
	if dev == "" {
		return nil, &ValidationError{Field: "dev", Reason: "source device is required"}
	}
	if o.alias != "" || o.unmanaged {
		return nil, &ValidationError{Field: "dev", Value: dev, Reason: "alias and managed do not apply to direct interfaces"}
	}
	mode := o.mode
	if mode == "" {
		mode = ModePassthrough
	}
	if !directModes[mode] {
		return nil, &ValidationError{Field: "mode", Value: mode, Reason: "expected passthrough, vepa, bridge or private"}
	}
	mac, err := resolveMAC(o.mac)
	if err != nil {
		return nil, err
	}
	return &Interface{Kind: KindDirect, MAC: mac, Model: o.model, Direct: &Direct{Dev: dev, Mode: mode}}, nil
}

// Domain converts the interface to its libvirt representation.
func (i *Interface) Domain() *libvirtxml.DomainInterface {
	iface := &libvirtxml.DomainInterface{
		MAC:    &libvirtxml.DomainInterfaceMAC{Address: i.MAC},
		Source: &libvirtxml.DomainInterfaceSource{},
	}
	if i.Model != "" {
		iface.Model = &libvirtxml.DomainInterfaceModel{Type: i.Model}
	}
	switch i.Kind {
	case KindHostdev:
		iface.Managed = "no"
		if i.Hostdev.Managed {
			iface.Managed = "yes"
		}
		iface.Source.Hostdev = &libvirtxml.DomainInterfaceSourceHostdev{
			PCI: &libvirtxml.DomainHostdevSubsysPCISource{Address: i.Hostdev.Address.DomainAddress()},
		}
		iface.Alias = &libvirtxml.DomainAlias{Name: i.Hostdev.Alias}
	case KindNetwork:
		iface.Source.Network = &libvirtxml.DomainInterfaceSourceNetwork{Network: i.Network.Name}
	case KindDirect:
		iface.Source.Direct = &libvirtxml.DomainInterfaceSourceDirect{Dev: i.Direct.Dev, Mode: i.Direct.Mode}
	}
	return iface
}

// Render returns the interface XML.
func (i *Interface) Render() (string, error) {
	doc, err := i.Domain().Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s interface: %w", i.Kind, err)
	}
	return doc, nil
}

// KindOf reports the type of a libvirt interface.
func KindOf(iface libvirtxml.DomainInterface) Kind {
	if iface.Source == nil {
		return ""
	}
	switch {
	case iface.Source.Hostdev != nil:
		return KindHostdev
	case iface.Source.Network != nil:
		return KindNetwork
	case iface.Source.Direct != nil:
		return KindDirect
	}
	return ""
}

// HostdevAddress returns the PCI address of a hostdev interface.
func HostdevAddress(iface libvirtxml.DomainInterface) (pciaddr.Address, bool) {
	if KindOf(iface) != KindHostdev || iface.Source.Hostdev.PCI == nil {
		return pciaddr.Address{}, false
	}
	addr, err := pciaddr.FromDomainAddress(iface.Source.Hostdev.PCI.Address)
	if err != nil {
		return pciaddr.Address{}, false
	}
	return addr, true
}
