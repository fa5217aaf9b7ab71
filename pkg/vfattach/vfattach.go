// Package vfattach hot plugs VF backed interfaces into a domain and checks
// that libvirt and the host kernel agree on where the VF is bound.
package vfattach

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/pkg/ifacexml"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
)

const (
	// VFIODriver is the host driver a VF is bound to while assigned.
	VFIODriver = "vfio-pci"
	// OptionConfig attaches to the persistent definition only; the domain
	// is started afterwards.
	OptionConfig = "--config"

	defaultIPTimeout = 120 * time.Second
)

// Operation is a lifecycle action run while a VF is attached.
type Operation string

const (
	OpSuspendResume Operation = "suspend_resume"
	OpReboot        Operation = "reboot"
	// OpSave expects managedsave to be refused for a domain holding a VF.
	OpSave Operation = "save"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpSuspendResume, OpReboot, OpSave:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Virsh is the subset of virsh the attacher drives.
type Virsh interface {
	NodedevDetach(ctx context.Context, name string) error
	NodedevReattach(ctx context.Context, name string) error
	AttachDevice(ctx context.Context, domain, xml string, flags ...string) error
	DetachDevice(ctx context.Context, domain, xml string, flags ...string) error
	Start(ctx context.Context, domain string) error
	Define(ctx context.Context, xml string) error
	DumpXML(ctx context.Context, domain string, inactive bool) (string, error)
	Suspend(ctx context.Context, domain string) error
	Resume(ctx context.Context, domain string) error
	Reboot(ctx context.Context, domain string) error
	ManagedSave(ctx context.Context, domain string) error
}

// DriverReader reports the host driver bound to a PCI device.
type DriverReader interface {
	Driver(addr pciaddr.Address) (string, error)
}

// IPResolver waits for a guest address.
type IPResolver interface {
	IPByMAC(ctx context.Context, domain, mac string, timeout time.Duration) (netip.Addr, error)
}

// Attacher attaches interfaces to one domain.
type Attacher struct {
	Domain string
	Virsh  Virsh
	FS     DriverReader
	// Guest is optional. When set, the guest address is awaited after
	// attach and lifecycle operations and a missing address is logged.
	Guest     IPResolver
	IPTimeout time.Duration
	// PoolDevs lists the VF netdevs a macvtap network may hand out.
	PoolDevs []string
	// VFDriver is the host VF driver to expect after detaching a pool
	// interface, whose VF is unknown before attach.
	VFDriver string
	log      *logrus.Entry
}

// New returns an attacher for domain.
func New(domain string, v Virsh, fs DriverReader) *Attacher {
	return &Attacher{
		Domain:    domain,
		Virsh:     v,
		FS:        fs,
		IPTimeout: defaultIPTimeout,
		log:       logging.Component("vfattach").WithField("domain", domain),
	}
}

// WithLogger sets the logger.
func (a *Attacher) WithLogger(l *logrus.Entry) *Attacher {
	a.log = l
	return a
}

// Attachment records an attached interface and what detach must verify.
type Attachment struct {
	Interface *ifacexml.Interface
	Live      libvirtxml.DomainInterface
	// VF is set when the live interface is a hostdev.
	VF    pciaddr.Address
	HasVF bool
	// Dev is set when the live interface is a macvtap.
	Dev          string
	Managed      bool
	OriginDriver string
	IP           netip.Addr
}

func (a *Attacher) liveInterfaces(ctx context.Context) ([]libvirtxml.DomainInterface, error) {
	doc, err := a.Virsh.DumpXML(ctx, a.Domain, false)
	if err != nil {
		return nil, err
	}
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("failed to parse domain %s: %w", a.Domain, err)
	}
	if dom.Devices == nil {
		return nil, nil
	}
	return dom.Devices.Interfaces, nil
}

func macOf(iface libvirtxml.DomainInterface) string {
	if iface.MAC == nil {
		return ""
	}
	return strings.ToLower(iface.MAC.Address)
}

// Attach plugs iface into the domain with the virsh attach-device option
// (e.g. "--live" or "--config") and verifies the result.
func (a *Attacher) Attach(ctx context.Context, iface *ifacexml.Interface, option string) (*Attachment, error) {
	att := &Attachment{Interface: iface, Managed: true, OriginDriver: a.VFDriver}
	logger := a.log.WithFields(logrus.Fields{"kind": string(iface.Kind), "mac": iface.MAC})

	if iface.Kind == ifacexml.KindHostdev {
		addr := iface.Hostdev.Address
		att.Managed = iface.Hostdev.Managed
		driver, err := a.FS.Driver(addr)
		if err != nil {
			return nil, err
		}
		att.OriginDriver = driver
		if !att.Managed {
			if err := a.Virsh.NodedevDetach(ctx, addr.NodeName()); err != nil {
				return nil, fmt.Errorf("failed to detach %s from host: %w", addr, err)
			}
		}
	}

	doc, err := iface.Render()
	if err != nil {
		return nil, err
	}
	var flags []string
	if option != "" {
		flags = append(flags, option)
	}
	if err := a.Virsh.AttachDevice(ctx, a.Domain, doc, flags...); err != nil {
		return nil, fmt.Errorf("failed to attach %s interface: %w", iface.Kind, err)
	}
	if option == OptionConfig {
		if err := a.Virsh.Start(ctx, a.Domain); err != nil {
			return nil, fmt.Errorf("failed to start domain after attach: %w", err)
		}
	}

	ifaces, err := a.liveInterfaces(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for _, live := range ifaces {
		if macOf(live) == iface.MAC {
			att.Live = live
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("interface %s is missing from the live XML of %s", iface.MAC, a.Domain)
	}

	switch ifacexml.KindOf(att.Live) {
	case ifacexml.KindHostdev:
		if err := a.checkHostdev(att); err != nil {
			return nil, err
		}
	case ifacexml.KindDirect:
		if err := a.checkDirect(att); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("interface %s is attached as %q, not backed by a VF", iface.MAC, ifacexml.KindOf(att.Live))
	}

	att.IP = a.awaitIP(ctx, iface.MAC)
	logger.Info("interface attached")
	return att, nil
}

func (a *Attacher) checkHostdev(att *Attachment) error {
	live := att.Live
	if live.Driver == nil || live.Driver.Name != "vfio" {
		return fmt.Errorf("hostdev interface %s does not use the vfio driver", att.Interface.MAC)
	}
	addr, ok := ifacexml.HostdevAddress(live)
	if !ok {
		return fmt.Errorf("hostdev interface %s has no PCI address", att.Interface.MAC)
	}
	driver, err := a.FS.Driver(addr)
	if err != nil {
		return err
	}
	if driver != VFIODriver {
		return fmt.Errorf("VF %s is bound to %q on the host, expected %s", addr, driver, VFIODriver)
	}
	att.VF = addr
	att.HasVF = true
	return nil
}

func (a *Attacher) checkDirect(att *Attachment) error {
	dev := att.Live.Source.Direct.Dev
	switch att.Interface.Kind {
	case ifacexml.KindDirect:
		if dev != att.Interface.Direct.Dev {
			return fmt.Errorf("macvtap interface uses %q, expected %q", dev, att.Interface.Direct.Dev)
		}
	default:
		if len(a.PoolDevs) > 0 && !contains(a.PoolDevs, dev) {
			return fmt.Errorf("macvtap interface uses %q, which is not in the network", dev)
		}
	}
	att.Dev = dev
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (a *Attacher) awaitIP(ctx context.Context, mac string) netip.Addr {
	if a.Guest == nil {
		return netip.Addr{}
	}
	ip, err := a.Guest.IPByMAC(ctx, a.Domain, mac, a.IPTimeout)
	if err != nil {
		a.log.WithError(err).WithField("mac", mac).Warn("interface attached but guest has no address")
		return netip.Addr{}
	}
	return ip
}

// Detach unplugs an attachment and verifies the VF left the domain and went
// back to the expected host driver. Unmanaged VFs are reattached to the
// host.
func (a *Attacher) Detach(ctx context.Context, att *Attachment) error {
	doc, err := att.Interface.Render()
	if err != nil {
		return err
	}
	if err := a.Virsh.DetachDevice(ctx, a.Domain, doc); err != nil {
		return fmt.Errorf("failed to detach %s interface: %w", att.Interface.Kind, err)
	}

	ifaces, err := a.liveInterfaces(ctx)
	if err != nil {
		return err
	}
	for _, live := range ifaces {
		if macOf(live) == att.Interface.MAC {
			return fmt.Errorf("interface %s is still in the live XML of %s", att.Interface.MAC, a.Domain)
		}
		if addr, ok := ifacexml.HostdevAddress(live); ok && att.HasVF && addr == att.VF {
			return fmt.Errorf("VF %s is still assigned to %s", att.VF, a.Domain)
		}
		if att.Dev != "" && ifacexml.KindOf(live) == ifacexml.KindDirect && live.Source.Direct.Dev == att.Dev {
			return fmt.Errorf("macvtap on %s is still in the live XML of %s", att.Dev, a.Domain)
		}
	}

	if !att.HasVF {
		return nil
	}
	driver, err := a.FS.Driver(att.VF)
	if err != nil {
		return err
	}
	logger := a.log.WithFields(logrus.Fields{"vf": att.VF.String(), "driver": driver})
	if !att.Managed {
		if driver != VFIODriver {
			return fmt.Errorf("unmanaged VF %s is bound to %q after detach, expected %s", att.VF, driver, VFIODriver)
		}
		if err := a.Virsh.NodedevReattach(ctx, att.VF.NodeName()); err != nil {
			return fmt.Errorf("failed to reattach %s to host: %w", att.VF, err)
		}
		logger.Info("VF reattached to host")
		return nil
	}
	if att.OriginDriver != "" && driver != att.OriginDriver {
		return fmt.Errorf("VF %s is bound to %q after detach, expected %q", att.VF, driver, att.OriginDriver)
	}
	logger.Info("interface detached")
	return nil
}

// Operate runs a lifecycle operation on the domain while att is attached.
func (a *Attacher) Operate(ctx context.Context, op Operation, att *Attachment) error {
	switch op {
	case OpSuspendResume:
		if err := a.Virsh.Suspend(ctx, a.Domain); err != nil {
			return fmt.Errorf("suspend %s with VF: %w", a.Domain, err)
		}
		if err := a.Virsh.Resume(ctx, a.Domain); err != nil {
			return fmt.Errorf("resume %s with VF: %w", a.Domain, err)
		}
	case OpReboot:
		if err := a.Virsh.Reboot(ctx, a.Domain); err != nil {
			return fmt.Errorf("reboot %s with VF: %w", a.Domain, err)
		}
	case OpSave:
		if err := a.Virsh.ManagedSave(ctx, a.Domain); err == nil {
			return fmt.Errorf("managedsave of %s succeeded with a VF attached", a.Domain)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if att != nil {
		att.IP = a.awaitIP(ctx, att.Interface.MAC)
	}
	return nil
}
