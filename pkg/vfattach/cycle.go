package vfattach

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/pkg/ifacexml"
	"sriov-provisioner/pkg/pciaddr"
)

// InactiveNetworkError is what libvirt reports when an interface refers to
// a network that is defined but not started.
const InactiveNetworkError = "is not active"

// Cycle attaches iface, runs ops and detaches it, loops times. The
// interface is detached even when an operation fails, and both errors are
// returned. report, when set, sees every attachment.
func (a *Attacher) Cycle(ctx context.Context, iface *ifacexml.Interface, option string, ops []Operation, loops int, report func(*Attachment)) error {
	if loops < 1 {
		return fmt.Errorf("loop count must be positive, got %d", loops)
	}
	for i := 1; i <= loops; i++ {
		att, err := a.Attach(ctx, iface, option)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		if report != nil {
			report(att)
		}

		var result *multierror.Error
		for _, op := range ops {
			if err := a.Operate(ctx, op, att); err != nil {
				result = multierror.Append(result, fmt.Errorf("cycle %d: operation %s: %w", i, op, err))
				break
			}
		}
		if err := a.Detach(ctx, att); err != nil {
			result = multierror.Append(result, fmt.Errorf("cycle %d: %w", i, err))
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
		a.log.WithField("cycle", i).Debug("attach cycle complete")
	}
	return nil
}

// AttachAll hot plugs a hostdev interface for every VF, then detaches them
// in the same order. When an attach fails the VFs attached so far are still
// detached.
func (a *Attacher) AttachAll(ctx context.Context, vfs []pciaddr.Address, opts ...ifacexml.Option) ([]*Attachment, error) {
	var result *multierror.Error
	attached := make([]*Attachment, 0, len(vfs))
	for _, vf := range vfs {
		iface, err := ifacexml.NewHostdev(vf, opts...)
		if err != nil {
			result = multierror.Append(result, err)
			break
		}
		att, err := a.Attach(ctx, iface, "")
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("attach %s: %w", vf, err))
			break
		}
		attached = append(attached, att)
	}
	for _, att := range attached {
		if err := a.Detach(ctx, att); err != nil {
			result = multierror.Append(result, fmt.Errorf("detach %s: %w", att.VF, err))
		}
	}
	return attached, result.ErrorOrNil()
}

// EnsurePCIBridge adds a pci-bridge controller to the persistent domain
// definition unless it already has one, so that more devices fit than the
// root bus has slots. It reports whether the definition changed; the bridge
// exists only after the domain is next started.
func (a *Attacher) EnsurePCIBridge(ctx context.Context) (bool, error) {
	doc, err := a.Virsh.DumpXML(ctx, a.Domain, true)
	if err != nil {
		return false, err
	}
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return false, fmt.Errorf("failed to parse domain %s: %w", a.Domain, err)
	}
	if dom.Devices == nil {
		dom.Devices = &libvirtxml.DomainDeviceList{}
	}

	index := uint(1)
	for _, c := range dom.Devices.Controllers {
		if c.Type != "pci" {
			continue
		}
		if c.Model == "pci-bridge" {
			return false, nil
		}
		if c.Index != nil && *c.Index >= index {
			index = *c.Index + 1
		}
	}
	dom.Devices.Controllers = append(dom.Devices.Controllers, libvirtxml.DomainController{
		Type:  "pci",
		Index: &index,
		Model: "pci-bridge",
	})

	out, err := dom.Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to render domain %s: %w", a.Domain, err)
	}
	if err := a.Virsh.Define(ctx, out); err != nil {
		return false, fmt.Errorf("failed to redefine %s with a pci-bridge: %w", a.Domain, err)
	}
	a.log.WithField("index", index).Info("pci-bridge controller added")
	return true, nil
}

// ExpectRefused attaches iface and requires libvirt to refuse it with an
// error containing want, e.g. InactiveNetworkError. An attach that succeeds
// is undone.
func (a *Attacher) ExpectRefused(ctx context.Context, iface *ifacexml.Interface, option, want string) error {
	doc, err := iface.Render()
	if err != nil {
		return err
	}
	var flags []string
	if option != "" {
		flags = append(flags, option)
	}
	err = a.Virsh.AttachDevice(ctx, a.Domain, doc, flags...)
	if err == nil {
		result := multierror.Append(nil, fmt.Errorf("attach of %s interface succeeded, expected it to fail with %q", iface.Kind, want))
		if detachErr := a.Virsh.DetachDevice(ctx, a.Domain, doc); detachErr != nil {
			result = multierror.Append(result, detachErr)
		}
		return result.ErrorOrNil()
	}
	if !strings.Contains(err.Error(), want) {
		return fmt.Errorf("attach refused for another reason, expected %q: %w", want, err)
	}
	a.log.WithField("error", want).Info("attach refused as expected")
	return nil
}
