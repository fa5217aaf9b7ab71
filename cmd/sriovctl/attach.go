package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/guest"
	"sriov-provisioner/pkg/ifacexml"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/vfattach"
	"sriov-provisioner/pkg/virsh"
)

var (
	attachDomain         string
	attachVF             string
	attachNetwork        string
	attachDirect         string
	attachUnmanaged      bool
	attachConfig         bool
	attachOps            []string
	attachWaitIP         time.Duration
	attachVFDriver       string
	attachLoop           int
	attachAllVFs         bool
	attachExpectInactive bool
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a VF interface to a domain, run operations, detach it",
	Long: `Hot plug one VF backed interface into a domain and check that libvirt and
the host agree on the VF's driver, optionally run lifecycle operations while
it is attached, then detach it and check the host driver is restored. The
interface is detached even when an operation fails. --loop repeats the
whole cycle.

Exactly one of --vf (hostdev), --network (pool), --direct (macvtap) or
--all-vfs selects the interface kind. --all-vfs attaches every VF of the
configured PF at once, adding a pci-bridge controller to the domain first
when it has none. --expect-inactive requires the attach of a --network
interface to be refused because the network is not started.`,
	Example: `  sriovctl attach --domain vm1 --vf 0000:3b:10.0 --op suspend_resume --op reboot
  sriovctl attach --domain vm1 --network test-net --vf-driver ixgbevf --loop 5
  sriovctl attach --domain vm1 --all-vfs --pf 0000:3b:00.0
  sriovctl attach --domain vm1 --network test-net --expect-inactive`,
	Args: cobra.NoArgs,
	RunE: runAttach,
}

func init() {
	flags := attachCmd.Flags()
	flags.StringVar(&attachDomain, "domain", "", "Domain name")
	flags.StringVar(&attachVF, "vf", "", "VF PCI address for a hostdev interface")
	flags.StringVar(&attachNetwork, "network", "", "Network pool for a network interface")
	flags.StringVar(&attachDirect, "direct", "", "VF netdev for a macvtap interface")
	flags.BoolVar(&attachAllVFs, "all-vfs", false, "Attach a hostdev interface for every VF of the PF")
	flags.BoolVar(&attachUnmanaged, "unmanaged", false, "Detach the VF from the host driver before attaching")
	flags.BoolVar(&attachConfig, "config", false, "Attach to the persistent definition and start the domain")
	flags.StringSliceVar(&attachOps, "op", nil, "Operation while attached: suspend_resume, reboot, save (repeatable)")
	flags.DurationVar(&attachWaitIP, "wait-ip", 0, "Wait this long for a guest IPv4 address (0 disables)")
	flags.StringVar(&attachVFDriver, "vf-driver", "", "Host VF driver expected after detaching a pool interface")
	flags.IntVar(&attachLoop, "loop", 1, "Number of attach, operate, detach cycles")
	flags.BoolVar(&attachExpectInactive, "expect-inactive", false, "Expect the attach to fail because the network is not active")
	_ = attachCmd.MarkFlagRequired("domain")
	attachCmd.MarkFlagsMutuallyExclusive("vf", "network", "direct", "all-vfs")
	attachCmd.MarkFlagsOneRequired("vf", "network", "direct", "all-vfs")
	rootCmd.AddCommand(attachCmd)
}

func checkAttachFlags() error {
	switch {
	case attachLoop < 1:
		return fmt.Errorf("--loop must be at least 1, got %d", attachLoop)
	case attachConfig && attachLoop > 1:
		return fmt.Errorf("--config starts the domain and cannot be repeated with --loop")
	case attachExpectInactive && attachNetwork == "":
		return fmt.Errorf("--expect-inactive requires --network")
	case attachExpectInactive && (len(attachOps) > 0 || attachLoop > 1):
		return fmt.Errorf("--expect-inactive does not take --op or --loop")
	case attachAllVFs && (attachConfig || attachLoop > 1 || len(attachOps) > 0):
		return fmt.Errorf("--all-vfs does not take --config, --op or --loop")
	}
	return nil
}

func hostdevOptions() []ifacexml.Option {
	if attachUnmanaged {
		return []ifacexml.Option{ifacexml.Unmanaged()}
	}
	return nil
}

func buildAttachInterface() (*ifacexml.Interface, error) {
	switch {
	case attachVF != "":
		addr, err := pciaddr.Parse(attachVF)
		if err != nil {
			return nil, err
		}
		return ifacexml.NewHostdev(addr, hostdevOptions()...)
	case attachNetwork != "":
		return ifacexml.NewNetwork(attachNetwork)
	default:
		return ifacexml.NewDirect(attachDirect)
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	if err := checkAttachFlags(); err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	ops := make([]vfattach.Operation, 0, len(attachOps))
	for _, s := range attachOps {
		op, err := vfattach.ParseOperation(s)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	v := newVirsh()
	fs := newFS()
	a := vfattach.New(attachDomain, v, fs)
	a.VFDriver = attachVFDriver
	if attachWaitIP > 0 {
		a.Guest = guest.NewResolver(v)
		a.IPTimeout = attachWaitIP
	}

	if attachAllVFs {
		return attachAll(cmd, a, v, fs)
	}

	iface, err := buildAttachInterface()
	if err != nil {
		return err
	}
	option := ""
	if attachConfig {
		option = vfattach.OptionConfig
	}
	if attachExpectInactive {
		if err := a.ExpectRefused(ctx, iface, option, vfattach.InactiveNetworkError); err != nil {
			return err
		}
		fmt.Fprintf(out, "attach refused: network %s %s\n", attachNetwork, vfattach.InactiveNetworkError)
		return nil
	}

	err = a.Cycle(ctx, iface, option, ops, attachLoop, func(att *vfattach.Attachment) {
		printAttachment(out, att)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "detached after %d cycle(s)\n", attachLoop)
	return nil
}

// attachAll plugs every VF of the PF into the domain. A pci-bridge added to
// a running domain only appears after a cold restart.
func attachAll(cmd *cobra.Command, a *vfattach.Attacher, v *virsh.Client, fs *sysfs.FS) error {
	ctx := cmd.Context()
	pf, err := resolvePF(ctx, fs)
	if err != nil {
		return err
	}
	vfs, err := fs.VirtualFunctions(pf.Address)
	if err != nil {
		return err
	}
	if len(vfs) == 0 {
		return fmt.Errorf("PF %s has no VFs, provision them first", pf.Address)
	}

	added, err := a.EnsurePCIBridge(ctx)
	if err != nil {
		return err
	}
	if added {
		state, err := v.DomainState(ctx, attachDomain)
		if err != nil {
			return err
		}
		if state == "running" {
			if err := v.Destroy(ctx, attachDomain); err != nil {
				return err
			}
			if err := v.Start(ctx, attachDomain); err != nil {
				return err
			}
		}
	}

	attached, err := a.AttachAll(ctx, vfs, hostdevOptions()...)
	for _, att := range attached {
		printAttachment(cmd.OutOrStdout(), att)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "attached and detached %d VFs\n", len(attached))
	return nil
}

func printAttachment(w io.Writer, att *vfattach.Attachment) {
	fmt.Fprintf(w, "attached mac=%s kind=%s", att.Interface.MAC, att.Interface.Kind)
	if att.HasVF {
		fmt.Fprintf(w, " vf=%s managed=%t", att.VF, att.Managed)
	}
	if att.Dev != "" {
		fmt.Fprintf(w, " dev=%s", att.Dev)
	}
	if att.IP.IsValid() {
		fmt.Fprintf(w, " ip=%s", att.IP)
	}
	fmt.Fprintln(w)
}
