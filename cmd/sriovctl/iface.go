package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/ifacexml"
	"sriov-provisioner/pkg/pciaddr"
)

var (
	ifaceMAC       string
	ifaceModel     string
	ifaceAlias     string
	ifaceMode      string
	ifaceUnmanaged bool
)

var ifaceCmd = &cobra.Command{
	Use:   "iface",
	Short: "Render domain interface XML",
}

var ifaceHostdevCmd = &cobra.Command{
	Use:   "hostdev <vf-address>",
	Short: "Interface passing a VF through to the guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := pciaddr.Parse(args[0])
		if err != nil {
			return err
		}
		return printInterface(cmd, func(opts []ifacexml.Option) (*ifacexml.Interface, error) {
			return ifacexml.NewHostdev(addr, opts...)
		})
	},
}

var ifaceNetworkCmd = &cobra.Command{
	Use:   "network <network-name>",
	Short: "Interface taking a VF from a libvirt network pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInterface(cmd, func(opts []ifacexml.Option) (*ifacexml.Interface, error) {
			return ifacexml.NewNetwork(args[0], opts...)
		})
	},
}

var ifaceDirectCmd = &cobra.Command{
	Use:   "direct <vf-netdev>",
	Short: "Macvtap interface on a VF netdev",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInterface(cmd, func(opts []ifacexml.Option) (*ifacexml.Interface, error) {
			return ifacexml.NewDirect(args[0], opts...)
		})
	},
}

func init() {
	flags := ifaceCmd.PersistentFlags()
	flags.StringVar(&ifaceMAC, "mac", "", "MAC address (default random 54:52:00:xx:xx:xx)")
	flags.StringVar(&ifaceModel, "model", "", "Device model (network and direct only)")
	flags.StringVar(&ifaceAlias, "alias", "", "Device alias, must start with ua- (hostdev only)")
	flags.StringVar(&ifaceMode, "mode", "", "Macvtap mode: passthrough, vepa, bridge, private (direct only)")
	flags.BoolVar(&ifaceUnmanaged, "unmanaged", false, "Set managed='no' (hostdev only)")
	ifaceCmd.AddCommand(ifaceHostdevCmd, ifaceNetworkCmd, ifaceDirectCmd)
	rootCmd.AddCommand(ifaceCmd)
}

// interfaceOptions converts the iface flags that were set into builder
// options.
func interfaceOptions(cmd *cobra.Command) []ifacexml.Option {
	var opts []ifacexml.Option
	flags := cmd.Flags()
	if flags.Changed("mac") {
		opts = append(opts, ifacexml.WithMAC(ifaceMAC))
	}
	if flags.Changed("model") {
		opts = append(opts, ifacexml.WithModel(ifaceModel))
	}
	if flags.Changed("alias") {
		opts = append(opts, ifacexml.WithAlias(ifaceAlias))
	}
	if flags.Changed("mode") {
		opts = append(opts, ifacexml.WithMode(ifaceMode))
	}
	if ifaceUnmanaged {
		opts = append(opts, ifacexml.Unmanaged())
	}
	return opts
}

func printInterface(cmd *cobra.Command, build func([]ifacexml.Option) (*ifacexml.Interface, error)) error {
	iface, err := build(interfaceOptions(cmd))
	if err != nil {
		return err
	}
	doc, err := iface.Render()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc)
	return nil
}
