package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/ifacexml"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
)

var (
	networkVFs       []string
	networkPFDev     string
	networkDevs      []string
	networkUnmanaged bool
	networkCreate    bool
	networkDefine    bool
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Render or create libvirt networks backed by VFs",
}

var networkHostdevCmd = &cobra.Command{
	Use:   "hostdev <name>",
	Short: "Hostdev pool from VF addresses or from a PF netdev",
	Long: `Hostdev pool from VF addresses (--vf, repeatable) or from a PF netdev
(--pf-dev). With --vf the configured PF is rejected if listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []ifacexml.PoolOption
		if networkUnmanaged {
			opts = append(opts, ifacexml.UnmanagedPool())
		}
		if networkPFDev != "" {
			pool, err := ifacexml.HostdevPoolFromPF(args[0], networkPFDev, opts...)
			if err != nil {
				return err
			}
			return outputPool(cmd, pool)
		}

		vfs := make([]pciaddr.Address, 0, len(networkVFs))
		for _, s := range networkVFs {
			addr, err := pciaddr.Parse(s)
			if err != nil {
				return err
			}
			vfs = append(vfs, addr)
		}
		if pf, ok := cfg.PFAddress(); ok {
			opts = append(opts, ifacexml.ExcludingPF(pf))
		}
		pool, err := ifacexml.HostdevPool(args[0], vfs, opts...)
		if err != nil {
			return err
		}
		return outputPool(cmd, pool)
	},
}

var networkMacvtapCmd = &cobra.Command{
	Use:   "macvtap <name>",
	Short: "Macvtap passthrough network over VF netdevs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := ifacexml.MacvtapPassthrough(args[0], networkDevs)
		if err != nil {
			return err
		}
		return outputPool(cmd, pool)
	},
}

func init() {
	networkHostdevCmd.Flags().StringSliceVar(&networkVFs, "vf", nil, "VF PCI address, repeatable")
	networkHostdevCmd.Flags().StringVar(&networkPFDev, "pf-dev", "", "PF netdev whose VFs form the pool")
	networkHostdevCmd.Flags().BoolVar(&networkUnmanaged, "unmanaged", false, "Set managed='no'")
	networkHostdevCmd.MarkFlagsMutuallyExclusive("vf", "pf-dev")
	networkHostdevCmd.MarkFlagsOneRequired("vf", "pf-dev")
	networkMacvtapCmd.Flags().StringSliceVar(&networkDevs, "dev", nil, "VF netdev, repeatable")
	_ = networkMacvtapCmd.MarkFlagRequired("dev")
	networkCmd.PersistentFlags().BoolVar(&networkCreate, "create", false, "Create the network with virsh net-create instead of printing it")
	networkCmd.PersistentFlags().BoolVar(&networkDefine, "define", false, "Define the network without starting it, e.g. to exercise an inactive pool")
	networkCmd.MarkFlagsMutuallyExclusive("create", "define")
	networkCmd.AddCommand(networkHostdevCmd, networkMacvtapCmd)
	rootCmd.AddCommand(networkCmd)
}

func outputPool(cmd *cobra.Command, pool *ifacexml.Pool) error {
	doc, err := pool.Render()
	if err != nil {
		return err
	}
	switch {
	case networkDefine:
		if err := newVirsh().NetDefine(cmd.Context(), doc); err != nil {
			return err
		}
		logging.WithField("network", pool.Name).Info("network defined, not started")
	case networkCreate:
		if err := newVirsh().NetCreate(cmd.Context(), doc); err != nil {
			return err
		}
		logging.WithField("network", pool.Name).Info("network created")
	default:
		fmt.Fprintln(cmd.OutOrStdout(), doc)
	}
	return nil
}
