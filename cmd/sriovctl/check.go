package main

import (
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/netdev"
	"sriov-provisioner/pkg/nodedev"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
)

var (
	checkVFRange string
	checkEthtool bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare libvirt node device XML with sysfs",
	Long: `Compare libvirt's node device descriptions of the PF and its VFs with
what sysfs reports. VFs must already exist for vf-order and vf-info.`,
}

var checkPFInfoCmd = &cobra.Command{
	Use:   "pf-info",
	Short: "Check the PF product id and VF capacity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := newFS()
		pf, err := resolvePF(cmd.Context(), fs)
		if err != nil {
			return err
		}
		if err := newChecker(fs).CheckPFInfo(cmd.Context(), pf); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: pf info ok (max_vfs=%d)\n", pf.Address, pf.MaxVFs)
		return nil
	},
}

var checkVFOrderCmd = &cobra.Command{
	Use:   "vf-order",
	Short: "Check that libvirt lists MaxVFs VFs in address order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := newFS()
		pf, err := resolvePF(cmd.Context(), fs)
		if err != nil {
			return err
		}
		vfs, err := newChecker(fs).CheckVFOrder(cmd.Context(), pf)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d VFs in order\n", pf.Address, len(vfs))
		return nil
	},
}

var checkVFInfoCmd = &cobra.Command{
	Use:   "vf-info",
	Short: "Check product id and parent of each VF",
	Args:  cobra.NoArgs,
	RunE:  runCheckVFInfo,
}

func init() {
	checkVFInfoCmd.Flags().StringVar(&checkVFRange, "vfs", "", "VF indices to check, e.g. 0-3,5 (default all)")
	checkVFInfoCmd.Flags().BoolVar(&checkEthtool, "ethtool", false, "Also verify each VF interface's bus-info with ethtool")
	checkCmd.AddCommand(checkPFInfoCmd, checkVFOrderCmd, checkVFInfoCmd)
	rootCmd.AddCommand(checkCmd)
}

func newChecker(fs *sysfs.FS) *nodedev.Checker {
	return &nodedev.Checker{Dumper: newVirsh(), FS: fs}
}

func runCheckVFInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fs := newFS()
	pf, err := resolvePF(ctx, fs)
	if err != nil {
		return err
	}
	vfs, err := fs.VirtualFunctions(pf.Address)
	if err != nil {
		return err
	}
	selected, err := selectVFs(vfs, checkVFRange)
	if err != nil {
		return err
	}

	var eth *netdev.Ethtool
	if checkEthtool {
		eth, err = netdev.NewEthtool()
		if err != nil {
			return err
		}
		defer eth.Close()
	}

	checker := newChecker(fs)
	var result *multierror.Error
	for _, vf := range selected {
		if err := checker.CheckVFInfo(ctx, pf.Address, vf); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if eth != nil {
			if err := verifyBinding(eth, fs, vf); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}
		logging.WithField("vf", vf.String()).Debug("vf info ok")
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d VFs ok\n", pf.Address, len(selected))
	return nil
}

func verifyBinding(eth *netdev.Ethtool, fs *sysfs.FS, vf pciaddr.Address) error {
	ifname, err := fs.NetworkBinding(vf)
	if err != nil {
		return err
	}
	return eth.VerifyBinding(ifname, vf)
}

// selectVFs picks VFs by index; an empty range selects all.
func selectVFs(vfs []pciaddr.Address, vfRange string) ([]pciaddr.Address, error) {
	if vfRange == "" {
		return vfs, nil
	}
	indices, err := config.ParseVFRange(vfRange)
	if err != nil {
		return nil, err
	}
	slices.Sort(indices)
	indices = slices.Compact(indices)
	selected := make([]pciaddr.Address, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(vfs) {
			return nil, fmt.Errorf("VF index %d out of range, PF has %d VFs", i, len(vfs))
		}
		selected = append(selected, vfs[i])
	}
	return selected, nil
}
