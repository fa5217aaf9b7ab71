package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/sriov"
	"sriov-provisioner/pkg/types"
)

var provisionInfoCheck bool

var provisionCmd = &cobra.Command{
	Use:   "provision [count]",
	Short: "Reset the PF and create VFs",
	Long: `Reset the physical function to zero VFs, request count VFs and wait until
a network interface exists for every new VF. An explicit count must be at
least 1.

The count comes from the argument, then vf_count in the config file. When
neither is set it is planned from the PF's MaxVFs: all of them for PFs with
fewer than 32, or with --info-check, otherwise half plus one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProvision,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove all VFs of the PF",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler(cmd.Context(), newFS())
		if err != nil {
			return err
		}
		if err := r.Reset(cmd.Context()); err != nil {
			return err
		}
		logging.WithField("pf", r.PhysicalFunction().Address.String()).Info("virtual functions removed")
		return nil
	},
}

var findPFCmd = &cobra.Command{
	Use:   "find-pf",
	Short: "Find the first PF of --driver whose link is up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := resolvePF(cmd.Context(), newFS())
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), pf, func(w io.Writer) { printPF(w, pf) })
	},
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionInfoCheck, "info-check", false, "Plan MaxVFs VFs regardless of PF size")
	rootCmd.AddCommand(provisionCmd, resetCmd, findPFCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := newReconciler(ctx, newFS())
	if err != nil {
		return err
	}
	pf := r.PhysicalFunction()

	count, err := provisionCount(args, cfg.VFCount, pf, provisionInfoCheck)
	if err != nil {
		return err
	}

	vfs, err := r.Provision(ctx, count)
	if err != nil {
		return err
	}
	logging.WithFields(logrus.Fields{
		"pf":    pf.Address.String(),
		"count": len(vfs),
		"state": r.State().String(),
	}).Info("virtual functions provisioned")
	return emit(cmd.OutOrStdout(), vfs, func(w io.Writer) { printVFs(w, vfs) })
}

// provisionCount takes the count argument as given. Without one it falls
// back to the configured count, then to a count planned from the PF.
func provisionCount(args []string, configured int, pf types.PhysicalFunction, infoCheck bool) (int, error) {
	if len(args) == 1 {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("invalid count %q: %w", args[0], err)
		}
		if count < 1 {
			return 0, fmt.Errorf("invalid count %d: at least one VF must be requested", count)
		}
		return count, nil
	}
	if configured > 0 {
		return configured, nil
	}
	return sriov.PlanVFCount(pf, infoCheck), nil
}

func printPF(w io.Writer, pf types.PhysicalFunction) {
	fmt.Fprintf(w, "pf %s %s driver=%s state=%s total_vfs=%d num_vfs=%d max_vfs=%d\n",
		pf.Address, pf.InterfaceName, pf.Driver, pf.State, pf.TotalVFs, pf.NumVFs, pf.MaxVFs)
}
