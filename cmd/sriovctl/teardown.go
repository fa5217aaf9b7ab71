package main

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"sriov-provisioner/pkg/logging"
)

var (
	teardownDomain   string
	teardownNetworks []string
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Destroy the test domain and networks, then remove all VFs",
	Long: `Best effort cleanup after provisioning: destroy the domain, destroy and
undefine each network, and reset the PF to zero VFs. Every step runs even if
an earlier one fails; the failures are reported together.`,
	Example: "  sriovctl teardown --domain vm1 --network test-net",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler(cmd.Context(), newFS())
		if err != nil {
			return err
		}
		return teardown(cmd.Context(), newVirsh(), r, teardownDomain, teardownNetworks)
	},
}

func init() {
	teardownCmd.Flags().StringVar(&teardownDomain, "domain", "", "Domain to destroy")
	teardownCmd.Flags().StringSliceVar(&teardownNetworks, "network", nil, "Network to destroy and undefine, repeatable")
	rootCmd.AddCommand(teardownCmd)
}

type teardownVirsh interface {
	Destroy(ctx context.Context, domain string) error
	NetDestroy(ctx context.Context, name string) error
	NetUndefine(ctx context.Context, name string) error
}

type resetter interface {
	Reset(ctx context.Context) error
}

func teardown(ctx context.Context, v teardownVirsh, r resetter, domain string, networks []string) error {
	var result *multierror.Error
	if domain != "" {
		if err := v.Destroy(ctx, domain); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.Reset(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	for _, name := range networks {
		if err := v.NetDestroy(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
		if err := v.NetUndefine(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	logging.Component("teardown").Info("cleanup complete")
	return nil
}
