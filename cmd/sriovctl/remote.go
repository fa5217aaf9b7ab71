package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"sriov-provisioner/pkg/rpc"
)

var (
	remoteServer  string
	remoteTimeout time.Duration
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Drive a running sriovd over gRPC",
}

var remoteProvisionCmd = &cobra.Command{
	Use:   "provision <count>",
	Short: "Ask sriovd to reset its PF and create count VFs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", args[0], err)
		}
		return withRemote(cmd, func(ctx context.Context, c *rpc.Client) error {
			res, err := c.Provision(ctx, count)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "pf %s state=%s\n", res.PF, res.State)
				printVFs(w, res.VirtualFunctions)
			})
		})
	},
}

var remoteResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Ask sriovd to remove all VFs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, c *rpc.Client) error {
			return c.Reset(ctx)
		})
	},
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sriovd's PF and reconciler state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, c *rpc.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), st, func(w io.Writer) {
				keys := make([]string, 0, len(st))
				for k := range st {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "%s: %v\n", k, st[k])
				}
			})
		})
	},
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteServer, "server", "localhost:50051", "sriovd gRPC address")
	remoteCmd.PersistentFlags().DurationVar(&remoteTimeout, "timeout", 3*time.Minute, "Deadline for the call")
	remoteCmd.AddCommand(remoteProvisionCmd, remoteResetCmd, remoteStatusCmd)
	rootCmd.AddCommand(remoteCmd)
}

func withRemote(cmd *cobra.Command, fn func(context.Context, *rpc.Client) error) error {
	conn, err := grpc.NewClient(remoteServer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", remoteServer, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()
	return fn(ctx, rpc.NewClient(conn))
}
