package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/logging"
)

type options struct {
	configFile string
	listen     string
	metrics    string
	pf         string
	driver     string
	vfCount    int
	logLevel   string
	sysfsRoot  string
	inventory  string
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	o := &options{}
	flags := pflag.NewFlagSet("sriovd", pflag.ContinueOnError)
	flags.StringVar(&o.configFile, "config", "", "Path to configuration file")
	flags.StringVar(&o.listen, "listen", ":50051", "gRPC listen address")
	flags.StringVar(&o.metrics, "metrics-listen", ":9108", "Prometheus listen address, empty to disable")
	flags.StringVar(&o.pf, "pf", "", "PCI address of the managed physical function")
	flags.StringVar(&o.driver, "driver", "ixgbe", "PF driver used to find a physical function when --pf is not set")
	flags.IntVar(&o.vfCount, "vf-count", 0, "VFs to provision at startup, 0 to skip")
	flags.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&o.sysfsRoot, "sysfs-root", "/sys", "Root of the sysfs tree")
	flags.StringVar(&o.inventory, "inventory", config.InventoryVirsh, "Device inventory backend: virsh or sysfs")
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, flags, nil
}

// loadConfig reads the config file when given and applies the flags that
// were set on the command line over it.
func loadConfig(o *options, flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = o.listen
		case "metrics-listen":
			cfg.MetricsListen = o.metrics
		case "pf":
			cfg.PhysicalFunction = o.pf
		case "driver":
			cfg.Driver = o.driver
		case "vf-count":
			cfg.VFCount = o.vfCount
		case "log-level":
			cfg.LogLevel = o.logLevel
		case "sysfs-root":
			cfg.SysfsRoot = o.sysfsRoot
		case "inventory":
			cfg.Inventory = o.inventory
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	var metricsLis net.Listener
	if cfg.MetricsListen != "" {
		metricsLis, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			grpcLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsListen, err)
		}
	}
	return d.serve(ctx, grpcLis, metricsLis)
}

func main() {
	o, flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(o, flags)
	if err != nil {
		logging.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.SetLevelFromString(cfg.LogLevel); err != nil {
		logging.WithError(err).Fatal("invalid log level")
	}
	logging.WithFields(logrus.Fields{
		"config_file": o.configFile,
		"sysfs_root":  cfg.SysfsRoot,
		"inventory":   cfg.Inventory,
	}).Info("starting SR-IOV provisioning daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		stop()
		logging.WithError(err).Fatal("sriovd failed")
	}
}
