package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/logging"
)

var (
	cfgFile       string
	logLevel      string
	sysfsRoot     string
	libvirtURI    string
	pfFlag        string
	driverFlag    string
	inventoryFlag string
	outputFormat  string

	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "sriovctl",
	Short: "SR-IOV VF provisioning CLI",
	Long: `sriovctl provisions SR-IOV virtual functions on a physical function and
verifies them against libvirt's node device inventory.

Examples:
  sriovctl find-pf --driver ixgbe           # First PF of a driver with link up
  sriovctl provision 4 --pf 0000:3b:00.0    # Reset, then create 4 VFs
  sriovctl check vf-order                   # Compare nodedev and sysfs VF lists
  sriovctl addr encode 0000:3b:10.1         # pci_0000_3b_10_1
  sriovctl remote provision 4               # Ask sriovd to provision`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Configuration file path")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&sysfsRoot, "sysfs-root", "/sys", "Root of the sysfs tree")
	flags.StringVar(&libvirtURI, "uri", "qemu:///system", "libvirt connection URI")
	flags.StringVar(&pfFlag, "pf", "", "PCI address of the physical function")
	flags.StringVar(&driverFlag, "driver", "ixgbe", "PF driver used to find a physical function when --pf is not set")
	flags.StringVar(&inventoryFlag, "inventory", config.InventoryVirsh, "Device inventory backend: virsh or sysfs")
	flags.StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")
}

// loadConfig layers the config file, then explicitly set flags, over the
// defaults.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		c = loaded
	}
	applyFlags(cmd.Flags(), c)
	if err := c.Validate(); err != nil {
		return err
	}
	if err := logging.SetLevelFromString(c.LogLevel); err != nil {
		return err
	}
	switch outputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid output format %q", outputFormat)
	}
	cfg = c
	return nil
}

func applyFlags(flags *pflag.FlagSet, c *config.Config) {
	overrides := map[string]func(){
		"log-level":  func() { c.LogLevel = logLevel },
		"sysfs-root": func() { c.SysfsRoot = sysfsRoot },
		"uri":        func() { c.LibvirtURI = libvirtURI },
		"pf":         func() { c.PhysicalFunction = pfFlag },
		"driver":     func() { c.Driver = driverFlag },
		"inventory":  func() { c.Inventory = inventoryFlag },
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		logging.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
