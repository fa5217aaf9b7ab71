package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/netdev"
	"sriov-provisioner/pkg/reconciler"
	"sriov-provisioner/pkg/sriov"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/types"
	"sriov-provisioner/pkg/virsh"
)

func newFS() *sysfs.FS {
	return sysfs.New(cfg.SysfsRoot)
}

func newVirsh() *virsh.Client {
	return virsh.New(cfg.LibvirtURI, virsh.WithLogger(logging.Component("virsh")))
}

func newLister(fs *sysfs.FS) inventory.Lister {
	if cfg.Inventory == config.InventorySysfs {
		return fs
	}
	return newVirsh()
}

func newDeviceManager(fs *sysfs.FS) *sriov.DeviceManager {
	opts := []sriov.Option{sriov.WithPFWait(cfg.PFWaitTimeout, time.Second)}
	// Interfaces in a relocated tree are not real links.
	if fs.Root == sysfs.DefaultRoot {
		opts = append(opts, sriov.WithStateReader(netdev.NetlinkStateReader{}))
	}
	return sriov.NewDeviceManager(fs, opts...)
}

// resolvePF describes the configured PF or searches for one by driver.
func resolvePF(ctx context.Context, fs *sysfs.FS) (types.PhysicalFunction, error) {
	dm := newDeviceManager(fs)
	if addr, ok := cfg.PFAddress(); ok {
		return dm.Describe(addr)
	}
	return dm.FindPhysicalFunction(ctx, cfg.Driver)
}

func newReconciler(ctx context.Context, fs *sysfs.FS) (*reconciler.Reconciler, error) {
	pf, err := resolvePF(ctx, fs)
	if err != nil {
		return nil, err
	}
	return reconciler.New(reconciler.Config{
		PF:        pf,
		Timeout:   cfg.ProvisionTimeout,
		Interval:  cfg.PollInterval,
		Inventory: newLister(fs),
		Device:    fs,
		Logger:    logging.Component("reconciler"),
	})
}

// emit prints v as indented JSON, or calls text for the text format.
func emit(w io.Writer, v any, text func(io.Writer)) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printVFs(w io.Writer, vfs []types.VirtualFunction) {
	for _, vf := range vfs {
		fmt.Fprintf(w, "vf %-3d %s %s\n", vf.Index, vf.Address, vf.InterfaceName)
	}
}
