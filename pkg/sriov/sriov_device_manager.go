package sriov

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/netdev"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/poll"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/types"
)

const (
	// DefaultPFWaitTimeout bounds the wait for a PF link to come up.
	DefaultPFWaitTimeout = 60 * time.Second
	defaultPollInterval  = time.Second
	// largePFThreshold is the MaxVFs from which only about half of the VFs
	// are created outside of info checks.
	largePFThreshold = 32
)

// ErrNoPhysicalFunction is returned when no PF bound to the driver has an
// interface that is up.
var ErrNoPhysicalFunction = errors.New("no SR-IOV physical function with a link up")

// VF represents a Virtual Function
type VF struct {
	types.VirtualFunction
	Driver string          `json:"driver"`
	State  types.OperState `json:"state"`
}

// PF represents a Physical Function
type PF struct {
	types.PhysicalFunction
	VFs []VF `json:"vfs"`
}

// DeviceManager handles SR-IOV device operations
type DeviceManager struct {
	fs           *sysfs.FS
	states       netdev.StateReader
	log          *logrus.Entry
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// Option configures a DeviceManager.
type Option func(*DeviceManager)

// WithStateReader replaces the sysfs operstate reader, e.g. with
// netdev.NetlinkStateReader.
func WithStateReader(r netdev.StateReader) Option {
	return func(dm *DeviceManager) { dm.states = r }
}

// WithPFWait sets how long and how often FindPhysicalFunction polls.
func WithPFWait(timeout, interval time.Duration) Option {
	return func(dm *DeviceManager) {
		if timeout > 0 {
			dm.waitTimeout = timeout
		}
		if interval > 0 {
			dm.pollInterval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(dm *DeviceManager) { dm.log = l }
}

// NewDeviceManager creates a new device manager instance
func NewDeviceManager(fs *sysfs.FS, opts ...Option) *DeviceManager {
	dm := &DeviceManager{
		fs:           fs,
		states:       fs,
		log:          logging.Component("sriov"),
		waitTimeout:  DefaultPFWaitTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(dm)
	}
	return dm
}

// Describe reads the PF record of an SR-IOV capable device.
func (dm *DeviceManager) Describe(addr pciaddr.Address) (types.PhysicalFunction, error) {
	if !dm.fs.SRIOVCapable(addr) {
		return types.PhysicalFunction{}, fmt.Errorf("%s is not SR-IOV capable", addr)
	}
	total, err := dm.fs.TotalVFs(addr)
	if err != nil {
		return types.PhysicalFunction{}, fmt.Errorf("failed to read total VFs of %s: %w", addr, err)
	}
	num, err := dm.fs.NumVFs(addr)
	if err != nil {
		return types.PhysicalFunction{}, fmt.Errorf("failed to read current VFs of %s: %w", addr, err)
	}
	driver, err := dm.fs.Driver(addr)
	if err != nil {
		return types.PhysicalFunction{}, err
	}

	pf := types.PhysicalFunction{
		Address:  addr,
		Driver:   driver,
		State:    types.OperStateUnknown,
		TotalVFs: total,
		NumVFs:   num,
		MaxVFs:   types.MaxVFsFromTotal(total),
	}
	ifname, err := dm.fs.NetworkBinding(addr)
	switch {
	case err == nil:
		pf.InterfaceName = ifname
		if state, err := dm.states.OperState(ifname); err == nil {
			pf.State = state
		}
	case !errors.Is(err, sysfs.ErrNoNetInterface):
		return types.PhysicalFunction{}, err
	}
	return pf, nil
}

// FindPhysicalFunction returns the first SR-IOV capable device bound to
// driver whose network interface is up. Links can take a while to come up
// after boot, so the lookup is retried until the PF wait timeout.
func (dm *DeviceManager) FindPhysicalFunction(ctx context.Context, driver string) (types.PhysicalFunction, error) {
	logger := dm.log.WithField("driver", driver)
	result, err := poll.Until(ctx, dm.pollInterval, dm.waitTimeout, func(ctx context.Context) (types.PhysicalFunction, bool, error) {
		addrs, err := dm.fs.DriverDevices(driver)
		if err != nil {
			return types.PhysicalFunction{}, false, err
		}
		for _, addr := range addrs {
			if !dm.fs.SRIOVCapable(addr) {
				continue
			}
			pf, err := dm.Describe(addr)
			if err != nil {
				logger.WithError(err).WithField("pci", addr.String()).Debug("skipping device")
				continue
			}
			if pf.State == types.OperStateUp {
				return pf, true, nil
			}
		}
		return types.PhysicalFunction{}, false, nil
	})
	if err != nil {
		return types.PhysicalFunction{}, err
	}
	if !result.Converged() {
		return types.PhysicalFunction{}, fmt.Errorf("driver %s after %s: %w", driver, result.Elapsed.Round(time.Second), ErrNoPhysicalFunction)
	}
	logger.WithFields(logrus.Fields{
		"pf":        result.Value.Address.String(),
		"interface": result.Value.InterfaceName,
		"max_vfs":   result.Value.MaxVFs,
	}).Info("found physical function")
	return result.Value, nil
}

// PlanVFCount picks how many VFs to create on pf. Info checks compare the
// full VF list so they always use MaxVFs; otherwise large PFs get half of
// their VFs plus one.
func PlanVFCount(pf types.PhysicalFunction, infoCheck bool) int {
	if infoCheck || pf.MaxVFs < largePFThreshold {
		return pf.MaxVFs
	}
	return pf.MaxVFs/2 + 1
}

// GetSRIOVDevices discovers SR-IOV capable devices
func (dm *DeviceManager) GetSRIOVDevices() ([]PF, error) {
	addrs, err := dm.fs.SRIOVDevices()
	if err != nil {
		return nil, err
	}

	var pfs []PF
	for _, addr := range addrs {
		record, err := dm.Describe(addr)
		if err != nil {
			dm.log.WithError(err).WithField("pci", addr.String()).Warn("skipping device")
			continue
		}
		if record.TotalVFs == 0 {
			continue
		}

		vfAddrs, err := dm.fs.VirtualFunctions(addr)
		if err != nil {
			return nil, err
		}
		pf := PF{PhysicalFunction: record, VFs: make([]VF, 0, len(vfAddrs))}
		for i, vfAddr := range vfAddrs {
			vf := VF{
				VirtualFunction: types.VirtualFunction{
					PhysicalFunction: addr,
					Address:          vfAddr,
					Index:            i,
				},
				State: types.OperStateUnknown,
			}
			vf.Driver, _ = dm.fs.Driver(vfAddr)
			if ifname, err := dm.fs.NetworkBinding(vfAddr); err == nil {
				vf.InterfaceName = ifname
				if state, err := dm.states.OperState(ifname); err == nil {
					vf.State = state
				}
			}
			pf.VFs = append(pf.VFs, vf)
		}
		pfs = append(pfs, pf)
	}
	return pfs, nil
}
