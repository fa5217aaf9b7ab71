// Package reconciler creates SR-IOV virtual functions on a physical function
// and waits for their network interfaces to be registered.
//
// Setting sriov_numvfs returns before the kernel and udev have registered
// the VF network interfaces, so Provision snapshots the node device
// inventory before reconfiguring and polls it afterwards until exactly the
// requested number of new net devices exist. It then cross-checks the
// interface names recovered from the net node identifiers against the names
// bound to the new PCI devices.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/nodedev"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/poll"
	"sriov-provisioner/pkg/types"
)

const (
	DefaultTimeout  = 120 * time.Second
	DefaultInterval = time.Second
)

// Device is the privileged side of provisioning.
type Device interface {
	// SetVFCount writes the number of VFs of a PF.
	SetVFCount(ctx context.Context, pf pciaddr.Address, count int) error
	// NetworkBinding returns the interface bound to a PCI device.
	NetworkBinding(addr pciaddr.Address) (string, error)
	// VirtualFunctions returns the VF addresses of a PF, indexed by VF number.
	VirtualFunctions(pf pciaddr.Address) ([]pciaddr.Address, error)
}

// Recorder observes finished Provision calls.
type Recorder interface {
	ObserveProvision(pf pciaddr.Address, state State, attempts int, elapsed time.Duration)
}

// Config holds everything a Reconciler needs.
type Config struct {
	PF        types.PhysicalFunction
	Timeout   time.Duration
	Interval  time.Duration
	Inventory inventory.Lister
	Device    Device
	Recorder  Recorder
	Logger    *logrus.Entry
}

// Reconciler provisions the VFs of one PF. Provision and Reset must not be
// called concurrently; State may be read at any time.
type Reconciler struct {
	cfg Config
	log *logrus.Entry

	mu    sync.RWMutex
	state State
}

// New validates cfg and returns a Reconciler in the Idle state.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Inventory == nil {
		return nil, errors.New("inventory lister is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("device is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval > cfg.Timeout {
		return nil, fmt.Errorf("poll interval %s exceeds timeout %s", cfg.Interval, cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("reconciler")
	}
	return &Reconciler{
		cfg:   cfg,
		log:   logger.WithField("pf", cfg.PF.Address.String()),
		state: Idle,
	}, nil
}

// State returns the current phase.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// PhysicalFunction returns the PF this reconciler manages.
func (r *Reconciler) PhysicalFunction() types.PhysicalFunction {
	return r.cfg.PF
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log.WithField("state", s.String()).Debug("state changed")
}

// Reset removes all VFs of the PF. Resetting a PF that has none succeeds.
func (r *Reconciler) Reset(ctx context.Context) error {
	r.setState(Resetting)
	if err := r.cfg.Device.SetVFCount(ctx, r.cfg.PF.Address, 0); err != nil {
		r.setState(Failed)
		return fmt.Errorf("failed to reset virtual functions of %s: %w", r.cfg.PF.Address, err)
	}
	r.setState(Idle)
	return nil
}

// Provision resets the PF, requests count VFs and waits for all of their
// network interfaces to appear. It returns exactly count virtual functions
// sorted by VF index, or an error and no virtual functions.
func (r *Reconciler) Provision(ctx context.Context, count int) ([]types.VirtualFunction, error) {
	start := time.Now()
	pf := r.cfg.PF.Address
	logger := r.log.WithField("count", count)

	fail := func(state State, reason string, observed int, attempts int, err error) error {
		r.setState(state)
		r.observe(state, attempts, time.Since(start))
		return &ProvisioningError{
			PF:        pf,
			Requested: count,
			Observed:  observed,
			Elapsed:   time.Since(start),
			Reason:    reason,
			Err:       err,
		}
	}

	if count < 1 || (r.cfg.PF.TotalVFs > 0 && count > r.cfg.PF.TotalVFs) {
		return nil, fail(Failed, ReasonInvalidCount, 0, 0, nil)
	}

	logger.Info("provisioning virtual functions")
	if err := r.Reset(ctx); err != nil {
		return nil, fail(Failed, ReasonReset, 0, 0, err)
	}

	pciBefore, err := inventory.Take(ctx, r.cfg.Inventory, inventory.CapabilityPCI)
	if err != nil {
		return nil, fail(Failed, ReasonInventory, 0, 0, err)
	}
	netBefore, err := inventory.Take(ctx, r.cfg.Inventory, inventory.CapabilityNet)
	if err != nil {
		return nil, fail(Failed, ReasonInventory, 0, 0, err)
	}
	logger.WithFields(logrus.Fields{
		"pci_before": pciBefore.Len(),
		"net_before": netBefore.Len(),
	}).Debug("inventory snapshot taken")

	r.setState(Reconfiguring)
	if err := r.cfg.Device.SetVFCount(ctx, pf, count); err != nil {
		return nil, fail(Failed, ReasonCommandFailed, 0, 0, err)
	}

	pciAfter, err := inventory.Take(ctx, r.cfg.Inventory, inventory.CapabilityPCI)
	if err != nil {
		return nil, fail(Failed, ReasonInventory, 0, 0, err)
	}
	newPCI := pciAfter.Added(pciBefore)
	logger.WithField("pci_nodes", len(newPCI)).Debug("new PCI nodes after reconfiguration")

	r.setState(Polling)
	observed := 0
	result, err := poll.Until(ctx, r.cfg.Interval, r.cfg.Timeout, func(ctx context.Context) ([]string, bool, error) {
		snap, err := inventory.Take(ctx, r.cfg.Inventory, inventory.CapabilityNet)
		if err != nil {
			return nil, false, err
		}
		added := snap.Added(netBefore)
		observed = len(added)
		return added, observed == count, nil
	})
	if err != nil {
		reason := ReasonInventory
		if ctx.Err() != nil {
			reason = ReasonCanceled
		}
		return nil, fail(Failed, reason, observed, result.Attempts, err)
	}
	if !result.Converged() {
		logger.WithFields(logrus.Fields{
			"observed": observed,
			"elapsed":  result.Elapsed,
		}).Warn("net devices did not converge")
		return nil, fail(TimedOut, ReasonNotConverged, observed, result.Attempts, nil)
	}
	r.setState(Converged)
	logger.WithFields(logrus.Fields{
		"attempts": result.Attempts,
		"elapsed":  result.Elapsed,
	}).Debug("net devices converged")

	vfs, err := r.correlate(newPCI, result.Value)
	if err != nil {
		var consistencyErr *ConsistencyError
		if errors.As(err, &consistencyErr) {
			r.setState(Inconsistent)
			r.observe(Inconsistent, result.Attempts, time.Since(start))
			logger.WithError(err).Error("virtual function names are inconsistent")
			return nil, err
		}
		return nil, fail(Failed, ReasonResolve, observed, result.Attempts, err)
	}

	r.setState(Validated)
	r.observe(Validated, result.Attempts, time.Since(start))
	logger.WithField("elapsed", time.Since(start)).Info("virtual functions provisioned")
	return vfs, nil
}

// correlate matches the new net nodes with the new PCI nodes. Names derived
// both ways must agree as sets.
func (r *Reconciler) correlate(pciNodes, netNodes []string) ([]types.VirtualFunction, error) {
	pf := r.cfg.PF.Address

	fromNodedev := make([]string, 0, len(netNodes))
	for _, node := range netNodes {
		name, err := nodedev.InterfaceFromNetNode(node)
		if err != nil {
			return nil, err
		}
		fromNodedev = append(fromNodedev, name)
	}
	sort.Strings(fromNodedev)

	indexes := map[pciaddr.Address]int{}
	vfAddrs, err := r.cfg.Device.VirtualFunctions(pf)
	if err != nil {
		return nil, err
	}
	for i, addr := range vfAddrs {
		indexes[addr] = i
	}

	vfs := make([]types.VirtualFunction, 0, len(pciNodes))
	fromSysfs := make([]string, 0, len(pciNodes))
	for _, node := range pciNodes {
		addr, err := pciaddr.ParseNodeName(node)
		if err != nil {
			return nil, err
		}
		ifname, err := r.cfg.Device.NetworkBinding(addr)
		if err != nil {
			return nil, err
		}
		fromSysfs = append(fromSysfs, ifname)

		index, ok := indexes[addr]
		if !ok {
			return nil, &ConsistencyError{
				PF:          pf,
				FromNodedev: fromNodedev,
				FromSysfs:   fromSysfs,
				Detail:      fmt.Sprintf("%s is not a virtual function of %s", addr, pf),
			}
		}
		vfs = append(vfs, types.VirtualFunction{
			PhysicalFunction: pf,
			Address:          addr,
			Index:            index,
			InterfaceName:    ifname,
		})
	}
	sort.Strings(fromSysfs)

	if !slices.Equal(fromNodedev, fromSysfs) {
		return nil, &ConsistencyError{PF: pf, FromNodedev: fromNodedev, FromSysfs: fromSysfs}
	}

	sort.Slice(vfs, func(i, j int) bool { return vfs[i].Index < vfs[j].Index })
	return vfs, nil
}

func (r *Reconciler) observe(state State, attempts int, elapsed time.Duration) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.ObserveProvision(r.cfg.PF.Address, state, attempts, elapsed)
	}
}
