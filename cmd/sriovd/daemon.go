package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/metrics"
	"sriov-provisioner/pkg/monitor"
	"sriov-provisioner/pkg/netdev"
	"sriov-provisioner/pkg/reconciler"
	"sriov-provisioner/pkg/rpc"
	"sriov-provisioner/pkg/sriov"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/types"
	"sriov-provisioner/pkg/virsh"
)

const shutdownTimeout = 10 * time.Second

type daemon struct {
	cfg     *config.Config
	fs      *sysfs.FS
	dm      *sriov.DeviceManager
	metrics *metrics.Metrics
	rec     *reconciler.Reconciler
	srv     *rpc.Server
	log     *logrus.Entry

	// SR-IOV device cache, refreshed on sysfs changes
	mu  sync.RWMutex
	pfs []sriov.PF

	debounce time.Duration
}

func newLister(cfg *config.Config, fs *sysfs.FS) inventory.Lister {
	if cfg.Inventory == config.InventorySysfs {
		return fs
	}
	return virsh.New(cfg.LibvirtURI, virsh.WithLogger(logging.Component("virsh")))
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	fs := sysfs.New(cfg.SysfsRoot)
	opts := []sriov.Option{sriov.WithPFWait(cfg.PFWaitTimeout, time.Second)}
	if fs.Root == sysfs.DefaultRoot {
		opts = append(opts, sriov.WithStateReader(netdev.NetlinkStateReader{}))
	}
	dm := sriov.NewDeviceManager(fs, opts...)

	var pf types.PhysicalFunction
	var err error
	if addr, ok := cfg.PFAddress(); ok {
		pf, err = dm.Describe(addr)
	} else {
		pf, err = dm.FindPhysicalFunction(ctx, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	rec, err := reconciler.New(reconciler.Config{
		PF:        pf,
		Timeout:   cfg.ProvisionTimeout,
		Interval:  cfg.PollInterval,
		Inventory: newLister(cfg, fs),
		Device:    fs,
		Recorder:  m,
		Logger:    logging.Component("reconciler"),
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		fs:       fs,
		dm:       dm,
		metrics:  m,
		rec:      rec,
		log:      logging.Component("sriovd").WithField("pf", pf.Address.String()),
		debounce: 500 * time.Millisecond,
	}
	d.srv = rpc.NewServer(rec, rpc.WithVFGauge(m.SetVirtualFunctions), rpc.WithDevices(d.devices))
	return d, nil
}

// refresh rescans the SR-IOV devices and updates the VF gauges.
func (d *daemon) refresh() error {
	pfs, err := d.dm.GetSRIOVDevices()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pfs = pfs
	d.mu.Unlock()
	for _, pf := range pfs {
		d.metrics.SetVirtualFunctions(pf.Address, len(pf.VFs))
	}
	d.log.WithField("pfs", len(pfs)).Debug("device cache refreshed")
	return nil
}

// devices returns the cached SR-IOV devices.
func (d *daemon) devices() []sriov.PF {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.pfs)
}

func (d *daemon) onEvent(ev monitor.Event) {
	d.metrics.MonitorEvent(string(ev.Kind))
	if err := d.refresh(); err != nil {
		d.log.WithError(err).Warn("failed to refresh devices after sysfs change")
	}
}

// provisionAtStartup applies vf_count once serving has begun.
func (d *daemon) provisionAtStartup(ctx context.Context) {
	if d.cfg.VFCount <= 0 {
		return
	}
	vfs, err := d.srv.Apply(ctx, d.cfg.VFCount)
	if err != nil {
		d.log.WithError(err).Error("startup provisioning failed")
		return
	}
	d.log.WithField("count", len(vfs)).Info("startup provisioning complete")
}

// serve runs the gRPC server, the metrics endpoint and the sysfs monitor
// until ctx is done or one of them fails. metricsLis may be nil.
func (d *daemon) serve(ctx context.Context, grpcLis, metricsLis net.Listener) error {
	if err := d.refresh(); err != nil {
		return err
	}
	mon, err := monitor.New(d.fs, d.onEvent, monitor.WithDebounce(d.debounce), monitor.WithLogger(logging.Component("monitor")))
	if err != nil {
		return err
	}
	if err := mon.Start(); err != nil {
		mon.Close()
		return err
	}

	gs, hs := rpc.NewGRPCServer(d.srv)
	var httpSrv *http.Server
	errCh := make(chan error, 3)

	go func() {
		if err := gs.Serve(grpcLis); err != nil {
			errCh <- err
		}
	}()
	if metricsLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	go d.provisionAtStartup(ctx)

	d.log.WithFields(logrus.Fields{"grpc": grpcLis.Addr().String(), "metrics": d.cfg.MetricsListen}).Info("sriovd serving")

	var result *multierror.Error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-errCh:
		result = multierror.Append(result, err)
	}

	hs.Shutdown()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		d.log.Warn("in-flight calls did not finish, stopping gRPC server")
		gs.Stop()
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := mon.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
