// Package monitor watches sysfs for SR-IOV configuration changes.
package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
)

// Kind classifies a change.
type Kind string

const (
	// KindNumVFs is a write to sriov_numvfs or sriov_totalvfs.
	KindNumVFs Kind = "numvfs"
	// KindVirtFn is a virtfnN link appearing or disappearing.
	KindVirtFn Kind = "virtfn"
	// KindDevice is a PCI device appearing or disappearing.
	KindDevice Kind = "device"
	// KindNetdev is a network interface appearing or disappearing.
	KindNetdev Kind = "netdev"
)

const defaultDebounce = 500 * time.Millisecond

// Event is a debounced change. Device is set for PCI events.
type Event struct {
	Kind      Kind
	Device    pciaddr.Address
	HasDevice bool
	Path      string
	Op        fsnotify.Op
}

func (e Event) key() string {
	if e.HasDevice {
		return string(e.Kind) + "/" + e.Device.String()
	}
	return string(e.Kind)
}

// Handler receives events. It is called from timer goroutines and must be
// safe for concurrent use.
type Handler func(Event)

// Monitor turns fsnotify events under a sysfs root into Events.
type Monitor struct {
	fs       *sysfs.FS
	watcher  *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets how long events for the same device are coalesced.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a monitor. Watches are added by Start.
func New(fs *sysfs.FS, handler Handler, opts ...Option) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	m := &Monitor{
		fs:       fs,
		watcher:  watcher,
		handler:  handler,
		debounce: defaultDebounce,
		log:      logging.Component("monitor"),
		pending:  map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monitor) devicesDir() string {
	return filepath.Join(m.fs.Root, "bus", "pci", "devices")
}

func (m *Monitor) netDir() string {
	return filepath.Join(m.fs.Root, "class", "net")
}

// Start watches the PCI device list, every SR-IOV capable device and the
// network class directory.
func (m *Monitor) Start() error {
	m.log.Info("starting sysfs monitor")
	if err := m.watcher.Add(m.devicesDir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.devicesDir(), err)
	}
	if err := m.watcher.Add(m.netDir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.netDir(), err)
	}
	addrs, err := m.fs.SRIOVDevices()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		m.watchDevice(addr)
	}
	return nil
}

func (m *Monitor) watchDevice(addr pciaddr.Address) {
	if err := m.watcher.Add(m.fs.DevicePath(addr)); err != nil {
		m.log.WithError(err).WithField("pci", addr.String()).Warn("failed to watch device")
		return
	}
	m.log.WithField("pci", addr.String()).Debug("added watch for SR-IOV device")
}

// Run processes events until ctx is done or the watcher is closed.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			m.handle(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.log.WithError(err).Error("sysfs monitor error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) handle(raw fsnotify.Event) {
	event, ok := Classify(m.fs.Root, raw)
	if !ok {
		return
	}
	if event.Kind == KindDevice && raw.Has(fsnotify.Create) && m.fs.SRIOVCapable(event.Device) {
		m.watchDevice(event.Device)
	}
	m.schedule(event)
}

func (m *Monitor) schedule(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	key := event.key()
	if t, ok := m.pending[key]; ok {
		t.Stop()
	}
	m.pending[key] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.pending, key)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.log.WithFields(logrus.Fields{"kind": string(event.Kind), "path": event.Path}).Debug("sysfs change")
		m.handler(event)
	})
}

// Close stops the watcher and drops pending events.
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.closed = true
	for key, t := range m.pending {
		t.Stop()
		delete(m.pending, key)
	}
	m.mu.Unlock()
	m.log.Info("stopping sysfs monitor")
	return m.watcher.Close()
}

// Classify maps a raw event under root to an Event.
func Classify(root string, raw fsnotify.Event) (Event, bool) {
	devicesDir := filepath.Join(root, "bus", "pci", "devices") + string(filepath.Separator)
	netDir := filepath.Join(root, "class", "net") + string(filepath.Separator)
	event := Event{Path: raw.Name, Op: raw.Op}

	switch {
	case strings.HasPrefix(raw.Name, netDir):
		rel := strings.TrimPrefix(raw.Name, netDir)
		if strings.Contains(rel, string(filepath.Separator)) {
			return Event{}, false
		}
		event.Kind = KindNetdev
		return event, true

	case strings.HasPrefix(raw.Name, devicesDir):
		parts := strings.Split(strings.TrimPrefix(raw.Name, devicesDir), string(filepath.Separator))
		addr, err := pciaddr.Parse(parts[0])
		if err != nil {
			return Event{}, false
		}
		event.Device = addr
		event.HasDevice = true
		if len(parts) == 1 {
			event.Kind = KindDevice
			return event, true
		}
		base := parts[len(parts)-1]
		switch {
		case base == "sriov_numvfs" || base == "sriov_totalvfs":
			event.Kind = KindNumVFs
		case strings.HasPrefix(base, "virtfn"):
			event.Kind = KindVirtFn
		default:
			return Event{}, false
		}
		return event, true
	}
	return Event{}, false
}
