package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/sysfs/sysfstest"
)

func TestClassify(t *testing.T) {
	root := "/sys"
	pf := pciaddr.MustParse("0000:01:00.0")

	tests := []struct {
		name string
		path string
		want Event
		ok   bool
	}{
		{
			name: "numvfs write",
			path: "/sys/bus/pci/devices/0000:01:00.0/sriov_numvfs",
			want: Event{Kind: KindNumVFs, Device: pf, HasDevice: true},
			ok:   true,
		},
		{
			name: "virtfn link",
			path: "/sys/bus/pci/devices/0000:01:00.0/virtfn3",
			want: Event{Kind: KindVirtFn, Device: pf, HasDevice: true},
			ok:   true,
		},
		{
			name: "new device",
			path: "/sys/bus/pci/devices/0000:01:10.2",
			want: Event{Kind: KindDevice, Device: pciaddr.MustParse("0000:01:10.2"), HasDevice: true},
			ok:   true,
		},
		{
			name: "new netdev",
			path: "/sys/class/net/enp1s16f2",
			want: Event{Kind: KindNetdev},
			ok:   true,
		},
		{name: "unrelated attribute", path: "/sys/bus/pci/devices/0000:01:00.0/power_state"},
		{name: "netdev attribute", path: "/sys/class/net/enp1s16f2/operstate"},
		{name: "not a device", path: "/sys/bus/pci/devices/foo"},
		{name: "outside root", path: "/tmp/sriov_numvfs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(root, fsnotify.Event{Name: tt.path, Op: fsnotify.Create})
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			tt.want.Path = tt.path
			tt.want.Op = fsnotify.Create
			assert.Equal(t, tt.want, got)
		})
	}
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) has(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (c *collector) count(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestMonitorDetectsChanges(t *testing.T) {
	tree := sysfstest.New(t)
	pf := pciaddr.MustParse("0000:01:00.0")
	tree.AddPF(pf, "ixgbe", "enp1s0f0", "up", 8)

	c := &collector{}
	m, err := New(sysfs.New(tree.Root), c.handle, WithDebounce(10*time.Millisecond), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		assert.NoError(t, m.Close())
	}()

	numvfs := filepath.Join(tree.Root, "bus", "pci", "devices", pf.String(), "sriov_numvfs")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(numvfs, []byte("2"), 0644))
	}
	tree.AddVF(pf, 0, pciaddr.MustParse("0000:01:10.0"), "ixgbevf", "enp1s16")

	require.Eventually(t, func() bool {
		return c.has(KindNumVFs) && c.has(KindVirtFn) && c.has(KindDevice) && c.has(KindNetdev)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.count(KindNumVFs), "writes to the same device are coalesced")
}

func TestCloseDropsPendingEvents(t *testing.T) {
	tree := sysfstest.New(t)
	c := &collector{}
	m, err := New(sysfs.New(tree.Root), c.handle, WithDebounce(time.Hour), WithLogger(logging.Discard()))
	require.NoError(t, err)

	m.schedule(Event{Kind: KindNetdev})
	require.NoError(t, m.Close())
	m.schedule(Event{Kind: KindNetdev})

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.pending)
	assert.Empty(t, c.events)
}
