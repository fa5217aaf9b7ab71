package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/nodedev"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/types"
)

var testPF = pciaddr.MustParse("0000:01:00.0")

// fakeHost behaves like a host whose VF network interfaces show up in the
// net inventory one poll at a time after the VF count is written.
type fakeHost struct {
	mu sync.Mutex

	basePCI []string
	baseNet []string

	numVFs     int
	netVisible int
	// maxVisible caps how many VF net devices ever appear, -1 for no cap.
	maxVisible int
	// rename overrides the interface name reported in the net inventory.
	rename map[int]string
	// foreign adds a new PCI node that is not a VF of the PF.
	foreign bool
	// ifnames overrides the interface name of VF i everywhere.
	ifnames func(i int) string
	// reversed returns every inventory listing in reverse order.
	reversed bool

	setErr  error
	listErr error
	counts  []int
	netList int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		basePCI:    []string{"pci_0000_00_00_0", testPF.NodeName()},
		maxVisible: -1,
	}
}

func vfAddr(i int) pciaddr.Address {
	return pciaddr.Address{Domain: 0, Bus: 1, Slot: 0, Function: uint8(i + 2)}
}

func vfIfname(i int) string {
	return fmt.Sprintf("eth%d", i+2)
}

func (h *fakeHost) ifname(i int) string {
	if h.ifnames != nil {
		return h.ifnames(i)
	}
	return vfIfname(i)
}

func (h *fakeHost) order(names []string) []string {
	if h.reversed {
		slices.Reverse(names)
	}
	return names
}

func (h *fakeHost) SetVFCount(_ context.Context, pf pciaddr.Address, count int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts = append(h.counts, count)
	if count > 0 && h.setErr != nil {
		return h.setErr
	}
	h.numVFs = count
	h.netVisible = 0
	return nil
}

func (h *fakeHost) NetworkBinding(addr pciaddr.Address) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.numVFs; i++ {
		if vfAddr(i) == addr {
			return h.ifname(i), nil
		}
	}
	if addr == pciaddr.MustParse("0000:02:00.0") {
		return "eth9", nil
	}
	return "", fmt.Errorf("%s has no network interface", addr)
}

func (h *fakeHost) VirtualFunctions(pf pciaddr.Address) ([]pciaddr.Address, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addrs := make([]pciaddr.Address, h.numVFs)
	for i := range addrs {
		addrs[i] = vfAddr(i)
	}
	return addrs, nil
}

func (h *fakeHost) ListDevices(_ context.Context, capability inventory.Capability) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	switch capability {
	case inventory.CapabilityPCI:
		names := append([]string{}, h.basePCI...)
		for i := 0; i < h.numVFs; i++ {
			names = append(names, vfAddr(i).NodeName())
		}
		if h.foreign && h.numVFs > 0 {
			names = append(names, "pci_0000_02_00_0")
		}
		return h.order(names), nil
	case inventory.CapabilityNet:
		h.netList++
		names := append([]string{}, h.baseNet...)
		for i := 0; i < h.netVisible; i++ {
			ifname := h.ifname(i)
			if name, ok := h.rename[i]; ok {
				ifname = name
			}
			names = append(names, nodedev.NetNodeName(ifname, fmt.Sprintf("52:54:00:00:00:%02x", i)))
		}
		if h.netVisible < h.numVFs && (h.maxVisible < 0 || h.netVisible < h.maxVisible) {
			h.netVisible++
		}
		return h.order(names), nil
	}
	return nil, fmt.Errorf("unknown capability %q", capability)
}

type recorded struct {
	state    State
	attempts int
}

type fakeRecorder struct {
	calls []recorded
}

func (f *fakeRecorder) ObserveProvision(_ pciaddr.Address, state State, attempts int, _ time.Duration) {
	f.calls = append(f.calls, recorded{state: state, attempts: attempts})
}

func newTestReconciler(t *testing.T, host *fakeHost, rec Recorder) *Reconciler {
	t.Helper()
	r, err := New(Config{
		PF:        types.PhysicalFunction{Address: testPF, InterfaceName: "eth0", TotalVFs: 8, MaxVFs: 7},
		Timeout:   200 * time.Millisecond,
		Interval:  time.Millisecond,
		Inventory: host,
		Device:    host,
		Recorder:  rec,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return r
}

func TestProvisionFourVFs(t *testing.T) {
	host := newFakeHost()
	rec := &fakeRecorder{}
	r := newTestReconciler(t, host, rec)
	assert.Equal(t, Idle, r.State())

	vfs, err := r.Provision(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, vfs, 4)

	assert.Equal(t, types.VirtualFunction{
		PhysicalFunction: testPF,
		Address:          pciaddr.MustParse("0000:01:00.2"),
		Index:            0,
		InterfaceName:    "eth2",
	}, vfs[0])
	for i, vf := range vfs {
		assert.Equal(t, i, vf.Index)
		assert.Equal(t, vfAddr(i), vf.Address)
		assert.Equal(t, vfIfname(i), vf.InterfaceName)
	}

	assert.Equal(t, Validated, r.State())
	assert.Equal(t, []int{0, 4}, host.counts, "reset precedes reconfiguration")
	assert.Greater(t, host.netList, 4, "net inventory is polled until all interfaces appear")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, Validated, rec.calls[0].state)
	assert.Equal(t, 5, rec.calls[0].attempts)
}

func TestProvisionPairsNamesRegardlessOfListingOrder(t *testing.T) {
	host := newFakeHost()
	host.reversed = true
	// Interface names sort in the opposite order of the VF functions.
	host.ifnames = func(i int) string { return fmt.Sprintf("vf%d", 9-i) }
	r := newTestReconciler(t, host, nil)

	vfs, err := r.Provision(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, vfs, 4)

	for i, vf := range vfs {
		assert.Equal(t, i, vf.Index)
		assert.Equal(t, vfAddr(i), vf.Address)
		assert.Equal(t, fmt.Sprintf("vf%d", 9-i), vf.InterfaceName, "VF %d", i)
	}
	assert.Equal(t, Validated, r.State())
}

func TestProvisionIgnoresPreexistingDevices(t *testing.T) {
	host := newFakeHost()
	host.baseNet = []string{"net_lo_00_00_00_00_00_00", "net_eth0_52_54_00_aa_bb_cc"}
	r := newTestReconciler(t, host, nil)

	vfs, err := r.Provision(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, vfs, 2)
}

func TestProvisionTimesOut(t *testing.T) {
	host := newFakeHost()
	host.maxVisible = 3
	r := newTestReconciler(t, host, nil)

	vfs, err := r.Provision(context.Background(), 4)
	require.Error(t, err)
	assert.Nil(t, vfs, "no partial result on timeout")

	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ReasonNotConverged, provErr.Reason)
	assert.Equal(t, 4, provErr.Requested)
	assert.Equal(t, 3, provErr.Observed)
	assert.GreaterOrEqual(t, provErr.Elapsed, 200*time.Millisecond)
	assert.Equal(t, TimedOut, r.State())
	assert.Contains(t, err.Error(), "device enumeration did not converge")
}

func TestProvisionCommandFailure(t *testing.T) {
	host := newFakeHost()
	host.setErr = errors.New("write error: Cannot allocate memory")
	r := newTestReconciler(t, host, nil)

	vfs, err := r.Provision(context.Background(), 4)
	assert.Nil(t, vfs)

	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ReasonCommandFailed, provErr.Reason)
	assert.ErrorIs(t, err, host.setErr)
	assert.Equal(t, Failed, r.State())
	assert.Equal(t, 1, host.netList, "net inventory is only read for the baseline")
}

func TestProvisionInventoryFailure(t *testing.T) {
	host := newFakeHost()
	host.listErr = errors.New("failed to connect to the hypervisor")
	r := newTestReconciler(t, host, nil)

	_, err := r.Provision(context.Background(), 1)
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ReasonInventory, provErr.Reason)
	assert.ErrorIs(t, err, host.listErr)
}

func TestProvisionInconsistentNames(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *fakeHost)
	}{
		{
			name:   "renamed interface",
			mutate: func(h *fakeHost) { h.rename = map[int]string{1: "eth7"} },
		},
		{
			name:   "foreign pci device",
			mutate: func(h *fakeHost) { h.foreign = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			tt.mutate(host)
			rec := &fakeRecorder{}
			r := newTestReconciler(t, host, rec)

			vfs, err := r.Provision(context.Background(), 3)
			assert.Nil(t, vfs)

			var consistencyErr *ConsistencyError
			require.ErrorAs(t, err, &consistencyErr)
			assert.Equal(t, testPF, consistencyErr.PF)
			assert.Equal(t, Inconsistent, r.State())
			require.Len(t, rec.calls, 1)
			assert.Equal(t, Inconsistent, rec.calls[0].state)
		})
	}
}

func TestProvisionInvalidCount(t *testing.T) {
	host := newFakeHost()
	r := newTestReconciler(t, host, nil)

	for _, count := range []int{0, -1, 9} {
		_, err := r.Provision(context.Background(), count)
		var provErr *ProvisioningError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, ReasonInvalidCount, provErr.Reason)
	}
	assert.Empty(t, host.counts)
}

func TestResetIsIdempotent(t *testing.T) {
	host := newFakeHost()
	r := newTestReconciler(t, host, nil)
	ctx := context.Background()

	require.NoError(t, r.Reset(ctx))
	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, Idle, r.State())
	assert.Equal(t, []int{0, 0}, host.counts)

	_, err := r.Provision(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, 0, host.numVFs)
}

func TestProvisionCanceled(t *testing.T) {
	host := newFakeHost()
	host.maxVisible = 0
	r := newTestReconciler(t, host, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Provision(ctx, 2)
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ReasonCanceled, provErr.Reason)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewValidatesConfig(t *testing.T) {
	host := newFakeHost()

	_, err := New(Config{Device: host})
	assert.Error(t, err)
	_, err = New(Config{Inventory: host})
	assert.Error(t, err)
	_, err = New(Config{Inventory: host, Device: host, Timeout: time.Second, Interval: time.Minute})
	assert.Error(t, err)

	r, err := New(Config{Inventory: host, Device: host, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, r.cfg.Timeout)
	assert.Equal(t, DefaultInterval, r.cfg.Interval)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Validated.Terminal())
	assert.False(t, Polling.Terminal())
}
