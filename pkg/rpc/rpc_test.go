package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/reconciler"
	"sriov-provisioner/pkg/sriov"
	"sriov-provisioner/pkg/types"
)

const bufSize = 1024 * 1024

var testPF = types.PhysicalFunction{
	Address:       pciaddr.MustParse("0000:01:00.0"),
	InterfaceName: "enp1s0f0",
	Driver:        "ixgbe",
	TotalVFs:      64,
	MaxVFs:        63,
}

type fakeProvisioner struct {
	mu      sync.Mutex
	state   reconciler.State
	err     error
	block   chan struct{}
	entered chan struct{}
	resets  int
}

func (f *fakeProvisioner) Provision(ctx context.Context, count int) ([]types.VirtualFunction, error) {
	if f.block != nil {
		close(f.entered)
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	vfs := make([]types.VirtualFunction, count)
	for i := range vfs {
		vfs[i] = types.VirtualFunction{
			PhysicalFunction: testPF.Address,
			Address:          pciaddr.Address{Bus: 1, Slot: 0x10, Function: uint8(i)},
			Index:            i,
			InterfaceName:    "enp1s16f" + string(rune('0'+i)),
		}
	}
	f.mu.Lock()
	f.state = reconciler.Validated
	f.mu.Unlock()
	return vfs, nil
}

func (f *fakeProvisioner) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.state = reconciler.Idle
	return nil
}

func (f *fakeProvisioner) State() reconciler.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeProvisioner) PhysicalFunction() types.PhysicalFunction {
	return testPF
}

func setupTestServer(t *testing.T, p Provisioner, opts ...ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	opts = append(opts, WithServerLogger(logging.Discard()))
	gs, _ := NewGRPCServer(NewServer(p, opts...))
	go func() {
		_ = gs.Serve(lis)
	}()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProvisionRoundTrip(t *testing.T) {
	gauge := map[pciaddr.Address]int{}
	var gaugeMu sync.Mutex
	record := func(pf pciaddr.Address, n int) {
		gaugeMu.Lock()
		defer gaugeMu.Unlock()
		gauge[pf] = n
	}
	p := &fakeProvisioner{}
	client := NewClient(setupTestServer(t, p, WithVFGauge(record)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Provision(ctx, 2)
	require.NoError(t, err)

	want := Result{
		PF:    testPF.Address,
		State: "validated",
		VirtualFunctions: []types.VirtualFunction{
			{PhysicalFunction: testPF.Address, Address: pciaddr.MustParse("0000:01:10.0"), Index: 0, InterfaceName: "enp1s16f0"},
			{PhysicalFunction: testPF.Address, Address: pciaddr.MustParse("0000:01:10.1"), Index: 1, InterfaceName: "enp1s16f1"},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Provision() mismatch (-want +got):\n%s", diff)
	}
	gaugeMu.Lock()
	assert.Equal(t, 2, gauge[testPF.Address])
	gaugeMu.Unlock()

	require.NoError(t, client.Reset(ctx))
	assert.Equal(t, 1, p.resets)
	gaugeMu.Lock()
	assert.Equal(t, 0, gauge[testPF.Address])
	gaugeMu.Unlock()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0000:01:00.0", st["pf"])
	assert.Equal(t, "idle", st["state"])
	assert.Equal(t, float64(63), st["max_vfs"])
	assert.NotContains(t, st, "devices")
}

func TestStatusListsDevices(t *testing.T) {
	vf := pciaddr.MustParse("0000:01:10.0")
	devices := func() []sriov.PF {
		return []sriov.PF{{
			PhysicalFunction: types.PhysicalFunction{Address: testPF.Address, InterfaceName: "enp1s0f0", Driver: "ixgbe", NumVFs: 1},
			VFs: []sriov.VF{{
				VirtualFunction: types.VirtualFunction{PhysicalFunction: testPF.Address, Address: vf, Index: 0, InterfaceName: "enp1s16"},
				Driver:          "ixgbevf",
				State:           types.OperStateDown,
			}},
		}}
	}
	client := NewClient(setupTestServer(t, &fakeProvisioner{}, WithDevices(devices)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	require.NoError(t, err)

	want := []any{map[string]any{
		"pf":        "0000:01:00.0",
		"interface": "enp1s0f0",
		"driver":    "ixgbe",
		"num_vfs":   float64(1),
		"vfs": []any{map[string]any{
			"index":          float64(0),
			"pci_address":    "0000:01:10.0",
			"interface_name": "enp1s16",
			"driver":         "ixgbevf",
			"state":          "down",
		}},
	}}
	if diff := cmp.Diff(want, st["devices"]); diff != "" {
		t.Errorf("Status() devices mismatch (-want +got):\n%s", diff)
	}
}

func TestProvisionErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{
			name: "invalid count",
			err:  &reconciler.ProvisioningError{PF: testPF.Address, Reason: reconciler.ReasonInvalidCount},
			code: codes.InvalidArgument,
		},
		{
			name: "timed out",
			err:  &reconciler.ProvisioningError{PF: testPF.Address, Requested: 4, Observed: 2, Reason: reconciler.ReasonNotConverged},
			code: codes.DeadlineExceeded,
		},
		{
			name: "inconsistent",
			err:  &reconciler.ConsistencyError{PF: testPF.Address, FromNodedev: []string{"eth2"}, FromSysfs: []string{"eth9"}},
			code: codes.FailedPrecondition,
		},
		{
			name: "command failed",
			err:  &reconciler.ProvisioningError{PF: testPF.Address, Reason: reconciler.ReasonCommandFailed, Err: errors.New("write error")},
			code: codes.Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(setupTestServer(t, &fakeProvisioner{err: tt.err}))
			_, err := client.Provision(context.Background(), 4)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestProvisionRejectsBadCount(t *testing.T) {
	conn := setupTestServer(t, &fakeProvisioner{})

	for _, req := range []map[string]any{{}, {"count": 1.5}, {"count": "four"}} {
		in, err := structpb.NewStruct(req)
		require.NoError(t, err)
		err = conn.Invoke(context.Background(), methodProvision, in, new(structpb.Struct))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "request %v", req)
	}
}

func TestOverlappingCallsAreAborted(t *testing.T) {
	p := &fakeProvisioner{block: make(chan struct{}), entered: make(chan struct{})}
	client := NewClient(setupTestServer(t, p))

	done := make(chan error, 1)
	go func() {
		_, err := client.Provision(context.Background(), 1)
		done <- err
	}()
	<-p.entered

	err := client.Reset(context.Background())
	assert.Equal(t, codes.Aborted, status.Code(err))

	close(p.block)
	require.NoError(t, <-done)
}

func TestHealth(t *testing.T) {
	conn := setupTestServer(t, &fakeProvisioner{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
