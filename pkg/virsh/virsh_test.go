package virsh

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"

	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
)

// fakeRun scripts one virsh invocation and records its argv.
type fakeRun struct {
	stdout string
	stderr string
	err    error
	check  func(argv []string)
}

func newFakeClient(t *testing.T, runs ...fakeRun) (*Client, *testingexec.FakeExec) {
	t.Helper()
	fexec := &testingexec.FakeExec{}
	for _, r := range runs {
		r := r
		fexec.CommandScript = append(fexec.CommandScript, func(cmd string, args ...string) utilexec.Cmd {
			fake := &testingexec.FakeCmd{
				RunScript: []testingexec.FakeAction{
					func() ([]byte, []byte, error) {
						return []byte(r.stdout), []byte(r.stderr), r.err
					},
				},
			}
			if r.check != nil {
				r.check(append([]string{cmd}, args...))
			}
			return testingexec.InitFakeCmd(fake, cmd, args...)
		})
	}
	return New("", WithExec(fexec), WithLogger(logging.Discard())), fexec
}

func TestListDevices(t *testing.T) {
	client, fexec := newFakeClient(t, fakeRun{
		stdout: "net_lo_00_00_00_00_00_00\nnet_eth2_52_54_00_00_00_02\n\n",
		check: func(argv []string) {
			assert.Equal(t, []string{"virsh", "-c", DefaultURI, "nodedev-list", "--cap", "net"}, argv)
		},
	})

	names, err := client.ListDevices(context.Background(), inventory.CapabilityNet)
	require.NoError(t, err)
	assert.Equal(t, []string{"net_lo_00_00_00_00_00_00", "net_eth2_52_54_00_00_00_02"}, names)
	assert.Equal(t, 1, fexec.CommandCalls)
}

func TestCommandError(t *testing.T) {
	client, _ := newFakeClient(t, fakeRun{
		stderr: "error: Requested operation is not valid: network 'test-net' is not active\n",
		err:    &testingexec.FakeExitError{Status: 1},
	})

	err := client.NetStart(context.Background(), "test-net")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitStatus)
	assert.Equal(t, []string{"net-start", "test-net"}, cmdErr.Args)
	assert.True(t, HasMessage(err, "is not active"))
	assert.False(t, HasMessage(err, "can only be listed once"))
	assert.Contains(t, err.Error(), "exited with status 1")
}

func TestAttachDeviceWritesXMLFile(t *testing.T) {
	const xml = "<interface type='hostdev'/>"
	var seen string
	client, _ := newFakeClient(t, fakeRun{
		check: func(argv []string) {
			require.Len(t, argv, 7)
			assert.Equal(t, "attach-device", argv[3])
			assert.Equal(t, "vm1", argv[4])
			assert.Equal(t, "--config", argv[6])
			data, err := os.ReadFile(argv[5])
			require.NoError(t, err)
			seen = string(data)
		},
	})
	client.TempDir = t.TempDir()

	require.NoError(t, client.AttachDevice(context.Background(), "vm1", xml, "--config"))
	assert.Equal(t, xml, seen)

	entries, err := os.ReadDir(client.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary xml file is removed")
}

func TestDefine(t *testing.T) {
	const xml = "<domain type='kvm'><name>vm1</name></domain>"
	var seen string
	client, fexec := newFakeClient(t, fakeRun{
		check: func(argv []string) {
			require.Len(t, argv, 5)
			assert.Equal(t, "define", argv[3])
			data, err := os.ReadFile(argv[4])
			require.NoError(t, err)
			seen = string(data)
		},
	})
	client.TempDir = t.TempDir()

	require.NoError(t, client.Define(context.Background(), xml))
	assert.Equal(t, xml, seen)
	assert.Equal(t, 1, fexec.CommandCalls)
}

func TestDomainOperations(t *testing.T) {
	var calls [][]string
	record := func(argv []string) { calls = append(calls, argv[3:]) }
	client, _ := newFakeClient(t,
		fakeRun{check: record},
		fakeRun{check: record},
		fakeRun{check: record},
		fakeRun{check: record, stdout: "running\n"},
		fakeRun{check: record, stdout: "<domain/>"},
	)
	ctx := context.Background()

	require.NoError(t, client.Suspend(ctx, "vm1"))
	require.NoError(t, client.Resume(ctx, "vm1"))
	require.NoError(t, client.Reboot(ctx, "vm1"))
	state, err := client.DomainState(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "running", state)
	out, err := client.DumpXML(ctx, "vm1", true)
	require.NoError(t, err)
	assert.Equal(t, "<domain/>", out)

	assert.Equal(t, [][]string{
		{"suspend", "vm1"},
		{"resume", "vm1"},
		{"reboot", "vm1"},
		{"domstate", "vm1"},
		{"dumpxml", "vm1", "--inactive"},
	}, calls)
}
