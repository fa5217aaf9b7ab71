package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"sriov-provisioner/internal/config"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		addrAttrs = false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAddrCommands(t *testing.T) {
	out, err := execute(t, "addr", "encode", "0000:03:00.1", "0000:3B:10.7")
	require.NoError(t, err)
	assert.Equal(t, "pci_0000_03_00_1\npci_0000_3b_10_7\n", out)

	out, err = execute(t, "addr", "decode", "pci_0000_03_00_1")
	require.NoError(t, err)
	assert.Equal(t, "0000:03:00.1\n", out)

	out, err = execute(t, "addr", "encode", "--attrs", "0000:03:00.1")
	require.NoError(t, err)
	assert.Equal(t, "pci_0000_03_00_1 bus=0x03,domain=0x0000,function=0x1,slot=0x00,type=pci\n", out)

	out, err = execute(t, "addr", "decode", "bus=0x03,domain=0x0000,function=0x1,slot=0x00,type=pci")
	require.NoError(t, err)
	assert.Equal(t, "0000:03:00.1\n", out)

	for _, bad := range []string{"domain=0x0000,bus=0x100,slot=0x00,function=0x1", "domain=0x0000,bus=0x01,slot=0x105,function=0x0", "domain=0x0000,bus"} {
		_, err = execute(t, "addr", "decode", bad)
		var mal *pciaddr.MalformedAddressError
		assert.ErrorAs(t, err, &mal, bad)
	}

	_, err = execute(t, "addr", "decode", "pci_0000_03_00")
	var mal *pciaddr.MalformedAddressError
	assert.ErrorAs(t, err, &mal)
}

func TestIfaceHostdev(t *testing.T) {
	out, err := execute(t, "iface", "hostdev", "0000:3b:10.1", "--mac", "54:52:00:aa:bb:cc")
	require.NoError(t, err)

	var iface libvirtxml.DomainInterface
	require.NoError(t, iface.Unmarshal(out))
	assert.Equal(t, "54:52:00:aa:bb:cc", iface.MAC.Address)
	got, err := pciaddr.FromDomainAddress(iface.Source.Hostdev.PCI.Address)
	require.NoError(t, err)
	assert.Equal(t, pciaddr.MustParse("0000:3b:10.1"), got)
}

func TestApplyFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var uri, pf string
	flags.StringVar(&uri, "uri", "qemu:///system", "")
	flags.StringVar(&pf, "pf", "", "")
	require.NoError(t, flags.Parse([]string{"--pf", "0000:01:00.0"}))

	pfFlag = pf
	libvirtURI = "qemu:///session"
	t.Cleanup(func() { pfFlag, libvirtURI = "", "qemu:///system" })

	c := config.Default()
	c.LibvirtURI = "qemu+ssh://file/system"
	applyFlags(flags, c)

	assert.Equal(t, "0000:01:00.0", c.PhysicalFunction)
	assert.Equal(t, "qemu+ssh://file/system", c.LibvirtURI, "unset flags keep the file value")
}

func TestSelectVFs(t *testing.T) {
	vfs := []pciaddr.Address{
		pciaddr.MustParse("0000:01:10.0"),
		pciaddr.MustParse("0000:01:10.2"),
		pciaddr.MustParse("0000:01:10.4"),
	}

	all, err := selectVFs(vfs, "")
	require.NoError(t, err)
	assert.Equal(t, vfs, all)

	some, err := selectVFs(vfs, "2,0-1,1")
	require.NoError(t, err)
	assert.Equal(t, vfs, some)

	_, err = selectVFs(vfs, "3")
	assert.ErrorContains(t, err, "out of range")
}

type fakeTeardown struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeTeardown) record(call string) error {
	f.calls = append(f.calls, call)
	if f.fail[call] {
		return errors.New(call + " failed")
	}
	return nil
}

func (f *fakeTeardown) Destroy(_ context.Context, domain string) error {
	return f.record("destroy " + domain)
}

func (f *fakeTeardown) NetDestroy(_ context.Context, name string) error {
	return f.record("net-destroy " + name)
}

func (f *fakeTeardown) NetUndefine(_ context.Context, name string) error {
	return f.record("net-undefine " + name)
}

func (f *fakeTeardown) Reset(context.Context) error {
	return f.record("reset")
}

func TestTeardownRunsEveryStep(t *testing.T) {
	f := &fakeTeardown{fail: map[string]bool{"destroy vm1": true, "net-destroy test-net": true}}

	err := teardown(context.Background(), f, f, "vm1", []string{"test-net"})
	require.Error(t, err)

	assert.Equal(t, []string{"destroy vm1", "reset", "net-destroy test-net", "net-undefine test-net"}, f.calls)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
}

func TestTeardownClean(t *testing.T) {
	f := &fakeTeardown{}
	require.NoError(t, teardown(context.Background(), f, f, "", nil))
	assert.Equal(t, []string{"reset"}, f.calls)
}

func TestProvisionCount(t *testing.T) {
	pf := types.PhysicalFunction{TotalVFs: 64, MaxVFs: 63}
	tests := []struct {
		name       string
		args       []string
		configured int
		infoCheck  bool
		want       int
		wantErr    string
	}{
		{name: "argument wins", args: []string{"3"}, configured: 5, want: 3},
		{name: "explicit zero", args: []string{"0"}, configured: 5, wantErr: "at least one VF"},
		{name: "negative", args: []string{"-2"}, wantErr: "at least one VF"},
		{name: "not a number", args: []string{"four"}, wantErr: `invalid count "four"`},
		{name: "configured", configured: 5, want: 5},
		{name: "planned", want: 32},
		{name: "planned for info check", infoCheck: true, want: 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := provisionCount(tt.args, tt.configured, pf, tt.infoCheck)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckAttachFlags(t *testing.T) {
	reset := func() {
		attachNetwork, attachConfig, attachOps = "", false, nil
		attachLoop, attachAllVFs, attachExpectInactive = 1, false, false
	}
	t.Cleanup(reset)

	tests := []struct {
		name    string
		set     func()
		wantErr string
	}{
		{name: "defaults", set: func() {}},
		{name: "loop", set: func() { attachLoop = 5; attachOps = []string{"reboot"} }},
		{name: "zero loop", set: func() { attachLoop = 0 }, wantErr: "--loop must be at least 1"},
		{name: "loop with config", set: func() { attachLoop = 2; attachConfig = true }, wantErr: "cannot be repeated"},
		{name: "inactive without network", set: func() { attachExpectInactive = true }, wantErr: "requires --network"},
		{name: "inactive network", set: func() { attachExpectInactive = true; attachNetwork = "test-net" }},
		{name: "inactive with ops", set: func() {
			attachExpectInactive = true
			attachNetwork = "test-net"
			attachOps = []string{"reboot"}
		}, wantErr: "does not take --op or --loop"},
		{name: "all VFs with loop", set: func() { attachAllVFs = true; attachLoop = 3 }, wantErr: "--all-vfs does not take"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset()
			tt.set()
			err := checkAttachFlags()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
