package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/sysfs"
	"sriov-provisioner/pkg/sysfs/sysfstest"
	"sriov-provisioner/pkg/types"
)

// kernelSim writes sriov_numvfs through sysfs.FS and then creates or
// removes the VF devices in the fake tree the way the kernel would. The
// inventory comes from the tree through FS.ListDevices.
type kernelSim struct {
	*sysfs.FS
	tree    *sysfstest.Tree
	created []pciaddr.Address
}

func simVF(i int) pciaddr.Address {
	return pciaddr.Address{Bus: 1, Slot: 0x10, Function: uint8(i)}
}

func (k *kernelSim) SetVFCount(ctx context.Context, pf pciaddr.Address, count int) error {
	if err := k.FS.SetVFCount(ctx, pf, count); err != nil {
		return err
	}
	for i, vf := range k.created {
		k.tree.RemoveVF(pf, i, vf)
	}
	k.created = nil
	for i := 0; i < count; i++ {
		vf := simVF(i)
		k.tree.AddVF(pf, i, vf, "ixgbevf", fmt.Sprintf("enp1s16f%d", i))
		k.created = append(k.created, vf)
	}
	return nil
}

func TestProvisionAgainstSysfsTree(t *testing.T) {
	tree := sysfstest.New(t)
	pf := pciaddr.MustParse("0000:01:00.0")
	tree.AddPF(pf, "ixgbe", "enp1s0f0", "up", 8)
	sim := &kernelSim{FS: sysfs.New(tree.Root), tree: tree}

	r, err := New(Config{
		PF:        types.PhysicalFunction{Address: pf, InterfaceName: "enp1s0f0", TotalVFs: 8, MaxVFs: 7},
		Timeout:   time.Second,
		Interval:  5 * time.Millisecond,
		Inventory: sim,
		Device:    sim,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	vfs, err := r.Provision(ctx, 3)
	require.NoError(t, err)
	require.Len(t, vfs, 3)
	for i, vf := range vfs {
		assert.Equal(t, simVF(i), vf.Address)
		assert.Equal(t, fmt.Sprintf("enp1s16f%d", i), vf.InterfaceName)
		assert.Equal(t, pf, vf.PhysicalFunction)
	}
	assert.Equal(t, "3", tree.ReadFile("bus/pci/devices/0000:01:00.0/sriov_numvfs"))

	// A second provision resets first, so a different count is accepted.
	vfs, err = r.Provision(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, vfs, 5)

	require.NoError(t, r.Reset(ctx))
	assert.Equal(t, "0", tree.ReadFile("bus/pci/devices/0000:01:00.0/sriov_numvfs"))
	remaining, err := sim.VirtualFunctions(pf)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
