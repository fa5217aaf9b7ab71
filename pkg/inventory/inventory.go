// Package inventory takes snapshots of the node device inventory by
// capability class and computes what changed between two snapshots.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Capability is a node device capability class.
type Capability string

const (
	CapabilityPCI Capability = "pci"
	CapabilityNet Capability = "net"
)

// Lister enumerates node device identifiers of one capability class. The
// order of the returned identifiers is not significant.
type Lister interface {
	ListDevices(ctx context.Context, capability Capability) ([]string, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func(ctx context.Context, capability Capability) ([]string, error)

// ListDevices calls f.
func (f ListerFunc) ListDevices(ctx context.Context, capability Capability) ([]string, error) {
	return f(ctx, capability)
}

// Snapshot is an immutable set of node device identifiers taken at one
// instant.
type Snapshot struct {
	Capability Capability
	devices    sets.Set[string]
}

// Take lists the devices of one capability class.
func Take(ctx context.Context, lister Lister, capability Capability) (Snapshot, error) {
	names, err := lister.ListDevices(ctx, capability)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list %s devices: %w", capability, err)
	}
	return NewSnapshot(capability, names...), nil
}

// NewSnapshot builds a snapshot from identifiers. Blank identifiers are
// ignored.
func NewSnapshot(capability Capability, names ...string) Snapshot {
	devices := sets.New[string]()
	for _, name := range names {
		if name != "" {
			devices.Insert(name)
		}
	}
	return Snapshot{Capability: capability, devices: devices}
}

// Len returns the number of devices in the snapshot.
func (s Snapshot) Len() int {
	return s.devices.Len()
}

// Added returns the identifiers present in s but not in before, sorted.
func (s Snapshot) Added(before Snapshot) []string {
	if s.devices == nil {
		return nil
	}
	added := s.devices.Difference(before.devices).UnsortedList()
	sort.Strings(added)
	return added
}
