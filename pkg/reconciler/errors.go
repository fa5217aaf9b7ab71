package reconciler

import (
	"fmt"
	"strings"
	"time"

	"sriov-provisioner/pkg/pciaddr"
)

// Reasons reported in ProvisioningError.
const (
	ReasonInvalidCount  = "requested count out of range"
	ReasonReset         = "failed to reset virtual functions"
	ReasonInventory     = "failed to list device inventory"
	ReasonCommandFailed = "reconfiguration command failed"
	ReasonNotConverged  = "device enumeration did not converge"
	ReasonResolve       = "failed to resolve virtual functions"
	ReasonCanceled      = "canceled while waiting for devices"
)

// ProvisioningError is returned when the VF count could not be applied or
// the expected devices never appeared. No virtual functions are returned
// alongside it.
type ProvisioningError struct {
	PF        pciaddr.Address
	Requested int
	Observed  int
	Elapsed   time.Duration
	Reason    string
	Err       error
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("provisioning %d VFs on %s: %s (observed %d after %s)",
		e.Requested, e.PF, e.Reason, e.Observed, e.Elapsed.Round(time.Millisecond))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// ConsistencyError is returned when the interface names recovered from the
// net inventory differ from those resolved through the new PCI devices.
type ConsistencyError struct {
	PF          pciaddr.Address
	FromNodedev []string
	FromSysfs   []string
	Detail      string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("inconsistent VF names on %s: net inventory [%s], pci bindings [%s]",
		e.PF, strings.Join(e.FromNodedev, " "), strings.Join(e.FromSysfs, " "))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
