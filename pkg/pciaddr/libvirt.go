package pciaddr

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DomainAddress returns the address as a libvirt domain PCI address.
func (a Address) DomainAddress() *libvirtxml.DomainAddressPCI {
	domain, bus, slot, function := a.uints()
	return &libvirtxml.DomainAddressPCI{
		Domain:   &domain,
		Bus:      &bus,
		Slot:     &slot,
		Function: &function,
	}
}

// ForwardAddress returns the address as a libvirt network forward address.
func (a Address) ForwardAddress() libvirtxml.NetworkForwardAddress {
	domain, bus, slot, function := a.uints()
	return libvirtxml.NetworkForwardAddress{
		PCI: &libvirtxml.NetworkForwardAddressPCI{
			Domain:   &domain,
			Bus:      &bus,
			Slot:     &slot,
			Function: &function,
		},
	}
}

// FromDomainAddress converts a libvirt domain PCI address.
func FromDomainAddress(x *libvirtxml.DomainAddressPCI) (Address, error) {
	if x == nil {
		return Address{}, &MalformedAddressError{Input: "<nil>", Reason: "address is nil"}
	}
	return fromUints(x.Domain, x.Bus, x.Slot, x.Function)
}

// FromNodeDeviceAddress converts a node device PCI address, as found in the
// virt_functions and phys_function capabilities.
func FromNodeDeviceAddress(x libvirtxml.NodeDevicePCIAddress) (Address, error) {
	return fromUints(x.Domain, x.Bus, x.Slot, x.Function)
}

func (a Address) uints() (uint, uint, uint, uint) {
	return uint(a.Domain), uint(a.Bus), uint(a.Slot), uint(a.Function)
}

func fromUints(domain, bus, slot, function *uint) (Address, error) {
	input := fmt.Sprintf("%s:%s:%s.%s", show(domain), show(bus), show(slot), show(function))
	if domain == nil || bus == nil || slot == nil || function == nil {
		return Address{}, &MalformedAddressError{Input: input, Reason: "address component missing"}
	}
	if *domain > 0xffff || *bus > 0xff || *slot > maxSlot || *function > maxFunction {
		return Address{}, &MalformedAddressError{Input: input, Reason: "address component exceeds width"}
	}
	return Address{
		Domain:   uint16(*domain),
		Bus:      uint8(*bus),
		Slot:     uint8(*slot),
		Function: uint8(*function),
	}, nil
}

func show(v *uint) string {
	if v == nil {
		return "?"
	}
	return fmt.Sprintf("%x", *v)
}
