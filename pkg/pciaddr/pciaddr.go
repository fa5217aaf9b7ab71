// Package pciaddr converts PCI addresses between their structured form and
// the two textual forms used by hardware tooling ("0000:03:00.1") and by the
// libvirt node device layer ("pci_0000_03_00_1").
package pciaddr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// NodeNamePrefix prefixes every PCI node device name.
	NodeNamePrefix = "pci"

	maxSlot     = 0x1f
	maxFunction = 0x7
)

// fieldBits holds the width of domain, bus, slot and function.
var fieldBits = [4]int{16, 8, 8, 8}

var (
	addressPattern  = regexp.MustCompile(`^([\da-fA-F]{4}):([\da-fA-F]{2}):([\da-fA-F]{2})\.([\da-fA-F]{1})$`)
	nodeNamePattern = regexp.MustCompile(`^pci_([\da-fA-F]{4})_([\da-fA-F]{2})_([\da-fA-F]{2})_([\da-fA-F]{1})$`)
)

// Address is a PCI domain/bus/slot/function tuple.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// MalformedAddressError is returned when a string does not decode into a
// four field PCI address.
type MalformedAddressError struct {
	Input  string
	Reason string
}

func (e *MalformedAddressError) Error() string {
	return fmt.Sprintf("malformed PCI address %q: %s", e.Input, e.Reason)
}

// Parse decodes the colon/dot form "dddd:bb:ss.f".
func Parse(s string) (Address, error) {
	m := addressPattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, &MalformedAddressError{Input: s, Reason: "expected dddd:bb:ss.f"}
	}
	return fromFields(s, m[1:])
}

// ParseNodeName decodes the node device form "pci_dddd_bb_ss_f".
func ParseNodeName(s string) (Address, error) {
	m := nodeNamePattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, &MalformedAddressError{Input: s, Reason: "expected pci_dddd_bb_ss_f"}
	}
	return fromFields(s, m[1:])
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func fromFields(input string, fields []string) (Address, error) {
	if len(fields) != 4 {
		return Address{}, &MalformedAddressError{Input: input, Reason: fmt.Sprintf("expected 4 fields, got %d", len(fields))}
	}
	var values [4]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, fieldBits[i])
		if err != nil {
			return Address{}, &MalformedAddressError{Input: input, Reason: err.Error()}
		}
		values[i] = v
	}
	a := Address{
		Domain:   uint16(values[0]),
		Bus:      uint8(values[1]),
		Slot:     uint8(values[2]),
		Function: uint8(values[3]),
	}
	if err := a.validate(); err != nil {
		return Address{}, &MalformedAddressError{Input: input, Reason: err.Error()}
	}
	return a, nil
}

func (a Address) validate() error {
	if a.Slot > maxSlot {
		return fmt.Errorf("slot 0x%x out of range", a.Slot)
	}
	if a.Function > maxFunction {
		return fmt.Errorf("function 0x%x out of range", a.Function)
	}
	return nil
}

// String returns the colon/dot form.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// NodeName returns the node device form.
func (a Address) NodeName() string {
	return fmt.Sprintf("%s_%04x_%02x_%02x_%x", NodeNamePrefix, a.Domain, a.Bus, a.Slot, a.Function)
}

// Less orders addresses by domain, bus, slot and function.
func (a Address) Less(b Address) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.Function < b.Function
}

// Attrs returns the 0x-prefixed attribute map used in libvirt address
// elements, e.g. {"type": "pci", "domain": "0x0000", ...}.
func (a Address) Attrs() map[string]string {
	return map[string]string{
		"type":     "pci",
		"domain":   fmt.Sprintf("0x%04x", a.Domain),
		"bus":      fmt.Sprintf("0x%02x", a.Bus),
		"slot":     fmt.Sprintf("0x%02x", a.Slot),
		"function": fmt.Sprintf("0x%x", a.Function),
	}
}

// FromAttrs is the inverse of Attrs. The "type" key is optional but must be
// "pci" when present.
func FromAttrs(attrs map[string]string) (Address, error) {
	input := fmt.Sprintf("%v", attrs)
	if t, ok := attrs["type"]; ok && t != "pci" {
		return Address{}, &MalformedAddressError{Input: input, Reason: fmt.Sprintf("address type %s is not pci", t)}
	}
	fields := make([]string, 0, 4)
	for _, key := range []string{"domain", "bus", "slot", "function"} {
		v, ok := attrs[key]
		if !ok || v == "" {
			return Address{}, &MalformedAddressError{Input: input, Reason: fmt.Sprintf("missing %s", key)}
		}
		fields = append(fields, strings.TrimPrefix(strings.ToLower(v), "0x"))
	}
	return fromFields(input, fields)
}

// MarshalText encodes the colon/dot form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts the colon/dot form.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
