// Package guest discovers guest network addresses from the host side.
package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/poll"
)

// Address sources understood by virsh domifaddr.
const (
	SourceLease = "lease"
	SourceAgent = "agent"
	SourceARP   = "arp"
)

// ErrNoAddress is returned when no IPv4 address shows up for a MAC in time.
var ErrNoAddress = errors.New("no IPv4 address for MAC")

// Address is one row of the domifaddr table.
type Address struct {
	Interface string
	MAC       string
	Protocol  string
	Prefix    netip.Prefix
}

// ParseDomIfAddr parses virsh domifaddr output. Continuation rows, which
// print "-" for name and MAC, inherit them from the row above.
func ParseDomIfAddr(out string) ([]Address, error) {
	var (
		addrs       []Address
		name, mac   string
		headerFound bool
	)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if !headerFound {
			if fields[0] == "Name" {
				headerFound = true
			}
			continue
		}
		if strings.Trim(fields[0], "-") == "" && len(fields) == 1 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected domifaddr row %q", strings.TrimSpace(line))
		}
		if fields[0] != "-" {
			name = fields[0]
		}
		if fields[1] != "-" {
			mac = strings.ToLower(fields[1])
		}
		prefix, err := netip.ParsePrefix(fields[3])
		if err != nil {
			return nil, fmt.Errorf("invalid address in domifaddr row %q: %w", strings.TrimSpace(line), err)
		}
		addrs = append(addrs, Address{Interface: name, MAC: mac, Protocol: fields[2], Prefix: prefix})
	}
	return addrs, nil
}

// AddressLister returns the raw domifaddr table of a domain.
type AddressLister interface {
	DomIfAddr(ctx context.Context, domain, source string) (string, error)
}

// Resolver polls a domain's interface addresses.
type Resolver struct {
	Lister   AddressLister
	Source   string
	Interval time.Duration
	log      *logrus.Entry
}

// NewResolver returns a resolver reading DHCP leases every two seconds.
func NewResolver(lister AddressLister) *Resolver {
	return &Resolver{
		Lister:   lister,
		Source:   SourceLease,
		Interval: 2 * time.Second,
		log:      logging.Component("guest"),
	}
}

// IPByMAC waits until the interface with mac has an IPv4 address. Listing
// errors are retried since the domain may still be booting.
func (r *Resolver) IPByMAC(ctx context.Context, domain, mac string, timeout time.Duration) (netip.Addr, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid MAC %q: %w", mac, err)
	}
	want := hw.String()
	logger := r.log.WithFields(logrus.Fields{"domain": domain, "mac": want})

	var lastErr error
	result, err := poll.Until(ctx, r.Interval, timeout, func(ctx context.Context) (netip.Addr, bool, error) {
		out, err := r.Lister.DomIfAddr(ctx, domain, r.Source)
		if err != nil {
			lastErr = err
			logger.WithError(err).Debug("domifaddr failed")
			return netip.Addr{}, false, nil
		}
		addrs, err := ParseDomIfAddr(out)
		if err != nil {
			return netip.Addr{}, false, err
		}
		for _, a := range addrs {
			if a.MAC == want && a.Prefix.Addr().Is4() {
				return a.Prefix.Addr(), true, nil
			}
		}
		return netip.Addr{}, false, nil
	})
	if err != nil {
		return netip.Addr{}, err
	}
	if !result.Converged() {
		if lastErr != nil {
			return netip.Addr{}, fmt.Errorf("%w %s on %s: %w", ErrNoAddress, want, domain, lastErr)
		}
		return netip.Addr{}, fmt.Errorf("%w %s on %s", ErrNoAddress, want, domain)
	}
	logger.WithField("ip", result.Value.String()).Debug("guest address found")
	return result.Value, nil
}
