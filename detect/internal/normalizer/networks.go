package normalizer

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// DefaultInternalNetworks are the RFC 1918 and IPv6 unique-local ranges.
var DefaultInternalNetworks = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"}

// Networks classifies addresses as internal or external.
type Networks struct {
	prefixes []netip.Prefix
}

// NewNetworks parses CIDR strings. Bare addresses are accepted as /32 or /128.
func NewNetworks(cidrs []string) (*Networks, error) {
	n := &Networks{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			a, err := netip.ParseAddr(c)
			if err != nil {
				return nil, &models.ConfigError{Key: "network.internal_networks", Value: c, Reason: err.Error()}
			}
			n.prefixes = append(n.prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, &models.ConfigError{Key: "network.internal_networks", Value: c, Reason: err.Error()}
		}
		n.prefixes = append(n.prefixes, p.Masked())
	}
	return n, nil
}

// DefaultNetworks returns the private ranges.
func DefaultNetworks() *Networks {
	n, err := NewNetworks(DefaultInternalNetworks)
	if err != nil {
		panic(fmt.Sprintf("default networks: %v", err))
	}
	return n
}

// Internal reports whether a lies inside any configured prefix.
func (n *Networks) Internal(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	a = a.Unmap()
	for _, p := range n.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Direction classifies a source/destination pair.
func (n *Networks) Direction(src, dst netip.Addr) models.Direction {
	si, di := n.Internal(src), n.Internal(dst)
	switch {
	case si && di:
		return models.DirectionInternal
	case si:
		return models.DirectionOutbound
	case di:
		return models.DirectionInbound
	}
	return models.DirectionExternal
}

// Prefixes returns the configured prefixes.
func (n *Networks) Prefixes() []netip.Prefix {
	return append([]netip.Prefix(nil), n.prefixes...)
}
