package models

import (
	"strings"
	"time"
)

// IndicatorKind is the value type of an indicator.
type IndicatorKind uint8

const (
	IndicatorIP IndicatorKind = iota
	IndicatorCIDR
	IndicatorDomain
	IndicatorJA3
	IndicatorHash
)

var indicatorKindNames = [...]string{"ip", "cidr", "domain", "ja3", "hash"}

func (k IndicatorKind) String() string {
	if int(k) < len(indicatorKindNames) {
		return indicatorKindNames[k]
	}
	return "unknown"
}

// ParseIndicatorKind resolves a kind name.
func ParseIndicatorKind(s string) (IndicatorKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range indicatorKindNames {
		if n == s {
			return IndicatorKind(i), nil
		}
	}
	return 0, NewParseError("indicator", "unknown kind %q", s)
}

// ListKind separates allow entries from block entries.
type ListKind uint8

const (
	ListBlacklist ListKind = iota
	ListWhitelist
)

func (l ListKind) String() string {
	if l == ListWhitelist {
		return "whitelist"
	}
	return "blacklist"
}

// Indicator is one piece of threat intelligence or one allow-list entry.
type Indicator struct {
	Kind        IndicatorKind `json:"kind"`
	Value       string        `json:"value"`
	Feed        string        `json:"feed"`
	Confidence  int           `json:"confidence"`
	List        ListKind      `json:"list"`
	Description string        `json:"description,omitempty"`
	Expires     time.Time     `json:"expires,omitempty"`
}

// Expired reports whether the indicator is past its expiry. A zero expiry
// never expires.
func (i Indicator) Expired(now time.Time) bool {
	return !i.Expires.IsZero() && !now.Before(i.Expires)
}

// ParseListKind resolves "whitelist" or "blacklist".
func ParseListKind(s string) (ListKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blacklist", "block", "":
		return ListBlacklist, nil
	case "whitelist", "allow":
		return ListWhitelist, nil
	}
	return 0, NewParseError("indicator", "unknown list %q", s)
}
