// Package indicator holds the whitelist and threat intelligence sets consulted
// on the detection path. Sets are immutable snapshots replaced as a whole.
package indicator

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

type set struct {
	ips     map[netip.Addr]*models.Indicator
	cidrs   map[int]map[netip.Prefix]*models.Indicator
	bits    []int
	domains map[string]*models.Indicator
	ja3     map[string]*models.Indicator
	hashes  map[string]*models.Indicator
}

func newSet() set {
	return set{
		ips:     make(map[netip.Addr]*models.Indicator),
		cidrs:   make(map[int]map[netip.Prefix]*models.Indicator),
		domains: make(map[string]*models.Indicator),
		ja3:     make(map[string]*models.Indicator),
		hashes:  make(map[string]*models.Indicator),
	}
}

func (s *set) len() int {
	n := len(s.ips) + len(s.domains) + len(s.ja3) + len(s.hashes)
	for _, m := range s.cidrs {
		n += len(m)
	}
	return n
}

func keep(cur *models.Indicator, next *models.Indicator) bool {
	return cur == nil || next.Confidence > cur.Confidence
}

func (s *set) add(ind *models.Indicator) {
	switch ind.Kind {
	case models.IndicatorIP:
		a := netip.MustParseAddr(ind.Value)
		if keep(s.ips[a], ind) {
			s.ips[a] = ind
		}
	case models.IndicatorCIDR:
		p := netip.MustParsePrefix(ind.Value)
		m, ok := s.cidrs[p.Bits()]
		if !ok {
			m = make(map[netip.Prefix]*models.Indicator)
			s.cidrs[p.Bits()] = m
			s.bits = append(s.bits, p.Bits())
			sort.Sort(sort.Reverse(sort.IntSlice(s.bits)))
		}
		if keep(m[p], ind) {
			m[p] = ind
		}
	case models.IndicatorDomain:
		if keep(s.domains[ind.Value], ind) {
			s.domains[ind.Value] = ind
		}
	case models.IndicatorJA3:
		if keep(s.ja3[ind.Value], ind) {
			s.ja3[ind.Value] = ind
		}
	case models.IndicatorHash:
		if keep(s.hashes[ind.Value], ind) {
			s.hashes[ind.Value] = ind
		}
	}
}

func live(ind *models.Indicator, now time.Time) *models.Indicator {
	if ind == nil || ind.Expired(now) {
		return nil
	}
	return ind
}

func (s *set) addr(a netip.Addr, now time.Time) *models.Indicator {
	if !a.IsValid() {
		return nil
	}
	a = a.Unmap()
	if ind := live(s.ips[a], now); ind != nil {
		return ind
	}
	// Longest prefix first.
	for _, bits := range s.bits {
		if bits > a.BitLen() {
			continue
		}
		p, err := a.Prefix(bits)
		if err != nil {
			continue
		}
		if ind := live(s.cidrs[bits][p], now); ind != nil {
			return ind
		}
	}
	return nil
}

func (s *set) domain(d string, now time.Time) *models.Indicator {
	d = NormalizeDomain(d)
	for d != "" {
		if ind := live(s.domains[d], now); ind != nil {
			return ind
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return nil
}

// Snapshot is one immutable generation of the whitelist and blacklist.
type Snapshot struct {
	Version uint64
	BuiltAt time.Time

	white set
	black set
	all   []models.Indicator
}

// Whitelisted reports whether a is on the whitelist.
func (s *Snapshot) Whitelisted(a netip.Addr, now time.Time) bool {
	if s == nil {
		return false
	}
	return s.white.addr(a, now) != nil
}

// WhitelistedDomain reports whether d or one of its parents is whitelisted.
func (s *Snapshot) WhitelistedDomain(d string, now time.Time) bool {
	if s == nil || d == "" {
		return false
	}
	return s.white.domain(d, now) != nil
}

// LookupAddr returns the blacklist entry covering a, exact addresses first,
// then the longest matching CIDR.
func (s *Snapshot) LookupAddr(a netip.Addr, now time.Time) (*models.Indicator, bool) {
	if s == nil {
		return nil, false
	}
	ind := s.black.addr(a, now)
	return ind, ind != nil
}

// LookupDomain returns the blacklist entry for d or its closest listed
// parent domain.
func (s *Snapshot) LookupDomain(d string, now time.Time) (*models.Indicator, bool) {
	if s == nil || d == "" {
		return nil, false
	}
	ind := s.black.domain(d, now)
	return ind, ind != nil
}

// LookupJA3 returns the blacklist entry for a JA3 or JA3S digest.
func (s *Snapshot) LookupJA3(digest string, now time.Time) (*models.Indicator, bool) {
	if s == nil || digest == "" {
		return nil, false
	}
	ind := live(s.black.ja3[strings.ToLower(digest)], now)
	return ind, ind != nil
}

// LookupHash returns the blacklist entry for a file hash.
func (s *Snapshot) LookupHash(h string, now time.Time) (*models.Indicator, bool) {
	if s == nil || h == "" {
		return nil, false
	}
	ind := live(s.black.hashes[strings.ToLower(h)], now)
	return ind, ind != nil
}

// Len returns the number of entries on one list.
func (s *Snapshot) Len(list models.ListKind) int {
	if s == nil {
		return 0
	}
	if list == models.ListWhitelist {
		return s.white.len()
	}
	return s.black.len()
}

// Indicators returns every entry in the snapshot, in insertion order.
func (s *Snapshot) Indicators() []models.Indicator {
	if s == nil {
		return nil
	}
	return append([]models.Indicator(nil), s.all...)
}

// Builder accumulates indicators for a new snapshot.
type Builder struct {
	white set
	black set
	all   []models.Indicator
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{white: newSet(), black: newSet()}
}

// Add validates and normalizes ind and adds it. Values that do not parse for
// their kind return an error wrapping models.ErrParse and are skipped.
func (b *Builder) Add(ind models.Indicator) error {
	v, err := normalizeValue(ind.Kind, ind.Value)
	if err != nil {
		return err
	}
	ind.Value = v
	// A /32 or /128 is an exact address.
	if ind.Kind == models.IndicatorCIDR {
		p := netip.MustParsePrefix(v)
		if p.IsSingleIP() {
			ind.Kind = models.IndicatorIP
			ind.Value = p.Addr().String()
		}
	}
	b.all = append(b.all, ind)
	cp := ind
	if ind.List == models.ListWhitelist {
		b.white.add(&cp)
	} else {
		b.black.add(&cp)
	}
	return nil
}

// AddAll adds every indicator and returns how many were rejected.
func (b *Builder) AddAll(inds []models.Indicator) (rejected int) {
	for _, ind := range inds {
		if err := b.Add(ind); err != nil {
			rejected++
		}
	}
	return rejected
}

// Len returns the number of accepted indicators.
func (b *Builder) Len() int { return len(b.all) }

// Build freezes the builder into a snapshot. The builder must not be reused.
func (b *Builder) Build(version uint64) *Snapshot {
	return &Snapshot{
		Version: version,
		BuiltAt: time.Now(),
		white:   b.white,
		black:   b.black,
		all:     b.all,
	}
}

// Store publishes snapshots to the detection path. Readers never block.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore returns a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(NewBuilder().Build(0))
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish builds b and makes it the active snapshot.
func (s *Store) Publish(b *Builder) *Snapshot {
	snap := b.Build(s.version.Add(1))
	s.current.Store(snap)
	return snap
}

// Replace builds a snapshot from inds and publishes it.
func (s *Store) Replace(inds []models.Indicator) (*Snapshot, int) {
	b := NewBuilder()
	rejected := b.AddAll(inds)
	return s.Publish(b), rejected
}

// NormalizeDomain lowercases d and strips the trailing dot, a leading "*."
// and any port.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "*.")
	if h, _, ok := strings.Cut(d, ":"); ok && !strings.Contains(h, "[") {
		d = h
	}
	return d
}

func normalizeValue(kind models.IndicatorKind, v string) (string, error) {
	v = strings.TrimSpace(v)
	switch kind {
	case models.IndicatorIP:
		a, err := netip.ParseAddr(v)
		if err != nil {
			return "", fmt.Errorf("%w: indicator ip %q", models.ErrParse, v)
		}
		return a.Unmap().String(), nil
	case models.IndicatorCIDR:
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return "", fmt.Errorf("%w: indicator cidr %q", models.ErrParse, v)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked().String(), nil
	case models.IndicatorDomain:
		d := NormalizeDomain(v)
		if d == "" || strings.ContainsAny(d, " /") {
			return "", fmt.Errorf("%w: indicator domain %q", models.ErrParse, v)
		}
		return d, nil
	case models.IndicatorJA3, models.IndicatorHash:
		h := strings.ToLower(v)
		if !isHex(h) {
			return "", fmt.Errorf("%w: indicator %s %q", models.ErrParse, kind, v)
		}
		if kind == models.IndicatorJA3 && len(h) != 32 {
			return "", fmt.Errorf("%w: ja3 digest must be 32 hex chars", models.ErrParse)
		}
		return h, nil
	}
	return "", fmt.Errorf("%w: unknown indicator kind %d", models.ErrParse, kind)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Classify guesses the kind of a bare indicator value. Values may carry an
// explicit "kind:" prefix, e.g. "ja3:72a589da...".
func Classify(v string) (models.IndicatorKind, string, error) {
	v = strings.TrimSpace(v)
	if k, rest, ok := strings.Cut(v, ":"); ok {
		if kind, err := models.ParseIndicatorKind(k); err == nil {
			return kind, rest, nil
		}
	}
	if strings.Contains(v, "/") {
		if _, err := netip.ParsePrefix(v); err == nil {
			return models.IndicatorCIDR, v, nil
		}
	}
	if _, err := netip.ParseAddr(v); err == nil {
		return models.IndicatorIP, v, nil
	}
	lv := strings.ToLower(v)
	if isHex(lv) && (len(lv) == 40 || len(lv) == 64) {
		return models.IndicatorHash, lv, nil
	}
	if strings.Contains(v, ".") {
		return models.IndicatorDomain, v, nil
	}
	return 0, "", fmt.Errorf("%w: cannot classify indicator %q", models.ErrParse, v)
}
