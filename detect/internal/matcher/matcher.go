// Package matcher checks flow observables against the indicator blacklist.
//
// The lookups run against the indicator snapshot loaded for the batch, so a
// feed refresh never changes the answer halfway through a batch. Exact
// values hit hash maps and CIDRs hit one map per prefix length.
package matcher

import (
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// LocalFeed is the feed name of the blacklist configured under
// indicators.blacklist.
const LocalFeed = "local"

// Descriptor is the indicator matcher as a detector.
var Descriptor = detector.Descriptor{
	Key:    "indicator_match",
	Family: detector.FamilyIndicator,
	Threats: []models.ThreatType{
		models.ThreatBlacklistedIP,
		models.ThreatFeedMatch,
		models.ThreatMaliciousDomain,
		models.ThreatMaliciousJA3,
		models.ThreatMaliciousFileHash,
	},
	Params: []config.ParamSpec{
		config.Int("min_confidence", 0, 0, 100, "indicators below this confidence are ignored"),
		config.Strings("local_feeds", []string{LocalFeed}, "feeds whose address hits raise BLACKLISTED_IP instead of THREAT_FEED_MATCH"),
		config.Bool("match_domains", true, "look up DNS questions, TLS SNI and HTTP Host"),
	},
	New: func() detector.Detector {
		return &matcher{seen: detector.NewKeyed[hitKey](detector.NewCooldown)}
	},
}

// hitKey silences repeats of one indicator between the same endpoints.
type hitKey struct {
	src, dst netip.Addr
	threat   models.ThreatType
	value    string
}

type matcher struct {
	seen detector.Keyed[hitKey, window.Cooldown]
}

func (m *matcher) Observe(c *detector.Context, f *models.Flow) {
	if c.Indicators == nil || c.Indicators.Len(models.ListBlacklist) == 0 {
		return
	}
	m.address(c, f)
	if c.Params.Bool("match_domains") {
		m.domains(c, f)
	}
	m.ja3(c, f)
	if f.FileHash != "" {
		if ind, ok := c.Indicators.LookupHash(f.FileHash, c.Now); ok {
			m.hit(c, f, models.ThreatMaliciousFileHash, ind, "file_hash", f.FileHash,
				"%s transferred a file with known malicious hash %s", f.SrcIP, f.FileHash)
		}
	}
}

// address looks up the remote side of the flow: the destination, or the
// source when the flow comes in from outside.
func (m *matcher) address(c *detector.Context, f *models.Flow) {
	remote := f.DstIP
	if f.Direction == models.DirectionInbound {
		remote = f.SrcIP
	}
	ind, ok := c.Indicators.LookupAddr(remote, c.Now)
	if !ok {
		return
	}
	t := models.ThreatFeedMatch
	if slices.Contains(c.Params.Strings("local_feeds"), ind.Feed) {
		t = models.ThreatBlacklistedIP
	}
	if f.Direction == models.DirectionInbound {
		m.hit(c, f, t, ind, "source", remote.String(), "blacklisted host %s connected to %s", remote, f.DstIP)
		return
	}
	m.hit(c, f, t, ind, "destination", remote.String(), "%s connected to blacklisted host %s", f.SrcIP, remote)
}

func (m *matcher) domains(c *detector.Context, f *models.Flow) {
	var names [4]struct{ where, name string }
	n := 0
	add := func(where, name string) {
		name = indicator.NormalizeDomain(name)
		if name == "" {
			return
		}
		for _, x := range names[:n] {
			if x.name == name {
				return
			}
		}
		names[n].where, names[n].name = where, name
		n++
	}

	add("flow", f.Domain)
	if msg := c.DNS(); msg != nil && !msg.Msg.Response {
		add("dns", msg.Name)
	}
	if hs := c.TLS(); hs != nil && hs.Client != nil {
		add("sni", hs.Client.SNI)
	}
	if req := c.HTTP(); req != nil {
		add("http_host", hostOnly(req.Host))
	}

	for _, x := range names[:n] {
		if ind, ok := c.Indicators.LookupDomain(x.name, c.Now); ok {
			m.hit(c, f, models.ThreatMaliciousDomain, ind, x.where, x.name,
				"%s contacted malicious domain %s", f.SrcIP, x.name)
		}
	}
}

func (m *matcher) ja3(c *detector.Context, f *models.Flow) {
	digest := f.JA3
	if digest == "" {
		if hs := c.TLS(); hs != nil && hs.Client != nil {
			digest = hs.Client.JA3()
		}
	}
	if digest == "" {
		return
	}
	if ind, ok := c.Indicators.LookupJA3(digest, c.Now); ok {
		m.hit(c, f, models.ThreatMaliciousJA3, ind, "ja3", digest,
			"%s presented JA3 %s listed by %s", f.SrcIP, digest, ind.Feed)
	}
}

func (m *matcher) hit(c *detector.Context, f *models.Flow, t models.ThreatType, ind *models.Indicator, where, value, format string, args ...any) {
	if ind.Confidence < c.Params.Int("min_confidence") {
		return
	}
	metrics.IndicatorMatches.WithLabelValues(ind.Kind.String()).Inc()

	cd := m.seen.Get(c, hitKey{f.SrcIP, f.DstIP, t, value}, f.Mono)
	if cd == nil || !cd.Ready(f.Mono) {
		return
	}
	cd.Arm(f.Mono, c.Cooldown())

	a := c.Alert(t, f, format, args...).
		WithEvidence(
			"indicator", ind.Value,
			"indicator_kind", ind.Kind.String(),
			"matched", where,
			"observed", value,
			"feed", ind.Feed,
			"confidence", strconv.Itoa(ind.Confidence),
		)
	if ind.Description != "" {
		a.WithEvidence("description", ind.Description)
	}
	if !ind.Expires.IsZero() {
		a.WithEvidence("expires", ind.Expires.UTC().Format(time.RFC3339))
	}
	c.Emit(a)
}

func (m *matcher) Evict(now, idle time.Duration, batch int) int {
	return m.seen.Evict(now, idle, batch)
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.TrimSuffix(h, ".")
}
