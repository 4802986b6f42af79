package protocol

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// question returns the DNS query carried by f, or nil for responses,
// reverse lookups and whitelisted domains.
func question(c *detector.Context) *parse.DNSMessage {
	msg := c.DNS()
	if msg == nil || msg.Response() || msg.Name == "" {
		return nil
	}
	if strings.HasSuffix(msg.Name, ".arpa") || strings.HasSuffix(msg.Name, ".local") {
		return nil
	}
	if c.Indicators.WhitelistedDomain(msg.Name, c.Now) {
		return nil
	}
	return msg
}

type tunnelKey struct {
	client netip.Addr
	base   string
}

type tunnelState struct {
	suspicious *window.Counter
	longest    int
	cd         window.Cooldown
}

func newTunnelState() *tunnelState {
	return &tunnelState{suspicious: window.NewCounter(0)}
}

// DNSTunnel counts suspicious queries per client and base domain.
var DNSTunnel = detector.Descriptor{
	Key:     "dns_tunnel",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatDNSTunnel},
	Params: []config.ParamSpec{
		config.Int("subdomain_length", 50, 8, 253, "subdomain length that marks a query suspicious"),
		config.Float("entropy_threshold", 4.5, 1, 8, "subdomain entropy that marks a query suspicious"),
		config.Int("query_count", 10, 2, 1e6, "suspicious queries per client and base domain"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &dnsTunnel{state: detector.NewKeyed[tunnelKey](newTunnelState)}
	},
}

type dnsTunnel struct {
	state detector.Keyed[tunnelKey, tunnelState]
}

func (d *dnsTunnel) Observe(c *detector.Context, f *models.Flow) {
	msg := question(c)
	if msg == nil {
		return
	}
	sub := parse.Subdomain(msg.Name)
	labels := strings.ReplaceAll(sub, ".", "")
	h := shannon([]byte(labels))
	reasons := make([]string, 0, 3)
	if len(sub) >= c.Params.Int("subdomain_length") {
		reasons = append(reasons, "long_subdomain")
	}
	if len(labels) >= 20 && h >= c.Params.Float("entropy_threshold") {
		reasons = append(reasons, "high_entropy")
	}
	if msg.QType == dns.TypeTXT || msg.QType == dns.TypeNULL {
		reasons = append(reasons, "record_"+strings.ToLower(msg.QTypeName()))
	}
	if len(reasons) == 0 {
		return
	}

	base := parse.BaseDomain(msg.Name)
	st := d.state.Get(c, tunnelKey{f.SrcIP, base}, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	st.suspicious.Add(f.Mono, w, 1)
	st.longest = max(st.longest, len(sub))
	n := st.suspicious.Count()
	if n < c.Params.Int("query_count") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatDNSTunnel, f, "%s sent %d suspicious queries under %s within %s", f.SrcIP, n, base, w).
		WithEvidence(
			"queries", itoa(n),
			"base_domain", base,
			"max_subdomain_length", itoa(st.longest),
			"entropy", ftoa(h),
			"qtype", msg.QTypeName(),
			"reasons", strings.Join(reasons, ","),
			"last_query", truncate(msg.Name, 253),
		))
}

func (d *dnsTunnel) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// DGA flags queried domains whose registrable label looks machine generated.
var DGA = detector.Descriptor{
	Key:     "dga",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatDGADomain},
	Params: []config.ParamSpec{
		config.Float("entropy_threshold", 3.5, 1, 8, "label entropy in bits per character"),
		config.Float("consonant_ratio", 0.65, 0.1, 1, "share of consonants among letters"),
		config.Int("min_length", 10, 4, 63, "shortest label considered"),
	},
	New: func() detector.Detector {
		return &dga{limit: newLimiter()}
	},
}

type dga struct {
	limit limiter
}

func (d *dga) Observe(c *detector.Context, f *models.Flow) {
	msg := question(c)
	if msg == nil {
		return
	}
	base := parse.BaseDomain(msg.Name)
	label, _, _ := strings.Cut(base, ".")
	if len(label) < c.Params.Int("min_length") {
		return
	}
	h := shannon([]byte(label))
	ratio, ok := consonants(label)
	if !ok || h < c.Params.Float("entropy_threshold") || ratio < c.Params.Float("consonant_ratio") {
		return
	}
	if !d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatDGADomain, f.Mono) {
		return
	}
	c.Emit(c.Alert(models.ThreatDGADomain, f, "%s resolved %s which looks algorithmically generated", f.SrcIP, msg.Name).
		WithEvidence("domain", msg.Name, "base_domain", base, "label", label, "entropy", ftoa(h), "consonant_ratio", ftoa(ratio)))
}

func (d *dga) Evict(now, idle time.Duration, batch int) int {
	return d.limit.Evict(now, idle, batch)
}

// consonants returns the share of consonants among the letters of s. ok is
// false when s has no letters.
func consonants(s string) (ratio float64, ok bool) {
	var letters, cons int
	for _, r := range s {
		if r < 'a' || r > 'z' {
			continue
		}
		letters++
		if !strings.ContainsRune("aeiouy", r) {
			cons++
		}
	}
	if letters == 0 {
		return 0, false
	}
	return float64(cons) / float64(letters), true
}
