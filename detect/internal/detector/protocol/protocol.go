// Package protocol implements the detectors that decode application
// payloads. A payload that does not parse is insufficient data: the
// detector returns without alerting and the flow continues through the
// other detectors.
package protocol

import (
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// Descriptors returns every protocol detector.
func Descriptors() []detector.Descriptor {
	return []detector.Descriptor{
		WebAttack,
		HTTPAnomaly,
		Modbus,
		DNP3,
		IEC104,
		BACnet,
		TLS,
		Kerberos,
		DNSTunnel,
		DGA,
		SMB,
		LDAP,
		DCSync,
		ContainerEscape,
		C2Channel,
	}
}

type alertKey struct {
	src, dst netip.Addr
	threat   models.ThreatType
}

// limiter applies the detector cooldown per (source, destination, threat).
type limiter struct {
	state detector.Keyed[alertKey, window.Cooldown]
}

func newLimiter() limiter {
	return limiter{state: detector.NewKeyed[alertKey](detector.NewCooldown)}
}

func (l *limiter) allow(c *detector.Context, src, dst netip.Addr, t models.ThreatType, now time.Duration) bool {
	cd := l.state.Get(c, alertKey{src, dst, t}, now)
	if cd == nil || !cd.Ready(now) {
		return false
	}
	cd.Arm(now, c.Cooldown())
	return true
}

func (l *limiter) Evict(now, idle time.Duration, batch int) int {
	return l.state.Evict(now, idle, batch)
}

type counterState struct {
	events *window.Counter
	cd     window.Cooldown
}

func newCounterState() *counterState {
	return &counterState{events: window.NewCounter(0)}
}

// fromServer rewrites an alert raised on a server-to-client flow so the
// client is the source.
func fromServer(a *models.Alert) *models.Alert {
	a.Source, a.Destination = a.Destination, a.Source
	a.SrcPort, a.DstPort = a.DstPort, a.SrcPort
	a.Actor = a.Source
	return a
}

// shannon is the Shannon entropy of b in bits per byte.
func shannon(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	n := float64(len(b))
	var h float64
	for _, k := range counts {
		if k == 0 {
			continue
		}
		p := float64(k) / n
		h -= p * math.Log2(p)
	}
	return h
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// compile builds a pattern list from name, expression pairs.
func compile(kv ...string) []pattern {
	out := make([]pattern, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, pattern{name: kv[i], re: regexp.MustCompile(kv[i+1])})
	}
	return out
}

// matches returns the names of the patterns found in any of inputs.
func matches(ps []pattern, inputs []string) []string {
	var hits []string
	for _, p := range ps {
		for _, in := range inputs {
			if p.re.MatchString(in) {
				hits = append(hits, p.name)
				break
			}
		}
	}
	return hits
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
