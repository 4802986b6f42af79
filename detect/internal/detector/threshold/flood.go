package threshold

import (
	"net/netip"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

type counterState struct {
	events *window.Counter
	cd     window.Cooldown
}

func newCounterState() *counterState {
	return &counterState{events: window.NewCounter(0)}
}

// ConnectionFlood fires when a source opens connections faster than
// connections_per_second, averaged over time_window.
var ConnectionFlood = detector.Descriptor{
	Key:     "connection_flood",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatConnectionFlood},
	Params: []config.ParamSpec{
		config.Int("connections_per_second", 100, 1, 1e6, "new connections per second"),
		config.Duration("time_window", 10*time.Second, time.Second, 10*time.Minute, "averaging window"),
	},
	New: func() detector.Detector {
		return &connFlood{state: detector.NewKeyed[netip.Addr](newCounterState)}
	},
}

type connFlood struct {
	state detector.Keyed[netip.Addr, counterState]
}

func (d *connFlood) Observe(c *detector.Context, f *models.Flow) {
	if f.IsICMP() || !attempt(f) {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	st.events.Add(f.Mono, w, 1)

	// Exactly rate*window connections inside the window trips the detector.
	limit := int(float64(c.Params.Int("connections_per_second")) * w.Seconds())
	if limit < 1 {
		limit = 1
	}
	n := st.events.Count()
	if n < limit || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	rate := float64(n) / w.Seconds()
	c.Emit(c.Alert(models.ThreatConnectionFlood, f, "%s opened %d connections in %s (%.0f/s)", f.SrcIP, n, w, rate).
		WithEvidence("connections", itoa(n), "time_window", seconds(w)))
}

func (d *connFlood) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// bucketFlood alerts once per one-second bucket whose count reaches the
// threshold. It keeps no cooldown: a sustained flood produces one alert per
// exceeding bucket.
type bucketFlood struct {
	state   detector.Keyed[netip.Addr, window.Buckets]
	match   func(*models.Flow) bool
	weight  func(*models.Flow) int
	threat  models.ThreatType
	subject string
}

func newBuckets() *window.Buckets { return window.NewBuckets(time.Second) }

func (d *bucketFlood) Observe(c *detector.Context, f *models.Flow) {
	if !d.match(f) {
		return
	}
	b := d.state.Get(c, f.SrcIP, f.Mono)
	if b == nil {
		return
	}
	n := b.AddN(f.Mono, d.weight(f))
	if n < c.Params.Int("packets_per_second") || !b.Fire() {
		return
	}
	c.Emit(c.Alert(d.threat, f, "%s sent %d %s in one second", f.SrcIP, n, d.subject).
		WithEvidence("packets_per_second", itoa(n), "bucket", itoa(int(b.Index()))))
}

func (d *bucketFlood) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

func one(*models.Flow) int { return 1 }

func packetWeight(f *models.Flow) int { return int(packets(f)) }

// SYNFlood counts SYN-only flows per source per second.
var SYNFlood = detector.Descriptor{
	Key:     "syn_flood",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatSYNFlood},
	Params: []config.ParamSpec{
		config.Int("packets_per_second", 100, 1, 1e7, "SYN-only flows per second"),
	},
	New: func() detector.Detector {
		return &bucketFlood{
			state:   detector.NewKeyed[netip.Addr](newBuckets),
			match:   func(f *models.Flow) bool { return f.IsTCP() && f.TCPFlags.SYNOnly() },
			weight:  one,
			threat:  models.ThreatSYNFlood,
			subject: "SYN-only packets",
		}
	},
}

// UDPFlood counts UDP packets per source per second.
var UDPFlood = detector.Descriptor{
	Key:     "udp_flood",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatUDPFlood},
	Params: []config.ParamSpec{
		config.Int("packets_per_second", 1000, 1, 1e7, "UDP packets per second"),
	},
	New: func() detector.Detector {
		return &bucketFlood{
			state:   detector.NewKeyed[netip.Addr](newBuckets),
			match:   (*models.Flow).IsUDP,
			weight:  packetWeight,
			threat:  models.ThreatUDPFlood,
			subject: "UDP packets",
		}
	},
}

// ICMPFlood counts ICMP packets per source per second.
var ICMPFlood = detector.Descriptor{
	Key:     "icmp_flood",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatICMPFlood},
	Params: []config.ParamSpec{
		config.Int("packets_per_second", 200, 1, 1e7, "ICMP packets per second"),
	},
	New: func() detector.Detector {
		return &bucketFlood{
			state:   detector.NewKeyed[netip.Addr](newBuckets),
			match:   (*models.Flow).IsICMP,
			weight:  packetWeight,
			threat:  models.ThreatICMPFlood,
			subject: "ICMP packets",
		}
	},
}

// DNSAmplification fires when one destination receives many large DNS
// responses it most likely never asked for.
var DNSAmplification = detector.Descriptor{
	Key:     "dns_amplification",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatDNSAmplification},
	Params: []config.ParamSpec{
		config.Int("min_response_bytes", 512, 64, 65535, "response size counted as amplified"),
		config.Int("response_threshold", 50, 2, 1e7, "large responses per destination"),
		config.Duration("time_window", 10*time.Second, time.Second, 10*time.Minute, "sliding window"),
	},
	New: func() detector.Detector {
		return &dnsAmp{state: detector.NewKeyed[netip.Addr](newAmpState)}
	},
}

type ampState struct {
	responses *window.Counter
	resolvers *window.Distinct[netip.Addr]
	cd        window.Cooldown
}

func newAmpState() *ampState {
	return &ampState{responses: window.NewCounter(0), resolvers: window.NewDistinct[netip.Addr](0)}
}

type dnsAmp struct {
	state detector.Keyed[netip.Addr, ampState]
}

func (d *dnsAmp) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsUDP() || f.SrcPort != 53 {
		return
	}
	size := f.Bytes / uint64(packets(f))
	if size < uint64(c.Params.Int("min_response_bytes")) {
		return
	}
	st := d.state.Get(c, f.DstIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	st.responses.Add(f.Mono, w, int64(f.Bytes))
	resolvers := st.resolvers.Add(f.Mono, w, f.SrcIP)
	n := st.responses.Count()
	if n < c.Params.Int("response_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatDNSAmplification, f, "%s received %d large DNS responses from %d resolvers", f.DstIP, n, resolvers).
		WithEvidence("responses", itoa(n), "resolvers", itoa(resolvers), "bytes", mb(st.responses.Sum())+"MB"))
}

func (d *dnsAmp) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}
