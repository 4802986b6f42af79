package threshold

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

const mib = 1024 * 1024

// DataExfiltration fires on large outbound volume or fan-out from one
// internal source to external destinations.
var DataExfiltration = detector.Descriptor{
	Key:     "data_exfiltration",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatDataExfiltration},
	Params: []config.ParamSpec{
		config.Int("threshold_mb", 100, 1, 1<<20, "outbound megabytes"),
		config.Int("unique_destinations", 50, 2, 1<<20, "distinct external destinations"),
		config.Duration("time_window", 300*time.Second, time.Second, 24*time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &exfil{state: detector.NewKeyed[netip.Addr](newExfilState)}
	},
}

type exfilState struct {
	bytes *window.Counter
	dests *window.Distinct[netip.Addr]
	cd    window.Cooldown
}

func newExfilState() *exfilState {
	return &exfilState{bytes: window.NewCounter(0), dests: window.NewDistinct[netip.Addr](0)}
}

type exfil struct {
	state detector.Keyed[netip.Addr, exfilState]
}

func (d *exfil) Observe(c *detector.Context, f *models.Flow) {
	if f.Direction != models.DirectionOutbound {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	st.bytes.Add(f.Mono, w, int64(f.Bytes))
	dests := st.dests.Add(f.Mono, w, f.DstIP)
	if !st.cd.Ready(f.Mono) {
		return
	}

	volume := st.bytes.Sum()
	var reason string
	switch {
	case volume >= int64(c.Params.Int("threshold_mb"))*mib:
		reason = "volume"
	case dests >= c.Params.Int("unique_destinations"):
		reason = "destinations"
	default:
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatDataExfiltration, f, "%s sent %sMB to %d external destinations within %s", f.SrcIP, mb(volume), dests, w).
		WithEvidence("reason", reason, "bytes_mb", mb(volume), "unique_destinations", itoa(dests), "time_window", seconds(w)))
}

func (d *exfil) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// Beaconing fires when connections from one source to one external service
// repeat at near-constant intervals.
var Beaconing = detector.Descriptor{
	Key:     "beaconing",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatBeacon},
	Params: []config.ParamSpec{
		config.Int("min_connections", 5, 2, 64, "intervals required before judging periodicity"),
		config.Float("max_jitter_percent", 20, 0.1, 100, "maximum coefficient of variation of the intervals"),
		config.Duration("min_interval", time.Second, 0, time.Hour, "gaps shorter than this belong to one connection burst"),
		config.Duration("max_interval", time.Hour, time.Second, 24*time.Hour, "a longer gap restarts tracking"),
	},
	New: func() detector.Detector {
		return &beaconing{state: detector.NewKeyed[serviceKey](newBeaconState)}
	},
}

type beaconState struct {
	iv *window.Intervals
	cd window.Cooldown
}

func newBeaconState() *beaconState {
	return &beaconState{iv: window.NewIntervals(64)}
}

type beaconing struct {
	state detector.Keyed[serviceKey, beaconState]
}

func (d *beaconing) Observe(c *detector.Context, f *models.Flow) {
	if f.DstInternal() || f.IsICMP() || !attempt(f) {
		return
	}
	st := d.state.Get(c, serviceKey{f.SrcIP, f.DstIP, f.DstPort}, f.Mono)
	if st == nil {
		return
	}
	if f.Mono-st.iv.Last() > c.Params.Duration("max_interval") {
		st.iv.Reset()
	}
	st.iv.Add(f.Mono, c.Params.Duration("min_interval"))

	if st.iv.Len() < c.Params.Int("min_connections") || !st.cd.Ready(f.Mono) {
		return
	}
	mean, cv := st.iv.Stats()
	if mean <= 0 || cv*100 > c.Params.Float("max_jitter_percent") {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatBeacon, f, "%s contacts %s:%d every %.1fs (jitter %.1f%%)", f.SrcIP, f.DstIP, f.DstPort, mean, cv*100).
		WithEvidence(
			"interval_seconds", strconv.FormatFloat(mean, 'f', 2, 64),
			"jitter_percent", strconv.FormatFloat(cv*100, 'f', 2, 64),
			"intervals", itoa(st.iv.Len()),
		))
}

func (d *beaconing) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// LargeTransfer fires on bulk SMTP or FTP uploads from one source.
var LargeTransfer = detector.Descriptor{
	Key:     "large_transfer",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatLargeFileTransfer},
	Params: []config.ParamSpec{
		config.Int("size_threshold_mb", 50, 1, 1<<20, "megabytes over mail or file transfer ports"),
		config.Duration("time_window", 300*time.Second, time.Second, 24*time.Hour, "sliding window"),
		config.Strings("ports", []string{"20", "21", "25", "465", "587", "2525", "989", "990"}, "SMTP and FTP ports"),
	},
	New: func() detector.Detector {
		return &largeTransfer{state: detector.NewKeyed[netip.Addr](newCounterState)}
	},
}

type largeTransfer struct {
	state detector.Keyed[netip.Addr, counterState]
	ports detector.Ports
}

func (d *largeTransfer) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	st.events.Add(f.Mono, w, int64(f.Bytes))
	total := st.events.Sum()
	if total < int64(c.Params.Int("size_threshold_mb"))*mib || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatLargeFileTransfer, f, "%s transferred %sMB over port %d", f.SrcIP, mb(total), f.DstPort).
		WithEvidence("bytes_mb", mb(total), "port", itoa(int(f.DstPort))))
}

func (d *largeTransfer) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// ICMPTunnel fires when a source keeps sending echo packets with payloads
// larger than a normal ping.
var ICMPTunnel = detector.Descriptor{
	Key:     "icmp_tunnel",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatICMPTunnel},
	Params: []config.ParamSpec{
		config.Int("payload_size_threshold", 64, 8, 65535, "echo payload bytes considered oversized"),
		config.Int("frequency_threshold", 10, 2, 1e6, "oversized echoes per window"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &icmpTunnel{state: detector.NewKeyed[netip.Addr](newCounterState)}
	},
}

type icmpTunnel struct {
	state detector.Keyed[netip.Addr, counterState]
}

func (d *icmpTunnel) Observe(c *detector.Context, f *models.Flow) {
	if !echo(f) {
		return
	}
	size := len(f.Payload)
	if size == 0 && f.Bytes > 28 {
		size = int(f.Bytes/uint64(packets(f))) - 28
	}
	if size <= c.Params.Int("payload_size_threshold") {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	st.events.Add(f.Mono, c.Params.Duration("time_window"), int64(size))
	n := st.events.Count()
	if n < c.Params.Int("frequency_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatICMPTunnel, f, "%s sent %d oversized ICMP echo packets", f.SrcIP, n).
		WithEvidence("packets", itoa(n), "avg_payload", itoa(int(st.events.Sum())/n)))
}

func (d *icmpTunnel) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}
