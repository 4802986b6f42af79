package protocol

import (
	"math"
	"net/netip"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

const c2History = 32

type c2Key struct {
	src, dst netip.Addr
	port     uint16
}

type c2State struct {
	sizes []float64
	gaps  *window.Intervals
	cd    window.Cooldown
}

func newC2State() *c2State {
	return &c2State{gaps: window.NewIntervals(c2History)}
}

func (s *c2State) add(now time.Duration, size int, idle time.Duration) {
	if len(s.sizes) > 0 && now-s.gaps.Last() > idle {
		s.sizes = s.sizes[:0]
		s.gaps.Reset()
	}
	if len(s.sizes) == c2History {
		s.sizes = append(s.sizes[:0], s.sizes[1:]...)
	}
	s.sizes = append(s.sizes, float64(size))
	s.gaps.Add(now, 0)
}

// C2Channel flags repeated small payloads of near constant size sent to
// ports favored by command-and-control frameworks.
var C2Channel = detector.Descriptor{
	Key:     "c2_channel",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatC2Communication},
	Params: []config.ParamSpec{
		config.Strings("ports", []string{
			"4444", "5555", "8888", "1234", "31337", "6667", "6697",
			"9999", "12345", "54321", "7777", "1337",
		}, "ports associated with C2 frameworks"),
		config.Int("min_packets", 8, 3, c2History, "payloads observed before judging"),
		config.Int("max_payload_size", 512, 16, 65535, "largest mean payload size considered"),
		config.Float("max_size_jitter", 0.25, 0.01, 1, "coefficient of variation of payload sizes"),
		config.Duration("time_window", 300*time.Second, time.Second, 24*time.Hour, "gap after which the channel restarts"),
	},
	New: func() detector.Detector {
		return &c2Channel{state: detector.NewKeyed[c2Key](newC2State)}
	},
}

type c2Channel struct {
	ports detector.Ports
	state detector.Keyed[c2Key, c2State]
}

func (d *c2Channel) Observe(c *detector.Context, f *models.Flow) {
	if len(f.Payload) == 0 || f.Direction != models.DirectionOutbound || f.IsICMP() {
		return
	}
	if !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	st := d.state.Get(c, c2Key{f.SrcIP, f.DstIP, f.DstPort}, f.Mono)
	if st == nil {
		return
	}
	st.add(f.Mono, len(f.Payload), c.Params.Duration("time_window"))
	if len(st.sizes) < c.Params.Int("min_packets") {
		return
	}
	mean, cv := stats(st.sizes)
	if mean > float64(c.Params.Int("max_payload_size")) || cv > c.Params.Float("max_size_jitter") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	interval, timing := st.gaps.Stats()
	c.Emit(c.Alert(models.ThreatC2Communication, f, "%s sent %d payloads of about %.0f bytes to %s:%d", f.SrcIP, len(st.sizes), mean, f.DstIP, f.DstPort).
		WithEvidence(
			"payloads", itoa(len(st.sizes)),
			"mean_size", ftoa(mean),
			"size_jitter", ftoa(cv),
			"mean_interval", ftoa(interval),
			"interval_jitter", ftoa(timing),
			"port", itoa(int(f.DstPort)),
		))
}

func (d *c2Channel) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// stats returns the mean of v and its coefficient of variation.
func stats(v []float64) (mean, cv float64) {
	if len(v) == 0 {
		return 0, 0
	}
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	if mean == 0 {
		return 0, 0
	}
	var sq float64
	for _, x := range v {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq/float64(len(v))) / mean
}
