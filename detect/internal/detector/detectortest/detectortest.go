// Package detectortest provides helpers for testing detectors in isolation.
package detectortest

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
)

// Harness runs one detector instance with fixed parameters.
type Harness struct {
	Desc     detector.Descriptor
	Params   config.Params
	Snapshot *config.Snapshot
	Alerts   []*models.Alert

	det detector.Detector
	ctx *detector.Context
}

// New builds a harness for d with parameter overrides applied over the
// schema defaults.
func New(t testing.TB, d detector.Descriptor, overrides map[string]any) *Harness {
	t.Helper()
	params, err := config.NewParams(d.Params, overrides)
	require.NoError(t, err)

	h := &Harness{
		Desc:     d,
		Params:   params,
		Snapshot: &config.Snapshot{Version: 1, Networks: normalizer.DefaultNetworks()},
		det:      d.New(),
	}
	h.ctx = detector.NewContext(&h.Desc, params, h.Snapshot, nil, time.Now(), func(a *models.Alert) {
		h.Alerts = append(h.Alerts, a)
	})
	return h
}

// WithIndicators sets the indicator snapshot seen by the detector.
func (h *Harness) WithIndicators(s *indicator.Snapshot) *Harness {
	h.ctx.Indicators = s
	return h
}

// WithDomainControllers sets the domain controllers of the snapshot.
func (h *Harness) WithDomainControllers(addrs ...string) *Harness {
	for _, a := range addrs {
		h.Snapshot.DomainControllers = append(h.Snapshot.DomainControllers, netip.MustParseAddr(a))
	}
	return h
}

// Observe feeds flows in order and returns the alerts they raised.
func (h *Harness) Observe(flows ...*models.Flow) []*models.Alert {
	start := len(h.Alerts)
	for _, f := range flows {
		h.ctx.Reset(f)
		h.det.Observe(h.ctx, f)
	}
	return h.Alerts[start:]
}

// Evict runs idle eviction on the detector.
func (h *Harness) Evict(now, idle time.Duration) int {
	return h.det.Evict(now, idle, 0)
}

// Flow returns a flow between two "addr:port" endpoints observed at mono.
// Direction is derived from the RFC 1918 default internal networks.
func Flow(proto models.Protocol, src, dst string, mono time.Duration) *models.Flow {
	s := netip.MustParseAddrPort(src)
	d := netip.MustParseAddrPort(dst)
	return &models.Flow{
		SrcIP:     s.Addr(),
		DstIP:     d.Addr(),
		SrcPort:   s.Port(),
		DstPort:   d.Port(),
		Protocol:  proto,
		Timestamp: time.Unix(1700000000, 0).Add(mono).UTC(),
		Mono:      mono,
		Packets:   1,
		Bytes:     64,
		Direction: normalizer.DefaultNetworks().Direction(s.Addr(), d.Addr()),
		SensorID:  "sensor-test",
	}
}

// TCP returns a TCP flow with the given flags.
func TCP(src, dst string, mono time.Duration, flags models.TCPFlags) *models.Flow {
	f := Flow(models.ProtoTCP, src, dst, mono)
	f.TCPFlags = flags
	return f
}

// UDP returns a UDP flow carrying payload.
func UDP(src, dst string, mono time.Duration, payload []byte) *models.Flow {
	f := Flow(models.ProtoUDP, src, dst, mono)
	f.Payload = payload
	if len(payload) > 0 {
		f.Bytes = uint64(28 + len(payload))
	}
	return f
}

// Payload returns an established TCP flow carrying payload.
func Payload(src, dst string, mono time.Duration, payload []byte) *models.Flow {
	f := TCP(src, dst, mono, models.FlagPSH|models.FlagACK)
	f.Payload = payload
	f.Bytes = uint64(40 + len(payload))
	return f
}

// Seconds converts a float number of seconds to a monotonic offset.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
