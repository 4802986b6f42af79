package detector

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// FaultInterval is how often one detector may raise DETECTOR_FAULT.
const FaultInterval = time.Minute

// Registry is the table of detector descriptors, iterated uniformly by every
// worker.
type Registry struct {
	descs  []Descriptor
	byKey  map[string]int
	faults *logging.Sampler
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]int),
		faults: logging.NewSampler(FaultInterval),
		logger: slog.Default(),
	}
}

// SetLogger sets the logger used for detector faults.
func (r *Registry) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Register adds descriptors. Keys must be unique.
func (r *Registry) Register(ds ...Descriptor) error {
	for _, d := range ds {
		if err := d.validate(); err != nil {
			return err
		}
		if _, dup := r.byKey[d.Key]; dup {
			return &models.ConfigError{Key: "detector", Value: d.Key, Reason: "duplicate detector key"}
		}
		r.byKey[d.Key] = len(r.descs)
		r.descs = append(r.descs, d)
	}
	return nil
}

// MustRegister is Register that panics on error. For use at startup.
func (r *Registry) MustRegister(ds ...Descriptor) {
	if err := r.Register(ds...); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for key.
func (r *Registry) Lookup(key string) (Descriptor, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, false
	}
	return r.descs[i], true
}

// Descriptors returns the registered descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descs...)
}

// Keys returns the registered keys sorted by name.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.descs))
	for _, d := range r.descs {
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)
	return keys
}

// Schemas returns the parameter schema of every detector, keyed by detector
// key, for config.Manager.
func (r *Registry) Schemas() map[string][]config.ParamSpec {
	out := make(map[string][]config.ParamSpec, len(r.descs))
	for _, d := range r.descs {
		out[d.Key] = d.Params
	}
	return out
}

// NewSet instantiates every registered detector for one worker.
func (r *Registry) NewSet() *Set {
	s := &Set{reg: r, entries: make([]entry, len(r.descs))}
	for i := range r.descs {
		d := &r.descs[i]
		s.entries[i] = entry{desc: d, det: d.New()}
	}
	return s
}

type entry struct {
	desc *Descriptor
	det  Detector
}

// Set is one worker's instances of every detector. It is not safe for
// concurrent use; each worker owns one.
type Set struct {
	reg     *Registry
	entries []entry
	ctx     Context
	pl      payload
}

// Evaluate runs every enabled detector on f under one config snapshot and
// one indicator snapshot. A flow with a whitelisted endpoint is withheld
// from threshold detectors, so it never adds to their counts; protocol and
// indicator detectors still see it. A panic inside a detector is recovered
// and reported, and the remaining detectors still run.
func (s *Set) Evaluate(snap *config.Snapshot, ind *indicator.Snapshot, now time.Time, f *models.Flow, emit func(*models.Alert)) {
	bypass := Whitelisted(ind, now, f)
	if bypass {
		metrics.WhitelistBypass.Inc()
	}

	s.pl.reset(f)
	s.ctx = Context{Snapshot: snap, Indicators: ind, Now: now, emit: emit, p: &s.pl}
	for i := range s.entries {
		e := &s.entries[i]
		params := snap.Detector(e.desc.Key)
		if !params.Enabled || (bypass && e.desc.Family == FamilyThreshold) {
			continue
		}
		s.ctx.Params = params
		s.ctx.desc = e.desc
		s.observe(e, f, emit)
	}
}

func (s *Set) observe(e *entry, f *models.Flow, emit func(*models.Alert)) {
	defer func() {
		if r := recover(); r != nil {
			s.fault(e.desc.Key, f, r, emit)
		}
	}()
	e.det.Observe(&s.ctx, f)
}

func (s *Set) fault(key string, f *models.Flow, r any, emit func(*models.Alert)) {
	metrics.DetectorFaults.WithLabelValues(key).Inc()
	ok, skipped := s.reg.faults.Allow(key)
	if !ok {
		return
	}
	s.reg.logger.Error("detector fault recovered",
		logging.Detector(key),
		logging.Source(f.SrcIP.String()),
		slog.Any("panic", r),
		slog.Int("suppressed", skipped),
		slog.String("stack", string(debug.Stack())))

	a := models.NewAlert(models.ThreatDetectorFault, key, fmt.Sprintf("detector %s recovered from a fault", key))
	a.WithEvidence("panic", fmt.Sprint(r), "suppressed", fmt.Sprint(skipped))
	a.SensorID = f.SensorID
	a.Mono = f.Mono
	emit(a)
}

// Evict drops idle state from every detector.
func (s *Set) Evict(now, idle time.Duration, batch int) int {
	total := 0
	for i := range s.entries {
		e := &s.entries[i]
		n := e.det.Evict(now, idle, batch)
		if n > 0 {
			metrics.DetectorEvictions.WithLabelValues(e.desc.Key).Add(float64(n))
		}
		total += n
	}
	return total
}

// Whitelisted reports whether either endpoint or the flow's domain is on
// the whitelist.
func Whitelisted(ind *indicator.Snapshot, now time.Time, f *models.Flow) bool {
	if ind == nil {
		return false
	}
	return ind.Whitelisted(f.SrcIP, now) || ind.Whitelisted(f.DstIP, now) ||
		(f.Domain != "" && ind.WhitelistedDomain(f.Domain, now))
}
