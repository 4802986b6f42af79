// Package engine runs the detection pipeline. Frames and flow records are
// routed by source address to a fixed set of shards; each shard owns a
// normalizer and one instance of every detector, so detector state is only
// ever touched by one goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/correlator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/queue"
)

// Name is the detector key carried by alerts the engine raises itself.
const Name = "engine"

const defaultDrainTimeout = 10 * time.Second

// ErrStopped is returned by Submit calls after shutdown began.
var ErrStopped = errors.New("engine stopped")

// Snapshots supplies the current configuration. *config.Manager
// satisfies it.
type Snapshots interface {
	Current() *config.Snapshot
}

// Indicators supplies the current indicator snapshot. *indicator.Store
// satisfies it.
type Indicators interface {
	Current() *indicator.Snapshot
}

// Emitter receives alerts. It must not block.
type Emitter interface {
	Emit(a *models.Alert)
}

// Option configures an Engine.
type Option func(*Engine)

// WithCorrelator passes every alert through c before emission.
func WithCorrelator(c *correlator.Correlator) Option {
	return func(e *Engine) { e.corr = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMonotonic replaces the clock used to stamp frames on intake.
func WithMonotonic(mono func() time.Duration) Option {
	return func(e *Engine) { e.mono = mono }
}

// WithMaintenance runs fn on every eviction tick.
func WithMaintenance(fn func()) Option {
	return func(e *Engine) { e.maintenance = append(e.maintenance, fn) }
}

type item struct {
	frame *models.Frame
	flow  *models.Flow
}

type shard struct {
	id       int
	label    string
	q        *queue.Ring[item]
	evict    chan struct{}
	set      *detector.Set
	norm     *normalizer.Normalizer
	networks *normalizer.Networks
	lastMono time.Duration
	overflow atomic.Bool
}

// Engine is safe for concurrent submission.
type Engine struct {
	cfg         Snapshots
	ind         Indicators
	out         Emitter
	corr        *correlator.Correlator
	logger      *slog.Logger
	mono        func() time.Duration
	maintenance []func()
	parseLog    *logging.Sampler

	engineCfg config.EngineConfig
	shards    []*shard
	stopped   atomic.Bool
}

// New builds an engine sized from the current configuration. Worker count
// and queue sizes are fixed for the engine's lifetime.
func New(reg *detector.Registry, cfg Snapshots, ind Indicators, out Emitter, opts ...Option) *Engine {
	epoch := time.Now()
	e := &Engine{
		cfg:      cfg,
		ind:      ind,
		out:      out,
		logger:   slog.Default(),
		mono:     func() time.Duration { return time.Since(epoch) },
		parseLog: logging.NewSampler(time.Minute),
	}
	for _, opt := range opts {
		opt(e)
	}

	snap := cfg.Current()
	e.engineCfg = snap.Config.Engine
	if e.engineCfg.DrainTimeout <= 0 {
		e.engineCfg.DrainTimeout = defaultDrainTimeout
	}
	nc := snap.Config.Normalizer
	normCfg := normalizer.Config{
		MaxPayload:      nc.MaxPayload,
		MaxFragments:    nc.MaxFragments,
		MaxPending:      nc.MaxPending,
		FragmentTimeout: nc.FragmentTimeout,
	}

	e.shards = make([]*shard, e.engineCfg.Workers)
	for i := range e.shards {
		e.shards[i] = &shard{
			id:       i,
			label:    strconv.Itoa(i),
			q:        queue.New[item](e.engineCfg.QueueSize),
			evict:    make(chan struct{}, 1),
			set:      reg.NewSet(),
			norm:     normalizer.New(normCfg, snap.Networks),
			networks: snap.Networks,
		}
	}
	return e
}

// Mono is the engine's monotonic clock, used to stamp records on intake.
func (e *Engine) Mono() time.Duration { return e.mono() }

// Shards is the number of workers.
func (e *Engine) Shards() int { return len(e.shards) }

func (e *Engine) shardFor(addr netip.Addr) *shard {
	if len(e.shards) == 1 {
		return e.shards[0]
	}
	b := addr.Unmap().As16()
	return e.shards[murmur3.Sum32(b[:])%uint32(len(e.shards))]
}

// SubmitFrame queues one raw frame. It never blocks. A frame without an IP
// source is rejected with an error wrapping models.ErrParse.
func (e *Engine) SubmitFrame(fr models.Frame) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	src, err := normalizer.PeekSource(fr.Data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("frame", "rejected").Inc()
		metrics.ParseErrors.WithLabelValues("frame").Inc()
		return fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	fr.Mono = e.mono()
	metrics.FramesTotal.WithLabelValues("frame", "accepted").Inc()
	return e.push(e.shardFor(src), item{frame: &fr})
}

// SubmitFlow queues a normalized flow. Its Mono offset is kept as given.
func (e *Engine) SubmitFlow(f *models.Flow) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	metrics.FramesTotal.WithLabelValues("record", "accepted").Inc()
	return e.push(e.shardFor(f.SrcIP), item{flow: f})
}

func (e *Engine) push(s *shard, it item) error {
	dropped, err := s.q.Push(it)
	if err != nil {
		return ErrStopped
	}
	metrics.QueueDepth.WithLabelValues(s.label).Set(float64(s.q.Len()))
	if !dropped {
		return nil
	}
	metrics.QueueDropped.WithLabelValues("ingest").Inc()
	if s.overflow.CompareAndSwap(false, true) {
		a := models.NewAlert(models.ThreatIngestQueueOverflow, Name,
			fmt.Sprintf("shard %d queue full at %d entries; dropping oldest input", s.id, s.q.Cap()))
		a.WithEvidence("shard", s.label, "capacity", strconv.Itoa(s.q.Cap()))
		e.out.Emit(a)
		e.logger.Warn("ingest queue overflow", logging.Shard(s.id), slog.Int("capacity", s.q.Cap()))
	}
	return nil
}

// Evict asks every worker to drop idle detector state. Workers handle the
// request between batches; the request travels beside the input queue and
// never displaces queued input. Requests made while one is pending merge.
func (e *Engine) Evict() {
	for _, s := range e.shards {
		select {
		case s.evict <- struct{}{}:
		default:
		}
	}
	if e.corr != nil {
		e.corr.Evict(e.engineCfg.EvictionBatch)
	}
	for _, fn := range e.maintenance {
		fn()
	}
}

// Run processes input until ctx is cancelled, then stops intake and drains
// the queues for at most engine.drain_timeout.
func (e *Engine) Run(ctx context.Context) error {
	sched := cron.New(cron.WithLogger(logging.Cron(e.logger)))
	if _, err := sched.AddFunc(e.engineCfg.EvictionSchedule, e.Evict); err != nil {
		return &models.ConfigError{Key: "engine.eviction_schedule", Value: e.engineCfg.EvictionSchedule, Reason: err.Error()}
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	abort := make(chan struct{})
	g := new(errgroup.Group)
	for _, s := range e.shards {
		g.Go(func() error {
			e.work(s, abort)
			return nil
		})
	}
	e.logger.Info("engine started", slog.Int("workers", len(e.shards)))

	<-ctx.Done()
	e.stopped.Store(true)
	for _, s := range e.shards {
		s.q.Close()
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	timer := time.NewTimer(e.engineCfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("engine drained")
	case <-timer.C:
		close(abort)
		<-done
		left := 0
		for _, s := range e.shards {
			left += s.q.Len()
		}
		metrics.QueueDropped.WithLabelValues("ingest").Add(float64(left))
		e.logger.Warn("drain timeout; abandoning queued input", logging.Count(left))
	}
	return nil
}

func (e *Engine) work(s *shard, abort <-chan struct{}) {
	batch := make([]item, 0, e.engineCfg.BatchSize)
	for {
		select {
		case <-s.q.Ready():
		case <-s.evict:
			e.evict(s, e.cfg.Current(), time.Now())
		case <-abort:
			return
		}
		for {
			select {
			case <-abort:
				return
			default:
			}
			batch = s.q.PopBatch(batch[:0], e.engineCfg.BatchSize)
			if len(batch) == 0 {
				break
			}
			if s.overflow.Load() && s.q.Len() < s.q.Cap()/2 {
				s.overflow.Store(false)
			}
			e.process(s, batch)
			clear(batch)
		}
		metrics.QueueDepth.WithLabelValues(s.label).Set(float64(s.q.Len()))
		if s.q.Closed() && s.q.Len() == 0 {
			return
		}
	}
}

// process evaluates one batch under a single configuration snapshot and a
// single indicator snapshot.
func (e *Engine) process(s *shard, batch []item) {
	start := time.Now()
	snap := e.cfg.Current()
	ind := e.ind.Current()
	if snap.Networks != s.networks {
		s.norm.SetNetworks(snap.Networks)
		s.networks = snap.Networks
	}

	for _, it := range batch {
		switch {
		case it.frame != nil:
			f, err := s.norm.Normalize(*it.frame)
			if err != nil {
				e.parseFailed(it.frame.SensorID, err)
				continue
			}
			if f == nil {
				continue
			}
			e.evaluate(s, snap, ind, start, f)
		case it.flow != nil:
			e.evaluate(s, snap, ind, start, it.flow)
		}
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) evaluate(s *shard, snap *config.Snapshot, ind *indicator.Snapshot, now time.Time, f *models.Flow) {
	if f.Mono > s.lastMono {
		s.lastMono = f.Mono
	}
	for _, an := range f.Anomalies {
		metrics.FragmentAnomalies.WithLabelValues(string(an.Kind)).Inc()
	}
	s.set.Evaluate(snap, ind, now, f, e.emit)
}

func (e *Engine) evict(s *shard, snap *config.Snapshot, wall time.Time) {
	now := max(s.lastMono, e.mono())
	cfg := snap.Config.Engine
	n := s.set.Evict(now, cfg.IdleTimeout, cfg.EvictionBatch)
	frags := s.norm.Expire(wall)
	if n > 0 || frags > 0 {
		e.logger.Debug("evicted idle state",
			logging.Shard(s.id),
			slog.Int("keys", n),
			slog.Int("fragments", frags))
	}
}

func (e *Engine) parseFailed(sensor string, err error) {
	metrics.ParseErrors.WithLabelValues("frame").Inc()
	if ok, skipped := e.parseLog.Allow(sensor); ok {
		e.logger.Debug("frame dropped",
			logging.Sensor(sensor),
			slog.Int("suppressed", skipped),
			logging.Error(err))
	}
}

// emit runs on worker goroutines. Raw alerts are forwarded before any
// composite they complete.
func (e *Engine) emit(a *models.Alert) {
	var composites []*models.Alert
	if e.corr != nil {
		composites = e.corr.Observe(a)
	}
	e.out.Emit(a)
	for _, c := range composites {
		e.out.Emit(c)
	}
}
