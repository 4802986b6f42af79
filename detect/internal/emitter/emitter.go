// Package emitter is the last stage of the pipeline. Emit never blocks the
// caller: alerts wait in a bounded queue, and one goroutine deduplicates,
// rate limits, enriches and delivers them to every configured sink.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/geo"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/queue"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
)

// Name is the detector key carried by alerts the emitter raises itself.
const Name = "emitter"

const (
	defaultQueueSize   = 4096
	defaultBatchSize   = 256
	defaultSinkTimeout = 10 * time.Second
)

// Option configures an Emitter.
type Option func(*Emitter)

// WithQueueSize bounds the number of alerts waiting for delivery.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithSuppressor enables deduplication.
func WithSuppressor(s *Suppressor) Option {
	return func(e *Emitter) { e.suppress = s }
}

// WithRateLimiter caps security alerts per source address.
func WithRateLimiter(rl RateLimiter) Option {
	return func(e *Emitter) { e.limiter = rl }
}

// WithGeo enriches alerts with source and destination locations.
func WithGeo(g geo.Enricher) Option {
	return func(e *Emitter) { e.geo = g }
}

// Reputation attaches address reputation to an alert. It must not block.
type Reputation interface {
	Enrich(a *models.Alert) *models.Alert
}

// WithReputation enriches alerts with address reputation.
func WithReputation(r Reputation) Option {
	return func(e *Emitter) { e.reputation = r }
}

// WithEvidence triggers evidence capture for security alerts at or above
// min.
func WithEvidence(t sink.EvidenceTrigger, min models.Severity) Option {
	return func(e *Emitter) {
		e.evidence = t
		e.evidenceMin = min
	}
}

// WithDeadLetter keeps alerts a sink rejected.
func WithDeadLetter(dl sink.DeadLetter) Option {
	return func(e *Emitter) { e.dlq = dl }
}

// WithSinkTimeout bounds one delivery to one sink.
func WithSinkTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.sinkTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// Emitter delivers alerts. Emit is safe for concurrent use.
type Emitter struct {
	sinks       []sink.Sink
	queueSize   int
	suppress    *Suppressor
	limiter     RateLimiter
	geo         geo.Enricher
	reputation  Reputation
	evidence    sink.EvidenceTrigger
	evidenceMin models.Severity
	dlq         sink.DeadLetter
	sinkTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer

	q        *queue.Ring[*models.Alert]
	overflow atomic.Bool
	// health holds the pending PIPELINE_BACKPRESSURE alert outside the
	// ring so continued overflow cannot evict it.
	health  atomic.Pointer[models.Alert]
	wake    chan struct{}
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New returns an emitter delivering to sinks. Call Start before emitting.
func New(sinks []sink.Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:       sinks,
		queueSize:   defaultQueueSize,
		evidenceMin: models.SeverityHigh,
		sinkTimeout: defaultSinkTimeout,
		logger:      slog.Default(),
		tracer:      otel.Tracer("telhawk-ndr/emitter"),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.q = queue.New[*models.Alert](e.queueSize)
	return e
}

// Emit queues a for delivery and returns immediately. When the queue is
// full the oldest pending alert is dropped, and the first drop of an
// overflow episode raises one PIPELINE_BACKPRESSURE alert, delivered ahead
// of the queue.
func (e *Emitter) Emit(a *models.Alert) {
	if a == nil {
		return
	}
	dropped, err := e.q.Push(a)
	if err != nil {
		metrics.QueueDropped.WithLabelValues("emitter").Inc()
		return
	}
	if dropped {
		metrics.QueueDropped.WithLabelValues("emitter").Inc()
		if e.overflow.CompareAndSwap(false, true) {
			bp := models.NewAlert(models.ThreatPipelineBackpressure, Name,
				fmt.Sprintf("alert queue full at %d entries; dropping oldest alerts", e.q.Cap()))
			bp.WithEvidence("queue", "emitter", "capacity", fmt.Sprint(e.q.Cap()))
			e.health.Store(bp)
			select {
			case e.wake <- struct{}{}:
			default:
			}
			e.logger.Warn("alert queue overflow", slog.Int("capacity", e.q.Cap()))
		}
	}
	metrics.EmitterQueueDepth.Set(float64(e.q.Len()))
}

// Start runs the delivery loop until Close.
func (e *Emitter) Start() {
	if e.started.CompareAndSwap(false, true) {
		go e.run()
	}
}

// Pending is the number of alerts waiting for delivery.
func (e *Emitter) Pending() int { return e.q.Len() }

func (e *Emitter) run() {
	defer close(e.done)
	for {
		select {
		case <-e.q.Ready():
		case <-e.wake:
		}
		e.drain()
		if e.q.Closed() && e.q.Len() == 0 && e.health.Load() == nil {
			return
		}
	}
}

func (e *Emitter) drain() {
	batch := make([]*models.Alert, 0, defaultBatchSize)
	for {
		batch = batch[:0]
		if bp := e.health.Swap(nil); bp != nil {
			batch = append(batch, bp)
		}
		batch = e.q.PopBatch(batch, defaultBatchSize)
		if len(batch) == 0 {
			return
		}
		if e.overflow.Load() && e.q.Len() < e.q.Cap()/2 {
			e.overflow.Store(false)
		}
		metrics.EmitterQueueDepth.Set(float64(e.q.Len()))
		e.deliver(batch)
	}
}

// Close stops intake, delivers everything still queued and closes the
// sinks. It returns ctx's error if the queue could not be flushed in time.
func (e *Emitter) Close(ctx context.Context) error {
	var errs *multierror.Error
	e.once.Do(func() {
		e.q.Close()
		if e.started.Load() {
			select {
			case <-e.done:
			case <-ctx.Done():
				errs = multierror.Append(errs, fmt.Errorf("flush alerts: %w", ctx.Err()))
			}
		} else {
			e.drain()
		}
		for _, s := range e.sinks {
			if err := s.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
			}
		}
	})
	return errs.ErrorOrNil()
}

func (e *Emitter) deliver(batch []*models.Alert) {
	ctx := context.Background()
	out := make([]*models.Alert, 0, len(batch))
	for _, a := range batch {
		if e.suppress != nil && e.suppress.Suppressed(ctx, a) {
			metrics.AlertsSuppressed.WithLabelValues("duplicate").Inc()
			continue
		}
		if !e.allow(ctx, a) {
			metrics.AlertsSuppressed.WithLabelValues("rate_limit").Inc()
			continue
		}
		a = geo.Enrich(e.geo, a)
		if e.reputation != nil {
			a = e.reputation.Enrich(a)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return
	}

	for _, s := range e.sinks {
		e.send(ctx, s, out)
	}
	for _, a := range out {
		metrics.AlertsTotal.WithLabelValues(a.ThreatType.String(), a.Severity.String()).Inc()
		e.trigger(ctx, a)
	}
}

func (e *Emitter) allow(ctx context.Context, a *models.Alert) bool {
	if e.limiter == nil || a.Category != models.CategorySecurity || a.Source == "" {
		return true
	}
	ok, err := e.limiter.Allow(ctx, a.Source)
	if err != nil {
		e.logger.Warn("rate limiter unavailable", logging.Error(err))
		return true
	}
	return ok
}

func (e *Emitter) send(ctx context.Context, s sink.Sink, alerts []*models.Alert) {
	ctx, cancel := context.WithTimeout(ctx, e.sinkTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "emitter.send",
		trace.WithAttributes(attribute.String("sink", s.Name()), attribute.Int("alerts", len(alerts))))
	defer span.End()

	start := time.Now()
	err := s.Send(ctx, alerts)
	metrics.SinkDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
	e.logger.Error("alert delivery failed",
		logging.Sink(s.Name()),
		logging.Count(len(alerts)),
		logging.Error(err))

	if e.dlq == nil {
		return
	}
	if err := e.dlq.DeadLetter(context.WithoutCancel(ctx), s.Name(), alerts, err); err != nil {
		e.logger.Error("dead-letter failed", logging.Sink(s.Name()), logging.Error(err))
	}
}

func (e *Emitter) trigger(ctx context.Context, a *models.Alert) {
	if e.evidence == nil || a.Category != models.CategorySecurity || !a.Severity.AtLeast(e.evidenceMin) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.sinkTimeout)
	defer cancel()
	if err := e.evidence.Trigger(ctx, a); err != nil {
		metrics.EvidenceRequests.WithLabelValues("error").Inc()
		e.logger.Warn("evidence trigger failed", logging.AlertID(a.ID), logging.Error(err))
		return
	}
	metrics.EvidenceRequests.WithLabelValues("ok").Inc()
}
