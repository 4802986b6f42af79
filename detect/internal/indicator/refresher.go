package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// UnavailableFunc is called once when a source reaches the failure
// threshold, and again only after it has recovered and failed again.
type UnavailableFunc func(source string, failures int, err error)

// Refresher pulls every source out of band and publishes merged snapshots.
// A source that fails keeps contributing its last good result.
type Refresher struct {
	store     *Store
	sources   []Source
	cache     *Cache
	threshold int
	maxRetry  time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger

	mu            sync.Mutex
	lastGood      map[string][]models.Indicator
	failures      map[string]int
	onUnavailable []UnavailableFunc

	cron *cron.Cron
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithCache persists each source's last good result.
func WithCache(c *Cache) RefresherOption {
	return func(r *Refresher) { r.cache = c }
}

// WithFailureThreshold sets how many consecutive failures raise
// FEED_UNAVAILABLE.
func WithFailureThreshold(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithRetry bounds the total time spent retrying one source per refresh.
// Zero disables retries.
func WithRetry(max time.Duration) RefresherOption {
	return func(r *Refresher) { r.maxRetry = max }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a refresher publishing into store.
func NewRefresher(store *Store, sources []Source, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:     store,
		sources:   sources,
		threshold: 3,
		maxRetry:  30 * time.Second,
		tracer:    otel.Tracer("telhawk-ndr/indicator"),
		logger:    slog.Default(),
		lastGood:  make(map[string][]models.Indicator),
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnUnavailable registers a callback for persistent feed failures.
func (r *Refresher) OnUnavailable(fn UnavailableFunc) {
	r.mu.Lock()
	r.onUnavailable = append(r.onUnavailable, fn)
	r.mu.Unlock()
}

// Warm seeds the last good results from the cache and publishes them.
func (r *Refresher) Warm() error {
	if r.cache == nil {
		return nil
	}
	cached, err := r.cache.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for name, inds := range cached {
		if _, ok := r.lastGood[name]; !ok {
			r.lastGood[name] = inds
		}
	}
	r.mu.Unlock()
	if len(cached) > 0 {
		snap := r.publish()
		r.logger.Info("indicator cache loaded",
			slog.Int("feeds", len(cached)),
			slog.Int("blacklist", snap.Len(models.ListBlacklist)),
			slog.Int("whitelist", snap.Len(models.ListWhitelist)))
	}
	return nil
}

// Refresh fetches every source once. When no source succeeds the active
// snapshot is left untouched. The returned error aggregates the failures and
// wraps models.ErrFeedUnavailable.
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "indicator.refresh")
	defer span.End()

	var (
		errs      *multierror.Error
		succeeded int
	)
	for _, src := range r.sources {
		inds, err := r.fetch(ctx, src)
		if err != nil {
			errs = multierror.Append(errs, err)
			r.recordFailure(src.Name(), err)
			continue
		}
		succeeded++
		r.recordSuccess(src.Name(), inds)
	}

	if succeeded > 0 {
		snap := r.publish()
		span.SetAttributes(
			attribute.Int("indicators.blacklist", snap.Len(models.ListBlacklist)),
			attribute.Int("indicators.whitelist", snap.Len(models.ListWhitelist)),
			attribute.Int64("indicators.version", int64(snap.Version)))
	}

	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "one or more feeds failed")
		return fmt.Errorf("%w: %d of %d sources failed: %v", models.ErrFeedUnavailable, len(errs.Errors), len(r.sources), err)
	}
	return nil
}

func (r *Refresher) fetch(ctx context.Context, src Source) ([]models.Indicator, error) {
	ctx, span := r.tracer.Start(ctx, "indicator.fetch", trace.WithAttributes(attribute.String("feed", src.Name())))
	defer span.End()

	var inds []models.Indicator
	op := func() error {
		var err error
		inds, err = src.Fetch(ctx)
		var ce *models.ConfigError
		if errors.As(err, &ce) || errors.Is(err, models.ErrParse) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.maxRetry > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = r.maxRetry
		b = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("indicators", len(inds)))
	return inds, nil
}

func (r *Refresher) recordSuccess(name string, inds []models.Indicator) {
	metrics.FeedRefreshes.WithLabelValues(name, "success").Inc()

	r.mu.Lock()
	r.lastGood[name] = inds
	if r.failures[name] >= r.threshold {
		r.logger.Info("indicator feed recovered", logging.Feed(name), logging.Count(len(inds)))
	}
	r.failures[name] = 0
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.Save(name, time.Now(), inds); err != nil {
			r.logger.Warn("failed to cache indicator feed", logging.Feed(name), logging.Error(err))
		}
	}
}

func (r *Refresher) recordFailure(name string, err error) {
	metrics.FeedRefreshes.WithLabelValues(name, "failure").Inc()

	r.mu.Lock()
	r.failures[name]++
	n := r.failures[name]
	var callbacks []UnavailableFunc
	if n == r.threshold {
		callbacks = append(callbacks, r.onUnavailable...)
	}
	r.mu.Unlock()

	r.logger.Warn("indicator feed refresh failed",
		logging.Feed(name),
		slog.Int("consecutive_failures", n),
		logging.Error(err))
	for _, fn := range callbacks {
		fn(name, n, err)
	}
}

// Failures returns the consecutive failure count of a source.
func (r *Refresher) Failures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[name]
}

func (r *Refresher) publish() *Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.lastGood))
	for name := range r.lastGood {
		names = append(names, name)
	}
	sort.Strings(names)
	b := NewBuilder()
	rejected := 0
	for _, name := range names {
		rejected += b.AddAll(r.lastGood[name])
	}
	r.mu.Unlock()

	snap := r.store.Publish(b)
	metrics.IndicatorCount.WithLabelValues("blacklist").Set(float64(snap.Len(models.ListBlacklist)))
	metrics.IndicatorCount.WithLabelValues("whitelist").Set(float64(snap.Len(models.ListWhitelist)))
	if rejected > 0 {
		r.logger.Warn("indicators rejected while building snapshot", logging.Count(rejected))
	}
	return snap
}

// job is the scheduled refresh. A run that is due while the previous one
// is still retrying is skipped.
func (r *Refresher) job(ctx context.Context) cron.Job {
	return cron.NewChain(cron.SkipIfStillRunning(logging.Cron(r.logger))).Then(cron.FuncJob(func() {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Debug("scheduled indicator refresh incomplete", logging.Error(err))
		}
	}))
}

// Start refreshes once and then on schedule until Stop is called.
func (r *Refresher) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithLogger(logging.Cron(r.logger)))
	_, err := c.AddJob(schedule, r.job(ctx))
	if err != nil {
		return &models.ConfigError{Key: "indicators.refresh_schedule", Value: schedule, Reason: err.Error()}
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial indicator refresh incomplete", logging.Error(err))
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
