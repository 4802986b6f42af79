package reputation

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/geo"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

const (
	defaultThreshold   = 50
	defaultConcurrency = 4
)

// Checker is the lookup the enricher drives.
type Checker interface {
	Cached(addr netip.Addr) (*Report, bool)
	Check(ctx context.Context, addr netip.Addr) (*Report, error)
}

// Enricher adds reputation evidence to alerts without blocking delivery.
// Cached reports are attached immediately; a miss starts a background
// lookup so later alerts for the same address carry the result.
type Enricher struct {
	checker   Checker
	threshold int
	timeout   time.Duration
	logger    *slog.Logger

	sem   *semaphore.Weighted
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEnricher returns an enricher. Scores at or above threshold mark the
// address malicious; at most concurrency lookups run at once.
func NewEnricher(c Checker, threshold, concurrency int, logger *slog.Logger) *Enricher {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Enricher{
		checker:   c,
		threshold: threshold,
		timeout:   defaultTimeout,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enrich returns a copy of a carrying the reputation of its public
// endpoints, or a itself when nothing is known yet.
func (e *Enricher) Enrich(a *models.Alert) *models.Alert {
	if a == nil || a.Category != models.CategorySecurity {
		return a
	}
	var kv []string
	for _, ep := range []struct{ prefix, value string }{{"src", a.Source}, {"dst", a.Destination}} {
		addr, err := netip.ParseAddr(ep.value)
		if err != nil || !geo.Public(addr) {
			continue
		}
		r, ok := e.checker.Cached(addr)
		if !ok {
			e.lookup(addr)
			continue
		}
		kv = append(kv, e.evidence(ep.prefix, r)...)
	}
	if len(kv) == 0 {
		return a
	}
	return a.Clone().WithEvidence(kv...)
}

func (e *Enricher) evidence(prefix string, r *Report) []string {
	kv := []string{
		prefix + "_abuse_score", strconv.Itoa(r.Score),
		prefix + "_abuse_reports", strconv.Itoa(r.TotalReports),
	}
	if r.Country != "" {
		kv = append(kv, prefix+"_abuse_country", r.Country)
	}
	if r.UsageType != "" {
		kv = append(kv, prefix+"_abuse_usage", r.UsageType)
	}
	if r.ISP != "" {
		kv = append(kv, prefix+"_abuse_isp", r.ISP)
	}
	if r.Score >= e.threshold && !r.Whitelisted {
		kv = append(kv, prefix+"_abuse_malicious", "true")
	}
	return kv
}

func (e *Enricher) lookup(addr netip.Addr) {
	if !e.sem.TryAcquire(1) {
		metrics.ReputationLookups.WithLabelValues("skipped").Inc()
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.sem.Release(1)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		_, err, _ := e.group.Do(addr.String(), func() (any, error) {
			ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
			defer cancel()
			return e.checker.Check(ctx, addr)
		})
		if err != nil {
			e.logger.Debug("reputation lookup failed", slog.String("ip", addr.String()), logging.Error(err))
		}
	}()
}

// Close cancels outstanding lookups and waits for them to return.
func (e *Enricher) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}
