package ndrctl

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/correlator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/emitter"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/engine"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/matcher"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
)

// pipeline runs the detection engine in-process on a replay clock. Input
// is stamped with its offset from the first record, so windows see
// capture time rather than wall time.
type pipeline struct {
	mgr    *config.Manager
	eng    *engine.Engine
	em     *emitter.Emitter
	mem    *sink.Memory
	clock  atomic.Int64
	sensor string

	cancel context.CancelFunc
	done   chan error
}

// newPipeline loads the engine config at configPath (optional) and sizes
// the queues to hold expected inputs without dropping.
func newPipeline(configPath string, expected int, logger *slog.Logger) (*pipeline, error) {
	reg, err := engine.NewRegistry()
	if err != nil {
		return nil, err
	}
	reg.SetLogger(logger)
	mgr, err := config.NewManager(configPath, reg.Schemas())
	if err != nil {
		return nil, err
	}
	if rejected := mgr.Rejected(); len(rejected) > 0 {
		return nil, fmt.Errorf("%w: %d rejected value(s), run 'ndrctl config check'", models.ErrConfig, len(rejected))
	}
	cfg := mgr.Current().Config
	if expected > cfg.Engine.QueueSize {
		if err := mgr.Set("engine.queue_size", expected); err != nil {
			return nil, err
		}
		cfg = mgr.Current().Config
	}

	store := indicator.NewStore()
	inds, err := staticIndicators(cfg)
	if err != nil {
		return nil, err
	}
	if _, rejected := store.Replace(inds); rejected > 0 {
		logger.Warn("indicators rejected", slog.Int("count", rejected))
	}

	p := &pipeline{mgr: mgr, mem: sink.NewMemory(), sensor: "ndrctl", done: make(chan error, 1)}
	p.em = emitter.New([]sink.Sink{p.mem},
		emitter.WithQueueSize(max(cfg.Emitter.QueueSize, expected)),
		emitter.WithSuppressor(emitter.NewSuppressor(cfg.Emitter.SuppressionWindow, nil, logger)),
		emitter.WithLogger(logger),
	)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMonotonic(func() time.Duration { return time.Duration(p.clock.Load()) }),
	}
	if cfg.Correlator.Enabled {
		chains, err := correlator.LoadChains(cfg.Correlator.ChainsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithCorrelator(correlator.New(chains,
			correlator.WithWindow(cfg.Correlator.Window),
			correlator.WithLogger(logger))))
	}
	p.eng = engine.New(reg, mgr, store, p.em, opts...)
	return p, nil
}

func staticIndicators(cfg *config.Config) ([]models.Indicator, error) {
	ctx := context.Background()
	var out []models.Indicator
	for _, src := range []indicator.Source{
		indicator.NewStaticSource(matcher.LocalFeed+"-whitelist", models.ListWhitelist, cfg.Indicators.Whitelist),
		indicator.NewStaticSource(matcher.LocalFeed, models.ListBlacklist, cfg.Indicators.Blacklist),
	} {
		inds, err := src.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, inds...)
	}
	return out, nil
}

func (p *pipeline) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.em.Start()
	go func() { p.done <- p.eng.Run(ctx) }()
}

// record feeds one flow record observed at offset from the first input.
func (p *pipeline) record(rec models.FlowRecord, offset time.Duration) error {
	p.advance(offset)
	snap := p.mgr.Current()
	f, err := normalizer.FromRecord(rec, p.sensor, offset, snap.Networks, snap.Config.Normalizer.MaxPayload)
	if err != nil {
		return err
	}
	return p.eng.SubmitFlow(f)
}

// frame feeds one captured frame observed at offset.
func (p *pipeline) frame(fr models.Frame, offset time.Duration) error {
	p.advance(offset)
	fr.SensorID = p.sensor
	return p.eng.SubmitFrame(fr)
}

func (p *pipeline) advance(offset time.Duration) {
	if int64(offset) > p.clock.Load() {
		p.clock.Store(int64(offset))
	}
}

// finish drains the engine and the emitter and returns every delivered
// alert in delivery order.
func (p *pipeline) finish(ctx context.Context) ([]*models.Alert, error) {
	p.cancel()
	if err := <-p.done; err != nil {
		return nil, err
	}
	if err := p.em.Close(ctx); err != nil {
		return nil, err
	}
	return p.mem.Alerts(), nil
}

// runRecords feeds recs, sorted by timestamp, through a local pipeline
// and returns the alerts raised.
func runRecords(ctx context.Context, configPath string, recs []models.FlowRecord, logger *slog.Logger) ([]*models.Alert, error) {
	p, err := newPipeline(configPath, len(recs), logger)
	if err != nil {
		return nil, err
	}
	p.start()
	var first time.Time
	if len(recs) > 0 {
		first = recs[0].Timestamp
	}
	for _, rec := range recs {
		if err := p.record(rec, rec.Timestamp.Sub(first)); err != nil {
			logger.Warn("record rejected", slog.String("src", rec.SrcIP), logging.Error(err))
		}
	}
	return p.finish(ctx)
}
