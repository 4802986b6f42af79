package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-ndr/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/correlator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/emitter"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/engine"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/geo"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/matcher"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/repository"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/reputation"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/risk"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorauth"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorstats"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/server"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/transport"
)

// deps holds the external connections. Optional ones stay nil when
// disabled or unreachable.
type deps struct {
	nats       *natsclient.JetStreamClient
	redis      *redis.Client
	repo       *repository.PostgresRepository
	geo        *geo.MaxMind
	cache      *indicator.Cache
	suppressor *emitter.Suppressor
	stats      *sensorstats.Client
	collector  *sensorstats.Collector
	reputation *reputation.Enricher
}

func connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*deps, error) {
	d := &deps{}

	if cfg.NATS.Enabled {
		nc := natsclient.FromConfig(cfg.NATS)
		nc.Logger = logger.Logger
		js, err := natsclient.NewJetStreamClient(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.nats = js
		streams := []natsclient.StreamConfig{}
		if cfg.Emitter.DLQ {
			streams = append(streams, natsclient.AlertsDLQStream)
		}
		if cfg.Emitter.Evidence.Enabled {
			streams = append(streams, natsclient.EvidenceStream)
		}
		for _, sc := range streams {
			if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
				d.close()
				return nil, fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
			}
			logger.Info("JetStream stream ready", slog.String("stream", sc.Name))
		}
		logger.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	} else {
		logger.Warn("NATS disabled - no sensor intake, alert subjects or evidence requests")
	}

	if cfg.Redis.Enabled {
		client, err := emitter.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("Failed to connect to Redis; continuing with local deduplication only", logging.Error(err))
		} else {
			d.redis = client
			instance, _ := os.Hostname()
			d.stats = sensorstats.NewClient(client, instance)
			d.collector = sensorstats.NewCollector(d.stats, cfg.Intake.StatsInterval, logger.Logger)
			logger.Info("Connected to Redis")
		}
	}

	if cfg.Indicators.Postgres {
		if !cfg.Database.Postgres.Enabled {
			d.close()
			return nil, &models.ConfigError{Key: "indicators.postgres", Value: true, Reason: "database.postgres is not enabled"}
		}
		connString := cfg.Database.Postgres.ConnString()
		logger.Info("Running database migrations...")
		if err := repository.Migrate(connString); err != nil {
			d.close()
			return nil, err
		}
		repo, err := repository.NewPostgresRepository(ctx, connString)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		d.repo = repo
	}

	if cfg.GeoIP.Enabled {
		db, err := geo.Open(cfg.GeoIP.Path)
		if err != nil {
			logger.Warn("GeoIP enrichment disabled", slog.String("path", cfg.GeoIP.Path), logging.Error(err))
		} else {
			d.geo = db
		}
	}

	if ac := cfg.Reputation.AbuseIPDB; ac.Enabled {
		client, err := reputation.NewClient(ac, nil, d.redis)
		if err != nil {
			d.close()
			return nil, err
		}
		d.reputation = reputation.NewEnricher(client, ac.Threshold, ac.Concurrency, logger.Logger)
		logger.Info("AbuseIPDB reputation enabled",
			slog.Int("daily_limit", ac.DailyLimit),
			slog.Bool("shared_cache", d.redis != nil))
	}

	if cfg.Indicators.SnapshotPath != "" {
		cache, err := indicator.OpenCache(cfg.Indicators.SnapshotPath)
		if err != nil {
			logger.Warn("Indicator snapshot cache disabled", logging.Error(err))
		} else {
			d.cache = cache
		}
	}
	return d, nil
}

func (d *deps) close() {
	if d.reputation != nil {
		d.reputation.Close()
	}
	if d.cache != nil {
		d.cache.Close()
	}
	if d.geo != nil {
		d.geo.Close()
	}
	if d.repo != nil {
		d.repo.Close()
	}
	if d.collector != nil {
		d.collector.Stop()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.nats != nil {
		d.nats.Drain()
	}
}

func buildSinks(cfg *config.Config, d *deps, logger *logging.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink
	for _, name := range cfg.Emitter.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, sink.NewLog(logger.Logger))
		case "nats":
			if d.nats == nil {
				return nil, &models.ConfigError{Key: "emitter.sinks", Value: name, Reason: "nats is not enabled"}
			}
			sinks = append(sinks, sink.NewNATS(d.nats))
		case "opensearch":
			client, err := sink.NewOpenSearchClient(cfg.OpenSearch)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink.NewOpenSearch(client, cfg.OpenSearch.IndexPrefix))
		default:
			return nil, &models.ConfigError{Key: "emitter.sinks", Value: name, Reason: "unknown sink (supported: log, nats, opensearch)"}
		}
	}
	if len(sinks) == 0 {
		return nil, &models.ConfigError{Key: "emitter.sinks", Reason: "at least one sink is required"}
	}
	return sinks, nil
}

func buildEmitter(ctx context.Context, cfg *config.Config, d *deps, scorer *risk.Scorer, logger *logging.Logger) (*emitter.Emitter, error) {
	sinks, err := buildSinks(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	if scorer != nil {
		sinks = append(sinks, scorer)
	}

	ec := cfg.Emitter
	d.suppressor = emitter.NewSuppressor(ec.SuppressionWindow, d.redis, logger.Logger)
	opts := []emitter.Option{
		emitter.WithQueueSize(ec.QueueSize),
		emitter.WithSuppressor(d.suppressor),
		emitter.WithLogger(logger.Logger),
	}

	if ec.RateLimit.Enabled {
		if d.redis == nil {
			logger.Warn("Alert rate limiting requires Redis; disabled")
		} else {
			opts = append(opts, emitter.WithRateLimiter(emitter.NewRedisRateLimiter(d.redis, ec.RateLimit.PerSource, ec.RateLimit.Window)))
			logger.Info("Alert rate limiting enabled",
				slog.Int("per_source", ec.RateLimit.PerSource),
				slog.Duration("window", ec.RateLimit.Window))
		}
	}

	if ec.Evidence.Enabled && d.nats != nil {
		minSev, err := models.ParseSeverity(ec.Evidence.MinSeverity)
		if err != nil {
			return nil, &models.ConfigError{Key: "emitter.evidence.min_severity", Value: ec.Evidence.MinSeverity, Reason: err.Error()}
		}
		opts = append(opts, emitter.WithEvidence(sink.NewEvidence(d.nats, ec.Evidence.Before, ec.Evidence.After), minSev))
	}

	if ec.DLQ && d.nats != nil {
		opts = append(opts, emitter.WithDeadLetter(sink.NewJetStreamDLQ(d.nats)))
	}

	if d.geo != nil {
		opts = append(opts, emitter.WithGeo(d.geo))
	}
	if d.reputation != nil {
		opts = append(opts, emitter.WithReputation(d.reputation))
	}

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	logger.Info("Alert emitter configured",
		slog.Any("sinks", names),
		slog.Duration("suppression_window", ec.SuppressionWindow),
		slog.Bool("shared_dedup", d.redis != nil))
	return emitter.New(sinks, opts...), nil
}

func buildIndicators(cfg *config.Config, d *deps, logger *logging.Logger) (*indicator.Refresher, *indicator.Store, error) {
	ic := cfg.Indicators
	var sources []indicator.Source
	if len(ic.Whitelist) > 0 {
		sources = append(sources, indicator.NewStaticSource(matcher.LocalFeed+"-whitelist", models.ListWhitelist, ic.Whitelist))
	}
	if len(ic.Blacklist) > 0 {
		sources = append(sources, indicator.NewStaticSource(matcher.LocalFeed, models.ListBlacklist, ic.Blacklist))
	}
	for _, fc := range ic.Feeds {
		src, err := indicator.NewHTTPSource(fc, nil)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
	}
	if d.repo != nil {
		sources = append(sources, indicator.NewRepositorySource("postgres", d.repo))
	}

	opts := []indicator.RefresherOption{
		indicator.WithFailureThreshold(ic.FailureThreshold),
		indicator.WithLogger(logger.Logger),
	}
	if d.cache != nil {
		opts = append(opts, indicator.WithCache(d.cache))
	}
	store := indicator.NewStore()
	logger.Info("Indicator sources configured", logging.Count(len(sources)))
	return indicator.NewRefresher(store, sources, opts...), store, nil
}

func buildRisk(cfg *config.Config, snaps risk.Snapshots, logger *logging.Logger) (*risk.Scorer, error) {
	rc := cfg.Risk
	inv, err := risk.NewInventory(rc, snaps)
	if err != nil {
		return nil, err
	}
	logger.Info("Asset risk scoring enabled",
		slog.Int("critical_assets", len(rc.CriticalAssets)),
		slog.Duration("decay_interval", rc.DecayInterval))
	return risk.New(inv,
		risk.WithDecay(rc.DecayRate, rc.DecayInterval),
		risk.WithMaxAssets(rc.MaxAssets),
		risk.WithHistory(rc.History),
		risk.WithRetention(rc.Retention),
		risk.WithLogger(logger.Logger),
	), nil
}

func buildCorrelator(cfg *config.Config, logger *logging.Logger) (*correlator.Correlator, error) {
	cc := cfg.Correlator
	chains, err := correlator.LoadChains(cc.ChainsFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Kill-chain correlation enabled", logging.Count(len(chains)))
	return correlator.New(chains,
		correlator.WithWindow(cc.Window),
		correlator.WithShards(cc.Shards),
		correlator.WithMaxCandidates(cc.MaxCandidates),
		correlator.WithLogger(logger.Logger),
	), nil
}

func buildIntake(cfg *config.Config, d *deps, eng *engine.Engine, snaps transport.Snapshots, logger *logging.Logger) (*transport.Intake, error) {
	if d.nats == nil {
		return nil, nil
	}
	opts := []transport.Option{transport.WithLogger(logger.Logger)}
	if d.collector != nil {
		opts = append(opts, transport.WithStats(d.collector))
	}
	if cfg.Intake.AuthEnabled {
		if cfg.Intake.AuthSecret == "" {
			return nil, &models.ConfigError{Key: "intake.auth_secret", Reason: "required when intake.auth_enabled is set"}
		}
		opts = append(opts, transport.WithVerifier(sensorauth.NewVerifier(cfg.Intake.AuthSecret, 0)))
	}
	return transport.NewIntake(d.nats, eng, snaps, opts...), nil
}

func buildServer(cfg *config.Config, snaps server.Snapshots, d *deps, store *indicator.Store, em *emitter.Emitter, scorer *risk.Scorer, logger *logging.Logger) *server.Server {
	srv := server.New(cfg.Server, snaps, logger)
	if scorer != nil {
		srv.EnableRisk(scorer)
	}
	if d.nats != nil {
		var client messaging.Client = d.nats
		srv.AddCheck("nats", func(ctx context.Context) error {
			rtt, err := messaging.Ping(ctx, client, time.Second)
			if err == nil && rtt > time.Second {
				logger.Warn("slow NATS round trip", slog.Duration("rtt", rtt))
			}
			return err
		})
	}
	if d.redis != nil {
		srv.AddCheck("redis", func(ctx context.Context) error { return d.redis.Ping(ctx).Err() })
	}
	if d.stats != nil {
		srv.EnableSensors(d.stats)
	}
	if d.repo != nil {
		srv.AddCheck("postgres", d.repo.Ping)
	}
	srv.AddCheck("emitter", func(context.Context) error {
		if p := em.Pending(); cfg.Emitter.QueueSize > 0 && p >= cfg.Emitter.QueueSize {
			return fmt.Errorf("alert queue full (%d)", p)
		}
		return nil
	})
	srv.AddCheck("indicators", func(context.Context) error {
		if store.Current() == nil {
			return fmt.Errorf("no indicator snapshot")
		}
		return nil
	})
	return srv
}
