package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/engine"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/risk"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	reg, err := engine.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to register detectors: %v", err)
	}

	manager, err := config.NewManager(*configPath, reg.Schemas())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := manager.Current().Config

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service(engine.Name))
	logging.SetDefault(logger)
	reg.SetLogger(logger.Logger)

	slog.Info("Starting NDR detection engine",
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.Engine.Workers),
		slog.Int("detectors", len(reg.Keys())),
		slog.Uint64("config_version", manager.Current().Version),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, manager, reg, logger); err != nil {
		slog.Error("engine stopped with error", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("Engine stopped gracefully")
}

func run(ctx context.Context, manager *config.Manager, reg *detector.Registry, logger *logging.Logger) error {
	cfg := manager.Current().Config

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	var scorer *risk.Scorer
	if cfg.Risk.Enabled {
		if scorer, err = buildRisk(cfg, manager, logger); err != nil {
			return err
		}
	}

	em, err := buildEmitter(ctx, cfg, deps, scorer, logger)
	if err != nil {
		return err
	}
	em.Start()

	// Rejections from the initial load happened before anything could emit.
	if rejected := manager.Rejected(); len(rejected) > 0 {
		em.Emit(engine.ConfigRejectedAlert(rejected))
	}
	manager.OnReject(func(errs []*models.ConfigError) {
		em.Emit(engine.ConfigRejectedAlert(errs))
	})
	manager.Watch()

	refresher, store, err := buildIndicators(cfg, deps, logger)
	if err != nil {
		return err
	}
	refresher.OnUnavailable(func(source string, failures int, err error) {
		em.Emit(engine.FeedUnavailableAlert(source, failures, err))
	})
	if err := refresher.Warm(); err != nil {
		slog.Warn("failed to warm indicators from cache", logging.Error(err))
	}
	if err := refresher.Start(ctx, cfg.Indicators.RefreshSchedule); err != nil {
		return err
	}
	defer refresher.Stop()

	opts := []engine.Option{engine.WithLogger(logger.Logger)}
	if cfg.Correlator.Enabled {
		corr, err := buildCorrelator(cfg, logger)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithCorrelator(corr))
	}
	if deps.suppressor != nil {
		opts = append(opts, engine.WithMaintenance(func() { deps.suppressor.Prune() }))
	}
	if scorer != nil {
		opts = append(opts, engine.WithMaintenance(scorer.Decay))
	}
	eng := engine.New(reg, manager, store, em, opts...)

	intake, err := buildIntake(cfg, deps, eng, manager, logger)
	if err != nil {
		return err
	}

	srv := buildServer(cfg, manager, deps, store, em, scorer, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Run(ctx) }()

	if intake != nil {
		if err := intake.Start(); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down engine...")
	case runErr = <-engineErr:
	}

	if intake != nil {
		if err := intake.Stop(); err != nil {
			slog.Warn("failed to stop intake", logging.Error(err))
		}
	}
	if runErr == nil {
		runErr = <-engineErr
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout+10*time.Second)
	defer cancel()
	if err := em.Close(drainCtx); err != nil {
		slog.Warn("failed to flush alerts", logging.Error(err))
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("http server forced to shutdown", logging.Error(err))
	}
	return runErr
}
