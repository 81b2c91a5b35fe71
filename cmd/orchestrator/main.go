// Command orchestrator runs the scrape-task scheduling service: it seeds
// the registry from the URL catalog, reconciles any interrupted previous
// run, and drives the dispatcher until it drains or is signaled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/api"
	"github.com/esdata/propertyscraper/internal/app"
	"github.com/esdata/propertyscraper/internal/catalog"
	"github.com/esdata/propertyscraper/internal/config"
	"github.com/esdata/propertyscraper/internal/dispatcher"
	"github.com/esdata/propertyscraper/internal/logging"
	"github.com/esdata/propertyscraper/internal/metrics"
	"github.com/esdata/propertyscraper/internal/recovery"
	"github.com/esdata/propertyscraper/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	if err := seedRegistry(ctx, cfg, services, logger); err != nil {
		return err
	}

	rec := recovery.New(services.Registry, services.Checkpoints, cfg.Scheduler.MaxRetries, logger)
	if _, err := rec.Reconcile(ctx); err != nil {
		return fmt.Errorf("recovery reconciliation: %w", err)
	}

	pool := worker.New(services.Executor, services.Clock, cfg.Scheduler.MaxConcurrentSites, logger)
	disp := dispatcher.New(
		services.Registry,
		pool,
		services.Monitor,
		services.Checkpoints,
		services.Notifier,
		services.Clock,
		services.IDGen,
		dispatcher.Config{
			MaxConcurrentSites: cfg.Scheduler.MaxConcurrentSites,
			CycleInterval:      cfg.CycleInterval(),
			MaxRetries:         cfg.Scheduler.MaxRetries,
			ShutdownGrace:      cfg.ShutdownGrace(),
			RunOnce:            cfg.Scheduler.RunOnce,
		},
		logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(services.Registry, disp, services.Monitor, services.Clock, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()

	runErr := disp.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("dispatcher: %w", runErr)
	}
	logger.Info("orchestrator stopped cleanly")
	return nil
}

// seedRegistry loads the URL catalog. Seeding is idempotent: task IDs are
// derived from catalog keys, so known tasks keep their accumulated state.
func seedRegistry(ctx context.Context, cfg config.Config, services *app.App, logger *zap.Logger) error {
	specs, err := catalog.LoadFile(cfg.Catalog.CSVPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	added, err := services.Registry.Load(ctx, specs)
	if err != nil {
		return fmt.Errorf("seed registry: %w", err)
	}
	logger.Info("registry seeded from catalog",
		zap.String("catalog", cfg.Catalog.CSVPath),
		zap.Int("rows", len(specs)),
		zap.Int("new_tasks", added),
	)
	return nil
}
