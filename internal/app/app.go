// Package app initializes and holds the long-lived services the
// orchestrator is built from, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/checkpoint/gcs"
	"github.com/esdata/propertyscraper/internal/checkpoint/local"
	"github.com/esdata/propertyscraper/internal/clock/system"
	"github.com/esdata/propertyscraper/internal/config"
	"github.com/esdata/propertyscraper/internal/executor/chromedpexec"
	"github.com/esdata/propertyscraper/internal/executor/collyexec"
	"github.com/esdata/propertyscraper/internal/id/uuid"
	"github.com/esdata/propertyscraper/internal/notifier/lognotifier"
	notifierpubsub "github.com/esdata/propertyscraper/internal/notifier/pubsub"
	registrymemory "github.com/esdata/propertyscraper/internal/registry/memory"
	registrypostgres "github.com/esdata/propertyscraper/internal/registry/postgres"
	"github.com/esdata/propertyscraper/internal/resource"
	"github.com/esdata/propertyscraper/internal/scheduler"
)

// App holds the shared services for the orchestrator, initialized once at
// startup from configuration. It fails fast when a critical provider
// cannot be built.
type App struct {
	Logger      *zap.Logger
	Registry    scheduler.Registry
	Checkpoints scheduler.CheckpointStore
	Executor    scheduler.Executor
	Notifier    scheduler.Notifier
	Monitor     *resource.Monitor
	Clock       scheduler.Clock
	IDGen       scheduler.IDGenerator

	closers []func() error
}

// New builds all providers named by the configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Logger: logger,
		Clock:  system.New(),
		IDGen:  uuid.New(),
	}

	if err := a.initRegistry(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initCheckpoints(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initExecutor(cfg); err != nil {
		return nil, err
	}
	if err := a.initNotifier(ctx, cfg); err != nil {
		return nil, err
	}

	a.Monitor = resource.NewMonitor(
		resource.HostSampler{CPUInterval: time.Duration(cfg.Resources.CPUSampleMs) * time.Millisecond},
		resource.Config{
			MaxCPUPercent:    cfg.Resources.MaxCPUPercent,
			MaxMemoryPercent: cfg.Resources.MaxMemoryPercent,
			WindowSamples:    cfg.Resources.WindowSamples,
		},
		logger,
	)

	logger.Info("application services initialized",
		zap.String("registry", cfg.Registry.Provider),
		zap.String("checkpoint", cfg.Checkpoint.Provider),
		zap.String("executor", cfg.Executor.Provider),
		zap.String("backup", cfg.Backup.Provider),
	)
	return a, nil
}

func (a *App) initRegistry(ctx context.Context, cfg config.Config) error {
	switch cfg.Registry.Provider {
	case "memory":
		a.Registry = registrymemory.New(a.Clock)
	case "postgres":
		a.Logger.Info("connecting to postgres", zap.String("table", cfg.Registry.Table))
		reg, err := registrypostgres.New(ctx, registrypostgres.Config{
			DSN:      cfg.Registry.DSN,
			Table:    cfg.Registry.Table,
			MaxConns: int32(cfg.Registry.MaxOpenConns),
			MinConns: int32(cfg.Registry.MinOpenConns),
		}, a.Clock)
		if err != nil {
			return fmt.Errorf("initialize postgres registry: %w", err)
		}
		if err := reg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
		a.Registry = reg
		a.closers = append(a.closers, func() error {
			reg.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown registry provider: %s", cfg.Registry.Provider)
	}
	return nil
}

func (a *App) initCheckpoints(ctx context.Context, cfg config.Config) error {
	switch cfg.Checkpoint.Provider {
	case "local":
		store, err := local.New(local.Config{
			Dir:         cfg.Checkpoint.Dir,
			KeepHistory: cfg.Checkpoint.KeepHistory,
		}, a.Clock)
		if err != nil {
			return fmt.Errorf("initialize local checkpoint store: %w", err)
		}
		a.Checkpoints = store
	case "gcs":
		a.Logger.Info("using GCS checkpoint store", zap.String("bucket", cfg.Checkpoint.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{
			Bucket: cfg.Checkpoint.GCSBucket,
			Object: cfg.Checkpoint.GCSObject,
		})
		if err != nil {
			return fmt.Errorf("initialize gcs checkpoint store: %w", err)
		}
		a.Checkpoints = store
		a.closers = append(a.closers, client.Close)
	default:
		return fmt.Errorf("unknown checkpoint provider: %s", cfg.Checkpoint.Provider)
	}
	return nil
}

func (a *App) initExecutor(cfg config.Config) error {
	switch cfg.Executor.Provider {
	case "colly":
		a.Executor = collyexec.New(collyexec.Config{
			UserAgent: cfg.Executor.UserAgent,
			Timeout:   time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
			MaxPages:  cfg.Executor.MaxPages,
			OutputDir: cfg.Catalog.OutputDir,
		}, a.Logger)
	case "chromedp":
		exec := chromedpexec.New(chromedpexec.Config{
			UserAgent:         cfg.Executor.UserAgent,
			NavigationTimeout: time.Duration(cfg.Executor.NavTimeoutSec) * time.Second,
			MaxPages:          cfg.Executor.MaxPages,
			OutputDir:         cfg.Catalog.OutputDir,
		}, a.Logger)
		a.Executor = exec
		a.closers = append(a.closers, func() error {
			exec.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown executor provider: %s", cfg.Executor.Provider)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context, cfg config.Config) error {
	switch cfg.Backup.Provider {
	case "log":
		a.Notifier = lognotifier.New(a.Logger)
	case "noop":
		a.Notifier = nil
	case "pubsub":
		a.Logger.Info("connecting to pubsub", zap.String("topic", cfg.Backup.TopicName))
		n, err := notifierpubsub.New(ctx, cfg.Backup.ProjectID, cfg.Backup.TopicName)
		if err != nil {
			return fmt.Errorf("initialize pubsub notifier: %w", err)
		}
		a.Notifier = n
		a.closers = append(a.closers, n.Close)
	default:
		return fmt.Errorf("unknown backup provider: %s", cfg.Backup.Provider)
	}
	return nil
}

// Close releases every provider in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close provider failed", zap.Error(err))
		}
	}
}
