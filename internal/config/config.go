// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Resources  ResourcesConfig  `mapstructure:"resources"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs dispatcher behavior.
type SchedulerConfig struct {
	MaxConcurrentSites   int  `mapstructure:"max_concurrent_sites"`
	CycleSeconds         int  `mapstructure:"cycle_seconds"`
	MaxRetries           int  `mapstructure:"max_retries"`
	ShutdownGraceSeconds int  `mapstructure:"shutdown_grace_seconds"`
	RunOnce              bool `mapstructure:"run_once"`
}

// ResourcesConfig sets host admission thresholds.
type ResourcesConfig struct {
	MaxCPUPercent    float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	WindowSamples    int     `mapstructure:"window_samples"`
	CPUSampleMs      int     `mapstructure:"cpu_sample_ms"`
}

// RegistryConfig controls task persistence.
type RegistryConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// CheckpointConfig controls crash-detection snapshots.
type CheckpointConfig struct {
	Provider    string `mapstructure:"provider"`
	Dir         string `mapstructure:"dir"`
	KeepHistory bool   `mapstructure:"keep_history"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSObject   string `mapstructure:"gcs_object"`
}

// CatalogConfig locates the URL-list catalog and scrape output root.
type CatalogConfig struct {
	CSVPath   string `mapstructure:"csv_path"`
	OutputDir string `mapstructure:"output_dir"`
}

// ExecutorConfig configures the scrape executor adapters.
type ExecutorConfig struct {
	Provider       string `mapstructure:"provider"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxPages       int    `mapstructure:"max_pages"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
}

// BackupConfig configures the post-completion backup notifier.
type BackupConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrent_sites", 4)
	v.SetDefault("scheduler.cycle_seconds", 30)
	v.SetDefault("scheduler.max_retries", 5)
	v.SetDefault("scheduler.shutdown_grace_seconds", 30)
	v.SetDefault("scheduler.run_once", false)
	v.SetDefault("resources.max_cpu_percent", 80)
	v.SetDefault("resources.max_memory_percent", 80)
	v.SetDefault("resources.window_samples", 3)
	v.SetDefault("resources.cpu_sample_ms", 500)
	v.SetDefault("registry.provider", "memory")
	v.SetDefault("registry.table", "scrape_tasks")
	v.SetDefault("checkpoint.provider", "local")
	v.SetDefault("checkpoint.dir", "data/checkpoints")
	v.SetDefault("checkpoint.keep_history", true)
	v.SetDefault("catalog.csv_path", "data/url_catalog.csv")
	v.SetDefault("catalog.output_dir", "data/output")
	v.SetDefault("executor.provider", "colly")
	v.SetDefault("executor.user_agent", "propertyscraper-bot/1.0")
	v.SetDefault("executor.timeout_seconds", 60)
	v.SetDefault("executor.max_pages", 50)
	v.SetDefault("executor.nav_timeout_seconds", 25)
	v.SetDefault("backup.provider", "log")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxConcurrentSites <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_sites must be > 0")
	}
	if c.Scheduler.CycleSeconds <= 0 {
		return fmt.Errorf("scheduler.cycle_seconds must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxCPUPercent > 100 {
		return fmt.Errorf("resources.max_cpu_percent must be in (0, 100]")
	}
	if c.Resources.MaxMemoryPercent <= 0 || c.Resources.MaxMemoryPercent > 100 {
		return fmt.Errorf("resources.max_memory_percent must be in (0, 100]")
	}
	switch c.Registry.Provider {
	case "memory":
	case "postgres":
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn must be set when registry.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown registry.provider %q", c.Registry.Provider)
	}
	switch c.Checkpoint.Provider {
	case "local":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set when checkpoint.provider is local")
		}
	case "gcs":
		if c.Checkpoint.GCSBucket == "" {
			return fmt.Errorf("checkpoint.gcs_bucket must be set when checkpoint.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown checkpoint.provider %q", c.Checkpoint.Provider)
	}
	switch c.Backup.Provider {
	case "log", "noop":
	case "pubsub":
		if c.Backup.ProjectID == "" || c.Backup.TopicName == "" {
			return fmt.Errorf("backup.project_id and backup.topic_name must be set when backup.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown backup.provider %q", c.Backup.Provider)
	}
	switch c.Executor.Provider {
	case "colly", "chromedp":
	default:
		return fmt.Errorf("unknown executor.provider %q", c.Executor.Provider)
	}
	return nil
}

// CycleInterval returns the dispatcher cadence as a duration.
func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.Scheduler.CycleSeconds) * time.Second
}

// ShutdownGrace returns the worker drain budget as a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Scheduler.ShutdownGraceSeconds) * time.Second
}
