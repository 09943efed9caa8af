// Package config defines the pipeline configuration and its loading hooks.
//
// Conventions:
// - New() returns a Config populated with defaults.
// - Load(ctx) layers a YAML file and RACEPULSE_* environment variables on top.
// - Validate() reports every violated invariant wrapped in ErrInvalidConfig.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the process-wide pipeline configuration. It is built once at
// start-up and handed to each component constructor.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// APIKey is the shared secret inbound webhook submissions must carry.
	APIKey string `koanf:"api_key"`

	// EventQueueSize bounds the channel between the connection manager and the workers.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of coordinator workers consuming the queue.
	WorkerCount int `koanf:"worker_count"`

	// StoreDriver selects the persistence backend: memory or sqlite.
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// SchemaFile optionally points at a YAML split catalog loaded at start-up.
	SchemaFile string `koanf:"schema_file"`

	// SchemaCacheTTL controls how long resolved split schemas are cached.
	SchemaCacheTTL time.Duration `koanf:"schema_cache_ttl"`

	// DedupeTTL is the lifetime of an idempotency record.
	DedupeTTL time.Duration `koanf:"dedupe_ttl"`

	// AckTimeout bounds the bookkeeping part of processing one event.
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// Timing provider connection.
	ProviderURL          string        `koanf:"provider_url"`
	ProviderAPIKey       string        `koanf:"provider_api_key"`
	ReconnectInitial     time.Duration `koanf:"reconnect_initial_delay"`
	ReconnectMultiplier  float64       `koanf:"reconnect_multiplier"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `koanf:"reconnect_max_attempts"`

	// Story/clip generator.
	StoryURL        string        `koanf:"story_url"`
	StoryAPIKey     string        `koanf:"story_api_key"`
	StoryTimeout    time.Duration `koanf:"story_timeout"`
	ClipRetryEvery  time.Duration `koanf:"clip_retry_interval"`
	ClipMaxAttempts int           `koanf:"clip_max_attempts"`

	// Push dispatch.
	PushURL           string        `koanf:"push_url"`
	PushAccessToken   string        `koanf:"push_access_token"`
	PushBatchSize     int           `koanf:"push_batch_size"`
	PushSilent        bool          `koanf:"push_silent"`
	FanoutTimeout     time.Duration `koanf:"fanout_timeout"`
	FanoutConcurrency int           `koanf:"fanout_concurrency"`

	// Health monitoring.
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	StaleWarningAfter   time.Duration `koanf:"stale_warning_after"`
	StaleErrorAfter     time.Duration `koanf:"stale_error_after"`
	StaleCriticalAfter  time.Duration `koanf:"stale_critical_after"`
	AlertCooldown       time.Duration `koanf:"alert_cooldown"`
	AlertWebhookURL     string        `koanf:"alert_webhook_url"`

	// Retention sweeps.
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	SweepPageSize       int           `koanf:"sweep_page_size"`
	SweepMaxBatch       int           `koanf:"sweep_max_batch"`
	SweepPause          time.Duration `koanf:"sweep_pause"`
	MetricsRetention    time.Duration `koanf:"metrics_retention"`
	SubscriptionCleanup time.Duration `koanf:"subscription_cleanup_window"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		Addr:                 ":9080",
		EventQueueSize:       10_000,
		WorkerCount:          runtime.NumCPU() * 2,
		StoreDriver:          StoreMemory,
		SQLitePath:           "data/racepulse.db",
		SchemaCacheTTL:       time.Minute,
		DedupeTTL:            24 * time.Hour,
		AckTimeout:           5 * time.Second,
		ReconnectInitial:     time.Second,
		ReconnectMultiplier:  2,
		ReconnectMaxDelay:    time.Minute,
		ReconnectMaxAttempts: 10,
		StoryTimeout:         30 * time.Second,
		ClipRetryEvery:       5 * time.Minute,
		ClipMaxAttempts:      3,
		PushURL:              "https://exp.host/--/api/v2/push/send",
		PushBatchSize:        100,
		FanoutTimeout:        10 * time.Second,
		FanoutConcurrency:    4,
		HealthCheckInterval:  time.Minute,
		StaleWarningAfter:    5 * time.Minute,
		StaleErrorAfter:      15 * time.Minute,
		StaleCriticalAfter:   30 * time.Minute,
		AlertCooldown:        10 * time.Minute,
		SweepInterval:        time.Hour,
		SweepPageSize:        1000,
		SweepMaxBatch:        500,
		SweepPause:           100 * time.Millisecond,
		MetricsRetention:     7 * 24 * time.Hour,
		SubscriptionCleanup:  24 * time.Hour,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("worker_count must be positive"))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path must be set for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}
	if c.DedupeTTL <= 0 {
		errs = append(errs, errors.New("dedupe_ttl must be positive"))
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMaxDelay < c.ReconnectInitial {
		errs = append(errs, errors.New("reconnect delays must be positive and max >= initial"))
	}
	if c.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("reconnect_multiplier must be >= 1"))
	}
	if c.ReconnectMaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect_max_attempts must be positive"))
	}
	if c.PushBatchSize <= 0 {
		errs = append(errs, errors.New("push_batch_size must be positive"))
	}
	if c.SweepMaxBatch <= 0 || c.SweepPageSize <= 0 {
		errs = append(errs, errors.New("sweep_page_size and sweep_max_batch must be positive"))
	}
	if !(c.StaleWarningAfter < c.StaleErrorAfter && c.StaleErrorAfter < c.StaleCriticalAfter) {
		errs = append(errs, errors.New("stale thresholds must increase: warning < error < critical"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
