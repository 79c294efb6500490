// Package config loads the process configuration from environment variables
// (caarlos0/env tags plus go-playground/validator struct validation).
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the full recognized environment surface. Unknown environment
// variables are ignored by caarlos0/env; values outside the validated ranges
// fail Load.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	// DatabaseURL is the document store (CouchDB) holding job records,
	// derivation artifacts and, by default, the persistent HTTP cache.
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// CacheBackend selects the persistent HTTP-cache tier: "kivik" keeps it
	// in the document store above, "postgres" moves it to a JSONB KV table
	// reachable at CacheDatabaseURL.
	CacheBackend     string `env:"CACHE_BACKEND" envDefault:"kivik" validate:"required,oneof=kivik postgres"`
	CacheDatabaseURL string `env:"CACHE_DATABASE_URL" validate:"required_if=CacheBackend postgres"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// Job runner.
	StuckThresholdHours int `env:"STUCK_THRESHOLD_HOURS" envDefault:"2" validate:"min=1,max=48"`
	JobTimeoutHours     int `env:"JOB_TIMEOUT_HOURS" envDefault:"6" validate:"min=1,max=48"`
	MaxLogsPerRecord    int `env:"MAX_LOGS_PER_RECORD" envDefault:"1000" validate:"min=1"`

	// Vendor HTTP client.
	VendorBaseURL            string `env:"VENDOR_BASE_URL,required" validate:"required"`
	VendorAPIKey             string `env:"VENDOR_API_KEY,required" validate:"required"`
	HTTPTimeoutMs            int    `env:"HTTP_TIMEOUT_MS" envDefault:"30000" validate:"min=1"`
	HTTPMaxConcurrency       int    `env:"HTTP_MAX_CONCURRENCY" envDefault:"6" validate:"min=1,max=64"`
	HTTPMemoryTTLMs          int    `env:"HTTP_MEMORY_TTL_MS" envDefault:"300000" validate:"min=1"`
	HTTPPersistentTTLMs      int    `env:"HTTP_PERSISTENT_TTL_MS" envDefault:"3600000" validate:"min=1"`
	HTTPPersistentSizeBytes  int64  `env:"HTTP_PERSISTENT_SIZE_BYTES" envDefault:"5242880" validate:"min=1"`
	HTTPPersistentEntryCeil  int    `env:"HTTP_PERSISTENT_ENTRY_CEILING" envDefault:"500" validate:"min=1"`
	HTTPEnableDeduplication  bool   `env:"HTTP_ENABLE_DEDUPLICATION" envDefault:"true"`
	HTTPEnableRetry          bool   `env:"HTTP_ENABLE_RETRY" envDefault:"true"`
	HTTPMaxRetries           int    `env:"HTTP_MAX_RETRIES" envDefault:"3" validate:"min=0,max=10"`
	HTTPRetryBaseMs          int    `env:"HTTP_RETRY_BASE_MS" envDefault:"1000" validate:"min=1"`
	HTTPDefaultPriority      int    `env:"HTTP_DEFAULT_PRIORITY" envDefault:"50" validate:"min=1"`

	// Maintenance.
	MaxTotalJobs           int `env:"MAX_TOTAL_JOBS" envDefault:"10000" validate:"min=1"`
	CompletedRetentionDays int `env:"COMPLETED_RETENTION_DAYS" envDefault:"30" validate:"min=1"`
	FailedRetentionDays    int `env:"FAILED_RETENTION_DAYS" envDefault:"90" validate:"min=1"`
	MinJobsToKeepPerType   int `env:"MIN_JOBS_TO_KEEP_PER_TYPE" envDefault:"10" validate:"min=0"`
	CacheMaxSizeMB         int `env:"CACHE_MAX_SIZE_MB" envDefault:"500" validate:"min=1"`
	CacheMaxDocuments      int `env:"CACHE_MAX_DOCUMENTS" envDefault:"100000" validate:"min=1"`
	CacheMaintenanceHours  int `env:"CACHE_MAINTENANCE_HOURS" envDefault:"1" validate:"min=1"`
	JobMaintenanceHours    int `env:"JOB_MAINTENANCE_HOURS" envDefault:"6" validate:"min=1"`

	// Scan cadence: how often the cycled ingestion workflow's cron entry
	// fires; each firing runs the orchestrator inside it for a single cycle.
	ScanCronExpression string `env:"SCAN_CRON_EXPRESSION" envDefault:"0 */6 * * *" validate:"required"`
	ScanTimezone       string `env:"SCAN_TIMEZONE" envDefault:"UTC" validate:"required"`
	ScanExchange       string `env:"SCAN_EXCHANGE" envDefault:"US" validate:"required"`
}

// Load parses and validates Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) StuckThreshold() time.Duration { return time.Duration(c.StuckThresholdHours) * time.Hour }
func (c *Config) JobTimeout() time.Duration      { return time.Duration(c.JobTimeoutHours) * time.Hour }
func (c *Config) HTTPTimeout() time.Duration     { return time.Duration(c.HTTPTimeoutMs) * time.Millisecond }
func (c *Config) HTTPMemoryTTL() time.Duration   { return time.Duration(c.HTTPMemoryTTLMs) * time.Millisecond }
func (c *Config) HTTPPersistentTTL() time.Duration {
	return time.Duration(c.HTTPPersistentTTLMs) * time.Millisecond
}
func (c *Config) HTTPRetryBase() time.Duration { return time.Duration(c.HTTPRetryBaseMs) * time.Millisecond }
func (c *Config) CacheMaintenanceInterval() time.Duration {
	return time.Duration(c.CacheMaintenanceHours) * time.Hour
}
func (c *Config) JobMaintenanceInterval() time.Duration {
	return time.Duration(c.JobMaintenanceHours) * time.Hour
}
