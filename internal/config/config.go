// Package config loads the coordination core's configuration from
// environment variables into typed structs, one per engine concern, via
// internal/env's struct-tag loader. Each setting's default lives in the
// `default:"..."` tag next to the field it describes, so an unset variable
// falls back to the documented default rather than the zero value.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/workcoord/internal/env"
)

// Config is the root configuration for the worker binary.
type Config struct {
	Database DatabaseConfig
	HTTP     HTTPConfig
	Job      JobConfig
	Timer    TimerConfig
	Batch    BatchConfig
	Event    EventConfig
	OTel     OTelConfig
	Blob     BlobArchiveConfig
}

// DatabaseConfig holds the persistence gateway's connection settings.
type DatabaseConfig struct {
	DSN             string        `env:"CORE_DB_DSN"`
	MaxOpenConns    int           `env:"CORE_DB_MAX_OPEN_CONNS"`
	MinIdleConns    int           `env:"CORE_DB_MIN_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CORE_DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"CORE_DB_CONN_MAX_IDLE_TIME"`
}

// HTTPConfig holds the ops HTTP surface settings (stats read path and
// dead-letter retry). The full CRUD/REST surface over the engines is an
// external collaborator, not this process.
type HTTPConfig struct {
	Port         string        `env:"CORE_HTTP_PORT" default:"8081"`
	ReadTimeout  time.Duration `env:"CORE_HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `env:"CORE_HTTP_WRITE_TIMEOUT" default:"10s"`
}

// JobConfig holds the job engine's defaults.
type JobConfig struct {
	LockTTL            time.Duration `env:"CORE_JOB_LOCK_TTL" default:"300s"`
	DefaultMaxRetries  int           `env:"CORE_JOB_DEFAULT_MAX_RETRIES" default:"3"`
	DefaultRetryWaitMs int64         `env:"CORE_JOB_DEFAULT_RETRY_WAIT_MS" default:"5000"`
	DefaultPriority    int           `env:"CORE_JOB_DEFAULT_PRIORITY" default:"50"`
	AcquireLimit       int           `env:"CORE_JOB_ACQUIRE_LIMIT" default:"50"`
}

// TimerConfig holds the timer engine's tick, lock, and retention settings.
type TimerConfig struct {
	TickInterval      time.Duration `env:"CORE_TIMER_TICK_INTERVAL" default:"1s"`
	LockTTL           time.Duration `env:"CORE_TIMER_LOCK_TTL" default:"60s"`
	RetentionDays     int           `env:"CORE_TIMER_RETENTION_DAYS" default:"7"`
	DefaultMaxRetries int           `env:"CORE_TIMER_DEFAULT_MAX_RETRIES" default:"3"`
	DueLimit          int           `env:"CORE_TIMER_DUE_LIMIT" default:"50"`
}

// BatchConfig holds the batch engine's settings. Disabled, not Enabled, so
// the zero value (false) matches the unset-env-var case without masking an
// explicit opt-out — the batch engine defaults on.
type BatchConfig struct {
	Disabled           bool          `env:"CORE_BATCH_DISABLED"`
	BatchSize          int           `env:"CORE_BATCH_SIZE" default:"50"`
	ProcessInterval    time.Duration `env:"CORE_BATCH_PROCESS_INTERVAL" default:"5s"`
	MaxConcurrent      int           `env:"CORE_BATCH_MAX_CONCURRENT" default:"5"`
	MaxConcurrentParts int           `env:"CORE_BATCH_MAX_CONCURRENT_PARTS" default:"10"`
	Timeout            time.Duration `env:"CORE_BATCH_TIMEOUT" default:"300s"`
	DisableAutoCleanup bool          `env:"CORE_BATCH_DISABLE_AUTO_CLEANUP"`
	RetentionDays      int           `env:"CORE_BATCH_RETENTION_DAYS" default:"30"`
	DefaultMaxRetries  int           `env:"CORE_BATCH_DEFAULT_MAX_RETRIES" default:"3"`
	DefaultPriority    int           `env:"CORE_BATCH_DEFAULT_PRIORITY" default:"50"`
}

// EventConfig holds the event subscription engine's retention setting.
type EventConfig struct {
	RetentionDays int `env:"CORE_EVENT_RETENTION_DAYS" default:"7"`
}

// OTelConfig toggles the OpenTelemetry tracing/metrics/log bridge wired in
// pkg/observability. Disabled, not Enabled, for the same zero-value reason
// as BatchConfig.Disabled — it defaults on.
type OTelConfig struct {
	Disabled    bool   `env:"CORE_OTEL_DISABLED"`
	ServiceName string `env:"CORE_OTEL_SERVICE_NAME" default:"workcoord"`
}

// BlobArchiveConfig points at the optional GCS overflow bucket
// (internal/blobarchive) for oversized exceptionStack/payload/result
// fields. BucketName empty means no archiver is wired; oversized fields are
// truncated in place instead.
type BlobArchiveConfig struct {
	BucketName string `env:"CORE_BLOB_ARCHIVE_BUCKET"`
}

// Load parses environment variables into a Config, applying the tag
// defaults for anything left unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("CORE_DB_DSN is required")
	}
	return nil
}
