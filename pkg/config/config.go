// Package config loads and validates the storyforge.yaml configuration,
// layering file values over built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the service.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Queue    QueueConfig    `yaml:"queue"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Port             string   `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Password is sourced from the environment, never from YAML.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN renders the connection string for the pgx stdlib driver.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// CacheConfig selects and tunes the interim checkpoint store.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	// RedisAddr is used when Backend is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// CheckpointTTL bounds how long interim phase results are retained.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
}

// GatewayConfig tunes the generative-model gateway.
type GatewayConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Circuit breaker settings.
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

// PipelineConfig tunes orchestrator behavior shared by all sessions.
type PipelineConfig struct {
	MaxPhaseRetries   int           `yaml:"max_phase_retries"`
	MaxSessionRetries int           `yaml:"max_session_retries"`
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base"`

	// ImageRetryBackoffBase is the backoff base for phase-5 image tasks.
	ImageRetryBackoffBase time.Duration `yaml:"image_retry_backoff_base"`

	// Retention is how long completed sessions are kept before the sweep
	// soft-deletes them.
	Retention time.Duration `yaml:"retention"`

	// RetentionSweepInterval is how often the cleanup service runs.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`
}

// QueueConfig contains supervisor and worker pool configuration.
type QueueConfig struct {
	// WorkerCount is the number of session driver goroutines.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentSessions is the global cap of sessions being processed.
	// Submissions beyond the cap stay queued until a worker picks them.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// PollInterval is the base interval for checking queued sessions.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes polling: PollInterval ± jitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// SessionTimeout bounds one full pipeline run.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// HeartbeatInterval is how often workers refresh last_heartbeat_at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleThreshold is how long a processing session can go without a
	// heartbeat before the reaper considers it stale.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// StaleScanInterval is how often the reaper scans for stale sessions.
	StaleScanInterval time.Duration `yaml:"stale_scan_interval"`

	// GracefulShutdownTimeout is the max wait for in-flight sessions on stop.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// Validate checks invariants the loader cannot express structurally.
func (c *Config) Validate() error {
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("queue.worker_count must be positive, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("queue.max_concurrent_sessions must be positive, got %d", c.Queue.MaxConcurrentSessions)
	}
	if c.Pipeline.MaxPhaseRetries < 0 {
		return fmt.Errorf("pipeline.max_phase_retries must not be negative, got %d", c.Pipeline.MaxPhaseRetries)
	}
	if c.Pipeline.MaxSessionRetries < 0 {
		return fmt.Errorf("pipeline.max_session_retries must not be negative, got %d", c.Pipeline.MaxSessionRetries)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", "memory", "redis", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when cache.backend is redis")
	}
	return nil
}
