package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Conflict match modes for the auto-annotation scheduler.
const (
	// ConflictMatchNormalized treats values equal under the kind's equality
	// as non-conflicting.
	ConflictMatchNormalized = "normalized"
	// ConflictMatchExact treats any raw string difference as a conflict.
	ConflictMatchExact = "exact"
)

// Config holds all configuration for ekaya-insights.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// MigrationsPath is the directory holding golang-migrate SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Updater   UpdaterConfig   `yaml:"updater"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   WorkersConfig   `yaml:"workers"`

	// Kinds holds per-kind automatic annotation policies keyed by insight kind.
	// Kinds without an entry (or with auto=false) are never auto-annotated.
	Kinds map[string]KindPolicyConfig `yaml:"kinds"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_insights"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for the idempotency ledger.
// Redis is optional: an empty host disables the ledger.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"REDIS_TOKEN_TTL" env-default:"720h"`
}

// UpdaterConfig holds settings for the upstream product update API.
type UpdaterConfig struct {
	// BaseURL of the upstream API. Empty selects the dry-run log updater.
	BaseURL   string        `yaml:"base_url" env:"UPDATER_BASE_URL" env-default:""`
	Token     string        `yaml:"-" env:"UPDATER_TOKEN"` // Secret - not in YAML
	UserAgent string        `yaml:"user_agent" env:"UPDATER_USER_AGENT" env-default:"ekaya-insights"`
	Timeout   time.Duration `yaml:"timeout" env:"UPDATER_TIMEOUT" env-default:"30s"`
	// RateLimit is the maximum number of update calls per second.
	RateLimit float64 `yaml:"rate_limit" env:"UPDATER_RATE_LIMIT" env-default:"10"`
	// BreakerFailures is the number of consecutive failures that opens the circuit.
	BreakerFailures uint32        `yaml:"breaker_failures" env:"UPDATER_BREAKER_FAILURES" env-default:"5"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"UPDATER_BREAKER_TIMEOUT" env-default:"30s"`
}

// SchedulerConfig holds auto-annotation scheduler settings.
type SchedulerConfig struct {
	Disabled  bool          `yaml:"disabled" env:"SCHEDULER_DISABLED" env-default:"false"`
	Interval  time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL" env-default:"1m"`
	BatchSize int           `yaml:"batch_size" env:"SCHEDULER_BATCH_SIZE" env-default:"100"`
	// ConflictMatch is "normalized" or "exact".
	ConflictMatch string `yaml:"conflict_match" env:"SCHEDULER_CONFLICT_MATCH" env-default:"normalized"`
}

// WorkersConfig holds propagation worker pool settings.
type WorkersConfig struct {
	Disabled       bool          `yaml:"disabled" env:"WORKERS_DISABLED" env-default:"false"`
	PoolSize       int           `yaml:"pool_size" env:"WORKERS_POOL_SIZE" env-default:"4"`
	MaxRetries     int           `yaml:"max_retries" env:"WORKERS_MAX_RETRIES" env-default:"3"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"WORKERS_POLL_INTERVAL" env-default:"5s"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"WORKERS_INITIAL_BACKOFF" env-default:"30s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"WORKERS_MAX_BACKOFF" env-default:"30m"`
	// ClaimLease is how long a claimed insight stays hidden from other
	// workers while its update call is in flight.
	ClaimLease time.Duration `yaml:"claim_lease" env:"WORKERS_CLAIM_LEASE" env-default:"5m"`
}

// KindPolicyConfig is the automatic annotation policy of one insight kind.
type KindPolicyConfig struct {
	// Auto enables automatic validation for the kind.
	Auto bool `yaml:"auto"`
	// Threshold is the minimum confidence for automatic validation.
	Threshold float64 `yaml:"threshold"`
	// Condition is an optional expression that must also hold for automatic
	// validation, e.g. `len(value) < 64`.
	Condition string `yaml:"condition"`
	// RejectCondition is an optional expression; when true the insight is
	// rejected automatically.
	RejectCondition string `yaml:"reject_condition"`
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. A missing file is an error; use LoadEnv to configure
// from the environment alone.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnv reads configuration from environment variables only.
func LoadEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges that cleanenv cannot express.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	switch c.Scheduler.ConflictMatch {
	case ConflictMatchNormalized, ConflictMatchExact:
	default:
		return fmt.Errorf("scheduler.conflict_match must be %q or %q", ConflictMatchNormalized, ConflictMatchExact)
	}

	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be positive")
	}
	if c.Workers.MaxRetries <= 0 {
		return fmt.Errorf("workers.max_retries must be positive")
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("workers.poll_interval must be positive")
	}
	if c.Workers.ClaimLease <= c.Updater.Timeout {
		return fmt.Errorf("workers.claim_lease must exceed updater.timeout")
	}

	for kind, policy := range c.Kinds {
		if policy.Threshold < 0 || policy.Threshold > 1 {
			return fmt.Errorf("kinds.%s.threshold must be within [0, 1]", kind)
		}
	}

	if c.Updater.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Updater.BaseURL); err != nil {
			return fmt.Errorf("updater.base_url: %w", err)
		}
	}

	return nil
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
