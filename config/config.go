package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// WProc bounds total concurrent node attempts this process will run
	// across all runs; WRun bounds concurrent node attempts within a single
	// run, so one wide pipeline cannot starve every other run.
	WProc int `env:"W_PROC" envDefault:"50" validate:"min=1,max=1000"`
	WRun  int `env:"W_RUN" envDefault:"8" validate:"min=1,max=200"`

	EngineTickInterval     time.Duration `env:"ENGINE_TICK_INTERVAL" envDefault:"500ms" validate:"min=10ms"`
	DispatcherTickInterval time.Duration `env:"DISPATCHER_TICK_INTERVAL" envDefault:"1s" validate:"min=10ms"`

	// Default policy, overridable per-pipeline / per-node within bounds below.
	DefaultMaxAttempts       int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3" validate:"min=1"`
	DefaultBackoffBase       time.Duration `env:"DEFAULT_BACKOFF_BASE" envDefault:"1s"`
	DefaultBackoffCap        time.Duration `env:"DEFAULT_BACKOFF_CAP" envDefault:"30s"`
	DefaultPerAttemptTimeout time.Duration `env:"DEFAULT_PER_ATTEMPT_TIMEOUT" envDefault:"30s"`
	DefaultOverallTimeout    time.Duration `env:"DEFAULT_OVERALL_TIMEOUT" envDefault:"10m"`
	DefaultCBThreshold       int           `env:"DEFAULT_CB_THRESHOLD" envDefault:"5" validate:"min=1"`
	DefaultCBCooldown        time.Duration `env:"DEFAULT_CB_COOLDOWN" envDefault:"1m"`
	MaxAttemptsCeiling       int           `env:"MAX_ATTEMPTS_CEILING" envDefault:"20" validate:"min=1"`

	// LockLease is the TTL the dispatcher's primary-election lock is held for
	// before it must be renewed; RecoveryStaleAfter is how long a run may sit
	// in running with no heartbeat before the startup scanner reclaims it.
	LockLease          time.Duration `env:"LOCK_LEASE" envDefault:"15s" validate:"min=1s"`
	RecoveryStaleAfter time.Duration `env:"RECOVERY_STALE_AFTER" envDefault:"2m" validate:"min=1s"`

	// MaxMissedBackfill caps how many missed fires a fire_all schedule will
	// backfill after a gap with no primary, per schedule.
	MaxMissedBackfill int `env:"MAX_MISSED_BACKFILL" envDefault:"10" validate:"min=0"`

	// TimeZone is the IANA zone name (e.g. "America/New_York") cron triggers
	// are evaluated against. A single process-wide zone, not per-schedule.
	TimeZone string `env:"TIME_ZONE" envDefault:"UTC" validate:"required"`

	// IdempotencyKeyTTL is how long a (pipeline, idempotency_key) pair is
	// remembered before the key may be reused by a new submission.
	IdempotencyKeyTTL time.Duration `env:"IDEMPOTENCY_KEY_TTL" envDefault:"24h" validate:"min=1m"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// JWKSURL is the JWKS endpoint for RS256 token verification. When set it
	// takes precedence over JWTSecret.
	JWKSURL string `env:"JWKS_URL"`

	// JWTSecret is kept for local dev / HMAC-signed admin tokens.
	JWTSecret string `env:"JWT_SECRET"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`

	// AgentBaseURL is the default base URL the Agent Executor Port (C4)
	// dispatches capability calls to when a node's AgentConfig does not
	// override it.
	AgentBaseURL    string        `env:"AGENT_BASE_URL" envDefault:"http://localhost:9100"`
	AgentHTTPTimeout time.Duration `env:"AGENT_HTTP_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid config: TIME_ZONE %q: %w", cfg.TimeZone, err)
	}

	return cfg, nil
}

// Location resolves the configured IANA zone name to a *time.Location.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
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
