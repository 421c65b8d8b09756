// Package config loads service configuration from an optional YAML file
// with environment-variable overrides, then validates the result.
// Defaults are production-safe; a config file is only needed to deviate
// from them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/permy-app/serverside/internal/subject"
)

// Config is the full service configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Subjects      subject.Config      `yaml:"subjects"`
	Session       SessionConfig       `yaml:"session"`
	Migration     MigrationConfig     `yaml:"migration"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	RateLimits    RateLimitsConfig    `yaml:"rate_limits"`
	Generate      GenerateConfig      `yaml:"generate"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig controls the public HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the ephemeral state backend.
type StoreConfig struct {
	// Type is "redis" or "memory". Memory is single-node only and meant
	// for development.
	Type     string `yaml:"type"`
	RedisURL string `yaml:"redis_url"`
}

// SessionConfig controls bearer session lifetimes.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// MigrationConfig controls one-time code issuance and lockout.
type MigrationConfig struct {
	CodeTTL    time.Duration `yaml:"code_ttl"`
	TicketTTL  time.Duration `yaml:"ticket_ttl"`
	LockoutTTL time.Duration `yaml:"lockout_ttl"`
	MaxTries   int           `yaml:"max_tries"`
}

// IdempotencyConfig controls duplicate-suppression locks.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Window is one fixed-window rate limit.
type Window struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitsConfig holds every boundary rate limit.
type RateLimitsConfig struct {
	AuthIP            Window `yaml:"auth_ip"`
	AuthFingerprint   Window `yaml:"auth_fingerprint"`
	GenerateUser      Window `yaml:"generate_user"`
	MigrationStartUsr Window `yaml:"migration_start_user"`
	MigrationStartIP  Window `yaml:"migration_start_ip"`
	MigrationDoneIP   Window `yaml:"migration_complete_ip"`
}

// GenerateConfig bounds the generate endpoint's inputs.
type GenerateConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// ObservabilityConfig controls tracing and the metrics listener.
type ObservabilityConfig struct {
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	// TraceExporter is "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type:     "redis",
			RedisURL: "redis://localhost:6379/0",
		},
		Subjects: subject.Config{
			Type: "sqlite",
			DSN:  "./permy.db",
		},
		Session: SessionConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Migration: MigrationConfig{
			CodeTTL:    10 * time.Minute,
			TicketTTL:  15 * time.Minute,
			LockoutTTL: time.Hour,
			MaxTries:   10,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		RateLimits: RateLimitsConfig{
			AuthIP:            Window{Limit: 10, Window: 10 * time.Minute},
			AuthFingerprint:   Window{Limit: 3, Window: 10 * time.Minute},
			GenerateUser:      Window{Limit: 5, Window: time.Minute},
			MigrationStartUsr: Window{Limit: 3, Window: 24 * time.Hour},
			MigrationStartIP:  Window{Limit: 10, Window: 24 * time.Hour},
			MigrationDoneIP:   Window{Limit: 5, Window: time.Minute},
		},
		Generate: GenerateConfig{
			MaxChars: 20000,
		},
		Observability: ObservabilityConfig{
			ServiceName:    "permy-serverside",
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
			TracingEnabled: false,
			TraceExporter:  "stdout",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (if non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PERMY_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PERMY_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("PERMY_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("PERMY_SUBJECTS_TYPE"); v != "" {
		cfg.Subjects.Type = v
	}
	if v := os.Getenv("PERMY_SUBJECTS_DSN"); v != "" {
		cfg.Subjects.DSN = v
	}
	if v := os.Getenv("PERMY_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.TTL = d
		}
	}
	if v := os.Getenv("PERMY_MIGRATION_MAX_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Migration.MaxTries = n
		}
	}
	if v := os.Getenv("PERMY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PERMY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PERMY_METRICS_ADDR"); v != "" {
		cfg.Observability.MetricsAddr = v
	}
	if v := os.Getenv("PERMY_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
}

// Validate rejects configurations that would weaken the security
// properties of the core (zero TTLs, absent thresholds) or that name
// unknown backends.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store type: %q", c.Store.Type)
	}

	switch c.Subjects.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported subjects type: %q", c.Subjects.Type)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Migration.CodeTTL <= 0 || c.Migration.TicketTTL <= 0 || c.Migration.LockoutTTL <= 0 {
		return fmt.Errorf("migration TTLs must be positive")
	}
	if c.Migration.MaxTries < 1 {
		return fmt.Errorf("migration.max_tries must be at least 1")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	for name, w := range map[string]Window{
		"auth_ip":               c.RateLimits.AuthIP,
		"auth_fingerprint":      c.RateLimits.AuthFingerprint,
		"generate_user":         c.RateLimits.GenerateUser,
		"migration_start_user":  c.RateLimits.MigrationStartUsr,
		"migration_start_ip":    c.RateLimits.MigrationStartIP,
		"migration_complete_ip": c.RateLimits.MigrationDoneIP,
	} {
		if w.Limit < 1 || w.Window <= 0 {
			return fmt.Errorf("rate_limits.%s must have a positive limit and window", name)
		}
	}
	if c.Generate.MaxChars < 1 {
		return fmt.Errorf("generate.max_chars must be positive")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported logging format: %q", c.Logging.Format)
	}

	if c.Observability.TracingEnabled {
		switch c.Observability.TraceExporter {
		case "stdout":
		case "otlp":
			if c.Observability.OTLPEndpoint == "" {
				return fmt.Errorf("observability.otlp_endpoint is required for the otlp exporter")
			}
		default:
			return fmt.Errorf("unsupported trace exporter: %q", c.Observability.TraceExporter)
		}
	}

	return nil
}
