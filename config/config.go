// Package config loads the service configuration from YAML with environment
// overrides for secrets and connection strings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/metrics"
	"github.com/GoCodeAlone/billing-webhooks/middleware"
	"github.com/GoCodeAlone/billing-webhooks/risk"
	"github.com/GoCodeAlone/billing-webhooks/scheduler"
	"github.com/GoCodeAlone/billing-webhooks/store"
	"github.com/GoCodeAlone/billing-webhooks/tracing"
	"github.com/GoCodeAlone/billing-webhooks/webhook"
)

// Store and ledger drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `json:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdownTimeout" yaml:"shutdown_timeout"`
	// AdminEnabled mounts the dead letter and task endpoints.
	AdminEnabled bool `json:"adminEnabled" yaml:"admin_enabled"`
	// AdminTokens authenticate the admin endpoints. Several may be listed
	// to allow rotation.
	AdminTokens []string `json:"-" yaml:"admin_tokens"`
}

// LogConfig configures the process logger. Level is reloaded live when the
// config file changes.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// StripeConfig holds the provider credentials.
type StripeConfig struct {
	SecretKey     string        `json:"-" yaml:"secret_key"`
	WebhookSecret string        `json:"-" yaml:"webhook_secret"`
	Tolerance     time.Duration `json:"tolerance" yaml:"tolerance"`
	// Breaker guards outbound API calls.
	Breaker middleware.CircuitBreakerConfig `json:"breaker" yaml:"breaker"`
}

// LedgerConfig selects the processed event ledger.
type LedgerConfig struct {
	Driver     string        `json:"driver" yaml:"driver"`
	SQLitePath string        `json:"sqlitePath" yaml:"sqlite_path"`
	Retention  time.Duration `json:"retention" yaml:"retention"`
}

// StoreConfig selects the billing and task persistence.
type StoreConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Postgres store.PGConfig `json:"postgres" yaml:"postgres"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
}

// NATSConfig configures the notification transport. An empty URL logs
// notifications instead of publishing them.
type NATSConfig struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

// AuditConfig selects where audit records are written. An empty path
// writes to stdout.
type AuditConfig struct {
	Path string `json:"path" yaml:"path"`
}

// RiskConfig tunes the velocity policy.
type RiskConfig struct {
	VelocityWindow time.Duration `json:"velocityWindow" yaml:"velocity_window"`
	VelocityLimit  int64         `json:"velocityLimit" yaml:"velocity_limit"`
}

// BillingConfig tunes the subscription state machine.
type BillingConfig struct {
	UpgradeReminderDelay time.Duration `json:"upgradeReminderDelay" yaml:"upgrade_reminder_delay"`
	TaskMaxAttempts      int           `json:"taskMaxAttempts" yaml:"task_max_attempts"`
}

// WebhookConfig tunes dead letter replay.
type WebhookConfig struct {
	Replay webhook.RetryConfig `json:"replay" yaml:"replay"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig      `json:"server" yaml:"server"`
	Log       LogConfig         `json:"log" yaml:"log"`
	Stripe    StripeConfig      `json:"stripe" yaml:"stripe"`
	Store     StoreConfig       `json:"store" yaml:"store"`
	Redis     risk.RedisConfig  `json:"redis" yaml:"redis"`
	NATS      NATSConfig        `json:"nats" yaml:"nats"`
	Slack     alert.SlackConfig `json:"slack" yaml:"slack"`
	Audit     AuditConfig       `json:"audit" yaml:"audit"`
	Risk      RiskConfig        `json:"risk" yaml:"risk"`
	Billing   BillingConfig     `json:"billing" yaml:"billing"`
	Webhook   WebhookConfig     `json:"webhook" yaml:"webhook"`
	Scheduler scheduler.Config  `json:"scheduler" yaml:"scheduler"`
	Tracing   tracing.Config    `json:"tracing" yaml:"tracing"`
	Metrics   metrics.Config    `json:"metrics" yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			AdminEnabled:      false,
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		Stripe: StripeConfig{
			Tolerance: webhook.DefaultTolerance,
			Breaker: middleware.CircuitBreakerConfig{
				Name:             "stripe",
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				MaxConcurrent:    1,
			},
		},
		Store: StoreConfig{
			Ledger: LedgerConfig{Retention: store.DefaultEventRetention},
		},
		Slack: alert.DefaultSlackConfig(),
		Risk: RiskConfig{
			VelocityWindow: risk.DefaultVelocityWindow,
			VelocityLimit:  risk.DefaultVelocityLimit,
		},
		Billing: BillingConfig{
			UpgradeReminderDelay: 72 * time.Hour,
			TaskMaxAttempts:      store.DefaultTaskMaxAttempts,
		},
		Webhook:   WebhookConfig{Replay: webhook.DefaultRetryConfig()},
		Scheduler: scheduler.DefaultConfig(),
		Tracing:   tracing.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.resolveDrivers()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("STRIPE_SECRET_KEY", &c.Stripe.SecretKey)
	set("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	set("DATABASE_URL", &c.Store.Postgres.URL)
	set("REDIS_ADDR", &c.Redis.Address)
	set("REDIS_PASSWORD", &c.Redis.Password)
	set("NATS_URL", &c.NATS.URL)
	set("SLACK_WEBHOOK_URL", &c.Slack.WebhookURL)
	set("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	set("LOG_LEVEL", &c.Log.Level)
	set("LISTEN_ADDR", &c.Server.Addr)
	if v, ok := lookup("ADMIN_TOKEN"); ok && v != "" {
		c.Server.AdminTokens = []string{v}
	}
}

// resolveDrivers picks Postgres when a database URL is present and the
// drivers were left unset.
func (c *Config) resolveDrivers() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
		if c.Store.Postgres.URL != "" {
			c.Store.Driver = DriverPostgres
		}
	}
	if c.Store.Ledger.Driver == "" {
		switch {
		case c.Store.Driver == DriverPostgres:
			c.Store.Ledger.Driver = DriverPostgres
		case c.Store.Ledger.SQLitePath != "":
			c.Store.Ledger.Driver = DriverSQLite
		default:
			c.Store.Ledger.Driver = DriverMemory
		}
	}
}

// Validate reports every configuration error found.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: server.addr is required", ErrInvalid))
	}
	if c.Server.AdminEnabled && len(c.Server.AdminTokens) == 0 {
		errs = append(errs, fmt.Errorf("%w: server.admin_tokens is required when admin endpoints are enabled", ErrInvalid))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, fmt.Errorf("%w: store.postgres.url is required for the postgres driver", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver))
	}
	switch c.Store.Ledger.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Ledger.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%w: store.ledger.sqlite_path is required for the sqlite driver", ErrInvalid))
		}
	case DriverPostgres:
		if c.Store.Driver != DriverPostgres {
			errs = append(errs, fmt.Errorf("%w: postgres ledger requires the postgres store", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown ledger driver %q", ErrInvalid, c.Store.Ledger.Driver))
	}
	if c.Risk.VelocityLimit < 0 || c.Risk.VelocityWindow < 0 {
		errs = append(errs, fmt.Errorf("%w: risk limits must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}

// RiskSettings converts the risk section for the risk package.
func (c *Config) RiskSettings() risk.Config {
	return risk.Config{VelocityWindow: c.Risk.VelocityWindow, VelocityLimit: c.Risk.VelocityLimit}
}
