// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SETTLED_* environment
// variables.
type Config struct {
	Oracle   OracleConfig   `toml:"oracle"`
	Engine   EngineConfig   `toml:"engine"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// OracleConfig identifies the attestation oracle and how verdicts arrive.
type OracleConfig struct {
	// Address is the oracle's signing address; every attestation signature
	// is checked against it.
	Address string `toml:"address"`
	// WsURL is the oracle gateway WebSocket endpoint. Empty disables the
	// feed (attestations then arrive only over the HTTP callback).
	WsURL string `toml:"ws_url"`
	// SignerKey is a raw private key for the simulator's in-process oracle.
	// Never set in production.
	SignerKey        string `toml:"signer_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// EngineConfig holds request-lifecycle and scoring parameters.
type EngineConfig struct {
	// Assets accepted at intake.
	Assets []string `toml:"assets"`
	// DelayBudget is the attestation window a matched provider must be
	// willing to wait out.
	DelayBudget duration `toml:"delay_budget"`
	// LockTTL bounds how long one lifecycle step may hold a request lock.
	LockTTL duration `toml:"lock_ttl"`

	// Fast-path gates; zero values fall back to the engine defaults.
	FastPathThresholdTicks int64    `toml:"fast_path_threshold_ticks"`
	MaxFastVolatilityTicks int64    `toml:"max_fast_volatility_ticks"`
	MaxFastAmount          string   `toml:"max_fast_amount"`
	FailureWindow          duration `toml:"failure_window"`

	// Static execution-agent record used when no live registry is wired.
	AgentSuccessRateTicks int64  `toml:"agent_success_rate_ticks"`
	AgentStake            string `toml:"agent_stake"`
}

// SweeperConfig holds escrow-timeout sweeper parameters.
type SweeperConfig struct {
	Interval duration `toml:"interval"`
	// PoolLowWatermark fires an operator alert when an asset's pool balance
	// drops below it. Empty disables the watch.
	PoolLowWatermark string `toml:"pool_low_watermark"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Port       int      `toml:"port"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds operator notification parameters.
type NotifyConfig struct {
	WebhookURL    string   `toml:"webhook_url"`
	WebhookSecret string   `toml:"webhook_secret"`
	Events        []string `toml:"events"`
}

// duration wraps time.Duration for TOML decoding of strings like "5m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Assets:                []string{"VBTC"},
			DelayBudget:           duration{15 * time.Minute},
			LockTTL:               duration{30 * time.Second},
			AgentSuccessRateTicks: 1_000_000,
		},
		Sweeper: SweeperConfig{
			Interval: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "require",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  100,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"request_forfeited", "escrow_refunded", "pool_low"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"sweep":   true,
	"archive": true,
	"sim":     true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, sweep, archive, sim, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Oracle — the sim mode signs for itself; every other mode needs the
	// trusted oracle address.
	if c.Mode != "sim" && c.Oracle.Address == "" {
		errs = append(errs, "oracle: address must not be empty")
	}
	if c.Mode == "sim" && c.Oracle.SignerKey == "" && c.Oracle.EncryptedKeyPath == "" {
		errs = append(errs, "oracle: signer_key or encrypted_key_path is required for sim mode")
	}
	if c.Oracle.EncryptedKeyPath != "" && c.Oracle.KeyPassword == "" {
		errs = append(errs, "oracle: key_password is required when encrypted_key_path is set")
	}

	// Engine
	if len(c.Engine.Assets) == 0 {
		errs = append(errs, "engine: assets must not be empty")
	}
	if c.Engine.DelayBudget.Duration <= 0 {
		errs = append(errs, "engine: delay_budget must be positive")
	}

	// Postgres — sim mode runs on the in-memory store.
	if c.Mode != "sim" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 — only needed when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify — a webhook without a secret would deliver unverifiable events.
	if c.Notify.WebhookURL != "" && c.Notify.WebhookSecret == "" {
		errs = append(errs, "notify: webhook_secret is required when webhook_url is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
