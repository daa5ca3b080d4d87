package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the TOML file at path, applies environment
// variable overrides, and validates the result. A .env file in the working
// directory is loaded first if present.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Best effort; missing .env is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config fields from SETTLED_* environment
// variables. Only variables that are set and non-empty take effect.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "SETTLED_MODE")
	setStr(&cfg.LogLevel, "SETTLED_LOG_LEVEL")

	setStr(&cfg.Oracle.Address, "SETTLED_ORACLE_ADDRESS")
	setStr(&cfg.Oracle.WsURL, "SETTLED_ORACLE_WS_URL")
	setStr(&cfg.Oracle.SignerKey, "SETTLED_ORACLE_SIGNER_KEY")
	setStr(&cfg.Oracle.EncryptedKeyPath, "SETTLED_ORACLE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Oracle.KeyPassword, "SETTLED_ORACLE_KEY_PASSWORD")

	setStringSlice(&cfg.Engine.Assets, "SETTLED_ENGINE_ASSETS")
	setDuration(&cfg.Engine.DelayBudget, "SETTLED_ENGINE_DELAY_BUDGET")
	setDuration(&cfg.Engine.LockTTL, "SETTLED_ENGINE_LOCK_TTL")
	setInt64(&cfg.Engine.FastPathThresholdTicks, "SETTLED_ENGINE_FAST_PATH_THRESHOLD_TICKS")
	setInt64(&cfg.Engine.MaxFastVolatilityTicks, "SETTLED_ENGINE_MAX_FAST_VOLATILITY_TICKS")
	setStr(&cfg.Engine.MaxFastAmount, "SETTLED_ENGINE_MAX_FAST_AMOUNT")
	setDuration(&cfg.Engine.FailureWindow, "SETTLED_ENGINE_FAILURE_WINDOW")
	setInt64(&cfg.Engine.AgentSuccessRateTicks, "SETTLED_ENGINE_AGENT_SUCCESS_RATE_TICKS")
	setStr(&cfg.Engine.AgentStake, "SETTLED_ENGINE_AGENT_STAKE")

	setDuration(&cfg.Sweeper.Interval, "SETTLED_SWEEPER_INTERVAL")
	setStr(&cfg.Sweeper.PoolLowWatermark, "SETTLED_SWEEPER_POOL_LOW_WATERMARK")

	setBool(&cfg.Archive.Enabled, "SETTLED_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "SETTLED_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "SETTLED_ARCHIVE_INTERVAL")

	setStr(&cfg.Postgres.DSN, "SETTLED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SETTLED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLED_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "SETTLED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLED_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "SETTLED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLED_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLED_S3_FORCE_PATH_STYLE")

	setBool(&cfg.Server.Enabled, "SETTLED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLED_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SETTLED_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SETTLED_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SETTLED_SERVER_RATE_WINDOW")

	setStr(&cfg.Notify.WebhookURL, "SETTLED_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "SETTLED_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "SETTLED_NOTIFY_EVENTS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
