package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are meant to arrive this way rather than through the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Oracle ──
	setInt(&cfg.Oracle.MinSigners, "PERPCORE_ORACLE_MIN_SIGNERS")
	setUint64(&cfg.Oracle.MinBlockConfirmations, "PERPCORE_ORACLE_MIN_BLOCK_CONFIRMATIONS")
	setDuration(&cfg.Oracle.MaxPriceAge, "PERPCORE_ORACLE_MAX_PRICE_AGE")
	setStr(&cfg.Oracle.MaxRefPriceDeviation, "PERPCORE_ORACLE_MAX_REF_PRICE_DEVIATION")
	setStr(&cfg.Oracle.Reference, "PERPCORE_ORACLE_REFERENCE")
	setDuration(&cfg.Oracle.ReferenceMaxAge, "PERPCORE_ORACLE_REFERENCE_MAX_AGE")

	// ── Risk ──
	setStr(&cfg.Risk.MinCollateralUsd, "PERPCORE_RISK_MIN_COLLATERAL_USD")
	setStr(&cfg.Risk.MinPositionSizeUsd, "PERPCORE_RISK_MIN_POSITION_SIZE_USD")
	setInt(&cfg.Risk.MaxSwapPathLength, "PERPCORE_RISK_MAX_SWAP_PATH_LENGTH")
	setStr(&cfg.Risk.MaxPnlFactorForTraders, "PERPCORE_RISK_MAX_PNL_FACTOR_FOR_TRADERS")
	setStr(&cfg.Risk.MaxPnlFactorForAdl, "PERPCORE_RISK_MAX_PNL_FACTOR_FOR_ADL")
	setStr(&cfg.Risk.MaxPnlFactorForWithdrawals, "PERPCORE_RISK_MAX_PNL_FACTOR_FOR_WITHDRAWALS")
	setStr(&cfg.Risk.MaxPnlFactorForDeposits, "PERPCORE_RISK_MAX_PNL_FACTOR_FOR_DEPOSITS")
	setStr(&cfg.Risk.MinPnlFactorAfterAdl, "PERPCORE_RISK_MIN_PNL_FACTOR_AFTER_ADL")

	// ── Keeper ──
	setDuration(&cfg.Keeper.LockTTL, "PERPCORE_KEEPER_LOCK_TTL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPCORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PERPCORE_REDIS_KEY_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PERPCORE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PERPCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "PERPCORE_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PERPCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPCORE_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPCORE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PERPCORE_S3_PREFIX")
	setBool(&cfg.S3.CreateBucket, "PERPCORE_S3_CREATE_BUCKET")

	// ── Archive ──
	setDuration(&cfg.Archive.Interval, "PERPCORE_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "PERPCORE_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPCORE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPCORE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPCORE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPCORE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PERPCORE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PERPCORE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPCORE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPCORE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPCORE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPCORE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPCORE_MODE")
	setStr(&cfg.LogLevel, "PERPCORE_LOG_LEVEL")
	setStr(&cfg.Datastore, "PERPCORE_DATASTORE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
