// Package config defines the top-level configuration for the perp keeper and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPCORE_* environment variables.
type Config struct {
	Oracle    OracleConfig   `toml:"oracle"`
	Risk      RiskConfig     `toml:"risk"`
	Markets   []MarketConfig `toml:"markets"`
	Keeper    KeeperConfig   `toml:"keeper"`
	Redis     RedisConfig    `toml:"redis"`
	Postgres  PostgresConfig `toml:"postgres"`
	S3        S3Config       `toml:"s3"`
	Archive   ArchiveConfig  `toml:"archive"`
	Server    ServerConfig   `toml:"server"`
	Notify    NotifyConfig   `toml:"notify"`
	Mode      string         `toml:"mode"`
	LogLevel  string         `toml:"log_level"`
	Datastore string         `toml:"datastore"`
}

// OracleConfig holds the price validation parameters and the token feeds.
type OracleConfig struct {
	MinSigners            int      `toml:"min_signers"`
	MinBlockConfirmations uint64   `toml:"min_block_confirmations"`
	MaxPriceAge           duration `toml:"max_price_age"`
	// MaxRefPriceDeviation is a decimal factor, e.g. "0.05". Empty or zero
	// disables the reference check.
	MaxRefPriceDeviation string `toml:"max_ref_price_deviation"`
	// Reference selects where the last accepted prices are read from:
	// "store" (the data store) or "cache" (the Redis price cache).
	Reference       string        `toml:"reference"`
	ReferenceMaxAge duration      `toml:"reference_max_age"`
	Tokens          []TokenConfig `toml:"tokens"`
}

// TokenConfig is the feed configuration of one token.
type TokenConfig struct {
	Address      string   `toml:"address"`
	Feed         string   `toml:"feed"`
	FeedID       string   `toml:"feed_id"`
	FeedDecimals int      `toml:"feed_decimals"`
	Exponent     int      `toml:"exponent"`
	Decimals     int      `toml:"decimals"`
	Heartbeat    duration `toml:"heartbeat"`
	// StablePrice is the USD price of one whole token, e.g. "1". When set
	// it replaces every report for the token.
	StablePrice string `toml:"stable_price"`
}

// MarketFactors are the per-market decimal factors. Empty fields fall back to
// the [risk] defaults.
type MarketFactors struct {
	MaxPnlFactorForTraders     string `toml:"max_pnl_factor_for_traders"`
	MaxPnlFactorForAdl         string `toml:"max_pnl_factor_for_adl"`
	MaxPnlFactorForWithdrawals string `toml:"max_pnl_factor_for_withdrawals"`
	MaxPnlFactorForDeposits    string `toml:"max_pnl_factor_for_deposits"`
	MinPnlFactorAfterAdl       string `toml:"min_pnl_factor_after_adl"`
	MinCollateralFactor        string `toml:"min_collateral_factor"`
	PositionFeeFactor          string `toml:"position_fee_factor"`
	SwapFeeFactor              string `toml:"swap_fee_factor"`
	BorrowingFactor            string `toml:"borrowing_factor"`
	ReserveFactor              string `toml:"reserve_factor"`
}

// Over returns f with every non-empty field of o applied on top.
func (f MarketFactors) Over(o MarketFactors) MarketFactors {
	pick := func(base, over string) string {
		if strings.TrimSpace(over) != "" {
			return over
		}
		return base
	}
	return MarketFactors{
		MaxPnlFactorForTraders:     pick(f.MaxPnlFactorForTraders, o.MaxPnlFactorForTraders),
		MaxPnlFactorForAdl:         pick(f.MaxPnlFactorForAdl, o.MaxPnlFactorForAdl),
		MaxPnlFactorForWithdrawals: pick(f.MaxPnlFactorForWithdrawals, o.MaxPnlFactorForWithdrawals),
		MaxPnlFactorForDeposits:    pick(f.MaxPnlFactorForDeposits, o.MaxPnlFactorForDeposits),
		MinPnlFactorAfterAdl:       pick(f.MinPnlFactorAfterAdl, o.MinPnlFactorAfterAdl),
		MinCollateralFactor:        pick(f.MinCollateralFactor, o.MinCollateralFactor),
		PositionFeeFactor:          pick(f.PositionFeeFactor, o.PositionFeeFactor),
		SwapFeeFactor:              pick(f.SwapFeeFactor, o.SwapFeeFactor),
		BorrowingFactor:            pick(f.BorrowingFactor, o.BorrowingFactor),
		ReserveFactor:              pick(f.ReserveFactor, o.ReserveFactor),
	}
}

func (f MarketFactors) fields() map[string]string {
	return map[string]string{
		"max_pnl_factor_for_traders":     f.MaxPnlFactorForTraders,
		"max_pnl_factor_for_adl":         f.MaxPnlFactorForAdl,
		"max_pnl_factor_for_withdrawals": f.MaxPnlFactorForWithdrawals,
		"max_pnl_factor_for_deposits":    f.MaxPnlFactorForDeposits,
		"min_pnl_factor_after_adl":       f.MinPnlFactorAfterAdl,
		"min_collateral_factor":          f.MinCollateralFactor,
		"position_fee_factor":            f.PositionFeeFactor,
		"swap_fee_factor":                f.SwapFeeFactor,
		"borrowing_factor":               f.BorrowingFactor,
		"reserve_factor":                 f.ReserveFactor,
	}
}

// RiskConfig holds the global risk limits and the factor defaults every
// market starts from.
type RiskConfig struct {
	MinCollateralUsd   string `toml:"min_collateral_usd"`
	MinPositionSizeUsd string `toml:"min_position_size_usd"`
	MaxSwapPathLength  int    `toml:"max_swap_path_length"`
	MarketFactors
}

// MarketConfig registers one market.
type MarketConfig struct {
	MarketToken string `toml:"market_token"`
	IndexToken  string `toml:"index_token"`
	LongToken   string `toml:"long_token"`
	ShortToken  string `toml:"short_token"`
	Disabled    bool   `toml:"disabled"`
	MarketFactors
}

// KeeperConfig tunes the keeper service.
type KeeperConfig struct {
	LockTTL duration `toml:"lock_ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// KeyPrefix namespaces every key the keeper writes: data store entries,
	// locks, cached prices and rate-limit windows.
	KeyPrefix string `toml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection parameters for the event log.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	CreateBucket   bool   `toml:"create_bucket"`
}

// ArchiveConfig controls how often old events move from Postgres to S3.
type ArchiveConfig struct {
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Oracle: OracleConfig{
			MinSigners:            1,
			MinBlockConfirmations: 0,
			MaxPriceAge:           duration{5 * time.Minute},
			MaxRefPriceDeviation:  "0.5",
			Reference:             "store",
			ReferenceMaxAge:       duration{time.Hour},
		},
		Risk: RiskConfig{
			MinCollateralUsd:   "1",
			MinPositionSizeUsd: "1",
			MaxSwapPathLength:  3,
			MarketFactors: MarketFactors{
				MaxPnlFactorForTraders:     "0.9",
				MaxPnlFactorForAdl:         "0.45",
				MaxPnlFactorForWithdrawals: "0.3",
				MaxPnlFactorForDeposits:    "0.6",
				MinPnlFactorAfterAdl:       "0.4",
				MinCollateralFactor:        "0.01",
				PositionFeeFactor:          "0.0005",
				SwapFeeFactor:              "0.0005",
				BorrowingFactor:            "0",
				ReserveFactor:              "0",
			},
		},
		Keeper: KeeperConfig{
			LockTTL: duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			KeyPrefix:  "perpcore",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpcore-events",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			Retention: duration{7 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"AdlStateUpdated", "PositionLiquidated", "OrderFrozen"},
		},
		Mode:      "keeper",
		LogLevel:  "info",
		Datastore: "redis",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"keeper":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsPostgres reports whether the configured mode persists the event log.
func (c *Config) NeedsPostgres() bool {
	m := strings.ToLower(c.Mode)
	return c.Postgres.Enabled || m == "archive" || m == "full"
}

// NeedsS3 reports whether the configured mode archives to object storage.
func (c *Config) NeedsS3() bool {
	m := strings.ToLower(c.Mode)
	return m == "archive" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: keeper, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	switch strings.ToLower(c.Datastore) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown datastore %q (valid: memory, redis)", c.Datastore))
	}

	// Oracle
	if c.Oracle.MinSigners < 0 {
		errs = append(errs, "oracle: min_signers must be >= 0")
	}
	if c.Oracle.MaxPriceAge.Duration < 0 {
		errs = append(errs, "oracle: max_price_age must be >= 0")
	}
	errs = appendDecimal(errs, "oracle: max_ref_price_deviation", c.Oracle.MaxRefPriceDeviation, true)
	switch c.Oracle.Reference {
	case "store", "cache":
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown reference %q (valid: store, cache)", c.Oracle.Reference))
	}
	tokens := make(map[common.Address]bool, len(c.Oracle.Tokens))
	for i, t := range c.Oracle.Tokens {
		where := fmt.Sprintf("oracle.tokens[%d]", i)
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, where+": address must be a hex address")
			continue
		}
		addr := common.HexToAddress(t.Address)
		if tokens[addr] {
			errs = append(errs, fmt.Sprintf("%s: duplicate token %s", where, addr.Hex()))
		}
		tokens[addr] = true
		if t.Feed != "" && !common.IsHexAddress(t.Feed) {
			errs = append(errs, where+": feed must be a hex address")
		}
		if t.Decimals < 0 || t.Decimals > 30 {
			errs = append(errs, fmt.Sprintf("%s: decimals must be 0-30, got %d", where, t.Decimals))
		}
		if t.StablePrice != "" {
			errs = appendDecimal(errs, where+": stable_price", t.StablePrice, false)
			continue
		}
		if t.Exponent == 0 && t.FeedDecimals == 0 {
			errs = append(errs, where+": one of exponent, feed_decimals or stable_price must be set")
		}
	}

	// Risk
	errs = appendDecimal(errs, "risk: min_collateral_usd", c.Risk.MinCollateralUsd, true)
	errs = appendDecimal(errs, "risk: min_position_size_usd", c.Risk.MinPositionSizeUsd, true)
	if c.Risk.MaxSwapPathLength < 0 {
		errs = append(errs, "risk: max_swap_path_length must be >= 0")
	}
	for name, v := range c.Risk.MarketFactors.fields() {
		errs = appendDecimal(errs, "risk: "+name, v, true)
	}

	// Markets
	seen := make(map[common.Address]bool, len(c.Markets))
	for i, m := range c.Markets {
		where := fmt.Sprintf("markets[%d]", i)
		for field, v := range map[string]string{
			"market_token": m.MarketToken,
			"index_token":  m.IndexToken,
			"long_token":   m.LongToken,
			"short_token":  m.ShortToken,
		} {
			if !common.IsHexAddress(v) {
				errs = append(errs, fmt.Sprintf("%s: %s must be a hex address", where, field))
			}
		}
		mt := common.HexToAddress(m.MarketToken)
		if seen[mt] {
			errs = append(errs, fmt.Sprintf("%s: duplicate market %s", where, mt.Hex()))
		}
		seen[mt] = true
		for _, tok := range []string{m.IndexToken, m.LongToken, m.ShortToken} {
			if common.IsHexAddress(tok) && !tokens[common.HexToAddress(tok)] {
				errs = append(errs, fmt.Sprintf("%s: token %s has no oracle.tokens entry", where, tok))
			}
		}
		for name, v := range c.Risk.MarketFactors.Over(m.MarketFactors).fields() {
			errs = appendDecimal(errs, where+": "+name, v, true)
		}
	}

	// Keeper
	if c.Keeper.LockTTL.Duration < 0 {
		errs = append(errs, "keeper: lock_ttl must be >= 0")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Postgres
	if c.NeedsPostgres() {
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
	}

	// S3 and archive
	if c.NeedsS3() {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration < 0 {
			errs = append(errs, "archive: retention must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// appendDecimal records a problem when v is not a non-negative decimal. Empty
// values pass when optional is set.
func appendDecimal(errs []string, name, v string, optional bool) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		if optional {
			return errs
		}
		return append(errs, name+" must not be empty")
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return append(errs, fmt.Sprintf("%s: %q is not a decimal", name, v))
	}
	if d.IsNegative() {
		return append(errs, fmt.Sprintf("%s must be >= 0, got %s", name, v))
	}
	return errs
}
