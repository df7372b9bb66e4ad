// Package config defines the top-level configuration for sentinel and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SENTINEL_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Engine     EngineConfig     `toml:"engine"`
	Wallet     WalletConfig     `toml:"wallet"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// PostgresConfig holds PostgreSQL connection parameters. An explicit DSN
// wins over the individual fields.
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

// PolymarketConfig holds Polymarket API endpoints, chain parameters, and
// market stream tuning.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`

	ReconnectInitial    duration `toml:"reconnect_initial"`
	ReconnectMax        duration `toml:"reconnect_max"`
	ReconnectMultiplier float64  `toml:"reconnect_multiplier"`
	Heartbeat           duration `toml:"heartbeat"`
}

// EngineConfig holds evaluator and background job parameters.
type EngineConfig struct {
	Workers           int      `toml:"workers"`
	QueueSize         int      `toml:"queue_size"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	ExitSlippageBps   int64    `toml:"exit_slippage_bps"`

	// LeaseEnabled turns on the Redis evaluator lease so only one engine
	// instance evaluates at a time.
	LeaseEnabled bool     `toml:"lease_enabled"`
	LeaseTTL     duration `toml:"lease_ttl"`

	SlugBackfillInterval duration `toml:"slug_backfill_interval"`
	SlugBackfillBatch    int      `toml:"slug_backfill_batch"`
}

// WalletConfig holds agent wallet credentials. Exactly one of PrivateKey
// or EncryptedKeyPath supplies the signing key; FunderAddress is the
// proxy wallet holding the positions when signature_type is not 0.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	FunderAddress    string `toml:"funder_address"`
}

// NotifyConfig holds notification channel credentials. An empty Events
// list selects the notifier's default filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig holds cold-storage parameters for terminal rules and aged
// audit entries. Archival is enabled by setting a bucket.
type ArchiveConfig struct {
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	Interval       duration `toml:"interval"`
}

// LogConfig holds logging parameters.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
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

// Defaults returns a Config populated with conservative development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 120,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "sentinel",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Polymarket: PolymarketConfig{
			ClobHost:            "https://clob.polymarket.com",
			GammaHost:           "https://gamma-api.polymarket.com",
			WsHost:              "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:             137,
			SignatureType:       0,
			ReconnectInitial:    duration{time.Second},
			ReconnectMax:        duration{60 * time.Second},
			ReconnectMultiplier: 2.0,
			Heartbeat:           duration{30 * time.Second},
		},
		Engine: EngineConfig{
			Workers:              4,
			QueueSize:            256,
			ReconcileInterval:    duration{30 * time.Second},
			ExitSlippageBps:      500,
			LeaseEnabled:         false,
			LeaseTTL:             duration{15 * time.Second},
			SlugBackfillInterval: duration{10 * time.Minute},
			SlugBackfillBatch:    50,
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			Prefix:         "archive",
			UseSSL:         true,
			ForcePathStyle: false,
			RetentionDays:  30,
			Interval:       duration{24 * time.Hour},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mode: "all",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"all":     true,
	"engine":  true,
	"server":  true,
	"dry-run": true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats enumerates the accepted values for LogConfig.Format.
var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// ArchiveEnabled reports whether cold-storage archival is configured.
func (c *Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.Archive.Bucket) != ""
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: all, engine, server, dry-run)", c.Mode))
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: json, text)", c.Log.Format))
	}

	// Dry-run keeps everything in memory, so the store and cache checks
	// only apply to the persistent modes.
	needsStores := mode == "all" || mode == "engine" || mode == "server"

	// Postgres
	if needsStores {
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
			if c.Postgres.User == "" {
				errs = append(errs, "postgres: user must not be empty")
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

	// Redis
	if needsStores {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Polymarket endpoints are needed in every mode: dry-run still reads
	// the live market stream.
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if st := c.Polymarket.SignatureType; st != 0 && st != 1 && st != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy), or 2 (Safe), got %d", st))
	}
	if c.Polymarket.ReconnectMultiplier < 1 {
		errs = append(errs, "polymarket: reconnect_multiplier must be at least 1")
	}

	// Wallet credentials are only needed when this process submits exits.
	needsWallet := mode == "all" || mode == "engine"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.SignatureType != 0 && c.Wallet.FunderAddress == "" {
			errs = append(errs, "wallet: funder_address is required when signature_type is not 0")
		}
	}

	// Engine
	if c.Engine.Workers < 1 {
		errs = append(errs, "engine: workers must be >= 1")
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, "engine: queue_size must be >= 1")
	}
	if c.Engine.ExitSlippageBps < 0 || c.Engine.ExitSlippageBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: exit_slippage_bps must be 0-10000, got %d", c.Engine.ExitSlippageBps))
	}
	if c.Engine.LeaseEnabled && c.Engine.LeaseTTL.Duration <= 0 {
		errs = append(errs, "engine: lease_ttl must be positive when lease_enabled is set")
	}

	// Archive
	if c.ArchiveEnabled() {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when a bucket is set")
		}
		ak := c.Archive.AccessKey != ""
		sk := c.Archive.SecretKey != ""
		if ak != sk {
			errs = append(errs, "archive: access_key and secret_key must be set together")
		}
	}

	// Notify
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if mode == "all" || mode == "server" || mode == "dry-run" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
