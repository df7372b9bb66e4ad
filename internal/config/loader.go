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
// built-in defaults, applies SENTINEL_* environment variable overrides, and
// returns the final Config. An empty path skips the TOML step so the process
// can run on defaults plus environment alone. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SENTINEL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "SENTINEL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SENTINEL_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "SENTINEL_SERVER_RATE_LIMIT_PER_MIN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SENTINEL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "SENTINEL_POSTGRES_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SENTINEL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENTINEL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENTINEL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENTINEL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENTINEL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENTINEL_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "SENTINEL_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "SENTINEL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SENTINEL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SENTINEL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SENTINEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENTINEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTINEL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SENTINEL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SENTINEL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SENTINEL_REDIS_TLS_ENABLED")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "SENTINEL_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "SENTINEL_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "SENTINEL_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "SENTINEL_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "SENTINEL_POLYMARKET_SIGNATURE_TYPE")
	setDuration(&cfg.Polymarket.ReconnectInitial, "SENTINEL_POLYMARKET_RECONNECT_INITIAL")
	setDuration(&cfg.Polymarket.ReconnectMax, "SENTINEL_POLYMARKET_RECONNECT_MAX")
	setFloat64(&cfg.Polymarket.ReconnectMultiplier, "SENTINEL_POLYMARKET_RECONNECT_MULTIPLIER")
	setDuration(&cfg.Polymarket.Heartbeat, "SENTINEL_POLYMARKET_HEARTBEAT")

	// ── Engine ──
	setInt(&cfg.Engine.Workers, "SENTINEL_ENGINE_WORKERS")
	setInt(&cfg.Engine.QueueSize, "SENTINEL_ENGINE_QUEUE_SIZE")
	setDuration(&cfg.Engine.ReconcileInterval, "SENTINEL_ENGINE_RECONCILE_INTERVAL")
	setInt64(&cfg.Engine.ExitSlippageBps, "SENTINEL_ENGINE_EXIT_SLIPPAGE_BPS")
	setBool(&cfg.Engine.LeaseEnabled, "SENTINEL_ENGINE_LEASE_ENABLED")
	setDuration(&cfg.Engine.LeaseTTL, "SENTINEL_ENGINE_LEASE_TTL")
	setDuration(&cfg.Engine.SlugBackfillInterval, "SENTINEL_ENGINE_SLUG_BACKFILL_INTERVAL")
	setInt(&cfg.Engine.SlugBackfillBatch, "SENTINEL_ENGINE_SLUG_BACKFILL_BATCH")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SENTINEL_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SENTINEL_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SENTINEL_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "SENTINEL_WALLET_FUNDER_ADDRESS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SENTINEL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SENTINEL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SENTINEL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SENTINEL_NOTIFY_EVENTS")

	// ── Archive ──
	setStr(&cfg.Archive.Endpoint, "SENTINEL_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "SENTINEL_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "SENTINEL_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "SENTINEL_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "SENTINEL_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "SENTINEL_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "SENTINEL_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "SENTINEL_ARCHIVE_FORCE_PATH_STYLE")
	setInt(&cfg.Archive.RetentionDays, "SENTINEL_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "SENTINEL_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Log.Level, "SENTINEL_LOG_LEVEL")
	setStr(&cfg.Log.Format, "SENTINEL_LOG_FORMAT")
	setStr(&cfg.Mode, "SENTINEL_MODE")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
