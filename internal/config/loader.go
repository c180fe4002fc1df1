package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CELOLEDGER_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is
// empty. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CELOLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CELOLEDGER_CHAIN_RPC_URL")
	setStr(&cfg.Chain.ContractAddress, "CELOLEDGER_CHAIN_CONTRACT_ADDRESS")
	setUint64(&cfg.Chain.StartBlock, "CELOLEDGER_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.Confirmations, "CELOLEDGER_CHAIN_CONFIRMATIONS")
	setUint64(&cfg.Chain.MaxBlockRange, "CELOLEDGER_CHAIN_MAX_BLOCK_RANGE")
	setDuration(&cfg.Chain.PollInterval, "CELOLEDGER_CHAIN_POLL_INTERVAL")
	setDuration(&cfg.Chain.RPCTimeout, "CELOLEDGER_CHAIN_RPC_TIMEOUT")
	setInt(&cfg.Chain.RetryBudget, "CELOLEDGER_CHAIN_RETRY_BUDGET")
	setFloat64(&cfg.Chain.RequestsPerSecond, "CELOLEDGER_CHAIN_REQUESTS_PER_SECOND")
	setInt(&cfg.Chain.UnhealthyAfter, "CELOLEDGER_CHAIN_UNHEALTHY_AFTER")

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "CELOLEDGER_LEDGER_DRIVER")
	setStr(&cfg.Ledger.SQLitePath, "CELOLEDGER_LEDGER_SQLITE_PATH")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "CELOLEDGER_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "CELOLEDGER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "CELOLEDGER_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "CELOLEDGER_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "CELOLEDGER_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "CELOLEDGER_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "CELOLEDGER_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "CELOLEDGER_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "CELOLEDGER_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "CELOLEDGER_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "CELOLEDGER_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CELOLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CELOLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CELOLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CELOLEDGER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "CELOLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CELOLEDGER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CELOLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CELOLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "CELOLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CELOLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CELOLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CELOLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CELOLEDGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "CELOLEDGER_S3_PREFIX")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "CELOLEDGER_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "CELOLEDGER_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.LeaseTTL, "CELOLEDGER_RECONCILE_LEASE_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CELOLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CELOLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CELOLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CELOLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CELOLEDGER_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CELOLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CELOLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CELOLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CELOLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CELOLEDGER_MODE")
	setStr(&cfg.LogLevel, "CELOLEDGER_LOG_LEVEL")
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
