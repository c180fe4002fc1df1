// Package config defines the configuration of the ledger service and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CELOLEDGER_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig describes the RPC endpoint and the contract being indexed.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ContractAddress   string   `toml:"contract_address"`
	StartBlock        uint64   `toml:"start_block"`
	Confirmations     uint64   `toml:"confirmations"`
	MaxBlockRange     uint64   `toml:"max_block_range"`
	PollInterval      duration `toml:"poll_interval"`
	RPCTimeout        duration `toml:"rpc_timeout"`
	RetryBudget       int      `toml:"retry_budget"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	UnhealthyAfter    int      `toml:"unhealthy_after"`
	DecodeWorkers     int      `toml:"decode_workers"`
}

// Contract returns the parsed contract address.
func (c ChainConfig) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Driver     string `toml:"driver"` // "postgres" or "sqlite"
	SQLitePath string `toml:"sqlite_path"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// service without leases, cache, bus or rate limiting.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	MarketTTL  duration `toml:"market_ttl"`
}

// Enabled reports whether redis is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables the quarantine sink; malformed logs are then only logged.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// Enabled reports whether object storage is configured.
func (s S3Config) Enabled() bool {
	return strings.TrimSpace(s.Bucket) != ""
}

// ReconcileConfig controls the duplicate-row sweep.
type ReconcileConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	LeaseTTL  duration `toml:"lease_ttl"`
	BatchSize int      `toml:"batch_size"`
	Timeout   duration `toml:"timeout"`
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
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with sensible default values. These
// defaults are overwritten by whatever the TOML file and environment provide.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:            "https://forno.celo.org",
			Confirmations:     2,
			MaxBlockRange:     2000,
			PollInterval:      duration{10 * time.Second},
			RPCTimeout:        duration{20 * time.Second},
			RetryBudget:       5,
			RequestsPerSecond: 10,
			UnhealthyAfter:    5,
			DecodeWorkers:     4,
		},
		Ledger: LedgerConfig{
			Driver:     "postgres",
			SQLitePath: "celoledger.db",
		},
		Supabase: SupabaseConfig{
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "require",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "celoledger:",
			MarketTTL:  duration{5 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Reconcile: ReconcileConfig{
			Enabled:   true,
			Interval:  duration{10 * time.Minute},
			LeaseTTL:  duration{5 * time.Minute},
			BatchSize: 500,
			Timeout:   duration{2 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"invariant_violation", "poller_unhealthy", "reconcile_failed"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest":    true,
	"server":    true,
	"reconcile": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, server, reconcile, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain settings matter only where the poller runs.
	if mode == "ingest" || mode == "full" {
		if strings.TrimSpace(c.Chain.RPCURL) == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
		}
		if c.Chain.MaxBlockRange < 1 {
			errs = append(errs, "chain: max_block_range must be >= 1")
		}
		if c.Chain.PollInterval.Duration <= 0 {
			errs = append(errs, "chain: poll_interval must be > 0")
		}
		if c.Chain.RetryBudget < 1 {
			errs = append(errs, "chain: retry_budget must be >= 1")
		}
		if c.Chain.RequestsPerSecond < 0 {
			errs = append(errs, "chain: requests_per_second must be >= 0")
		}
	}

	switch strings.ToLower(c.Ledger.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.Ledger.SQLitePath) == "" {
			errs = append(errs, "ledger: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: postgres, sqlite)", c.Ledger.Driver))
	}

	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Reconcile.Enabled || mode == "reconcile" {
		if c.Reconcile.Interval.Duration <= 0 {
			errs = append(errs, "reconcile: interval must be > 0")
		}
		if c.Reconcile.LeaseTTL.Duration <= 0 {
			errs = append(errs, "reconcile: lease_ttl must be > 0")
		}
		if c.Reconcile.Timeout.Duration <= 0 {
			errs = append(errs, "reconcile: timeout must be > 0")
		} else if c.Reconcile.LeaseTTL.Duration < c.Reconcile.Timeout.Duration {
			errs = append(errs, "reconcile: lease_ttl must be >= timeout so the lease outlives a sweep")
		}
	}

	if c.Server.Enabled && (mode == "server" || mode == "full") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
