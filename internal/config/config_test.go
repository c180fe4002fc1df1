package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/config"
)

const contract = "0x1111111111111111111111111111111111111111"

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir()) // no stray .env
	path := writeTOML(t, `
mode = "ingest"

[chain]
contract_address = "`+contract+`"
start_block = 1000
poll_interval = "3s"

[ledger]
driver = "sqlite"
sqlite_path = "/tmp/ledger.db"
`)
	t.Setenv("CELOLEDGER_CHAIN_CONFIRMATIONS", "6")
	t.Setenv("CELOLEDGER_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ingest", cfg.Mode)
	assert.Equal(t, uint64(1000), cfg.Chain.StartBlock)
	assert.Equal(t, uint64(6), cfg.Chain.Confirmations)
	assert.Equal(t, 3*time.Second, cfg.Chain.PollInterval.Duration)
	assert.Equal(t, uint64(2000), cfg.Chain.MaxBlockRange, "default kept")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, contract, cfg.Chain.Contract().Hex())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.S3.Enabled())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	cfg.Chain.ContractAddress = "nope"
	cfg.Ledger.Driver = "mysql"
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown driver "mysql"`)
	assert.Contains(t, msg, "telegram_token and telegram_chat_id")
	// Chain checks only apply to modes that poll.
	assert.NotContains(t, msg, "contract_address")
}

func TestValidate_ServerModeSkipsChain(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "server"
	cfg.Ledger.Driver = "sqlite"
	require.NoError(t, cfg.Validate())

	cfg.Mode = "full"
	require.Error(t, cfg.Validate())
	cfg.Chain.ContractAddress = contract
	require.NoError(t, cfg.Validate())
}

func TestValidate_ReconcileLeaseOutlivesSweep(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "reconcile"
	cfg.Ledger.Driver = "sqlite"
	require.NoError(t, cfg.Validate())

	cfg.Reconcile.Timeout.Duration = 10 * time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_ttl must be >= timeout")

	cfg.Reconcile.Timeout.Duration = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout must be > 0")
}

func TestRedactedConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Supabase.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.S3.SecretKey = "s3"
	cfg.Redis.Addr = "localhost:6379"

	out := config.RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Supabase.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "localhost:6379", out.Redis.Addr)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "pw", cfg.Supabase.Password)
}
