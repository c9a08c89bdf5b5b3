package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/ledger"
)

const sample = `
listen_addr: ":9090"
jwt_secret: file-secret
journal:
  driver: sqlite
  sqlite_path: /tmp/agreements.db
operator:
  id: ops
  email: ops@example.com
  password: operator-pass
arbitrator:
  id: court
  email: court@example.com
  password: court-pass
  fee_token: DAI
  fee_amount: 2
agreement:
  title: Grants DAO
  content: "ipfs://terms"
  collateral_token: ANT
  action_collateral: 10
  challenge_collateral: 5
  challenge_duration: 72h
  settlement_duration: 24h
  delay_period: 1h
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, JournalSQLite, cfg.Journal.Driver)
	assert.Equal(t, "court", cfg.Arbitrator.Account.ID)
	assert.Equal(t, "court@example.com", cfg.Arbitrator.Account.Email)
	assert.Equal(t, uint64(2), cfg.Arbitrator.FeeAmount)
	assert.Equal(t, 50, cfg.Relay.BatchSize, "unset keys keep defaults")

	p := cfg.SettingParams()
	assert.Equal(t, ledger.AccountID("court"), p.Arbitrator)
	assert.Equal(t, ledger.TokenID("ANT"), p.CollateralToken)
	assert.Equal(t, ledger.Amount(5), p.ChallengeCollateral)
	assert.Equal(t, 72*time.Hour, p.ChallengeDuration)
	assert.Equal(t, time.Hour, p.DelayPeriod)
	assert.Equal(t, []byte("ipfs://terms"), p.Content)
	require.NoError(t, p.Validate())
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	env := map[string]string{
		"JWT_SECRET":     "env-secret",
		"LOG_LEVEL":      "debug",
		"JOURNAL_DRIVER": "postgres",
		"DATABASE_URL":   "postgres://localhost/agreements",
		"REDIS_ADDR":     "localhost:6379",
	}
	cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, JournalPostgres, cfg.Journal.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.True(t, errors.Is(err, ErrInvalidConfig))
	assert.ErrorContains(t, err, "jwt_secret is required")
	assert.ErrorContains(t, err, "arbitrator.id is required")
	assert.ErrorContains(t, err, "agreement.collateral_token is required")

	cfg.JWTSecret = "s"
	cfg.Arbitrator.Account.ID = "court"
	cfg.Operator.ID = "ops"
	cfg.Agreement.CollateralToken = "ANT"
	require.NoError(t, cfg.Validate())

	cfg.Journal.Driver = JournalPostgres
	assert.ErrorContains(t, cfg.Validate(), "database_url is required")

	cfg.Journal.Driver = JournalMemory
	cfg.Redis.Addr = "localhost:6379"
	assert.ErrorContains(t, cfg.Validate(), "redis relay requires the postgres journal")

	cfg.Redis.Addr = ""
	cfg.LogLevel = "loud"
	assert.ErrorContains(t, cfg.Validate(), "log_level")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeFile(t, "agreement:\n  challenge_duration: three days\n"))
	assert.ErrorContains(t, err, "three days")
}
