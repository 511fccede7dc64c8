package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_DECIMALS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Ledger.RoundDuration)
	assert.Equal(t, int64(100), cfg.Ledger.MinStake)
	assert.Equal(t, int64(100000), cfg.Ledger.MaxStake)
	assert.Equal(t, int64(300), cfg.Ledger.PlatformFeeBps)
	assert.Equal(t, int64(1000), cfg.Ledger.EmergencyPenaltyBps)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.EmergencyGrace)
	assert.Equal(t, 10*time.Minute, cfg.Ledger.FundingVerifyWindow)
	assert.Equal(t, 2*time.Minute, cfg.Ledger.ReleaseExpiry)
	assert.Equal(t, 1440, cfg.Price.HistoryCapacity)
	assert.Equal(t, 10*time.Second, cfg.Price.Staleness)
}

func TestLoadScalesStakeBoundsByDecimals(t *testing.T) {
	t.Setenv("TOKEN_DECIMALS", "6")
	t.Setenv("MIN_STAKE_TOKENS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(5_000_000), cfg.Ledger.MinStake)
	assert.Equal(t, int64(100000_000_000), cfg.Ledger.MaxStake)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	t.Setenv("TOKEN_DECIMALS", "0")
	t.Setenv("MIN_STAKE_TOKENS", "500")
	t.Setenv("MAX_STAKE_TOKENS", "100")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsFullFee(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "10000")

	_, err := Load()
	assert.Error(t, err)
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "rounds"}}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=rounds sslmode=disable", cfg.GetDSN())
}
