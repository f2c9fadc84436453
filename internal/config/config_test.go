package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelq/ladderengine/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("UNIVERSE", "universe.csv")
	t.Setenv("MODE", "paper")

	cfg, err := Load("nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, models.ModePaper, cfg.Mode)
	assert.Equal(t, 60, cfg.ScanIntervalSeconds)
	assert.Equal(t, 180, cfg.CooldownSeconds)
	assert.True(t, cfg.IsDryRun())
}

func TestLoadLiveModeRequiresCredentials(t *testing.T) {
	t.Setenv("UNIVERSE", "universe.csv")
	t.Setenv("MODE", "live")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	_, err := Load("nonexistent.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance credentials required")
}

func TestLoadMissingUniverseFails(t *testing.T) {
	t.Setenv("UNIVERSE", "")
	t.Setenv("MODE", "paper")

	_, err := Load("nonexistent.env")
	require.Error(t, err)
}

func TestLoadInvalidLogLevelFails(t *testing.T) {
	t.Setenv("UNIVERSE", "universe.csv")
	t.Setenv("MODE", "paper")
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load("nonexistent.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestDefaultPoliciesMatchSpecTable(t *testing.T) {
	policies := defaultPolicies()

	p1 := policies[models.P1]
	assert.True(t, p1.StopLossPct.Equal(p1.StopLossPct)) // sanity, exact value checked below
	assert.Equal(t, "-2.5", p1.StopLossPct.String())
	assert.Equal(t, "5", p1.TargetPct.String())

	p2 := policies[models.P2]
	assert.Equal(t, "-2.5", p2.StopLossPct.String())
	assert.True(t, p2.TargetPct.IsZero())
	assert.Equal(t, "0.25", p2.EntryPnLPctGate.String())

	p3 := policies[models.P3]
	assert.Equal(t, "-5", p3.StopLossPct.String())
	assert.Equal(t, "1", p3.EntryPnLPctGate.String())
}

func TestReloadAppliesHotFieldsOnly(t *testing.T) {
	t.Setenv("UNIVERSE", "universe.csv")
	t.Setenv("MODE", "paper")
	t.Setenv("COOLDOWN_SECONDS", "180")

	cfg, err := Load("nonexistent.env")
	require.NoError(t, err)

	t.Setenv("COOLDOWN_SECONDS", "240")
	t.Setenv("MODE", "live")
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")

	result, err := cfg.Reload()
	require.NoError(t, err)

	assert.Equal(t, 240, cfg.CooldownSeconds)
	assert.Equal(t, models.ModePaper, cfg.Mode, "mode change must not be applied without a restart")
	assert.True(t, result.RestartNeeded)
}
