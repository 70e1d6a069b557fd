package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("CLASHD_DATA_DIR replaces data dir", func(t *testing.T) {
		t.Setenv("CLASHD_DATA_DIR", "/var/lib/clashd")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "/var/lib/clashd", cfg.DataDir)
	})

	t.Run("CLASHD_DAILY_BUDGET parses float", func(t *testing.T) {
		t.Setenv("CLASHD_DAILY_BUDGET", "7.25")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.InDelta(t, 7.25, cfg.Budget.DailyCeilingUSD, 1e-9)
	})

	t.Run("invalid CLASHD_DAILY_BUDGET is ignored", func(t *testing.T) {
		t.Setenv("CLASHD_DAILY_BUDGET", "lots")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.InDelta(t, 5.0, cfg.Budget.DailyCeilingUSD, 1e-9)
	})

	t.Run("CLASHD_TICK_INTERVAL", func(t *testing.T) {
		t.Setenv("CLASHD_TICK_INTERVAL", "5s")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "5s", cfg.Scheduler.TickInterval)
	})

	t.Run("CLASHD_DEBUG toggles debug mode", func(t *testing.T) {
		t.Setenv("CLASHD_DEBUG", "true")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Logging.DebugMode)
	})
}
