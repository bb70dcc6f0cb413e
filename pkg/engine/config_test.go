package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Zero(t, cfg.L1MaxEntries, "memory store is unbounded unless configured")
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SYNC_BACKOFF_COOLDOWN", "45s")
	t.Setenv("SYNC_FETCH_TIMEOUT", "3s")
	t.Setenv("SYNC_INCREMENTAL_RATIO", "0.25")
	t.Setenv("SYNC_INCREMENTAL_MAX_CHANGES", "50")
	t.Setenv("SYNC_BUDGET_RPS", "2.5")
	t.Setenv("SYNC_SQLITE_PATH", "/tmp/assistant-sync.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.BackoffCooldown)
	assert.Equal(t, 3*time.Second, cfg.Coordinator.FetchTimeout)
	assert.InDelta(t, 0.25, cfg.Coordinator.Policy.IncrementalRatio, 1e-9)
	assert.Equal(t, 50, cfg.Coordinator.Policy.IncrementalMaxChanges)
	assert.InDelta(t, 2.5, cfg.Coordinator.BudgetRPS, 1e-9)
	assert.Equal(t, "/tmp/assistant-sync.db", cfg.SQLitePath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("SYNC_INCREMENTAL_RATIO", "1.5")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("SYNC_INCREMENTAL_RATIO", "0.3")
	t.Setenv("SYNC_FETCH_TIMEOUT", "soon")
	_, err = LoadConfig()
	assert.Error(t, err)
}
