package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/options-trading-supervisor/internal/config"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Broker.Host)
	assert.Equal(t, 7497, cfg.Broker.Port)
	assert.True(t, cfg.Broker.Paper)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0 30 16 * * 1-5", cfg.Scheduler.DailyResetCron)
	assert.Equal(t, "America/New_York", cfg.Scheduler.Timezone)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadReadsYAMLFileOverridingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  host: 10.0.0.5
  port: 4002
  paper: false
server:
  port: 9000
logLevel: debug
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Broker.Host)
	assert.Equal(t, 4002, cfg.Broker.Port)
	assert.False(t, cfg.Broker.Paper)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched defaults still apply.
	assert.Equal(t, "./data/trading.db", cfg.TradeDB.Path)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func baseConfig() *types.SupervisorConfig {
	cfg, _ := config.Load("")
	return cfg
}

func TestValidateRejectsInvertedReconnectDelays(t *testing.T) {
	cfg := baseConfig()
	cfg.Broker.ReconnectMinDelay = 30 * time.Second
	cfg.Broker.ReconnectMaxDelay = 5 * time.Second

	err := config.Validate(cfg)
	assert.ErrorContains(t, err, "reconnectMinDelay")
}

func TestValidateRejectsNonPositiveWorkerPoolSize(t *testing.T) {
	cfg := baseConfig()
	cfg.TradeDB.WorkerPoolSize = 0

	err := config.Validate(cfg)
	assert.ErrorContains(t, err, "workerPoolSize")
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := baseConfig()
	assert.NoError(t, config.Validate(cfg))
}
