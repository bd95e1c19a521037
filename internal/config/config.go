// Package config loads and validates the supervisor's configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file with SUPERVISOR_*
// environment variable overrides, applying defaults for anything unset.
func Load(path string) (*types.SupervisorConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.SupervisorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 7497)
	v.SetDefault("broker.clientId", 7)
	v.SetDefault("broker.connectTimeout", 10*time.Second)
	v.SetDefault("broker.reconnectMinDelay", 5*time.Second)
	v.SetDefault("broker.reconnectMaxDelay", 60*time.Second)
	v.SetDefault("broker.paper", true)

	v.SetDefault("persistence.dir", "./data/store")

	v.SetDefault("tradedb.path", "./data/trading.db")
	v.SetDefault("tradedb.busyTimeoutMs", 5000)
	v.SetDefault("tradedb.workerPoolSize", 4)
	v.SetDefault("tradedb.workerQueueSize", 256)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocketPath", "/ws")
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.maxConnections", 100)
	v.SetDefault("server.enableMetrics", true)
	v.SetDefault("server.metricsPort", 9090)

	v.SetDefault("data.dataDir", "./data/market")
	v.SetDefault("data.cacheSize", 10000)

	v.SetDefault("eventbus.workerCount", 4)
	v.SetDefault("eventbus.bufferSize", 1024)
	v.SetDefault("eventbus.subscriberBufferSize", 64)

	v.SetDefault("scheduler.dailyResetCron", "0 30 16 * * 1-5")
	v.SetDefault("scheduler.macroCalendarCron", "0 0 6 * * 1-5")
	v.SetDefault("scheduler.timezone", "America/New_York")

	v.SetDefault("logLevel", "info")
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints on the config.
func Validate(cfg *types.SupervisorConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Broker.ReconnectMinDelay > cfg.Broker.ReconnectMaxDelay {
		return fmt.Errorf("broker.reconnectMinDelay must be <= broker.reconnectMaxDelay")
	}
	if cfg.TradeDB.WorkerPoolSize <= 0 {
		return fmt.Errorf("tradedb.workerPoolSize must be > 0")
	}
	return nil
}
