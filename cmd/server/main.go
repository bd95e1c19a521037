// Package main provides the entry point for the options trading supervisor:
// an always-on process that connects to the broker gateway, runs every
// configured strategy, persists orders/trades, and exposes the REST/
// WebSocket/metrics control surface described in SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/options-trading-supervisor/internal/api"
	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/config"
	"github.com/atlas-desktop/options-trading-supervisor/internal/manager"
	"github.com/atlas-desktop/options-trading-supervisor/internal/optionsearch"
	"github.com/atlas-desktop/options-trading-supervisor/internal/persistence"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategies"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (SUPERVISOR_* env vars always apply)")
	spxStreamerID := flag.String("spx-streamer", "", "Strategy ID of the spx_data_actor instance controlled by /analytics/spx/start|stop")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logRing := api.NewLogRing(zap.NewNop(), 500)
	logger := setupLogger(cfg.LogLevel, logRing)
	defer logger.Sync()

	logger.Info("starting options trading supervisor",
		zap.String("broker.host", cfg.Broker.Host),
		zap.Int("broker.port", cfg.Broker.Port),
		zap.Bool("broker.paper", cfg.Broker.Paper),
		zap.Int("server.port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tz, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Fatal("invalid scheduler.timezone", zap.Error(err))
	}

	store, err := persistence.New(logger, cfg.Persistence.Dir)
	if err != nil {
		logger.Fatal("failed to open persistence store", zap.Error(err))
	}

	db, err := tradedb.Open(tradedb.Config{
		Path:          cfg.TradeDB.Path,
		BusyTimeoutMS: cfg.TradeDB.BusyTimeoutMS,
	})
	if err != nil {
		logger.Fatal("failed to open trade database", zap.Error(err))
	}
	defer db.Close()
	repo := tradedb.NewRepository(db)
	writer := tradedb.NewAsyncWriter(logger, repo, cfg.TradeDB.WorkerPoolSize, cfg.TradeDB.WorkerQueueSize)

	clk := clock.New(logger)

	bus := appbus.New(logger, appbus.Config{
		WorkerCount: cfg.EventBus.WorkerCount,
		BufferSize:  cfg.EventBus.BufferSize,
	})
	cache := appbus.NewCache()

	var adapter broker.ExchangeAdapter
	if cfg.Broker.Paper {
		adapter = broker.NewPaperClient(logger, bus, cache)
	} else {
		client := broker.NewClient(broker.ClientConfig{
			Host:             cfg.Broker.Host,
			Port:             cfg.Broker.Port,
			ClientID:         cfg.Broker.ClientID,
			AccountID:        cfg.Broker.AccountID,
			ConnectTimeout:   cfg.Broker.ConnectTimeout,
			ReconnectMinWait: cfg.Broker.ReconnectMinDelay,
			ReconnectMaxWait: cfg.Broker.ReconnectMaxDelay,
		}, logger, bus, cache)
		adapter = broker.WrapIndexQuirk(client, cache, bus)
	}
	if err := adapter.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}

	search := optionsearch.New(logger, adapter, cache, clk)

	deps := strategyrt.Deps{
		Logger:       logger,
		Store:        store,
		Writer:       writer,
		Repo:         repo,
		Broker:       adapter,
		Bus:          bus,
		Cache:        cache,
		Clock:        clk,
		OptionSearch: search,
	}

	mgr := manager.New(logger, strategies.DefaultRegistry(), deps, tz)
	if err := mgr.Initialize(ctx, cfg.Scheduler.DailyResetCron); err != nil {
		logger.Fatal("failed to initialize strategy manager", zap.Error(err))
	}

	server := api.NewServer(logger, &cfg.Server, mgr, repo, bus, cache, clk, logRing, *spxStreamerID)

	go mgr.Start(ctx)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("supervisor started",
		zap.String("http", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	clk.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("supervisor stopped")
}

// setupLogger builds the console logger used throughout the supervisor,
// teeing every line into ring so recent logs can be replayed over
// /ws/logs.
func setupLogger(level string, ring *api.LogRing) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stdout), zapLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(ring), zapLevel),
	)
	return zap.New(core, zap.AddCaller())
}
