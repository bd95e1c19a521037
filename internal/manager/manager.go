// Package manager owns the set of live strategies: it loads persisted
// configuration, instantiates strategies through the C8 registry, drives
// their lifecycle, and merges C3 metrics into the status the API layer
// exposes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/persistence"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategies"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// ErrUnknownType is returned by CreateStrategy when a config names a
// strategy_type the registry has no factory for.
var ErrUnknownType = errors.New("manager: unknown strategy type")

// ErrNotFound is returned by strategy-scoped operations given an id the
// manager does not know about.
var ErrNotFound = errors.New("manager: strategy not found")

const defaultDailyResetSchedule = "0 0 0 * * *"

// settleDelay is how long Start waits after adding a strategy to the
// runtime before issuing its own Start, giving instrument/option chains
// populated by the broker's initial snapshot a moment to land in the cache.
const settleDelay = 500 * time.Millisecond

type managed struct {
	instance strategies.Strategy
	config   types.StrategyConfig
}

// Manager is the C9 strategy manager: the single owner of every strategy
// instance's lifecycle, mirroring the teacher's orchestrator's
// owns-everything shape (config-driven construction, RWMutex-guarded
// state map, idempotent Start/Stop) generalized to this package's simpler
// registry-driven contract.
type Manager struct {
	logger   *zap.Logger
	registry *strategies.Registry
	deps     strategyrt.Deps
	store    *persistence.Store
	repo     *tradedb.Repository
	validate *validator.Validate
	tz       *time.Location

	mu         sync.RWMutex
	strategies map[string]*managed
	ready      bool
}

// New constructs a Manager. tz is the exchange timezone the daily reset
// cron runs in (nil leaves the cron in the process's local zone); the
// schedule itself is passed to Initialize.
func New(logger *zap.Logger, registry *strategies.Registry, deps strategyrt.Deps, tz *time.Location) *Manager {
	return &Manager{
		logger:     logger.Named("manager"),
		registry:   registry,
		deps:       deps,
		store:      deps.Store,
		repo:       deps.Repo,
		validate:   validator.New(),
		tz:         tz,
		strategies: make(map[string]*managed),
	}
}

// Initialize loads every persisted strategy config from C2 and instantiates
// each through the registry, but does not start any of them — the broker
// is not yet guaranteed connected at this point. It also registers the
// daily reset cron job so it is armed regardless of when Start is called.
func (m *Manager) Initialize(ctx context.Context, dailyResetSchedule string) error {
	ids, err := m.store.ListStrategyConfigs()
	if err != nil {
		return fmt.Errorf("manager: list strategy configs: %w", err)
	}
	for _, id := range ids {
		cfg, err := m.store.LoadStrategyConfig(id)
		if err != nil {
			m.logger.Error("failed to load persisted strategy config", zap.String("id", id), zap.Error(err))
			continue
		}
		if err := m.instantiate(cfg); err != nil {
			m.logger.Error("failed to instantiate persisted strategy", zap.String("id", id), zap.Error(err))
			continue
		}
	}

	schedule := dailyResetSchedule
	if schedule == "" {
		schedule = defaultDailyResetSchedule
	}
	if m.tz != nil {
		schedule = fmt.Sprintf("CRON_TZ=%s %s", m.tz.String(), schedule)
	}
	if err := m.deps.Clock.AddCronJob(schedule, &dailyResetJob{m: m}); err != nil {
		return fmt.Errorf("manager: register daily reset cron: %w", err)
	}
	m.logger.Info("manager initialized", zap.Int("strategies", len(ids)), zap.String("daily_reset_schedule", schedule))
	return nil
}

// instantiate builds a strategy instance and adds it to the managed set
// without starting it. Caller holds no lock; instantiate takes its own.
func (m *Manager) instantiate(cfg types.StrategyConfig) error {
	if !m.hasType(cfg.Type) {
		return ErrUnknownType
	}
	inst, err := m.registry.Create(cfg, m.deps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.strategies[cfg.ID] = &managed{instance: inst, config: cfg}
	m.mu.Unlock()
	return nil
}

func (m *Manager) hasType(strategyType string) bool {
	for _, t := range m.registry.Types() {
		if t == strategyType {
			return true
		}
	}
	return false
}

// Start marks the manager ready and starts every enabled strategy, waiting
// settleDelay before each Start so the broker's initial instrument/option
// snapshot has a moment to populate the cache. Call once the broker
// connection is confirmed up.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ready = true
	entries := make([]*managed, 0, len(m.strategies))
	for _, e := range m.strategies {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.deps.Clock.StartCron()

	for _, e := range entries {
		if !e.config.Enabled {
			continue
		}
		id := e.config.ID
		go func() {
			time.Sleep(settleDelay)
			if err := m.StartStrategy(ctx, id); err != nil {
				m.logger.Error("failed to auto-start enabled strategy", zap.String("id", id), zap.Error(err))
			}
		}()
	}
}

// Ready reports whether Start has run.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// CreateStrategy validates, persists, and instantiates a new strategy from
// cfg. If autoStart is true and the manager is already ready, the strategy
// is started immediately after construction.
func (m *Manager) CreateStrategy(ctx context.Context, cfg types.StrategyConfig, autoStart bool) (types.StrategyStatus, error) {
	if err := m.validate.Struct(cfg); err != nil {
		return types.StrategyStatus{}, fmt.Errorf("manager: invalid strategy config: %w", err)
	}
	if !m.hasType(cfg.Type) {
		return types.StrategyStatus{}, ErrUnknownType
	}
	if err := m.store.SaveStrategyConfig(cfg); err != nil {
		return types.StrategyStatus{}, fmt.Errorf("manager: persist strategy config: %w", err)
	}
	if err := m.instantiate(cfg); err != nil {
		return types.StrategyStatus{}, err
	}

	if autoStart && m.Ready() {
		if err := m.StartStrategy(ctx, cfg.ID); err != nil {
			m.logger.Error("autoStart requested but strategy failed to start", zap.String("id", cfg.ID), zap.Error(err))
		}
	}
	return m.status(cfg.ID)
}

// StartStrategy transitions a strategy to RUNNING, performing a Reset
// first if it is currently in a terminal STOPPED state.
func (m *Manager) StartStrategy(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	switch e.instance.Status() {
	case types.LifecycleRunning:
		return nil
	case types.LifecycleStopped:
		if err := e.instance.Reset(); err != nil {
			return fmt.Errorf("manager: reset before start: %w", err)
		}
	}
	if err := e.instance.Start(ctx); err != nil {
		return fmt.Errorf("manager: start strategy %s: %w", id, err)
	}
	m.logger.Info("strategy started", zap.String("id", id))
	return nil
}

// StopStrategy transitions a strategy to STOPPED.
func (m *Manager) StopStrategy(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.instance.Stop(ctx); err != nil {
		return fmt.Errorf("manager: stop strategy %s: %w", id, err)
	}
	m.logger.Info("strategy stopped", zap.String("id", id))
	return nil
}

// UpdateStrategyConfig merges patch into the persisted config's parameter
// map (and any of Name/Enabled/OrderSize/InstrumentID present in patch),
// validates the merged document, and persists it. Running instances read
// their parameters at construction time, so a change only takes effect
// from the strategy's next Start (after a Stop/Reset or process restart);
// this mirrors the registry's construction-time parameter read rather than
// attempting a live hot-reload no strategy implements.
func (m *Manager) UpdateStrategyConfig(id string, patch map[string]any) (types.StrategyConfig, error) {
	e, err := m.get(id)
	if err != nil {
		return types.StrategyConfig{}, err
	}

	merged := e.config
	if v, ok := patch["name"].(string); ok {
		merged.Name = v
	}
	if v, ok := patch["enabled"].(bool); ok {
		merged.Enabled = v
	}
	if v, ok := patch["orderSize"].(float64); ok {
		merged.OrderSize = int(v)
	}
	if v, ok := patch["instrumentId"].(string); ok {
		merged.InstrumentID = v
	}
	if v, ok := patch["parameters"].(map[string]any); ok {
		if merged.Parameters == nil {
			merged.Parameters = make(map[string]any, len(v))
		}
		for k, val := range v {
			merged.Parameters[k] = val
		}
	}

	if err := m.validate.Struct(merged); err != nil {
		return types.StrategyConfig{}, fmt.Errorf("manager: invalid strategy config patch: %w", err)
	}
	if err := m.store.SaveStrategyConfig(merged); err != nil {
		return types.StrategyConfig{}, fmt.Errorf("manager: persist updated strategy config: %w", err)
	}

	m.mu.Lock()
	e.config = merged
	m.mu.Unlock()
	return merged, nil
}

// DeleteStrategy stops (best-effort) and removes a strategy, deleting its
// persisted config.
func (m *Manager) DeleteStrategy(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if e.instance.Status() == types.LifecycleRunning {
		if err := e.instance.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop strategy before delete", zap.String("id", id), zap.Error(err))
		}
	}
	m.mu.Lock()
	delete(m.strategies, id)
	m.mu.Unlock()
	return m.store.DeleteStrategyConfig(id)
}

func (m *Manager) get(id string) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// status builds the merged StrategyStatus for one strategy: live lifecycle
// status plus state document and C3 metrics.
func (m *Manager) status(id string) (types.StrategyStatus, error) {
	e, err := m.get(id)
	if err != nil {
		return types.StrategyStatus{}, err
	}

	var state types.StrategyState
	if m.store.HasStrategyState(id) {
		if s, err := m.store.LoadStrategyState(id); err == nil {
			state = s
		}
	}

	metrics, err := m.repo.GetStrategyStats(id)
	if err != nil {
		m.logger.Warn("failed to load strategy stats", zap.String("id", id), zap.Error(err))
	}

	status := e.instance.Status()
	return types.StrategyStatus{
		ID:      id,
		Running: status == types.LifecycleRunning,
		Status:  status,
		Config:  e.config,
		State:   state,
		Metrics: metrics,
	}, nil
}

// GetStrategyStatus returns the merged status for a single strategy.
func (m *Manager) GetStrategyStatus(id string) (types.StrategyStatus, error) {
	return m.status(id)
}

// GetAllStrategiesStatus returns the merged status of every managed
// strategy, and the manager-wide readiness snapshot consumed by
// /strategies and the /ws connect snapshot.
func (m *Manager) GetAllStrategiesStatus() types.ManagerStatus {
	m.mu.RLock()
	ids := make([]string, 0, len(m.strategies))
	for id := range m.strategies {
		ids = append(ids, id)
	}
	ready := m.ready
	m.mu.RUnlock()

	out := make([]types.StrategyStatus, 0, len(ids))
	for _, id := range ids {
		st, err := m.status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return types.ManagerStatus{
		Ready:      ready,
		Strategies: out,
		// TotalExposure is intentionally left unaggregated; see DESIGN.md.
	}
}

// Instance returns the underlying Strategy for direct use by C10 (e.g. the
// SPX analytics start/stop endpoints operate on a known strategy id).
func (m *Manager) Instance(id string) (strategies.Strategy, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.instance, nil
}

// dailyResetJob broadcasts Reset to every managed strategy once per
// exchange day, so date-boundary state (traded_today flags, opening-range
// snapshots) clears uniformly instead of each strategy polling the clock
// independently.
type dailyResetJob struct {
	m *Manager
}

func (j *dailyResetJob) Name() string { return "manager-daily-reset" }

func (j *dailyResetJob) Run() error {
	j.m.mu.RLock()
	entries := make([]*managed, 0, len(j.m.strategies))
	for _, e := range j.m.strategies {
		entries = append(entries, e)
	}
	j.m.mu.RUnlock()

	for _, e := range entries {
		if err := e.instance.Reset(); err != nil {
			j.m.logger.Error("daily reset failed for strategy", zap.String("id", e.instance.ID()), zap.Error(err))
		}
	}
	j.m.logger.Info("daily reset broadcast complete", zap.Int("strategies", len(entries)))
	return nil
}

var _ clock.CronJob = (*dailyResetJob)(nil)
