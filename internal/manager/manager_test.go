package manager_test

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/manager"
	"github.com/atlas-desktop/options-trading-supervisor/internal/persistence"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategies"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// fakeStrategy is a minimal strategies.Strategy used to exercise the
// manager's lifecycle bookkeeping without needing a broker or bus.
type fakeStrategy struct {
	id          string
	status      types.LifecycleStatus
	startCalls  int
	stopCalls   int
	resetCalls  int
	startErr    error
}

func (f *fakeStrategy) ID() string { return f.id }
func (f *fakeStrategy) Start(ctx context.Context) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.status = types.LifecycleRunning
	return nil
}
func (f *fakeStrategy) Stop(ctx context.Context) error {
	f.stopCalls++
	f.status = types.LifecycleStopped
	return nil
}
func (f *fakeStrategy) Reset() error {
	f.resetCalls++
	f.status = types.LifecycleReady
	return nil
}
func (f *fakeStrategy) Status() types.LifecycleStatus { return f.status }

func newTestManager(t *testing.T) (*manager.Manager, *fakeStrategy) {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	store, err := persistence.New(logger, dir)
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	db, err := tradedb.Open(tradedb.Config{Path: filepath.Join(dir, "trades.db")})
	if err != nil {
		t.Fatalf("tradedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := tradedb.NewRepository(db)
	clk := clock.New(logger)

	var inst *fakeStrategy
	reg := strategies.NewRegistry()
	reg.Register("fake", func(cfg types.StrategyConfig, deps strategyrt.Deps) (strategies.Strategy, error) {
		inst = &fakeStrategy{id: cfg.ID, status: types.LifecycleNew}
		return inst, nil
	})

	deps := strategyrt.Deps{Logger: logger, Store: store, Repo: repo, Clock: clk}
	m := manager.New(logger, reg, deps, nil)
	if err := m.Initialize(context.Background(), "0 0 0 * * *"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m, inst
}

func validConfig(id string) types.StrategyConfig {
	return types.StrategyConfig{
		ID:           id,
		Name:         "Fake Strategy",
		Type:         "fake",
		Enabled:      true,
		InstrumentID: "SPX",
		OrderSize:    1,
		Parameters:   map[string]any{},
	}
}

func TestCreateStrategy_UnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := validConfig("s1")
	cfg.Type = "does_not_exist"

	_, err := m.CreateStrategy(context.Background(), cfg, false)
	if err != manager.ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestCreateStrategy_InvalidConfigRejected(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := validConfig("s1")
	cfg.Name = "" // required field missing

	if _, err := m.CreateStrategy(context.Background(), cfg, false); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestCreateStrategy_PersistsAndInstantiates(t *testing.T) {
	m, fake := newTestManager(t)
	cfg := validConfig("s1")

	status, err := m.CreateStrategy(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if status.ID != "s1" {
		t.Fatalf("expected id s1, got %q", status.ID)
	}
	if fake == nil {
		t.Fatal("expected factory to have been invoked")
	}
	if fake.startCalls != 0 {
		t.Fatalf("expected no auto-start when autoStart=false, got %d start calls", fake.startCalls)
	}
}

func TestStartStrategy_ResetsFromStoppedThenStarts(t *testing.T) {
	m, fake := newTestManager(t)
	cfg := validConfig("s1")
	if _, err := m.CreateStrategy(context.Background(), cfg, false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	fake.status = types.LifecycleStopped

	if err := m.StartStrategy(context.Background(), "s1"); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if fake.resetCalls != 1 {
		t.Fatalf("expected Reset to be called once before starting from STOPPED, got %d", fake.resetCalls)
	}
	if fake.startCalls != 1 {
		t.Fatalf("expected Start to be called once, got %d", fake.startCalls)
	}
	if fake.Status() != types.LifecycleRunning {
		t.Fatalf("expected RUNNING, got %s", fake.Status())
	}
}

func TestStartStrategy_AlreadyRunningIsNoop(t *testing.T) {
	m, fake := newTestManager(t)
	cfg := validConfig("s1")
	if _, err := m.CreateStrategy(context.Background(), cfg, false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	fake.status = types.LifecycleRunning

	if err := m.StartStrategy(context.Background(), "s1"); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if fake.startCalls != 0 {
		t.Fatalf("expected Start not to be called for an already-RUNNING strategy, got %d calls", fake.startCalls)
	}
}

func TestStartStrategy_UnknownID(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.StartStrategy(context.Background(), "missing"); err != manager.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStrategyConfig_MergesParametersAndValidates(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := validConfig("s1")
	cfg.Parameters = map[string]any{"orHigh": 5000.0}
	if _, err := m.CreateStrategy(context.Background(), cfg, false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	merged, err := m.UpdateStrategyConfig("s1", map[string]any{
		"enabled":    false,
		"parameters": map[string]any{"orLow": 4990.0},
	})
	if err != nil {
		t.Fatalf("UpdateStrategyConfig: %v", err)
	}
	if merged.Enabled {
		t.Fatal("expected enabled to be patched to false")
	}
	if merged.Parameters["orHigh"] != 5000.0 {
		t.Fatalf("expected original parameter orHigh to survive the merge, got %v", merged.Parameters["orHigh"])
	}
	if merged.Parameters["orLow"] != 4990.0 {
		t.Fatalf("expected patched parameter orLow to be present, got %v", merged.Parameters["orLow"])
	}

	status, err := m.GetStrategyStatus("s1")
	if err != nil {
		t.Fatalf("GetStrategyStatus: %v", err)
	}
	if status.Config.Enabled {
		t.Fatal("expected status to reflect the merged config")
	}
}

func TestUpdateStrategyConfig_RejectsInvalidPatch(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := validConfig("s1")
	if _, err := m.CreateStrategy(context.Background(), cfg, false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	if _, err := m.UpdateStrategyConfig("s1", map[string]any{"orderSize": -1.0}); err == nil {
		t.Fatal("expected validation error for negative orderSize")
	}
}

func TestGetAllStrategiesStatus_ReflectsReadyAndMetrics(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateStrategy(context.Background(), validConfig("s1"), false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	before := m.GetAllStrategiesStatus()
	if before.Ready {
		t.Fatal("expected not ready before Start")
	}
	if len(before.Strategies) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(before.Strategies))
	}

	m.Start(context.Background())
	after := m.GetAllStrategiesStatus()
	if !after.Ready {
		t.Fatal("expected ready after Start")
	}
}

func TestDeleteStrategy_RemovesFromManagedSet(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateStrategy(context.Background(), validConfig("s1"), false); err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if err := m.DeleteStrategy(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteStrategy: %v", err)
	}
	if _, err := m.GetStrategyStatus("s1"); err != manager.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
