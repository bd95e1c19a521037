package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/api"
	"github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/manager"
	"github.com/atlas-desktop/options-trading-supervisor/internal/persistence"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategies"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

type fakeStrategy struct {
	id     string
	status types.LifecycleStatus
}

func (f *fakeStrategy) ID() string                      { return f.id }
func (f *fakeStrategy) Start(ctx context.Context) error  { f.status = types.LifecycleRunning; return nil }
func (f *fakeStrategy) Stop(ctx context.Context) error   { f.status = types.LifecycleStopped; return nil }
func (f *fakeStrategy) Reset() error                     { f.status = types.LifecycleReady; return nil }
func (f *fakeStrategy) Status() types.LifecycleStatus    { return f.status }

func newTestServer(t *testing.T) *api.Server {
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
	b := bus.New(logger, bus.DefaultConfig())
	cache := bus.NewCache()

	reg := strategies.NewRegistry()
	reg.Register("fake", func(cfg types.StrategyConfig, deps strategyrt.Deps) (strategies.Strategy, error) {
		return &fakeStrategy{id: cfg.ID, status: types.LifecycleNew}, nil
	})

	deps := strategyrt.Deps{Logger: logger, Store: store, Repo: repo, Clock: clk, Bus: b, Cache: cache}
	mgr := manager.New(logger, reg, deps, nil)
	if err := mgr.Initialize(context.Background(), "0 0 0 * * *"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cfg := &types.ServerConfig{Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws"}
	return api.NewServer(logger, cfg, mgr, repo, b, cache, clk, nil, "")
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", out)
	}
}

func TestHealthSystem(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health/system", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateAndListStrategies(t *testing.T) {
	s := newTestServer(t)
	cfg := types.StrategyConfig{ID: "s1", Name: "Fake", Type: "fake", Enabled: true, InstrumentID: "SPX", OrderSize: 1}

	rec := doJSON(t, s, http.MethodPost, "/strategies", cfg)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/strategies", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status types.ManagerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(status.Strategies) != 1 || status.Strategies[0].ID != "s1" {
		t.Fatalf("expected one strategy s1, got %+v", status.Strategies)
	}
}

func TestCreateStrategy_InvalidType(t *testing.T) {
	s := newTestServer(t)
	cfg := types.StrategyConfig{ID: "s1", Name: "Fake", Type: "nope", Enabled: true, InstrumentID: "SPX"}
	rec := doJSON(t, s, http.MethodPost, "/strategies", cfg)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartStrategy_NotReadyReturns503(t *testing.T) {
	s := newTestServer(t)
	cfg := types.StrategyConfig{ID: "s1", Name: "Fake", Type: "fake", Enabled: true, InstrumentID: "SPX"}
	doJSON(t, s, http.MethodPost, "/strategies", cfg)

	rec := doJSON(t, s, http.MethodPost, "/strategies/s1/start", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before manager is ready, got %d", rec.Code)
	}
}

func TestStrategyTrades_EmptyLedger(t *testing.T) {
	s := newTestServer(t)
	cfg := types.StrategyConfig{ID: "s1", Name: "Fake", Type: "fake", Enabled: true, InstrumentID: "SPX"}
	doJSON(t, s, http.MethodPost, "/strategies", cfg)

	rec := doJSON(t, s, http.MethodGet, "/strategies/s1/trades", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["count"].(float64) != 0 {
		t.Fatalf("expected empty trade ledger, got %v", out["count"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
