// Package api provides the REST/WebSocket/metrics server exposed over C9
// (the strategy manager) and C3 (the trade ledger).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/manager"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

const defaultTradeLimit = 100

// Server is the HTTP/WebSocket API server fronting the manager and trade
// ledger, grounded on the teacher's mux+cors Server shape generalized from
// a backtest-control surface to the strategy-control surface of
// SPEC_FULL.md §6.
type Server struct {
	logger  *zap.Logger
	cfg     *types.ServerConfig
	router  *mux.Router
	httpSrv *http.Server

	manager *manager.Manager
	repo    *tradedb.Repository
	bus     *appbus.Bus
	cache   *appbus.Cache
	clock   *clock.Clock

	hub           *Hub
	logRing       *LogRing
	metrics       *Metrics
	spxStreamerID string
	startedAt     time.Time
}

// NewServer wires up the router. logRing may be nil if log tailing is not
// configured; spxStreamerID names the strategy instance the
// /analytics/spx/start|stop endpoints start and stop.
func NewServer(
	logger *zap.Logger,
	cfg *types.ServerConfig,
	mgr *manager.Manager,
	repo *tradedb.Repository,
	bus *appbus.Bus,
	cache *appbus.Cache,
	clk *clock.Clock,
	logRing *LogRing,
	spxStreamerID string,
) *Server {
	s := &Server{
		logger:        logger.Named("api"),
		cfg:           cfg,
		router:        mux.NewRouter(),
		manager:       mgr,
		repo:          repo,
		bus:           bus,
		cache:         cache,
		clock:         clk,
		logRing:       logRing,
		metrics:       NewMetrics(),
		spxStreamerID: spxStreamerID,
		startedAt:     time.Now(),
	}
	s.hub = NewHub(logger, s.systemStatusSnapshot)
	s.setupRoutes()
	s.subscribeBusTopics()
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/system", s.handleHealthSystem).Methods(http.MethodGet)

	s.router.HandleFunc("/strategies", s.handleListStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/strategies", s.handleCreateStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/strategies/{id}", s.handleUpdateStrategy).Methods(http.MethodPut)
	s.router.HandleFunc("/strategies/{id}/start", s.handleStartStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/strategies/{id}/stop", s.handleStopStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/strategies/{id}/trades", s.handleStrategyTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/strategies/{id}/stats", s.handleStrategyStats).Methods(http.MethodGet)
	s.router.HandleFunc("/strategies/{id}/drawdown-analysis", s.handleStrategyDrawdown).Methods(http.MethodGet)

	s.router.HandleFunc("/trades/all", s.handleAllTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/all", s.handleAllStats).Methods(http.MethodGet)

	s.router.HandleFunc("/analytics/spx/start", s.handleSPXStart).Methods(http.MethodPost)
	s.router.HandleFunc("/analytics/spx/stop", s.handleSPXStop).Methods(http.MethodPost)

	s.router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.refreshMetrics()
		promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}).Methods(http.MethodGet)

	s.router.HandleFunc(s.cfg.WebSocketPath, s.hub.ServeHTTP)
	if s.logRing != nil {
		s.router.HandleFunc("/ws/logs", s.logRing.ServeHTTP)
	}
}

// subscribeBusTopics relays system_status/spx_stream_price/spx_stream_log
// notifications published onto the bus straight through to /ws clients.
func (s *Server) subscribeBusTopics() {
	for _, topic := range []string{"system_status", "spx_stream_price", "spx_stream_log"} {
		topic := topic
		s.bus.SubscribeTopic(topic, func(ev appbus.Event) error {
			te, ok := ev.(*appbus.TopicEvent)
			if !ok {
				return nil
			}
			s.hub.Publish(topic, te.Payload)
			return nil
		})
	}
}

// Start begins serving HTTP, behind CORS configured wide-open for the
// dashboard's cross-origin requests.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthSystem reports host CPU/memory/uptime via gopsutil, so ops
// can tell "process up" apart from "host under load" without a separate
// monitoring agent.
func (s *Server) handleHealthSystem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{
		"processUptimeSeconds": time.Since(s.startedAt).Seconds(),
	}
	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		out["cpuPercent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memUsedPercent"] = vm.UsedPercent
		out["memTotalBytes"] = vm.Total
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out["hostUptimeSeconds"] = info.Uptime
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	status := s.manager.GetAllStrategiesStatus()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	autoStart := r.URL.Query().Get("autoStart") == "true"

	status, err := s.manager.CreateStrategy(r.Context(), cfg, autoStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "id": status.ID})
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.manager.UpdateStrategyConfig(id, patch)
	if err != nil {
		if errors.Is(err, manager.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Ready() {
		writeError(w, http.StatusServiceUnavailable, errors.New("manager not ready"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.manager.StartStrategy(r.Context(), id); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": id})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Ready() {
		writeError(w, http.StatusServiceUnavailable, errors.New("manager not ready"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.manager.StopStrategy(r.Context(), id); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func limitParam(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultTradeLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultTradeLimit
	}
	return n
}

func (s *Server) handleStrategyTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trades, err := s.repo.ListTrades(id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategyId": id, "trades": trades, "count": len(trades)})
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := s.repo.GetStrategyStats(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStrategyDrawdown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	analysis, err := s.repo.GetDrawdownAnalysis(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleAllTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.repo.ListAllTrades(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	ids, err := s.repo.ListAllStrategyIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]types.StrategyStats, 0, len(ids))
	for _, id := range ids {
		stats, err := s.repo.GetStrategyStats(id)
		if err != nil {
			s.logger.Warn("failed to load stats for strategy", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

func (s *Server) handleSPXStart(w http.ResponseWriter, r *http.Request) {
	if s.spxStreamerID == "" {
		writeError(w, http.StatusNotFound, errors.New("no spx streamer strategy configured"))
		return
	}
	if err := s.manager.StartStrategy(r.Context(), s.spxStreamerID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": s.spxStreamerID})
}

func (s *Server) handleSPXStop(w http.ResponseWriter, r *http.Request) {
	if s.spxStreamerID == "" {
		writeError(w, http.StatusNotFound, errors.New("no spx streamer strategy configured"))
		return
	}
	if err := s.manager.StopStrategy(r.Context(), s.spxStreamerID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": s.spxStreamerID})
}

// systemStatusSnapshot builds the payload sent immediately on /ws connect:
// manager readiness, open positions, open orders, and per-strategy status.
// Account balances and connection flags are not included.
func (s *Server) systemStatusSnapshot() any {
	positions := s.cache.OpenPositions()
	orders := s.cache.OpenOrders()
	status := s.manager.GetAllStrategiesStatus()
	return map[string]any{
		"ready":          status.Ready,
		"openPositions":  positions,
		"openOrders":     orders,
		"strategies":     status.Strategies,
		"generatedAt":    time.Now(),
	}
}
