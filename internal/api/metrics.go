package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed on /metrics, covering
// event-bus throughput, order counts, open-trade counts, and per-strategy
// PnL — the surface named in SPEC_FULL.md §6. Registered against a private
// registry (not prometheus.DefaultRegisterer) so multiple Server instances
// — one per test, for instance — never collide on collector names.
type Metrics struct {
	registry *prometheus.Registry

	busPublished prometheus.Gauge
	busProcessed prometheus.Gauge
	busDropped   prometheus.Gauge
	busErrored   prometheus.Gauge

	strategiesTotal   prometheus.Gauge
	strategiesRunning prometheus.Gauge
	openTradesTotal   *prometheus.GaugeVec
	strategyNetPnL    *prometheus.GaugeVec
	strategyWinRate   *prometheus.GaugeVec
}

// NewMetrics builds a fresh registry and registers every collector on it.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		busPublished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "bus", Name: "events_published_total",
			Help: "Total events published onto the in-process message bus.",
		}),
		busProcessed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "bus", Name: "events_processed_total",
			Help: "Total events processed by a subscriber.",
		}),
		busDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "bus", Name: "events_dropped_total",
			Help: "Total events dropped because a subscriber channel was full.",
		}),
		busErrored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "bus", Name: "events_errored_total",
			Help: "Total subscriber handler invocations that returned an error.",
		}),
		strategiesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "strategies", Name: "registered_total",
			Help: "Number of strategies known to the manager.",
		}),
		strategiesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "strategies", Name: "running_total",
			Help: "Number of strategies currently RUNNING.",
		}),
		openTradesTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "trades", Name: "open_total",
			Help: "Open trade count per strategy.",
		}, []string{"strategy_id"}),
		strategyNetPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "trades", Name: "net_pnl",
			Help: "Cumulative net PnL per strategy, from closed trades.",
		}, []string{"strategy_id"}),
		strategyWinRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "supervisor", Subsystem: "trades", Name: "win_rate",
			Help: "Win rate (0-1) per strategy, from closed trades.",
		}, []string{"strategy_id"}),
	}
}

// refresh pulls the current bus/manager/repository state into the gauges.
// Called once per /metrics scrape rather than on every event, keeping the
// hot path (tick processing) free of Prometheus instrumentation overhead.
func (s *Server) refreshMetrics() {
	stats := s.bus.Stats()
	s.metrics.busPublished.Set(float64(stats.Published))
	s.metrics.busProcessed.Set(float64(stats.Processed))
	s.metrics.busDropped.Set(float64(stats.Dropped))
	s.metrics.busErrored.Set(float64(stats.Errored))

	managerStatus := s.manager.GetAllStrategiesStatus()
	s.metrics.strategiesTotal.Set(float64(len(managerStatus.Strategies)))
	running := 0
	for _, st := range managerStatus.Strategies {
		if st.Running {
			running++
		}
		openTrades, err := s.repo.GetOpenTrades(st.ID)
		if err == nil {
			s.metrics.openTradesTotal.WithLabelValues(st.ID).Set(float64(len(openTrades)))
		}
		netPnL, _ := st.Metrics.NetPnL.Float64()
		winRate, _ := st.Metrics.WinRate.Float64()
		s.metrics.strategyNetPnL.WithLabelValues(st.ID).Set(netPnL)
		s.metrics.strategyWinRate.WithLabelValues(st.ID).Set(winRate)
	}
	s.metrics.strategiesRunning.Set(float64(running))
}
