package strategies

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// DataActor is the SPX data streamer (§4.8.5): a non-trading strategy that
// republishes index mid-price and a status line onto dedicated bus topics
// for downstream consumers (the websocket forwarder in C10), rather than
// ever submitting an order.
type DataActor struct {
	rt         *strategyrt.Runtime
	underlying string
	loc        *time.Location
}

// NewDataActor constructs the streamer. It subscribes only to quotes — no
// OnBar/OnOrderEvent handler is supplied since it never trades.
func NewDataActor(cfg types.StrategyConfig, deps strategyrt.Deps) (*DataActor, error) {
	p := cfg.Parameters
	s := &DataActor{
		underlying: paramString(p, "underlying", cfg.InstrumentID),
		loc:        loadLocation(paramString(p, "timezone", "")),
	}
	instrumentID := types.InstrumentID{Symbol: s.underlying, Venue: "PAPER"}
	s.rt = strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnQuote: s.onQuote})
	return s, nil
}

func (s *DataActor) ID() string                    { return s.rt.ID }
func (s *DataActor) Start(ctx context.Context) error { return s.rt.Start(ctx) }
func (s *DataActor) Stop(ctx context.Context) error  { return s.rt.Stop(ctx) }
func (s *DataActor) Status() types.LifecycleStatus   { return s.rt.Status() }
func (s *DataActor) Reset() error                    { return s.rt.Reset() }

func (s *DataActor) onQuote(ctx context.Context, q types.Quote) error {
	deps := s.rt.Deps()
	mid := q.Mid()
	deps.Bus.PublishTopic("spx_stream_price", map[string]any{
		"strategyId": s.rt.ID,
		"instrument": q.InstrumentID.String(),
		"mid":        mid.String(),
		"timestamp":  q.Timestamp,
	})
	line := fmt.Sprintf("%s spx=%s bid=%s ask=%s", q.Timestamp.In(s.loc).Format(time.RFC3339), mid.String(), q.Bid.String(), q.Ask.String())
	deps.Bus.PublishTopic("spx_stream_log", line)
	deps.Logger.Debug("data actor tick", zap.String("strategy_id", s.rt.ID), zap.String("mid", mid.String()))
	return nil
}
