package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	"github.com/atlas-desktop/options-trading-supervisor/internal/optionsearch"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// IntervalTrader (§4.8.6, supplemental) is the simplest concrete strategy:
// on a fixed wall-clock interval it reads the directional bias of the last
// N bar closes and, if flat, enters a single-leg option in that direction
// with the same bracket SL/TP as the ORB strategies. No range or breach
// state — a smoke test for the manager/persistence path more than a
// serious trading edge.
type IntervalTrader struct {
	rt   *strategyrt.Runtime
	kind types.OptionKind

	underlying  string
	orderSize   decimal.Decimal
	strikeStep  decimal.Decimal
	slPercent   decimal.Decimal
	tpAmount    decimal.Decimal
	interval    time.Duration
	lookback    int
	marketOpen  int
	marketClose int
	loc         *time.Location

	mu      sync.Mutex
	closes  []decimal.Decimal
	lastRun time.Time
}

// NewIntervalTrader constructs the interval trader.
func NewIntervalTrader(cfg types.StrategyConfig, deps strategyrt.Deps) (*IntervalTrader, error) {
	p := cfg.Parameters
	s := &IntervalTrader{
		underlying:  paramString(p, "underlying", cfg.InstrumentID),
		orderSize:   decimal.NewFromInt(int64(paramInt(p, "orderSize", cfg.OrderSize))),
		strikeStep:  paramDecimal(p, "strikeStep", decimal.NewFromInt(5)),
		slPercent:   paramDecimal(p, "slPercent", decimal.NewFromInt(50)),
		tpAmount:    paramDecimal(p, "tpAmount", decimal.NewFromInt(75)),
		interval:    time.Duration(paramInt(p, "intervalMinutes", 5)) * time.Minute,
		lookback:    paramInt(p, "lookbackBars", 3),
		marketOpen:  paramInt(p, "marketOpenHour", 9),
		marketClose: paramInt(p, "marketCloseHour", 16),
		loc:         loadLocation(paramString(p, "timezone", "")),
	}
	instrumentID := types.InstrumentID{Symbol: cfg.InstrumentID, Venue: "PAPER"}
	rt := strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnBar: s.onBar})
	rt.SetCloseCallback(s.onBracketBreach)
	s.rt = rt
	return s, nil
}

func (s *IntervalTrader) ID() string                    { return s.rt.ID }
func (s *IntervalTrader) Start(ctx context.Context) error { return s.rt.Start(ctx) }
func (s *IntervalTrader) Stop(ctx context.Context) error  { return s.rt.Stop(ctx) }
func (s *IntervalTrader) Status() types.LifecycleStatus   { return s.rt.Status() }
func (s *IntervalTrader) Reset() error {
	s.mu.Lock()
	s.closes = nil
	s.lastRun = time.Time{}
	s.mu.Unlock()
	return s.rt.Reset()
}

func (s *IntervalTrader) onBar(ctx context.Context, b types.Bar) error {
	s.mu.Lock()
	s.closes = append(s.closes, b.Close)
	if len(s.closes) > s.lookback+1 {
		s.closes = s.closes[len(s.closes)-(s.lookback+1):]
	}
	due := b.Timestamp.Sub(s.lastRun) >= s.interval
	s.mu.Unlock()

	if !due || s.rt.HasActiveTrade() || s.rt.HasPendingEntry() {
		return nil
	}
	local := b.Timestamp.In(s.loc)
	if local.Hour() < s.marketOpen || local.Hour() >= s.marketClose {
		return nil
	}

	s.mu.Lock()
	closes := append([]decimal.Decimal(nil), s.closes...)
	s.mu.Unlock()
	if len(closes) < s.lookback+1 {
		return nil
	}

	bias := closes[len(closes)-1].Sub(closes[0])
	if bias.IsZero() {
		return nil
	}
	kind := types.OptionKindCall
	if bias.IsNegative() {
		kind = types.OptionKindPut
	}

	s.mu.Lock()
	s.lastRun = b.Timestamp
	s.mu.Unlock()

	go s.launchSearch(ctx, b.Timestamp, kind)
	return nil
}

func (s *IntervalTrader) launchSearch(ctx context.Context, now time.Time, kind types.OptionKind) {
	deps := s.rt.Deps()
	spot, ok := deps.Cache.Quote(types.InstrumentID{Symbol: s.underlying, Venue: "PAPER"})
	if !ok || spot.Mid().IsZero() {
		deps.Logger.Warn("interval_trader: no spot quote available, skipping entry", zap.String("strategy_id", s.rt.ID))
		return
	}
	local := now.In(s.loc)
	expiration := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, s.loc)

	if _, err := deps.OptionSearch.FindOptionByPremium(ctx, decimal.NewFromFloat(2.0), optionsearch.Params{
		Underlying: s.underlying,
		Kind:       kind,
		Expiration: expiration,
		SpotPrice:  spot.Mid(),
		StrikeStep: s.strikeStep,
	}, s.onSearchResult); err != nil {
		deps.Logger.Error("interval_trader: option search failed to start", zap.Error(err), zap.String("strategy_id", s.rt.ID))
	}
}

func (s *IntervalTrader) onSearchResult(searchID string, winner *types.Instrument, quote *types.Quote) {
	deps := s.rt.Deps()
	if winner == nil {
		deps.Logger.Info("interval_trader: no option candidate found", zap.String("strategy_id", s.rt.ID))
		return
	}

	entryPrice := winner.RoundToTick(quote.Ask)
	slPrice := entryPrice.Mul(decimal.NewFromInt(1).Sub(s.slPercent.Div(decimal.NewFromInt(100))))
	tpPrice := entryPrice.Add(s.tpAmount.Div(decimal.NewFromInt(100)))

	req := broker.SubmitRequest{
		ClientOrderID: uuid.NewString(),
		InstrumentID:  winner.ID,
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    entryPrice,
		TimeInForce:   types.TimeInForceDay,
	}
	ctx := context.Background()
	if _, err := s.rt.SubmitEntryOrder(ctx, req); err != nil {
		deps.Logger.Error("interval_trader: entry submission failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}

	s.rt.ArmBracket(types.OrderSideSell, slPrice, tpPrice)
	s.rt.StartTradeRecord(types.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.rt.ID, time.Now().UnixNano()),
		StrategyID:   s.rt.ID,
		InstrumentID: winner.ID,
		TradeType:    string(kindLabel(winner)),
		EntryTime:    quote.Timestamp,
		EntryPrice:   entryPrice,
		Quantity:     s.orderSize,
		Direction:    types.OrderSideBuy,
		Status:       types.TradeStatusOpen,
	})
}

func kindLabel(inst *types.Instrument) types.OptionKind { return inst.Kind }

func (s *IntervalTrader) onBracketBreach(ctx context.Context, reason string) {
	deps := s.rt.Deps()
	optionID := s.rt.ActivePositionID()

	pos, ok := deps.Cache.Position(optionID)
	closePrice := decimal.Zero
	if ok {
		closePrice = pos.AvgEntryPx
	}

	req := broker.SubmitRequest{
		ClientOrderID: uuid.NewString(),
		InstrumentID:  optionID,
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeMarket,
		Quantity:      s.orderSize,
		TimeInForce:   types.TimeInForceDay,
	}
	if _, err := deps.Broker.SubmitOrder(ctx, req); err != nil {
		deps.Logger.Error("interval_trader: close order failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		s.rt.MarkClosingDone()
		return
	}

	exitReason := types.ExitReasonTakeProfit
	if reason == "STOP_LOSS" {
		exitReason = types.ExitReasonStopLoss
	}
	s.rt.CloseTradeRecord(time.Now(), closePrice, decimal.Zero, decimal.Zero, exitReason)
}
