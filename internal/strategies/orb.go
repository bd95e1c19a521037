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

// ORBStrategy is the opening-range-breakout single-leg strategy (§4.8.2):
// on the first minute close that breaks the frozen opening range, it
// launches an option search in the breakout direction and, on a winner,
// submits a bracket entry.
type ORBStrategy struct {
	rt     *strategyrt.Runtime
	kind   types.OptionKind
	engine *RangeEngine
	loc    *time.Location

	underlying  string
	orderSize   decimal.Decimal
	strikeStep  decimal.Decimal
	slPercent   decimal.Decimal
	tpAmount    decimal.Decimal
	cutoffHour  int
	cutoffMin   int

	mu                  sync.Mutex
	currentDate         string
	entryAttemptedToday bool
	searchID            string
}

// NewORBStrategy constructs an ORB strategy for the given option kind (call
// for long-call breakouts, put for long-put breakouts).
func NewORBStrategy(cfg types.StrategyConfig, deps strategyrt.Deps, kind types.OptionKind) (*ORBStrategy, error) {
	p := cfg.Parameters
	loc := loadLocation(paramString(p, "timezone", ""))
	openHour := paramInt(p, "openHour", 9)
	openMinute := paramInt(p, "openMinute", 30)
	rangeMinutes := paramInt(p, "rangeMinutes", 15)

	s := &ORBStrategy{
		kind:       kind,
		engine:     NewRangeEngine(openHour, openMinute, rangeMinutes, loc),
		loc:        loc,
		underlying: paramString(p, "underlying", cfg.InstrumentID),
		orderSize:  decimal.NewFromInt(int64(paramInt(p, "orderSize", cfg.OrderSize))),
		strikeStep: paramDecimal(p, "strikeStep", decimal.NewFromInt(5)),
		slPercent:  paramDecimal(p, "slPercent", decimal.NewFromInt(50)),
		tpAmount:   paramDecimal(p, "tpAmount", decimal.NewFromInt(100)),
		cutoffHour: paramInt(p, "cutoffHour", 15),
		cutoffMin:  paramInt(p, "cutoffMinute", 0),
	}

	instrumentID := types.InstrumentID{Symbol: cfg.InstrumentID, Venue: "PAPER"}
	rt := strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnBar: s.onBar})
	rt.SetCloseCallback(s.onBracketBreach)
	s.rt = rt
	return s, nil
}

func (s *ORBStrategy) ID() string                        { return s.rt.ID }
func (s *ORBStrategy) Start(ctx context.Context) error    { return s.rt.Start(ctx) }
func (s *ORBStrategy) Stop(ctx context.Context) error     { return s.rt.Stop(ctx) }
func (s *ORBStrategy) Status() types.LifecycleStatus      { return s.rt.Status() }
func (s *ORBStrategy) Reset() error {
	s.engine.Reset()
	s.mu.Lock()
	s.entryAttemptedToday = false
	s.mu.Unlock()
	return s.rt.Reset()
}

func (s *ORBStrategy) onBar(ctx context.Context, b types.Bar) error {
	s.engine.Observe(b.Timestamp, b.Close)

	local := b.Timestamp.In(s.loc)
	date := local.Format("2006-01-02")
	s.mu.Lock()
	if date != s.currentDate {
		s.currentDate = date
		s.entryAttemptedToday = false
	}
	attempted := s.entryAttemptedToday
	s.mu.Unlock()

	if attempted || s.rt.Status() != types.LifecycleRunning || s.rt.HasActiveTrade() || s.rt.HasPendingEntry() {
		return nil
	}
	if local.Hour() > s.cutoffHour || (local.Hour() == s.cutoffHour && local.Minute() >= s.cutoffMin) {
		return nil
	}

	orHigh, orLow, calculated := s.engine.Snapshot()
	if !calculated {
		return nil
	}

	var triggered bool
	switch s.kind {
	case types.OptionKindCall:
		triggered = b.Close.GreaterThan(orHigh)
	case types.OptionKindPut:
		triggered = b.Close.LessThan(orLow)
	}
	if !triggered {
		return nil
	}

	s.mu.Lock()
	s.entryAttemptedToday = true
	s.mu.Unlock()
	s.rt.Persist(map[string]any{"entryAttemptedToday": true, "range": s.engine.State()})

	s.launchSearch(ctx, local)
	return nil
}

func (s *ORBStrategy) launchSearch(ctx context.Context, now time.Time) {
	deps := s.rt.Deps()
	spot, ok := deps.Cache.Quote(types.InstrumentID{Symbol: s.underlying, Venue: "PAPER"})
	spotPrice := spot.Mid()
	if !ok || spotPrice.IsZero() {
		deps.Logger.Warn("orb: no spot quote available, skipping entry", zap.String("strategy_id", s.rt.ID))
		return
	}

	expiration := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, s.loc) // 0DTE, market close
	searchID, err := deps.OptionSearch.FindOptionByPremium(ctx, decimal.NewFromFloat(2.0), optionsearch.Params{
		Underlying: s.underlying,
		Kind:       s.kind,
		Expiration: expiration,
		SpotPrice:  spotPrice,
		StrikeStep: s.strikeStep,
	}, s.onSearchResult)
	if err != nil {
		deps.Logger.Error("orb: option search failed to start", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}
	s.mu.Lock()
	s.searchID = searchID
	s.mu.Unlock()
}

func (s *ORBStrategy) onSearchResult(searchID string, winner *types.Instrument, quote *types.Quote) {
	s.mu.Lock()
	current := s.searchID == searchID
	s.mu.Unlock()
	if !current {
		return
	}
	deps := s.rt.Deps()
	if winner == nil {
		deps.Logger.Info("orb: no option candidate found, skipping for the day", zap.String("strategy_id", s.rt.ID))
		return
	}

	entryPrice := winner.RoundToTick(quote.Ask)
	slPrice := entryPrice.Mul(decimal.NewFromInt(1).Sub(s.slPercent.Div(decimal.NewFromInt(100))))
	tpPrice := entryPrice.Add(s.tpAmount.Div(decimal.NewFromInt(100)))

	clientOrderID := uuid.NewString()
	req := broker.SubmitRequest{
		ClientOrderID: clientOrderID,
		InstrumentID:  winner.ID,
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    entryPrice,
		TimeInForce:   types.TimeInForceDay,
	}
	ctx := context.Background()
	if _, err := s.rt.SubmitEntryOrder(ctx, req); err != nil {
		deps.Logger.Error("orb: entry submission failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}

	s.rt.ArmBracket(types.OrderSideSell, slPrice, tpPrice)
	s.rt.StartTradeRecord(types.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.rt.ID, time.Now().UnixNano()),
		StrategyID:   s.rt.ID,
		InstrumentID: winner.ID,
		TradeType:    string(s.kind),
		EntryTime:    quote.Timestamp,
		EntryPrice:   entryPrice,
		Quantity:     s.orderSize,
		Direction:    types.OrderSideBuy,
		Status:       types.TradeStatusOpen,
	})
}

func (s *ORBStrategy) onBracketBreach(ctx context.Context, reason string) {
	deps := s.rt.Deps()
	optionID := s.rt.ActivePositionID()

	pos, ok := deps.Cache.Position(optionID)
	closePrice := decimal.Zero
	if ok {
		closePrice = pos.AvgEntryPx
	}

	clientOrderID := uuid.NewString()
	req := broker.SubmitRequest{
		ClientOrderID: clientOrderID,
		InstrumentID:  optionID,
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeMarket,
		Quantity:      s.orderSize,
		TimeInForce:   types.TimeInForceDay,
	}
	if _, err := deps.Broker.SubmitOrder(ctx, req); err != nil {
		deps.Logger.Error("orb: close order failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		s.rt.MarkClosingDone()
		return
	}

	exitReason := types.ExitReasonTakeProfit
	if reason == "STOP_LOSS" {
		exitReason = types.ExitReasonStopLoss
	}
	s.rt.CloseTradeRecord(time.Now(), closePrice, decimal.Zero, decimal.Zero, exitReason)
}
