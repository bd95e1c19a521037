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

// Scalper (§4.8.6, supplemental) is a tick-driven mean-reversion bounce off
// a short rolling high/low band on the underlying. Unlike the bar-driven
// strategies, its software-monitored SL/TP (via ArmBracket — this system
// has no resting broker stop order in any case) is its *primary* risk
// control, not a fallback behind a broker bracket; a tight fixed-dollar SL
// and TP reflect that it is meant to be quick in and out. A minimum
// re-entry cooldown prevents churning the same bounce repeatedly.
type Scalper struct {
	rt *strategyrt.Runtime

	underlying   string
	orderSize    decimal.Decimal
	strikeStep   decimal.Decimal
	bandLookback int
	bandMargin   decimal.Decimal
	slAmount     decimal.Decimal
	tpAmount     decimal.Decimal
	cooldown     time.Duration
	loc          *time.Location

	mu         sync.Mutex
	window     []decimal.Decimal
	lastExitAt time.Time
	searching  bool
}

// NewScalper constructs the scalper strategy.
func NewScalper(cfg types.StrategyConfig, deps strategyrt.Deps) (*Scalper, error) {
	p := cfg.Parameters
	s := &Scalper{
		underlying:   paramString(p, "underlying", cfg.InstrumentID),
		orderSize:    decimal.NewFromInt(int64(paramInt(p, "orderSize", cfg.OrderSize))),
		strikeStep:   paramDecimal(p, "strikeStep", decimal.NewFromInt(5)),
		bandLookback: paramInt(p, "bandLookbackTicks", 20),
		bandMargin:   paramDecimal(p, "bandMargin", decimal.NewFromFloat(0.5)),
		slAmount:     paramDecimal(p, "slAmount", decimal.NewFromInt(25)),
		tpAmount:     paramDecimal(p, "tpAmount", decimal.NewFromInt(40)),
		cooldown:     time.Duration(paramInt(p, "cooldownSeconds", 60)) * time.Second,
		loc:          loadLocation(paramString(p, "timezone", "")),
	}
	instrumentID := types.InstrumentID{Symbol: cfg.InstrumentID, Venue: "PAPER"}
	rt := strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnQuote: s.onQuote})
	rt.SetCloseCallback(s.onBracketBreach)
	s.rt = rt
	return s, nil
}

func (s *Scalper) ID() string                    { return s.rt.ID }
func (s *Scalper) Start(ctx context.Context) error { return s.rt.Start(ctx) }
func (s *Scalper) Stop(ctx context.Context) error  { return s.rt.Stop(ctx) }
func (s *Scalper) Status() types.LifecycleStatus   { return s.rt.Status() }
func (s *Scalper) Reset() error {
	s.mu.Lock()
	s.window = nil
	s.searching = false
	s.mu.Unlock()
	return s.rt.Reset()
}

func (s *Scalper) onQuote(ctx context.Context, q types.Quote) error {
	mid := q.Mid()
	if mid.IsZero() {
		return nil
	}

	s.mu.Lock()
	prior := append([]decimal.Decimal(nil), s.window...)
	s.window = append(s.window, mid)
	if len(s.window) > s.bandLookback {
		s.window = s.window[len(s.window)-s.bandLookback:]
	}
	onCooldown := time.Since(s.lastExitAt) < s.cooldown
	blocked := onCooldown || s.searching
	s.mu.Unlock()

	if blocked || s.rt.HasActiveTrade() || s.rt.HasPendingEntry() || len(prior) < s.bandLookback {
		return nil
	}

	low, high := prior[0], prior[0]
	for _, p := range prior[1:] {
		if p.LessThan(low) {
			low = p
		}
		if p.GreaterThan(high) {
			high = p
		}
	}
	prev := prior[len(prior)-1]

	var kind types.OptionKind
	var triggered bool
	if mid.LessThanOrEqual(low.Add(s.bandMargin)) && mid.GreaterThan(prev) {
		kind, triggered = types.OptionKindCall, true // bounced up off the low band
	} else if mid.GreaterThanOrEqual(high.Sub(s.bandMargin)) && mid.LessThan(prev) {
		kind, triggered = types.OptionKindPut, true // bounced down off the high band
	}
	if !triggered {
		return nil
	}

	s.mu.Lock()
	s.searching = true
	s.mu.Unlock()
	go s.launchSearch(ctx, q.Timestamp, kind, mid)
	return nil
}

func (s *Scalper) launchSearch(ctx context.Context, now time.Time, kind types.OptionKind, spot decimal.Decimal) {
	deps := s.rt.Deps()
	defer func() {
		s.mu.Lock()
		s.searching = false
		s.mu.Unlock()
	}()

	local := now.In(s.loc)
	expiration := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, s.loc)
	if _, err := deps.OptionSearch.FindOptionByPremium(ctx, decimal.NewFromFloat(1.5), optionsearch.Params{
		Underlying: s.underlying,
		Kind:       kind,
		Expiration: expiration,
		SpotPrice:  spot,
		StrikeStep: s.strikeStep,
		Delay:      2 * time.Second, // scalper needs a fast decision, shorter than the default 5s collection window
	}, s.onSearchResult); err != nil {
		deps.Logger.Error("scalper: option search failed to start", zap.Error(err), zap.String("strategy_id", s.rt.ID))
	}
}

func (s *Scalper) onSearchResult(searchID string, winner *types.Instrument, quote *types.Quote) {
	deps := s.rt.Deps()
	if winner == nil {
		return
	}

	entryPrice := winner.RoundToTick(quote.Ask)
	slPrice := entryPrice.Sub(s.slAmount.Div(decimal.NewFromInt(100)))
	if slPrice.IsNegative() {
		slPrice = decimal.Zero
	}
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
		deps.Logger.Error("scalper: entry submission failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}

	s.rt.ArmBracket(types.OrderSideSell, slPrice, tpPrice)
	s.rt.StartTradeRecord(types.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.rt.ID, time.Now().UnixNano()),
		StrategyID:   s.rt.ID,
		InstrumentID: winner.ID,
		TradeType:    string(winner.Kind),
		EntryTime:    quote.Timestamp,
		EntryPrice:   entryPrice,
		Quantity:     s.orderSize,
		Direction:    types.OrderSideBuy,
		Status:       types.TradeStatusOpen,
	})
}

func (s *Scalper) onBracketBreach(ctx context.Context, reason string) {
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
		deps.Logger.Error("scalper: close order failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		s.rt.MarkClosingDone()
		return
	}

	exitReason := types.ExitReasonTakeProfit
	if reason == "STOP_LOSS" {
		exitReason = types.ExitReasonStopLoss
	}
	s.rt.CloseTradeRecord(time.Now(), closePrice, decimal.Zero, decimal.Zero, exitReason)
	s.mu.Lock()
	s.lastExitAt = time.Now()
	s.mu.Unlock()
}
