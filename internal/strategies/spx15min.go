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
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// SPX15MinStrategy is the bidirectional 15-minute range-breakout credit
// spread (§4.8.3): a clean break of one side of the opening range sells a
// credit spread in that direction and invalidates entries on the other
// side for the rest of the day.
type SPX15MinStrategy struct {
	rt     *strategyrt.Runtime
	engine *RangeEngine
	loc    *time.Location

	underlying          string
	orderSize           decimal.Decimal
	strikeStep          decimal.Decimal
	strikeWidth         decimal.Decimal
	minCreditAmount     decimal.Decimal
	fixedSLAmount       decimal.Decimal
	takeProfitAmount    decimal.Decimal
	signalMaxAge        time.Duration
	maxPriceDeviation   decimal.Decimal
	entryCutoffHour     int
	entryCutoffMinute   int
	fillTimeoutDuration time.Duration

	mu              sync.Mutex
	currentDate     string
	highBreached    bool
	lowBreached     bool
	tradedToday     bool
	entryInProgress bool

	longLegID     types.InstrumentID
	shortLegID    types.InstrumentID
	entryCredit   decimal.Decimal
	lastStatusLog time.Time
}

// NewSPX15MinStrategy constructs the 15-minute breakout spread strategy.
func NewSPX15MinStrategy(cfg types.StrategyConfig, deps strategyrt.Deps) (*SPX15MinStrategy, error) {
	p := cfg.Parameters
	loc := loadLocation(paramString(p, "timezone", ""))
	s := &SPX15MinStrategy{
		engine:              NewRangeEngine(paramInt(p, "openHour", 9), paramInt(p, "openMinute", 30), paramInt(p, "rangeMinutes", 15), loc),
		loc:                 loc,
		underlying:          paramString(p, "underlying", cfg.InstrumentID),
		orderSize:           decimal.NewFromInt(int64(paramInt(p, "orderSize", cfg.OrderSize))),
		strikeStep:          paramDecimal(p, "strikeStep", decimal.NewFromInt(5)),
		strikeWidth:         paramDecimal(p, "strikeWidth", decimal.NewFromInt(10)),
		minCreditAmount:     paramDecimal(p, "minCreditAmount", decimal.NewFromInt(50)),
		fixedSLAmount:       paramDecimal(p, "fixedSLAmount", decimal.NewFromInt(150)),
		takeProfitAmount:    paramDecimal(p, "takeProfitAmount", decimal.NewFromInt(30)),
		signalMaxAge:        time.Duration(paramInt(p, "signalMaxAgeSeconds", 10)) * time.Second,
		maxPriceDeviation:   paramDecimal(p, "maxPriceDeviation", decimal.NewFromInt(3)),
		entryCutoffHour:     paramInt(p, "entryCutoffHour", 15),
		entryCutoffMinute:   paramInt(p, "entryCutoffMinute", 30),
		fillTimeoutDuration: time.Duration(paramInt(p, "fillTimeoutSeconds", 30)) * time.Second,
	}
	instrumentID := types.InstrumentID{Symbol: cfg.InstrumentID, Venue: "PAPER"}
	rt := strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnBar: s.onBar, OnQuote: s.onQuote})
	s.rt = rt
	return s, nil
}

func (s *SPX15MinStrategy) ID() string                     { return s.rt.ID }
func (s *SPX15MinStrategy) Start(ctx context.Context) error { return s.rt.Start(ctx) }
func (s *SPX15MinStrategy) Stop(ctx context.Context) error  { return s.rt.Stop(ctx) }
func (s *SPX15MinStrategy) Status() types.LifecycleStatus   { return s.rt.Status() }
func (s *SPX15MinStrategy) Reset() error {
	s.engine.Reset()
	s.mu.Lock()
	s.highBreached, s.lowBreached, s.tradedToday, s.entryInProgress = false, false, false, false
	s.mu.Unlock()
	return s.rt.Reset()
}

func (s *SPX15MinStrategy) onBar(ctx context.Context, b types.Bar) error {
	s.engine.Observe(b.Timestamp, b.Close)
	local := b.Timestamp.In(s.loc)
	date := local.Format("2006-01-02")

	s.mu.Lock()
	if date != s.currentDate {
		s.currentDate = date
		s.highBreached, s.lowBreached, s.tradedToday, s.entryInProgress = false, false, false, false
	}
	s.mu.Unlock()

	orHigh, orLow, calculated := s.engine.Snapshot()
	if !calculated {
		return nil
	}

	s.mu.Lock()
	if b.Close.GreaterThan(orHigh) && !s.highBreached {
		s.highBreached = true
	}
	if b.Close.LessThan(orLow) && !s.lowBreached {
		s.lowBreached = true
	}
	bearish := b.Close.LessThan(orLow) && !s.highBreached
	bullish := b.Close.GreaterThan(orHigh) && !s.lowBreached
	blocked := s.tradedToday || s.entryInProgress || s.rt.HasActiveTrade()
	s.mu.Unlock()
	s.rt.Persist(nil)

	if blocked || (!bearish && !bullish) {
		return nil
	}
	if local.Hour() > s.entryCutoffHour || (local.Hour() == s.entryCutoffHour && local.Minute() >= s.entryCutoffMinute) {
		return nil
	}

	side := types.OrderSideSell // credit spread is always a net sell regardless of direction
	kind := types.OptionKindCall
	breakLevel := orLow
	if bullish {
		kind = types.OptionKindPut
		breakLevel = orHigh
	}
	s.mu.Lock()
	s.entryInProgress = true
	s.mu.Unlock()
	go s.enterSpread(ctx, kind, side, breakLevel, b.Close, b.Timestamp)
	return nil
}

func (s *SPX15MinStrategy) enterSpread(ctx context.Context, kind types.OptionKind, side types.OrderSide, breakLevel, triggerPrice decimal.Decimal, signalTime time.Time) {
	deps := s.rt.Deps()

	if !s.validateSignal(signalTime, triggerPrice) {
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
		return
	}

	shortStrike := roundToStrikeStep(breakLevel, s.strikeStep)
	var longStrike decimal.Decimal
	if kind == types.OptionKindCall {
		shortStrike = shortStrike.Add(s.strikeStep)
		longStrike = shortStrike.Add(s.strikeWidth)
	} else {
		shortStrike = shortStrike.Sub(s.strikeStep)
		longStrike = shortStrike.Sub(s.strikeWidth)
	}

	expiration := time.Date(signalTime.Year(), signalTime.Month(), signalTime.Day(), 16, 0, 0, 0, s.loc)
	shortSpec := broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: shortStrike, Kind: kind, Expiration: expiration}
	longSpec := broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: longStrike, Kind: kind, Expiration: expiration}

	ids, err := deps.Broker.RequestInstruments(ctx, []broker.InstrumentSpec{longSpec, shortSpec})
	if err != nil || len(ids) != 2 {
		deps.Logger.Error("spx15min: leg resolution failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
		return
	}
	longID, shortID := ids[0], ids[1]

	// Two-tier leg availability: InstrumentAdded normally lands well within
	// 7s via the bus; pollForLegs is the fallback when it doesn't.
	if !s.pollForLegs(ctx, longID, shortID) {
		deps.Logger.Warn("spx15min: legs never resolved in cache, aborting entry", zap.String("strategy_id", s.rt.ID))
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
		return
	}

	longQ, _ := deps.Cache.Quote(longID)
	shortQ, _ := deps.Cache.Quote(shortID)
	spreadMid := longQ.Mid().Sub(shortQ.Mid())
	credit := spreadMid.Neg()
	if credit.LessThan(s.minCreditAmount.Div(decimal.NewFromInt(100))) {
		deps.Logger.Info("spx15min: credit below minimum, skipping", zap.String("strategy_id", s.rt.ID), zap.String("credit", credit.String()))
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
		return
	}

	clientOrderID := uuid.NewString()
	req := broker.SubmitRequest{
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    spreadMid,
		TimeInForce:   types.TimeInForceDay,
	}
	legs := []broker.SpreadLeg{{Spec: longSpec, Ratio: 1}, {Spec: shortSpec, Ratio: -1}}
	if _, err := s.rt.SubmitSpreadEntry(ctx, legs, req); err != nil {
		deps.Logger.Error("spx15min: spread submission failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
		return
	}

	s.rt.WatchQuote(longID)
	s.rt.WatchQuote(shortID)
	s.mu.Lock()
	s.longLegID, s.shortLegID = longID, shortID
	s.entryCredit = credit
	s.tradedToday = true
	s.mu.Unlock()
	s.rt.Persist(map[string]any{"tradedToday": true, "entryCredit": credit.String()})

	s.rt.StartTradeRecord(types.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.rt.ID, time.Now().UnixNano()),
		StrategyID:   s.rt.ID,
		InstrumentID: shortID,
		TradeType:    "CREDIT_SPREAD",
		EntryTime:    signalTime,
		EntryPrice:   credit,
		Quantity:     s.orderSize,
		Direction:    types.OrderSideSell,
		Status:       types.TradeStatusOpen,
		Legs: []types.TradeLeg{
			{InstrumentID: longID, Strike: longStrike, Kind: kind, Ratio: 1},
			{InstrumentID: shortID, Strike: shortStrike, Kind: kind, Ratio: -1},
		},
	})

	if s.fillTimeoutDuration > 0 {
		s.rt.ArmFillTimeout(clientOrderID, s.fillTimeoutDuration, s.onFillTimeout)
	}

	s.mu.Lock()
	s.entryInProgress = false
	s.mu.Unlock()
}

func (s *SPX15MinStrategy) validateSignal(signalTime time.Time, triggerPrice decimal.Decimal) bool {
	if s.signalMaxAge > 0 && time.Since(signalTime) > s.signalMaxAge {
		return false
	}
	deps := s.rt.Deps()
	now := deps.Clock.Now().In(s.loc)
	if now.Hour() > s.entryCutoffHour || (now.Hour() == s.entryCutoffHour && now.Minute() >= s.entryCutoffMinute) {
		return false
	}
	spot, ok := deps.Cache.Quote(types.InstrumentID{Symbol: s.underlying, Venue: "PAPER"})
	if ok && s.maxPriceDeviation.IsPositive() {
		if spot.Mid().Sub(triggerPrice).Abs().GreaterThan(s.maxPriceDeviation) {
			return false
		}
	}
	return true
}

// pollForLegs waits for InstrumentAdded via the cache; if both legs aren't
// present after 7s it polls every 2s up to 15 times, per §4.8.3's two-tier
// mechanism.
func (s *SPX15MinStrategy) pollForLegs(ctx context.Context, longID, shortID types.InstrumentID) bool {
	deps := s.rt.Deps()
	deadlineFirst := time.After(7 * time.Second)
	select {
	case <-deadlineFirst:
	case <-ctx.Done():
		return false
	}
	if _, ok1 := deps.Cache.Instrument(longID); ok1 {
		if _, ok2 := deps.Cache.Instrument(shortID); ok2 {
			return true
		}
	}
	for i := 0; i < 15; i++ {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return false
		}
		_, ok1 := deps.Cache.Instrument(longID)
		_, ok2 := deps.Cache.Instrument(shortID)
		if ok1 && ok2 {
			return true
		}
	}
	return false
}

func (s *SPX15MinStrategy) onFillTimeout(o types.Order, found bool) {
	deps := s.rt.Deps()
	if !found || o.Status.IsTerminal() {
		return
	}
	if o.FilledQuantity.IsZero() {
		_ = deps.Broker.CancelOrder(context.Background(), o.ClientOrderID)
		s.mu.Lock()
		s.tradedToday = false
		s.mu.Unlock()
		deps.Logger.Info("spx15min: zero-fill timeout, entry cleared", zap.String("strategy_id", s.rt.ID))
		return
	}
	_ = deps.Broker.CancelOrder(context.Background(), o.ClientOrderID)
	tradeID := s.rt.ActiveTradeID()
	if tradeID == "" {
		return
	}
	deps.Writer.Submit("rescale:"+tradeID, func(repo *tradedb.Repository) error {
		return repo.UpdateTradeQuantity(tradeID, o.FilledQuantity)
	})
}

func (s *SPX15MinStrategy) onQuote(ctx context.Context, q types.Quote) error {
	s.mu.Lock()
	longID, shortID := s.longLegID, s.shortLegID
	credit := s.entryCredit
	tradedToday := s.tradedToday
	lastLog := s.lastStatusLog
	s.mu.Unlock()
	if !tradedToday || !s.rt.HasActiveTrade() || longID == (types.InstrumentID{}) {
		return nil
	}
	if q.InstrumentID != longID && q.InstrumentID != shortID {
		return nil
	}

	deps := s.rt.Deps()
	longQ, ok1 := deps.Cache.Quote(longID)
	shortQ, ok2 := deps.Cache.Quote(shortID)
	if !ok1 || !ok2 {
		return nil
	}
	mid := longQ.Mid().Sub(shortQ.Mid())

	stop := credit.Add(s.fixedSLAmount.Div(decimal.NewFromInt(100))).Neg()
	tpFloor := decimal.NewFromFloat(0.05)
	tpTarget := credit.Sub(s.takeProfitAmount.Div(decimal.NewFromInt(100)))
	if tpTarget.LessThan(tpFloor) {
		tpTarget = tpFloor
	}
	tp := tpTarget.Neg()

	if time.Since(lastLog) > 30*time.Second {
		deps.Logger.Info("spx15min status", zap.String("strategy_id", s.rt.ID),
			zap.String("mid", mid.String()), zap.String("stop", stop.String()), zap.String("tp", tp.String()))
		s.mu.Lock()
		s.lastStatusLog = time.Now()
		s.mu.Unlock()
	}

	if mid.LessThanOrEqual(stop) {
		s.closeSpread(ctx, "STOP_LOSS", mid.Sub(decimal.NewFromFloat(0.05)))
		return nil
	}
	if mid.GreaterThanOrEqual(tp) {
		s.closeSpread(ctx, "TAKE_PROFIT", mid)
		return nil
	}
	return nil
}

func (s *SPX15MinStrategy) closeSpread(ctx context.Context, reason string, limit decimal.Decimal) {
	s.mu.Lock()
	longID, shortID := s.longLegID, s.shortLegID
	s.mu.Unlock()

	deps := s.rt.Deps()
	_ = deps.Broker.CancelAllOrders(ctx)

	_, err := deps.Broker.SubmitOrder(ctx, broker.SubmitRequest{
		ClientOrderID: uuid.NewString(),
		InstrumentID:  longID,
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    limit,
		TimeInForce:   types.TimeInForceDay,
	})
	if err == nil {
		_, err = deps.Broker.SubmitOrder(ctx, broker.SubmitRequest{
			ClientOrderID: uuid.NewString(),
			InstrumentID:  shortID,
			Side:          types.OrderSideBuy,
			Type:          types.OrderTypeLimit,
			Quantity:      s.orderSize,
			LimitPrice:    limit,
			TimeInForce:   types.TimeInForceDay,
		})
	}
	if err != nil {
		deps.Logger.Error("spx15min: close failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}

	s.rt.UnwatchQuote(longID)
	s.rt.UnwatchQuote(shortID)
	s.mu.Lock()
	credit := s.entryCredit
	s.longLegID, s.shortLegID = types.InstrumentID{}, types.InstrumentID{}
	s.mu.Unlock()

	exitReason := types.ExitReasonTakeProfit
	if reason == "STOP_LOSS" {
		exitReason = types.ExitReasonStopLoss
	}
	netPnL := credit.Sub(limit.Abs()).Mul(decimal.NewFromInt(100))
	s.rt.CloseTradeRecord(time.Now(), limit.Abs(), netPnL, decimal.Zero, exitReason)
}

func roundToStrikeStep(price, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return price
	}
	return price.Div(step).Round(0).Mul(step)
}
