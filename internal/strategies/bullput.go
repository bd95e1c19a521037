package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/optionsearch"
	"github.com/atlas-desktop/options-trading-supervisor/internal/strategyrt"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

const (
	dailyBarPeriod  = 24 * time.Hour
	maxTrendHistory = 60
)

// BullPutStrategy is the SPX 1DTE bull put credit spread (§4.8.4): a
// bullish-only range-breakout entry gated by an ES trend filter (EMA20,
// VWMA14, 1-minute SMA10), short/long legs picked by target delta, and
// a credit-percentage SL/TP monitored tick-by-tick like the 15-minute
// spread. Positions may be held overnight into the next session.
type BullPutStrategy struct {
	rt     *strategyrt.Runtime
	engine *RangeEngine
	loc    *time.Location

	underlying   string
	esInstrument types.InstrumentID

	orderSize    decimal.Decimal
	strikeStep   decimal.Decimal
	shortDelta   decimal.Decimal
	longDelta    decimal.Decimal
	impliedVol   decimal.Decimal
	riskFreeRate decimal.Decimal

	slCreditPercent decimal.Decimal
	tpCreditPercent decimal.Decimal

	entryCutoffHour     int
	entryCutoffMinute   int
	fillTimeoutDuration time.Duration

	ema20Period          int
	vwmaPeriod           int
	sma10Period          int
	requireStrongReclaim bool
	requireTwoDayConfirm bool
	macroEventDates      map[string]bool
	blockDayBefore       bool

	mu              sync.Mutex
	currentDate     string
	tradedToday     bool
	entryInProgress bool
	blockedToday    bool

	dailyCloses []float64
	dailyOpens  []float64
	dailyVols   []float64
	minuteCloes []float64

	shortLegID    types.InstrumentID
	longLegID     types.InstrumentID
	shortStrike   decimal.Decimal
	longStrike    decimal.Decimal
	entryCredit   decimal.Decimal
	lastStatusLog time.Time

	subs []appbus.Subscription
}

// NewBullPutStrategy constructs the 1DTE bull put spread strategy.
func NewBullPutStrategy(cfg types.StrategyConfig, deps strategyrt.Deps) (*BullPutStrategy, error) {
	p := cfg.Parameters
	loc := loadLocation(paramString(p, "timezone", ""))

	macro := make(map[string]bool)
	for _, d := range paramStringSlice(p, "macroEventDates") {
		macro[d] = true
	}

	s := &BullPutStrategy{
		engine:       NewRangeEngine(paramInt(p, "openHour", 9), paramInt(p, "openMinute", 30), paramInt(p, "rangeMinutes", 15), loc),
		loc:          loc,
		underlying:   paramString(p, "underlying", cfg.InstrumentID),
		esInstrument: types.InstrumentID{Symbol: paramString(p, "esSymbol", "ES"), Venue: paramString(p, "esVenue", "CME")},

		orderSize:    decimal.NewFromInt(int64(paramInt(p, "orderSize", cfg.OrderSize))),
		strikeStep:   paramDecimal(p, "strikeStep", decimal.NewFromInt(5)),
		shortDelta:   paramDecimal(p, "shortDelta", decimal.NewFromFloat(-0.25)),
		longDelta:    paramDecimal(p, "longDelta", decimal.NewFromFloat(-0.14)),
		impliedVol:   paramDecimal(p, "impliedVolatility", decimal.NewFromFloat(0.15)),
		riskFreeRate: paramDecimal(p, "riskFreeRate", decimal.NewFromFloat(0.05)),

		slCreditPercent: paramDecimal(p, "slCreditPercent", decimal.NewFromInt(180)),
		tpCreditPercent: paramDecimal(p, "tpCreditPercent", decimal.NewFromInt(40)),

		entryCutoffHour:     paramInt(p, "entryCutoffHour", 15),
		entryCutoffMinute:   paramInt(p, "entryCutoffMinute", 30),
		fillTimeoutDuration: time.Duration(paramInt(p, "fillTimeoutSeconds", 30)) * time.Second,

		ema20Period:          paramInt(p, "ema20Period", 20),
		vwmaPeriod:           paramInt(p, "vwmaPeriod", 14),
		sma10Period:          paramInt(p, "sma10Period", 10),
		requireStrongReclaim: paramBool(p, "requireStrongReclaim", false),
		requireTwoDayConfirm: paramBool(p, "requireTwoDayConfirm", false),
		macroEventDates:      macro,
		blockDayBefore:       paramBool(p, "blockDayBeforeMacroEvent", true),
	}

	instrumentID := types.InstrumentID{Symbol: cfg.InstrumentID, Venue: "PAPER"}
	rt := strategyrt.New(cfg.ID, cfg, instrumentID, deps, strategyrt.EventHandlers{OnBar: s.onBar, OnQuote: s.onQuote})
	s.rt = rt

	if err := deps.Clock.AddCronJob("0 0 0 * * *", &bullPutCalendarJob{s: s}); err != nil {
		deps.Logger.Warn("bullput: calendar cron registration failed", zap.String("strategy_id", cfg.ID), zap.Error(err))
	}
	return s, nil
}

func (s *BullPutStrategy) ID() string                   { return s.rt.ID }
func (s *BullPutStrategy) Status() types.LifecycleStatus { return s.rt.Status() }

// Start boots the shared runtime plus this strategy's own ES bar
// subscription, which carries both the daily and 1-minute feeds needed for
// the trend filter (the runtime's OnBar only forwards bars for the
// underlying index, not the futures trend instrument).
func (s *BullPutStrategy) Start(ctx context.Context) error {
	if err := s.rt.Start(ctx); err != nil {
		return err
	}
	deps := s.rt.Deps()
	sub := deps.Bus.Subscribe(appbus.EventBar, s.safeESBar())
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	s.refreshCalendarBlock()
	return nil
}

func (s *BullPutStrategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	deps := s.rt.Deps()
	for _, sub := range subs {
		deps.Bus.Unsubscribe(sub)
	}
	return s.rt.Stop(ctx)
}

// Reset preserves an open overnight position's state: only the per-day
// scan flags are cleared, mirroring the daily-reset contract that a 1DTE
// spread holding into the next session must survive reset untouched.
func (s *BullPutStrategy) Reset() error {
	s.engine.Reset()
	s.mu.Lock()
	s.tradedToday, s.entryInProgress = false, false
	s.mu.Unlock()
	if s.rt.HasActiveTrade() {
		return nil
	}
	return s.rt.Reset()
}

func (s *BullPutStrategy) safeESBar() appbus.Handler {
	return func(ev appbus.Event) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.rt.Deps().Logger.Error("bullput: ES bar handler panic",
					zap.String("strategy_id", s.rt.ID), zap.Any("panic", r))
				err = fmt.Errorf("recovered panic: %v", r)
			}
		}()
		be := ev.(*appbus.BarEvent)
		if be.Bar.InstrumentID != s.esInstrument {
			return nil
		}
		s.onESBar(be.Bar)
		return nil
	}
}

func (s *BullPutStrategy) onESBar(b types.Bar) {
	closeF, _ := b.Close.Float64()

	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Period >= dailyBarPeriod {
		openF, _ := b.Open.Float64()
		volF, _ := b.Volume.Float64()
		s.dailyCloses = appendCapped(s.dailyCloses, closeF, maxTrendHistory)
		s.dailyOpens = appendCapped(s.dailyOpens, openF, maxTrendHistory)
		s.dailyVols = appendCapped(s.dailyVols, volF, maxTrendHistory)
	} else {
		s.minuteCloes = appendCapped(s.minuteCloes, closeF, maxTrendHistory)
	}
}

func appendCapped(buf []float64, v float64, maxLen int) []float64 {
	buf = append(buf, v)
	if len(buf) > maxLen {
		buf = buf[len(buf)-maxLen:]
	}
	return buf
}

// bullPutCalendarJob re-evaluates the macro-event blackout window once a day
// via the shared cron facility, per §4.8.4's calendar block.
type bullPutCalendarJob struct{ s *BullPutStrategy }

func (j *bullPutCalendarJob) Name() string { return "bullput-calendar:" + j.s.rt.ID }
func (j *bullPutCalendarJob) Run() error   { j.s.refreshCalendarBlock(); return nil }

func (s *BullPutStrategy) refreshCalendarBlock() {
	now := s.rt.Deps().Clock.Now().In(s.loc)
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")

	blocked := s.macroEventDates[today]
	if s.blockDayBefore && s.macroEventDates[tomorrow] {
		blocked = true
	}
	s.mu.Lock()
	s.blockedToday = blocked
	s.mu.Unlock()
}

// trendAligned reports whether ES satisfies all three components of the
// bullish trend filter, per go-talib rather than a hand-rolled recurrence
// (VWMA has no talib equivalent and is computed in-package below).
func (s *BullPutStrategy) trendAligned(esSpot float64) bool {
	s.mu.Lock()
	dailyCloses := append([]float64(nil), s.dailyCloses...)
	dailyOpens := append([]float64(nil), s.dailyOpens...)
	dailyVols := append([]float64(nil), s.dailyVols...)
	minuteCloses := append([]float64(nil), s.minuteCloes...)
	requireStrong := s.requireStrongReclaim
	requireTwoDay := s.requireTwoDayConfirm
	s.mu.Unlock()

	if len(dailyCloses) < s.ema20Period || len(dailyCloses) < s.vwmaPeriod || len(minuteCloses) < s.sma10Period {
		return false
	}

	ema := talib.Ema(dailyCloses, s.ema20Period)
	ema20 := ema[len(ema)-1]
	if esSpot <= ema20 {
		return false
	}

	vwma := vwmaLast(dailyCloses, dailyVols, s.vwmaPeriod)
	if esSpot <= vwma {
		return false
	}

	sma := talib.Sma(minuteCloses, s.sma10Period)
	sma10 := sma[len(sma)-1]
	if esSpot <= sma10 {
		return false
	}

	if requireStrong {
		priorClose := dailyCloses[len(dailyCloses)-2]
		priorOpen := dailyOpens[len(dailyOpens)-2]
		priorEMA := ema[len(ema)-2]
		if !(priorClose > priorEMA && priorClose > priorOpen) {
			return false
		}
	}
	if requireTwoDay {
		if len(ema) < 2 || !(dailyCloses[len(dailyCloses)-1] > ema[len(ema)-1] && dailyCloses[len(dailyCloses)-2] > ema[len(ema)-2]) {
			return false
		}
	}
	return true
}

// vwmaLast computes the volume-weighted moving average of the last period
// closes: Σ(close×volume)/Σ(volume). go-talib has no VWMA, so this is
// hand-rolled rather than reached for a library that doesn't cover it.
func vwmaLast(closes, vols []float64, period int) float64 {
	n := len(closes)
	if n < period || len(vols) < period {
		return 0
	}
	var num, den float64
	for i := n - period; i < n; i++ {
		num += closes[i] * vols[i]
		den += vols[i]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (s *BullPutStrategy) onBar(ctx context.Context, b types.Bar) error {
	s.engine.Observe(b.Timestamp, b.Close)
	local := b.Timestamp.In(s.loc)
	date := local.Format("2006-01-02")

	s.mu.Lock()
	if date != s.currentDate {
		s.currentDate = date
		s.tradedToday = false
	}
	blocked := s.tradedToday || s.entryInProgress || s.blockedToday
	s.mu.Unlock()

	if blocked || s.rt.HasActiveTrade() {
		return nil
	}
	if local.Hour() > s.entryCutoffHour || (local.Hour() == s.entryCutoffHour && local.Minute() >= s.entryCutoffMinute) {
		return nil
	}

	orHigh, _, calculated := s.engine.Snapshot()
	if !calculated || !b.Close.GreaterThan(orHigh) {
		return nil
	}

	deps := s.rt.Deps()
	esQuote, ok := deps.Cache.Quote(s.esInstrument)
	if !ok || esQuote.Mid().IsZero() {
		return nil
	}
	esSpot, _ := esQuote.Mid().Float64()
	if !s.trendAligned(esSpot) {
		return nil
	}

	s.mu.Lock()
	s.entryInProgress = true
	s.mu.Unlock()
	go s.enterSpread(ctx, b.Close, b.Timestamp)
	return nil
}

func (s *BullPutStrategy) enterSpread(ctx context.Context, triggerPrice decimal.Decimal, signalTime time.Time) {
	deps := s.rt.Deps()
	abort := func() {
		s.mu.Lock()
		s.entryInProgress = false
		s.mu.Unlock()
	}

	spot, ok := deps.Cache.Quote(types.InstrumentID{Symbol: s.underlying, Venue: "PAPER"})
	if !ok || spot.Mid().IsZero() {
		deps.Logger.Warn("bullput: no spot quote available, skipping entry", zap.String("strategy_id", s.rt.ID))
		abort()
		return
	}

	expiration := time.Date(signalTime.Year(), signalTime.Month(), signalTime.Day()+1, 16, 0, 0, 0, s.loc) // 1DTE
	params := optionsearch.Params{
		Underlying: s.underlying,
		Kind:       types.OptionKindPut,
		Expiration: expiration,
		SpotPrice:  spot.Mid(),
		StrikeStep: s.strikeStep,
	}

	if _, err := deps.OptionSearch.FindOptionByDelta(ctx, s.shortDelta, s.impliedVol, s.riskFreeRate, params, func(searchID string, winner *types.Instrument, quote *types.Quote) {
		if winner == nil {
			deps.Logger.Info("bullput: no short-leg candidate found", zap.String("strategy_id", s.rt.ID))
			abort()
			return
		}
		s.onShortLegFound(ctx, *winner, params, abort)
	}); err != nil {
		deps.Logger.Error("bullput: short-leg search failed to start", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		abort()
	}
}

// onShortLegFound chains the long-leg delta search once the short leg
// resolves, so both legs are available before the spread is composed.
func (s *BullPutStrategy) onShortLegFound(ctx context.Context, short types.Instrument, params optionsearch.Params, abort func()) {
	deps := s.rt.Deps()
	if _, err := deps.OptionSearch.FindOptionByDelta(ctx, s.longDelta, s.impliedVol, s.riskFreeRate, params, func(searchID string, winner *types.Instrument, quote *types.Quote) {
		if winner == nil {
			deps.Logger.Info("bullput: no long-leg candidate found", zap.String("strategy_id", s.rt.ID))
			abort()
			return
		}
		s.onBothLegsFound(ctx, short, *winner, abort)
	}); err != nil {
		deps.Logger.Error("bullput: long-leg search failed to start", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		abort()
	}
}

func (s *BullPutStrategy) onBothLegsFound(ctx context.Context, short, long types.Instrument, abort func()) {
	deps := s.rt.Deps()

	// Bull put invariant: the long (protective) leg strikes below the
	// short (premium-collecting) leg. A delta search can in principle pick
	// legs that violate this if the chain is thin; abort rather than open
	// a malformed spread.
	if !long.Strike.LessThan(short.Strike) {
		deps.Logger.Warn("bullput: delta search produced inverted strikes, aborting",
			zap.String("strategy_id", s.rt.ID), zap.String("short_strike", short.Strike.String()), zap.String("long_strike", long.Strike.String()))
		abort()
		return
	}

	longQ, ok1 := deps.Cache.Quote(long.ID)
	shortQ, ok2 := deps.Cache.Quote(short.ID)
	if !ok1 || !ok2 {
		abort()
		return
	}
	spreadMid := longQ.Mid().Sub(shortQ.Mid())
	credit := spreadMid.Neg()
	if !credit.IsPositive() {
		deps.Logger.Info("bullput: non-positive credit, skipping", zap.String("strategy_id", s.rt.ID))
		abort()
		return
	}

	clientOrderID := uuid.NewString()
	legs := []broker.SpreadLeg{
		{Spec: broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: long.Strike, Kind: types.OptionKindPut, Expiration: long.Expiration}, Ratio: 1},
		{Spec: broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: short.Strike, Kind: types.OptionKindPut, Expiration: short.Expiration}, Ratio: -1},
	}
	req := broker.SubmitRequest{
		ClientOrderID: clientOrderID,
		Side:          types.OrderSideSell,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    spreadMid,
		TimeInForce:   types.TimeInForceDay,
	}
	if _, err := s.rt.SubmitSpreadEntry(ctx, legs, req); err != nil {
		deps.Logger.Error("bullput: spread submission failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		abort()
		return
	}

	s.rt.WatchQuote(long.ID)
	s.rt.WatchQuote(short.ID)
	s.mu.Lock()
	s.longLegID, s.shortLegID = long.ID, short.ID
	s.longStrike, s.shortStrike = long.Strike, short.Strike
	s.entryCredit = credit
	s.tradedToday = true
	s.entryInProgress = false
	s.mu.Unlock()
	s.rt.Persist(map[string]any{"tradedToday": true, "entryCredit": credit.String()})

	s.rt.StartTradeRecord(types.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.rt.ID, time.Now().UnixNano()),
		StrategyID:   s.rt.ID,
		InstrumentID: short.ID,
		TradeType:    "BULL_PUT_SPREAD",
		EntryTime:    time.Now(),
		EntryPrice:   credit,
		Quantity:     s.orderSize,
		Direction:    types.OrderSideSell,
		Status:       types.TradeStatusOpen,
		Legs: []types.TradeLeg{
			{InstrumentID: long.ID, Strike: long.Strike, Kind: types.OptionKindPut, Ratio: 1},
			{InstrumentID: short.ID, Strike: short.Strike, Kind: types.OptionKindPut, Ratio: -1},
		},
	})

	if s.fillTimeoutDuration > 0 {
		s.rt.ArmFillTimeout(clientOrderID, s.fillTimeoutDuration, s.onFillTimeout)
	}
}

func (s *BullPutStrategy) onFillTimeout(o types.Order, found bool) {
	deps := s.rt.Deps()
	if !found || o.Status.IsTerminal() {
		return
	}
	if o.FilledQuantity.IsZero() {
		_ = deps.Broker.CancelOrder(context.Background(), o.ClientOrderID)
		s.mu.Lock()
		s.tradedToday = false
		s.mu.Unlock()
		deps.Logger.Info("bullput: zero-fill timeout, entry cleared", zap.String("strategy_id", s.rt.ID))
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

func (s *BullPutStrategy) onQuote(ctx context.Context, q types.Quote) error {
	s.mu.Lock()
	longID, shortID := s.longLegID, s.shortLegID
	credit := s.entryCredit
	lastLog := s.lastStatusLog
	s.mu.Unlock()
	if !s.rt.HasActiveTrade() || longID == (types.InstrumentID{}) {
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

	// SL/TP are expressed as percentages of the collected credit (§4.8.4:
	// SL=180% of credit, TP=40% of credit) rather than fixed dollar amounts.
	stop := credit.Add(credit.Mul(s.slCreditPercent).Div(decimal.NewFromInt(100))).Neg()
	tp := credit.Sub(credit.Mul(s.tpCreditPercent).Div(decimal.NewFromInt(100))).Neg()

	if time.Since(lastLog) > 30*time.Second {
		deps.Logger.Info("bullput status", zap.String("strategy_id", s.rt.ID),
			zap.String("mid", mid.String()), zap.String("stop", stop.String()), zap.String("tp", tp.String()))
		s.mu.Lock()
		s.lastStatusLog = time.Now()
		s.mu.Unlock()
	}

	if mid.LessThanOrEqual(stop) {
		s.closeSpread(ctx, types.ExitReasonStopLoss, mid.Sub(decimal.NewFromFloat(0.05)))
		return nil
	}
	if mid.GreaterThanOrEqual(tp) {
		s.closeSpread(ctx, types.ExitReasonTakeProfit, mid)
		return nil
	}
	return nil
}

// closeSpread submits the closing legs as a single combo order (so a
// parent fill price is available), per the Open Question decision that
// net_pnl on close prefers the parent spread order's average fill price
// over the locally tracked limit when both are available.
func (s *BullPutStrategy) closeSpread(ctx context.Context, reason types.ExitReason, limit decimal.Decimal) {
	s.mu.Lock()
	longID, shortID, longStrike, shortStrike := s.longLegID, s.shortLegID, s.longStrike, s.shortStrike
	s.mu.Unlock()

	deps := s.rt.Deps()
	_ = deps.Broker.CancelAllOrders(ctx)

	clientOrderID := uuid.NewString()
	legs := []broker.SpreadLeg{
		{Spec: broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: longStrike, Kind: types.OptionKindPut}, Ratio: -1},
		{Spec: broker.InstrumentSpec{Symbol: s.underlying, AssetClass: types.AssetClassOption, Strike: shortStrike, Kind: types.OptionKindPut}, Ratio: 1},
	}
	orderID, err := deps.Broker.CreateSpread(ctx, legs, broker.SubmitRequest{
		ClientOrderID: clientOrderID,
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      s.orderSize,
		LimitPrice:    limit.Abs(),
		TimeInForce:   types.TimeInForceDay,
	})
	if err != nil {
		deps.Logger.Error("bullput: close failed", zap.Error(err), zap.String("strategy_id", s.rt.ID))
		return
	}

	s.rt.UnwatchQuote(longID)
	s.rt.UnwatchQuote(shortID)
	s.mu.Lock()
	credit := s.entryCredit
	s.longLegID, s.shortLegID = types.InstrumentID{}, types.InstrumentID{}
	s.mu.Unlock()

	exitPrice := extractExitPrice(deps.Cache, orderID, limit.Abs())
	netPnL := credit.Sub(exitPrice).Mul(decimal.NewFromInt(100))
	s.rt.CloseTradeRecord(time.Now(), exitPrice, netPnL, decimal.Zero, reason)
}

// extractExitPrice prefers the parent spread order's recorded average fill
// price; falls back to the locally tracked limit price if the order isn't
// (yet) in the cache, e.g. resolved before a fill event lands.
func extractExitPrice(cache *appbus.Cache, clientOrderID string, fallback decimal.Decimal) decimal.Decimal {
	o, ok := cache.Order(clientOrderID)
	if ok && !o.AvgFillPrice.IsZero() {
		return o.AvgFillPrice
	}
	return fallback
}
