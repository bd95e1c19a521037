// Package strategyrt implements the strategy runtime base (C7): the
// lifecycle state machine, safe callback envelope, bracket-order helpers,
// software stop-loss fallback, and trade-record hooks shared by every
// concrete strategy in internal/strategies. A concrete strategy embeds
// *Runtime and supplies EventHandlers for the price/order events it cares
// about; Runtime owns everything else — subscriptions, persistence,
// safety — so a strategy author only writes trading logic.
package strategyrt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/internal/optionsearch"
	"github.com/atlas-desktop/options-trading-supervisor/internal/persistence"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

var (
	ErrAlreadyRunning = errors.New("strategyrt: already running")
	ErrNotRunning     = errors.New("strategyrt: not running")
)

// EventHandlers are the callbacks a concrete strategy supplies. Each is
// invoked inside the runtime's safe envelope (panic recover + error log);
// a nil handler is simply skipped.
type EventHandlers struct {
	OnQuote       func(ctx context.Context, q types.Quote) error
	OnBar         func(ctx context.Context, b types.Bar) error
	OnOrderFilled func(ctx context.Context, o types.Order) error
	OnOrderEvent  func(ctx context.Context, evType appbus.EventType, o types.Order, reason string) error
	OnDailyReset  func(ctx context.Context) error
}

// Deps bundles the collaborators every concrete strategy is constructed
// with — passed explicitly at construction rather than reached through a
// global, per SPEC_FULL.md §9's "global singletons become explicit
// dependencies" design note.
type Deps struct {
	Logger       *zap.Logger
	Store        *persistence.Store
	Writer       *tradedb.AsyncWriter
	Repo         *tradedb.Repository
	Broker       broker.ExchangeAdapter
	Bus          *appbus.Bus
	Cache        *appbus.Cache
	Clock        *clock.Clock
	OptionSearch *optionsearch.Engine
}

// Runtime is the strategy core: lifecycle, subscriptions, bracket
// machinery, and trade-record bookkeeping, shared by every strategy type.
type Runtime struct {
	ID     string
	Config types.StrategyConfig
	Instrument types.InstrumentID

	deps     Deps
	handlers EventHandlers

	mu     sync.Mutex
	status types.LifecycleStatus
	subs   []appbus.Subscription

	// Bracket / close-tracking guards (§4.7).
	closingInProgress bool
	slTriggered       bool
	entryOrderID      string
	activeTradeID     string
	activePositionID  types.InstrumentID
	processedOrders   map[string]bool

	bracketArmed  bool
	bracketSide   types.OrderSide // side of the close order, i.e. opposite of the held position
	slPrice       decimal.Decimal
	tpPrice       decimal.Decimal
	softwareSL    bool
	closeCallback CloseCallback

	// watchedInstruments extends quote pass-through beyond r.Instrument and
	// r.activePositionID — needed by multi-leg strategies, whose individual
	// legs never equal the synthetic combo id the broker assigns a spread
	// entry's activePositionID.
	watchedInstruments map[types.InstrumentID]bool
}

// New constructs a strategy runtime in the NEW lifecycle state.
func New(id string, cfg types.StrategyConfig, instrument types.InstrumentID, deps Deps, handlers EventHandlers) *Runtime {
	return &Runtime{
		ID:                 id,
		Config:             cfg,
		Instrument:         instrument,
		deps:               deps,
		handlers:           handlers,
		status:             types.LifecycleNew,
		processedOrders:    make(map[string]bool),
		watchedInstruments: make(map[types.InstrumentID]bool),
	}
}

// Deps returns the runtime's dependency bundle, for a concrete strategy's
// own handlers to reach the broker/cache/option-search engine directly.
func (r *Runtime) Deps() Deps { return r.deps }

func (r *Runtime) Status() types.LifecycleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HasActiveTrade reports whether a trade record is currently open.
func (r *Runtime) HasActiveTrade() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeTradeID != ""
}

// HasPendingEntry reports whether an entry order has been submitted but not
// yet reached a terminal status.
func (r *Runtime) HasPendingEntry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryOrderID != ""
}

// WatchQuote registers an instrument for quote pass-through to OnQuote,
// beyond r.Instrument and the currently-held position. Multi-leg strategies
// call this for each leg once resolved, since the broker's synthetic combo
// id never equals an individual leg's instrument id.
func (r *Runtime) WatchQuote(id types.InstrumentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchedInstruments[id] = true
}

// UnwatchQuote removes a previously-watched instrument, e.g. once a spread
// position is closed and its legs no longer need tick-by-tick monitoring.
func (r *Runtime) UnwatchQuote(id types.InstrumentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchedInstruments, id)
}

// ActivePositionID returns the instrument currently held, or the zero value
// if flat. Set when the entry order fills, cleared when the exit fills.
func (r *Runtime) ActivePositionID() types.InstrumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activePositionID
}

// ActiveTradeID returns the currently open trade record id, or "" if flat.
func (r *Runtime) ActiveTradeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeTradeID
}

// Start transitions NEW/READY/STOPPED → RUNNING. Idempotent: calling Start
// on an already-RUNNING strategy is a no-op. STOPPED strategies are
// implicitly reset first, matching the manager's "handles STOPPED/READY/
// RUNNING transitions, performs Reset if terminal" contract (§4.9).
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status == types.LifecycleRunning {
		r.mu.Unlock()
		return nil
	}
	if r.status == types.LifecycleStopped {
		r.resetLocked()
	}
	r.status = types.LifecycleRunning
	r.mu.Unlock()

	r.loadState()
	r.subscribe(ctx)
	r.deps.Logger.Info("strategy started", zap.String("strategy_id", r.ID))
	return nil
}

// Stop transitions RUNNING/READY → STOPPING → STOPPED. Best-effort drains
// pending exits (cancel-all-orders) before tearing down subscriptions, and
// persists state on the way out.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.status == types.LifecycleStopped || r.status == types.LifecycleNew {
		r.mu.Unlock()
		return nil
	}
	r.status = types.LifecycleStopping
	r.mu.Unlock()

	if err := r.deps.Broker.CancelAllOrders(ctx); err != nil {
		r.deps.Logger.Warn("strategy stop: cancel all orders failed", zap.String("strategy_id", r.ID), zap.Error(err))
	}
	r.unsubscribe()
	r.saveState()

	r.mu.Lock()
	r.status = types.LifecycleStopped
	r.mu.Unlock()
	r.deps.Logger.Info("strategy stopped", zap.String("strategy_id", r.ID))
	return nil
}

// Reset re-arms a STOPPED or NEW strategy to READY, clearing all runtime
// guards. Any other status (READY included) returns an error.
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != types.LifecycleStopped && r.status != types.LifecycleNew {
		return fmt.Errorf("strategyrt: reset only valid from STOPPED/NEW, got %s", r.status)
	}
	r.resetLocked()
	return nil
}

func (r *Runtime) resetLocked() {
	r.status = types.LifecycleResetting
	r.closingInProgress = false
	r.slTriggered = false
	r.entryOrderID = ""
	r.bracketArmed = false
	r.processedOrders = make(map[string]bool)
	r.watchedInstruments = make(map[types.InstrumentID]bool)
	r.status = types.LifecycleReady
}

func (r *Runtime) subscribe(ctx context.Context) {
	r.subs = append(r.subs,
		r.deps.Bus.Subscribe(appbus.EventQuoteTick, r.safeOrderAgnostic(func(ev appbus.Event) error {
			qe := ev.(*appbus.QuoteTickEvent)
			r.mu.Lock()
			watched := qe.Quote.InstrumentID == r.Instrument ||
				qe.Quote.InstrumentID == r.activePositionID ||
				r.watchedInstruments[qe.Quote.InstrumentID]
			r.mu.Unlock()
			if !watched {
				return nil
			}
			r.evaluateBracket(ctx, qe.Quote)
			if r.handlers.OnQuote != nil {
				return r.handlers.OnQuote(ctx, qe.Quote)
			}
			return nil
		})),
		r.deps.Bus.Subscribe(appbus.EventBar, r.safeOrderAgnostic(func(ev appbus.Event) error {
			be := ev.(*appbus.BarEvent)
			if be.Bar.InstrumentID != r.Instrument {
				return nil
			}
			if r.handlers.OnBar != nil {
				return r.handlers.OnBar(ctx, be.Bar)
			}
			return nil
		})),
	)
	for _, t := range []appbus.EventType{
		appbus.EventOrderSubmitted, appbus.EventOrderAccepted, appbus.EventOrderRejected,
		appbus.EventOrderPartiallyFilled, appbus.EventOrderFilled, appbus.EventOrderCanceled, appbus.EventOrderExpired,
	} {
		evType := t
		r.subs = append(r.subs, r.deps.Bus.Subscribe(evType, r.safeOrderAgnostic(func(ev appbus.Event) error {
			oe := ev.(*appbus.OrderEvent)
			return r.routeOrderEvent(ctx, evType, oe)
		})))
	}
}

func (r *Runtime) unsubscribe() {
	for _, s := range r.subs {
		r.deps.Bus.Unsubscribe(s)
	}
	r.subs = nil
}

// safeOrderAgnostic wraps a bus handler with panic recovery independent of
// the bus's own containment, so a failure here is attributable to this
// strategy's subscription in logs (§4.7, §7: "fully contained by the
// safe-envelope; the strategy continues").
func (r *Runtime) safeOrderAgnostic(fn appbus.Handler) appbus.Handler {
	return func(ev appbus.Event) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				r.deps.Logger.Error("strategy callback panic",
					zap.String("strategy_id", r.ID), zap.Any("panic", rec), zap.Stack("stack"))
				err = fmt.Errorf("recovered panic: %v", rec)
			}
		}()
		return fn(ev)
	}
}

func (r *Runtime) loadState() {
	if !r.deps.Store.HasStrategyState(r.ID) {
		return
	}
	state, err := r.deps.Store.LoadStrategyState(r.ID)
	if err != nil {
		r.deps.Logger.Warn("load strategy state failed", zap.String("strategy_id", r.ID), zap.Error(err))
		return
	}
	r.ApplyPersistedState(state)
}

func (r *Runtime) saveState() {
	if err := r.deps.Store.SaveStrategyState(r.ID, r.Snapshot()); err != nil {
		r.deps.Logger.Warn("save strategy state failed", zap.String("strategy_id", r.ID), zap.Error(err))
	}
}

// Snapshot returns the runtime-owned portion of persisted state. Concrete
// strategies add their own fields (range/breach flags, etc.) through
// Persist — Runtime only owns the bracket/trade-tracking fields that are
// common to all of them.
func (r *Runtime) Snapshot() types.StrategyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.StrategyState{
		"activeTradeID":    r.activeTradeID,
		"entryOrderID":     r.entryOrderID,
		"bracketArmed":     r.bracketArmed,
		"closingInProgress": r.closingInProgress,
	}
}

// ApplyPersistedState restores the common runtime fields from a loaded
// state document; Start calls it through loadState. Strategy-specific
// fields in the same document are not restored here.
func (r *Runtime) ApplyPersistedState(state types.StrategyState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := state["activeTradeID"].(string); ok {
		r.activeTradeID = v
	}
	if v, ok := state["entryOrderID"].(string); ok {
		r.entryOrderID = v
	}
}

// Persist saves an up-to-date combined state document — the runtime's own
// fields merged with whatever extra fields the caller supplies. Call this
// on every meaningful mutation, per §4.7 ("persist on every meaningful
// mutation").
func (r *Runtime) Persist(extra types.StrategyState) {
	state := r.Snapshot()
	for k, v := range extra {
		state[k] = v
	}
	if err := r.deps.Store.SaveStrategyState(r.ID, state); err != nil {
		r.deps.Logger.Warn("persist strategy state failed", zap.String("strategy_id", r.ID), zap.Error(err))
	}
}

func (r *Runtime) time() time.Time { return r.deps.Clock.Now() }
