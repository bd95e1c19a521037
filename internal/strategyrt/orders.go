package strategyrt

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// routeOrderEvent dispatches a bus order event to the common bookkeeping
// (dedup, entry recognition, close-confirmation) and then to the concrete
// strategy's own OnOrderEvent/OnOrderFilled handlers. Dedup is keyed on
// ClientOrderID+Status since this system has no separate execution-id
// stream — the same terminal status is never re-delivered for one order by
// the bus, but a strategy restart replaying persisted state could otherwise
// double-process a stale event, which processedOrders guards against.
func (r *Runtime) routeOrderEvent(ctx context.Context, evType appbus.EventType, oe *appbus.OrderEvent) error {
	key := oe.Order.ClientOrderID + ":" + string(oe.Order.Status)
	r.mu.Lock()
	if r.processedOrders[key] {
		r.mu.Unlock()
		return nil
	}
	r.processedOrders[key] = true
	isEntry := oe.Order.ClientOrderID == r.entryOrderID
	r.mu.Unlock()

	switch evType {
	case appbus.EventOrderFilled:
		if isEntry {
			r.onEntryFilled(ctx, oe.Order)
		} else {
			r.onExitFilled(ctx, oe.Order)
		}
		if r.handlers.OnOrderFilled != nil {
			if err := r.handlers.OnOrderFilled(ctx, oe.Order); err != nil {
				return err
			}
		}
	case appbus.EventOrderRejected, appbus.EventOrderCanceled, appbus.EventOrderExpired:
		if !isEntry {
			// A close attempt failed while the position is (presumably) still
			// open: clear the guard so the bracket can retry on the next tick.
			r.MarkClosingDone()
		} else {
			r.mu.Lock()
			r.entryOrderID = ""
			r.mu.Unlock()
		}
	}

	if r.handlers.OnOrderEvent != nil {
		return r.handlers.OnOrderEvent(ctx, evType, oe.Order, oe.Reason)
	}
	return nil
}

func (r *Runtime) onEntryFilled(ctx context.Context, o types.Order) {
	r.mu.Lock()
	r.entryOrderID = ""
	r.activePositionID = o.InstrumentID
	r.mu.Unlock()
	r.Persist(nil)
	r.deps.Logger.Info("entry filled",
		zap.String("strategy_id", r.ID), zap.String("order_id", o.ClientOrderID), zap.String("fill_price", o.AvgFillPrice.String()))
}

func (r *Runtime) onExitFilled(ctx context.Context, o types.Order) {
	r.mu.Lock()
	tradeID := r.activeTradeID
	r.activeTradeID = ""
	r.activePositionID = types.InstrumentID{}
	r.mu.Unlock()
	r.DisarmBracket()
	r.MarkClosingDone()
	r.Persist(nil)
	if tradeID != "" {
		r.deps.Logger.Info("exit filled",
			zap.String("strategy_id", r.ID), zap.String("trade_id", tradeID), zap.String("fill_price", o.AvgFillPrice.String()))
	}
}

// StartTradeRecord opens a trade record asynchronously via the trade
// database worker pool and marks it active for this runtime.
func (r *Runtime) StartTradeRecord(t types.TradeRecord) {
	r.mu.Lock()
	r.activeTradeID = t.TradeID
	r.mu.Unlock()
	r.Persist(nil)
	r.deps.Writer.Submit("start_trade:"+t.TradeID, func(repo *tradedb.Repository) error {
		return repo.StartTrade(t)
	})
}

// CloseTradeRecord closes the active trade record and clears it from the
// runtime. ExitReason is chosen by the caller (typically r.SLTriggered()
// disambiguates stop-loss vs take-profit for a software-monitored bracket).
func (r *Runtime) CloseTradeRecord(exitTime time.Time, exitPrice, grossPnL, commission decimal.Decimal, reason types.ExitReason) {
	r.mu.Lock()
	tradeID := r.activeTradeID
	r.activeTradeID = ""
	r.mu.Unlock()
	if tradeID == "" {
		return
	}
	r.Persist(nil)
	r.deps.Writer.Submit("close_trade:"+tradeID, func(repo *tradedb.Repository) error {
		return repo.CloseTrade(tradeID, exitTime, exitPrice, grossPnL, commission, reason)
	})
}

// UpdateTradeMetrics records a new unrealized-PnL snapshot for the active
// trade; the repository enforces the monotonic max-profit/max-loss
// invariant, so the runtime just forwards the observed sample.
func (r *Runtime) UpdateTradeMetrics(observedProfit, observedLoss decimal.Decimal, observedLossTime time.Time, snapshot types.PnLSample) {
	r.mu.Lock()
	tradeID := r.activeTradeID
	r.mu.Unlock()
	if tradeID == "" {
		return
	}
	r.deps.Writer.Submit("update_metrics:"+tradeID, func(repo *tradedb.Repository) error {
		return repo.UpdateTradeMetrics(tradeID, observedProfit, observedLoss, observedLossTime, snapshot)
	})
}

// RecordOrder persists one order attempt (entry or exit) against the active
// trade. Safe to call for orders that never fill — RecordOrder captures
// rejected/canceled attempts too, per the order history contract.
func (r *Runtime) RecordOrder(rec types.OrderRecord) {
	rec.TradeID = r.activeTradeIDSnapshot()
	rec.StrategyID = r.ID
	r.deps.Writer.Submit("record_order:"+rec.ExchangeOrderID, func(repo *tradedb.Repository) error {
		_, err := repo.RecordOrder(rec)
		return err
	})
}

func (r *Runtime) activeTradeIDSnapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeTradeID
}

// ArmFillTimeout schedules onTimeout to run after d with the entry order's
// cached state (ok is false when the order is not in the cache); onTimeout
// runs whatever the order's status and decides itself what a terminal
// order means. Used by the fill-timeout handling
// required by the 15-minute and 1DTE spread strategies (partial or zero
// fills left working past the strategy's patience window).
func (r *Runtime) ArmFillTimeout(clientOrderID string, d time.Duration, onTimeout func(o types.Order, ok bool)) {
	r.deps.Clock.SetTimeAlert(fillTimeoutAlertName(clientOrderID), d, func(time.Time) {
		o, ok := r.deps.Cache.Order(clientOrderID)
		onTimeout(o, ok)
	})
}

// CancelFillTimeout disarms a previously-armed fill timeout, e.g. because
// the order filled before the window elapsed.
func (r *Runtime) CancelFillTimeout(clientOrderID string) {
	r.deps.Clock.CancelAlert(fillTimeoutAlertName(clientOrderID))
}

func fillTimeoutAlertName(clientOrderID string) string { return "filltimeout:" + clientOrderID }
