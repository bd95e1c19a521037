package strategyrt

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// SubmitEntryOrder submits the entry leg and records its client order id so
// the fill/timeout routing in routeOrderEvent recognizes it. Only one
// entry is tracked at a time; a second call replaces the first.
func (r *Runtime) SubmitEntryOrder(ctx context.Context, req broker.SubmitRequest) (string, error) {
	id, err := r.deps.Broker.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entryOrderID = req.ClientOrderID
	r.mu.Unlock()
	r.Persist(nil)
	return id, nil
}

// SubmitSpreadEntry submits a multi-leg combo as the trade's entry order.
func (r *Runtime) SubmitSpreadEntry(ctx context.Context, legs []broker.SpreadLeg, req broker.SubmitRequest) (string, error) {
	id, err := r.deps.Broker.CreateSpread(ctx, legs, req)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entryOrderID = req.ClientOrderID
	r.mu.Unlock()
	r.Persist(nil)
	return id, nil
}

// ArmBracket records the close-side and stop-loss/take-profit thresholds
// evaluated against every subsequent quote tick for the held instrument. SL
// is checked before TP on a tick that happens to cross both (a gap-through
// bar), matching the convention that capital preservation wins ties.
//
// This system has no resting broker-side stop order type (SubmitRequest
// only models MARKET/LIMIT) — SL and TP are both software-monitored here
// uniformly, rather than SL-as-fallback-only, which simplifies the runtime
// at the cost of depending on a live quote tick to trigger (acceptable:
// quotes stream continuously while a position is held).
func (r *Runtime) ArmBracket(closeSide types.OrderSide, slPrice, tpPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bracketArmed = true
	r.bracketSide = closeSide
	r.slPrice = slPrice
	r.tpPrice = tpPrice
	r.slTriggered = false
}

// DisarmBracket clears the SL/TP thresholds, e.g. once the position is flat.
func (r *Runtime) DisarmBracket() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bracketArmed = false
}

// CloseCallback is supplied by a concrete strategy to perform the actual
// close-order submission once the bracket decides a close is warranted;
// Runtime only owns the decision of *when*, not the mechanics of *how*
// (single-leg market close vs multi-leg spread close differ per strategy).
type CloseCallback func(ctx context.Context, reason string)

func (r *Runtime) evaluateBracket(ctx context.Context, q types.Quote) {
	r.mu.Lock()
	armed := r.bracketArmed
	closing := r.closingInProgress
	slPrice := r.slPrice
	tpPrice := r.tpPrice
	side := r.bracketSide
	r.mu.Unlock()
	if !armed || closing || !q.Valid() {
		return
	}

	mid := q.Mid()
	var breach bool
	var reason string
	switch side {
	case types.OrderSideBuy: // closing a short position: price rising through SL is bad, falling through TP is good
		if !slPrice.IsZero() && mid.GreaterThanOrEqual(slPrice) {
			breach, reason = true, "STOP_LOSS"
		} else if !tpPrice.IsZero() && mid.LessThanOrEqual(tpPrice) {
			breach, reason = true, "TAKE_PROFIT"
		}
	default: // OrderSideSell: closing a long position: price falling through SL is bad, rising through TP is good
		if !slPrice.IsZero() && mid.LessThanOrEqual(slPrice) {
			breach, reason = true, "STOP_LOSS"
		} else if !tpPrice.IsZero() && mid.GreaterThanOrEqual(tpPrice) {
			breach, reason = true, "TAKE_PROFIT"
		}
	}
	if !breach {
		return
	}

	r.mu.Lock()
	r.closingInProgress = true
	if reason == "STOP_LOSS" {
		r.slTriggered = true
	}
	cb := r.closeCallback
	r.mu.Unlock()

	r.deps.Logger.Info("bracket breached",
		zap.String("strategy_id", r.ID), zap.String("reason", reason), zap.String("mid", mid.String()))
	if cb != nil {
		cb(ctx, reason)
	}
}

// SetCloseCallback registers the strategy-specific close mechanics invoked
// when the bracket breaches.
func (r *Runtime) SetCloseCallback(cb CloseCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCallback = cb
}

// MarkClosingDone clears closingInProgress after a close attempt fails
// (rejected/canceled) and the position is confirmed still open, so the
// bracket can re-arm and try again on the next breach.
func (r *Runtime) MarkClosingDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closingInProgress = false
}

// SLTriggered reports whether the most recent close was due to a stop-loss
// breach, for the caller to pick the right ExitReason when closing the
// trade record.
func (r *Runtime) SLTriggered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slTriggered
}
