// Package strategies implements the concrete strategy types (C8): the
// opening-range breakout family, the SPX credit-spread strategies, the SPX
// data streamer, and the supplemental interval/scalper strategies. Each
// wraps a *strategyrt.Runtime and supplies its own price-event handlers;
// the runtime owns lifecycle, persistence, brackets, and order routing.
package strategies

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RangeEngine tracks the shared opening-range state used by every
// breakout-style strategy (§4.8.1): a running daily high/low that freezes
// into an immutable range once the wall clock crosses openTime+rangeMinutes
// for the current trading day.
type RangeEngine struct {
	openHour, openMinute int
	rangeMinutes         int
	loc                  *time.Location

	mu              sync.Mutex
	currentDate     string
	dailyHigh       decimal.Decimal
	dailyLow        decimal.Decimal
	orHigh          decimal.Decimal
	orLow           decimal.Decimal
	rangeCalculated bool
}

// NewRangeEngine constructs a range engine that opens at openHour:openMinute
// (local to loc) and freezes the range after rangeMinutes have elapsed.
func NewRangeEngine(openHour, openMinute, rangeMinutes int, loc *time.Location) *RangeEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &RangeEngine{openHour: openHour, openMinute: openMinute, rangeMinutes: rangeMinutes, loc: loc}
}

// Observe feeds one price sample (tick close or bar close) at time now. It
// resets daily state on a date rollover, widens the running high/low, and
// freezes the range once the window has elapsed.
func (e *RangeEngine) Observe(now time.Time, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	local := now.In(e.loc)
	date := local.Format("2006-01-02")
	if date != e.currentDate {
		e.currentDate = date
		e.dailyHigh = price
		e.dailyLow = price
		e.orHigh = decimal.Zero
		e.orLow = decimal.Zero
		e.rangeCalculated = false
	}

	if price.GreaterThan(e.dailyHigh) || e.dailyHigh.IsZero() {
		e.dailyHigh = price
	}
	if e.dailyLow.IsZero() || price.LessThan(e.dailyLow) {
		e.dailyLow = price
	}

	if e.rangeCalculated {
		return
	}
	openAt := time.Date(local.Year(), local.Month(), local.Day(), e.openHour, e.openMinute, 0, 0, e.loc)
	freezeAt := openAt.Add(time.Duration(e.rangeMinutes) * time.Minute)
	if !local.Before(freezeAt) {
		e.orHigh = e.dailyHigh
		e.orLow = e.dailyLow
		e.rangeCalculated = true
	}
}

// Snapshot returns the frozen range and whether it has been calculated yet.
func (e *RangeEngine) Snapshot() (orHigh, orLow decimal.Decimal, calculated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orHigh, e.orLow, e.rangeCalculated
}

// Reset clears all state, forcing the next Observe to start a fresh day.
func (e *RangeEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentDate = ""
	e.dailyHigh = decimal.Zero
	e.dailyLow = decimal.Zero
	e.orHigh = decimal.Zero
	e.orLow = decimal.Zero
	e.rangeCalculated = false
}

// State projects the engine's fields for strategy state persistence.
func (e *RangeEngine) State() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"currentDate":     e.currentDate,
		"dailyHigh":       e.dailyHigh.String(),
		"dailyLow":        e.dailyLow.String(),
		"orHigh":          e.orHigh.String(),
		"orLow":           e.orLow.String(),
		"rangeCalculated": e.rangeCalculated,
	}
}

// Restore loads previously-persisted state back into the engine.
func (e *RangeEngine) Restore(state map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := state["currentDate"].(string); ok {
		e.currentDate = v
	}
	if v, ok := state["dailyHigh"].(string); ok {
		e.dailyHigh, _ = decimal.NewFromString(v)
	}
	if v, ok := state["dailyLow"].(string); ok {
		e.dailyLow, _ = decimal.NewFromString(v)
	}
	if v, ok := state["orHigh"].(string); ok {
		e.orHigh, _ = decimal.NewFromString(v)
	}
	if v, ok := state["orLow"].(string); ok {
		e.orLow, _ = decimal.NewFromString(v)
	}
	if v, ok := state["rangeCalculated"].(bool); ok {
		e.rangeCalculated = v
	}
}
