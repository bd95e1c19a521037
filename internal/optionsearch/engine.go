// Package optionsearch implements the option search engine (C6): given a
// target premium or a target delta, enumerate a strike window, request and
// subscribe each candidate, wait a fixed collection delay, then pick the
// closest match and unsubscribe every loser.
package optionsearch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/clock"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// defaultCollectionDelay is used when a caller passes delay<=0.
const defaultCollectionDelay = 5 * time.Second

const defaultStrikeWindow = 10

// ResultCallback receives the outcome of a search: winner is nil if no
// candidate satisfied the spread/validity constraints.
type ResultCallback func(searchID string, winner *types.Instrument, quote *types.Quote)

// Params describes a single search request, shared by premium- and
// delta-targeted search.
type Params struct {
	Underlying  string
	Kind        types.OptionKind
	Expiration  time.Time
	SpotPrice   decimal.Decimal
	StrikeStep  decimal.Decimal
	StrikeRange int // candidates on each side of ATM; 0 = defaultStrikeWindow
	MaxSpread   decimal.Decimal
	Delay       time.Duration
}

// PremiumSearch is a first-class handle for one in-flight search: a single
// resolution, explicit cancellation, per SPEC_FULL.md §9's design note
// ("modeled as a first-class handle ... rather than a loose callback
// registered on a map").
type PremiumSearch struct {
	ID         string
	candidates []candidate
	canceled   bool
}

type candidate struct {
	id   types.InstrumentID
	spec broker.InstrumentSpec
}

// Engine owns the strike-window enumeration and winner-selection logic.
type Engine struct {
	logger *zap.Logger
	broker broker.ExchangeAdapter
	cache  *appbus.Cache
	clock  *clock.Clock

	mu      sync.Mutex
	inFlight map[string]*PremiumSearch
}

// New constructs an Engine over the given broker adapter, cache, and clock.
func New(logger *zap.Logger, adapter broker.ExchangeAdapter, cache *appbus.Cache, c *clock.Clock) *Engine {
	return &Engine{
		logger:   logger,
		broker:   adapter,
		cache:    cache,
		clock:    c,
		inFlight: make(map[string]*PremiumSearch),
	}
}

// FindOptionByPremium enumerates strikes around spot, collects quotes for
// defaultCollectionDelay (or params.Delay), and picks the candidate whose
// mid price is closest to targetPremium among those with spread <=
// params.MaxSpread. Returns the search id immediately; the result arrives
// asynchronously via cb.
func (e *Engine) FindOptionByPremium(ctx context.Context, targetPremium decimal.Decimal, params Params, cb ResultCallback) (string, error) {
	return e.run(ctx, params, cb, func(cands []scored) *scored {
		return closestTo(cands, func(s scored) decimal.Decimal {
			return s.quote.Mid().Sub(targetPremium).Abs()
		})
	})
}

// FindOptionByDelta enumerates strikes around spot, collects quotes, and
// picks the candidate whose Black-Scholes delta (computed from spot, the
// candidate's strike, time to expiry, the supplied impliedVol and
// riskFreeRate) is closest to targetDelta. The same impliedVol is used for
// every candidate; it is not derived from quote mids, and broker-reported
// greeks are not used.
func (e *Engine) FindOptionByDelta(ctx context.Context, targetDelta decimal.Decimal, impliedVol decimal.Decimal, riskFreeRate decimal.Decimal, params Params, cb ResultCallback) (string, error) {
	iv, _ := impliedVol.Float64()
	r, _ := riskFreeRate.Float64()
	spot, _ := params.SpotPrice.Float64()
	hours := time.Until(params.Expiration).Hours()
	t := yearsToExpiry(hours)
	target, _ := targetDelta.Float64()

	return e.run(ctx, params, cb, func(cands []scored) *scored {
		best := -1
		bestDiff := math.MaxFloat64
		for i, c := range cands {
			strike, _ := c.instrument.Strike.Float64()
			d := delta(spot, strike, r, 0, iv, t, params.Kind)
			diff := math.Abs(d - target)
			if diff < bestDiff {
				bestDiff = diff
				best = i
			}
		}
		if best < 0 {
			return nil
		}
		return &cands[best]
	})
}

type scored struct {
	instrument types.Instrument
	quote      types.Quote
}

func closestTo(cands []scored, dist func(scored) decimal.Decimal) *scored {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	bestDist := dist(best)
	for _, c := range cands[1:] {
		d := dist(c)
		if d.LessThan(bestDist) {
			best, bestDist = c, d
		}
	}
	return &best
}

func (e *Engine) run(ctx context.Context, params Params, cb ResultCallback, pick func([]scored) *scored) (string, error) {
	if params.StrikeRange <= 0 {
		params.StrikeRange = defaultStrikeWindow
	}
	delay := params.Delay
	if delay <= 0 {
		delay = defaultCollectionDelay
	}

	searchID := uuid.NewString()
	search := &PremiumSearch{ID: searchID}

	atm := roundToStep(params.SpotPrice, params.StrikeStep)
	for i := -params.StrikeRange; i <= params.StrikeRange; i++ {
		strike := atm.Add(params.StrikeStep.Mul(decimal.NewFromInt(int64(i))))
		if strike.IsNegative() || strike.IsZero() {
			continue
		}
		spec := broker.InstrumentSpec{
			Symbol:     params.Underlying,
			AssetClass: types.AssetClassOption,
			Strike:     strike,
			Kind:       params.Kind,
			Expiration: params.Expiration,
		}
		id, err := e.broker.RequestInstrument(ctx, spec)
		if err != nil {
			e.logger.Warn("option search: request instrument failed", zap.Error(err), zap.String("strike", strike.String()))
			continue
		}
		if err := e.broker.SubscribeQuotes(ctx, id); err != nil {
			e.logger.Warn("option search: subscribe failed", zap.Error(err))
			continue
		}
		search.candidates = append(search.candidates, candidate{id: id, spec: spec})
	}

	e.mu.Lock()
	e.inFlight[searchID] = search
	e.mu.Unlock()

	e.clock.SetTimeAlert(alertName(searchID), delay, func(time.Time) {
		e.resolve(ctx, searchID, params, pick, cb)
	})

	return searchID, nil
}

func alertName(searchID string) string { return "optionsearch:" + searchID }

// CancelPremiumSearch tears down every candidate subscription and
// suppresses the callback if the search hasn't resolved yet. Safe to call
// after resolution (no-op).
func (e *Engine) CancelPremiumSearch(searchID string) {
	e.mu.Lock()
	search, ok := e.inFlight[searchID]
	if ok {
		search.canceled = true
		delete(e.inFlight, searchID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.clock.CancelAlert(alertName(searchID))
	for _, c := range search.candidates {
		_ = e.broker.UnsubscribeQuotes(c.id)
	}
}

func (e *Engine) resolve(ctx context.Context, searchID string, params Params, pick func([]scored) *scored, cb ResultCallback) {
	e.mu.Lock()
	search, ok := e.inFlight[searchID]
	if ok {
		delete(e.inFlight, searchID)
	}
	e.mu.Unlock()
	if !ok || search.canceled {
		return
	}

	var scoredCands []scored
	for _, c := range search.candidates {
		inst, ok := e.cache.Instrument(c.id)
		if !ok {
			continue
		}
		q, ok := e.cache.Quote(c.id)
		if !ok || !q.Valid() {
			continue
		}
		if params.MaxSpread.IsPositive() && q.SpreadWidth().GreaterThan(params.MaxSpread) {
			continue
		}
		scoredCands = append(scoredCands, scored{instrument: inst, quote: q})
	}

	winner := pick(scoredCands)

	// Invariant (§8 property 9): after the callback fires, subscriptions
	// held equal {winner} or ∅. Unsubscribe every non-winning candidate
	// immediately.
	for _, c := range search.candidates {
		if winner != nil && c.id == winner.instrument.ID {
			continue
		}
		_ = e.broker.UnsubscribeQuotes(c.id)
	}

	if winner == nil {
		cb(searchID, nil, nil)
		return
	}
	cb(searchID, &winner.instrument, &winner.quote)
}

func roundToStep(price, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return price
	}
	ratio := price.Div(step).Round(0)
	return ratio.Mul(step)
}
