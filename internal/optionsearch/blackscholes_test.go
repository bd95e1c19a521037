package optionsearch

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func TestDeltaCallIsPositiveAndPutIsNegative(t *testing.T) {
	callDelta := delta(5000, 5000, 0.05, 0, 0.15, 1.0/365, types.OptionKindCall)
	putDelta := delta(5000, 5000, 0.05, 0, 0.15, 1.0/365, types.OptionKindPut)

	assert.Greater(t, callDelta, 0.0)
	assert.Less(t, putDelta, 0.0)
	// Put-call parity: call delta - put delta == e^(-q*t) == 1 when q=0.
	assert.InDelta(t, 1.0, callDelta-putDelta, 1e-6)
}

func TestDeltaDeepInTheMoneyApproachesBound(t *testing.T) {
	// A call struck far below spot, close to expiry, should carry delta near 1.
	d := delta(5000, 3000, 0.05, 0, 0.15, 1.0/365, types.OptionKindCall)
	assert.Greater(t, d, 0.9)
}

func TestDeltaDeepOutOfTheMoneyApproachesZero(t *testing.T) {
	d := delta(5000, 7000, 0.05, 0, 0.15, 1.0/365, types.OptionKindCall)
	assert.Less(t, d, 0.1)
}

func TestDeltaDegenerateInputsReturnZero(t *testing.T) {
	assert.Equal(t, 0.0, delta(5000, 5000, 0.05, 0, 0.15, 0, types.OptionKindCall), "zero time to expiry")
	assert.Equal(t, 0.0, delta(5000, 5000, 0.05, 0, 0, 1, types.OptionKindCall), "zero implied vol")
	assert.Equal(t, 0.0, delta(0, 5000, 0.05, 0, 0.15, 1, types.OptionKindCall), "zero spot")
	assert.Equal(t, 0.0, delta(5000, 0, 0.05, 0, 0.15, 1, types.OptionKindCall), "zero strike")
}

func TestYearsToExpiryFloorsAboveZero(t *testing.T) {
	assert.Greater(t, yearsToExpiry(-5), 0.0, "a negative/expired duration must still return a positive floor")
	assert.Greater(t, yearsToExpiry(0), 0.0)

	got := yearsToExpiry(24 * 365)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestRoundToStepSnapsToNearestMultiple(t *testing.T) {
	got := roundToStep(decimal.NewFromFloat(5002.7), decimal.NewFromInt(5))
	assert.True(t, got.Equal(decimal.NewFromInt(5005)), "got %s", got.String())

	got = roundToStep(decimal.NewFromFloat(5001), decimal.NewFromInt(5))
	assert.True(t, got.Equal(decimal.NewFromInt(5000)))
}

func TestRoundToStepZeroStepReturnsPriceUnchanged(t *testing.T) {
	price := decimal.NewFromFloat(5002.7)
	got := roundToStep(price, decimal.Zero)
	assert.True(t, got.Equal(price))
}

func TestClosestToPicksNearestCandidate(t *testing.T) {
	cands := []scored{
		{instrument: types.Instrument{ID: types.InstrumentID{Symbol: "A"}}, quote: types.Quote{Bid: decimal.NewFromInt(9), Ask: decimal.NewFromInt(11)}},
		{instrument: types.Instrument{ID: types.InstrumentID{Symbol: "B"}}, quote: types.Quote{Bid: decimal.NewFromInt(4), Ask: decimal.NewFromInt(6)}},
	}
	target := decimal.NewFromInt(5)
	best := closestTo(cands, func(s scored) decimal.Decimal { return s.quote.Mid().Sub(target).Abs() })
	if assert.NotNil(t, best) {
		assert.Equal(t, "B", best.instrument.ID.Symbol)
	}
}

func TestClosestToReturnsNilForEmptyCandidates(t *testing.T) {
	assert.Nil(t, closestTo(nil, func(s scored) decimal.Decimal { return decimal.Zero }))
}
