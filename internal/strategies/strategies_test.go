package strategies

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func TestRangeEngineFreezesAfterWindow(t *testing.T) {
	loc := time.UTC
	e := NewRangeEngine(9, 30, 15, loc)

	open := time.Date(2026, 3, 2, 9, 30, 0, 0, loc)
	e.Observe(open, decimal.NewFromInt(100))
	e.Observe(open.Add(5*time.Minute), decimal.NewFromInt(105))
	e.Observe(open.Add(10*time.Minute), decimal.NewFromInt(95))

	_, _, calculated := e.Snapshot()
	require.False(t, calculated, "range must not freeze before rangeMinutes elapses")

	e.Observe(open.Add(15*time.Minute), decimal.NewFromInt(102))
	high, low, calculated := e.Snapshot()
	require.True(t, calculated)
	assert.True(t, high.Equal(decimal.NewFromInt(105)))
	assert.True(t, low.Equal(decimal.NewFromInt(95)))

	// Widening after the freeze must not change the frozen range.
	e.Observe(open.Add(20*time.Minute), decimal.NewFromInt(200))
	high, low, _ = e.Snapshot()
	assert.True(t, high.Equal(decimal.NewFromInt(105)), "frozen high must not widen post-freeze")
	assert.True(t, low.Equal(decimal.NewFromInt(95)), "frozen low must not widen post-freeze")
}

func TestRangeEngineResetsOnDateRollover(t *testing.T) {
	loc := time.UTC
	e := NewRangeEngine(9, 30, 15, loc)

	day1 := time.Date(2026, 3, 2, 9, 30, 0, 0, loc)
	e.Observe(day1, decimal.NewFromInt(100))
	e.Observe(day1.Add(15*time.Minute), decimal.NewFromInt(100))
	_, _, calculated := e.Snapshot()
	require.True(t, calculated)

	day2 := time.Date(2026, 3, 3, 9, 30, 0, 0, loc)
	e.Observe(day2, decimal.NewFromInt(50))
	_, _, calculated = e.Snapshot()
	assert.False(t, calculated, "a new trading day must start with an unfrozen range")
}

func TestRangeEngineRestoreRoundTrips(t *testing.T) {
	e := NewRangeEngine(9, 30, 15, time.UTC)
	open := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	e.Observe(open, decimal.NewFromInt(100))
	e.Observe(open.Add(15*time.Minute), decimal.NewFromInt(110))

	state := e.State()

	other := NewRangeEngine(9, 30, 15, time.UTC)
	other.Restore(state)
	high, low, calculated := other.Snapshot()
	assert.True(t, calculated)
	assert.True(t, high.Equal(decimal.NewFromInt(110)))
	assert.True(t, low.Equal(decimal.NewFromInt(100)))
}

func TestParamHelpersFallBackOnMissingOrWrongType(t *testing.T) {
	params := map[string]any{
		"strikeStep": float64(5),
		"underlying": "SPX",
		"enabled":    true,
		"tags":       []any{"a", "b"},
		"wrongType":  42,
	}

	assert.True(t, paramDecimal(params, "strikeStep", decimal.NewFromInt(1)).Equal(decimal.NewFromInt(5)))
	assert.True(t, paramDecimal(params, "missing", decimal.NewFromInt(7)).Equal(decimal.NewFromInt(7)))

	assert.Equal(t, "SPX", paramString(params, "underlying", "ES"))
	assert.Equal(t, "ES", paramString(params, "wrongType", "ES"), "non-string value must fall back to default")

	assert.True(t, paramBool(params, "enabled", false))
	assert.False(t, paramBool(params, "missing", false))

	assert.Equal(t, []string{"a", "b"}, paramStringSlice(params, "tags"))
	assert.Nil(t, paramStringSlice(params, "missing"))
}

func TestExtractExitPricePrefersParentOrderFillOverFallback(t *testing.T) {
	cache := appbus.NewCache()
	fallback := decimal.NewFromFloat(1.30)

	// No order recorded yet: falls back to the locally tracked limit.
	price := extractExitPrice(cache, "order-1", fallback)
	assert.True(t, price.Equal(fallback))

	cache.PutOrder(types.Order{
		ClientOrderID: "order-1",
		Status:        types.OrderStatusFilled,
		AvgFillPrice:  decimal.NewFromFloat(1.45),
	})
	price = extractExitPrice(cache, "order-1", fallback)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.45)), "must prefer the parent order's recorded fill price")
}

func TestExtractExitPriceFallsBackWhenFillPriceIsZero(t *testing.T) {
	cache := appbus.NewCache()
	fallback := decimal.NewFromFloat(2.00)
	cache.PutOrder(types.Order{ClientOrderID: "order-2", Status: types.OrderStatusSubmitted, AvgFillPrice: decimal.Zero})

	price := extractExitPrice(cache, "order-2", fallback)
	assert.True(t, price.Equal(fallback), "an unfilled order's zero AvgFillPrice must not override the fallback")
}

func TestVwmaLastWeightsByVolume(t *testing.T) {
	closes := []float64{10, 20, 30}
	vols := []float64{1, 1, 2}
	got := vwmaLast(closes, vols, 3)
	// (10*1 + 20*1 + 30*2) / (1+1+2) = 90/4 = 22.5
	assert.InDelta(t, 22.5, got, 1e-9)
}

func TestVwmaLastReturnsZeroWhenHistoryTooShort(t *testing.T) {
	got := vwmaLast([]float64{1, 2}, []float64{1, 1}, 5)
	assert.Equal(t, float64(0), got)
}
