package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func TestWrapIndexQuirkSynthesizesSymmetricBidAsk(t *testing.T) {
	b := appbus.New(zap.NewNop(), appbus.DefaultConfig())
	t.Cleanup(b.Stop)
	cache := appbus.NewCache()

	inner := broker.NewPaperClient(zap.NewNop(), b, cache)
	require.NoError(t, inner.Connect(context.Background()))
	_ = broker.WrapIndexQuirk(inner, cache, b)

	id := types.InstrumentID{Symbol: "SPX", Venue: "PAPER"}
	cache.PutInstrument(types.Instrument{ID: id, AssetClass: types.AssetClassIndex})

	b.Publish(appbus.NewQuoteTickEvent(types.Quote{
		InstrumentID: id,
		Bid:          decimal.NewFromFloat(5000.25),
		Ask:          decimal.Zero,
		Timestamp:    time.Now(),
	}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q, ok := cache.Quote(id); ok && q.Ask.Equal(decimal.NewFromFloat(5000.25)) {
			assert.True(t, q.Bid.Equal(decimal.NewFromFloat(5000.25)))
			assert.True(t, q.BidSize.Equal(decimal.NewFromInt(1)))
			assert.True(t, q.AskSize.Equal(decimal.NewFromInt(1)))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("index quote was never synthesized into a symmetric bid/ask")
}

func TestWrapIndexQuirkLeavesNonIndexQuotesUntouched(t *testing.T) {
	b := appbus.New(zap.NewNop(), appbus.DefaultConfig())
	t.Cleanup(b.Stop)
	cache := appbus.NewCache()
	_ = broker.WrapIndexQuirk(broker.NewPaperClient(zap.NewNop(), b, cache), cache, b)

	id := types.InstrumentID{Symbol: "ES", Venue: "CME"}
	cache.PutInstrument(types.Instrument{ID: id, AssetClass: types.AssetClassFuture})

	original := types.Quote{InstrumentID: id, Bid: decimal.NewFromFloat(150.10), Ask: decimal.NewFromFloat(150.20), Timestamp: time.Now()}
	cache.PutQuote(original)
	b.Publish(appbus.NewQuoteTickEvent(original))

	time.Sleep(100 * time.Millisecond)
	q, ok := cache.Quote(id)
	require.True(t, ok)
	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(150.10)))
	assert.True(t, q.Ask.Equal(decimal.NewFromFloat(150.20)))
}
