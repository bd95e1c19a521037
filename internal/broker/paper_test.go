package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/internal/broker"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func newTestPaperClient(t *testing.T) (*broker.PaperClient, *appbus.Bus, *appbus.Cache) {
	t.Helper()
	b := appbus.New(zap.NewNop(), appbus.DefaultConfig())
	t.Cleanup(b.Stop)
	cache := appbus.NewCache()
	return broker.NewPaperClient(zap.NewNop(), b, cache), b, cache
}

func waitForOrderStatus(t *testing.T, cache *appbus.Cache, clientOrderID string, status types.OrderStatus) types.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o, ok := cache.Order(clientOrderID); ok && o.Status == status {
			return o
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("order %s never reached status %s", clientOrderID, status)
	return types.Order{}
}

func TestPaperClientFillsAgainstInjectedQuote(t *testing.T) {
	client, _, cache := newTestPaperClient(t)
	require.NoError(t, client.Connect(context.Background()))

	id := types.InstrumentID{Symbol: "SPX", Venue: "PAPER"}
	client.IngestQuote(types.Quote{
		InstrumentID: id,
		Bid:          decimal.NewFromFloat(4999.5),
		Ask:          decimal.NewFromFloat(5000.5),
		Timestamp:    time.Now(),
	})

	clientOrderID, err := client.SubmitOrder(context.Background(), broker.SubmitRequest{
		InstrumentID: id,
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeMarket,
		Quantity:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	filled := waitForOrderStatus(t, cache, clientOrderID, types.OrderStatusFilled)
	require.True(t, filled.AvgFillPrice.Equal(decimal.NewFromFloat(5000)))
	require.True(t, filled.FilledQuantity.Equal(decimal.NewFromInt(1)))
}

func TestPaperClientRejectsOrderWithoutQuote(t *testing.T) {
	client, _, cache := newTestPaperClient(t)
	require.NoError(t, client.Connect(context.Background()))

	id := types.InstrumentID{Symbol: "UNQUOTED", Venue: "PAPER"}
	clientOrderID, err := client.SubmitOrder(context.Background(), broker.SubmitRequest{
		InstrumentID: id,
		Side:         types.OrderSideBuy,
		Type:         types.OrderTypeMarket,
		Quantity:     decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	rejected := waitForOrderStatus(t, cache, clientOrderID, types.OrderStatusRejected)
	require.Equal(t, types.OrderStatusRejected, rejected.Status)
}

func TestPaperClientLimitOrderFillsAtLimitPrice(t *testing.T) {
	client, _, cache := newTestPaperClient(t)
	require.NoError(t, client.Connect(context.Background()))

	id := types.InstrumentID{Symbol: "SPX", Venue: "PAPER"}
	client.IngestQuote(types.Quote{
		InstrumentID: id,
		Bid:          decimal.NewFromFloat(4999.5),
		Ask:          decimal.NewFromFloat(5000.5),
		Timestamp:    time.Now(),
	})

	clientOrderID, err := client.SubmitOrder(context.Background(), broker.SubmitRequest{
		InstrumentID: id,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeLimit,
		Quantity:     decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromFloat(5001),
	})
	require.NoError(t, err)

	filled := waitForOrderStatus(t, cache, clientOrderID, types.OrderStatusFilled)
	require.True(t, filled.AvgFillPrice.Equal(decimal.NewFromFloat(5001)))
}

func TestRequestInstrumentResolvesOptionIDDeterministically(t *testing.T) {
	client, _, cache := newTestPaperClient(t)
	expiry := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	spec := broker.InstrumentSpec{
		Symbol:     "SPX",
		AssetClass: types.AssetClassOption,
		Strike:     decimal.NewFromInt(5000),
		Kind:       types.OptionKindPut,
		Expiration: expiry,
	}

	id, err := client.RequestInstrument(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "SPX_20260821_5000_PUT", id.Symbol)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Instrument(id); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("resolved instrument was never published into the cache")
}
