package tradedb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/options-trading-supervisor/internal/tradedb"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

func newTestRepo(t *testing.T) *tradedb.Repository {
	t.Helper()
	db, err := tradedb.Open(tradedb.Config{Path: filepath.Join(t.TempDir(), "trades.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return tradedb.NewRepository(db)
}

func sampleTrade(id, strategyID string) types.TradeRecord {
	return types.TradeRecord{
		TradeID:      id,
		StrategyID:   strategyID,
		InstrumentID: types.InstrumentID{Symbol: "SPX", Venue: "CBOE"},
		TradeType:    "credit_spread",
		EntryTime:    time.Now(),
		EntryPrice:   decimal.NewFromFloat(2.50),
		Quantity:     decimal.NewFromInt(1),
		Direction:    types.OrderSideSell,
	}
}

func TestStartAndCloseTrade(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.StartTrade(sampleTrade("t1", "s1")))

	open, err := repo.GetOpenTrades("s1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "t1", open[0].TradeID)

	require.NoError(t, repo.CloseTrade("t1", time.Now(), decimal.NewFromFloat(1.00),
		decimal.NewFromFloat(150), decimal.NewFromFloat(1.30), types.ExitReasonTakeProfit))

	open, err = repo.GetOpenTrades("s1")
	require.NoError(t, err)
	require.Empty(t, open)

	closed, err := repo.GetTrade("t1")
	require.NoError(t, err)
	require.True(t, closed.NetPnL.Equal(decimal.NewFromFloat(148.70)))
	require.Equal(t, types.TradeResultWin, closed.Result)
}

func TestListTradesRespectsLimitAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	for i := 0; i < 5; i++ {
		trade := sampleTrade(
			"t"+string(rune('a'+i)), "s1")
		trade.EntryTime = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.StartTrade(trade))
	}

	trades, err := repo.ListTrades("s1", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	// Newest entry_time first.
	require.Equal(t, "te", trades[0].TradeID)
}

func TestListAllStrategyIDsAndTrades(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.StartTrade(sampleTrade("t1", "s1")))
	require.NoError(t, repo.StartTrade(sampleTrade("t2", "s2")))

	ids, err := repo.ListAllStrategyIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, ids)

	all, err := repo.ListAllTrades(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestGetStrategyStatsAggregatesClosedTrades(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.StartTrade(sampleTrade("win1", "s1")))
	require.NoError(t, repo.CloseTrade("win1", time.Now(), decimal.NewFromFloat(1.00),
		decimal.NewFromFloat(150), decimal.NewFromFloat(1), types.ExitReasonTakeProfit))

	require.NoError(t, repo.StartTrade(sampleTrade("loss1", "s1")))
	require.NoError(t, repo.CloseTrade("loss1", time.Now(), decimal.NewFromFloat(4.00),
		decimal.NewFromFloat(-150), decimal.NewFromFloat(1), types.ExitReasonStopLoss))

	stats, err := repo.GetStrategyStats("s1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalTrades)
	require.Equal(t, 1, stats.Wins)
	require.Equal(t, 1, stats.Losses)
	require.True(t, stats.WinRate.Equal(decimal.NewFromFloat(0.5)))
}

func TestCancelAndDeleteTrade(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.StartTrade(sampleTrade("t1", "s1")))
	require.NoError(t, repo.CancelTrade("t1"))

	open, err := repo.GetOpenTrades("s1")
	require.NoError(t, err)
	require.Empty(t, open, "a canceled trade is no longer open")

	require.NoError(t, repo.StartTrade(sampleTrade("t2", "s1")))
	require.NoError(t, repo.DeleteTrade("t2"))
	_, err = repo.GetTrade("t2")
	require.Error(t, err)
}

func TestRecordAndUpdateOrder(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.StartTrade(sampleTrade("t1", "s1")))

	id, err := repo.RecordOrder(types.OrderRecord{
		TradeID:      "t1",
		StrategyID:   "s1",
		InstrumentID: types.InstrumentID{Symbol: "SPX", Venue: "CBOE"},
		Direction:    types.OrderDirectionEntry,
		Side:         types.OrderSideSell,
		Type:         types.OrderTypeLimit,
		Quantity:     decimal.NewFromInt(1),
		Status:       types.OrderStatusSubmitted,
		SubmittedTime: time.Now(),
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	matched, err := repo.UpdateOrder(id, types.OrderStatusFilled, timePtr(time.Now()),
		decimal.NewFromFloat(2.50), decimal.NewFromInt(1), decimal.NewFromFloat(0.65), "EX123")
	require.NoError(t, err)
	require.True(t, matched)

	orders, err := repo.GetTradeOrders("t1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, types.OrderStatusFilled, orders[0].Status)
	require.Equal(t, "EX123", orders[0].ExchangeOrderID)
}

func timePtr(t time.Time) *time.Time { return &t }
