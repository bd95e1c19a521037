package tradedb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// Repository implements the trade/order persistence operations used by the
// strategy runtime and the manager's reporting endpoints.
type Repository struct {
	db  *DB
	qb  squirrel.StatementBuilderType
}

// NewRepository wraps a DB with a squirrel statement builder bound to
// question-mark placeholders, matching sqlite's driver convention.
func NewRepository(db *DB) *Repository {
	return &Repository{
		db: db,
		qb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// StartTrade inserts a new OPEN trade record.
func (r *Repository) StartTrade(t types.TradeRecord) error {
	strikes, err := json.Marshal(t.Strikes)
	if err != nil {
		return fmt.Errorf("marshal strikes: %w", err)
	}
	legs, err := json.Marshal(t.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}

	_, err = r.qb.Insert("trades").
		Columns("trade_id", "strategy_id", "instrument_symbol", "instrument_venue",
			"trade_type", "entry_time", "entry_price", "quantity", "direction",
			"strikes_json", "legs_json", "status").
		Values(t.TradeID, t.StrategyID, t.InstrumentID.Symbol, t.InstrumentID.Venue,
			t.TradeType, t.EntryTime, t.EntryPrice.String(), t.Quantity.String(), string(t.Direction),
			string(strikes), string(legs), string(types.TradeStatusOpen)).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

const snapshotRingCap = 1000

// UpdateTradeMetrics updates a trade's running excursion metrics and appends
// a PnL snapshot. Called on every mark-to-market tick while the trade is
// open; the snapshot ring is capped at 1000 samples to bound document size.
// max_unrealized_profit only ever widens upward and max_unrealized_loss only
// ever widens downward, regardless of what the caller passes in — the
// comparison against the stored extrema happens here, not in the caller, so
// a late or out-of-order metrics update can never un-widen the drawdown.
func (r *Repository) UpdateTradeMetrics(tradeID string, observedProfit, observedLoss decimal.Decimal, observedLossTime time.Time, snapshot types.PnLSample) error {
	current, err := r.GetTrade(tradeID)
	if err != nil {
		return fmt.Errorf("load trade for metrics update: %w", err)
	}

	maxProfit := current.MaxUnrealizedProfit
	if observedProfit.GreaterThan(maxProfit) {
		maxProfit = observedProfit
	}
	maxLoss := current.MaxUnrealizedLoss
	maxLossTime := current.MaxUnrealizedLossTime
	if observedLoss.LessThan(maxLoss) {
		maxLoss = observedLoss
		maxLossTime = observedLossTime
	}

	existing, err := r.loadSnapshots(tradeID)
	if err != nil {
		return err
	}
	existing = append(existing, snapshot)
	if len(existing) > snapshotRingCap {
		existing = existing[len(existing)-snapshotRingCap:]
	}
	snapshotsJSON, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}

	_, err = r.qb.Update("trades").
		Set("max_unrealized_profit", maxProfit.String()).
		Set("max_unrealized_loss", maxLoss.String()).
		Set("max_unrealized_loss_time", maxLossTime).
		Set("snapshots_json", string(snapshotsJSON)).
		Where(squirrel.Eq{"trade_id": tradeID}).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return fmt.Errorf("update trade metrics: %w", err)
	}
	return nil
}

func (r *Repository) loadSnapshots(tradeID string) ([]types.PnLSample, error) {
	var raw sql.NullString
	err := r.qb.Select("snapshots_json").From("trades").
		Where(squirrel.Eq{"trade_id": tradeID}).
		RunWith(r.db.conn).QueryRow().Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var samples []types.PnLSample
	if err := json.Unmarshal([]byte(raw.String), &samples); err != nil {
		return nil, fmt.Errorf("unmarshal snapshots: %w", err)
	}
	return samples, nil
}

// CloseTrade finalizes a trade: sets exit time/price, computes net PnL and
// result classification, and marks status CLOSED.
func (r *Repository) CloseTrade(tradeID string, exitTime time.Time, exitPrice, grossPnL, commission decimal.Decimal, reason types.ExitReason) error {
	netPnL := grossPnL.Sub(commission)
	result := types.TradeResultBreakeven
	switch {
	case netPnL.IsPositive():
		result = types.TradeResultWin
	case netPnL.IsNegative():
		result = types.TradeResultLoss
	}

	_, err := r.qb.Update("trades").
		Set("exit_time", exitTime).
		Set("exit_price", exitPrice.String()).
		Set("gross_pnl", grossPnL.String()).
		Set("commission", commission.String()).
		Set("net_pnl", netPnL.String()).
		Set("result", string(result)).
		Set("status", string(types.TradeStatusClosed)).
		Set("exit_reason", string(reason)).
		Where(squirrel.Eq{"trade_id": tradeID}).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	return nil
}

// CancelTrade marks an OPEN trade CLOSED with zero PnL and an exit reason of
// FILL_TIMEOUT, used when an entry order never fills (see fill-timeout handling).
func (r *Repository) CancelTrade(tradeID string) error {
	return r.CloseTrade(tradeID, time.Now(), decimal.Zero, decimal.Zero, decimal.Zero, types.ExitReasonTimeout)
}

// DeleteTrade removes a trade and its orders entirely. Used only for
// correcting operator mistakes (e.g. a test trade recorded against the
// live account by accident) — never part of normal trading flow.
func (r *Repository) DeleteTrade(tradeID string) error {
	if _, err := r.qb.Delete("orders").Where(squirrel.Eq{"trade_id": tradeID}).RunWith(r.db.conn).Exec(); err != nil {
		return fmt.Errorf("delete trade orders: %w", err)
	}
	if _, err := r.qb.Delete("trades").Where(squirrel.Eq{"trade_id": tradeID}).RunWith(r.db.conn).Exec(); err != nil {
		return fmt.Errorf("delete trade: %w", err)
	}
	return nil
}

// UpdateTradeQuantity rescales a trade's recorded quantity and its
// max_profit/max_loss excursions proportionally, used when a fill-timeout
// settles at less than the originally requested size (§4.3, S4). The
// matching ENTRY order row's filled_quantity is updated to the same value so
// the two stay consistent.
func (r *Repository) UpdateTradeQuantity(tradeID string, quantity decimal.Decimal) error {
	current, err := r.GetTrade(tradeID)
	if err != nil {
		return fmt.Errorf("load trade for quantity update: %w", err)
	}

	maxProfit := current.MaxUnrealizedProfit
	maxLoss := current.MaxUnrealizedLoss
	if !current.Quantity.IsZero() {
		ratio := quantity.Div(current.Quantity)
		maxProfit = maxProfit.Mul(ratio)
		maxLoss = maxLoss.Mul(ratio)
	}

	_, err = r.qb.Update("trades").
		Set("quantity", quantity.String()).
		Set("max_unrealized_profit", maxProfit.String()).
		Set("max_unrealized_loss", maxLoss.String()).
		Where(squirrel.Eq{"trade_id": tradeID}).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return fmt.Errorf("update trade quantity: %w", err)
	}

	_, err = r.qb.Update("orders").
		Set("filled_quantity", quantity.String()).
		Where(squirrel.Eq{"trade_id": tradeID, "direction": string(types.OrderDirectionEntry)}).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return fmt.Errorf("rescale entry order quantity: %w", err)
	}
	return nil
}

// RecordOrder inserts an order row, returning its generated id. Idempotent
// on a non-empty exchange_order_id: a second insert for the same exchange
// order id returns the existing row's id instead of creating a duplicate.
func (r *Repository) RecordOrder(o types.OrderRecord) (int64, error) {
	if o.ExchangeOrderID != "" {
		var existingID int64
		err := r.qb.Select("id").From("orders").
			Where(squirrel.Eq{"exchange_order_id": o.ExchangeOrderID}).
			RunWith(r.db.conn).QueryRow().Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("check existing order: %w", err)
		}
	}

	res, err := r.qb.Insert("orders").
		Columns("trade_id", "strategy_id", "instrument_symbol", "instrument_venue",
			"direction", "side", "type", "quantity", "status", "submitted_time",
			"exchange_order_id", "raw").
		Values(nullableString(o.TradeID), o.StrategyID, o.InstrumentID.Symbol, o.InstrumentID.Venue,
			string(o.Direction), string(o.Side), string(o.Type), o.Quantity.String(),
			string(o.Status), o.SubmittedTime, nullableString(o.ExchangeOrderID), o.Raw).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return res.LastInsertId()
}

// UpdateOrder patches an order's status/fill fields, e.g. on an execution
// report from the broker. Returns matched=false if no row has this id, so
// callers can distinguish "nothing to update" from a real failure.
func (r *Repository) UpdateOrder(id int64, status types.OrderStatus, filledTime *time.Time, filledPrice, filledQty, commission decimal.Decimal, exchangeOrderID string) (matched bool, err error) {
	res, err := r.qb.Update("orders").
		Set("status", string(status)).
		Set("filled_time", filledTime).
		Set("filled_price", filledPrice.String()).
		Set("filled_quantity", filledQty.String()).
		Set("commission", commission.String()).
		Set("exchange_order_id", nullableString(exchangeOrderID)).
		Where(squirrel.Eq{"id": id}).
		RunWith(r.db.conn).Exec()
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update order rows affected: %w", err)
	}
	return n > 0, nil
}

// GetOpenTrades returns all OPEN trades for a strategy, used on startup to
// rebuild in-memory position state (overnight position preservation).
func (r *Repository) GetOpenTrades(strategyID string) ([]types.TradeRecord, error) {
	rows, err := r.qb.Select(tradeColumns...).From("trades").
		Where(squirrel.Eq{"strategy_id": strategyID, "status": string(types.TradeStatusOpen)}).
		RunWith(r.db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListTrades returns the most recent trades for a strategy (newest first),
// capped at limit (0 means the caller's default).
func (r *Repository) ListTrades(strategyID string, limit int) ([]types.TradeRecord, error) {
	q := r.qb.Select(tradeColumns...).From("trades").
		Where(squirrel.Eq{"strategy_id": strategyID}).
		OrderBy("entry_time DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(r.db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("query strategy trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListAllTrades returns the most recent trades across every strategy
// (newest first), capped at limit (0 means the caller's default). Used by
// the cross-strategy /trades/all endpoint.
func (r *Repository) ListAllTrades(limit int) ([]types.TradeRecord, error) {
	q := r.qb.Select(tradeColumns...).From("trades").OrderBy("entry_time DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(r.db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("query all trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListAllStrategyIDs returns the distinct strategy ids that have ever
// recorded a trade, used to build the cross-strategy /stats/all response.
func (r *Repository) ListAllStrategyIDs() ([]string, error) {
	rows, err := r.qb.Select("DISTINCT strategy_id").From("trades").RunWith(r.db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("query distinct strategy ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan strategy id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTrade fetches a single trade by id.
func (r *Repository) GetTrade(tradeID string) (types.TradeRecord, error) {
	rows, err := r.qb.Select(tradeColumns...).From("trades").
		Where(squirrel.Eq{"trade_id": tradeID}).
		RunWith(r.db.conn).Query()
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("query trade: %w", err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return types.TradeRecord{}, err
	}
	if len(trades) == 0 {
		return types.TradeRecord{}, sql.ErrNoRows
	}
	return trades[0], nil
}

// GetTradeOrders returns every order attached to a trade, ordered by
// submission time.
func (r *Repository) GetTradeOrders(tradeID string) ([]types.OrderRecord, error) {
	rows, err := r.qb.Select(orderColumns...).From("orders").
		Where(squirrel.Eq{"trade_id": tradeID}).
		OrderBy("submitted_time ASC").
		RunWith(r.db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("query trade orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetStrategyStats aggregates win/loss counts and PnL across a strategy's
// closed trades.
func (r *Repository) GetStrategyStats(strategyID string) (types.StrategyStats, error) {
	rows, err := r.qb.Select(tradeColumns...).From("trades").
		Where(squirrel.Eq{"strategy_id": strategyID, "status": string(types.TradeStatusClosed)}).
		RunWith(r.db.conn).Query()
	if err != nil {
		return types.StrategyStats{}, fmt.Errorf("query strategy trades: %w", err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return types.StrategyStats{}, err
	}

	stats := types.StrategyStats{StrategyID: strategyID}
	var winSum, lossSum decimal.Decimal
	for _, t := range trades {
		stats.TotalTrades++
		stats.GrossPnL = stats.GrossPnL.Add(t.GrossPnL)
		stats.NetPnL = stats.NetPnL.Add(t.NetPnL)
		stats.TotalCommission = stats.TotalCommission.Add(t.Commission)
		switch t.Result {
		case types.TradeResultWin:
			stats.Wins++
			winSum = winSum.Add(t.NetPnL)
		case types.TradeResultLoss:
			stats.Losses++
			lossSum = lossSum.Add(t.NetPnL)
		default:
			stats.Breakevens++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).Div(decimal.NewFromInt(int64(stats.TotalTrades)))
	}
	if stats.Wins > 0 {
		stats.AvgWin = winSum.Div(decimal.NewFromInt(int64(stats.Wins)))
	}
	if stats.Losses > 0 {
		stats.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(stats.Losses)))
	}
	return stats, nil
}

// GetDrawdownAnalysis finds the worst (most negative) unrealized-loss
// excursion across a strategy's trades, and the average of those excursions.
func (r *Repository) GetDrawdownAnalysis(strategyID string) (types.DrawdownAnalysis, error) {
	rows, err := r.qb.Select(tradeColumns...).From("trades").
		Where(squirrel.Eq{"strategy_id": strategyID}).
		RunWith(r.db.conn).Query()
	if err != nil {
		return types.DrawdownAnalysis{}, fmt.Errorf("query trades for drawdown: %w", err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return types.DrawdownAnalysis{}, err
	}

	analysis := types.DrawdownAnalysis{StrategyID: strategyID}
	if len(trades) == 0 {
		return analysis, nil
	}
	var sum decimal.Decimal
	for _, t := range trades {
		sum = sum.Add(t.MaxUnrealizedLoss)
		if t.MaxUnrealizedLoss.LessThan(analysis.WorstUnrealizedLoss) {
			analysis.WorstUnrealizedLoss = t.MaxUnrealizedLoss
			analysis.WorstTradeID = t.TradeID
		}
	}
	analysis.AvgMaxUnrealizedLoss = sum.Div(decimal.NewFromInt(int64(len(trades))))
	return analysis, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var tradeColumns = []string{
	"trade_id", "strategy_id", "instrument_symbol", "instrument_venue", "trade_type",
	"entry_time", "entry_price", "exit_time", "exit_price", "quantity", "direction",
	"gross_pnl", "commission", "net_pnl", "result",
	"max_unrealized_profit", "max_unrealized_loss", "max_unrealized_loss_time",
	"snapshots_json", "strikes_json", "legs_json", "status", "exit_reason",
}

func scanTrades(rows *sql.Rows) ([]types.TradeRecord, error) {
	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var exitTime, maxLossTime sql.NullTime
		var exitPrice, result, snapshotsJSON, strikesJSON, legsJSON, exitReason sql.NullString
		var entryPrice, quantity, grossPnL, commission, netPnL, maxProfit, maxLoss string

		if err := rows.Scan(&t.TradeID, &t.StrategyID, &t.InstrumentID.Symbol, &t.InstrumentID.Venue, &t.TradeType,
			&t.EntryTime, &entryPrice, &exitTime, &exitPrice, &quantity, &t.Direction,
			&grossPnL, &commission, &netPnL, &result,
			&maxProfit, &maxLoss, &maxLossTime,
			&snapshotsJSON, &strikesJSON, &legsJSON, &t.Status, &exitReason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}

		t.EntryPrice = mustDecimal(entryPrice)
		t.Quantity = mustDecimal(quantity)
		t.GrossPnL = mustDecimal(grossPnL)
		t.Commission = mustDecimal(commission)
		t.NetPnL = mustDecimal(netPnL)
		t.MaxUnrealizedProfit = mustDecimal(maxProfit)
		t.MaxUnrealizedLoss = mustDecimal(maxLoss)
		if exitTime.Valid {
			t.ExitTime = exitTime.Time
		}
		if maxLossTime.Valid {
			t.MaxUnrealizedLossTime = maxLossTime.Time
		}
		if exitPrice.Valid {
			t.ExitPrice = mustDecimal(exitPrice.String)
		}
		if result.Valid {
			t.Result = types.TradeResult(result.String)
		}
		if exitReason.Valid {
			t.ExitReason = types.ExitReason(exitReason.String)
		}
		if snapshotsJSON.Valid && snapshotsJSON.String != "" {
			_ = json.Unmarshal([]byte(snapshotsJSON.String), &t.Snapshots)
		}
		if strikesJSON.Valid && strikesJSON.String != "" {
			_ = json.Unmarshal([]byte(strikesJSON.String), &t.Strikes)
		}
		if legsJSON.Valid && legsJSON.String != "" {
			_ = json.Unmarshal([]byte(legsJSON.String), &t.Legs)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var orderColumns = []string{
	"id", "trade_id", "strategy_id", "instrument_symbol", "instrument_venue",
	"direction", "side", "type", "quantity", "status", "submitted_time",
	"filled_time", "filled_price", "filled_quantity", "commission", "exchange_order_id", "raw",
}

func scanOrders(rows *sql.Rows) ([]types.OrderRecord, error) {
	var out []types.OrderRecord
	for rows.Next() {
		var o types.OrderRecord
		var tradeID sql.NullString
		var filledTime sql.NullTime
		var filledPrice, filledQty, commission, exchangeOrderID, raw sql.NullString
		var quantity string

		if err := rows.Scan(&o.ID, &tradeID, &o.StrategyID, &o.InstrumentID.Symbol, &o.InstrumentID.Venue,
			&o.Direction, &o.Side, &o.Type, &quantity, &o.Status, &o.SubmittedTime,
			&filledTime, &filledPrice, &filledQty, &commission, &exchangeOrderID, &raw); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if tradeID.Valid {
			o.TradeID = tradeID.String
		}
		o.Quantity = mustDecimal(quantity)
		if filledTime.Valid {
			t := filledTime.Time
			o.FilledTime = &t
		}
		if filledPrice.Valid {
			o.FilledPrice = mustDecimal(filledPrice.String)
		}
		if filledQty.Valid {
			o.FilledQuantity = mustDecimal(filledQty.String)
		}
		if commission.Valid {
			o.Commission = mustDecimal(commission.String)
		}
		if exchangeOrderID.Valid {
			o.ExchangeOrderID = exchangeOrderID.String
		}
		if raw.Valid {
			o.Raw = raw.String
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
