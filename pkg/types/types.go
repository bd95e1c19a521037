// Package types provides shared type definitions for the options/futures
// trading supervisor.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass identifies the kind of instrument.
type AssetClass string

const (
	AssetClassIndex  AssetClass = "index"
	AssetClassFuture AssetClass = "future"
	AssetClassOption AssetClass = "option"
)

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	OptionKindCall OptionKind = "CALL"
	OptionKindPut  OptionKind = "PUT"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce represents how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderStatus represents the status of an order. Transitions are monotonic
// except that PARTIALLY_FILLED may precede FILLED or CANCELED.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status will not transition further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// PositionSide represents the direction of a net holding.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideFlat  PositionSide = "FLAT"
)

// OrderDirection marks whether an order opens or closes a trade.
type OrderDirection string

const (
	OrderDirectionEntry OrderDirection = "ENTRY"
	OrderDirectionExit  OrderDirection = "EXIT"
)

// TradeResult classifies a closed trade by its net PnL.
type TradeResult string

const (
	TradeResultWin       TradeResult = "WIN"
	TradeResultLoss      TradeResult = "LOSS"
	TradeResultBreakeven TradeResult = "BREAKEVEN"
)

// TradeStatus represents the lifecycle of a trade record.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// ExitReason enumerates why a trade was closed.
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit ExitReason = "TAKE_PROFIT"
	ExitReasonManual     ExitReason = "MANUAL"
	ExitReasonEndOfDay   ExitReason = "END_OF_DAY"
	ExitReasonExpired    ExitReason = "EXPIRED"
	ExitReasonTimeout    ExitReason = "FILL_TIMEOUT"
)

// InstrumentID identifies a tradable contract by symbol and venue.
type InstrumentID struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// String renders the instrument id in "SYMBOL.VENUE" form.
func (i InstrumentID) String() string {
	if i.Venue == "" {
		return i.Symbol
	}
	return i.Symbol + "." + i.Venue
}

// Instrument is an immutable description of a tradable contract, cached
// indefinitely once resolved from the broker.
type Instrument struct {
	ID           InstrumentID    `json:"id"`
	AssetClass   AssetClass      `json:"assetClass"`
	PriceTick    decimal.Decimal `json:"priceTick"`
	QuantityStep decimal.Decimal `json:"quantityStep"`
	Multiplier   decimal.Decimal `json:"multiplier"`

	// Option-only fields.
	Strike     decimal.Decimal `json:"strike,omitempty"`
	Kind       OptionKind      `json:"kind,omitempty"`
	Expiration time.Time       `json:"expiration,omitempty"`
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool { return i.AssetClass == AssetClassOption }

// RoundToTick rounds a price to the instrument's price tick.
func (i Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if i.PriceTick.IsZero() {
		return price
	}
	return price.DivRound(i.PriceTick, 8).Round(0).Mul(i.PriceTick)
}

// Quote is a bid/ask snapshot for an instrument. Only the latest quote per
// instrument is retained in the cache.
type Quote struct {
	InstrumentID InstrumentID    `json:"instrumentId"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	BidSize      decimal.Decimal `json:"bidSize"`
	AskSize      decimal.Decimal `json:"askSize"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// SpreadWidth returns ask-bid.
func (q Quote) SpreadWidth() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Valid reports whether both sides of the quote are populated.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Bar is an OHLCV candle over a fixed period, keyed by (instrument, period).
type Bar struct {
	InstrumentID InstrumentID    `json:"instrumentId"`
	Period       time.Duration   `json:"period"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Order is a submitted trading intent.
type Order struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	InstrumentID    InstrumentID    `json:"instrumentId"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"`
	TimeInForce     TimeInForce     `json:"timeInForce"`
	Status          OrderStatus     `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	Commission      decimal.Decimal `json:"commission"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Position is a net holding per instrument.
type Position struct {
	InstrumentID  InstrumentID    `json:"instrumentId"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPx    decimal.Decimal `json:"avgEntryPx"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
	ClosedAt      *time.Time      `json:"closedAt,omitempty"`
}

// IsFlat reports whether the position carries no quantity.
func (p Position) IsFlat() bool {
	return p.Side == PositionSideFlat || p.Quantity.IsZero()
}

// PnLSample is one (timestamp, pnl) point in a trade's drawdown snapshot.
type PnLSample struct {
	Timestamp time.Time       `json:"timestamp"`
	PnL       decimal.Decimal `json:"pnl"`
}

// TradeLeg records one strike/side of a multi-leg trade.
type TradeLeg struct {
	InstrumentID InstrumentID    `json:"instrumentId"`
	Strike       decimal.Decimal `json:"strike"`
	Kind         OptionKind      `json:"kind"`
	Ratio        int             `json:"ratio"` // +1 long, -1 short
}

// TradeRecord is the logical trade spanning an entry and its matching exit.
type TradeRecord struct {
	TradeID      string       `json:"tradeId"`
	StrategyID   string       `json:"strategyId"`
	InstrumentID InstrumentID `json:"instrumentId"`
	TradeType    string       `json:"tradeType"`

	EntryTime  time.Time       `json:"entryTime"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitTime   time.Time       `json:"exitTime,omitempty"`
	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`

	Quantity  decimal.Decimal `json:"quantity"`
	Direction OrderSide       `json:"direction"`

	GrossPnL   decimal.Decimal `json:"grossPnl"`
	Commission decimal.Decimal `json:"commission"`
	NetPnL     decimal.Decimal `json:"netPnl"`
	Result     TradeResult     `json:"result,omitempty"`

	MaxUnrealizedProfit   decimal.Decimal `json:"maxUnrealizedProfit"`
	MaxUnrealizedLoss     decimal.Decimal `json:"maxUnrealizedLoss"`
	MaxUnrealizedLossTime time.Time       `json:"maxUnrealizedLossTime,omitempty"`
	Snapshots             []PnLSample     `json:"snapshots,omitempty"`

	Strikes []string   `json:"strikes,omitempty"`
	Legs    []TradeLeg `json:"legs,omitempty"`

	Status     TradeStatus `json:"status"`
	ExitReason ExitReason  `json:"exitReason,omitempty"`
}

// OrderRecord is each order attached to a trade, filled or attempted.
type OrderRecord struct {
	ID              int64           `json:"id"`
	TradeID         string          `json:"tradeId,omitempty"`
	StrategyID      string          `json:"strategyId"`
	InstrumentID    InstrumentID    `json:"instrumentId"`
	Direction       OrderDirection  `json:"direction"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Status          OrderStatus     `json:"status"`
	SubmittedTime   time.Time       `json:"submittedTime"`
	FilledTime      *time.Time      `json:"filledTime,omitempty"`
	FilledPrice     decimal.Decimal `json:"filledPrice,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filledQuantity,omitempty"`
	Commission      decimal.Decimal `json:"commission,omitempty"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Raw             string          `json:"raw,omitempty"`
}

// StrategyConfig is the durable, user-editable configuration for one
// strategy instance, persisted under the "config/<id>" document namespace.
type StrategyConfig struct {
	ID           string         `json:"id" validate:"required"`
	Name         string         `json:"name" validate:"required"`
	Type         string         `json:"type" validate:"required"`
	Enabled      bool           `json:"enabled"`
	InstrumentID string         `json:"instrumentId" validate:"required"`
	OrderSize    int            `json:"orderSize" validate:"gte=0"`
	Parameters   map[string]any `json:"parameters"`
}

// StrategyState is a type-dependent document serialized by a strategy and
// persisted under the "state/<id>" namespace, overwritten frequently.
type StrategyState map[string]any

// LifecycleStatus mirrors the runtime lifecycle state machine.
type LifecycleStatus string

const (
	LifecycleNew       LifecycleStatus = "NEW"
	LifecycleReady     LifecycleStatus = "READY"
	LifecycleRunning   LifecycleStatus = "RUNNING"
	LifecycleStopping  LifecycleStatus = "STOPPING"
	LifecycleStopped   LifecycleStatus = "STOPPED"
	LifecycleResetting LifecycleStatus = "RESETTING"
)

// StrategyStatus is the externally-visible snapshot of one strategy.
type StrategyStatus struct {
	ID      string          `json:"id"`
	Running bool            `json:"running"`
	Status  LifecycleStatus `json:"status"`
	Config  StrategyConfig  `json:"config"`
	State   StrategyState   `json:"state,omitempty"`
	Metrics StrategyStats   `json:"metrics"`
}

// StrategyStats aggregates a strategy's historical performance, computed
// from closed trades in the trading data store.
type StrategyStats struct {
	StrategyID      string          `json:"strategyId"`
	TotalTrades     int             `json:"totalTrades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	Breakevens      int             `json:"breakevens"`
	WinRate         decimal.Decimal `json:"winRate"`
	GrossPnL        decimal.Decimal `json:"grossPnl"`
	NetPnL          decimal.Decimal `json:"netPnl"`
	TotalCommission decimal.Decimal `json:"totalCommission"`
	AvgWin          decimal.Decimal `json:"avgWin"`
	AvgLoss         decimal.Decimal `json:"avgLoss"`
}

// DrawdownAnalysis summarizes worst-case excursions across a strategy's
// trades.
type DrawdownAnalysis struct {
	StrategyID           string          `json:"strategyId"`
	WorstUnrealizedLoss  decimal.Decimal `json:"worstUnrealizedLoss"`
	WorstTradeID         string          `json:"worstTradeId,omitempty"`
	AvgMaxUnrealizedLoss decimal.Decimal `json:"avgMaxUnrealizedLoss"`
}

// ManagerStatus is the aggregate snapshot returned by the strategy manager.
// TotalExposure is intentionally left unaggregated (see DESIGN.md, Open
// Questions) pending a cross-strategy margin model.
type ManagerStatus struct {
	Ready         bool             `json:"ready"`
	TotalExposure decimal.Decimal  `json:"totalExposure"`
	Strategies    []StrategyStatus `json:"strategies"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}
