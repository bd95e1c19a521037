// Package broker implements the exchange data/execution client (C4): an
// adapter over the broker gateway exposing subscribe/request/submit/compose
// operations, publishing every market-data and order-lifecycle update onto
// the shared bus.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// InstrumentSpec describes a contract to resolve against the broker —
// either a plain symbol (index/future) or an option leg (strike/kind/
// expiration on an underlying).
type InstrumentSpec struct {
	Symbol     string
	AssetClass types.AssetClass
	Strike     decimal.Decimal
	Kind       types.OptionKind
	Expiration time.Time
}

// SpreadLeg pairs an instrument spec with its ratio in a composed order
// (+1 long, -1 short), per SPEC_FULL.md §4.4's Compose operation.
type SpreadLeg struct {
	Spec  InstrumentSpec
	Ratio int
}

// SubmitRequest is the order submission contract shared by single-leg and
// spread orders.
type SubmitRequest struct {
	ClientOrderID string
	InstrumentID  types.InstrumentID
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	TimeInForce   types.TimeInForce
}

// ExchangeAdapter is the capability set a strategy runtime is constructed
// with: subscribe to market data, request instrument resolution, submit and
// cancel orders, and compose multi-leg spread orders. Every call may block
// on I/O and accepts a context.
type ExchangeAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error

	SubscribeQuotes(ctx context.Context, id types.InstrumentID) error
	UnsubscribeQuotes(id types.InstrumentID) error
	SubscribeBars(ctx context.Context, id types.InstrumentID, period time.Duration) error
	UnsubscribeBars(id types.InstrumentID, period time.Duration) error

	RequestInstrument(ctx context.Context, spec InstrumentSpec) (types.InstrumentID, error)
	RequestInstruments(ctx context.Context, specs []InstrumentSpec) ([]types.InstrumentID, error)

	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	CancelAllOrders(ctx context.Context) error

	CreateSpread(ctx context.Context, legs []SpreadLeg, req SubmitRequest) (string, error)
}
