// Package bus implements the supervisor's in-process publish/subscribe
// system: a bounded worker pool dispatching typed broker events to
// per-strategy subscribers, plus a set of ad hoc string topics used for
// dashboard notifications, and a snapshot cache of the latest known market
// and account state.
package bus

import (
	"time"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// EventType identifies the category of a published Event.
type EventType string

const (
	EventInstrumentAdded      EventType = "instrument_added"
	EventQuoteTick            EventType = "quote_tick"
	EventBar                  EventType = "bar"
	EventOrderSubmitted       EventType = "order_submitted"
	EventOrderAccepted        EventType = "order_accepted"
	EventOrderRejected        EventType = "order_rejected"
	EventOrderPartiallyFilled EventType = "order_partially_filled"
	EventOrderFilled          EventType = "order_filled"
	EventOrderCanceled        EventType = "order_canceled"
	EventOrderExpired         EventType = "order_expired"
	EventConnectionStatus     EventType = "connection_status"

	// EventTopic carries an ad hoc string-topic notification (system_status,
	// spx_stream_price, spx_stream_log, …) rather than a structured broker
	// event. Subscribers that want a specific topic filter on Topic.
	EventTopic EventType = "topic"
)

// Event is the common interface for everything published on the bus.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }

func newBase(t EventType) BaseEvent {
	return BaseEvent{Type: t, Timestamp: time.Now()}
}

// InstrumentAddedEvent announces that a new instrument has been resolved
// against the broker and is now queryable from the Cache.
type InstrumentAddedEvent struct {
	BaseEvent
	Instrument types.Instrument
}

func NewInstrumentAddedEvent(inst types.Instrument) *InstrumentAddedEvent {
	return &InstrumentAddedEvent{BaseEvent: newBase(EventInstrumentAdded), Instrument: inst}
}

// QuoteTickEvent carries an updated bid/ask quote for an instrument.
type QuoteTickEvent struct {
	BaseEvent
	Quote types.Quote
}

func NewQuoteTickEvent(q types.Quote) *QuoteTickEvent {
	return &QuoteTickEvent{BaseEvent: newBase(EventQuoteTick), Quote: q}
}

// BarEvent carries a completed OHLCV bar for an instrument.
type BarEvent struct {
	BaseEvent
	Bar types.Bar
}

func NewBarEvent(b types.Bar) *BarEvent {
	return &BarEvent{BaseEvent: newBase(EventBar), Bar: b}
}

// OrderEvent carries an order lifecycle transition. The specific EventType
// (OrderSubmitted/Accepted/Rejected/PartiallyFilled/Filled/Canceled/Expired)
// distinguishes the transition.
type OrderEvent struct {
	BaseEvent
	Order  types.Order
	Reason string // populated for Rejected/Canceled/Expired
}

func NewOrderEvent(t EventType, o types.Order, reason string) *OrderEvent {
	return &OrderEvent{BaseEvent: newBase(t), Order: o, Reason: reason}
}

// ConnectionStatusEvent announces a broker connection state transition.
type ConnectionStatusEvent struct {
	BaseEvent
	Connected bool
	Detail    string
}

func NewConnectionStatusEvent(connected bool, detail string) *ConnectionStatusEvent {
	return &ConnectionStatusEvent{BaseEvent: newBase(EventConnectionStatus), Connected: connected, Detail: detail}
}

// TopicEvent carries an ad hoc string-topic payload — the vehicle for
// dashboard notifications like system_status, spx_stream_price,
// spx_stream_log, and user-visible warnings ("ENTRY CANCELLED — Signal
// Expired").
type TopicEvent struct {
	BaseEvent
	Topic   string
	Payload any
}

func NewTopicEvent(topic string, payload any) *TopicEvent {
	return &TopicEvent{BaseEvent: newBase(EventTopic), Topic: topic, Payload: payload}
}
