package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler processes a single event. Errors are logged, never propagated.
type Handler func(Event) error

// Filter selectively admits events to a subscription; used by topic
// subscriptions to match a single topic string out of the shared
// EventTopic stream.
type Filter func(Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Filter Filter
}

type subscription struct {
	id      uint64
	handler Handler
	filter  Filter
	active  atomic.Bool
}

// Config configures the Bus's worker pool and channel depth.
type Config struct {
	WorkerCount int
	BufferSize  int
}

// DefaultConfig mirrors the teacher's event bus defaults.
func DefaultConfig() Config {
	return Config{WorkerCount: 16, BufferSize: 4096}
}

// Bus is a bounded, worker-pooled publish/subscribe dispatcher. Publish
// never blocks the caller — a full buffer drops the event and counts it,
// because the trading loop must never stall on a slow subscriber.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	nextSubID   atomic.Uint64

	events chan Event

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	errored   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus and starts its worker pool.
func New(logger *zap.Logger, cfg Config) *Bus {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 16
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:      logger,
		subscribers: make(map[EventType][]*subscription),
		events:      make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	logger.Info("bus started", zap.Int("workers", cfg.WorkerCount), zap.Int("buffer_size", cfg.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.events:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.GetType()]
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		b.invoke(sub, ev)
	}
	b.processed.Add(1)
}

// invoke runs a handler with panic containment, matching the teacher's
// executeHandler: a misbehaving strategy callback can never take down the
// bus or another subscriber.
func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errored.Add(1)
			b.logger.Error("bus handler panic",
				zap.Uint64("subscription_id", sub.id),
				zap.String("event_type", string(ev.GetType())),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.errored.Add(1)
		b.logger.Warn("bus handler error",
			zap.Uint64("subscription_id", sub.id),
			zap.String("event_type", string(ev.GetType())),
			zap.Error(err),
		)
	}
}

// Subscription is an opaque handle returned from Subscribe, used only to
// Unsubscribe later.
type Subscription struct {
	eventType EventType
	id        uint64
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler, opts ...SubscribeOptions) Subscription {
	var opt SubscribeOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	sub := &subscription{id: b.nextSubID.Add(1), handler: handler, filter: opt.Filter}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	return Subscription{eventType: eventType, id: sub.id}
}

// SubscribeTopic subscribes to EventTopic events carrying a specific topic
// string (e.g. "system_status").
func (b *Bus) SubscribeTopic(topic string, handler Handler) Subscription {
	return b.Subscribe(EventTopic, handler, SubscribeOptions{
		Filter: func(ev Event) bool {
			te, ok := ev.(*TopicEvent)
			return ok && te.Topic == topic
		},
	})
}

// Unsubscribe deactivates a subscription. Idempotent.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers[sub.eventType] {
		if s.id == sub.id {
			s.active.Store(false)
			return
		}
	}
}

// Publish fans an event out to every matching subscriber via the worker
// pool. Non-blocking: if the channel is full the event is dropped and
// counted, never blocking the publisher (the broker client / strategy
// runtime).
func (b *Bus) Publish(ev Event) {
	select {
	case b.events <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("bus event dropped: buffer full", zap.String("event_type", string(ev.GetType())))
	}
}

// PublishTopic is a convenience wrapper for publishing an ad hoc
// notification on a string topic.
func (b *Bus) PublishTopic(topic string, payload any) {
	b.Publish(NewTopicEvent(topic, payload))
}

// Stats reports bus counters, exposed on /metrics.
type Stats struct {
	Published int64
	Processed int64
	Dropped   int64
	Errored   int64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Errored:   b.errored.Load(),
	}
}

// Stop drains in-flight work (bounded by timeout) and shuts the pool down.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("bus shutdown timed out")
	}
}
