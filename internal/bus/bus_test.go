package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(zap.NewNop(), bus.Config{WorkerCount: 2, BufferSize: 16})
	t.Cleanup(b.Stop)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeAndPublish(t *testing.T) {
	b := newTestBus(t)

	received := make(chan bus.Event, 1)
	b.Subscribe(bus.EventConnectionStatus, func(ev bus.Event) error {
		received <- ev
		return nil
	})

	b.Publish(bus.NewConnectionStatusEvent(true, "paper"))

	select {
	case ev := <-received:
		cse, ok := ev.(*bus.ConnectionStatusEvent)
		require.True(t, ok)
		assert.True(t, cse.Connected)
		assert.Equal(t, "paper", cse.Detail)
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}

	waitFor(t, func() bool { return b.Stats().Published >= 1 })
	waitFor(t, func() bool { return b.Stats().Processed >= 1 })
}

func TestSubscribeTopicFiltersByTopic(t *testing.T) {
	b := newTestBus(t)

	var gotPrice, gotLog int
	b.SubscribeTopic("spx_stream_price", func(ev bus.Event) error { gotPrice++; return nil })
	b.SubscribeTopic("spx_stream_log", func(ev bus.Event) error { gotLog++; return nil })

	b.PublishTopic("spx_stream_price", map[string]any{"price": 5000})

	waitFor(t, func() bool { return gotPrice == 1 })
	assert.Equal(t, 0, gotLog, "subscriber for a different topic must not fire")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var count int
	sub := b.Subscribe(bus.EventConnectionStatus, func(ev bus.Event) error { count++; return nil })
	b.Publish(bus.NewConnectionStatusEvent(true, ""))
	waitFor(t, func() bool { return count == 1 })

	b.Unsubscribe(sub)
	b.Publish(bus.NewConnectionStatusEvent(false, ""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count, "unsubscribed handler must not receive further events")
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := bus.New(zap.NewNop(), bus.Config{WorkerCount: 1, BufferSize: 1})
	defer b.Stop()

	block := make(chan struct{})
	b.Subscribe(bus.EventConnectionStatus, func(ev bus.Event) error {
		<-block
		return nil
	})

	b.Publish(bus.NewConnectionStatusEvent(true, "")) // picked up by the single worker, which then blocks
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.NewConnectionStatusEvent(true, "")) // fills the size-1 buffer
	b.Publish(bus.NewConnectionStatusEvent(true, "")) // buffer full, handler still blocked -> dropped
	close(block)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t)

	b.Subscribe(bus.EventConnectionStatus, func(ev bus.Event) error {
		panic("boom")
	})
	b.Publish(bus.NewConnectionStatusEvent(true, ""))

	waitFor(t, func() bool { return b.Stats().Errored >= 1 })
}
