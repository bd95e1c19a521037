package workers_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/workers"
)

func newTestPool(t *testing.T, numWorkers, queueSize int) *workers.Pool {
	t.Helper()
	p := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name: "test", NumWorkers: numWorkers, QueueSize: queueSize,
		TaskTimeout: time.Second, ShutdownTimeout: time.Second, PanicRecovery: true,
	})
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := newTestPool(t, 2, 8)
	done := make(chan struct{}, 1)
	require.NoError(t, p.SubmitFunc(func() error { done <- struct{}{}; return nil }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}

	waitForStats(t, p, func(s workers.PoolStats) bool { return s.TasksCompleted == 1 })
}

func TestPoolRecoversTaskPanic(t *testing.T) {
	p := newTestPool(t, 1, 8)
	require.NoError(t, p.SubmitFunc(func() error { panic("boom") }))
	waitForStats(t, p, func(s workers.PoolStats) bool { return s.PanicRecovered == 1 })
}

func TestPoolRecordsTaskFailure(t *testing.T) {
	p := newTestPool(t, 1, 8)
	require.NoError(t, p.SubmitFunc(func() error { return errors.New("write failed") }))
	waitForStats(t, p, func(s workers.PoolStats) bool { return s.TasksFailed == 1 })
}

func TestPoolSubmitFuncRejectsAfterStop(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name: "test", NumWorkers: 1, QueueSize: 1,
		TaskTimeout: time.Second, ShutdownTimeout: time.Second,
	})
	p.Start()
	require.NoError(t, p.Stop())

	err := p.SubmitFunc(func() error { return nil })
	assert.ErrorIs(t, err, workers.ErrPoolStopped)
}

func TestPoolSubmitFuncReturnsErrQueueFullWhenSaturated(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name: "test", NumWorkers: 0, QueueSize: 1,
		TaskTimeout: time.Second, ShutdownTimeout: time.Second,
	})
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitFunc(func() error { return nil }))
	err := p.SubmitFunc(func() error { return nil })
	assert.ErrorIs(t, err, workers.ErrQueueFull)
}

func waitForStats(t *testing.T, p *workers.Pool, cond func(workers.PoolStats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(p.Stats()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition on pool stats not met before deadline")
}
