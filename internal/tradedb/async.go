package tradedb

import (
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/options-trading-supervisor/internal/workers"
)

// AsyncWriter dispatches trade-database writes onto a background worker
// pool so the strategy runtime's serial goroutine never blocks on disk I/O.
// Reads go straight through Repository since callers need the result
// immediately.
type AsyncWriter struct {
	repo   *Repository
	pool   *workers.Pool
	logger *zap.Logger
}

// NewAsyncWriter wires a Repository to a dedicated worker pool sized by
// poolSize/queueSize from configuration.
func NewAsyncWriter(logger *zap.Logger, repo *Repository, poolSize, queueSize int) *AsyncWriter {
	cfg := &workers.PoolConfig{
		Name:            "tradedb-writer",
		NumWorkers:      poolSize,
		QueueSize:       queueSize,
		TaskTimeout:     10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
	w := &AsyncWriter{repo: repo, logger: logger, pool: workers.NewPool(logger, cfg)}
	w.pool.Start()
	return w
}

// Submit enqueues a write and logs (rather than propagates) any failure —
// callers on the trading hot path cannot block waiting on disk write
// confirmation, so errors surface through logging and metrics only.
func (w *AsyncWriter) Submit(label string, fn func(*Repository) error) {
	err := w.pool.SubmitFunc(func() error { return fn(w.repo) })
	if err != nil {
		w.logger.Error("trade database write dropped", zap.String("op", label), zap.Error(err))
	}
}

// Stop drains the worker pool, waiting for in-flight writes to finish.
func (w *AsyncWriter) Stop() error {
	return w.pool.Stop()
}
