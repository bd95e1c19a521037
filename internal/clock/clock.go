// Package clock provides the supervisor's time source: named one-shot and
// periodic alerts for strategy runtimes, plus a cron facility for daily
// housekeeping jobs. The two are kept separate deliberately — alerts are
// fine-grained, per-strategy, and cancellable by name; cron jobs are
// coarse, supervisor-wide, and fire independent of any one strategy's
// lifecycle.
package clock

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AlertFunc is invoked when a named alert fires. The time passed is the
// clock's Now() at the moment the alert fired, not the time it was
// scheduled for.
type AlertFunc func(scheduledAt time.Time)

type alert struct {
	name     string
	fn       AlertFunc
	timer    *time.Timer
	period   time.Duration // zero for one-shot
	canceled bool
}

// Clock is a per-strategy-runtime-shared alert scheduler plus a
// supervisor-wide cron instance. A Clock's alerts are independent of other
// Clocks; the cron instance is shared because housekeeping jobs are
// supervisor-level, not strategy-level.
type Clock struct {
	mu     sync.Mutex
	logger *zap.Logger
	alerts map[string]*alert

	cron *cron.Cron
}

// New creates a Clock with its own cron scheduler running in seconds-enabled
// mode, matching the precision needed for mid-minute daily resets.
func New(logger *zap.Logger) *Clock {
	return &Clock{
		logger: logger,
		alerts: make(map[string]*alert),
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Now returns the current wall-clock time. Centralized so a future
// simulated-clock implementation (for backtests or deterministic tests) has
// a single seam to override.
func (c *Clock) Now() time.Time {
	return time.Now()
}

// SetTimeAlert arms a named one-shot alert that fires after d. If an alert
// with the same name already exists, it is replaced — this is how strategy
// runtimes implement self-rescheduling loops (arm the next tick from inside
// the current tick's handler, using override semantics rather than a
// persistent ticker).
func (c *Clock) SetTimeAlert(name string, d time.Duration, fn AlertFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(name, d, 0, fn)
}

// SetPeriodicAlert arms a named alert that re-arms itself every period until
// canceled. Unlike time.Ticker, periodic alerts are named and individually
// cancellable, and skip a lost tick rather than bursting to catch up.
func (c *Clock) SetPeriodicAlert(name string, period time.Duration, fn AlertFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(name, period, period, fn)
}

func (c *Clock) replaceLocked(name string, delay, period time.Duration, fn AlertFunc) {
	if existing, ok := c.alerts[name]; ok {
		existing.canceled = true
		existing.timer.Stop()
	}
	a := &alert{name: name, fn: fn, period: period}
	a.timer = time.AfterFunc(delay, func() { c.fire(a) })
	c.alerts[name] = a
}

func (c *Clock) fire(a *alert) {
	c.mu.Lock()
	if a.canceled {
		c.mu.Unlock()
		return
	}
	scheduledAt := c.Now()
	if a.period > 0 {
		a.timer = time.AfterFunc(a.period, func() { c.fire(a) })
	} else {
		delete(c.alerts, a.name)
	}
	c.mu.Unlock()

	c.safeInvoke(a.name, a.fn, scheduledAt)
}

func (c *Clock) safeInvoke(name string, fn AlertFunc, scheduledAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("alert handler panicked",
				zap.String("alert", name),
				zap.Any("panic", r))
		}
	}()
	fn(scheduledAt)
}

// CancelAlert stops a named alert if it exists. Canceling an unknown name is
// a no-op, matching the original implementation's tolerant re-arm pattern.
func (c *Clock) CancelAlert(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.alerts[name]; ok {
		a.canceled = true
		a.timer.Stop()
		delete(c.alerts, name)
	}
}

// HasAlert reports whether a named alert is currently armed.
func (c *Clock) HasAlert(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.alerts[name]
	return ok
}

// CronJob is a named, scheduled housekeeping task.
type CronJob interface {
	Name() string
	Run() error
}

// AddCronJob registers a job on the supervisor-wide cron schedule using
// standard 6-field (seconds-enabled) cron syntax.
func (c *Clock) AddCronJob(schedule string, job CronJob) error {
	_, err := c.cron.AddFunc(schedule, func() {
		c.logger.Debug("cron job starting", zap.String("job", job.Name()))
		if err := job.Run(); err != nil {
			c.logger.Error("cron job failed", zap.String("job", job.Name()), zap.Error(err))
			return
		}
		c.logger.Debug("cron job completed", zap.String("job", job.Name()))
	})
	if err != nil {
		return err
	}
	c.logger.Info("cron job registered", zap.String("schedule", schedule), zap.String("job", job.Name()))
	return nil
}

// StartCron starts the cron scheduler goroutine.
func (c *Clock) StartCron() {
	c.cron.Start()
}

// StopCron stops the cron scheduler and blocks until any running job
// finishes.
func (c *Clock) StopCron() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// StopAll cancels every armed alert and stops the cron scheduler. Called
// during supervisor shutdown.
func (c *Clock) StopAll() {
	c.mu.Lock()
	for name, a := range c.alerts {
		a.canceled = true
		a.timer.Stop()
		delete(c.alerts, name)
	}
	c.mu.Unlock()
	c.StopCron()
}
