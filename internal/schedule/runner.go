// Package schedule runs the gateway's periodic maintenance jobs on
// cron expressions: the session expiry sweep and usage-log retention
// pruning.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seomcp/gateway/internal/logger"
)

// ErrInvalidCron marks an unparseable cron expression.
var ErrInvalidCron = errors.New("invalid cron expression")

// cronParser is configured for standard 5-field cron (minute hour day
// month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates and parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched, nil
}

// NextRun calculates the next run time after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Runner drives named jobs on cron schedules. Jobs run in their own
// goroutines; a panicking job is logged, not fatal.
type Runner struct {
	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewRunner creates an idle runner.
func NewRunner() *Runner {
	return &Runner{
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Add registers a job under a cron expression. Must be called before
// or after Start; cron handles both.
func (r *Runner) Add(name, expr string, job func()) error {
	if _, err := ParseCron(expr); err != nil {
		return err
	}
	_, err := r.cron.AddFunc(expr, func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Slog().Error("scheduled job panicked", "job", name, "panic", rec)
			}
		}()
		start := time.Now()
		job()
		logger.Slog().Debug("scheduled job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	logger.Slog().Info("scheduled job registered", "job", name, "cron", expr)
	return nil
}

// Start begins dispatching jobs.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	logger.Slog().Info("schedule runner started")
}

// Stop halts dispatch and waits for in-flight jobs.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	ctx := r.cron.Stop()
	<-ctx.Done()
	logger.Slog().Info("schedule runner stopped")
}
