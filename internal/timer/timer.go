// Package timer implements the two timer kinds the run loop drives tasks
// from: fixed intervals and six-field cron expressions (seconds enabled,
// per the teacher's five-field scheduler generalized one field further).
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskcore/internal/task"
)

// cronParser parses 6-field cron expressions: second minute hour dom month dow.
var cronParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Injector is the run loop's view a timer needs: inject a task without
// waiting for a reply.
type Injector interface {
	Inject(t *task.Task) error
}

// Kind distinguishes the two timer flavors.
type Kind int

const (
	Interval Kind = iota
	Cron
)

// Timer fires on its own schedule, building and injecting a task each time.
type Timer struct {
	id       string
	kind     Kind
	interval time.Duration
	fireImmediate bool
	cronExpr string
	cronSched cronlib.Schedule

	taskType string
	priority task.Priority
	payload  []byte

	logger *slog.Logger

	fireCount atomic.Int64

	mu       sync.Mutex
	cancelFn context.CancelFunc
}

// NextRunTime parses a 6-field cron expression and returns the next fire
// time strictly after `after`.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("timer: parse cron expr %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}

// Start runs the timer loop until ctx is cancelled or Cancel is called,
// injecting a task into inj on every fire.
func (t *Timer) Start(ctx context.Context, inj Injector) error {
	logger := t.logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()
	defer cancel()

	switch t.kind {
	case Interval:
		return t.runInterval(ctx, inj, logger)
	case Cron:
		return t.runCron(ctx, inj, logger)
	default:
		return fmt.Errorf("timer: unknown kind %d", t.kind)
	}
}

// Cancel stops the timer, ending whichever Start call is currently running.
// Idempotent and safe to call before Start or more than once.
func (t *Timer) Cancel() {
	t.mu.Lock()
	cancel := t.cancelFn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FireCount returns how many times the timer has fired so far.
func (t *Timer) FireCount() int64 {
	return t.fireCount.Load()
}

func (t *Timer) runInterval(ctx context.Context, inj Injector, logger *slog.Logger) error {
	if t.fireImmediate {
		t.fire(inj, logger)
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.fire(inj, logger)
		}
	}
}

func (t *Timer) runCron(ctx context.Context, inj Injector, logger *slog.Logger) error {
	for {
		next := t.cronSched.Next(time.Now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			t.fire(inj, logger)
		}
	}
}

func (t *Timer) fire(inj Injector, logger *slog.Logger) {
	t.fireCount.Add(1)
	tk := task.New(t.taskType, t.priority, t.payload)
	tk.Source = task.SourceTimer
	tk.Metadata = map[string]string{"timer_id": t.id}
	if err := inj.Inject(tk); err != nil {
		logger.Error("timer: inject failed", "timer_id", t.id, "task_type", t.taskType, "error", err)
	}
}

// ID returns the timer's registry key.
func (t *Timer) ID() string { return t.id }
