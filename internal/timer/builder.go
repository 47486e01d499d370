package timer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskcore/internal/task"
)

// Builder is a fluent constructor for Timer, grounded in original_source's
// TimerBuilder: set a task type/priority/payload and either an interval or a
// cron expression, then Build.
type Builder struct {
	id       string
	taskType string
	priority task.Priority
	payload  []byte
	interval *time.Duration
	cronExpr string
	logger   *slog.Logger
	fireNow  bool
}

// NewBuilder starts a Builder for the timer with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{id: id, priority: task.Normal}
}

func (b *Builder) TaskType(t string) *Builder      { b.taskType = t; return b }
func (b *Builder) Priority(p task.Priority) *Builder { b.priority = p; return b }
func (b *Builder) Payload(p []byte) *Builder       { b.payload = p; return b }
func (b *Builder) Logger(l *slog.Logger) *Builder  { b.logger = l; return b }

// Every configures an interval timer.
func (b *Builder) Every(d time.Duration) *Builder {
	b.interval = &d
	return b
}

// Cron configures a 6-field cron timer.
func (b *Builder) Cron(expr string) *Builder {
	b.cronExpr = expr
	return b
}

// FireImmediate makes an interval timer fire once as soon as Start runs,
// instead of waiting out the first interval. It has no effect on cron timers,
// whose fire times are always determined by the expression.
func (b *Builder) FireImmediate(v bool) *Builder {
	b.fireNow = v
	return b
}

// Build validates the builder's configuration and returns a Timer.
func (b *Builder) Build() (*Timer, error) {
	if b.taskType == "" {
		return nil, fmt.Errorf("timer %q: task type required", b.id)
	}
	if b.interval != nil && b.cronExpr != "" {
		return nil, fmt.Errorf("timer %q: specify Every or Cron, not both", b.id)
	}
	t := &Timer{
		id:       b.id,
		taskType: b.taskType,
		priority: b.priority,
		payload:  b.payload,
		logger:   b.logger,
	}
	switch {
	case b.interval != nil:
		if *b.interval <= 0 {
			return nil, fmt.Errorf("timer %q: interval must be positive", b.id)
		}
		t.kind = Interval
		t.interval = *b.interval
		t.fireImmediate = b.fireNow
	case b.cronExpr != "":
		sched, err := cronParser.Parse(b.cronExpr)
		if err != nil {
			return nil, fmt.Errorf("timer %q: parse cron expr %q: %w", b.id, b.cronExpr, err)
		}
		t.kind = Cron
		t.cronExpr = b.cronExpr
		t.cronSched = sched
	default:
		return nil, fmt.Errorf("timer %q: specify Every or Cron", b.id)
	}
	return t, nil
}
