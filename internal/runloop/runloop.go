// Package runloop implements the single dispatch fiber that owns the task
// queue and the spawner: it pops ready tasks, dispatches them to registered
// handlers, injects follow-up tasks, and delivers replies through a channel
// registry.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/channels"
	taskotel "github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/queue"
	"github.com/basket/taskcore/internal/spawner"
	"github.com/basket/taskcore/internal/task"
)

// Handler processes one task and optionally returns a reply payload (sent to
// t.ReplyTo, if set) and follow-up tasks to inject.
type Handler func(ctx context.Context, t *task.Task) (reply []byte, followUps []task.FollowUp, err error)

// ShutdownMode controls how Shutdown drains outstanding work.
type ShutdownMode int

const (
	// Graceful closes the queue to new submissions and waits for every
	// dispatched unit to finish.
	Graceful ShutdownMode = iota
	// Immediate closes the queue and cancels every dispatched unit.
	Immediate
)

// Config configures a RunLoop.
type Config struct {
	QueueCapacity int
	Logger        *slog.Logger
	Replies       *channels.Registry
	Metrics       *taskotel.Metrics
	Tracer        trace.Tracer
	// Bus, if set, receives a TaskStateChangedEvent on every status
	// transition a dispatched task makes. Observers (a streaming gateway
	// endpoint, a CLI) subscribe without coupling to the run loop directly.
	Bus *bus.Bus
	// PollInterval bounds how long the dispatch loop sleeps when there is no
	// ready task and no delayed task to wake on; it exists only as a safety
	// net against missed wakeups, not as the primary scheduling signal.
	PollInterval time.Duration
	// ShutdownGrace bounds how long Shutdown(Graceful) waits for in-flight
	// units to finish on their own before it cancels whatever remains.
	// Defaults to 5s.
	ShutdownGrace time.Duration
	// OnComplete, if set, is called with every task's final state (Completed,
	// Failed, or Cancelled) after its handler returns. The work-queue worker
	// loop uses this to persist status transitions and drive retries.
	OnComplete func(*task.Task)
}

// RunLoop is the scheduler: one dispatch goroutine, a handler table, a dual
// queue, and a spawner.
type RunLoop struct {
	queue    *queue.Queue
	spawner  *spawner.Spawner
	logger   *slog.Logger
	replies  *channels.Registry
	metrics    *taskotel.Metrics
	tracer     trace.Tracer
	bus        *bus.Bus
	pollIntv   time.Duration
	shutdownGrace time.Duration
	onComplete func(*task.Task)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// activeMu guards unitOf, the mapping from in-flight task id to its
	// spawner unit id, used by CancelTask.
	activeMu sync.Mutex
	unitOf   map[string]string

	doorbell chan struct{}

	runOnce      sync.Once
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// New builds a RunLoop. Call Run to start dispatching.
func New(cfg Config) *RunLoop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("taskcore/runloop")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &RunLoop{
		queue:    queue.New(queue.Config{Capacity: cfg.QueueCapacity}),
		spawner:  spawner.New(spawner.Config{Logger: logger}),
		logger:   logger,
		replies:  cfg.Replies,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		bus:        cfg.Bus,
		pollIntv:   poll,
		shutdownGrace: grace,
		onComplete: cfg.OnComplete,
		handlers: make(map[string]Handler),
		unitOf:   make(map[string]string),
		doorbell: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// RegisterHandler binds taskType to h. Returns task.ErrAlreadyRegistered if
// taskType already has a handler.
func (r *RunLoop) RegisterHandler(taskType string, h Handler) error {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("runloop: handler for %q: %w", taskType, task.ErrAlreadyRegistered)
	}
	r.handlers[taskType] = h
	return nil
}

// Submit enqueues t for dispatch and, if it's reached the ready heap,
// records a queued-gauge increment and wakes the dispatch loop. Returns
// task.ErrInvalidTaskType if no handler is registered for t.Type, or
// task.ErrQueueFull/task.ErrClosed from the underlying queue.
func (r *RunLoop) Submit(t *task.Task) error {
	r.handlersMu.RLock()
	_, ok := r.handlers[t.Type]
	r.handlersMu.RUnlock()
	if !ok {
		return fmt.Errorf("runloop: task type %q: %w", t.Type, task.ErrInvalidTaskType)
	}
	if err := r.queue.Push(t); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Submitted.Add(context.Background(), 1)
		r.metrics.Queued.Add(context.Background(), 1)
	}
	r.ring()
	return nil
}

// Inject is Submit under a name timers and follow-up handling use; it is not
// semantically distinct; both go through the same capacity-checked queue.
func (r *RunLoop) Inject(t *task.Task) error {
	return r.Submit(t)
}

// ring is the non-blocking doorbell send: it never blocks, tolerating
// spurious wakeups, per the buffered-channel-plus-timer design.
func (r *RunLoop) ring() {
	select {
	case r.doorbell <- struct{}{}:
	default:
	}
}

// CancelTask cancels taskID. If it is currently dispatched, its running unit
// is signalled directly. Otherwise it is marked in the queue so it is
// dropped instead of dispatched when popped (from the ready heap now, or
// from the delayed heap once promoted). Returns task.ErrUnitNotFound if
// taskID is neither dispatched nor queued.
func (r *RunLoop) CancelTask(taskID string) error {
	r.activeMu.Lock()
	unitID, ok := r.unitOf[taskID]
	r.activeMu.Unlock()
	if ok {
		return r.spawner.CancelUnit(unitID)
	}
	if r.queue.Cancel(taskID) {
		return nil
	}
	return task.ErrUnitNotFound
}

// Run starts the dispatch loop and blocks until ctx is cancelled or Shutdown
// is called.
func (r *RunLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollIntv)
	defer ticker.Stop()

	for {
		r.queue.Promote(time.Now())

		t, ok := r.queue.Pop()
		if ok {
			r.dispatch(ctx, t)
			continue
		}

		wait := r.pollIntv
		if at, has := r.queue.NextDelayed(); has {
			if d := time.Until(at); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.stopped:
			timer.Stop()
			return nil
		case <-r.doorbell:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Shutdown stops accepting new submissions and, per mode, either drains
// in-flight units within ShutdownGrace before cancelling whatever remains
// (Graceful) or cancels them immediately (Immediate). It is safe to call
// more than once.
func (r *RunLoop) Shutdown(mode ShutdownMode) {
	r.shutdownOnce.Do(func() {
		r.queue.Close()
		close(r.stopped)
		if mode == Immediate {
			r.spawner.CancelAll()
			r.spawner.Wait()
			return
		}
		if r.spawner.WaitTimeout(r.shutdownGrace) {
			return
		}
		n := r.spawner.CancelAll()
		r.logger.Warn("runloop: graceful shutdown deadline exceeded; cancelled remaining units",
			"grace", r.shutdownGrace, "cancelled", n)
	})
}

func (r *RunLoop) dispatch(ctx context.Context, t *task.Task) {
	r.handlersMu.RLock()
	h, ok := r.handlers[t.Type]
	r.handlersMu.RUnlock()
	if !ok {
		r.logger.Error("runloop: dropping task with no handler", "task_id", t.ID, "task_type", t.Type)
		return
	}

	if r.metrics != nil {
		r.metrics.Dispatched.Add(context.Background(), 1)
		r.metrics.Queued.Add(context.Background(), -1)
		r.metrics.Running.Add(context.Background(), 1)
	}
	oldStatus := t.Status
	t.Status = task.Running
	t.UpdatedAt = time.Now()
	r.publishStateChange(t, oldStatus)
	audit.Record("dispatched", t.ID, t.Type, t.CorrelationID, "")

	dispatchCtx := task.WithCorrelationID(ctx, t.CorrelationID)

	unitID := r.spawner.SpawnCancellable(dispatchCtx, t.Type, func(unitCtx context.Context, tok *spawner.CancelToken) {
		r.runHandler(unitCtx, t, h)
	})

	r.activeMu.Lock()
	r.unitOf[t.ID] = unitID
	r.activeMu.Unlock()
}

func (r *RunLoop) runHandler(ctx context.Context, t *task.Task, h Handler) {
	start := time.Now()
	spanCtx, span := taskotel.StartSpan(ctx, r.tracer, "runloop.dispatch",
		taskotel.AttrTaskID.String(t.ID),
		taskotel.AttrTaskType.String(t.Type),
		taskotel.AttrTaskPriority.String(t.Priority.String()),
		taskotel.AttrCorrelationID.String(t.CorrelationID),
	)
	defer func() {
		r.activeMu.Lock()
		delete(r.unitOf, t.ID)
		r.activeMu.Unlock()
		if r.metrics != nil {
			r.metrics.Running.Add(context.Background(), -1)
			r.metrics.DispatchDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		span.End()
		if r.onComplete != nil {
			r.onComplete(t)
		}
	}()

	var reply []byte
	var followUps []task.FollowUp
	var err error

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
				errTask := task.FollowUp{
					Type:     "system:error",
					Priority: priorityPtr(task.High),
					Payload:  []byte(fmt.Sprintf("task %s (%s) panicked: %v", t.ID, t.Type, rec)),
				}.Build(t)
				errTask.Source = task.SourceSystem
				if subErr := r.Submit(errTask); subErr != nil {
					r.logger.Error("runloop: failed to submit synthesized error task", "error", subErr)
				}
			}
		}()
		reply, followUps, err = h(spanCtx, t)
	}()

	now := time.Now()
	t.UpdatedAt = now
	if err != nil {
		if errors.Is(err, context.Canceled) {
			oldStatus := t.Status
			t.Status = task.Cancelled
			t.Error = err.Error()
			span.SetStatus(codes.Error, "cancelled")
			if r.metrics != nil {
				r.metrics.Cancelled.Add(context.Background(), 1)
			}
			r.publishStateChange(t, oldStatus)
			audit.Record("cancelled", t.ID, t.Type, t.CorrelationID, t.Error)
			r.logger.Info("runloop: task cancelled", "task_id", t.ID, "task_type", t.Type)
			return
		}
		oldStatus := t.Status
		t.Status = task.Failed
		t.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.metrics != nil {
			r.metrics.Failed.Add(context.Background(), 1)
		}
		r.publishStateChange(t, oldStatus)
		audit.Record("failed", t.ID, t.Type, t.CorrelationID, t.Error)
		if r.bus != nil {
			r.bus.Publish(bus.TopicTaskFailed, t.ID)
		}
		r.logger.Error("runloop: task failed", "task_id", t.ID, "task_type", t.Type, "error", err)
		return
	}

	oldStatus := t.Status
	t.Status = task.Completed
	if r.metrics != nil {
		r.metrics.Completed.Add(context.Background(), 1)
	}
	r.publishStateChange(t, oldStatus)
	audit.Record("completed", t.ID, t.Type, t.CorrelationID, "")
	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskCompleted, t.ID)
	}

	if t.ReplyTo != nil && r.replies != nil && reply != nil {
		if sendErr := r.replies.Send(spanCtx, *t.ReplyTo, reply); sendErr != nil {
			r.logger.Error("runloop: reply delivery failed", "task_id", t.ID, "error", sendErr)
		}
	}

	for _, fu := range followUps {
		if subErr := r.Submit(fu.Build(t)); subErr != nil {
			r.logger.Error("runloop: follow-up submit failed", "task_id", t.ID, "error", subErr)
		}
	}
}

func priorityPtr(p task.Priority) *task.Priority { return &p }

// publishStateChange emits a TaskStateChangedEvent if a Bus is configured.
func (r *RunLoop) publishStateChange(t *task.Task, oldStatus task.Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:        t.ID,
		CorrelationID: t.CorrelationID,
		OldStatus:     string(oldStatus),
		NewStatus:     string(t.Status),
	})
}

// Len returns (ready, delayed) task counts, for health/metrics endpoints.
func (r *RunLoop) Len() (ready, delayed int) {
	return r.queue.Len()
}
