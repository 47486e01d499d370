// Package workqueue implements the worker loop that recovers pending tasks
// from a persistent store and resubmits them to the run loop, retrying
// failures with exponential backoff up to a configured limit before moving a
// task to DeadLetter.
package workqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/taskcore/internal/store"
	"github.com/basket/taskcore/internal/task"
)

// Submitter is the run loop's view a worker loop needs.
type Submitter interface {
	Submit(t *task.Task) error
}

// Config configures a Worker.
type Config struct {
	Store        *store.Store
	Submitter    Submitter
	Logger       *slog.Logger
	MaxRetries   int           // default 3
	RetryBackoff time.Duration // default 5s, doubled per attempt, capped at 2m
	PollInterval time.Duration // default 2s
}

const retryCountKey = "retry_count"
const maxBackoff = 2 * time.Minute

// Worker pulls pending tasks from a Store and feeds them to a run loop,
// persisting status transitions via OnComplete.
type Worker struct {
	store        *store.Store
	submitter    Submitter
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
	pollInterval time.Duration
}

// New builds a Worker with defaults applied.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Worker{
		store:        cfg.Store,
		submitter:    cfg.Submitter,
		logger:       logger,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		pollInterval: poll,
	}
}

// Run polls the store for pending tasks and submits them until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	pending, err := w.store.LoadPending()
	if err != nil {
		w.logger.Error("workqueue: load pending failed", "error", err)
		return
	}
	for _, t := range pending {
		if !t.ScheduledAt.IsZero() && t.ScheduledAt.After(time.Now()) {
			continue // retry backoff not yet elapsed
		}
		w.submitOne(t)
	}
}

func (w *Worker) submitOne(t *task.Task) {
	t.Status = task.Running
	t.UpdatedAt = time.Now()
	if err := w.store.Save(t); err != nil {
		w.logger.Error("workqueue: persist running transition failed", "task_id", t.ID, "error", err)
		return
	}

	if err := w.submitter.Submit(t); err != nil {
		w.logger.Warn("workqueue: submit failed, will retry", "task_id", t.ID, "error", err)
		w.reschedule(t)
		return
	}
}

// OnComplete observes a task's terminal state from the run loop and persists
// it, handling retry-with-backoff for failures (resolves the retry policy
// open question: see SPEC_FULL.md D.1).
func (w *Worker) OnComplete(t *task.Task) {
	switch t.Status {
	case task.Completed, task.Cancelled:
		if err := w.store.Save(t); err != nil {
			w.logger.Error("workqueue: persist terminal status failed", "task_id", t.ID, "error", err)
		}
	case task.Failed:
		w.reschedule(t)
	}
}

func (w *Worker) reschedule(t *task.Task) {
	attempt := retryCount(t)
	if attempt >= w.maxRetries {
		t.Status = task.DeadLetter
		t.UpdatedAt = time.Now()
		if err := w.store.Save(t); err != nil {
			w.logger.Error("workqueue: persist dead letter failed", "task_id", t.ID, "error", err)
		}
		w.logger.Warn("workqueue: task moved to dead letter", "task_id", t.ID, "attempts", attempt)
		return
	}

	attempt++
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[retryCountKey] = strconv.Itoa(attempt)
	t.Status = task.Pending
	t.ScheduledAt = time.Now().Add(backoffFor(attempt, w.retryBackoff))
	t.UpdatedAt = time.Now()

	if err := w.store.Save(t); err != nil {
		w.logger.Error("workqueue: persist retry failed", "task_id", t.ID, "error", err)
	}
}

func retryCount(t *task.Task) int {
	if t.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(t.Metadata[retryCountKey])
	if err != nil {
		return 0
	}
	return n
}

// backoffFor doubles retryBackoff per attempt, capped at maxBackoff.
func backoffFor(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
