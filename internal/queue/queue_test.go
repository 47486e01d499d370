package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/task"
)

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New(Config{})

	low := task.New("t", task.Low, nil)
	normal := task.New("t", task.Normal, nil)
	high := task.New("t", task.High, nil)
	critical := task.New("t", task.Critical, nil)

	for _, tk := range []*task.Task{low, normal, high, critical} {
		if err := q.Push(tk); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	want := []*task.Task{critical, high, normal, low}
	for i, w := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if got.ID != w.ID {
			t.Fatalf("pop %d: got priority %s, want %s", i, got.Priority, w.Priority)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New(Config{})
	first := task.New("t", task.Normal, nil)
	second := task.New("t", task.Normal, nil)
	third := task.New("t", task.Normal, nil)

	for _, tk := range []*task.Task{first, second, third} {
		if err := q.Push(tk); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	for i, w := range []*task.Task{first, second, third} {
		got, ok := q.Pop()
		if !ok || got.ID != w.ID {
			t.Fatalf("pop %d: got %v, want %s", i, got, w.ID)
		}
	}
}

func TestQueue_DelayedDoesNotPreempt(t *testing.T) {
	q := New(Config{})

	delayed := task.New("t", task.Critical, nil)
	delayed.ScheduledAt = time.Now().Add(time.Hour)
	if err := q.Push(delayed); err != nil {
		t.Fatalf("push delayed: %v", err)
	}

	ready := task.New("t", task.Low, nil)
	if err := q.Push(ready); err != nil {
		t.Fatalf("push ready: %v", err)
	}

	got, ok := q.Pop()
	if !ok {
		t.Fatal("expected ready task")
	}
	if got.ID != ready.ID {
		t.Fatal("delayed task must not be poppable before its scheduled_at")
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("delayed task should not have been promoted yet")
	}
}

func TestQueue_PromoteMovesElapsedDelayed(t *testing.T) {
	q := New(Config{})
	delayed := task.New("t", task.Normal, nil)
	delayed.ScheduledAt = time.Now().Add(-time.Millisecond)
	if err := q.Push(delayed); err != nil {
		t.Fatalf("push: %v", err)
	}

	n := q.Promote(time.Now())
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	got, ok := q.Pop()
	if !ok || got.ID != delayed.ID {
		t.Fatal("expected promoted task to be ready")
	}
}

func TestQueue_CapacityBackpressure(t *testing.T) {
	q := New(Config{Capacity: 1})
	if err := q.Push(task.New("t", task.Normal, nil)); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	err := q.Push(task.New("t", task.Normal, nil))
	if !errors.Is(err, task.ErrQueueFull) {
		t.Fatalf("push 2: err = %v, want ErrQueueFull", err)
	}
}

func TestQueue_CancelReadyTaskIsDroppedOnPop(t *testing.T) {
	q := New(Config{})
	cancelled := task.New("t", task.Normal, nil)
	survivor := task.New("t", task.Normal, nil)
	if err := q.Push(cancelled); err != nil {
		t.Fatalf("push cancelled: %v", err)
	}
	if err := q.Push(survivor); err != nil {
		t.Fatalf("push survivor: %v", err)
	}

	if !q.Cancel(cancelled.ID) {
		t.Fatal("expected Cancel to find the queued task")
	}

	got, ok := q.Pop()
	if !ok || got.ID != survivor.ID {
		t.Fatalf("Pop() = %v, %v; want survivor", got, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected queue empty after dropping cancelled task")
	}
}

func TestQueue_CancelDelayedTaskIsDroppedOnPromote(t *testing.T) {
	q := New(Config{})
	delayed := task.New("t", task.Normal, nil)
	delayed.ScheduledAt = time.Now().Add(-time.Millisecond)
	if err := q.Push(delayed); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !q.Cancel(delayed.ID) {
		t.Fatal("expected Cancel to find the delayed task")
	}

	if n := q.Promote(time.Now()); n != 0 {
		t.Fatalf("Promote() = %d, want 0 promotions for a cancelled task", n)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("cancelled delayed task must not reach the ready heap")
	}
}

func TestQueue_CancelUnknownIDReturnsFalse(t *testing.T) {
	q := New(Config{})
	if q.Cancel("no-such-task") {
		t.Fatal("expected Cancel to report false for an unqueued id")
	}
}

func TestQueue_CloseRejectsPushButAllowsDrain(t *testing.T) {
	q := New(Config{})
	if err := q.Push(task.New("t", task.Normal, nil)); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.Close()

	if err := q.Push(task.New("t", task.Normal, nil)); !errors.Is(err, task.ErrClosed) {
		t.Fatalf("push after close: err = %v, want ErrClosed", err)
	}
	if _, ok := q.Pop(); !ok {
		t.Fatal("expected to still drain queued task after close")
	}
}
