package spawner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskcore/internal/task"
)

func TestSpawner_CorrelationPropagation(t *testing.T) {
	s := New(Config{})
	ctx := task.WithCorrelationID(context.Background(), "corr-1")

	got := make(chan string, 1)
	s.Spawn(ctx, "greet", func(ctx context.Context) {
		got <- task.CorrelationID(ctx)
	})
	s.Wait()

	select {
	case id := <-got:
		if id != "corr-1" {
			t.Fatalf("correlation id = %q, want corr-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestSpawner_CancelIsDeterministic(t *testing.T) {
	s := New(Config{})
	started := make(chan struct{})
	cancelled := make(chan struct{})

	id := s.SpawnCancellable(context.Background(), "greet", func(ctx context.Context, tok *CancelToken) {
		close(started)
		<-tok.Done()
		close(cancelled)
	})
	<-started

	if err := s.CancelUnit(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("unit did not observe cancellation")
	}

	if err := s.CancelUnit(id); !errors.Is(err, task.ErrUnitNotFound) {
		t.Fatalf("second cancel after exit: err = %v, want ErrUnitNotFound", err)
	}
}

func TestSpawner_DoubleCancelOnLiveUnit(t *testing.T) {
	s := New(Config{})
	var wg sync.WaitGroup
	wg.Add(1)
	block := make(chan struct{})
	id := s.SpawnCancellable(context.Background(), "greet", func(ctx context.Context, tok *CancelToken) {
		defer wg.Done()
		<-block
	})

	if err := s.CancelUnit(id); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := s.CancelUnit(id); !errors.Is(err, task.ErrAlreadyCancelled) {
		t.Fatalf("second cancel: err = %v, want ErrAlreadyCancelled", err)
	}
	close(block)
	wg.Wait()
}

func TestSpawner_PanicRecovered(t *testing.T) {
	s := New(Config{})
	s.Spawn(context.Background(), "panicker", func(ctx context.Context) {
		panic("boom")
	})
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawner wait hung after panicking unit")
	}
}

func TestSpawner_CancelAll(t *testing.T) {
	s := New(Config{})
	const n = 5
	var startedWg sync.WaitGroup
	startedWg.Add(n)
	var doneWg sync.WaitGroup
	doneWg.Add(n)
	for i := 0; i < n; i++ {
		s.SpawnCancellable(context.Background(), "worker", func(ctx context.Context, tok *CancelToken) {
			startedWg.Done()
			<-tok.Done()
			doneWg.Done()
		})
	}
	startedWg.Wait()
	if got := s.CancelAll(); got != n {
		t.Fatalf("CancelAll() = %d, want %d", got, n)
	}
	doneWg.Wait()
}

func TestSpawner_ActiveTasksAndMetrics(t *testing.T) {
	s := New(Config{})
	started := make(chan struct{})
	block := make(chan struct{})

	ctx := task.WithCorrelationID(context.Background(), "corr-1")
	id := s.SpawnCancellable(ctx, "greet", func(ctx context.Context, tok *CancelToken) {
		close(started)
		<-block
	})
	<-started

	tasks := s.ActiveTasks()
	if len(tasks) != 1 {
		t.Fatalf("len(ActiveTasks()) = %d, want 1", len(tasks))
	}
	if tasks[0].UnitID != id || tasks[0].Name != "greet" || tasks[0].CorrelationID != "corr-1" {
		t.Fatalf("unexpected TaskInfo: %+v", tasks[0])
	}
	if tasks[0].State != Live {
		t.Fatalf("state = %v, want Live", tasks[0].State)
	}

	m := s.Metrics()
	if m.Active != 1 || m.Cancelled != 0 {
		t.Fatalf("Metrics() = %+v, want Active=1 Cancelled=0", m)
	}

	if err := s.CancelUnit(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	m = s.Metrics()
	if m.Cancelled != 1 {
		t.Fatalf("Metrics() after cancel = %+v, want Cancelled=1", m)
	}

	close(block)
	if !s.WaitTimeout(time.Second) {
		t.Fatal("expected units to finish within timeout")
	}
	if len(s.ActiveTasks()) != 0 {
		t.Fatal("expected no active tasks after unit exits")
	}
}

func TestSpawner_WaitTimeoutExpires(t *testing.T) {
	s := New(Config{})
	block := make(chan struct{})
	s.Spawn(context.Background(), "slow", func(ctx context.Context) {
		<-block
	})
	if s.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("expected WaitTimeout to report unfinished units")
	}
	close(block)
	s.Wait()
}
