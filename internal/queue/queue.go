// Package queue implements the run loop's dual-heap task queue: a
// max-heap of ready tasks ordered by (priority, enqueue sequence), and a
// min-heap of delayed tasks ordered by scheduled_at. Promote moves tasks
// whose scheduled_at has elapsed from the delayed heap to the ready heap.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/basket/taskcore/internal/task"
)

// Config bounds the ready queue's capacity. Zero means unbounded.
type Config struct {
	Capacity int
}

// Queue is the dual-heap task queue. All exported methods are safe for
// concurrent use.
type Queue struct {
	mu        sync.Mutex
	ready     readyHeap
	delayed   delayedHeap
	capacity  int
	seq       uint64
	closed    bool
	cancelled map[string]struct{}
}

// New builds an empty Queue with the given config.
func New(cfg Config) *Queue {
	q := &Queue{capacity: cfg.Capacity}
	heap.Init(&q.ready)
	heap.Init(&q.delayed)
	return q
}

// Push enqueues t. If t.IsDelayed(), it goes to the delayed heap and is
// promoted to ready once its scheduled_at elapses (see Promote / NextDelayed).
// Otherwise it goes straight to the ready heap. Returns task.ErrClosed if the
// queue has been closed, or task.ErrQueueFull if the ready heap is at
// capacity (delayed tasks are not subject to capacity back-pressure since
// they are not yet competing for a dispatch slot).
func (q *Queue) Push(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return task.ErrClosed
	}
	if t.IsDelayed() {
		heap.Push(&q.delayed, t)
		return nil
	}
	if q.capacity > 0 && len(q.ready) >= q.capacity {
		return task.ErrQueueFull
	}
	q.seq++
	t.SetEnqueueSeq(q.seq)
	heap.Push(&q.ready, t)
	return nil
}

// Pop removes and returns the highest-priority ready task, silently
// discarding any popped task previously marked by Cancel, and returning the
// next one behind it instead. ok is false if no non-cancelled task remains.
func (q *Queue) Pop() (t *task.Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) > 0 {
		t := heap.Pop(&q.ready).(*task.Task)
		if q.dropIfCancelled(t.ID) {
			continue
		}
		return t, true
	}
	return nil, false
}

// Cancel marks id so it is dropped instead of dispatched: immediately, if it
// is still in the ready heap, or lazily once it is promoted from the delayed
// heap and later popped. Returns false if id names no currently queued task.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	for _, t := range q.ready {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		for _, t := range q.delayed {
			if t.ID == id {
				found = true
				break
			}
		}
	}
	if !found {
		return false
	}
	if q.cancelled == nil {
		q.cancelled = make(map[string]struct{})
	}
	q.cancelled[id] = struct{}{}
	return true
}

// dropIfCancelled reports whether id was marked by Cancel, consuming the
// mark if so. Caller must hold q.mu.
func (q *Queue) dropIfCancelled(id string) bool {
	if q.cancelled == nil {
		return false
	}
	if _, ok := q.cancelled[id]; !ok {
		return false
	}
	delete(q.cancelled, id)
	return true
}

// Promote moves every delayed task whose scheduled_at has elapsed into the
// ready heap (respecting capacity: tasks that don't fit stay delayed and are
// retried on the next Promote). Returns the number of tasks promoted.
func (q *Queue) Promote(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	promoted := 0
	for len(q.delayed) > 0 {
		head := q.delayed[0]
		if head.ScheduledAt.After(now) {
			break
		}
		if q.dropIfCancelled(head.ID) {
			heap.Pop(&q.delayed)
			continue
		}
		if q.capacity > 0 && len(q.ready) >= q.capacity {
			break
		}
		t := heap.Pop(&q.delayed).(*task.Task)
		q.seq++
		t.SetEnqueueSeq(q.seq)
		heap.Push(&q.ready, t)
		promoted++
	}
	return promoted
}

// NextDelayed returns the scheduled_at of the soonest delayed task, used by
// the run loop to arm its wakeup timer. ok is false if there are no delayed
// tasks.
func (q *Queue) NextDelayed() (at time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].ScheduledAt, true
}

// Len returns (ready count, delayed count).
func (q *Queue) Len() (ready int, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

// Close marks the queue closed; subsequent Push calls return task.ErrClosed.
// Already-queued tasks remain poppable so the run loop can drain on graceful
// shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// readyHeap orders by priority descending, then enqueue sequence ascending
// (FIFO among equal priorities).
type readyHeap []*task.Task

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueueSeq() < h[j].EnqueueSeq()
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*task.Task)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// delayedHeap orders by scheduled_at ascending.
type delayedHeap []*task.Task

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*task.Task)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
