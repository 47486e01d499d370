// Package task defines the data types that flow through the queue, the
// spawner, and the run loop: tasks themselves, their priority and status,
// reply addresses, and the correlation context carried across a task's
// descendants.
package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within the ready queue. Higher values dispatch first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a task.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
	DeadLetter Status = "dead_letter"
)

// Source identifies what originated a task, for reply routing and audit.
type Source string

const (
	SourceExternal Source = "external" // submitted through a gateway/channel
	SourceTimer    Source = "timer"    // fired by an interval or cron timer
	SourceFollowUp Source = "follow_up" // injected by a handler as a follow-up
	SourceSystem   Source = "system"   // synthesized (e.g. system:error)
)

// ReplyAddress names where a task's result should be delivered.
type ReplyAddress struct {
	ChannelID string `json:"channel_id"`
	Target    string `json:"target"`
	ThreadID  string `json:"thread_id,omitempty"`
}

func (r ReplyAddress) IsZero() bool {
	return r.ChannelID == "" && r.Target == ""
}

// Task is the unit of work scheduled by the queue and dispatched by the run loop.
type Task struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Priority      Priority       `json:"priority"`
	Payload       []byte         `json:"payload,omitempty"`
	Status        Status         `json:"status"`
	Source        Source         `json:"source"`
	ParentID      string         `json:"parent_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	ReplyTo       *ReplyAddress  `json:"reply_to,omitempty"`
	ScheduledAt   time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`

	// enqueueSeq breaks priority ties in FIFO order within the ready queue.
	// Assigned by the queue on Push; zero until then.
	enqueueSeq uint64
}

// EnqueueSeq returns the queue-assigned sequence number used to break
// priority ties. Zero before the task has been pushed.
func (t *Task) EnqueueSeq() uint64 { return t.enqueueSeq }

// SetEnqueueSeq is called by the queue when a task is pushed onto the ready heap.
func (t *Task) SetEnqueueSeq(seq uint64) { t.enqueueSeq = seq }

// New builds a task with a fresh ID, timestamps, and the given type/priority/payload.
func New(taskType string, priority Priority, payload []byte) *Task {
	now := time.Now()
	return &Task{
		ID:            uuid.NewString(),
		Type:          taskType,
		Priority:      priority,
		Payload:       payload,
		Status:        Pending,
		Source:        SourceExternal,
		CorrelationID: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsDelayed reports whether the task should wait in the delayed heap rather
// than being immediately ready.
func (t *Task) IsDelayed() bool {
	return !t.ScheduledAt.IsZero() && t.ScheduledAt.After(time.Now())
}

// Clone returns a deep-enough copy safe for callers to mutate without racing
// the original (metadata map is copied; payload bytes are shared, as tasks
// treat payload as immutable once created).
func (t *Task) Clone() *Task {
	c := *t
	if t.ReplyTo != nil {
		r := *t.ReplyTo
		c.ReplyTo = &r
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// FollowUp describes a task a handler wants injected after it runs, inheriting
// the parent's correlation id unless overridden. It is a convenience builder
// over Task, not a distinct wire type.
type FollowUp struct {
	Type        string
	Priority    *Priority
	Payload     []byte
	DelayMs     int64
	ReplyTo     *ReplyAddress
	Metadata    map[string]string
}

// Build turns a FollowUp into a concrete Task chained off parent: same
// correlation id, parent.ID as ParentID, source "follow_up".
func (f FollowUp) Build(parent *Task) *Task {
	pr := parent.Priority
	if f.Priority != nil {
		pr = *f.Priority
	}
	t := New(f.Type, pr, f.Payload)
	t.Source = SourceFollowUp
	t.ParentID = parent.ID
	t.CorrelationID = parent.CorrelationID
	t.ReplyTo = f.ReplyTo
	if t.ReplyTo == nil {
		t.ReplyTo = parent.ReplyTo
	}
	t.Metadata = f.Metadata
	if f.DelayMs > 0 {
		t.ScheduledAt = time.Now().Add(time.Duration(f.DelayMs) * time.Millisecond)
	}
	return t
}

// correlationKey is the private context key used to carry a correlation id
// across goroutine boundaries. Go has no task-local storage, so this value
// travels explicitly on the context passed to every Spawner.Spawn* call.
type correlationKey struct{}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, or "" if absent.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}
