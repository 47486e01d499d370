// Package spawner implements the run loop's structured concurrency layer: a
// supervised pool of units (goroutines) keyed by id, each with a tri-state
// cancellation token, spawned with a context.Context that carries the
// correlation id across the call instead of goroutine-local storage (Go has
// none).
package spawner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskcore/internal/task"
)

// TokenState is the tri-state lifecycle of a cancellation token.
type TokenState int

const (
	Live TokenState = iota
	Cancelled
)

// CancelToken is handed to a spawned unit's function so it can observe
// cancellation cooperatively via Done() or poll State().
type CancelToken struct {
	mu    sync.Mutex
	state TokenState
	done  chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Done returns a channel closed when the token is cancelled.
func (c *CancelToken) Done() <-chan struct{} { return c.done }

// State returns the token's current state.
func (c *CancelToken) State() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// cancel transitions Live -> Cancelled exactly once. Returns false if it was
// already cancelled.
func (c *CancelToken) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Cancelled {
		return false
	}
	c.state = Cancelled
	close(c.done)
	return true
}

// unit is one tracked goroutine.
type unit struct {
	id            string
	name          string
	correlationID string
	spawnedAt     time.Time
	token         *CancelToken
	done          chan struct{}
	cancel        context.CancelFunc
}

// TaskInfo is a point-in-time snapshot of one live unit, for
// diagnostics/introspection surfaces (a health endpoint, a debug command).
type TaskInfo struct {
	UnitID        string
	Name          string
	State         TokenState
	SpawnedAt     time.Time
	CorrelationID string
}

// Metrics is an aggregate, point-in-time view over the currently live units.
type Metrics struct {
	Active    int
	Cancelled int
}

// Config configures a Spawner.
type Config struct {
	Logger *slog.Logger
}

// Spawner supervises a pool of units, each reachable by id for cancellation,
// and waits for all of them on Shutdown.
type Spawner struct {
	mu     sync.Mutex
	units  map[string]*unit
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an empty Spawner.
func New(cfg Config) *Spawner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{units: make(map[string]*unit), logger: logger}
}

// Spawn runs fn in a new goroutine under a fresh unit id, propagating ctx
// (and whatever correlation id it carries) unchanged. It returns the unit id
// so callers may later CancelUnit, though fn is not given a cancel token and
// must honor ctx cancellation itself. name identifies the unit in
// ActiveTasks snapshots; callers typically pass a task type or similar label.
func (s *Spawner) Spawn(ctx context.Context, name string, fn func(context.Context)) string {
	return s.spawn(ctx, name, nil, func(ctx context.Context, _ *CancelToken) {
		fn(ctx)
	})
}

// SpawnCancellable runs fn with a CancelToken it can observe, in addition to
// ctx. CancelUnit(id) both cancels the derived context and transitions the
// token to Cancelled.
func (s *Spawner) SpawnCancellable(ctx context.Context, name string, fn func(context.Context, *CancelToken)) string {
	return s.spawn(ctx, name, newCancelToken(), fn)
}

// SpawnBlocking runs fn on its own goroutine, intended for handlers that
// perform blocking I/O; behaves like SpawnCancellable but documents intent
// for callers choosing between the two.
func (s *Spawner) SpawnBlocking(ctx context.Context, name string, fn func(context.Context, *CancelToken)) string {
	return s.spawn(ctx, name, newCancelToken(), fn)
}

func (s *Spawner) spawn(ctx context.Context, name string, token *CancelToken, fn func(context.Context, *CancelToken)) string {
	id := uuid.NewString()

	var runCtx context.Context
	var cancel context.CancelFunc
	if token != nil {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx = ctx
		cancel = func() {}
	}

	u := &unit{
		id:            id,
		name:          name,
		correlationID: task.CorrelationID(ctx),
		spawnedAt:     time.Now(),
		token:         token,
		done:          make(chan struct{}),
		cancel:        cancel,
	}

	s.mu.Lock()
	s.units[id] = u
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.units, id)
			s.mu.Unlock()
			close(u.done)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("spawner: unit panicked",
					"unit_id", id,
					"correlation_id", task.CorrelationID(ctx),
					"panic", r,
				)
			}
		}()
		fn(runCtx, token)
	}()
	return id
}

// CancelUnit cancels the unit with the given id. Returns task.ErrUnitNotFound
// if the unit is unknown (already finished or never existed), or
// task.ErrAlreadyCancelled if it was already cancelled.
func (s *Spawner) CancelUnit(id string) error {
	s.mu.Lock()
	u, ok := s.units[id]
	s.mu.Unlock()
	if !ok {
		return task.ErrUnitNotFound
	}
	if u.token == nil {
		return task.ErrUnitNotFound
	}
	if !u.token.cancel() {
		return task.ErrAlreadyCancelled
	}
	u.cancel()
	return nil
}

// CancelAll cancels every live unit with a cancel token and returns how many
// received the cancel signal. Units spawned via Spawn (no token) are left to
// observe ctx cancellation on their own and are not counted.
func (s *Spawner) CancelAll() int {
	s.mu.Lock()
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	s.mu.Unlock()
	n := 0
	for _, u := range units {
		if u.token != nil && u.token.cancel() {
			u.cancel()
			n++
		}
	}
	return n
}

// Len returns the number of currently tracked units.
func (s *Spawner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// ActiveTasks returns a snapshot of every currently live unit.
func (s *Spawner) ActiveTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.units))
	for _, u := range s.units {
		state := Live
		if u.token != nil {
			state = u.token.State()
		}
		out = append(out, TaskInfo{
			UnitID:        u.id,
			Name:          u.name,
			State:         state,
			SpawnedAt:     u.spawnedAt,
			CorrelationID: u.correlationID,
		})
	}
	return out
}

// Metrics returns aggregate counts over the currently live units.
func (s *Spawner) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{Active: len(s.units)}
	for _, u := range s.units {
		if u.token != nil && u.token.State() == Cancelled {
			m.Cancelled++
		}
	}
	return m
}

// Wait blocks until every spawned unit has returned.
func (s *Spawner) Wait() {
	s.wg.Wait()
}

// WaitTimeout blocks until every spawned unit has returned or d elapses,
// whichever comes first. Returns true if every unit finished before the
// deadline.
func (s *Spawner) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
