// Package channels defines the Channel contract used for reply delivery and
// provides a registry plus two concrete implementations (Telegram,
// WebSocket).
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskcore/internal/registry"
	"github.com/basket/taskcore/internal/task"
)

// Channel is a bidirectional messaging endpoint: it can be started to listen
// for inbound events (which it turns into submitted tasks via a Submitter),
// and it can deliver an outbound reply to a previously seen target.
type Channel interface {
	// ID returns the channel's registry key (e.g. "telegram", "websocket").
	ID() string

	// Start begins listening for inbound messages. It blocks until ctx is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error

	// Send delivers payload to addr.Target (and addr.ThreadID if the channel
	// supports threads). Returns an error if the target is unknown to this
	// channel instance.
	Send(ctx context.Context, addr task.ReplyAddress, payload []byte) error
}

// Submitter is the channel's view of the run loop: the one operation a
// channel needs to turn an inbound message into a task.
type Submitter interface {
	Submit(t *task.Task) error
}

// Registry resolves a ReplyAddress's channel id to a live Channel and
// delivers outbound payloads to it, per spec's reply-routing contract. It is
// backed by the same lock-protected BaseRegistry used for extensions and
// timers, generalized over Channel.
type Registry struct {
	entries *registry.BaseRegistry[Channel]
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry builds a Registry over the given channels, keyed by Channel.ID().
func NewRegistry(logger *slog.Logger, chans ...Channel) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: registry.New[Channel](),
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, c := range chans {
		if err := r.entries.Register(c); err != nil {
			logger.Error("channels: duplicate channel id at construction", "channel", c.ID(), "error", err)
		}
	}
	return r
}

// Register adds a channel to the registry after construction. Returns
// task.ErrAlreadyRegistered if a channel with that id is already registered.
func (r *Registry) Register(c Channel) error {
	return r.entries.Register(c)
}

// Send resolves addr.ChannelID and delivers payload to addr.Target.
func (r *Registry) Send(ctx context.Context, addr task.ReplyAddress, payload []byte) error {
	if addr.IsZero() {
		return nil
	}
	ch, ok := r.entries.Get(addr.ChannelID)
	if !ok {
		return fmt.Errorf("channel %q: %w", addr.ChannelID, task.ErrChannelNotFound)
	}
	if err := ch.Send(ctx, addr, payload); err != nil {
		return fmt.Errorf("channel %q send: %w", addr.ChannelID, err)
	}
	return nil
}

// StartAll starts every registered channel in its own goroutine, each under
// its own cancellable derivative of ctx, and returns once all of them have
// returned (on ctx cancellation, a call to StopAll, or a fatal channel error).
func (r *Registry) StartAll(ctx context.Context) {
	chans := r.entries.List()
	done := make(chan struct{}, len(chans))
	for _, c := range chans {
		chCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancels[c.ID()] = cancel
		r.mu.Unlock()

		go func(c Channel, chCtx context.Context, cancel context.CancelFunc) {
			defer cancel()
			defer func() { done <- struct{}{} }()
			if err := c.Start(chCtx); err != nil && chCtx.Err() == nil {
				r.logger.Error("channel exited with error", "channel", c.ID(), "error", err)
			}
		}(c, chCtx, cancel)
	}
	for range chans {
		<-done
	}
}

// StopAll cancels every channel started by StartAll, causing it to return
// without waiting for ctx itself to be cancelled. Safe to call even if some
// or all channels were never started.
func (r *Registry) StopAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Get returns the channel registered under id.
func (r *Registry) Get(id string) (Channel, bool) {
	return r.entries.Get(id)
}
