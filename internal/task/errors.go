package task

import "errors"

// Sentinel errors shared across queue, spawner, run loop, kernel, and store.
// Callers should compare with errors.Is; layers wrap these with fmt.Errorf("...: %w", err).
var (
	ErrQueueFull              = errors.New("queue full")
	ErrClosed                 = errors.New("closed")
	ErrInvalidTaskType        = errors.New("invalid task type")
	ErrHandlerNotRegistered   = errors.New("no handler registered for task type")
	ErrUnitNotFound           = errors.New("unit not found")
	ErrAlreadyCancelled       = errors.New("unit already cancelled")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrAlreadyRegistered      = errors.New("already registered")
	ErrNotRegistered          = errors.New("not registered")
	ErrChannelNotFound        = errors.New("channel not found")
	ErrInvalidState           = errors.New("invalid lifecycle state for operation")
)
