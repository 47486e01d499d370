// Package capability declares the extension points a handler may consult
// while processing a task. No concrete implementation lives in this module:
// concrete LLM providers, tools, and memory backends are explicitly out of
// scope (see SPEC_FULL.md §0); these interfaces exist so handlers and
// extensions can be written against a stable contract today and wired to a
// real implementation later without touching the core.
package capability

import "context"

// Tool is something a handler can invoke by name with a JSON-ish argument
// payload and get a result payload back.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args []byte) (result []byte, err error)
}

// LLMProvider is a chat/completion backend a handler can call.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, prompt []byte) (completion []byte, err error)
}

// MemoryBackend stores and retrieves arbitrary key-scoped byte blobs across
// task invocations (e.g. conversation history, extension state).
type MemoryBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
