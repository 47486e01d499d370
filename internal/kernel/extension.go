package kernel

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/basket/taskcore/internal/task"
)

// Manifest declares an extension's identity, version, required dependencies,
// and (optionally) a JSON Schema its config must satisfy before Initialize
// runs, grounded in original_source's ExtensionManifest.
type Manifest struct {
	ID           string
	Name         string
	Version      string
	RequiredDeps []string
	ConfigSchema json.RawMessage // JSON Schema draft-compatible with santhosh-tekuri/jsonschema/v6, optional
}

// Submitter is the kernel's view of the run loop an extension may hold onto
// to submit tasks of its own accord.
type Submitter interface {
	Submit(t *task.Task) error
}

// Context is handed to an extension's Initialize, bundling its config,
// a task submitter (if the kernel was built with one), and a logger scoped
// to the extension.
type Context struct {
	Config    json.RawMessage
	Submitter Submitter
	WorkDir   string
	Logger    *slog.Logger
}

// Extension is a unit the kernel loads, initializes, and eventually shuts
// down.
type Extension interface {
	Manifest() Manifest
	Initialize(ctx context.Context, ectx Context) error
	Shutdown(ctx context.Context) error
}

// entry adapts a loaded Extension into registry.Registerable.
type entry struct {
	manifest  Manifest
	extension Extension
}

func (e *entry) ID() string { return e.manifest.ID }
