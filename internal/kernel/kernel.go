// Package kernel implements the extension lifecycle state machine: a single
// mutex-guarded Created->Starting->Running->Stopping->Stopped walk, with
// load/unload of extensions gated on declared dependencies and an optional
// JSON Schema config check.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskcore/internal/registry"
	"github.com/basket/taskcore/internal/task"
)

// Config configures a Kernel.
type Config struct {
	WorkDir   string
	Submitter Submitter
	Logger    *slog.Logger
}

// Kernel owns extension lifecycle: it transitions through the kernel state
// machine and, while Running, lets extensions be loaded and unloaded.
type Kernel struct {
	mu    sync.Mutex
	state State

	workDir   string
	submitter Submitter
	logger    *slog.Logger

	extensions *registry.BaseRegistry[*entry]
	order      []string // registration order, for reverse-order unload on Stop

	hooks []Hook

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Kernel in the Created state.
func New(cfg Config) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		state:      Created,
		workDir:    cfg.WorkDir,
		submitter:  cfg.Submitter,
		logger:     logger,
		extensions: registry.New[*entry](),
		shutdownCh: make(chan struct{}),
	}
}

// RegisterHook adds a lifecycle hook. Must be called before Start.
func (k *Kernel) RegisterHook(h Hook) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Created {
		return fmt.Errorf("kernel: %w: cannot register hooks after start", task.ErrInvalidState)
	}
	k.hooks = append(k.hooks, h)
	return nil
}

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// ShutdownCh is closed exactly once, when Stop completes.
func (k *Kernel) ShutdownCh() <-chan struct{} { return k.shutdownCh }

// Start transitions Created/Stopped -> Starting -> Running, firing hooks
// forward in registration order. Any hook failure aborts the start,
// transitioning back to Stopped and surfacing the first error, so a failed
// Start leaves the kernel retryable rather than stuck.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Created && k.state != Stopped {
		return fmt.Errorf("kernel: %w: Start from state %s", task.ErrInvalidState, k.state)
	}
	k.state = Starting
	for _, h := range k.hooks {
		if err := h.OnStart(); err != nil {
			k.state = Stopped
			return fmt.Errorf("kernel: start hook failed: %w", err)
		}
	}
	k.state = Running
	k.logger.Info("kernel started")
	return nil
}

// Stop transitions Running -> Stopping -> Stopped: unloads every loaded
// extension in reverse registration order, fires hooks in reverse
// registration order, then closes ShutdownCh exactly once.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.state != Running {
		k.mu.Unlock()
		return fmt.Errorf("kernel: %w: Stop from state %s", task.ErrInvalidState, k.state)
	}
	k.state = Stopping
	order := append([]string(nil), k.order...)
	k.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if err := k.unloadLocked(ctx, id); err != nil {
			k.logger.Warn("kernel: failed to unload extension during stop", "extension_id", id, "error", err)
		}
	}

	k.mu.Lock()
	for i := len(k.hooks) - 1; i >= 0; i-- {
		if err := k.hooks[i].OnStop(); err != nil {
			k.logger.Warn("kernel: stop hook failed", "error", err)
		}
	}
	k.state = Stopped
	k.mu.Unlock()

	k.shutdownOnce.Do(func() { close(k.shutdownCh) })
	k.logger.Info("kernel stopped")
	return nil
}

// LoadExtension validates manifest.RequiredDeps against currently loaded
// extensions, validates config against manifest.ConfigSchema if present,
// calls ext.Initialize, and registers it. Returns
// task.ErrDependencyNotSatisfied if a required dependency is not loaded, or
// task.ErrAlreadyRegistered if manifest.ID is already loaded.
func (k *Kernel) LoadExtension(ctx context.Context, ext Extension, config json.RawMessage) error {
	manifest := ext.Manifest()

	k.mu.Lock()
	if k.state != Running {
		k.mu.Unlock()
		return fmt.Errorf("kernel: %w: LoadExtension while %s", task.ErrInvalidState, k.state)
	}
	for _, dep := range manifest.RequiredDeps {
		if _, ok := k.extensions.Get(dep); !ok {
			k.mu.Unlock()
			return fmt.Errorf("kernel: extension %q requires %q: %w", manifest.ID, dep, task.ErrDependencyNotSatisfied)
		}
	}
	k.mu.Unlock()

	if len(manifest.ConfigSchema) > 0 {
		if err := validateConfig(manifest.ConfigSchema, config); err != nil {
			return fmt.Errorf("kernel: extension %q config: %w", manifest.ID, err)
		}
	}

	ectx := Context{
		Config:    config,
		Submitter: k.submitter,
		WorkDir:   k.workDir,
		Logger:    k.logger.With("extension_id", manifest.ID),
	}
	if err := ext.Initialize(ctx, ectx); err != nil {
		return fmt.Errorf("kernel: initialize %q: %w", manifest.ID, err)
	}

	e := &entry{manifest: manifest, extension: ext}
	if err := k.extensions.Register(e); err != nil {
		return fmt.Errorf("kernel: register %q: %w", manifest.ID, err)
	}

	k.mu.Lock()
	k.order = append(k.order, manifest.ID)
	k.mu.Unlock()

	k.logger.Info("extension loaded", "extension_id", manifest.ID, "version", manifest.Version)
	return nil
}

// UnloadExtension shuts down and unregisters the extension with the given id.
func (k *Kernel) UnloadExtension(ctx context.Context, id string) error {
	if err := k.unloadLocked(ctx, id); err != nil {
		return err
	}
	k.mu.Lock()
	for i, oid := range k.order {
		if oid == id {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
	k.mu.Unlock()
	return nil
}

func (k *Kernel) unloadLocked(ctx context.Context, id string) error {
	e, ok := k.extensions.Get(id)
	if !ok {
		return fmt.Errorf("kernel: extension %q: %w", id, task.ErrNotRegistered)
	}
	if err := e.extension.Shutdown(ctx); err != nil {
		k.logger.Warn("kernel: extension shutdown error", "extension_id", id, "error", err)
	}
	return k.extensions.Unregister(id)
}

// ListExtensions returns the manifests of every currently loaded extension.
func (k *Kernel) ListExtensions() []Manifest {
	entries := k.extensions.List()
	out := make([]Manifest, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.manifest)
	}
	return out
}

func validateConfig(schema json.RawMessage, config json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", mustDecode(schema)); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	sch, err := compiler.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return sch.Validate(mustDecode(config))
}

func mustDecode(raw json.RawMessage) any {
	var v any
	if len(raw) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
