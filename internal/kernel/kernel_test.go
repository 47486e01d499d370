package kernel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskcore/internal/kernel"
	"github.com/basket/taskcore/internal/task"
)

type stubExtension struct {
	manifest   kernel.Manifest
	shutdownAt *[]string
}

func (s *stubExtension) Manifest() kernel.Manifest { return s.manifest }
func (s *stubExtension) Initialize(ctx context.Context, ectx kernel.Context) error {
	return nil
}
func (s *stubExtension) Shutdown(ctx context.Context) error {
	if s.shutdownAt != nil {
		*s.shutdownAt = append(*s.shutdownAt, s.manifest.ID)
	}
	return nil
}

func TestKernel_StartThenLoad(t *testing.T) {
	k := kernel.New(kernel.Config{})
	ext := &stubExtension{manifest: kernel.Manifest{ID: "a", Name: "A", Version: "1.0.0"}}

	if err := k.LoadExtension(context.Background(), ext, nil); !errors.Is(err, task.ErrInvalidState) {
		t.Fatalf("load before start: err = %v, want ErrInvalidState", err)
	}

	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if k.State() != kernel.Running {
		t.Fatalf("state = %s, want running", k.State())
	}
	if err := k.LoadExtension(context.Background(), ext, nil); err != nil {
		t.Fatalf("load after start: %v", err)
	}
}

func TestKernel_DependencyNotSatisfied(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ext := &stubExtension{manifest: kernel.Manifest{ID: "needs-a", RequiredDeps: []string{"a"}}}
	err := k.LoadExtension(context.Background(), ext, nil)
	if !errors.Is(err, task.ErrDependencyNotSatisfied) {
		t.Fatalf("err = %v, want ErrDependencyNotSatisfied", err)
	}
}

func TestKernel_UnloadReverseOrderOnStop(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var shutdownOrder []string
	a := &stubExtension{manifest: kernel.Manifest{ID: "a"}, shutdownAt: &shutdownOrder}
	b := &stubExtension{manifest: kernel.Manifest{ID: "b", RequiredDeps: []string{"a"}}, shutdownAt: &shutdownOrder}

	if err := k.LoadExtension(context.Background(), a, nil); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := k.LoadExtension(context.Background(), b, nil); err != nil {
		t.Fatalf("load b: %v", err)
	}

	if err := k.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if len(shutdownOrder) != 2 || shutdownOrder[0] != "b" || shutdownOrder[1] != "a" {
		t.Fatalf("shutdown order = %v, want [b a]", shutdownOrder)
	}
	if k.State() != kernel.Stopped {
		t.Fatalf("state = %s, want stopped", k.State())
	}
	select {
	case <-k.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed after Stop")
	}
}

type failingHook struct{ err error }

func (h failingHook) OnStart() error { return h.err }
func (h failingHook) OnStop() error  { return nil }

func TestKernel_FailedStartHookAbortsToStoppedAndIsRetryable(t *testing.T) {
	k := kernel.New(kernel.Config{})
	boom := errors.New("boom")
	if err := k.RegisterHook(failingHook{err: boom}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	err := k.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("start: err = %v, want wrapping %v", err, boom)
	}
	if k.State() != kernel.Stopped {
		t.Fatalf("state after failed start = %s, want stopped", k.State())
	}

	// Retrying Start must not report ErrInvalidState just because the first
	// attempt failed.
	if err := k.Start(); !errors.Is(err, boom) {
		t.Fatalf("retry start: err = %v, want wrapping %v again", err, boom)
	}
	if k.State() != kernel.Stopped {
		t.Fatalf("state after second failed start = %s, want stopped", k.State())
	}
}

func TestKernel_ConfigSchemaRejectsInvalid(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ext := &stubExtension{manifest: kernel.Manifest{
		ID:           "schema-checked",
		ConfigSchema: []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	}}
	err := k.LoadExtension(context.Background(), ext, []byte(`{}`))
	if err == nil {
		t.Fatal("expected schema validation error for missing required field")
	}

	ext2 := &stubExtension{manifest: kernel.Manifest{
		ID:           "schema-checked-2",
		ConfigSchema: []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	}}
	if err := k.LoadExtension(context.Background(), ext2, []byte(`{"url":"http://x"}`)); err != nil {
		t.Fatalf("valid config: %v", err)
	}
}
