package registry

import (
	"errors"
	"testing"

	"github.com/basket/taskcore/internal/task"
)

type entry struct {
	id string
}

func (e entry) ID() string { return e.id }

func TestRegister_RejectsDuplicateID(t *testing.T) {
	r := New[entry]()
	if err := r.Register(entry{id: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(entry{id: "a"})
	if !errors.Is(err, task.ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnregister_RemovesEntry(t *testing.T) {
	r := New[entry]()
	_ = r.Register(entry{id: "a"})

	if err := r.Unregister("a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("expected entry to be gone after unregister")
	}
}

func TestUnregister_MissingReturnsErrNotRegistered(t *testing.T) {
	r := New[entry]()
	err := r.Unregister("missing")
	if !errors.Is(err, task.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestGet_ReturnsRegisteredEntry(t *testing.T) {
	r := New[entry]()
	_ = r.Register(entry{id: "a"})

	got, ok := r.Get("a")
	if !ok || got.id != "a" {
		t.Fatalf("Get = %v, %v; want a, true", got, ok)
	}
}

func TestList_ReturnsSnapshot(t *testing.T) {
	r := New[entry]()
	_ = r.Register(entry{id: "a"})
	_ = r.Register(entry{id: "b"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}

	list[0] = entry{id: "mutated"}
	if _, ok := r.Get("mutated"); ok {
		t.Fatal("mutating the returned slice must not affect the registry")
	}
}

func TestLen_TracksRegistrations(t *testing.T) {
	r := New[entry]()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	_ = r.Register(entry{id: "a"})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	_ = r.Unregister("a")
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}
