package snoop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/altavoz-cl/altavoz/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mem := store.NewMem(time.Second)
	t.Cleanup(func() { _ = mem.Close() })
	return NewStore(mem)
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	c, err := s.Create(ctx, "call-1", "snoop-1", "chan-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.State != Created {
		t.Fatalf("state = %s, want CREATED", c.State)
	}
	if _, ok := c.StateAt[Created]; !ok {
		t.Fatal("missing CREATED timestamp")
	}

	got, err := s.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SnoopID != "snoop-1" || got.ParentChannelID != "chan-1" {
		t.Fatalf("Get = %+v", got)
	}
}

func TestStore_CreateRejectsWhileActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "call-1", "snoop-2", "chan-1"); !errors.Is(err, ErrActiveExists) {
		t.Fatalf("second Create = %v, want ErrActiveExists", err)
	}

	// A released contract no longer blocks creation.
	if err := s.Release(ctx, "call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Create(ctx, "call-1", "snoop-2", "chan-1"); err != nil {
		t.Fatalf("Create after release: %v", err)
	}
}

func TestStore_TransitionChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []struct{ from, to State }{
		{Created, WaitingAst},
		{WaitingAst, Ready},
		{Ready, Consumed},
		{Consumed, Releasable},
		{Releasable, Destroyed},
	}
	for _, st := range steps {
		c, err := s.Transition(ctx, "call-1", st.from, st.to, nil)
		if err != nil {
			t.Fatalf("Transition %s → %s: %v", st.from, st.to, err)
		}
		if c.State != st.to {
			t.Fatalf("state = %s, want %s", c.State, st.to)
		}
		if _, ok := c.StateAt[st.to]; !ok {
			t.Fatalf("missing %s timestamp", st.to)
		}
	}
}

func TestStore_TransitionRejectsSkipsAndMismatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Skipping WAITING_AST is illegal.
	if _, err := s.Transition(ctx, "call-1", Created, Ready, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("skip transition = %v, want ErrIllegalTransition", err)
	}

	// Declaring the wrong current state fails before the graph check.
	if _, err := s.Transition(ctx, "call-1", Ready, Consumed, nil); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("mismatched from = %v, want ErrStateMismatch", err)
	}
}

func TestStore_TransitionAppliesPatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err := s.Transition(ctx, "call-1", Created, WaitingAst, &Patch{
		CaptureBridgeID: "bridge-1",
		ExternalMediaID: "em-1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if c.CaptureBridgeID != "bridge-1" || c.ExternalMediaID != "em-1" {
		t.Fatalf("patch not applied: %+v", c)
	}
}

func TestStore_ReleaseFromAnyState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	// Release with no contract is a no-op.
	if err := s.Release(ctx, "call-none"); err != nil {
		t.Fatalf("Release absent: %v", err)
	}

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, "call-1", Created, WaitingAst, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Teardown can release a tap that never became READY.
	if err := s.Release(ctx, "call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	c, err := s.Get(ctx, "call-1")
	if err != nil || c.State != Releasable {
		t.Fatalf("Get = %+v, %v; want RELEASABLE", c, err)
	}

	// Releasing again is idempotent.
	if err := s.Release(ctx, "call-1"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestStore_DestroyIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	// Destroying an absent contract succeeds.
	if err := s.Destroy(ctx, "call-none"); err != nil {
		t.Fatalf("Destroy absent: %v", err)
	}

	if _, err := s.Create(ctx, "call-1", "snoop-1", "chan-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Destroy(ctx, "call-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	c, err := s.Get(ctx, "call-1")
	if err != nil || c.State != Destroyed {
		t.Fatalf("Get = %+v, %v; want DESTROYED", c, err)
	}

	if err := s.Destroy(ctx, "call-1"); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}
