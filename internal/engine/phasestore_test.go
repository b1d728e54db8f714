package engine

import (
	"context"
	"testing"
	"time"

	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/store"
)

func newTestPhaseStore(t *testing.T) (*PhaseStore, store.KV) {
	t.Helper()
	mem := store.NewMem(time.Second)
	t.Cleanup(func() { _ = mem.Close() })
	return NewPhaseStore(mem), mem
}

func TestPhaseStore_AbsentMeansNone(t *testing.T) {
	t.Parallel()

	ps, _ := newTestPhaseStore(t)
	ph, err := ps.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ph != phase.None {
		t.Errorf("phase = %s, want NONE", ph)
	}
}

func TestPhaseStore_RoundTripAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ps, _ := newTestPhaseStore(t)

	if err := ps.Set(ctx, "call-1", phase.ListenRUT); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ph, err := ps.Get(ctx, "call-1")
	if err != nil || ph != phase.ListenRUT {
		t.Fatalf("Get = %s, %v", ph, err)
	}

	if err := ps.Clear(ctx, "call-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ph, _ := ps.Get(ctx, "call-1"); ph != phase.None {
		t.Errorf("phase after clear = %s", ph)
	}
}

func TestPhaseStore_RejectsInvalidPhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ps, kv := newTestPhaseStore(t)

	if err := ps.Set(ctx, "call-1", phase.Phase("BOGUS")); err == nil {
		t.Fatal("Set accepted an invalid phase")
	}

	// A corrupted stored value surfaces as an error, not a silent NONE.
	if err := kv.Set(ctx, store.PhaseKey("call-1"), "GARBAGE", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := ps.Get(ctx, "call-1"); err == nil {
		t.Fatal("Get accepted a corrupted phase")
	}
}
