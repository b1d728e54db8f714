package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/store"
)

// PhaseStore persists the current phase of each call in the shared cache so
// every component, including external listeners, agrees on it.
type PhaseStore struct {
	kv store.KV
}

// NewPhaseStore wraps kv.
func NewPhaseStore(kv store.KV) *PhaseStore {
	return &PhaseStore{kv: kv}
}

// Get returns the call's current phase. An absent key means the call has no
// phase yet; NONE is returned.
func (p *PhaseStore) Get(ctx context.Context, linkedID string) (phase.Phase, error) {
	raw, err := p.kv.Get(ctx, store.PhaseKey(linkedID))
	if errors.Is(err, store.ErrNotFound) {
		return phase.None, nil
	}
	if err != nil {
		return phase.None, fmt.Errorf("engine: load phase: %w", err)
	}
	ph := phase.Phase(raw)
	if !ph.IsValid() {
		return phase.None, fmt.Errorf("engine: invalid stored phase %q", raw)
	}
	return ph, nil
}

// Set stores the call's phase.
func (p *PhaseStore) Set(ctx context.Context, linkedID string, ph phase.Phase) error {
	if !ph.IsValid() {
		return fmt.Errorf("engine: refusing to store invalid phase %q", ph)
	}
	if err := p.kv.Set(ctx, store.PhaseKey(linkedID), string(ph), store.TTLPhase); err != nil {
		return fmt.Errorf("engine: store phase: %w", err)
	}
	return nil
}

// Clear removes the phase key at call end.
func (p *PhaseStore) Clear(ctx context.Context, linkedID string) error {
	return p.kv.Del(ctx, store.PhaseKey(linkedID))
}
