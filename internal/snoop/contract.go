// Package snoop tracks the finite-state contract of each audio-tap channel.
// The contract is the single source of truth that the stasis listener and the
// engine share: the listener marks the snoop READY when the PBX confirms it,
// and the engine refuses to stream audio until then.
//
// The snoop is a session resource, not a phase resource: while a contract is
// in any transitory state the engine must wait, never recreate. Only a
// RELEASABLE or DESTROYED contract permits a new snoop for the same call.
package snoop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/altavoz-cl/altavoz/internal/store"
)

// State is the lifecycle state of a snoop contract.
type State string

const (
	Created    State = "CREATED"
	WaitingAst State = "WAITING_AST"
	Ready      State = "READY"
	Consumed   State = "CONSUMED"
	Releasable State = "RELEASABLE"
	Destroyed  State = "DESTROYED"
)

// legalNext is the linear transition graph.
var legalNext = map[State]State{
	Created:    WaitingAst,
	WaitingAst: Ready,
	Ready:      Consumed,
	Consumed:   Releasable,
	Releasable: Destroyed,
}

// Errors reported by the store. Transition violations are loud by design:
// they indicate the listener and engine disagree about the tap's lifecycle.
var (
	ErrNotFound          = errors.New("snoop: no contract for call")
	ErrActiveExists      = errors.New("snoop: active contract already exists")
	ErrIllegalTransition = errors.New("snoop: illegal transition")
	ErrStateMismatch     = errors.New("snoop: contract not in expected state")
)

// Contract is the persisted record for one call's audio tap.
type Contract struct {
	LinkedID        string          `json:"linkedId"`
	SnoopID         string          `json:"snoopId"`
	ParentChannelID string          `json:"parentChannelId"`
	CaptureBridgeID string          `json:"captureBridgeId,omitempty"`
	ExternalMediaID string          `json:"externalMediaId,omitempty"`
	State           State           `json:"state"`
	StateAt         map[State]int64 `json:"stateAt"` // epoch ms per state entered
}

// Active reports whether the contract still owns the tap: anything that is
// not RELEASABLE or DESTROYED blocks creation of a new snoop.
func (c *Contract) Active() bool {
	return c.State != Releasable && c.State != Destroyed
}

// Patch carries optional field updates applied atomically with a transition.
type Patch struct {
	CaptureBridgeID string
	ExternalMediaID string
}

// Store persists snoop contracts in the shared cache.
type Store struct {
	kv store.KV
}

// NewStore wraps kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Create registers a new contract in state CREATED. It fails with
// [ErrActiveExists] while a non-releasable contract exists for the call.
func (s *Store) Create(ctx context.Context, linkedID, snoopID, parentChannelID string) (*Contract, error) {
	if existing, err := s.Get(ctx, linkedID); err == nil && existing.Active() {
		return nil, fmt.Errorf("%w: %s in state %s", ErrActiveExists, existing.SnoopID, existing.State)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c := &Contract{
		LinkedID:        linkedID,
		SnoopID:         snoopID,
		ParentChannelID: parentChannelID,
		State:           Created,
		StateAt:         map[State]int64{Created: time.Now().UnixMilli()},
	}
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get loads the contract for a call.
func (s *Store) Get(ctx context.Context, linkedID string) (*Contract, error) {
	raw, err := s.kv.Get(ctx, store.SnoopContractKey(linkedID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, linkedID)
	}
	if err != nil {
		return nil, fmt.Errorf("snoop: load contract: %w", err)
	}

	var c Contract
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("snoop: decode contract: %w", err)
	}
	return &c, nil
}

// Transition moves the contract from 'from' to 'to', applying patch fields.
// The move must match both the contract's current state and the legal graph.
func (s *Store) Transition(ctx context.Context, linkedID string, from, to State, patch *Patch) (*Contract, error) {
	c, err := s.Get(ctx, linkedID)
	if err != nil {
		return nil, err
	}
	if c.State != from {
		return nil, fmt.Errorf("%w: have %s, expected %s", ErrStateMismatch, c.State, from)
	}
	if legalNext[from] != to {
		return nil, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}

	c.State = to
	c.StateAt[to] = time.Now().UnixMilli()
	if patch != nil {
		if patch.CaptureBridgeID != "" {
			c.CaptureBridgeID = patch.CaptureBridgeID
		}
		if patch.ExternalMediaID != "" {
			c.ExternalMediaID = patch.ExternalMediaID
		}
	}
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply updates patch fields without changing state. Used by the media
// controller to record bridge and external media ids as soon as the PBX
// confirms them.
func (s *Store) Apply(ctx context.Context, linkedID string, patch Patch) (*Contract, error) {
	c, err := s.Get(ctx, linkedID)
	if err != nil {
		return nil, err
	}
	if patch.CaptureBridgeID != "" {
		c.CaptureBridgeID = patch.CaptureBridgeID
	}
	if patch.ExternalMediaID != "" {
		c.ExternalMediaID = patch.ExternalMediaID
	}
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Release moves the contract to RELEASABLE from whatever state it is in.
// Teardown runs regardless of how far the tap got, so this is deliberately
// lenient and idempotent.
func (s *Store) Release(ctx context.Context, linkedID string) error {
	c, err := s.Get(ctx, linkedID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.State == Releasable || c.State == Destroyed {
		return nil
	}
	c.State = Releasable
	c.StateAt[Releasable] = time.Now().UnixMilli()
	return s.put(ctx, c)
}

// Destroy marks the contract DESTROYED and removes the legacy active-snoop
// indicator. Destroying an absent or already-destroyed contract is a no-op.
func (s *Store) Destroy(ctx context.Context, linkedID string) error {
	c, err := s.Get(ctx, linkedID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.State != Destroyed {
		c.State = Destroyed
		c.StateAt[Destroyed] = time.Now().UnixMilli()
		if err := s.put(ctx, c); err != nil {
			return err
		}
	}
	return s.kv.Del(ctx, store.SnoopActiveKey(linkedID))
}

// put persists the contract and refreshes the legacy indicator while the
// contract is active. The contract key carries a TTL as a safety net; the
// normal path destroys it explicitly at call end.
func (s *Store) put(ctx context.Context, c *Contract) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("snoop: encode contract: %w", err)
	}
	if err := s.kv.Set(ctx, store.SnoopContractKey(c.LinkedID), string(raw), store.TTLSnoopContract); err != nil {
		return fmt.Errorf("snoop: persist contract: %w", err)
	}
	if c.Active() {
		if err := s.kv.Set(ctx, store.SnoopActiveKey(c.LinkedID), c.SnoopID, store.TTLSnoopActive); err != nil {
			return fmt.Errorf("snoop: persist active indicator: %w", err)
		}
	}
	return nil
}
