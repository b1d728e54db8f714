// Package store abstracts the shared cache that holds per-call state with
// TTLs: the current phase, the snoop contract, RUT capture flags, and webhook
// idempotence keys. Production uses Redis; tests and single-node deployments
// use the in-memory implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// KV is a string key-value store with per-key TTLs.
//
// Implementations must be safe for concurrent use. Setting a key that already
// exists replaces both the value and the TTL.
type KV interface {
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
}

// Conventional TTLs for the per-call cache keys.
const (
	TTLPhase         = time.Hour
	TTLSnoopContract = time.Hour
	TTLSnoopActive   = time.Minute
	TTLWebhookSent   = time.Minute
	TTLWebhookHash   = time.Minute
	TTLCaptureFrozen = time.Minute
	TTLLastSpeech    = 30 * time.Second
	TTLDeltaState    = 30 * time.Second
	TTLIdentifier    = time.Hour
)

// Key builders. Every per-call key embeds the linkedId so keys die with the
// call, and the voicebot-scoped keys additionally embed the tenant domain.

func PhaseKey(linkedID string) string { return "phase:" + linkedID }

func SnoopContractKey(linkedID string) string { return "snoop:contract:" + linkedID }

// SnoopActiveKey is a legacy compatibility indicator read by older listeners;
// it carries only the snoop id with a short TTL.
func SnoopActiveKey(linkedID string) string { return "snoop:active:" + linkedID }

func WebhookSentKey(linkedID string) string { return "rut:webhook:sent:" + linkedID }

func WebhookHashKey(linkedID string) string { return "rut:webhook:hash:" + linkedID }

func CaptureFrozenKey(domain, linkedID string) string {
	return fmt.Sprintf("voicebot:%s:%s:rut:captureFrozen", domain, linkedID)
}

func LastSpeechKey(domain, linkedID string) string {
	return fmt.Sprintf("voicebot:%s:%s:rut:lastSpeechTs", domain, linkedID)
}

func DeltaStateKey(domain, linkedID string) string {
	return fmt.Sprintf("voicebot:%s:%s:rut:deltaState", domain, linkedID)
}

func IdentifierKey(linkedID string) string { return "session:identifier:" + linkedID }
