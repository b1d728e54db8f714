// Package marks keeps the per-call audio mark ledger: an append-only log of
// media lifecycle events from which logical speech segments are derived.
// The ledger has a single writer (the call's engine) but may be read
// concurrently, e.g. by the continuous-recording segmenter.
package marks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an audio mark.
type Type string

const (
	RecordingStart Type = "RECORDING_START"
	WindowOpen     Type = "WINDOW_OPEN"
	TalkStart      Type = "TALK_START"
	TalkEnd        Type = "TALK_END"
	DeltaActivity  Type = "DELTA_ACTIVITY"
	CompletedChunk Type = "COMPLETED_CHUNK"
	ListenStart    Type = "LISTEN_START"
	IntentFinal    Type = "INTENT_FINALIZED"
	Timeout        Type = "TIMEOUT"
	WindowClose    Type = "WINDOW_CLOSE"
)

// Mark is one entry in the ledger. OffsetMs is relative to the ledger's
// creation (the call's recording epoch); AtEpochMs is wall-clock.
type Mark struct {
	ID        string
	Type      Type
	OffsetMs  int64
	AtEpochMs int64
	Meta      map[string]string
}

// Segment is a logical stretch of caller speech derived from the ledger.
// A segment opens on WINDOW_OPEN or TALK_START and closes on WINDOW_CLOSE,
// INTENT_FINALIZED, or TIMEOUT.
type Segment struct {
	StartMs int64
	EndMs   int64
	Closed  bool
	CloseBy Type // zero value when still open
}

// Ledger is the append-only mark log for one call.
type Ledger struct {
	mu    sync.RWMutex
	epoch time.Time
	marks []Mark
}

// NewLedger creates an empty ledger whose offset epoch is now.
func NewLedger() *Ledger {
	return &Ledger{epoch: time.Now()}
}

// Append records a mark of the given type with optional metadata and returns
// it. Offsets are computed from the ledger epoch; marks are never mutated or
// removed afterwards.
func (l *Ledger) Append(t Type, meta map[string]string) Mark {
	now := time.Now()
	m := Mark{
		ID:        uuid.NewString(),
		Type:      t,
		OffsetMs:  now.Sub(l.epoch).Milliseconds(),
		AtEpochMs: now.UnixMilli(),
		Meta:      meta,
	}

	l.mu.Lock()
	l.marks = append(l.marks, m)
	l.mu.Unlock()
	return m
}

// Marks returns a copy of the ledger contents in append order.
func (l *Ledger) Marks() []Mark {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Mark, len(l.marks))
	copy(out, l.marks)
	return out
}

// Len returns the number of marks appended so far.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.marks)
}

// Segments folds the ledger into logical speech segments. An opening mark
// while a segment is already open is ignored; a closing mark with no open
// segment is ignored. The final segment may be left open if the call ended
// mid-speech.
func (l *Ledger) Segments() []Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var segs []Segment
	open := -1
	for _, m := range l.marks {
		switch m.Type {
		case WindowOpen, TalkStart:
			if open < 0 {
				segs = append(segs, Segment{StartMs: m.OffsetMs})
				open = len(segs) - 1
			}
		case WindowClose, IntentFinal, Timeout:
			if open >= 0 {
				segs[open].EndMs = m.OffsetMs
				segs[open].Closed = true
				segs[open].CloseBy = m.Type
				open = -1
			}
		}
	}
	return segs
}
