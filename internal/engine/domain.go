// Package engine contains the per-call conversation engine: the turn state
// machine, the engine runner that serializes phase transitions, and the
// domain port through which dialogue logic produces actions.
package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/altavoz-cl/altavoz/internal/phase"
)

// Event tells the domain port why it is being invoked.
type Event string

const (
	EventInit    Event = "INIT"
	EventTurn    Event = "TURN"
	EventNoInput Event = "NO_INPUT"
	EventGoodbye Event = "GOODBYE"
)

// DomainContext is the dialogue-visible view of one turn. The domain never
// sees infrastructure errors; it sees a transcript or NO_INPUT.
type DomainContext struct {
	Event      Event
	Phase      phase.Phase
	Transcript string
	SessionID  string
	ANI        string
	DNIS       string
	State      map[string]any
}

// Action selects what the engine does with a domain result.
type Action string

const (
	ActionPlayAudio Action = "PLAY_AUDIO"
	ActionSayText   Action = "SAY_TEXT"
	ActionHangup    Action = "HANGUP"
	ActionWaitInput Action = "WAIT_INPUT"
)

// DomainResult is the domain port's verdict for one turn. Every field is
// optional; the zero value means "listen again".
type DomainResult struct {
	Action Action

	// Audio names a static prompt file (without extension) under the
	// sounds root.
	Audio string

	// Text is synthesized via TTS. Static audio must come through Audio,
	// never as a "sound:" prefixed Text.
	Text string

	NextPhase  phase.Phase
	StatePatch map[string]any

	// Silent disables barge-in on the produced playback.
	Silent bool

	// SkipInput skips listening on the next turn. Ignored in listening
	// phases, which always listen.
	SkipInput bool

	EnableIncremental  bool
	DisableIncremental bool

	ShouldHangup bool
	PlaybackOnly bool
}

// Port is the domain dialogue entry point.
type Port interface {
	Handle(ctx context.Context, dc DomainContext) (DomainResult, error)
}

// PortFunc adapts a function to [Port].
type PortFunc func(ctx context.Context, dc DomainContext) (DomainResult, error)

func (f PortFunc) Handle(ctx context.Context, dc DomainContext) (DomainResult, error) {
	return f(ctx, dc)
}

// NormalizeResult enforces the output contract on a domain result: a Text
// smuggling a "sound:" reference is rejected with a misuse warning, since
// static audio must be requested through Audio.
func NormalizeResult(r DomainResult, log *slog.Logger) DomainResult {
	if strings.HasPrefix(strings.TrimSpace(r.Text), "sound:") {
		log.Warn("domain returned sound: reference in text, dropping",
			"text", r.Text)
		r.Text = ""
		if r.Action == ActionSayText {
			r.Action = ActionWaitInput
		}
	}
	return r
}
