package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/altavoz-cl/altavoz/internal/config"
	"github.com/altavoz-cl/altavoz/internal/phase"
)

// TurnState labels where the per-call machine currently is. It exists for
// logging and tests; transitions are driven entirely by runTurn.
type TurnState string

const (
	StateGreeting       TurnState = "GREETING"
	StateListening      TurnState = "LISTENING"
	StateRecordingDone  TurnState = "RECORDING_DONE"
	StateDispatching    TurnState = "DISPATCHING"
	StatePlaybackActive TurnState = "PLAYBACK_ACTIVE"
	StateSilentAdvance  TurnState = "SILENT_ADVANCE"
	StateTerminating    TurnState = "TERMINATING"
)

// EventKind classifies events posted into the call actor.
type EventKind int

const (
	EvTalkStarted EventKind = iota
	EvTalkFinished
	EvVoiceEvidence // any partial or completed STT event
	EvStreamStable
	EvPlaybackFinished
	EvHangup
)

// CallEvent is one external stimulus for the turn machine.
type CallEvent struct {
	Kind EventKind
	At   time.Time
}

// SpeechSession is the slice of the STT client the turn machine drives.
type SpeechSession interface {
	Commit() error
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	CancelCurrentResponse(reason string) error
	EnableIncremental()
	DisableIncremental()
}

// MediaPlane is the slice of the media controller the turn machine drives.
// SnoopStatus is a side-effect-free peek used to decide whether creation
// permissions matter for the current phase.
type MediaPlane interface {
	SnoopStatus(ctx context.Context, linkedID string) (snoopID string, active, hasBridge bool)
	EnsureSnoop(ctx context.Context, linkedID, parentChannelID string) (string, error)
	EnsureCaptureBridge(ctx context.Context, linkedID string) (string, error)
	EnsureExternalMedia(ctx context.Context, linkedID, udpEndpoint string) (string, error)
	WaitAudioReady(ctx context.Context, linkedID, snoopID string, timeout time.Duration) error
}

// PlaybackHandle tracks one running playback.
type PlaybackHandle interface {
	Done() <-chan struct{}
	Stop()
}

// Player renders prompts to the caller: static audio files or synthesized
// text.
type Player interface {
	PlayAudio(ctx context.Context, linkedID, media string) (PlaybackHandle, error)
	SayText(ctx context.Context, linkedID, text string) (PlaybackHandle, error)
}

// CaptureHooks is the slice of the identification capture the turn machine
// informs. Nil hooks are allowed outside capture phases.
type CaptureHooks interface {
	SetPhase(ctx context.Context, p phase.Phase)
	HandleSilence(ctx context.Context)
}

// TurnObserver receives per-turn measurements. Methods are called from the
// actor goroutine and must not block. A nil observer disables reporting.
type TurnObserver interface {
	TurnDone(d time.Duration, silent bool)
	TranscriptDone(d time.Duration)
	BargeIn()
}

// Runner executes the turn loop for one call. It is the only component that
// mutates the phase, so transitions are strictly serialized.
type Runner struct {
	linkedID        string
	parentChannelID string
	ani, dnis       string
	udpEndpoint     string

	phases       *PhaseStore
	contract     *phase.Contract
	media        MediaPlane
	stt          SpeechSession
	player       Player
	domain       Port
	capture      CaptureHooks
	batch        func(ctx context.Context) (string, error) // optional fallback
	observer     TurnObserver
	cfg          config.TurnConfig
	audioReadyMs int
	log          *slog.Logger

	events chan CallEvent

	state     map[string]any
	turnState TurnState
	skipInput bool
	turns     int
	silences  int
}

// RunnerParams wires a Runner.
type RunnerParams struct {
	LinkedID        string
	ParentChannelID string
	ANI, DNIS       string
	UDPEndpoint     string
	Phases          *PhaseStore
	Contract        *phase.Contract
	Media           MediaPlane
	STT             SpeechSession
	Player          Player
	Domain          Port
	Capture         CaptureHooks
	Batch           func(ctx context.Context) (string, error)
	Observer        TurnObserver
	Cfg             config.TurnConfig
	AudioReadyMs    int
	Log             *slog.Logger
}

// NewRunner builds the runner for one call.
func NewRunner(p RunnerParams) *Runner {
	audioReady := p.AudioReadyMs
	if audioReady <= 0 {
		audioReady = 2_000
	}
	return &Runner{
		linkedID:        p.LinkedID,
		parentChannelID: p.ParentChannelID,
		ani:             p.ANI,
		dnis:            p.DNIS,
		udpEndpoint:     p.UDPEndpoint,
		phases:          p.Phases,
		contract:        p.Contract,
		media:           p.Media,
		stt:             p.STT,
		player:          p.Player,
		domain:          p.Domain,
		capture:         p.Capture,
		batch:           p.Batch,
		observer:        p.Observer,
		cfg:             p.Cfg,
		audioReadyMs:    audioReady,
		log:             p.Log,
		events:          make(chan CallEvent, 64),
		state:           make(map[string]any),
		turnState:       StateGreeting,
	}
}

// Post delivers an external event into the call actor. Non-blocking; if the
// actor's queue is full the event is dropped with a warning, which only
// happens when the call is already wedged.
func (r *Runner) Post(ev CallEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.events <- ev:
	default:
		r.log.Warn("event queue full, dropping", "linked_id", r.linkedID, "kind", ev.Kind)
	}
}

// State returns the turn machine's current label.
func (r *Runner) State() TurnState { return r.turnState }

// Turns and Silences report the session counters. Read them only after Run
// returned; the actor goroutine owns them while running.
func (r *Runner) Turns() int    { return r.turns }
func (r *Runner) Silences() int { return r.silences }

// Snapshot copies the dialogue state. Read it only after Run returned.
func (r *Runner) Snapshot() map[string]any {
	out := make(map[string]any, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}

// Run drives the call from INIT to termination. It returns when the domain
// hangs up, a hard cap is reached, ctx is cancelled, or an EvHangup arrives.
func (r *Runner) Run(ctx context.Context) error {
	ph, err := r.phases.Get(ctx, r.linkedID)
	if err != nil {
		return err
	}
	if ph == phase.None {
		if err := r.phases.Set(ctx, r.linkedID, phase.StartGreeting); err != nil {
			return err
		}
		if r.capture != nil {
			r.capture.SetPhase(ctx, phase.StartGreeting)
		}
	}

	// The greeting phase is the only one allowed to create the capture
	// bridge, so the media plane is built here, before the first prompt.
	// Failures are not fatal: the listening turns retry what is missing.
	r.warmup(ctx)

	if err := r.dispatch(ctx, EventInit, ""); err != nil {
		return err
	}

	for r.turnState != StateTerminating {
		if ctx.Err() != nil {
			r.turnState = StateTerminating
			return ctx.Err()
		}

		r.turns++
		if r.turns > r.cfg.MaxTurns || r.silences >= r.cfg.MaxSilentTurns {
			r.log.Info("hard cap reached, saying goodbye",
				"linked_id", r.linkedID, "turns", r.turns, "silences", r.silences)
			_ = r.dispatch(ctx, EventGoodbye, "")
			r.turnState = StateTerminating
			return nil
		}

		turnStart := time.Now()
		silent, err := r.runTurn(ctx)
		if err != nil {
			return err
		}
		if r.observer != nil {
			r.observer.TurnDone(time.Since(turnStart), silent)
		}
		if silent {
			r.silences++
		} else {
			r.silences = 0
		}
	}
	return nil
}

// runTurn executes one full turn and reports whether it was silent.
func (r *Runner) runTurn(ctx context.Context) (bool, error) {
	ph, err := r.phases.Get(ctx, r.linkedID)
	if err != nil {
		return false, err
	}

	// skipInput applies once, and never to listening phases: those always
	// listen.
	if r.skipInput {
		r.skipInput = false
		if !ph.IsListening() {
			r.turnState = StateDispatching
			return false, r.dispatch(ctx, EventTurn, "")
		}
	}

	if !r.contract.RequiresInput(ph) {
		r.turnState = StateDispatching
		return false, r.dispatch(ctx, EventTurn, "")
	}

	if !r.contract.IsActionAllowed(ph, phase.ActionSTT) {
		r.log.Warn("input phase denies STT, skipping input", "linked_id", r.linkedID, "phase", ph)
		r.turnState = StateSilentAdvance
		return true, r.dispatch(ctx, EventNoInput, "")
	}
	if !r.ensureListening(ctx, ph) {
		r.turnState = StateSilentAdvance
		return true, r.dispatch(ctx, EventNoInput, "")
	}
	r.turnState = StateListening

	if !r.waitVoiceStart(ctx) {
		if r.turnState == StateTerminating {
			return false, nil
		}
		r.turnState = StateSilentAdvance
		if r.capture != nil {
			r.capture.HandleSilence(ctx)
		}
		return true, r.dispatch(ctx, EventNoInput, "")
	}

	r.waitEndpoint(ctx)
	if r.turnState == StateTerminating {
		return false, nil
	}
	r.turnState = StateRecordingDone

	transcript := r.fetchTranscript(ctx)
	if transcript == "" {
		r.turnState = StateSilentAdvance
		if r.capture != nil {
			r.capture.HandleSilence(ctx)
		}
		return true, r.dispatch(ctx, EventNoInput, "")
	}

	r.turnState = StateDispatching
	return false, r.dispatch(ctx, EventTurn, transcript)
}

// warmup builds the media plane ahead of the first listening turn, while
// the phase still permits creating it. Errors leave the work for
// ensureListening to retry.
func (r *Runner) warmup(ctx context.Context) {
	ph, err := r.phases.Get(ctx, r.linkedID)
	if err != nil {
		return
	}
	if !r.contract.IsActionAllowed(ph, phase.ActionCreateSnoop) ||
		!r.contract.IsActionAllowed(ph, phase.ActionCreateBridge) {
		return
	}
	if _, err := r.media.EnsureSnoop(ctx, r.linkedID, r.parentChannelID); err != nil {
		r.log.Warn("media warmup: snoop failed", "linked_id", r.linkedID, "error", err)
		return
	}
	if _, err := r.media.EnsureCaptureBridge(ctx, r.linkedID); err != nil {
		r.log.Warn("media warmup: bridge failed", "linked_id", r.linkedID, "error", err)
		return
	}
	if _, err := r.media.EnsureExternalMedia(ctx, r.linkedID, r.udpEndpoint); err != nil {
		r.log.Warn("media warmup: external media failed", "linked_id", r.linkedID, "error", err)
	}
}

// ensureListening builds whatever part of the media plane an input phase
// still misses. Creation permissions only matter for resources that do not
// exist yet, so a phase that forbids CREATE_SNOOP can still listen through
// a snoop made during the greeting. A denial is a silent turn, not an error.
func (r *Runner) ensureListening(ctx context.Context, ph phase.Phase) bool {
	if !r.contract.IsResourceRequired(ph, phase.ResourceSnoop) {
		return true
	}

	snoopID, active, hasBridge := r.media.SnoopStatus(ctx, r.linkedID)
	if !active && !r.contract.IsActionAllowed(ph, phase.ActionCreateSnoop) {
		r.log.Warn("phase requires a snoop that does not exist and denies creating it, skipping input",
			"linked_id", r.linkedID, "phase", ph)
		return false
	}
	if !hasBridge && !r.contract.IsActionAllowed(ph, phase.ActionCreateBridge) {
		r.log.Warn("capture bridge missing and phase denies creating it, skipping input",
			"linked_id", r.linkedID, "phase", ph)
		return false
	}

	if !active {
		var err error
		snoopID, err = r.media.EnsureSnoop(ctx, r.linkedID, r.parentChannelID)
		if err != nil {
			r.log.Warn("snoop setup failed", "linked_id", r.linkedID, "error", err)
			return false
		}
	}
	if _, err := r.media.EnsureCaptureBridge(ctx, r.linkedID); err != nil {
		r.log.Warn("bridge setup failed", "linked_id", r.linkedID, "error", err)
		return false
	}
	if _, err := r.media.EnsureExternalMedia(ctx, r.linkedID, r.udpEndpoint); err != nil {
		r.log.Warn("external media setup failed", "linked_id", r.linkedID, "error", err)
		return false
	}
	gate := time.Duration(r.audioReadyMs) * time.Millisecond
	if err := r.media.WaitAudioReady(ctx, r.linkedID, snoopID, gate); err != nil {
		r.log.Warn("audio-ready gate failed", "linked_id", r.linkedID, "error", err)
		return false
	}
	return true
}

// waitVoiceStart blocks until voice evidence arrives: a talk-detection
// event on the caller leg or any STT activity. Returns false on timeout.
func (r *Runner) waitVoiceStart(ctx context.Context) bool {
	timer := time.NewTimer(time.Duration(r.cfg.VoiceStartTimeoutMs) * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case ev := <-r.events:
			switch ev.Kind {
			case EvTalkStarted, EvVoiceEvidence:
				return true
			case EvHangup:
				r.turnState = StateTerminating
				return false
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// waitEndpoint blocks until the utterance ends: silence after talk-finished,
// a stream-stable signal, or the utterance cap, whichever fires first.
func (r *Runner) waitEndpoint(ctx context.Context) {
	maxUtterance := time.NewTimer(time.Duration(r.cfg.MaxUtteranceMs) * time.Millisecond)
	defer maxUtterance.Stop()

	var silence *time.Timer
	var silenceC <-chan time.Time
	stopSilence := func() {
		if silence != nil {
			silence.Stop()
			silence = nil
			silenceC = nil
		}
	}
	defer stopSilence()

	for {
		select {
		case ev := <-r.events:
			switch ev.Kind {
			case EvTalkFinished:
				stopSilence()
				silence = time.NewTimer(time.Duration(r.cfg.MinSilenceMs) * time.Millisecond)
				silenceC = silence.C
			case EvTalkStarted:
				stopSilence()
			case EvStreamStable:
				return
			case EvHangup:
				r.turnState = StateTerminating
				return
			}
		case <-silenceC:
			return
		case <-maxUtterance.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fetchTranscript commits the input buffer and waits for the transcript,
// falling back to batch transcription of the continuous recording when the
// realtime path yields nothing.
func (r *Runner) fetchTranscript(ctx context.Context) string {
	if err := r.stt.Commit(); err != nil {
		r.log.Warn("commit failed", "linked_id", r.linkedID, "error", err)
	}
	wait := time.Duration(r.cfg.TranscriptWaitMs) * time.Millisecond
	commitAt := time.Now()
	transcript, err := r.stt.WaitForTranscript(ctx, wait)
	if err != nil {
		r.log.Warn("transcript wait failed", "linked_id", r.linkedID, "error", err)
	}
	if transcript != "" && r.observer != nil {
		r.observer.TranscriptDone(time.Since(commitAt))
	}
	if transcript == "" && r.batch != nil {
		if fallback, err := r.batch(ctx); err != nil {
			r.log.Warn("batch fallback failed", "linked_id", r.linkedID, "error", err)
		} else if fallback != "" {
			r.log.Info("batch fallback transcript used", "linked_id", r.linkedID)
			transcript = fallback
		}
	}
	return transcript
}

// dispatch invokes the domain port and applies its result.
func (r *Runner) dispatch(ctx context.Context, ev Event, transcript string) error {
	ph, err := r.phases.Get(ctx, r.linkedID)
	if err != nil {
		return err
	}
	result, err := r.domain.Handle(ctx, DomainContext{
		Event:      ev,
		Phase:      ph,
		Transcript: transcript,
		SessionID:  r.linkedID,
		ANI:        r.ani,
		DNIS:       r.dnis,
		State:      r.state,
	})
	if err != nil {
		return fmt.Errorf("engine: domain dispatch: %w", err)
	}
	return r.apply(ctx, ph, result)
}

// apply carries a domain result out: state patch, incremental toggles,
// phase change, playback, and termination. from is the phase the domain
// was dispatched in.
func (r *Runner) apply(ctx context.Context, from phase.Phase, result DomainResult) error {
	result = NormalizeResult(result, r.log)

	for k, v := range result.StatePatch {
		r.state[k] = v
	}
	if result.EnableIncremental {
		r.stt.EnableIncremental()
	}
	if result.DisableIncremental {
		r.stt.DisableIncremental()
	}

	to := from
	if result.NextPhase != "" {
		to = result.NextPhase
		if err := r.phases.Set(ctx, r.linkedID, result.NextPhase); err != nil {
			return err
		}
		if r.capture != nil {
			r.capture.SetPhase(ctx, result.NextPhase)
		}
	}
	r.skipInput = result.SkipInput

	if result.Audio != "" || result.Text != "" {
		// A prompt produced together with a phase change belongs to the
		// transition: either endpoint may authorize it. Denied on both
		// sides, the prompt is dropped and the call goes on.
		if !r.contract.IsActionAllowed(from, phase.ActionPlayback) &&
			!r.contract.IsActionAllowed(to, phase.ActionPlayback) {
			r.log.Warn("playback denied by phase contract, dropping prompt",
				"linked_id", r.linkedID, "from", from, "to", to)
		} else if err := r.playResult(ctx, result); err != nil {
			r.log.Warn("playback failed", "linked_id", r.linkedID, "error", err)
		}
	}

	if result.ShouldHangup || result.Action == ActionHangup {
		r.turnState = StateTerminating
	}
	return nil
}

// playResult renders the prompt and waits for completion. Unless the result
// is silent, caller voice during the playback stops it, cancels the active
// response, and lets the next listening cycle start immediately.
func (r *Runner) playResult(ctx context.Context, result DomainResult) error {
	var (
		handle PlaybackHandle
		err    error
	)
	if result.Audio != "" {
		handle, err = r.player.PlayAudio(ctx, r.linkedID, result.Audio)
	} else {
		handle, err = r.player.SayText(ctx, r.linkedID, result.Text)
	}
	if err != nil {
		return err
	}

	r.turnState = StatePlaybackActive
	guard := time.Duration(r.cfg.PostPlaybackGuardMs) * time.Millisecond

	for {
		select {
		case <-handle.Done():
			time.Sleep(guard)
			return nil
		case ev := <-r.events:
			switch ev.Kind {
			case EvTalkStarted, EvVoiceEvidence:
				if result.Silent {
					continue // barge-in disabled, ignore until completion
				}
				handle.Stop()
				if r.observer != nil {
					r.observer.BargeIn()
				}
				if err := r.stt.CancelCurrentResponse("barge-in"); err != nil {
					r.log.Warn("cancel on barge-in failed", "linked_id", r.linkedID, "error", err)
				}
				// Re-post the voice evidence so the next listening
				// cycle starts without waiting for more.
				r.Post(CallEvent{Kind: EvVoiceEvidence, At: ev.At})
				return nil
			case EvPlaybackFinished:
				time.Sleep(guard)
				return nil
			case EvHangup:
				handle.Stop()
				r.turnState = StateTerminating
				return nil
			}
		case <-ctx.Done():
			handle.Stop()
			return ctx.Err()
		}
	}
}
