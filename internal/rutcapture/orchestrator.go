package rutcapture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/store"
)

// HardStopFunc halts the audio input pipeline when capture freezes: cancel
// any active response and disable incremental commits, so nothing is
// generated or sent for text the capture already consumed. Must be
// idempotent; the call continues into the scheduling phases afterwards.
type HardStopFunc func()

// Result is delivered to the engine whenever the capture reaches a verdict.
// WebhookRTT is zero when no webhook ran (semantic filter refusals).
type Result struct {
	Accepted   bool
	Text       string
	RUT        string
	Reason     string
	Trigger    Trigger
	WebhookRTT time.Duration
}

// deltaState is the per-call capture timing state mirrored into the cache
// for observability and for listeners on other nodes.
type deltaState struct {
	EmptyDeltas int    `json:"emptyDeltas"`
	LastText    string `json:"lastText"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Orchestrator drives the capture for one call. Partial deltas steer timing
// only; the completed transcript is the single source of truth for the text
// sent to the webhook.
type Orchestrator struct {
	linkedID string
	domain   string
	kv       store.KV
	webhook  *Webhook
	log      *slog.Logger

	debounce        time.Duration
	emptyDeltaLimit int

	hardStop HardStopFunc
	onResult func(Result)

	mu            sync.Mutex
	active        bool
	rutPhase      bool
	frozen        bool
	partial       strings.Builder
	completed     string
	emptyDeltas   int
	debounceTimer *time.Timer
}

// NewOrchestrator builds the capture for one call.
func NewOrchestrator(linkedID, domain string, kv store.KV, webhook *Webhook,
	debounce time.Duration, emptyDeltaLimit int, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		linkedID:        linkedID,
		domain:          domain,
		kv:              kv,
		webhook:         webhook,
		log:             log,
		debounce:        debounce,
		emptyDeltaLimit: emptyDeltaLimit,
	}
}

// SetHooks registers the freeze teardown and the verdict callback.
func (o *Orchestrator) SetHooks(hardStop HardStopFunc, onResult func(Result)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hardStop = hardStop
	o.onResult = onResult
}

// SetPhase gates the orchestrator: it runs only during listening phases,
// and the freeze rule applies only while identifying. Re-entering the
// identify phase after a freeze resets the capture for a fresh round.
func (o *Orchestrator) SetPhase(ctx context.Context, p phase.Phase) {
	o.mu.Lock()
	o.active = p.IsListening()
	wasRUT := o.rutPhase
	o.rutPhase = p == phase.ListenRUT
	reset := o.rutPhase && !wasRUT && o.frozen
	if reset {
		o.frozen = false
		o.partial.Reset()
		o.completed = ""
		o.emptyDeltas = 0
	}
	if !o.active {
		o.stopDebounceLocked()
	}
	o.mu.Unlock()

	if reset {
		if err := o.kv.Del(ctx, store.CaptureFrozenKey(o.domain, o.linkedID)); err != nil {
			o.log.Debug("clear captureFrozen failed", "error", err)
		}
		o.log.Info("capture reset for a new identification round", "linked_id", o.linkedID)
	}
}

// Frozen reports whether the capture already consumed its completed event.
func (o *Orchestrator) Frozen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frozen
}

// HandleDelta processes a partial transcript delta. Deltas are never used
// to assemble the identification; they update timing state and may fire the
// early-stable trigger after enough consecutive empties.
func (o *Orchestrator) HandleDelta(ctx context.Context, text string) {
	o.mu.Lock()
	if !o.active || o.frozen {
		o.mu.Unlock()
		return
	}

	now := time.Now().UnixMilli()
	if text == "" {
		o.emptyDeltas++
		early := o.emptyDeltas >= o.emptyDeltaLimit
		o.persistDeltaStateLocked(ctx, now)
		o.mu.Unlock()
		if early {
			o.attempt(ctx, TriggerEarlyStable)
		}
		return
	}

	o.emptyDeltas = 0
	o.partial.WriteString(text)
	o.persistDeltaStateLocked(ctx, now)
	o.resetDebounceLocked(ctx)
	o.mu.Unlock()
}

// HandleCompleted processes the authoritative transcript. In the identify
// phase the first completed freezes capture and hard-stops the audio input
// so later context cannot bleed into the result.
func (o *Orchestrator) HandleCompleted(ctx context.Context, text string) {
	o.mu.Lock()
	if o.frozen {
		o.mu.Unlock()
		o.log.Debug("dropping completed after freeze", "linked_id", o.linkedID)
		return
	}
	if !o.active {
		o.mu.Unlock()
		return
	}

	var hardStop HardStopFunc
	if o.rutPhase {
		o.frozen = true
		o.stopDebounceLocked()
		hardStop = o.hardStop
	}
	o.completed = text
	o.mu.Unlock()

	if hardStop != nil {
		_ = o.kv.Set(ctx, store.CaptureFrozenKey(o.domain, o.linkedID), "true", store.TTLCaptureFrozen)
		hardStop()
	}

	if ok, reason := SemanticFilter(text); !ok {
		o.deliver(Result{
			Accepted: false,
			Text:     text,
			Reason:   string(reason),
			Trigger:  TriggerTranscriptionCompleted,
		})
		return
	}
	o.attempt(ctx, TriggerTranscriptionCompleted)
}

// HandleStreamStable reacts to the session's local stability signal.
func (o *Orchestrator) HandleStreamStable(ctx context.Context) {
	o.attempt(ctx, TriggerStreamStable)
}

// HandleSilence reacts to the turn machine reporting no voice while a
// partial buffer exists.
func (o *Orchestrator) HandleSilence(ctx context.Context) {
	o.mu.Lock()
	hasPartial := o.partial.Len() > 0
	o.mu.Unlock()
	if hasPartial {
		o.attempt(ctx, TriggerSilenceDetected)
	}
}

// Close stops any pending timer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopDebounceLocked()
}

// attempt invokes the webhook with the best available text: the completed
// transcript when present, otherwise the accumulated partial buffer.
func (o *Orchestrator) attempt(ctx context.Context, trigger Trigger) {
	o.mu.Lock()
	if !o.active && !o.frozen {
		o.mu.Unlock()
		return
	}
	text := o.completed
	if text == "" {
		text = o.partial.String()
	}
	o.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if ok, reason := SemanticFilter(text); !ok {
		o.log.Debug("capture attempt filtered", "linked_id", o.linkedID,
			"trigger", trigger, "reason", reason)
		return
	}

	start := time.Now()
	result, err := o.webhook.Invoke(ctx, o.linkedID, text, trigger)
	if errors.Is(err, ErrAlreadySent) {
		return
	}
	if err != nil {
		o.log.Warn("webhook invocation failed", "linked_id", o.linkedID,
			"trigger", trigger, "error", err)
		return
	}
	o.deliver(Result{
		Accepted:   result.OK,
		Text:       text,
		RUT:        result.RUT,
		Reason:     result.Reason,
		Trigger:    trigger,
		WebhookRTT: time.Since(start),
	})
}

func (o *Orchestrator) deliver(r Result) {
	o.mu.Lock()
	cb := o.onResult
	o.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// resetDebounceLocked (re)arms the audio-settled timer. Caller holds o.mu.
func (o *Orchestrator) resetDebounceLocked(ctx context.Context) {
	o.stopDebounceLocked()
	o.debounceTimer = time.AfterFunc(o.debounce, func() {
		o.attempt(ctx, TriggerAudioSettled)
	})
}

func (o *Orchestrator) stopDebounceLocked() {
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
}

// persistDeltaStateLocked mirrors timing state into the cache. Caller holds
// o.mu. Failures are logged, never fatal; the cache is advisory here.
func (o *Orchestrator) persistDeltaStateLocked(ctx context.Context, nowMs int64) {
	if err := o.kv.Set(ctx, store.LastSpeechKey(o.domain, o.linkedID),
		strconv.FormatInt(nowMs, 10), store.TTLLastSpeech); err != nil {
		o.log.Debug("persist lastSpeechTs failed", "error", err)
	}
	state, err := json.Marshal(deltaState{
		EmptyDeltas: o.emptyDeltas,
		LastText:    o.partial.String(),
		UpdatedAtMs: nowMs,
	})
	if err != nil {
		return
	}
	if err := o.kv.Set(ctx, store.DeltaStateKey(o.domain, o.linkedID),
		string(state), store.TTLDeltaState); err != nil {
		o.log.Debug("persist deltaState failed", "error", err)
	}
}
