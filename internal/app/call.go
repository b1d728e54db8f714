package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/altavoz-cl/altavoz/internal/ari"
	"github.com/altavoz-cl/altavoz/internal/callrec"
	"github.com/altavoz-cl/altavoz/internal/engine"
	"github.com/altavoz-cl/altavoz/internal/flow"
	"github.com/altavoz-cl/altavoz/internal/marks"
	"github.com/altavoz-cl/altavoz/internal/media"
	"github.com/altavoz-cl/altavoz/internal/observe"
	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/rutcapture"
	"github.com/altavoz-cl/altavoz/internal/stt"
	"github.com/altavoz-cl/altavoz/pkg/audio"
)

// call holds everything one caller owns: the recorder, the RTP tap, the
// realtime session, the identification capture and the turn runner. The
// linked id doubles as the caller channel id.
type call struct {
	app       *App
	linkedID  string
	ani, dnis string
	recPath   string
	startedAt time.Time

	// ctx scopes the session callbacks and the tap read loop; cancel fires
	// on hangup and finalize.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	session  Realtime
	recorder *media.Recorder
	tap      *media.UDPTap
	orch     *rutcapture.Orchestrator
	phases   *engine.PhaseStore
	runner   *engine.Runner

	stopOnce  sync.Once
	finalOnce sync.Once
}

// startCall builds a call for a fresh caller channel and runs it.
func (a *App) startCall(ctx context.Context, ch *ari.Channel) {
	a.mu.Lock()
	if _, exists := a.calls[ch.ID]; exists {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	c, err := a.newCall(ch)
	if err != nil {
		a.log.Error("call setup failed", "channel", ch.ID, "error", err)
		_ = a.pbx.ChannelHangup(ctx, ch.ID)
		return
	}

	a.mu.Lock()
	a.calls[c.linkedID] = c
	a.legs[ch.ID] = c.linkedID
	a.mu.Unlock()

	go c.run(ctx)
}

// newCall assembles the per-call pipeline. Nothing here touches the PBX;
// run does the first network round-trips.
func (a *App) newCall(ch *ari.Channel) (*call, error) {
	now := time.Now()
	c := &call{
		app:       a,
		linkedID:  ch.ID,
		ani:       ch.Caller.Number,
		dnis:      ch.Dialplan.Exten,
		startedAt: now,
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.recPath = media.RecordingPath(a.cfg.Media.RecordingsRoot, a.cfg.Domain(),
		c.dnis, c.linkedID, c.ani, now)
	c.recorder = media.NewRecorder(c.linkedID, c.recPath)
	c.recorder.Mark(marks.RecordingStart, nil)

	c.session = a.newRealtime(c.linkedID)

	tap, err := media.ListenTap(a.externalHost, a.log, func(ulaw []byte) {
		c.recorder.WriteUlaw(ulaw)
		_ = c.session.StreamAudio(ulaw)
	})
	if err != nil {
		_ = c.recorder.Close()
		return nil, fmt.Errorf("app: bind rtp tap: %w", err)
	}
	c.tap = tap
	a.media.RegisterTap(c.linkedID, tap)
	a.metrics.ActiveSnoops.Add(c.ctx, 1)
	a.media.SetResponseCanceler(c.linkedID, func() {
		_ = c.session.CancelCurrentResponse("media teardown")
	})

	webhook := rutcapture.NewWebhook(a.cfg.RUT.WebhookURL,
		time.Duration(a.cfg.RUT.WebhookTimeoutMs)*time.Millisecond, a.kv, a.log)
	c.orch = rutcapture.NewOrchestrator(c.linkedID, a.cfg.Domain(), a.kv, webhook,
		time.Duration(a.cfg.RUT.DebounceMs)*time.Millisecond,
		a.cfg.RUT.EmptyDeltaLimit, a.log)
	c.orch.SetHooks(c.hardStop, func(res rutcapture.Result) {
		if res.WebhookRTT > 0 {
			a.metrics.WebhookDuration.Record(c.ctx, res.WebhookRTT.Seconds())
		}
		if res.Accepted {
			a.metrics.RecordWebhook(c.ctx, string(res.Trigger), "ok")
			a.log.Info("caller identified", "linked_id", c.linkedID, "trigger", res.Trigger)
			return
		}
		a.metrics.RecordWebhook(c.ctx, string(res.Trigger), "rejected")
		a.metrics.RecordCaptureRejection(c.ctx, res.Reason)
		a.log.Info("identification attempt rejected", "linked_id", c.linkedID,
			"reason", res.Reason, "trigger", res.Trigger)
	})

	c.session.OnPartial(func(text string, isDelta bool) {
		if isDelta {
			c.recorder.Mark(marks.DeltaActivity, nil)
			c.orch.HandleDelta(c.ctx, text)
		} else {
			c.recorder.Mark(marks.CompletedChunk, nil)
			c.orch.HandleCompleted(c.ctx, text)
		}
		c.runner.Post(engine.CallEvent{Kind: engine.EvVoiceEvidence})
	})
	c.session.OnStreamStable(func(stt.StableReason) {
		c.orch.HandleStreamStable(c.ctx)
		c.runner.Post(engine.CallEvent{Kind: engine.EvStreamStable})
	})

	var batch func(ctx context.Context) (string, error)
	if a.batch != nil {
		batch = func(ctx context.Context) (string, error) {
			wav, err := c.recorder.LastSegmentWAV()
			if err != nil {
				return "", err
			}
			return a.batch.Transcribe(ctx, bytes.NewReader(wav))
		}
	}

	c.phases = engine.NewPhaseStore(a.kv)
	c.runner = engine.NewRunner(engine.RunnerParams{
		LinkedID:        c.linkedID,
		ParentChannelID: c.linkedID,
		ANI:             c.ani,
		DNIS:            c.dnis,
		UDPEndpoint:     net.JoinHostPort(a.externalHost, strconv.Itoa(tap.Port())),
		Phases:          c.phases,
		Contract:        a.contract,
		Media:           a.media,
		STT:             c.session,
		Player:          &pbxPlayer{app: a, linkedID: c.linkedID, channelID: c.linkedID},
		Domain:          a.domain,
		Capture:         c.orch,
		Batch:           batch,
		Observer:        &turnMetrics{m: a.metrics},
		Cfg:             a.cfg.Turn,
		AudioReadyMs:    a.cfg.Media.AudioReadyContractMs,
		Log:             a.log.With("linked_id", c.linkedID),
	})
	return c, nil
}

// run answers the caller, connects speech and drives the turn loop until the
// call ends one way or another.
func (c *call) run(ctx context.Context) {
	a := c.app
	ctx, span := observe.StartSpan(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("linked_id", c.linkedID),
			attribute.String("dnis", c.dnis),
		),
	)
	defer span.End()

	log := a.log.With("linked_id", c.linkedID)
	if cid := observe.CorrelationID(ctx); cid != "" {
		log = log.With("trace_id", cid)
	}
	defer close(c.done)
	defer c.finalize()

	a.metrics.CallStarted(ctx)
	log.Info("call started", "ani", c.ani, "dnis", c.dnis)

	if err := a.pbx.ChannelAnswer(ctx, c.linkedID); err != nil {
		a.recordPBXError(ctx, err)
		log.Error("answer failed", "error", err)
		return
	}
	if err := a.pbx.ChannelSetVar(ctx, c.linkedID, "TALK_DETECT(set)",
		strconv.Itoa(a.cfg.Turn.MinSilenceMs)); err != nil {
		log.Warn("talk detection setup failed", "error", err)
	}

	if err := c.session.Connect(ctx); err != nil {
		log.Error("realtime session connect failed", "error", err)
		return
	}
	if err := c.session.UpdateSession(sessionInstructions); err != nil {
		log.Warn("session instructions rejected", "error", err)
	}
	go c.tap.Start(c.ctx)

	if err := c.runner.Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("turn loop failed", "error", err)
		c.apologize()
	}
}

// apologize plays the transfer prompt after a fatal turn-loop error so the
// caller is not dropped mid-sentence. Best effort on a fresh context; the
// channel may already be gone.
func (c *call) apologize() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	player := &pbxPlayer{app: c.app, linkedID: c.linkedID, channelID: c.linkedID}
	handle, err := player.PlayAudio(ctx, c.linkedID, flow.PromptTransferAgent)
	if err != nil {
		return
	}
	select {
	case <-handle.Done():
	case <-ctx.Done():
	}
}

// hardStop halts response generation and incremental input once the
// identification capture froze. Transport stays up; the scheduling phases
// still need it.
func (c *call) hardStop() {
	c.stopOnce.Do(func() {
		c.session.DisableIncremental()
		_ = c.session.CancelCurrentResponse("capture frozen")
		c.recorder.Mark(marks.IntentFinal, nil)
	})
}

// finalize tears the call down exactly once: media plane, speech session,
// recording, record row, caller channel.
func (c *call) finalize() {
	c.finalOnce.Do(func() {
		a := c.app
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c.cancel()
		c.orch.Close()

		// Teardown is only legal in the terminal phase; move there first.
		if err := c.phases.Set(ctx, c.linkedID, phase.EndCall); err != nil {
			a.log.Warn("terminal phase store failed", "linked_id", c.linkedID, "error", err)
		}
		if err := a.media.TeardownIfAllowed(ctx, c.linkedID, phase.EndCall, true); err != nil {
			a.recordPBXError(ctx, err)
			a.log.Warn("media teardown failed", "linked_id", c.linkedID, "error", err)
		}
		_ = c.session.Disconnect()
		_ = c.tap.Close()
		a.metrics.ActiveSnoops.Add(ctx, -1)
		if err := c.recorder.Close(); err != nil {
			a.log.Warn("recording close failed", "linked_id", c.linkedID, "error", err)
		}

		a.saveRecord(ctx, c)
		_ = c.phases.Clear(ctx, c.linkedID)
		_ = a.pbx.ChannelHangup(ctx, c.linkedID)

		a.metrics.CallEnded(ctx)
		a.removeCall(c.linkedID)
		a.log.Info("call finished", "linked_id", c.linkedID,
			"turns", c.runner.Turns(), "silent_turns", c.runner.Silences())
	})
}

// saveRecord persists the finished call when a record store is configured.
func (a *App) saveRecord(ctx context.Context, c *call) {
	if a.records == nil {
		return
	}

	snap := c.runner.Snapshot()
	rut, _ := a.identifierLookup(ctx, c.linkedID)
	if rut == "" {
		rut = stateString(snap, "rut")
	}
	slot := stateString(snap, "confirmed_slot")

	outcome := callrec.OutcomeAbandoned
	switch {
	case slot != "":
		outcome = callrec.OutcomeScheduled
	case rut != "":
		outcome = callrec.OutcomeNoAgreement
	case c.runner.Turns() > 1:
		outcome = callrec.OutcomeUnidentified
	}

	ledger := c.recorder.Marks().Marks()
	recMarks := make([]callrec.Mark, 0, len(ledger))
	for _, m := range ledger {
		recMarks = append(recMarks, callrec.Mark{
			Type:     string(m.Type),
			OffsetMs: m.OffsetMs,
			Meta:     m.Meta,
		})
	}

	rec := &callrec.Record{
		LinkedID:      c.linkedID,
		Domain:        a.cfg.Domain(),
		ANI:           c.ani,
		DNIS:          c.dnis,
		RUT:           rut,
		Specialty:     stateString(snap, "specialty"),
		ConfirmedSlot: slot,
		Outcome:       outcome,
		Turns:         c.runner.Turns(),
		SilentTurns:   c.runner.Silences(),
		RecordingPath: c.recPath,
		Marks:         recMarks,
		StartedAt:     c.startedAt,
	}
	if err := a.records.Save(ctx, rec); err != nil {
		a.log.Warn("call record save failed", "linked_id", c.linkedID, "error", err)
	}
}

func stateString(state map[string]any, key string) string {
	if v, ok := state[key].(string); ok {
		return v
	}
	return ""
}

// turnMetrics forwards turn-level measurements to the metrics instruments.
type turnMetrics struct {
	m *observe.Metrics
}

var _ engine.TurnObserver = (*turnMetrics)(nil)

func (t *turnMetrics) TurnDone(d time.Duration, silent bool) {
	ctx := context.Background()
	t.m.TurnDuration.Record(ctx, d.Seconds())
	if silent {
		t.m.SilentTurns.Add(ctx, 1)
	}
}

func (t *turnMetrics) TranscriptDone(d time.Duration) {
	t.m.TranscriptDuration.Record(context.Background(), d.Seconds())
}

func (t *turnMetrics) BargeIn() {
	t.m.BargeIns.Add(context.Background(), 1)
}

// pbxPlayer renders prompts on the caller channel: static sound files
// directly, synthesized text through a cached WAV under the sounds root.
type pbxPlayer struct {
	app       *App
	linkedID  string
	channelID string
}

var _ engine.Player = (*pbxPlayer)(nil)

func (p *pbxPlayer) PlayAudio(ctx context.Context, _ string, mediaName string) (engine.PlaybackHandle, error) {
	id := uuid.NewString()
	h := &playbackHandle{app: p.app, id: id, done: make(chan struct{})}

	p.app.mu.Lock()
	p.app.playbacks[id] = &playbackRef{linkedID: p.linkedID, handle: h}
	p.app.mu.Unlock()

	if _, err := p.app.pbx.ChannelPlay(ctx, p.channelID, id, "sound:"+mediaName); err != nil {
		p.app.mu.Lock()
		delete(p.app.playbacks, id)
		p.app.mu.Unlock()
		return nil, fmt.Errorf("app: start playback: %w", err)
	}
	return h, nil
}

func (p *pbxPlayer) SayText(ctx context.Context, linkedID, text string) (engine.PlaybackHandle, error) {
	if p.app.synth == nil {
		return nil, errors.New("app: no synthesizer configured")
	}

	start := time.Now()
	pcm, err := p.app.synth.Synthesize(ctx, text, "")
	if err != nil {
		return nil, fmt.Errorf("app: synthesize prompt: %w", err)
	}
	p.app.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	name, err := p.app.writePromptWAV(text, pcm)
	if err != nil {
		return nil, err
	}
	return p.PlayAudio(ctx, linkedID, name)
}

// writePromptWAV caches one synthesized prompt as an 8 kHz WAV the PBX can
// play, keyed by the text hash.
func (a *App) writePromptWAV(text string, pcm []byte) (string, error) {
	sum := sha256.Sum256([]byte(text))
	name := "voicebot/tts/" + hex.EncodeToString(sum[:8])
	full := filepath.Join(a.cfg.Media.SoundsRoot, name+".wav")
	if _, err := os.Stat(full); err == nil {
		return name, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("app: create tts dir: %w", err)
	}
	telephony := audio.ResampleMono16(pcm, audio.SpeechRate, audio.TelephonyRate)
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, telephony, audio.TelephonyRate); err != nil {
		return "", fmt.Errorf("app: encode prompt wav: %w", err)
	}
	if err := os.WriteFile(full, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("app: write prompt wav: %w", err)
	}
	return name, nil
}

// playbackHandle tracks one playback on the PBX.
type playbackHandle struct {
	app  *App
	id   string
	done chan struct{}
	once sync.Once
}

func (h *playbackHandle) Done() <-chan struct{} { return h.done }

// Stop asks the PBX to stop the playback and resolves the handle locally;
// the PlaybackStopped event then finds nothing left to do.
func (h *playbackHandle) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.app.pbx.PlaybackStop(ctx, h.id)
	h.finish()
}

func (h *playbackHandle) finish() { h.once.Do(func() { close(h.done) }) }
