// Package stt wraps the speech service's three surfaces: the realtime duplex
// transcription WebSocket, the batch transcription endpoint, and speech
// synthesis with a process-local cache.
//
// The realtime session deliberately disables the service's own turn
// detection; the engine decides endpointing from talk events and the local
// stream-stability detector.
package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// μ-law at 8 kHz is exactly 8 bytes per millisecond.
const ulawBytesPerMs = 8

// StableReason tells the capture layer why the input stream went quiet.
type StableReason string

const (
	// StreamPaused fires when the gap between audio deltas first exceeds
	// the threshold while no response is active.
	StreamPaused StableReason = "stream-paused"

	// StreamStable fires when deltas stop flowing while a response was
	// active.
	StreamStable StableReason = "stream-stable"

	// StreamComplete fires when the service reports the response done.
	StreamComplete StableReason = "stream-complete"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("stt: session not connected")

// PartialFunc receives transcript events. isDelta=true carries token deltas,
// possibly empty, never authoritative; isDelta=false carries the completed
// transcript for the latest input segment.
type PartialFunc func(text string, isDelta bool)

// StableFunc receives stream-stability events.
type StableFunc func(reason StableReason)

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithBaseURL overrides the realtime endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(s *Session) { s.baseURL = url }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithStreamStableThreshold sets the delta-gap threshold for the stability
// detector.
func WithStreamStableThreshold(d time.Duration) Option {
	return func(s *Session) { s.stableThreshold = d }
}

// WithMinInput sets the shortest audio input worth committing.
func WithMinInput(d time.Duration) Option {
	return func(s *Session) { s.minInput = d }
}

// WithTuning sets the model temperature and output token cap forwarded in
// the session config.
func WithTuning(temperature float64, maxOutputTokens int) Option {
	return func(s *Session) {
		s.temperature = temperature
		s.maxOutputTokens = maxOutputTokens
	}
}

// Session is one duplex transcription session, one per call. All methods
// are safe for concurrent use; the UDP tap writes audio while the engine
// reads transcripts.
type Session struct {
	apiKey          string
	model           string
	baseURL         string
	log             *slog.Logger
	stableThreshold time.Duration
	minInput        time.Duration
	temperature     float64
	maxOutputTokens int

	mu               sync.Mutex
	conn             *websocket.Conn
	connCtx          context.Context
	connCancel       context.CancelFunc
	partialFn        PartialFunc
	stableFn         StableFunc
	incremental      bool
	activeResponseID string
	bufferedMs       int
	lastDeltaAt      time.Time
	pausedEmitted    bool
	transcripts      chan string
	closeOnce        *sync.Once
}

// New creates a session client. Connect must be called before streaming.
func New(apiKey, model string, opts ...Option) *Session {
	s := &Session{
		apiKey:          apiKey,
		model:           model,
		baseURL:         defaultRealtimeURL,
		log:             slog.Default(),
		stableThreshold: 300 * time.Millisecond,
		minInput:        180 * time.Millisecond,
		temperature:     0.6,
		maxOutputTokens: 300,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── Outgoing protocol messages ────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription"`
	TurnDetection           any                  `json:"turn_detection"` // explicit null disables server VAD
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded μ-law
}

type cancelResponseMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// ── Incoming protocol messages ────────────────────────────────────────────────

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`
	Error *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Connect dials the realtime endpoint and sends the session config once:
// telephony μ-law in, 24 kHz PCM16 out, transcription on, server-side turn
// detection off.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	wsURL := fmt.Sprintf("%s?model=%s", s.baseURL, s.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("stt: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = cancel
	s.activeResponseID = ""
	s.bufferedMs = 0
	s.lastDeltaAt = time.Time{}
	s.pausedEmitted = false
	s.transcripts = make(chan string, 4)
	s.closeOnce = &sync.Once{}
	s.mu.Unlock()

	if err := s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: "whisper-1", Language: "es"},
			TurnDetection:           nil,
			Temperature:             s.temperature,
			MaxResponseOutputTokens: s.maxOutputTokens,
		},
	}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		return fmt.Errorf("stt: session update: %w", err)
	}

	go s.receiveLoop(conn, connCtx)
	go s.stabilityLoop(connCtx)
	return nil
}

// Disconnect closes the session. Idempotent; the session may be connected
// again afterwards (the RUT hard stop relies on this).
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.connCancel
	once := s.closeOnce
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	once.Do(func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// Connected reports whether a live session exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// UpdateSession replaces the system instructions mid-session.
func (s *Session) UpdateSession(instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: "whisper-1", Language: "es"},
			TurnDetection:           nil,
			Instructions:            instructions,
		},
	})
}

// OnPartial registers the transcript callback. Must be set before audio
// flows; the capture layer depends on seeing every event in order.
func (s *Session) OnPartial(fn PartialFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialFn = fn
}

// OnStreamStable registers the stability callback.
func (s *Session) OnStreamStable(fn StableFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stableFn = fn
}

// EnableIncremental allows audio to keep flowing while a response is active.
func (s *Session) EnableIncremental() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incremental = true
}

// DisableIncremental restores the default gate.
func (s *Session) DisableIncremental() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incremental = false
}

// StreamAudio appends raw μ-law bytes to the input buffer. While a response
// is active the audio is dropped unless incremental mode is on.
func (s *Session) StreamAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.activeResponseID != "" && !s.incremental {
		s.mu.Unlock()
		return nil
	}
	s.bufferedMs += len(chunk) / ulawBytesPerMs
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit finalizes the input buffer so the service transcribes it. Inputs
// shorter than the configured minimum are cleared instead, never sent.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	buffered := s.bufferedMs
	s.bufferedMs = 0
	s.mu.Unlock()

	if buffered < int(s.minInput/time.Millisecond) {
		s.log.Warn("dropping short audio input", "buffered_ms", buffered,
			"min_ms", int(s.minInput/time.Millisecond))
		return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// WaitForTranscript blocks until the next completed transcript or timeout.
// An elapsed timeout returns "" with no error; the caller treats it as a
// silent turn.
func (s *Session) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	ch := s.transcripts
	s.mu.Unlock()
	if ch == nil {
		return "", ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-ch:
		return text, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelCurrentResponse cancels the active response and clears the pending
// input buffer. Idempotent when nothing is active.
func (s *Session) CancelCurrentResponse(reason string) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	responseID := s.activeResponseID
	s.activeResponseID = ""
	s.bufferedMs = 0
	s.mu.Unlock()

	if responseID != "" {
		s.log.Debug("cancelling active response", "response_id", responseID, "reason", reason)
		if err := s.writeJSON(cancelResponseMessage{Type: "response.cancel", ResponseID: responseID}); err != nil {
			return err
		}
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stt: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stt: write: %w", err)
	}
	return nil
}

// receiveLoop reads service events until the connection dies.
func (s *Session) receiveLoop(conn *websocket.Conn, ctx context.Context) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("stt session read failed", "error", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		s.noteDelta()
		s.emitPartial(evt.Delta, true)

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		ch := s.transcripts
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- evt.Transcript:
			default:
				s.log.Warn("transcript channel full, dropping", "len", len(evt.Transcript))
			}
		}
		s.emitPartial(evt.Transcript, false)

	case "response.created":
		if evt.Response != nil {
			s.mu.Lock()
			s.activeResponseID = evt.Response.ID
			s.mu.Unlock()
		}

	case "response.audio.delta", "response.audio_transcript.delta":
		s.noteDelta()

	case "response.done", "response.audio_transcript.done":
		if evt.Type == "response.done" {
			s.mu.Lock()
			s.activeResponseID = ""
			s.lastDeltaAt = time.Time{}
			s.mu.Unlock()
			s.emitStable(StreamComplete)
		}

	case "error":
		if evt.Error != nil {
			s.log.Warn("stt service error", "code", evt.Error.Code, "message", evt.Error.Message)
		}
	}
}

// noteDelta timestamps delta arrival for the stability detector.
func (s *Session) noteDelta() {
	s.mu.Lock()
	s.lastDeltaAt = time.Now()
	s.pausedEmitted = false
	s.mu.Unlock()
}

func (s *Session) emitPartial(text string, isDelta bool) {
	s.mu.Lock()
	fn := s.partialFn
	s.mu.Unlock()
	if fn != nil {
		fn(text, isDelta)
	}
}

func (s *Session) emitStable(reason StableReason) {
	s.mu.Lock()
	fn := s.stableFn
	s.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// stabilityLoop derives stream-paused and stream-stable locally: when the
// gap since the last delta exceeds the threshold, the stream is considered
// settled. The service offers no such signal itself.
func (s *Session) stabilityLoop(ctx context.Context) {
	interval := s.stableThreshold / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			last := s.lastDeltaAt
			active := s.activeResponseID != ""
			emitted := s.pausedEmitted
			if !last.IsZero() && now.Sub(last) > s.stableThreshold && !emitted {
				s.pausedEmitted = true
				s.mu.Unlock()
				if active {
					s.emitStable(StreamStable)
				} else {
					s.emitStable(StreamPaused)
				}
				continue
			}
			s.mu.Unlock()
		}
	}
}
