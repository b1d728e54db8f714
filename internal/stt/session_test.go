package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeService is a mock realtime endpoint: it records every client event
// and lets the test inject server events.
type fakeService struct {
	srv      *httptest.Server
	incoming chan map[string]any
	outgoing chan string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{
		incoming: make(chan map[string]any, 64),
		outgoing: make(chan string, 64),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		ctx := r.Context()
		go func() {
			for {
				select {
				case msg := <-f.outgoing:
					if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				f.incoming <- m
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// expect waits for the next client event of the given type, skipping none.
func (f *fakeService) expect(t *testing.T, typ string) map[string]any {
	t.Helper()
	select {
	case m := <-f.incoming:
		if m["type"] != typ {
			t.Fatalf("client sent %v, want %s", m["type"], typ)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client event %s", typ)
		return nil
	}
}

func newTestSession(t *testing.T, f *fakeService, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(f.srv.URL),
		WithStreamStableThreshold(50 * time.Millisecond),
		WithMinInput(180 * time.Millisecond),
	}, opts...)
	s := New("sk-test", "gpt-4o-realtime-preview", opts...)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestSession_ConnectSendsSessionConfig(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	newTestSession(t, f)

	m := f.expect(t, "session.update")
	sess, ok := m["session"].(map[string]any)
	if !ok {
		t.Fatalf("no session payload: %v", m)
	}
	if sess["input_audio_format"] != "g711_ulaw" {
		t.Errorf("input format = %v", sess["input_audio_format"])
	}
	if sess["output_audio_format"] != "pcm16" {
		t.Errorf("output format = %v", sess["output_audio_format"])
	}
	// Server-side turn detection must be explicitly disabled.
	if v, present := sess["turn_detection"]; !present || v != nil {
		t.Errorf("turn_detection = %v (present=%v), want explicit null", v, present)
	}
	if sess["input_audio_transcription"] == nil {
		t.Error("transcription not enabled")
	}
}

func TestSession_StreamAndCommit(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	chunk := make([]byte, 200*ulawBytesPerMs) // 200 ms of μ-law
	if err := s.StreamAudio(chunk); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	m := f.expect(t, "input_audio_buffer.append")
	decoded, err := base64.StdEncoding.DecodeString(m["audio"].(string))
	if err != nil || len(decoded) != len(chunk) {
		t.Fatalf("append audio decode: %d bytes, err %v", len(decoded), err)
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.expect(t, "input_audio_buffer.commit")
	f.expect(t, "response.create")
}

func TestSession_CommitDropsShortInput(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	if err := s.StreamAudio(make([]byte, 100*ulawBytesPerMs)); err != nil { // 100 ms < 180 ms
		t.Fatalf("StreamAudio: %v", err)
	}
	f.expect(t, "input_audio_buffer.append")

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Short input clears instead of committing.
	f.expect(t, "input_audio_buffer.clear")
	select {
	case m := <-f.incoming:
		t.Fatalf("unexpected client event %v after clear", m["type"])
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_AudioGateWhileResponseActive(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	f.outgoing <- `{"type":"response.created","response":{"id":"resp-1"}}`
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.activeResponseID == "resp-1"
	})

	// Default mode drops audio while a response is active.
	if err := s.StreamAudio(make([]byte, 160)); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	select {
	case m := <-f.incoming:
		t.Fatalf("audio sent during active response: %v", m["type"])
	case <-time.After(100 * time.Millisecond):
	}

	// Incremental mode lets it through.
	s.EnableIncremental()
	if err := s.StreamAudio(make([]byte, 160)); err != nil {
		t.Fatalf("StreamAudio incremental: %v", err)
	}
	f.expect(t, "input_audio_buffer.append")
}

func TestSession_WaitForTranscript(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	var mu sync.Mutex
	var partials []string
	var completed []string
	s.OnPartial(func(text string, isDelta bool) {
		mu.Lock()
		defer mu.Unlock()
		if isDelta {
			partials = append(partials, text)
		} else {
			completed = append(completed, text)
		}
	})

	f.outgoing <- `{"type":"conversation.item.input_audio_transcription.delta","delta":"uno "}`
	f.outgoing <- `{"type":"conversation.item.input_audio_transcription.completed","transcript":"uno cuatro tres"}`

	text, err := s.WaitForTranscript(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForTranscript: %v", err)
	}
	if text != "uno cuatro tres" {
		t.Errorf("transcript = %q", text)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(partials) == 1 && len(completed) == 1
	})

	// Timeout with no transcript is a silent turn, not an error.
	text, err = s.WaitForTranscript(context.Background(), 50*time.Millisecond)
	if err != nil || text != "" {
		t.Fatalf("WaitForTranscript on silence = %q, %v", text, err)
	}
}

func TestSession_CancelCurrentResponse(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	// Idempotent with no active response: clears the buffer only.
	if err := s.CancelCurrentResponse("barge-in"); err != nil {
		t.Fatalf("CancelCurrentResponse: %v", err)
	}
	f.expect(t, "input_audio_buffer.clear")

	f.outgoing <- `{"type":"response.created","response":{"id":"resp-1"}}`
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.activeResponseID == "resp-1"
	})

	if err := s.CancelCurrentResponse("barge-in"); err != nil {
		t.Fatalf("CancelCurrentResponse active: %v", err)
	}
	m := f.expect(t, "response.cancel")
	if m["response_id"] != "resp-1" {
		t.Errorf("cancel response_id = %v", m["response_id"])
	}
	f.expect(t, "input_audio_buffer.clear")
}

func TestSession_StreamStabilityDetector(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	reasons := make(chan StableReason, 8)
	s.OnStreamStable(func(r StableReason) { reasons <- r })

	// Deltas while a response is active, then silence: stream-stable.
	f.outgoing <- `{"type":"response.created","response":{"id":"resp-1"}}`
	f.outgoing <- `{"type":"response.audio.delta","delta":"QUJD"}`

	select {
	case r := <-reasons:
		if r != StreamStable {
			t.Errorf("reason = %s, want stream-stable", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stability event")
	}

	// response.done yields stream-complete.
	f.outgoing <- `{"type":"response.done"}`
	select {
	case r := <-reasons:
		if r != StreamComplete {
			t.Errorf("reason = %s, want stream-complete", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}
}

func TestSession_DisconnectIdempotentAndReconnectable(t *testing.T) {
	t.Parallel()

	f := newFakeService(t)
	s := newTestSession(t, f)
	f.expect(t, "session.update")

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if s.Connected() {
		t.Fatal("still connected after Disconnect")
	}
	if err := s.StreamAudio(make([]byte, 160)); err != ErrNotConnected {
		t.Fatalf("StreamAudio after disconnect = %v, want ErrNotConnected", err)
	}

	// The hard-stop path reconnects the same client later.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.expect(t, "session.update")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
