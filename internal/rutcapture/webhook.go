package rutcapture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/altavoz-cl/altavoz/internal/store"
)

// Trigger identifies what pushed the capture over the line. Stronger
// triggers may upgrade an earlier webhook attempt with different text.
type Trigger string

const (
	TriggerTranscriptionCompleted Trigger = "transcription-completed"
	TriggerStreamStable           Trigger = "stream-stable"
	TriggerAudioSettled           Trigger = "audio-settled"
	TriggerSilenceDetected        Trigger = "silence-detected"
	TriggerEarlyStable            Trigger = "early-stable-state"
)

// Priority orders triggers by evidence strength.
func (t Trigger) Priority() int {
	switch t {
	case TriggerTranscriptionCompleted:
		return 5
	case TriggerStreamStable:
		return 4
	case TriggerAudioSettled:
		return 3
	case TriggerSilenceDetected:
		return 2
	case TriggerEarlyStable:
		return 1
	}
	return 0
}

// WebhookResult is the backend's verdict on the captured text.
type WebhookResult struct {
	OK     bool   `json:"ok"`
	RUT    string `json:"rut,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrAlreadySent means the webhook already ran for this call with the same
// text, or with a trigger at least as strong.
var ErrAlreadySent = errors.New("rutcapture: webhook already invoked")

// Webhook invokes the validation endpoint at most once per call. Idempotence
// is keyed on a truncated SHA-256 of the trimmed text; a different text may
// upgrade an earlier attempt only when its trigger is strictly stronger.
type Webhook struct {
	url     string
	timeout time.Duration
	kv      store.KV
	httpc   *http.Client
	log     *slog.Logger
}

// NewWebhook builds the client. An empty url disables invocation; Invoke
// then accepts everything locally (development mode).
func NewWebhook(url string, timeout time.Duration, kv store.KV, log *slog.Logger) *Webhook {
	return &Webhook{
		url:     url,
		timeout: timeout,
		kv:      kv,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// TextHash is the 128-bit idempotence key for a capture text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:16])
}

// triggerKey persists the trigger that produced the last sent attempt, so a
// later different text can prove it is strictly stronger.
func triggerKey(linkedID string) string { return "rut:webhook:trigger:" + linkedID }

// Invoke runs the webhook for the captured text unless an equivalent or
// stronger attempt already succeeded. On success the validated RUT is stored
// under the session identifier key.
func (w *Webhook) Invoke(ctx context.Context, linkedID, text string, trigger Trigger) (*WebhookResult, error) {
	hash := TextHash(text)

	if sent, err := w.kv.Get(ctx, store.WebhookSentKey(linkedID)); err == nil && sent == "true" {
		prevHash, _ := w.kv.Get(ctx, store.WebhookHashKey(linkedID))
		if prevHash == hash {
			return nil, ErrAlreadySent
		}
		prevTrigger, _ := w.kv.Get(ctx, triggerKey(linkedID))
		if trigger.Priority() <= Trigger(prevTrigger).Priority() {
			w.log.Debug("webhook upgrade refused",
				"linked_id", linkedID, "trigger", trigger, "previous", prevTrigger)
			return nil, ErrAlreadySent
		}
		w.log.Info("upgrading webhook attempt",
			"linked_id", linkedID, "trigger", trigger, "previous", prevTrigger)
	}

	result, err := w.post(ctx, linkedID, text)
	if err != nil {
		return nil, err
	}

	_ = w.kv.Set(ctx, store.WebhookSentKey(linkedID), "true", store.TTLWebhookSent)
	_ = w.kv.Set(ctx, store.WebhookHashKey(linkedID), hash, store.TTLWebhookHash)
	_ = w.kv.Set(ctx, triggerKey(linkedID), string(trigger), store.TTLWebhookSent)

	if result.OK {
		if err := w.kv.Set(ctx, store.IdentifierKey(linkedID), result.RUT, store.TTLIdentifier); err != nil {
			w.log.Warn("storing validated identifier failed", "linked_id", linkedID, "error", err)
		}
		w.log.Info("RUT_WEBHOOK_SUCCESS", "linked_id", linkedID, "trigger", trigger)
	} else {
		w.log.Info("RUT_WEBHOOK_REJECTED", "linked_id", linkedID, "trigger", trigger, "reason", result.Reason)
	}
	return result, nil
}

func (w *Webhook) post(ctx context.Context, linkedID, text string) (*WebhookResult, error) {
	if w.url == "" {
		w.log.Warn("no webhook configured, accepting capture locally", "linked_id", linkedID)
		return &WebhookResult{OK: true, RUT: text}, nil
	}

	payload, err := json.Marshal(map[string]string{
		"text":    text,
		"callKey": linkedID,
	})
	if err != nil {
		return nil, fmt.Errorf("rutcapture: marshal webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rutcapture: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rutcapture: webhook round-trip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rutcapture: webhook status %d", resp.StatusCode)
	}

	var result WebhookResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rutcapture: decode webhook response: %w", err)
	}
	return &result, nil
}
