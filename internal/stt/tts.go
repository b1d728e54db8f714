package stt

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// allowedVoices is the service's fixed voice allow-list. Unknown voices fall
// back to the configured default with a warning.
var allowedVoices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true,
	"echo": true, "fable": true, "nova": true, "onyx": true,
	"sage": true, "shimmer": true, "verse": true,
}

const ttsCacheSize = 128

// Synthesizer turns text into 24 kHz PCM16 speech with a process-local
// cache keyed by (text, voice). The cache is read-mostly; inserts copy the
// slice so callers can modify their view freely.
type Synthesizer struct {
	client       oai.Client
	model        string
	defaultVoice string
	instructions string
	log          *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
	order *list.List               // LRU, front = most recent
	elems map[string]*list.Element // cache key → order element
}

// NewSynthesizer creates a synthesizer using the given client. defaultVoice
// must be in the allow-list; if not, "nova" is used.
func NewSynthesizer(client oai.Client, model, defaultVoice string, log *slog.Logger) *Synthesizer {
	if !allowedVoices[defaultVoice] {
		log.Warn("configured default voice not in allow-list, using nova", "voice", defaultVoice)
		defaultVoice = "nova"
	}
	return &Synthesizer{
		client:       client,
		model:        model,
		defaultVoice: defaultVoice,
		instructions: "Habla en español chileno, con tono cálido y profesional de recepcionista médica.",
		log:          log,
		cache:        make(map[string][]byte),
		order:        list.New(),
		elems:        make(map[string]*list.Element),
	}
}

// Synthesize returns raw 16-bit LE PCM at 24 kHz for text spoken by voice.
// An empty or unknown voice falls back to the default.
func (sy *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("stt: synthesize: empty text")
	}
	if voice == "" {
		voice = sy.defaultVoice
	} else if !allowedVoices[voice] {
		sy.log.Warn("unknown voice, falling back to default", "voice", voice, "default", sy.defaultVoice)
		voice = sy.defaultVoice
	}

	key := voice + "\x00" + text
	if pcm, ok := sy.cacheGet(key); ok {
		return pcm, nil
	}

	resp, err := sy.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(sy.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
		Instructions:   param.NewOpt(sy.instructions),
	})
	if err != nil {
		return nil, fmt.Errorf("stt: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stt: synthesize read: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("stt: synthesize: empty audio for %q", text)
	}

	sy.cachePut(key, pcm)
	return pcm, nil
}

func (sy *Synthesizer) cacheGet(key string) ([]byte, bool) {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	pcm, ok := sy.cache[key]
	if ok {
		sy.order.MoveToFront(sy.elems[key])
	}
	return pcm, ok
}

func (sy *Synthesizer) cachePut(key string, pcm []byte) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	sy.mu.Lock()
	defer sy.mu.Unlock()
	if el, ok := sy.elems[key]; ok {
		sy.cache[key] = cp
		sy.order.MoveToFront(el)
		return
	}
	sy.cache[key] = cp
	sy.elems[key] = sy.order.PushFront(key)
	for sy.order.Len() > ttsCacheSize {
		oldest := sy.order.Back()
		old := oldest.Value.(string)
		sy.order.Remove(oldest)
		delete(sy.cache, old)
		delete(sy.elems, old)
	}
}

// CacheLen reports the number of cached synthesis results.
func (sy *Synthesizer) CacheLen() int {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	return len(sy.cache)
}
