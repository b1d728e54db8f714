// Package app wires the voicebot subsystems into a running service: the
// stasis event pump, the per-call media plane, the realtime speech session,
// the identification capture and the turn engine.
//
// For testing, inject fakes via functional options (WithPBX, WithEvents,
// WithRealtimeFactory, ...). When an option is not provided, New builds the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/altavoz-cl/altavoz/internal/ari"
	"github.com/altavoz-cl/altavoz/internal/callrec"
	"github.com/altavoz-cl/altavoz/internal/config"
	"github.com/altavoz-cl/altavoz/internal/engine"
	"github.com/altavoz-cl/altavoz/internal/flow"
	"github.com/altavoz-cl/altavoz/internal/health"
	"github.com/altavoz-cl/altavoz/internal/marks"
	"github.com/altavoz-cl/altavoz/internal/media"
	"github.com/altavoz-cl/altavoz/internal/observe"
	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/snoop"
	"github.com/altavoz-cl/altavoz/internal/store"
	"github.com/altavoz-cl/altavoz/internal/stt"
)

// PBX is the slice of the ARI client the application drives. It extends the
// media-plane surface with the caller-leg operations.
type PBX interface {
	media.PBX
	ChannelAnswer(ctx context.Context, channelID string) error
	ChannelPlay(ctx context.Context, channelID, playbackID, media string) (*ari.Playback, error)
	ChannelSetVar(ctx context.Context, channelID, variable, value string) error
	PlaybackStop(ctx context.Context, playbackID string) error
}

var _ PBX = (*ari.Client)(nil)

// EventSource delivers stasis events. *ari.EventPump satisfies it.
type EventSource interface {
	Events() <-chan ari.Event
	Err() error
	Close() error
}

var _ EventSource = (*ari.EventPump)(nil)

// Realtime is the duplex transcription session one call owns.
// *stt.Session satisfies it.
type Realtime interface {
	engine.SpeechSession
	Connect(ctx context.Context) error
	Disconnect() error
	UpdateSession(instructions string) error
	OnPartial(fn stt.PartialFunc)
	OnStreamStable(fn stt.StableFunc)
	StreamAudio(chunk []byte) error
}

var _ Realtime = (*stt.Session)(nil)

// sessionInstructions steers the realtime transcriber. The bot never asks
// the model to speak; prompts come from static files and the synthesizer.
const sessionInstructions = "Transcribe fielmente lo que dice la persona en español chileno. " +
	"No respondas ni converses; entrega solo la transcripción."

// App owns all per-process state and the set of active calls.
type App struct {
	cfg *config.Config
	log *slog.Logger

	pbx      PBX
	ariC     *ari.Client // nil when a fake PBX was injected
	events   EventSource
	kv       store.KV
	contract *phase.Contract
	snoops   *snoop.Store
	media    *media.Controller
	synth    *stt.Synthesizer
	batch    *stt.BatchTranscriber
	domain   engine.Port
	records  *callrec.Store
	metrics  *observe.Metrics

	externalHost string
	newRealtime  func(linkedID string) Realtime

	mu        sync.Mutex
	calls     map[string]*call
	legs      map[string]string // channel id -> linked id
	playbacks map[string]*playbackRef

	closers []func() error
}

type playbackRef struct {
	linkedID string
	handle   *playbackHandle
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPBX injects a PBX client instead of building one from config.
func WithPBX(p PBX) Option {
	return func(a *App) { a.pbx = p }
}

// WithEvents injects a stasis event source instead of opening the WebSocket.
func WithEvents(src EventSource) Option {
	return func(a *App) { a.events = src }
}

// WithKV injects a cache instead of connecting Redis or creating the
// in-process store.
func WithKV(kv store.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithDomain injects the dialogue port instead of the built-in flow.
func WithDomain(p engine.Port) Option {
	return func(a *App) { a.domain = p }
}

// WithRecords injects a call record store instead of connecting Postgres.
func WithRecords(s *callrec.Store) Option {
	return func(a *App) { a.records = s }
}

// WithRealtimeFactory injects the per-call speech session constructor.
func WithRealtimeFactory(fn func(linkedID string) Realtime) Option {
	return func(a *App) { a.newRealtime = fn }
}

// New wires the application. It connects the cache and the record store but
// not the PBX event WebSocket; Run does that so startup failures surface
// where the process can exit non-zero.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       slog.Default(),
		calls:     make(map[string]*call),
		legs:      make(map[string]string),
		playbacks: make(map[string]*playbackRef),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.kv == nil {
		if cfg.Redis.Addr != "" {
			r, err := store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return nil, fmt.Errorf("app: connect redis: %w", err)
			}
			a.kv = r
			a.closers = append(a.closers, r.Close)
		} else {
			m := store.NewMem(time.Minute)
			a.kv = m
			a.closers = append(a.closers, m.Close)
			a.log.Info("no redis configured, using in-process cache")
		}
	}

	a.contract = phase.NewContract()
	a.snoops = snoop.NewStore(a.kv)

	if a.pbx == nil {
		cl := ari.New(cfg.ARI.BaseURL, cfg.ARI.App, cfg.ARI.Username, cfg.ARI.Password)
		a.pbx = cl
		a.ariC = cl
	}
	a.media = media.NewController(a.pbx, a.snoops, a.contract, ari.DefaultBackoff, a.log)

	a.externalHost = cfg.Media.ExternalHost
	if a.externalHost == "" {
		detected, err := media.PrimaryIPv4()
		if err != nil {
			a.log.Warn("cannot autodetect external media host, using loopback", "error", err)
			detected = "127.0.0.1"
		}
		a.externalHost = detected
	}

	if cfg.OpenAI.APIKey != "" {
		client := oai.NewClient(option.WithAPIKey(cfg.OpenAI.APIKey))
		a.synth = stt.NewSynthesizer(client, cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice, a.log)
		a.batch = stt.NewBatchTranscriber(client, cfg.OpenAI.TranscribeModel)
	}
	if a.newRealtime == nil {
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("app: openai api key is required")
		}
		a.newRealtime = func(linkedID string) Realtime {
			return stt.New(cfg.OpenAI.APIKey, cfg.OpenAI.RealtimeModel,
				stt.WithLogger(a.log.With("linked_id", linkedID)),
				stt.WithStreamStableThreshold(time.Duration(cfg.Turn.StreamStableMs)*time.Millisecond),
				stt.WithMinInput(time.Duration(cfg.Turn.MinInputMs)*time.Millisecond),
				stt.WithTuning(cfg.OpenAI.Temperature, cfg.OpenAI.MaxOutputTokens),
			)
		}
	}

	if a.domain == nil {
		a.domain = flow.New(nil, a.identifierLookup, a.log)
	}

	if a.records == nil && cfg.Records.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Records.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect record store: %w", err)
		}
		st := callrec.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: migrate record store: %w", err)
		}
		a.records = st
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	return a, nil
}

// Run connects the stasis WebSocket and serves events and HTTP until ctx is
// cancelled or the event stream fails.
func (a *App) Run(ctx context.Context) error {
	if a.events == nil {
		if a.ariC == nil {
			return errors.New("app: no event source configured")
		}
		pump, err := a.ariC.Events(ctx)
		if err != nil {
			return fmt.Errorf("app: connect stasis events: %w", err)
		}
		a.events = pump
	}
	defer a.events.Close()

	g, ctx := errgroup.WithContext(ctx)

	srv := a.httpServer()
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error { return a.eventLoop(ctx) })

	a.log.Info("altavoz running",
		"listen", a.cfg.Server.ListenAddr,
		"stasis_app", a.cfg.ARI.App,
		"external_host", a.externalHost)

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// eventLoop dispatches stasis events until the stream ends.
func (a *App) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-a.events.Events():
			if !ok {
				if err := a.events.Err(); err != nil {
					return fmt.Errorf("app: stasis event stream: %w", err)
				}
				return nil
			}
			a.handleEvent(ctx, &ev)
		}
	}
}

// handleEvent routes one stasis event to the owning call.
func (a *App) handleEvent(ctx context.Context, ev *ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		a.handleStasisStart(ctx, ev)

	case ari.EventChannelTalkingStarted:
		if c := a.callForChannel(ev.ChannelID()); c != nil {
			c.recorder.Mark(marks.TalkStart, nil)
			c.runner.Post(engine.CallEvent{Kind: engine.EvTalkStarted})
		}

	case ari.EventChannelTalkingFinished:
		if c := a.callForChannel(ev.ChannelID()); c != nil {
			c.recorder.Mark(marks.TalkEnd, nil)
			c.runner.Post(engine.CallEvent{Kind: engine.EvTalkFinished})
		}

	case ari.EventPlaybackFinished, ari.EventPlaybackStopped, ari.EventPlaybackFailed:
		if ev.Playback != nil {
			a.finishPlayback(ev.Playback.ID)
		}

	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		a.handleChannelGone(ev.ChannelID())
	}
}

// handleStasisStart distinguishes the three legs that enter the application:
// the caller channel (no app args), the snoop leg (linkedId arg) and the
// external media leg (role=externalMedia).
func (a *App) handleStasisStart(ctx context.Context, ev *ari.Event) {
	ch := ev.Channel
	if ch == nil {
		return
	}

	args := ev.AppArgs()
	if args["role"] == "externalMedia" {
		a.bindLeg(ch.ID, ev.LinkedID())
		return
	}
	if lid := ev.LinkedID(); lid != "" {
		a.bindLeg(ch.ID, lid)
		if err := a.media.ConfirmSnoopStasis(ctx, lid); err != nil {
			a.log.Warn("snoop stasis confirmation failed", "linked_id", lid, "error", err)
		}
		return
	}

	a.startCall(ctx, ch)
}

// handleChannelGone reacts to a channel leaving stasis. Only the caller leg
// ends the call; helper legs are torn down by the media controller.
func (a *App) handleChannelGone(channelID string) {
	if channelID == "" {
		return
	}
	a.mu.Lock()
	linkedID, ok := a.legs[channelID]
	delete(a.legs, channelID)
	var c *call
	if ok && linkedID == channelID {
		c = a.calls[linkedID]
	}
	a.mu.Unlock()

	if c != nil {
		c.runner.Post(engine.CallEvent{Kind: engine.EvHangup})
		c.cancel()
	}
}

// bindLeg records which call a helper channel belongs to.
func (a *App) bindLeg(channelID, linkedID string) {
	if channelID == "" || linkedID == "" {
		return
	}
	a.mu.Lock()
	a.legs[channelID] = linkedID
	a.mu.Unlock()
}

// callForChannel resolves a channel id to its call via the leg map.
func (a *App) callForChannel(channelID string) *call {
	if channelID == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	linkedID, ok := a.legs[channelID]
	if !ok {
		return nil
	}
	return a.calls[linkedID]
}

// finishPlayback resolves a finished playback to its handle and wakes the
// owning call.
func (a *App) finishPlayback(playbackID string) {
	a.mu.Lock()
	ref, ok := a.playbacks[playbackID]
	delete(a.playbacks, playbackID)
	var c *call
	if ok {
		c = a.calls[ref.linkedID]
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	ref.handle.finish()
	if c != nil {
		c.runner.Post(engine.CallEvent{Kind: engine.EvPlaybackFinished})
	}
}

func (a *App) removeCall(linkedID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.calls, linkedID)
	for chID, lid := range a.legs {
		if lid == linkedID {
			delete(a.legs, chID)
		}
	}
	for pbID, ref := range a.playbacks {
		if ref.linkedID == linkedID {
			delete(a.playbacks, pbID)
		}
	}
}

// shutdown finalizes the remaining calls and runs closers in reverse order.
func (a *App) shutdown() {
	a.mu.Lock()
	calls := make([]*call, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	a.mu.Unlock()

	for _, c := range calls {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
		c.finalize()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer failed", "error", err)
		}
	}
}

// httpServer serves the health probes and the Prometheus scrape endpoint.
func (a *App) httpServer() *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "cache", Check: a.cacheCheck},
		health.Checker{Name: "stasis", Check: a.stasisCheck},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// cacheCheck round-trips a probe key through the shared cache.
func (a *App) cacheCheck(ctx context.Context) error {
	const key = "health:probe"
	if err := a.kv.Set(ctx, key, "ok", time.Minute); err != nil {
		return err
	}
	_, err := a.kv.Get(ctx, key)
	return err
}

// stasisCheck reports the event stream state.
func (a *App) stasisCheck(context.Context) error {
	if a.events == nil {
		return errors.New("event stream not connected")
	}
	return a.events.Err()
}

// recordPBXError counts a failed PBX operation when the error carries the
// adapter's classification.
func (a *App) recordPBXError(ctx context.Context, err error) {
	var oe *ari.OpError
	if errors.As(err, &oe) {
		a.metrics.RecordPBXError(ctx, oe.Op, string(oe.Kind))
	}
}

// identifierLookup reads the identifier the validation webhook stored.
func (a *App) identifierLookup(ctx context.Context, sessionID string) (string, bool) {
	v, err := a.kv.Get(ctx, store.IdentifierKey(sessionID))
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}
