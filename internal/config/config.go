// Package config provides the configuration schema and loader for the
// Altavoz voicebot engine.
package config

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the engine.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	ARI     ARIConfig     `yaml:"ari"`
	Redis   RedisConfig   `yaml:"redis"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Tenant  TenantConfig  `yaml:"tenant"`
	RUT     RUTConfig     `yaml:"rut"`
	Turn    TurnConfig    `yaml:"turn"`
	Media   MediaConfig   `yaml:"media"`
	Records RecordsConfig `yaml:"records"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/metrics endpoint listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ARIConfig describes how to reach the PBX stasis interface.
type ARIConfig struct {
	// BaseURL is the REST root, e.g. "http://127.0.0.1:8088/ari".
	BaseURL string `yaml:"base_url"`

	// App is the stasis application name channels are routed into.
	App string `yaml:"app"`

	// Username and Password authenticate both REST calls and the event
	// WebSocket.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig selects the shared cache. With Addr empty the engine falls
// back to an in-process store, which is fine for a single node.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpenAIConfig holds the speech service credentials and model selection.
type OpenAIConfig struct {
	// APIKey authenticates all speech surfaces. Usually injected via the
	// OPENAI_API_KEY environment variable rather than the YAML file.
	APIKey string `yaml:"api_key"`

	// RealtimeModel is the duplex transcription model.
	RealtimeModel string `yaml:"realtime_model"`

	// TranscribeModel is the batch transcription fallback model.
	TranscribeModel string `yaml:"transcribe_model"`

	// TTSModel and TTSVoice drive prompt synthesis. TTSVoice must be in the
	// service's voice allow-list; unknown voices fall back to the default.
	TTSModel string `yaml:"tts_model"`
	TTSVoice string `yaml:"tts_voice"`

	// Temperature and MaxOutputTokens are forwarded in the realtime
	// session config.
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// TenantConfig identifies the clinic the engine answers for.
type TenantConfig struct {
	// ID is the tenant identifier sent to the domain backend.
	ID string `yaml:"id"`

	// Domain scopes cache keys and recording paths, e.g. "clinica-norte".
	Domain string `yaml:"domain"`
}

// RUTConfig tunes the identification capture stage.
type RUTConfig struct {
	// WebhookURL is the validation endpoint. Required in production;
	// usually injected via RUT_WEBHOOK_URL.
	WebhookURL string `yaml:"webhook_url"`

	// WebhookTimeoutMs bounds the validation round-trip.
	WebhookTimeoutMs int `yaml:"webhook_timeout_ms"`

	// DebounceMs is how long after the last partial delta the capture
	// considers the utterance settled.
	DebounceMs int `yaml:"debounce_ms"`

	// EmptyDeltaLimit is the number of consecutive empty deltas after which
	// the capture assumes the caller stopped mid-utterance.
	EmptyDeltaLimit int `yaml:"empty_delta_limit"`
}

// TurnConfig tunes the per-turn endpointing and the session hard caps.
// All durations are in milliseconds.
type TurnConfig struct {
	// VoiceStartTimeoutMs bounds the wait for first voice evidence.
	VoiceStartTimeoutMs int `yaml:"voice_start_timeout_ms"`

	// PostPlaybackGuardMs is the grace period after a prompt finishes
	// before silence counting starts.
	PostPlaybackGuardMs int `yaml:"post_playback_guard_ms"`

	// MinSilenceMs is the silence needed after talk-finished to endpoint.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// MaxUtteranceMs caps a single utterance.
	MaxUtteranceMs int `yaml:"max_utterance_ms"`

	// MaxRecordingMs caps the recorded audio of one turn.
	MaxRecordingMs int `yaml:"max_recording_ms"`

	// TranscriptWaitMs bounds the wait for a transcript after commit.
	TranscriptWaitMs int `yaml:"transcript_wait_ms"`

	// StreamStableMs is the delta-gap threshold for stream-stability
	// endpointing.
	StreamStableMs int `yaml:"stream_stable_ms"`

	// MinInputMs is the shortest audio input worth committing; anything
	// shorter is dropped with a warning.
	MinInputMs int `yaml:"min_input_ms"`

	// MaxTurns and MaxSilentTurns are the session hard caps.
	MaxTurns       int `yaml:"max_turns"`
	MaxSilentTurns int `yaml:"max_silent_turns"`
}

// MediaConfig tunes the PBX media plane.
type MediaConfig struct {
	// ExternalHost is the IPv4 the PBX sends RTP to. Empty means
	// autodetect the host's primary interface.
	ExternalHost string `yaml:"external_host"`

	// AudioReadyContractMs bounds the contract-driven audio-ready wait.
	AudioReadyContractMs int `yaml:"audio_ready_contract_ms"`

	// AudioReadyEventMs bounds the event-driven wait; expiry is non-fatal.
	AudioReadyEventMs int `yaml:"audio_ready_event_ms"`

	// SoundsRoot is the directory holding static voice prompts.
	SoundsRoot string `yaml:"sounds_root"`

	// RecordingsRoot is the directory call recordings are written under.
	RecordingsRoot string `yaml:"recordings_root"`
}

// RecordsConfig holds settings for the call record store.
type RecordsConfig struct {
	// PostgresDSN is the connection string for persisting finished call
	// records. Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns a Config populated with the documented default values.
// Loading merges the YAML file on top of these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		ARI: ARIConfig{
			BaseURL: "http://127.0.0.1:8088/ari",
			App:     "crm_app",
		},
		OpenAI: OpenAIConfig{
			RealtimeModel:   "gpt-4o-realtime-preview",
			TranscribeModel: "gpt-4o-transcribe",
			TTSModel:        "gpt-4o-mini-tts",
			TTSVoice:        "nova",
			Temperature:     0.6,
			MaxOutputTokens: 300,
		},
		RUT: RUTConfig{
			WebhookTimeoutMs: 10_000,
			DebounceMs:       900,
			EmptyDeltaLimit:  2,
		},
		Turn: TurnConfig{
			VoiceStartTimeoutMs: 4_000,
			PostPlaybackGuardMs: 400,
			MinSilenceMs:        800,
			MaxUtteranceMs:      5_000,
			MaxRecordingMs:      15_000,
			TranscriptWaitMs:    3_000,
			StreamStableMs:      300,
			MinInputMs:          180,
			MaxTurns:            15,
			MaxSilentTurns:      3,
		},
		Media: MediaConfig{
			AudioReadyContractMs: 2_000,
			AudioReadyEventMs:    5_000,
			SoundsRoot:           "/var/lib/asterisk/sounds",
			RecordingsRoot:       "/var/spool/altavoz/recordings",
		},
	}
}
