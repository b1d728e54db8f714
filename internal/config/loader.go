package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the well-known environment variables onto cfg.
// Environment values win over the YAML file so deployments can keep
// credentials out of it.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("RUT_WEBHOOK_URL"); v != "" {
		cfg.RUT.WebhookURL = v
	}
	if v := os.Getenv("ARI_APP"); v != "" {
		cfg.ARI.App = v
	}
	if v := os.Getenv("TENANT_ID"); v != "" {
		cfg.Tenant.ID = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required (set OPENAI_API_KEY)"))
	}
	if cfg.ARI.BaseURL == "" {
		errs = append(errs, errors.New("ari.base_url is required"))
	}
	if cfg.ARI.App == "" {
		errs = append(errs, errors.New("ari.app is required"))
	}
	if cfg.OpenAI.Temperature < 0 || cfg.OpenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("openai.temperature %.2f is out of range [0, 2]", cfg.OpenAI.Temperature))
	}

	if cfg.RUT.WebhookURL == "" {
		slog.Warn("rut.webhook_url is empty; identification will be accepted without backend validation")
	}
	if cfg.Tenant.Domain == "" {
		slog.Warn("tenant.domain is empty; cache keys and recording paths will use the literal \"default\"")
	}
	if cfg.Records.PostgresDSN == "" {
		slog.Warn("records.postgres_dsn is empty; call records will not be persisted")
	}

	for name, v := range map[string]int{
		"rut.webhook_timeout_ms":        cfg.RUT.WebhookTimeoutMs,
		"rut.debounce_ms":               cfg.RUT.DebounceMs,
		"rut.empty_delta_limit":         cfg.RUT.EmptyDeltaLimit,
		"turn.voice_start_timeout_ms":   cfg.Turn.VoiceStartTimeoutMs,
		"turn.post_playback_guard_ms":   cfg.Turn.PostPlaybackGuardMs,
		"turn.min_silence_ms":           cfg.Turn.MinSilenceMs,
		"turn.max_utterance_ms":         cfg.Turn.MaxUtteranceMs,
		"turn.max_recording_ms":         cfg.Turn.MaxRecordingMs,
		"turn.transcript_wait_ms":       cfg.Turn.TranscriptWaitMs,
		"turn.stream_stable_ms":         cfg.Turn.StreamStableMs,
		"turn.min_input_ms":             cfg.Turn.MinInputMs,
		"turn.max_turns":                cfg.Turn.MaxTurns,
		"turn.max_silent_turns":         cfg.Turn.MaxSilentTurns,
		"media.audio_ready_contract_ms": cfg.Media.AudioReadyContractMs,
		"media.audio_ready_event_ms":    cfg.Media.AudioReadyEventMs,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	return errors.Join(errs...)
}

// Domain returns the tenant domain, defaulting when unset.
func (c *Config) Domain() string {
	if c.Tenant.Domain == "" {
		return "default"
	}
	return c.Tenant.Domain
}
