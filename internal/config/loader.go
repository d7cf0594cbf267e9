package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// ValidProviderNames lists the minter implementations shipped with the
// broker. Unknown names are allowed (a third-party minter may be registered)
// but logged.
var ValidProviderNames = []string{"openai"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultProviderTimeout    = 10 * time.Second
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultStreamURL          = "wss://api.openai.com/v1/realtime"
	DefaultTranscriptionModel = "whisper-1"
	DefaultAudioFormat        = "pcm16"
	DefaultTurnDetection      = "server_vad"
	DefaultPrefixPaddingMs    = 300
	DefaultSilenceDurationMs  = 500
	DefaultMaxFailures        = 5
	DefaultResetTimeout       = 30 * time.Second
	DefaultHalfOpenMax        = 1
	DefaultMetricsPath        = "/metrics"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. ${VAR} references are expanded from the
// environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Timeout <= 0 {
			p.Timeout = DefaultProviderTimeout
		}
		if p.Model == "" {
			p.Model = DefaultModel
		}
		if p.StreamURL == "" && p.Name == "openai" {
			p.StreamURL = DefaultStreamURL
		}
		if p.TranscriptionModel == "" {
			p.TranscriptionModel = DefaultTranscriptionModel
		}
	}

	v := &cfg.Voice
	if v.Voice == "" {
		v.Voice = voice.DefaultVoice
	}
	if len(v.Modalities) == 0 {
		v.Modalities = []string{"audio", "text"}
	}
	if v.InputAudioFormat == "" {
		v.InputAudioFormat = DefaultAudioFormat
	}
	if v.OutputAudioFormat == "" {
		v.OutputAudioFormat = DefaultAudioFormat
	}
	if v.TurnDetection.Type == "" {
		v.TurnDetection.Type = DefaultTurnDetection
	}
	if v.TurnDetection.PrefixPaddingMs == 0 {
		v.TurnDetection.PrefixPaddingMs = DefaultPrefixPaddingMs
	}
	if v.TurnDetection.SilenceDurationMs == 0 {
		v.TurnDetection.SilenceDurationMs = DefaultSilenceDurationMs
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
	}

	r := &cfg.Resilience
	if r.MaxFailures <= 0 {
		r.MaxFailures = DefaultMaxFailures
	}
	if r.ResetTimeout <= 0 {
		r.ResetTimeout = DefaultResetTimeout
	}
	if r.HalfOpenMax <= 0 {
		r.HalfOpenMax = DefaultHalfOpenMax
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "medivoice"
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider is required"))
	}
	labels := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(p.Name)
		if prev, ok := labels[p.DisplayName()]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of providers[%d]; set a distinct label", prefix, p.DisplayName(), prev))
		}
		labels[p.DisplayName()] = i
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
		}
		if p.StreamURL == "" {
			errs = append(errs, fmt.Errorf("%s.stream_url is required for provider %q", prefix, p.Name))
		}
	}

	// Voice defaults
	if !cfg.Voice.Voice.IsValid() {
		errs = append(errs, fmt.Errorf("voice.voice %q is invalid; valid values: %v", cfg.Voice.Voice, voice.Voices))
	}
	if !voice.ValidLanguage(cfg.Voice.Language) {
		errs = append(errs, fmt.Errorf("voice.language %q is not a BCP 47 tag", cfg.Voice.Language))
	}
	if s := cfg.Voice.Sensitivity(); s < voice.MinSensitivity || s > voice.MaxSensitivity {
		errs = append(errs, fmt.Errorf("voice.vad_sensitivity %d is out of range [0, 100]", s))
	}
	if cfg.Voice.TurnDetection.PrefixPaddingMs < 0 || cfg.Voice.TurnDetection.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("voice.turn_detection durations must not be negative"))
	}

	// Auth
	tokens := make(map[string]int, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		prefix := fmt.Sprintf("auth.tokens[%d]", i)
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else if prev, ok := tokens[t.Token]; ok {
			errs = append(errs, fmt.Errorf("%s.token is a duplicate of auth.tokens[%d]", prefix, prev))
		} else {
			tokens[t.Token] = i
		}
		if t.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		}
	}
	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every session request will be rejected as unauthenticated")
	}

	// Storage
	if !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.driver is postgres"))
	}
	seen := make(map[string]int, len(cfg.Storage.Conversations))
	for i, c := range cfg.Storage.Conversations {
		prefix := fmt.Sprintf("storage.conversations[%d]", i)
		if c.ID == "" || c.UserID == "" {
			errs = append(errs, fmt.Errorf("%s requires id and user_id", prefix))
			continue
		}
		if prev, ok := seen[c.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of storage.conversations[%d]", prefix, c.ID, prev))
		}
		seen[c.ID] = i
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; it must be registered before startup",
		"name", name,
		"known", ValidProviderNames,
	)
}
