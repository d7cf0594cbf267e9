package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medivoice/internal/config"
	"github.com/MrWong99/medivoice/pkg/voice"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  shutdown_timeout: 5s

providers:
  - name: openai
    api_key: ${MEDIVOICE_TEST_OPENAI_KEY}
    model: gpt-4o-realtime-preview
  - name: openai
    label: openai-eu
    api_key: sk-eu
    base_url: https://eu.example.com/v1
    stream_url: wss://eu.example.com/v1/realtime
    timeout: 3s

voice:
  voice: coral
  language: de-AT
  vad_sensitivity: 0
  turn_detection:
    silence_duration_ms: 800

auth:
  tokens:
    - token: tok-alice
      user_id: alice

storage:
  driver: memory
  conversations:
    - id: conv-1
      user_id: alice

resilience:
  max_failures: 3
  reset_timeout: 1m
`

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MEDIVOICE_TEST_OPENAI_KEY", "sk-from-env")
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg := loadSample(t)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v, want 5s", cfg.Server.ShutdownTimeout)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	primary := cfg.Providers[0]
	if primary.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", primary.APIKey)
	}
	if primary.StreamURL != config.DefaultStreamURL {
		t.Errorf("stream_url = %q, want default", primary.StreamURL)
	}
	if primary.Timeout != config.DefaultProviderTimeout {
		t.Errorf("timeout = %v, want default", primary.Timeout)
	}
	if got := cfg.Providers[1].DisplayName(); got != "openai-eu" {
		t.Errorf("second provider display name = %q", got)
	}
	if cfg.Providers[1].Timeout != 3*time.Second {
		t.Errorf("second provider timeout = %v", cfg.Providers[1].Timeout)
	}

	if cfg.Voice.Voice != voice.VoiceCoral || cfg.Voice.Language != "de-AT" {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if cfg.Voice.Sensitivity() != 0 {
		t.Errorf("explicit sensitivity 0 lost: got %d", cfg.Voice.Sensitivity())
	}
	if cfg.Voice.TurnDetection.SilenceDurationMs != 800 || cfg.Voice.TurnDetection.PrefixPaddingMs != config.DefaultPrefixPaddingMs {
		t.Errorf("turn_detection = %+v", cfg.Voice.TurnDetection)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != time.Minute || cfg.Resilience.HalfOpenMax != config.DefaultHalfOpenMax {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
	if cfg.Telemetry.MetricsPath != "/metrics" || cfg.Telemetry.ServiceName != "medivoice" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  - name: openai
    api_key: sk
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Voice.Voice != voice.DefaultVoice || cfg.Voice.Sensitivity() != voice.DefaultSensitivity {
		t.Errorf("voice defaults = %+v", cfg.Voice)
	}
	if cfg.Storage.Driver != config.StorageMemory {
		t.Errorf("storage driver = %q, want memory", cfg.Storage.Driver)
	}
	if got := cfg.Voice.Modalities; len(got) != 2 || got[0] != "audio" {
		t.Errorf("modalities = %v", got)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  - name: openai
    api_key: sk
    temperature: 0.4
`))
	if err == nil || !strings.Contains(err.Error(), "temperature") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medivoice.yaml")
	t.Setenv("MEDIVOICE_TEST_OPENAI_KEY", "sk-file")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-file" {
		t.Errorf("api_key = %q", cfg.Providers[0].APIKey)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

type stubMinter struct{ label string }

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry[*stubMinter]()
	reg.Register("openai", func(e config.ProviderEntry) (*stubMinter, error) {
		return &stubMinter{label: e.DisplayName()}, nil
	})
	reg.Register("broken", func(config.ProviderEntry) (*stubMinter, error) {
		return nil, errors.New("no key")
	})

	t.Run("registered", func(t *testing.T) {
		m, err := reg.Create(config.ProviderEntry{Name: "openai", Label: "primary"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if m.label != "primary" {
			t.Errorf("label = %q", m.label)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := reg.Create(config.ProviderEntry{Name: "gemini"})
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})

	t.Run("create all stops at first failure", func(t *testing.T) {
		_, err := reg.CreateAll([]config.ProviderEntry{{Name: "openai"}, {Name: "broken"}})
		if err == nil || !strings.Contains(err.Error(), "providers[1]") {
			t.Errorf("err = %v, want failure naming providers[1]", err)
		}
		all, err := reg.CreateAll([]config.ProviderEntry{{Name: "openai", Label: "a"}, {Name: "openai", Label: "b"}})
		if err != nil || len(all) != 2 || all[1].label != "b" {
			t.Errorf("CreateAll = %v, %v", all, err)
		}
	})
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-example")
	t.Setenv("MEDIVOICE_DEMO_TOKEN", "demo-token")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("configs/example.yaml does not load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Storage.Conversations[0].UserID != "demo" {
		t.Errorf("unexpected example config: %+v", cfg)
	}
}
