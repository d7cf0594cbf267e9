package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/medivoice/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "no providers",
			yaml:    `server: {log_level: info}`,
			wantErr: []string{"at least one provider"},
		},
		{
			name: "invalid log level",
			yaml: `
server: {log_level: verbose}
providers: [{name: openai, api_key: sk}]`,
			wantErr: []string{"server.log_level"},
		},
		{
			name: "provider without key or stream url",
			yaml: `
providers: [{name: custom}]`,
			wantErr: []string{"providers[0].api_key", "providers[0].stream_url"},
		},
		{
			name: "duplicate provider label",
			yaml: `
providers:
  - {name: openai, api_key: a}
  - {name: openai, api_key: b}`,
			wantErr: []string{"duplicate of providers[0]"},
		},
		{
			name: "voice outside catalogue",
			yaml: `
providers: [{name: openai, api_key: sk}]
voice: {voice: echo}`,
			wantErr: []string{"voice.voice"},
		},
		{
			name: "malformed language",
			yaml: `
providers: [{name: openai, api_key: sk}]
voice: {language: "not a tag!"}`,
			wantErr: []string{"voice.language"},
		},
		{
			name: "sensitivity out of range",
			yaml: `
providers: [{name: openai, api_key: sk}]
voice: {vad_sensitivity: 150}`,
			wantErr: []string{"vad_sensitivity"},
		},
		{
			name: "token problems",
			yaml: `
providers: [{name: openai, api_key: sk}]
auth:
  tokens:
    - {token: t1, user_id: alice}
    - {token: t1, user_id: bob}
    - {token: t2}`,
			wantErr: []string{"auth.tokens[1].token is a duplicate", "auth.tokens[2].user_id"},
		},
		{
			name: "postgres without dsn",
			yaml: `
providers: [{name: openai, api_key: sk}]
storage: {driver: postgres}`,
			wantErr: []string{"storage.postgres_dsn"},
		},
		{
			name: "unknown driver",
			yaml: `
providers: [{name: openai, api_key: sk}]
storage: {driver: sqlite}`,
			wantErr: []string{"storage.driver"},
		},
		{
			name: "duplicate conversation seed",
			yaml: `
providers: [{name: openai, api_key: sk}]
storage:
  conversations:
    - {id: c1, user_id: alice}
    - {id: c1, user_id: bob}`,
			wantErr: []string{"storage.conversations[1].id"},
		},
		{
			name: "tls needs both files",
			yaml: `
server: {tls: {cert_file: cert.pem}}
providers: [{name: openai, api_key: sk}]`,
			wantErr: []string{"server.tls"},
		},
		{
			name: "valid postgres",
			yaml: `
providers: [{name: openai, api_key: sk}]
storage: {driver: postgres, postgres_dsn: "postgres://localhost/medivoice"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %v, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Storage: config.StorageConfig{Driver: "sqlite"},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	// errors.Join separates with newlines.
	if n := strings.Count(err.Error(), "\n") + 1; n < 3 {
		t.Errorf("got %d errors, want at least 3: %v", n, err)
	}
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: []config.ProviderEntry{{Name: "openai", APIKey: "sk"}}}
	config.ApplyDefaults(cfg)
	first := *cfg
	config.ApplyDefaults(cfg)
	if d := config.Diff(&first, cfg); d.Changed() {
		t.Errorf("second ApplyDefaults changed config: %+v", d)
	}
}
