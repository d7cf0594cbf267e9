package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/medivoice/pkg/voice"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	d := Defaults()
	if d.Voice != voice.VoiceAlloy || d.VADSensitivity != 50 || d.AutoStartOnOpen || !d.ShowStatusHints {
		t.Errorf("Defaults() = %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		mutate   func(*Settings)
		wantErrs []string
	}{
		{"valid", func(*Settings) {}, nil},
		{"bad voice", func(s *Settings) { s.Voice = "robot" }, []string{"voice"}},
		{"bad language", func(s *Settings) { s.Language = "en US" }, []string{"language"}},
		{"sensitivity high", func(s *Settings) { s.VADSensitivity = 101 }, []string{"vad_sensitivity"}},
		{"sensitivity low", func(s *Settings) { s.VADSensitivity = -1 }, []string{"vad_sensitivity"}},
		{
			"several",
			func(s *Settings) { s.Voice = ""; s.VADSensitivity = 500 },
			[]string{"voice", "vad_sensitivity"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Defaults()
			tt.mutate(&s)
			err := s.Validate()
			if len(tt.wantErrs) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			for _, w := range tt.wantErrs {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestRequest(t *testing.T) {
	t.Parallel()
	s := Settings{Voice: voice.VoiceSage, Language: "de", VADSensitivity: 80}
	req := s.Request("conv-1")
	if req.ConversationID != "conv-1" || req.Voice != voice.VoiceSage || req.Language != "de" {
		t.Errorf("Request() = %+v", req)
	}
	if req.VADSensitivity == nil || *req.VADSensitivity != 80 {
		t.Errorf("VADSensitivity = %v, want 80", req.VADSensitivity)
	}
	// The request owns its copy of the sensitivity.
	*req.VADSensitivity = 10
	if s.VADSensitivity != 80 {
		t.Error("Request() aliased the settings value")
	}
}

func TestOpen_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	st, err := Open(t.Context(), NewMemoryPersister())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st.Get() != Defaults() {
		t.Errorf("Get() = %+v, want defaults", st.Get())
	}
}

func TestOpen_InvalidStoredFallsBack(t *testing.T) {
	t.Parallel()
	bad := Defaults()
	bad.Voice = "robot"
	st, err := Open(t.Context(), NewMemoryPersister(bad))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st.Get().Voice != voice.DefaultVoice {
		t.Errorf("Voice = %q, want default", st.Get().Voice)
	}
}

func TestStore_Update(t *testing.T) {
	t.Parallel()
	p := NewMemoryPersister()
	st, err := Open(t.Context(), p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var notified atomic.Int32
	cancel := st.Subscribe(func(s Settings) {
		if s.Voice != voice.VoiceCoral {
			t.Errorf("subscriber saw voice %q", s.Voice)
		}
		notified.Add(1)
	})

	got, err := st.Update(t.Context(), func(s *Settings) { s.Voice = voice.VoiceCoral })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Voice != voice.VoiceCoral || st.Get().Voice != voice.VoiceCoral {
		t.Errorf("voice not updated: %+v", st.Get())
	}
	if p.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", p.Saves())
	}
	if notified.Load() != 1 {
		t.Errorf("notified %d times, want 1", notified.Load())
	}

	cancel()
	if _, err := st.Update(t.Context(), func(s *Settings) { s.ShowStatusHints = false }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if notified.Load() != 1 {
		t.Errorf("cancelled subscriber was notified")
	}
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	t.Parallel()
	p := NewMemoryPersister()
	st, _ := Open(t.Context(), p)

	_, err := st.Update(t.Context(), func(s *Settings) { s.VADSensitivity = 150 })
	if err == nil {
		t.Fatal("expected validation error")
	}
	if st.Get().VADSensitivity != 50 {
		t.Errorf("invalid update leaked: %+v", st.Get())
	}
	if p.Saves() != 0 {
		t.Errorf("invalid update was persisted")
	}
}

func TestStore_UpdateSaveFailure(t *testing.T) {
	t.Parallel()
	p := NewMemoryPersister()
	st, _ := Open(t.Context(), p)
	boom := errors.New("disk full")
	p.FailSaves(boom)

	_, err := st.Update(t.Context(), func(s *Settings) { s.Voice = voice.VoiceAsh })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if st.Get().Voice != voice.DefaultVoice {
		t.Errorf("failed save changed current settings")
	}
}

func TestFilePersister_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "voice.yaml")
	p := NewFilePersister(path)

	if _, err := p.Load(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on missing file = %v, want ErrNotFound", err)
	}

	want := Settings{Voice: voice.VoiceVerse, Language: "fr", VADSensitivity: 30, AutoStartOnOpen: true}
	if err := p.Save(t.Context(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := p.Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the settings file", len(entries))
	}
}

func TestFilePersister_PartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voice.yaml")
	if err := os.WriteFile(path, []byte("voice: ballad\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := NewFilePersister(path).Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Voice != voice.VoiceBallad || got.VADSensitivity != 50 || !got.ShowStatusHints {
		t.Errorf("Load() = %+v", got)
	}
}

func TestFilePersister_UnknownField(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voice.yaml")
	if err := os.WriteFile(path, []byte("volume: 11\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFilePersister(path).Load(t.Context()); err == nil {
		t.Error("expected error for unknown field")
	}
}
