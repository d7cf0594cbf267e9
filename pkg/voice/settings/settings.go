// Package settings holds a user's voice preferences.
//
// A [Store] is an explicitly injected value: callers construct one with a
// [Persister] and pass it to whatever builds broker requests. There is no
// package-level state.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// ErrNotFound is returned by a [Persister] that has nothing stored yet.
var ErrNotFound = errors.New("settings: not found")

// Settings is the full set of user voice preferences.
type Settings struct {
	// Voice is the provider voice used for assistant speech.
	Voice voice.Voice `yaml:"voice" json:"voice"`

	// Language is an optional BCP 47 tag. Empty lets the provider detect it.
	Language string `yaml:"language,omitempty" json:"language,omitempty"`

	// VADSensitivity is 0–100; higher ends user turns more eagerly.
	VADSensitivity int `yaml:"vad_sensitivity" json:"vad_sensitivity"`

	// AutoStartOnOpen starts a voice session when a conversation is opened.
	AutoStartOnOpen bool `yaml:"auto_start_on_open" json:"auto_start_on_open"`

	// ShowStatusHints shows connection status text in the UI.
	ShowStatusHints bool `yaml:"show_status_hints" json:"show_status_hints"`
}

// Defaults returns the settings used before the user changes anything.
func Defaults() Settings {
	return Settings{
		Voice:           voice.DefaultVoice,
		VADSensitivity:  voice.DefaultSensitivity,
		AutoStartOnOpen: false,
		ShowStatusHints: true,
	}
}

// Validate reports every invalid field as a joined error.
func (s Settings) Validate() error {
	var errs []error
	if !s.Voice.IsValid() {
		errs = append(errs, fmt.Errorf("voice %q is not one of %v", s.Voice, voice.Voices))
	}
	if !voice.ValidLanguage(s.Language) {
		errs = append(errs, fmt.Errorf("language %q is not a valid BCP 47 tag", s.Language))
	}
	if s.VADSensitivity < voice.MinSensitivity || s.VADSensitivity > voice.MaxSensitivity {
		errs = append(errs, fmt.Errorf("vad_sensitivity %d is out of range [%d, %d]",
			s.VADSensitivity, voice.MinSensitivity, voice.MaxSensitivity))
	}
	return errors.Join(errs...)
}

// Request builds the broker request for conversationID from s. It only
// reads s.
func (s Settings) Request(conversationID string) voice.SessionRequest {
	sens := s.VADSensitivity
	return voice.SessionRequest{
		ConversationID: conversationID,
		Voice:          s.Voice,
		Language:       s.Language,
		VADSensitivity: &sens,
	}
}

// Persister loads and saves settings. Implementations must be safe for
// concurrent use.
type Persister interface {
	// Load returns the stored settings, or ErrNotFound if nothing is stored.
	Load(ctx context.Context) (Settings, error)

	// Save replaces the stored settings.
	Save(ctx context.Context, s Settings) error
}

// ── Store ────────────────────────────────────────────────────────────────────

// Store is the single mutation point for a user's settings. Reads return
// copies; writes go through [Store.Update].
type Store struct {
	mu      sync.RWMutex
	current Settings
	p       Persister
	log     *slog.Logger

	subMu  sync.Mutex
	subs   map[int]func(Settings)
	nextID int
}

// Option configures a [Store].
type Option func(*Store)

// WithLogger sets the store's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open loads settings through p. When nothing is stored yet the store starts
// from [Defaults]. Stored settings that fail validation are replaced with
// defaults and a warning is logged.
func Open(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		current: Defaults(),
		p:       p,
		log:     slog.Default(),
		subs:    make(map[int]func(Settings)),
	}
	for _, o := range opts {
		o(s)
	}

	loaded, err := p.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		s.log.Warn("settings: stored settings are invalid, using defaults", "err", err)
		return s, nil
	}
	s.current = loaded
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the current settings, validates and
// persists the result and only then makes it current. On any error the
// current settings are unchanged. Subscribers are notified after a
// successful update, outside the store's lock.
func (s *Store) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	next := s.current
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return s.Get(), fmt.Errorf("settings: update: %w", err)
	}
	if err := s.p.Save(ctx, next); err != nil {
		s.mu.Unlock()
		return s.Get(), fmt.Errorf("settings: save: %w", err)
	}
	s.current = next
	s.mu.Unlock()

	s.notify(next)
	return next, nil
}

// Subscribe registers fn to be called with the new settings after each
// successful update. The returned function unregisters it.
func (s *Store) Subscribe(fn func(Settings)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(next Settings) {
	s.subMu.Lock()
	fns := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
