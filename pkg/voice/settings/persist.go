package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ── File ─────────────────────────────────────────────────────────────────────

// FilePersister stores settings as a YAML document on disk.
type FilePersister struct {
	path string
	mu   sync.Mutex
}

var _ Persister = (*FilePersister)(nil)

// NewFilePersister returns a persister backed by the file at path. The file
// and its directory are created on the first save.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Load implements [Persister].
func (f *FilePersister) Load(_ context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %q: %w", f.path, err)
	}

	s := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("settings: decode %q: %w", f.path, err)
	}
	return s, nil
}

// Save implements [Persister]. The file is replaced atomically by writing a
// sibling temp file and renaming it over the target.
func (f *FilePersister) Save(_ context.Context, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("settings: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("settings: replace %q: %w", f.path, err)
	}
	return nil
}

// ── Memory ───────────────────────────────────────────────────────────────────

// MemoryPersister keeps settings in memory. It is useful in tests and for
// clients that do not persist preferences.
type MemoryPersister struct {
	mu      sync.Mutex
	stored  *Settings
	saveErr error
	saves   int
}

var _ Persister = (*MemoryPersister)(nil)

// NewMemoryPersister returns an empty persister. Pass initial settings to
// pre-populate it.
func NewMemoryPersister(initial ...Settings) *MemoryPersister {
	m := &MemoryPersister{}
	if len(initial) > 0 {
		s := initial[0]
		m.stored = &s
	}
	return m
}

// Load implements [Persister].
func (m *MemoryPersister) Load(_ context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		return Settings{}, ErrNotFound
	}
	return *m.stored, nil
}

// Save implements [Persister].
func (m *MemoryPersister) Save(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.stored = &s
	m.saves++
	return nil
}

// FailSaves makes subsequent saves return err. Pass nil to restore.
func (m *MemoryPersister) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves returns the number of successful saves.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
