package config

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructors. T is the type the broker
// consumes (a credential minter). It is safe for concurrent use.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]func(ProviderEntry) (T, error))}
}

// Register adds a factory under name. A later call with the same name
// overwrites the earlier one.
func (r *Registry[T]) Register(name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates entry using the factory registered under entry.Name.
func (r *Registry[T]) Create(entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAll instantiates every entry in order. It stops at the first
// failure.
func (r *Registry[T]) CreateAll(entries []ProviderEntry) ([]T, error) {
	out := make([]T, 0, len(entries))
	for i, e := range entries {
		v, err := r.Create(e)
		if err != nil {
			return nil, fmt.Errorf("config: providers[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
