package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxgate/internal/delivery"
)

// ErrTargetNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested target name.
var ErrTargetNotRegistered = errors.New("config: delivery target not registered")

// TargetFactory builds a delivery target from its configuration block.
type TargetFactory func(TargetEntry) (delivery.Target, error)

// Registry maps delivery target names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TargetFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]TargetFactory)}
}

// Register registers a target factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory TargetFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered target names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates a target using the factory registered under entry.Name.
// Returns [ErrTargetNotRegistered] if no factory has been registered for that name.
func (r *Registry) Create(entry TargetEntry) (delivery.Target, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTargetNotRegistered, entry.Name)
	}
	t, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create target %q: %w", entry.Name, err)
	}
	return t, nil
}

// CreateAll instantiates every target in entries in order. On failure the
// targets created so far are closed and the error is returned.
func (r *Registry) CreateAll(entries []TargetEntry) ([]delivery.Target, error) {
	targets := make([]delivery.Target, 0, len(entries))
	for _, e := range entries {
		t, err := r.Create(e)
		if err != nil {
			for _, made := range targets {
				err = errors.Join(err, made.Close())
			}
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
