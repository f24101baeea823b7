package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested backend name.
var ErrNotRegistered = errors.New("config: backend not registered")

// CaptureFactory creates an unopened capture device for one session.
type CaptureFactory func(DeviceEntry) (audio.Capture, error)

// SinkFactory creates a playback sink for one session.
type SinkFactory func(DeviceEntry) (audio.Sink, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]func(ProviderEntry) (live.Provider, error)
	capture map[string]CaptureFactory
	sink    map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[string]func(ProviderEntry) (live.Provider, error)),
		capture: make(map[string]CaptureFactory),
		sink:    make(map[string]SinkFactory),
	}
}

// RegisterLive registers a live model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterCapture registers a capture backend factory under name.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSink registers a playback backend factory under name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[name] = factory
}

// CreateLive instantiates a live provider using the factory registered under
// entry.Name. Returns [ErrNotRegistered] if no factory has been registered
// for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CaptureFor returns a constructor bound to entry, for use once per
// session.
func (r *Registry) CaptureFor(entry DeviceEntry) (func() (audio.Capture, error), error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrNotRegistered, entry.Name)
	}
	return func() (audio.Capture, error) { return factory(entry) }, nil
}

// SinkFor returns a constructor bound to entry, for use once per session.
func (r *Registry) SinkFor(entry DeviceEntry) (func() (audio.Sink, error), error) {
	r.mu.RLock()
	factory, ok := r.sink[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrNotRegistered, entry.Name)
	}
	return func() (audio.Sink, error) { return factory(entry) }, nil
}
