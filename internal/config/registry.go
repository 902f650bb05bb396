package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/rescuevox/pkg/audio"
	"github.com/MrWong99/rescuevox/pkg/provider/agent"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for agents and audio
// backends. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	agent map[string]func(AgentConfig) (agent.Provider, error)
	audio map[string]func(AudioConfig) (audio.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		agent: make(map[string]func(AgentConfig) (agent.Provider, error)),
		audio: make(map[string]func(AudioConfig) (audio.Backend, error)),
	}
}

// RegisterAgent registers an agent provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAgent(name string, factory func(AgentConfig) (agent.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateAgent instantiates the agent registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAgent(cfg AgentConfig) (agent.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agent[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateAudio instantiates the audio backend registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// AgentNames returns the registered agent names, sorted.
func (r *Registry) AgentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agent))
	for n := range r.agent {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
