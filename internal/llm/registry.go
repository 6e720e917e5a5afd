package llm

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/health"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// typeDefaults fill the fields a provider entry leaves empty.
var typeDefaults = map[string]config.ProviderConfig{
	config.ProviderAnthropic: {Model: "claude-sonnet-4-5"},
	config.ProviderOpenAI:    {Model: "gpt-4o-mini"},
	config.ProviderOllama:    {BaseURL: "http://localhost:11434/v1", Model: "llama3.2"},
}

// Constructor builds a provider; tests swap it for fakes.
type Constructor func(name string, cfg config.ProviderConfig) (Provider, error)

// NewProvider creates a provider instance, dispatching on cfg.Type.
func NewProvider(name string, cfg config.ProviderConfig) (Provider, error) {
	if def, ok := typeDefaults[cfg.Type]; ok {
		if err := mergo.Merge(&cfg, def); err != nil {
			return nil, fmt.Errorf("provider %s: apply defaults: %w", name, err)
		}
	}
	switch cfg.Type {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(name, cfg)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIProvider(name, cfg)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.Type)
	}
}

type instance struct {
	cfg      config.ProviderConfig
	provider Provider
	err      error // construction error, reported through the probe
}

// Registry holds one client per configured provider and rebuilds only the
// entries whose config changed.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance
	order     []string
	enabled   map[string]bool
	construct Constructor
}

// NewRegistry creates an empty registry. A nil constructor means NewProvider.
func NewRegistry(construct Constructor) *Registry {
	if construct == nil {
		construct = NewProvider
	}
	return &Registry{
		instances: make(map[string]*instance),
		enabled:   make(map[string]bool),
		construct: construct,
	}
}

// Configure applies the llm section. Returns the names whose client was
// (re)built.
func (r *Registry) Configure(cfg config.LLMConfig) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rebuilt []string
	for name := range r.instances {
		if _, ok := cfg.Providers[name]; !ok {
			delete(r.instances, name)
			L_info("llm: provider removed", "name", name)
		}
	}
	r.enabled = make(map[string]bool, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		r.enabled[name] = pc.Enabled
		// Enabled is a routing flag, not a client setting
		key := pc
		key.Enabled = false
		if inst, ok := r.instances[name]; ok && reflect.DeepEqual(inst.cfg, key) {
			continue
		}
		p, err := r.construct(name, pc)
		if err != nil {
			L_warn("llm: provider unusable", "name", name, "error", err)
		}
		r.instances[name] = &instance{cfg: key, provider: p, err: err}
		rebuilt = append(rebuilt, name)
	}
	r.order = cfg.Ordered()
	return rebuilt
}

// Reset drops every client so the next Configure rebuilds them all.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.instances = make(map[string]*instance)
	r.mu.Unlock()
}

// Get returns the client for a provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", health.ErrUnknownProvider, name)
	}
	if inst.err != nil {
		return nil, inst.err
	}
	return inst.provider, nil
}

// HealthProviders lists the providers in priority order for the monitor.
func (r *Registry) HealthProviders() []health.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]health.Provider, 0, len(r.order))
	for _, name := range r.order {
		name := name
		out = append(out, health.Provider{
			Name:    name,
			Enabled: r.enabled[name],
			Prober: health.ProberFunc(func(ctx context.Context) error {
				p, err := r.Get(name)
				if err != nil {
					return err
				}
				return p.Probe(ctx)
			}),
		})
	}
	return out
}
