package breaker

import (
	"sort"
	"sync"

	"cosmossdk.io/log"
)

// Registry hands out one breaker per named dependency so every caller of a
// dependency shares its window and state.
type Registry struct {
	cfg    Config
	logger log.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg Config, logger log.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it with the registry
// default config on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Configure installs a breaker with a dependency-specific config,
// replacing any existing one.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot of every breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
