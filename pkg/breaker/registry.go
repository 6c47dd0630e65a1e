package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one breaker per dependency name.
type Registry struct {
	def       Config
	overrides map[string]Config
	clock     func() time.Time
	onChange  StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type RegistryOption func(*Registry)

// WithBreaker overrides the configuration for one dependency.
func WithBreaker(name string, cfg Config) RegistryOption {
	return func(r *Registry) { r.overrides[name] = cfg }
}

func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithStateChangeHook observes transitions of every breaker in the registry.
func WithStateChangeHook(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(def Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		def:       def,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.def
	}
	b := New(name, cfg)
	if r.clock != nil {
		b.WithClock(r.clock)
	}
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot per known dependency.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.Stats()
	}
	return out
}

// Names lists the known dependencies in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
