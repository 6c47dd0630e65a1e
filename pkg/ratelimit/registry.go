package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy selects the admission algorithm.
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
)

// Config describes one limiter. Token buckets use Capacity and
// RefillPerSecond; sliding windows use MaxRequests and Window.
type Config struct {
	Strategy        Strategy      `yaml:"strategy" json:"strategy"`
	Capacity        int           `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second" json:"refill_per_second"`
	MaxRequests     int           `yaml:"max_requests" json:"max_requests"`
	Window          time.Duration `yaml:"window" json:"window"`
}

// DefaultConfig allows bursts of 10 and 5 calls per second afterwards.
func DefaultConfig() Config {
	return Config{Strategy: StrategyTokenBucket, Capacity: 10, RefillPerSecond: 5}
}

// Validate reports configurations that cannot admit anything.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyTokenBucket, "":
		if c.Capacity <= 0 || c.RefillPerSecond <= 0 {
			return errors.New("ratelimit: token bucket needs capacity > 0 and refill_per_second > 0")
		}
	case StrategySlidingWindow:
		if c.MaxRequests <= 0 || c.Window <= 0 {
			return errors.New("ratelimit: sliding window needs max_requests > 0 and window > 0")
		}
	default:
		return fmt.Errorf("ratelimit: unknown strategy %q", c.Strategy)
	}
	return nil
}

// Registry owns one limiter per identifier, constructed lazily from the
// identifier's configuration or the default.
type Registry struct {
	mu       sync.Mutex
	def      Config
	configs  map[string]Config
	limiters map[string]Limiter
	clock    func() time.Time
	redis    redis.UniversalClient
	prefix   string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLimit sets the configuration for one identifier.
func WithLimit(id string, cfg Config) RegistryOption {
	return func(r *Registry) { r.configs[id] = cfg }
}

// WithRedis makes the registry build Redis-backed limiters so that several
// processes share the same budget. Keys are prefixed with prefix.
func WithRedis(client redis.UniversalClient, prefix string) RegistryOption {
	return func(r *Registry) {
		r.redis = client
		r.prefix = prefix
	}
}

// WithRegistryClock drives every in-memory limiter from clock.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

func NewRegistry(def Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		def:      def,
		configs:  make(map[string]Config),
		limiters: make(map[string]Limiter),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the limiter for id, creating it on first use.
func (r *Registry) Get(id string) (Limiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[id]; ok {
		return l, nil
	}
	cfg, ok := r.configs[id]
	if !ok {
		cfg = r.def
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %s: %w", id, err)
	}
	l := r.build(id, cfg)
	r.limiters[id] = l
	return l, nil
}

func (r *Registry) build(id string, cfg Config) Limiter {
	if cfg.Strategy == StrategySlidingWindow {
		if r.redis != nil {
			l := NewRedisSlidingWindow(r.redis, r.prefix, id, cfg.MaxRequests, cfg.Window)
			l.clock = r.clock
			return l
		}
		return NewSlidingWindow(id, cfg.MaxRequests, cfg.Window).WithClock(r.clock)
	}
	if r.redis != nil {
		l := NewRedisTokenBucket(r.redis, r.prefix, id, cfg.Capacity, cfg.RefillPerSecond)
		l.clock = r.clock
		return l
	}
	return NewTokenBucket(id, cfg.Capacity, cfg.RefillPerSecond).WithClock(r.clock)
}

// Wait is a convenience for Wait(ctx, r.Get(id), n).
func (r *Registry) Wait(ctx context.Context, id string, n int) error {
	l, err := r.Get(id)
	if err != nil {
		return err
	}
	return Wait(ctx, l, n)
}

// ResetAll resets every limiter created so far.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	limiters := make([]Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	var errs []error
	for _, l := range limiters {
		if err := l.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Identifier(), err))
		}
	}
	return errors.Join(errs...)
}

// Snapshots reports every created limiter, ordered by identifier.
func (r *Registry) Snapshots(ctx context.Context) []Snapshot {
	r.mu.Lock()
	limiters := make([]Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	sort.Slice(limiters, func(i, j int) bool { return limiters[i].Identifier() < limiters[j].Identifier() })
	out := make([]Snapshot, 0, len(limiters))
	for _, l := range limiters {
		if in, ok := l.(Inspector); ok {
			out = append(out, in.Snapshot(ctx))
		}
	}
	return out
}
