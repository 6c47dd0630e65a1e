// Package breaker isolates failing external dependencies. A breaker stops
// calling a dependency once it keeps failing and probes recovery with a
// single trial call after a cooldown.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrOpen is matched by every *OpenError.
	ErrOpen = errors.New("breaker: circuit open")
	// ErrTimeout reports an operation that did not settle within the
	// configured threshold. It counts as a failure.
	ErrTimeout = errors.New("breaker: operation timed out")
)

// OpenError is returned without calling the operation while the breaker is
// open, or while a half-open trial is already in flight.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s is %s, retry after %s", e.Name, e.State, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// TimeoutThreshold bounds each call; zero disables it. A call that
	// retries internally needs a threshold covering all of its tries.
	TimeoutThreshold time.Duration `yaml:"timeout_threshold" json:"timeout_threshold"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		TimeoutThreshold: 10 * time.Second,
	}
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	FailureCount      int           `json:"failure_count"`
	SuccessCount      uint64        `json:"success_count"`
	TotalRequests     uint64        `json:"total_requests"`
	TotalFailures     uint64        `json:"total_failures"`
	Rejected          uint64        `json:"rejected"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	UptimePercent     float64       `json:"uptime_percent"`
	LastFailureAt     time.Time     `json:"last_failure_at,omitempty"`
	LastStateChangeAt time.Time     `json:"last_state_change_at"`
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one dependency. All counters are mutated under mu.
type Breaker struct {
	name     string
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger
	onChange StateChangeFunc

	mu                sync.Mutex
	state             State
	trialInFlight     bool
	failureCount      int
	successCount      uint64
	totalRequests     uint64
	totalFailures     uint64
	rejected          uint64
	totalLatency      time.Duration
	lastFailureAt     time.Time
	lastStateChangeAt time.Time
}

// New returns a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "breaker", "dependency", name),
		state:  Closed,
	}
	b.lastStateChangeAt = b.clock()
	return b
}

// WithClock overrides the time source (useful for tests).
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	b.lastStateChangeAt = clock()
	return b
}

// OnStateChange registers a transition observer. It is called with the
// breaker's lock held and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn StateChangeFunc) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports Open until the next call becomes the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// fire applies an event. Callers hold mu.
func (b *Breaker) fire(e Event, now time.Time) {
	next, ok := transition(b.state, e)
	if !ok {
		return
	}
	prev := b.state
	b.state = next
	b.lastStateChangeAt = now
	b.logger.Info("circuit breaker state change", "from", prev.String(), "to", next.String(), "event", e.String())
	if b.onChange != nil {
		b.onChange(b.name, prev, next)
	}
}

// admit decides whether a call may proceed and whether it is the trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case Open:
		elapsed := now.Sub(b.lastStateChangeAt)
		if elapsed < b.cfg.ResetTimeout {
			b.rejected++
			return false, &OpenError{Name: b.name, State: Open, RetryAfter: b.cfg.ResetTimeout - elapsed}
		}
		b.fire(EventResetTimeoutElapsed, now)
		b.trialInFlight = true
		return true, nil
	case HalfOpen:
		if b.trialInFlight {
			b.rejected++
			return false, &OpenError{Name: b.name, State: HalfOpen}
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// record books the outcome of an admitted call.
func (b *Breaker) record(trial bool, err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if trial {
		b.trialInFlight = false
	}
	b.totalRequests++
	b.totalLatency += latency

	if err == nil {
		b.successCount++
		b.failureCount = 0
		if trial {
			b.fire(EventTrialSucceeded, now)
		}
		return
	}

	b.totalFailures++
	b.failureCount++
	b.lastFailureAt = now
	if trial {
		b.fire(EventTrialFailed, now)
		return
	}
	if b.state == Closed && b.failureCount >= b.cfg.FailureThreshold {
		b.fire(EventThresholdReached, now)
	}
}

// abandon releases a trial slot without an outcome, for calls the caller
// cancelled itself.
func (b *Breaker) abandon(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// Execute runs op through the breaker. While open it returns an *OpenError
// without calling op. With a TimeoutThreshold, op runs under a derived
// context; if it has not returned when the threshold expires the call is
// booked as a failure and ErrTimeout is returned while op's context is
// cancelled. A call abandoned because ctx itself ended is not booked.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	start := b.clock()
	err = b.run(ctx, op)
	latency := b.clock().Sub(start)

	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
		b.abandon(trial)
		return err
	}
	b.record(trial, err, latency)
	return err
}

func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	if b.cfg.TimeoutThreshold <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.TimeoutThreshold)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("breaker: %s operation panicked: %v", b.name, r)
			}
		}()
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, b.name, b.cfg.TimeoutThreshold)
	}
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		TotalRequests:     b.totalRequests,
		TotalFailures:     b.totalFailures,
		Rejected:          b.rejected,
		LastFailureAt:     b.lastFailureAt,
		LastStateChangeAt: b.lastStateChangeAt,
		UptimePercent:     100,
	}
	if b.totalRequests > 0 {
		s.AvgResponseTime = b.totalLatency / time.Duration(b.totalRequests)
		s.UptimePercent = float64(b.successCount) / float64(b.totalRequests) * 100
	}
	return s
}
