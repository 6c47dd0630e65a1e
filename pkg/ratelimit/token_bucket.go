package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket permits bursts of up to capacity calls and then settles to
// refillPerSecond. It is backed by a rate.Limiter driven at an injectable
// clock.
type TokenBucket struct {
	id       string
	capacity int
	refill   float64
	clock    func() time.Time

	mu      sync.Mutex
	lim     *rate.Limiter
	allowed uint64
	denied  uint64
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(id string, capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		id:       id,
		capacity: capacity,
		refill:   refillPerSecond,
		clock:    time.Now,
		lim:      rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

// WithClock overrides the time source (useful for tests).
func (tb *TokenBucket) WithClock(clock func() time.Time) *TokenBucket {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.clock = clock
	return tb
}

func (tb *TokenBucket) Identifier() string { return tb.id }

// Consume takes n tokens if available. A refused reservation is cancelled
// so the tokens are returned before anyone else can observe the deficit.
func (tb *TokenBucket) Consume(_ context.Context, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	if n > tb.capacity {
		return Decision{}, fmt.Errorf("%w: %d > %d for %s", ErrInvalidCost, n, tb.capacity, tb.id)
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock()
	r := tb.lim.ReserveN(now, n)
	if !r.OK() {
		return Decision{}, fmt.Errorf("%w: %d tokens for %s", ErrInvalidCost, n, tb.id)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		tb.denied++
		return Decision{
			Allowed:    false,
			Remaining:  remaining(tb.lim.TokensAt(now)),
			RetryAfter: delay,
		}, nil
	}
	tb.allowed++
	return Decision{Allowed: true, Remaining: remaining(tb.lim.TokensAt(now))}, nil
}

// Reset refills the bucket.
func (tb *TokenBucket) Reset(context.Context) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.lim = rate.NewLimiter(rate.Limit(tb.refill), tb.capacity)
	tb.allowed, tb.denied = 0, 0
	return nil
}

func (tb *TokenBucket) Snapshot(context.Context) Snapshot {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return Snapshot{
		Identifier: tb.id,
		Strategy:   StrategyTokenBucket,
		Available:  math.Max(0, tb.lim.TokensAt(tb.clock())),
		Capacity:   tb.capacity,
		Allowed:    tb.allowed,
		Denied:     tb.denied,
	}
}

func remaining(tokens float64) int {
	if tokens <= 0 {
		return 0
	}
	// Guard against 0.9999999 after float refill arithmetic.
	return int(math.Floor(tokens + 1e-9))
}
