package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SlidingWindow admits at most maxRequests calls in any window-long span.
// It keeps the timestamps of admitted calls; refused calls are not recorded.
type SlidingWindow struct {
	id     string
	max    int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	hits    []time.Time
	allowed uint64
	denied  uint64
}

func NewSlidingWindow(id string, maxRequests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		id:     id,
		max:    maxRequests,
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the time source (useful for tests).
func (sw *SlidingWindow) WithClock(clock func() time.Time) *SlidingWindow {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.clock = clock
	return sw
}

func (sw *SlidingWindow) Identifier() string { return sw.id }

func (sw *SlidingWindow) evict(now time.Time) {
	cut := 0
	for cut < len(sw.hits) && now.Sub(sw.hits[cut]) >= sw.window {
		cut++
	}
	if cut > 0 {
		sw.hits = append(sw.hits[:0], sw.hits[cut:]...)
	}
}

func (sw *SlidingWindow) Consume(_ context.Context, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	if n > sw.max {
		return Decision{}, fmt.Errorf("%w: %d > %d for %s", ErrInvalidCost, n, sw.max, sw.id)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clock()
	sw.evict(now)

	if len(sw.hits)+n <= sw.max {
		for i := 0; i < n; i++ {
			sw.hits = append(sw.hits, now)
		}
		sw.allowed++
		return Decision{Allowed: true, Remaining: sw.max - len(sw.hits)}, nil
	}

	// The call fits once enough of the oldest entries have left the window.
	mustLeave := len(sw.hits) + n - sw.max
	retry := sw.hits[mustLeave-1].Add(sw.window).Sub(now)
	sw.denied++
	return Decision{
		Allowed:    false,
		Remaining:  sw.max - len(sw.hits),
		RetryAfter: retry,
	}, nil
}

func (sw *SlidingWindow) Reset(context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.hits = nil
	sw.allowed, sw.denied = 0, 0
	return nil
}

func (sw *SlidingWindow) Snapshot(context.Context) Snapshot {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.evict(sw.clock())
	return Snapshot{
		Identifier: sw.id,
		Strategy:   StrategySlidingWindow,
		Available:  float64(sw.max - len(sw.hits)),
		Capacity:   sw.max,
		Allowed:    sw.allowed,
		Denied:     sw.denied,
	}
}
