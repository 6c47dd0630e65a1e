package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket("espn", 5, 1).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		d, err := tb.Consume(ctx, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	sixth, err := tb.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sixth.Allowed)
	assert.Greater(t, sixth.RetryAfter, time.Duration(0))
	assert.Equal(t, time.Second, sixth.RetryAfter)
	assert.Equal(t, 0, sixth.Remaining)

	clock.Advance(sixth.RetryAfter)

	d, err := tb.Consume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = tb.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "only one token refilled")
}

func TestTokenBucket_RefusedCallsConsumeNothing(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket("nba", 2, 1).WithClock(clock.Now)

	for i := 0; i < 2; i++ {
		_, err := tb.Consume(ctx, 1)
		require.NoError(t, err)
	}
	// Hammering while empty must not push the refill further out.
	for i := 0; i < 10; i++ {
		d, err := tb.Consume(ctx, 1)
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter)
	}
	clock.Advance(time.Second)
	d, err := tb.Consume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucket_CostAboveCapacity(t *testing.T) {
	tb := NewTokenBucket("x", 3, 1)
	_, err := tb.Consume(context.Background(), 4)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestTokenBucket_Reset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket("x", 1, 0.1).WithClock(clock.Now)

	d, err := tb.Consume(ctx, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = tb.Consume(ctx, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, tb.Reset(ctx))
	d, err = tb.Consume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucket_ConcurrentConsumersNeverOvercount(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket("x", 50, 1).WithClock(clock.Now)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := tb.Consume(ctx, 1)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())

	snap := tb.Snapshot(ctx)
	assert.Equal(t, uint64(50), snap.Allowed)
	assert.Equal(t, uint64(150), snap.Denied)
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sw := NewSlidingWindow("odds", 3, time.Minute).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		d, err := sw.Consume(ctx, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		clock.Advance(10 * time.Second)
	}

	d, err := sw.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// The first call was 30s ago; it leaves the window in another 30s.
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(29 * time.Second)
	d, err = sw.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "denied calls are not recorded")
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d, err = sw.Consume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	require.NoError(t, sw.Reset(ctx))
	d, err = sw.Consume(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestSlidingWindow_MultiCost(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sw := NewSlidingWindow("x", 4, 10*time.Second).WithClock(clock.Now)

	_, err := sw.Consume(ctx, 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = sw.Consume(ctx, 2)
	require.NoError(t, err)

	d, err := sw.Consume(ctx, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// Two entries (t=0 and the first at t=2) must leave: the later one leaves at t=12.
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	_, err = sw.Consume(ctx, 5)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestAllowAndLimitError(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket("espn", 1, 2).WithClock(clock.Now)

	require.NoError(t, Allow(ctx, tb, 1))
	err := Allow(ctx, tb, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	wait, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)
	assert.Contains(t, err.Error(), "espn")

	_, ok = RetryAfter(errors.New("other"))
	assert.False(t, ok)
}

func TestWait(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket("fast", 1, 50)

	require.NoError(t, Wait(ctx, tb, 1))
	start := time.Now()
	require.NoError(t, Wait(ctx, tb, 1))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWait_ContextCancelled(t *testing.T) {
	tb := NewTokenBucket("slow", 1, 0.001)
	require.NoError(t, Allow(context.Background(), tb, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Wait(ctx, tb, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRegistry_LazyPerIdentifier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := NewRegistry(Config{Strategy: StrategyTokenBucket, Capacity: 1, RefillPerSecond: 1},
		WithLimit("odds", Config{Strategy: StrategySlidingWindow, MaxRequests: 2, Window: time.Minute}),
		WithRegistryClock(clock.Now),
	)

	espn, err := r.Get("espn")
	require.NoError(t, err)
	again, err := r.Get("espn")
	require.NoError(t, err)
	assert.Same(t, espn, again)

	nba, err := r.Get("nba")
	require.NoError(t, err)
	require.NoError(t, Allow(ctx, espn, 1))
	// espn is exhausted; nba has its own bucket.
	assert.ErrorIs(t, Allow(ctx, espn, 1), ErrRateLimited)
	assert.NoError(t, Allow(ctx, nba, 1))

	odds, err := r.Get("odds")
	require.NoError(t, err)
	assert.IsType(t, &SlidingWindow{}, odds)

	snaps := r.Snapshots(ctx)
	require.Len(t, snaps, 3)
	assert.Equal(t, "espn", snaps[0].Identifier)
	assert.Equal(t, "nba", snaps[1].Identifier)
	assert.Equal(t, StrategySlidingWindow, snaps[2].Strategy)

	require.NoError(t, r.ResetAll(ctx))
	assert.NoError(t, Allow(ctx, espn, 1))
}

func TestRegistry_InvalidConfig(t *testing.T) {
	r := NewRegistry(Config{Strategy: StrategyTokenBucket})
	_, err := r.Get("x")
	assert.Error(t, err)

	for _, cfg := range []Config{
		{Strategy: StrategySlidingWindow, MaxRequests: 1},
		{Strategy: "leaky"},
	} {
		assert.Error(t, cfg.Validate(), fmt.Sprint(cfg))
	}
	assert.NoError(t, DefaultConfig().Validate())
}
