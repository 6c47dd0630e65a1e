package breaker

import (
	"context"
	"errors"
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
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
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

var errUpstream = errors.New("upstream unavailable")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		on   Event
		to   State
		ok   bool
	}{
		{Closed, EventThresholdReached, Open, true},
		{Open, EventResetTimeoutElapsed, HalfOpen, true},
		{HalfOpen, EventTrialSucceeded, Closed, true},
		{HalfOpen, EventTrialFailed, Open, true},
		{Closed, EventTrialSucceeded, Closed, false},
		{Open, EventThresholdReached, Open, false},
		{HalfOpen, EventResetTimeoutElapsed, HalfOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.on.String(), func(t *testing.T) {
			got, ok := transition(tt.from, tt.on)
			assert.Equal(t, tt.to, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestBreaker_OpensAtThresholdAndRecovers(t *testing.T) {
	clock := newFakeClock()
	b := New("espn", Config{FailureThreshold: 2, ResetTimeout: time.Minute}).WithClock(clock.Now)
	ctx := context.Background()

	assert.Equal(t, Closed, b.State())

	require.ErrorIs(t, b.Execute(ctx, failing), errUpstream)
	assert.Equal(t, Closed, b.State(), "one failure stays closed")

	require.ErrorIs(t, b.Execute(ctx, failing), errUpstream)
	assert.Equal(t, Open, b.State(), "second failure opens")

	var called bool
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not call the operation")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Minute, openErr.RetryAfter)

	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("odds", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second}).WithClock(clock.Now)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, Open, b.State())

	clock.Advance(10 * time.Second)
	require.ErrorIs(t, b.Execute(ctx, failing), errUpstream)
	assert.Equal(t, Open, b.State())

	clock.Advance(5 * time.Second)
	err := b.Execute(ctx, succeeding)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 5*time.Second, openErr.RetryAfter, "reset timeout restarts at the failed trial")
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("espn", Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	require.NoError(t, b.Execute(ctx, succeeding))
	_ = b.Execute(ctx, failing)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("slow", Config{FailureThreshold: 1, ResetTimeout: time.Second}).WithClock(clock.Now)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.Equal(t, HalfOpen, b.State())
	err := b.Execute(ctx, succeeding)
	require.ErrorIs(t, err, ErrOpen, "concurrent callers are rejected while the trial runs")

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_Timeout(t *testing.T) {
	b := New("hang", Config{FailureThreshold: 1, ResetTimeout: time.Minute, TimeoutThreshold: 20 * time.Millisecond})

	var cancelled atomic.Bool
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Open, b.State(), "a timeout counts as a failure")

	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := New("espn", Config{FailureThreshold: 1, ResetTimeout: time.Minute, TimeoutThreshold: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Stats().TotalFailures)
}

func TestBreaker_PanicIsAFailure(t *testing.T) {
	b := New("buggy", Config{FailureThreshold: 1, ResetTimeout: time.Minute, TimeoutThreshold: time.Second})
	err := b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, Open, b.State())
}

func TestCall(t *testing.T) {
	b := New("espn", DefaultConfig())
	got, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = Call(context.Background(), b, func(context.Context) (int, error) { return 7, errUpstream })
	require.ErrorIs(t, err, errUpstream)
	assert.Zero(t, got)
}

func TestBreaker_Stats(t *testing.T) {
	clock := newFakeClock()
	b := New("espn", Config{FailureThreshold: 3, ResetTimeout: time.Minute}).WithClock(clock.Now)
	ctx := context.Background()

	s := b.Stats()
	assert.Equal(t, 100.0, s.UptimePercent)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(ctx, func(context.Context) error {
			clock.Advance(10 * time.Millisecond)
			return nil
		}))
	}
	_ = b.Execute(ctx, failing)

	s = b.Stats()
	assert.Equal(t, uint64(4), s.TotalRequests)
	assert.Equal(t, uint64(3), s.SuccessCount)
	assert.Equal(t, uint64(1), s.TotalFailures)
	assert.Equal(t, 1, s.FailureCount)
	assert.InDelta(t, 75.0, s.UptimePercent, 1e-9)
	assert.Equal(t, 7500*time.Microsecond, s.AvgResponseTime)
	assert.Equal(t, clock.Now(), s.LastFailureAt)
}

func TestRegistry(t *testing.T) {
	var transitions []string
	r := NewRegistry(Config{FailureThreshold: 5, ResetTimeout: time.Minute},
		WithBreaker("flaky", Config{FailureThreshold: 1, ResetTimeout: time.Minute}),
		WithStateChangeHook(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	assert.Same(t, r.Get("flaky"), r.Get("flaky"))

	_ = r.Get("flaky").Execute(ctx, failing)
	_ = r.Get("steady").Execute(ctx, failing)

	assert.Equal(t, Open, r.Get("flaky").State())
	assert.Equal(t, Closed, r.Get("steady").State())
	assert.Equal(t, []string{"flaky:CLOSED->OPEN"}, transitions)
	assert.Equal(t, []string{"flaky", "steady"}, r.Names())

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Open, stats["flaky"].State)
}
