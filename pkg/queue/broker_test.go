package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/promoverify/pkg/store"
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

type brokerFactory func(t *testing.T, clock func() time.Time, historyLimit int) Broker

func newMemory(_ *testing.T, clock func() time.Time, historyLimit int) Broker {
	return NewMemoryBroker(WithMemoryClock(clock), WithMemoryHistoryLimit(historyLimit))
}

func newSQLite(t *testing.T, clock func() time.Time, historyLimit int) Broker {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := NewSQLBroker(db, WithSQLClock(clock), WithSQLHistoryLimit(historyLimit))
	require.NoError(t, b.Init(context.Background()))
	return b
}

func fetch(event, source string) FetchSourcePayload {
	return FetchSourcePayload{PromotionID: "promo-1", EventID: event, Source: source}
}

func TestBrokers(t *testing.T) {
	for name, factory := range map[string]brokerFactory{"memory": newMemory, "sqlite": newSQLite} {
		t.Run(name, func(t *testing.T) {
			t.Run("priority order", func(t *testing.T) { testPriorityOrder(t, factory) })
			t.Run("delayed jobs", func(t *testing.T) { testDelayed(t, factory) })
			t.Run("idempotency", func(t *testing.T) { testIdempotency(t, factory) })
			t.Run("exclusive lease", func(t *testing.T) { testExclusiveLease(t, factory) })
			t.Run("retry and dead letter", func(t *testing.T) { testRetryAndDeadLetter(t, factory) })
			t.Run("remove", func(t *testing.T) { testRemove(t, factory) })
			t.Run("recover expired", func(t *testing.T) { testRecoverExpired(t, factory) })
			t.Run("history limit", func(t *testing.T) { testHistoryLimit(t, factory) })
		})
	}
}

func testPriorityOrder(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	low, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	urgent, err := q.Enqueue(ctx, fetch("e1", "b"), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	later, err := q.Enqueue(ctx, fetch("e1", "c"), EnqueueOptions{})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		j, err := b.Lease(ctx, KindFetchSource, "w", time.Minute)
		require.NoError(t, err)
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{urgent.ID, low.ID, later.ID}, got)

	_, err = b.Lease(ctx, KindFetchSource, "w", time.Minute)
	assert.ErrorIs(t, err, ErrNoJob)
}

func testDelayed(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	_, err := q.Enqueue(ctx, ConsensusPayload{PromotionID: "p", EventID: "e"}, EnqueueOptions{Delay: 10 * time.Second})
	require.NoError(t, err)

	s, err := b.Stats(ctx, KindConsensus)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Waiting)
	assert.Equal(t, int64(1), s.Delayed)

	_, err = b.Lease(ctx, KindConsensus, "w", time.Minute)
	require.ErrorIs(t, err, ErrNoJob)

	clock.Advance(10 * time.Second)
	j, err := b.Lease(ctx, KindConsensus, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, j.Status)
	assert.Equal(t, ConsensusPayload{PromotionID: "p", EventID: "e"}, j.Payload)
}

func testIdempotency(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	first, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	dup, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, first.ID, dup.ID)

	leased, err := b.Lease(ctx, KindFetchSource, "w", time.Minute)
	require.NoError(t, err)

	dup, err = q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, leased.ID, dup.ID, "active jobs also collapse duplicates")

	require.NoError(t, b.Complete(ctx, leased.ID, "w"))

	again, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, again.Deduplicated)
	assert.NotEqual(t, first.ID, again.ID, "finished jobs do not block new work")
}

func testExclusiveLease(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	_, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)

	j, err := b.Lease(ctx, KindFetchSource, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w1", j.LeasedBy)

	_, err = b.Lease(ctx, KindFetchSource, "w2", time.Minute)
	require.ErrorIs(t, err, ErrNoJob)

	assert.ErrorIs(t, b.Complete(ctx, j.ID, "w2"), ErrLeaseLost)
	require.NoError(t, b.Complete(ctx, j.ID, "w1"))
	assert.ErrorIs(t, b.Complete(ctx, j.ID, "w1"), ErrLeaseLost)
}

func testRetryAndDeadLetter(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	job, err := q.Enqueue(ctx, NotifyPayload{PromotionID: "p", EventID: "e", TriggerID: "t"}, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	j, err := b.Lease(ctx, KindNotify, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, j.ID, "w", Failure{Err: "webhook 503", RetryAt: clock.Now().Add(2 * time.Second)}))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "webhook 503", got.LastError)

	_, err = b.Lease(ctx, KindNotify, "w", time.Minute)
	require.ErrorIs(t, err, ErrNoJob, "retry waits for its backoff")

	clock.Advance(2 * time.Second)
	j, err = b.Lease(ctx, KindNotify, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, j.ID, "w", Failure{Err: "webhook 503"}))

	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptsMade)
	assert.False(t, got.FinishedAt.IsZero())

	clock.Advance(time.Hour)
	_, err = b.Lease(ctx, KindNotify, "w", time.Minute)
	assert.ErrorIs(t, err, ErrNoJob, "dead-lettered jobs are never retried")

	s, err := b.Stats(ctx, KindNotify)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Failed)

	failed, err := b.History(ctx, KindNotify, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
}

func testRemove(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	waiting, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, waiting.ID))
	_, err = b.Get(ctx, waiting.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	again, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, again.Deduplicated, "removed job frees its idempotency key")

	active, err := b.Lease(ctx, KindFetchSource, "w", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Remove(ctx, active.ID), ErrNotRemovable)

	assert.ErrorIs(t, q.Remove(ctx, "missing"), ErrJobNotFound)
}

func testRecoverExpired(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	retry, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	last, err := q.Enqueue(ctx, fetch("e1", "b"), EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := b.Lease(ctx, KindFetchSource, "crashed", time.Minute)
		require.NoError(t, err)
	}

	other, err := q.Enqueue(ctx, ConsensusPayload{PromotionID: "promo-1", EventID: "e1"}, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = b.Lease(ctx, KindConsensus, "crashed", time.Minute)
	require.NoError(t, err)

	recovered, err := b.RecoverExpired(ctx, KindFetchSource)
	require.NoError(t, err)
	assert.Empty(t, recovered, "live leases are left alone")

	clock.Advance(time.Minute)
	recovered, err = b.RecoverExpired(ctx, KindFetchSource)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	byID := map[string]*Job{}
	for _, j := range recovered {
		byID[j.ID] = j
	}
	require.Contains(t, byID, last.ID)
	assert.Equal(t, StatusFailed, byID[last.ID].Status, "a lapse on the last attempt dead-letters the job")
	assert.Equal(t, 1, byID[last.ID].AttemptsMade)
	require.Contains(t, byID, retry.ID)
	assert.Equal(t, StatusWaiting, byID[retry.ID].Status)

	got, err := b.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Empty(t, got.LeasedBy)

	got, err = b.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, leaseExpiredError, got.LastError)

	got, err = b.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "recovery is scoped to one kind")

	recovered, err = b.RecoverExpired(ctx, KindFetchSource)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func testHistoryLimit(t *testing.T, factory brokerFactory) {
	ctx := context.Background()
	clock := newFakeClock()
	b := factory(t, clock.Now, 2)
	q := New(b, WithClock(clock.Now))

	var ids []string
	for _, src := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, fetch("e1", src), EnqueueOptions{})
		require.NoError(t, err)
		j, err := b.Lease(ctx, KindFetchSource, "w", time.Minute)
		require.NoError(t, err)
		clock.Advance(time.Second)
		require.NoError(t, b.Complete(ctx, j.ID, "w"))
		ids = append(ids, j.ID)
	}

	done, err := b.History(ctx, KindFetchSource, StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, ids[2], done[0].ID)
	assert.Equal(t, ids[1], done[1].ID)

	s, err := b.Stats(ctx, KindFetchSource)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Completed)
}
