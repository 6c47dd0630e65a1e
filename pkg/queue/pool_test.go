package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
)

var fastPool = PoolConfig{Concurrency: 3, PollInterval: 5 * time.Millisecond, LeaseTTL: time.Minute}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
}

func TestPool_CompletesJobsWithBoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b)

	var running, peak, handled atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, job *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		handled.Add(1)
		return nil
	})

	for _, src := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		_, err := q.Enqueue(ctx, fetch("e1", src), EnqueueOptions{})
		require.NoError(t, err)
	}

	startPool(t, NewPool(b, KindFetchSource, handler, fastPool))

	require.Eventually(t, func() bool {
		s, err := b.Stats(ctx, KindFetchSource)
		return err == nil && s.Completed == 8
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(8), handled.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_ExhaustedJobEndsFailed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b, WithDefaultBackoff(Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}))

	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("source returned 502")
	})

	var (
		mu   sync.Mutex
		dead []*Job
	)
	hook := WithDeadLetterHook(func(_ context.Context, job *Job, _ error) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, job)
	})

	job, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	startPool(t, NewPool(b, KindFetchSource, handler, fastPool, hook))

	require.Eventually(t, func() bool {
		got, err := b.Get(ctx, job.ID)
		return err == nil && got.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	// Give the pool a chance to misbehave before checking it left the job alone.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, got.AttemptsMade)
	assert.Equal(t, "source returned 502", got.LastError)

	s, err := b.Stats(ctx, KindFetchSource)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Failed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, StatusFailed, dead[0].Status)
}

func TestPool_PermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b)

	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return Permanent(errors.New("consensus disputed"))
	})

	job, err := q.Enqueue(ctx, ConsensusPayload{PromotionID: "p", EventID: "e"}, EnqueueOptions{})
	require.NoError(t, err)
	startPool(t, NewPool(b, KindConsensus, handler, fastPool))

	require.Eventually(t, func() bool {
		got, err := b.Get(ctx, job.ID)
		return err == nil && got.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b, WithDefaultBackoff(Backoff{Base: time.Millisecond, Max: time.Millisecond}))

	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, *Job) error {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return nil
	})

	job, err := q.Enqueue(ctx, NotifyPayload{TriggerID: "t"}, EnqueueOptions{})
	require.NoError(t, err)
	startPool(t, NewPool(b, KindNotify, handler, fastPool))

	require.Eventually(t, func() bool {
		got, err := b.Get(ctx, job.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Contains(t, got.LastError, "panicked")
}

func TestPool_StopDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b)

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc(func(context.Context, *Job) error {
		close(entered)
		<-release
		return nil
	})

	job, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)

	p := NewPool(b, KindFetchSource, handler, PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	require.NoError(t, p.Start(ctx))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	queued, err := q.Enqueue(ctx, fetch("e1", "b"), EnqueueOptions{})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-stopped)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	got, err = b.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "a stopped pool leases nothing new")
}

func TestPool_StopTimesOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	q := New(b)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	handler := HandlerFunc(func(context.Context, *Job) error {
		close(entered)
		<-release
		return nil
	})
	_, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)

	p := NewPool(b, KindFetchSource, handler, PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	require.NoError(t, p.Start(ctx))
	<-entered

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(stopCtx), context.DeadlineExceeded)
}

func TestPool_RecoversLapsedLeasesWhileRunning(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := NewMemoryBroker(WithMemoryClock(clock.Now))
	q := New(b, WithClock(clock.Now))

	job, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)
	_, err = b.Lease(ctx, KindFetchSource, "crashed-peer", time.Minute)
	require.NoError(t, err)

	handler := HandlerFunc(func(context.Context, *Job) error { return nil })
	cfg := PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond, LeaseTTL: time.Minute, RecoverInterval: 5 * time.Millisecond}
	startPool(t, NewPool(b, KindFetchSource, handler, cfg))

	time.Sleep(30 * time.Millisecond)
	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "a live lease is not taken over")

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		got, err := b.Get(ctx, job.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptsMade, "the lapsed lease counts as an attempt")
}

func TestPool_LapsedLastAttemptIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := NewMemoryBroker(WithMemoryClock(clock.Now))
	q := New(b, WithClock(clock.Now))

	job, err := q.Enqueue(ctx, fetch("e1", "a"), EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = b.Lease(ctx, KindFetchSource, "crashed-peer", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	dead := make(chan error, 1)
	hook := WithDeadLetterHook(func(_ context.Context, j *Job, err error) {
		if j.ID == job.ID {
			dead <- err
		}
	})
	handler := HandlerFunc(func(context.Context, *Job) error { return nil })
	startPool(t, NewPool(b, KindFetchSource, handler, fastPool, hook))

	select {
	case err := <-dead:
		assert.ErrorIs(t, err, ErrLeaseExpired)
	case <-time.After(5 * time.Second):
		t.Fatal("lapsed job was not reported as dead-lettered")
	}
	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestPool_AbortedHandlerStillRecordsOutcome(t *testing.T) {
	clock := newFakeClock()
	b := newSQLite(t, clock.Now, 10)
	q := New(b, WithClock(clock.Now))

	job, err := q.Enqueue(context.Background(), fetch("e1", "a"), EnqueueOptions{})
	require.NoError(t, err)

	entered := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, _ *Job) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(b, KindFetchSource, handler, PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	require.NoError(t, p.Start(ctx))
	<-entered
	cancel()

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, p.Stop(stopCtx))

	got, err := b.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, context.Canceled.Error(), got.LastError)
}

func TestPool_StartTwice(t *testing.T) {
	p := NewPool(NewMemoryBroker(), KindNotify, HandlerFunc(func(context.Context, *Job) error { return nil }), fastPool)
	startPool(t, p)
	assert.Error(t, p.Start(context.Background()))
}

func TestRetryDelay_HonoursHints(t *testing.T) {
	job := &Job{ID: "j", Backoff: Backoff{Base: time.Second, Max: time.Minute}}

	assert.Equal(t, time.Second, retryDelay(job, errors.New("boom")))

	limited := &ratelimit.LimitError{Identifier: "espn", RetryAfter: 5 * time.Second}
	assert.Equal(t, 5*time.Second, retryDelay(job, limited))

	open := &breaker.OpenError{Name: "espn", State: breaker.Open, RetryAfter: 20 * time.Second}
	assert.Equal(t, 20*time.Second, retryDelay(job, open))
}

func TestDispatcher(t *testing.T) {
	var got []string
	d := &Dispatcher{
		FetchSource: func(_ context.Context, _ *Job, p FetchSourcePayload) error {
			got = append(got, "fetch:"+p.Source)
			return nil
		},
		Notify: func(_ context.Context, _ *Job, p NotifyPayload) error {
			got = append(got, "notify:"+p.TriggerID)
			return nil
		},
	}
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, &Job{Kind: KindFetchSource, Payload: fetch("e", "espn")}))
	require.NoError(t, d.Handle(ctx, &Job{Kind: KindNotify, Payload: NotifyPayload{TriggerID: "t1"}}))
	assert.Equal(t, []string{"fetch:espn", "notify:t1"}, got)

	err := d.Handle(ctx, &Job{Kind: KindConsensus, Payload: ConsensusPayload{}})
	assert.True(t, IsPermanent(err))
}

func TestIdempotencyKey(t *testing.T) {
	a, err := IdempotencyKey(fetch("e1", "espn"))
	require.NoError(t, err)
	b, err := IdempotencyKey(fetch("e1", "espn"))
	require.NoError(t, err)
	c, err := IdempotencyKey(fetch("e1", "odds"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	consensus, err := IdempotencyKey(ConsensusPayload{PromotionID: "promo-1", EventID: "e1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, consensus)
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(KindValidatePromotion, []byte(`{"promotionId":"p","eventId":"e","evidenceHash":"h","consensus":"CONFIRMED"}`))
	require.NoError(t, err)
	assert.Equal(t, ValidatePromotionPayload{PromotionID: "p", EventID: "e", EvidenceHash: "h", Consensus: "CONFIRMED"}, p)

	_, err = DecodePayload("bogus", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
