package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	// RecoverInterval is how often lapsed leases of the pool's kind are
	// returned to the queue. Defaults to half the lease TTL.
	RecoverInterval time.Duration `yaml:"recover_interval" json:"recover_interval"`
}

const settleTimeout = 10 * time.Second

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:  5,
		PollInterval: 250 * time.Millisecond,
		LeaseTTL:     5 * time.Minute,
	}
}

// DeadLetterFunc observes jobs that were moved to the failed state.
type DeadLetterFunc func(ctx context.Context, job *Job, err error)

// ResultFunc observes every finished attempt; err is nil on success.
type ResultFunc func(kind Kind, err error, elapsed time.Duration)

// Pool runs the workers of one job kind.
type Pool struct {
	broker  Broker
	kind    Kind
	handler Handler
	cfg     PoolConfig
	clock   func() time.Time
	logger  *slog.Logger
	id      string

	onDeadLetter DeadLetterFunc
	onResult     ResultFunc

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type PoolOption func(*Pool)

func WithPoolClock(clock func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

func WithDeadLetterHook(fn DeadLetterFunc) PoolOption {
	return func(p *Pool) { p.onDeadLetter = fn }
}

func WithResultHook(fn ResultFunc) PoolOption {
	return func(p *Pool) { p.onResult = fn }
}

func NewPool(broker Broker, kind Kind, handler Handler, cfg PoolConfig, opts ...PoolOption) *Pool {
	def := DefaultPoolConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = cfg.LeaseTTL / 2
	}
	p := &Pool{
		broker:  broker,
		kind:    kind,
		handler: handler,
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "worker", "kind", string(kind)),
		id:      uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Kind() Kind { return p.kind }

// Start launches the workers and the lease recovery loop. Jobs run under
// ctx; cancelling it aborts in-flight handlers, while Stop lets them
// finish. Outcomes are recorded even after ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("queue: %s pool already started", p.kind)
	}
	p.started = true
	p.stop = make(chan struct{})

	p.recoverExpired(ctx)
	p.wg.Add(1)
	go p.recoverLoop(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := fmt.Sprintf("%s-%s-%d", p.kind, p.id, i)
		p.wg.Add(1)
		go p.work(ctx, worker)
	}
	p.logger.InfoContext(ctx, "worker pool started", "concurrency", p.cfg.Concurrency)
	return nil
}

// Stop stops leasing new jobs and waits for in-flight jobs to finish or for
// ctx to end, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: %s pool drain: %w", p.kind, ctx.Err())
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverExpired(ctx)
		}
	}
}

// recoverExpired requeues jobs whose worker vanished mid-lease, this
// process's or a peer's, and reports those that ran out of attempts.
func (p *Pool) recoverExpired(ctx context.Context) {
	jobs, err := p.broker.RecoverExpired(ctx, p.kind)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WarnContext(ctx, "lease recovery failed", "error", err)
		}
		return
	}
	if len(jobs) == 0 {
		return
	}
	p.logger.InfoContext(ctx, "recovered expired leases", "count", len(jobs))
	for _, job := range jobs {
		if job.Status != StatusFailed {
			continue
		}
		p.logger.ErrorContext(ctx, "job dead-lettered", "job_id", job.ID, "error", ErrLeaseExpired)
		if p.onDeadLetter != nil {
			p.onDeadLetter(ctx, job, ErrLeaseExpired)
		}
	}
}

func (p *Pool) work(ctx context.Context, worker string) {
	defer p.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// A ready timer must not win over a stop that arrived at the same time.
		select {
		case <-p.stop:
			return
		default:
		}

		job, err := p.broker.Lease(ctx, p.kind, worker, p.cfg.LeaseTTL)
		switch {
		case err == nil:
			p.process(ctx, worker, job)
			timer.Reset(0)
		case errors.Is(err, ErrNoJob):
			timer.Reset(p.cfg.PollInterval)
		default:
			if ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "lease failed", "worker", worker, "error", err)
			}
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

func (p *Pool) process(ctx context.Context, worker string, job *Job) {
	logger := p.logger.With("job_id", job.ID, "worker", worker, "attempt", job.AttemptsMade+1)
	start := p.clock()
	err := p.run(ctx, job)
	elapsed := p.clock().Sub(start)
	if p.onResult != nil {
		p.onResult(p.kind, err, elapsed)
	}

	// An aborted handler still reports, so the job does not sit active
	// until its lease lapses.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		if cerr := p.broker.Complete(ctx, job.ID, worker); cerr != nil {
			logger.ErrorContext(ctx, "failed to mark job completed", "error", cerr)
			return
		}
		logger.DebugContext(ctx, "job completed", "elapsed", elapsed)
		return
	}

	if IsPermanent(err) || job.Exhausted() {
		if ferr := p.broker.Fail(ctx, job.ID, worker, Failure{Err: err.Error()}); ferr != nil {
			logger.ErrorContext(ctx, "failed to dead-letter job", "error", ferr)
			return
		}
		logger.ErrorContext(ctx, "job dead-lettered", "error", err, "permanent", IsPermanent(err))
		if p.onDeadLetter != nil {
			failed := *job
			failed.AttemptsMade++
			failed.Status = StatusFailed
			failed.LastError = err.Error()
			p.onDeadLetter(ctx, &failed, err)
		}
		return
	}

	delay := retryDelay(job, err)
	if ferr := p.broker.Fail(ctx, job.ID, worker, Failure{Err: err.Error(), RetryAt: p.clock().Add(delay)}); ferr != nil {
		logger.ErrorContext(ctx, "failed to reschedule job", "error", ferr)
		return
	}
	logger.WarnContext(ctx, "job failed, retrying", "error", err, "retry_in", delay)
}

// retryDelay is the job's backoff, stretched to any wait the failure itself
// asks for (a rate limit or an open breaker).
func retryDelay(job *Job, err error) time.Duration {
	delay := job.Backoff.Delay(job.ID, job.AttemptsMade)
	if hint, ok := ratelimit.RetryAfter(err); ok && hint > delay {
		delay = hint
	}
	var open *breaker.OpenError
	if errors.As(err, &open) && open.RetryAfter > delay {
		delay = open.RetryAfter
	}
	return delay
}

func (p *Pool) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: %s handler panicked: %v", job.Kind, r)
		}
	}()
	return p.handler.Handle(ctx, job)
}
