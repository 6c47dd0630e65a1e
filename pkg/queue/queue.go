package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is used when EnqueueOptions leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// EnqueueOptions tune a single submission. Zero values take the defaults
// of the Queue and of the job kind.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     *Backoff
}

// Queue is the producer side of the job system.
type Queue struct {
	broker      Broker
	backoff     Backoff
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
}

type Option func(*Queue)

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithDefaultBackoff sets the retry schedule of jobs enqueued without one.
func WithDefaultBackoff(b Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

func New(broker Broker, opts ...Option) *Queue {
	q := &Queue{
		broker:      broker,
		backoff:     DefaultBackoff(),
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		logger:      slog.Default().With("component", "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Broker() Broker { return q.broker }

// Enqueue submits payload. Identical logical work that is still waiting or
// active collapses onto the existing job, which is returned with
// Deduplicated set.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (*Job, error) {
	kind := p.Kind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	key, err := IdempotencyKey(p)
	if err != nil {
		return nil, err
	}

	now := q.clock().UTC()
	job := &Job{
		ID:             uuid.NewString(),
		Kind:           kind,
		Payload:        p,
		Priority:       kind.DefaultPriority(),
		MaxAttempts:    q.maxAttempts,
		Backoff:        q.backoff,
		Status:         StatusWaiting,
		IdempotencyKey: key,
		RunAt:          now.Add(opts.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Priority > 0 {
		job.Priority = opts.Priority
	}
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}

	stored, err := q.broker.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	if stored.Deduplicated {
		q.logger.DebugContext(ctx, "duplicate job collapsed", "kind", kind, "job_id", stored.ID, "idempotency_key", key)
	} else {
		q.logger.DebugContext(ctx, "job enqueued", "kind", kind, "job_id", stored.ID, "priority", stored.Priority)
	}
	return stored, nil
}

// Remove cancels a job that has not started yet.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.broker.Remove(ctx, id)
}

// Stats returns the counters of every kind, in pipeline order.
func (q *Queue) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(Kinds))
	for _, k := range Kinds {
		s, err := q.broker.Stats(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
