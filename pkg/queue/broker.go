package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoJob        = errors.New("queue: no job available")
	ErrJobNotFound  = errors.New("queue: job not found")
	ErrUnknownKind  = errors.New("queue: unknown job kind")
	ErrNotRemovable = errors.New("queue: only waiting jobs can be removed")
	// ErrLeaseLost is returned when a worker reports on a job it no longer
	// holds, typically because its lease expired and the job was recovered.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrLeaseExpired is reported to dead-letter hooks for jobs whose last
	// attempt ended with a lapsed lease.
	ErrLeaseExpired = errors.New(leaseExpiredError)
)

// Failure reports a failed attempt to the broker. A zero RetryAt moves the
// job to the failed state for good.
type Failure struct {
	Err     string
	RetryAt time.Time
}

// Dead reports whether the failure dead-letters the job.
func (f Failure) Dead() bool { return f.RetryAt.IsZero() }

// Stats counts the jobs of one kind per status. Delayed is the subset of
// Waiting whose RunAt is still in the future.
type Stats struct {
	Kind      Kind  `json:"kind"`
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Broker stores jobs and hands each to exactly one worker at a time.
type Broker interface {
	// Enqueue stores job unless a waiting or active job with the same
	// idempotency key exists, in which case that job is returned with
	// Deduplicated set.
	Enqueue(ctx context.Context, job *Job) (*Job, error)
	// Lease claims the next eligible job of kind, ordered by priority, then
	// RunAt, then submission order. ErrNoJob when none is eligible.
	Lease(ctx context.Context, kind Kind, worker string, ttl time.Duration) (*Job, error)
	Complete(ctx context.Context, id, worker string) error
	// Fail records a failed attempt, incrementing AttemptsMade.
	Fail(ctx context.Context, id, worker string, f Failure) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
	Stats(ctx context.Context, kind Kind) (Stats, error)
	// History returns finished jobs of kind with the given status, most
	// recently finished first.
	History(ctx context.Context, kind Kind, status Status, limit int) ([]*Job, error)
	// RecoverExpired returns jobs of kind whose lease lapsed to waiting,
	// counting the lapse as a failed attempt. A lapse on the last attempt
	// moves the job to failed. It returns the jobs it moved, as updated.
	RecoverExpired(ctx context.Context, kind Kind) ([]*Job, error)
}

// DefaultHistoryLimit is how many completed jobs per kind are retained.
const DefaultHistoryLimit = 100

const leaseExpiredError = "lease expired before the job finished"
