package queue

import (
	"context"
	"fmt"
)

// Handler executes one leased job.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Dispatcher routes a job to the function for its payload type. A nil
// function for a kind that is leased is a permanent failure.
type Dispatcher struct {
	FetchSource       func(ctx context.Context, job *Job, p FetchSourcePayload) error
	Consensus         func(ctx context.Context, job *Job, p ConsensusPayload) error
	ValidatePromotion func(ctx context.Context, job *Job, p ValidatePromotionPayload) error
	Notify            func(ctx context.Context, job *Job, p NotifyPayload) error
}

func (d *Dispatcher) Handle(ctx context.Context, job *Job) error {
	switch p := job.Payload.(type) {
	case FetchSourcePayload:
		if d.FetchSource != nil {
			return d.FetchSource(ctx, job, p)
		}
	case ConsensusPayload:
		if d.Consensus != nil {
			return d.Consensus(ctx, job, p)
		}
	case ValidatePromotionPayload:
		if d.ValidatePromotion != nil {
			return d.ValidatePromotion(ctx, job, p)
		}
	case NotifyPayload:
		if d.Notify != nil {
			return d.Notify(ctx, job, p)
		}
	default:
		return Permanent(fmt.Errorf("%w: payload %T", ErrUnknownKind, job.Payload))
	}
	return Permanent(fmt.Errorf("queue: no handler for %s jobs", job.Kind))
}
