// Package pipeline wires the verification stages together. A submitted
// promotion fans out into one fetch job per source; each fetch feeds a
// consensus job; agreement is stored as evidence and validated against the
// promotion's condition; a satisfied condition is recorded once as a
// trigger and handed to the notifier.
//
//	fetch-source ──► consensus ──► validate-promotion ──► notify
//
// Every stage runs as a queued job, so each one is retried independently
// and a crash between stages resumes from persisted state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/audit"
	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/consensus"
	"github.com/Mindburn-Labs/promoverify/pkg/evidence"
	"github.com/Mindburn-Labs/promoverify/pkg/observability"
	"github.com/Mindburn-Labs/promoverify/pkg/promotion"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
	"github.com/Mindburn-Labs/promoverify/pkg/sources"
)

var (
	// ErrConsensusPending is returned by the consensus stage while too few
	// sources have reported. The job is retried.
	ErrConsensusPending = errors.New("pipeline: consensus pending")
	// ErrDisputed ends the consensus stage for good.
	ErrDisputed = errors.New("pipeline: sources disagree")
)

// NotifyBreaker is the breaker that guards the Notifier.
const NotifyBreaker = "notify"

// DefaultConsensusAttempts bounds how often a consensus job waits for more
// sources before it is dead-lettered.
const DefaultConsensusAttempts = 10

// Deps are the collaborators of an Orchestrator. Queue, Sources, Limiters,
// Breakers, Evidence, Observations and Promotions are required.
type Deps struct {
	Queue        *queue.Queue
	Sources      *sources.Set
	Limiters     *ratelimit.Registry
	Breakers     *breaker.Registry
	Evidence     *evidence.Store
	Observations ObservationStore
	Promotions   promotion.Store

	Conditions *promotion.ConditionEvaluator
	Policy     consensus.Policy
	Notifier   Notifier
	Audit      audit.Recorder
	Telemetry  *observability.Provider

	// ConsensusAttempts overrides DefaultConsensusAttempts.
	ConsensusAttempts int
	Clock             func() time.Time
	Logger            *slog.Logger
}

// Orchestrator owns the stage handlers.
type Orchestrator struct {
	queue        *queue.Queue
	sources      *sources.Set
	limiters     *ratelimit.Registry
	breakers     *breaker.Registry
	evidence     *evidence.Store
	observations ObservationStore
	promotions   promotion.Store
	conditions   *promotion.ConditionEvaluator
	policy       consensus.Policy
	notifier     Notifier
	audit        audit.Recorder
	telemetry    *observability.Provider

	consensusAttempts int
	clock             func() time.Time
	logger            *slog.Logger
}

func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case d.Sources == nil:
		return nil, errors.New("pipeline: source set is required")
	case d.Limiters == nil:
		return nil, errors.New("pipeline: limiter registry is required")
	case d.Breakers == nil:
		return nil, errors.New("pipeline: breaker registry is required")
	case d.Evidence == nil:
		return nil, errors.New("pipeline: evidence store is required")
	case d.Observations == nil:
		return nil, errors.New("pipeline: observation store is required")
	case d.Promotions == nil:
		return nil, errors.New("pipeline: promotion store is required")
	}

	o := &Orchestrator{
		queue:             d.Queue,
		sources:           d.Sources,
		limiters:          d.Limiters,
		breakers:          d.Breakers,
		evidence:          d.Evidence,
		observations:      d.Observations,
		promotions:        d.Promotions,
		conditions:        d.Conditions,
		policy:            d.Policy,
		notifier:          d.Notifier,
		audit:             d.Audit,
		telemetry:         d.Telemetry,
		consensusAttempts: d.ConsensusAttempts,
		clock:             d.Clock,
		logger:            d.Logger,
	}
	if o.conditions == nil {
		ev, err := promotion.NewConditionEvaluator()
		if err != nil {
			return nil, err
		}
		o.conditions = ev
	}
	if o.notifier == nil {
		o.notifier = LogNotifier{}
	}
	if o.audit == nil {
		o.audit = audit.Discard{}
	}
	if o.telemetry == nil {
		o.telemetry = &observability.Provider{}
	}
	if o.consensusAttempts <= 0 {
		o.consensusAttempts = DefaultConsensusAttempts
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "pipeline")
	}
	return o, nil
}

// Submit stores the candidate and asks each of its sources for the event.
// Submitting the same candidate again is safe: fetches still queued are
// collapsed, and everything downstream is deduplicated.
func (o *Orchestrator) Submit(ctx context.Context, c promotion.Candidate) ([]*queue.Job, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := o.conditions.Check(c.Condition); err != nil {
		return nil, fmt.Errorf("%w: %w", promotion.ErrInvalidCandidate, err)
	}
	names, err := o.sources.Select(c.Sources)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", promotion.ErrInvalidCandidate, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no sources configured", promotion.ErrInvalidCandidate)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = o.clock().UTC()
	}
	if err := o.promotions.SaveCandidate(ctx, c); err != nil {
		return nil, err
	}

	jobs := make([]*queue.Job, 0, len(names))
	for _, name := range names {
		job, err := o.queue.Enqueue(ctx, queue.FetchSourcePayload{
			PromotionID: c.ID,
			EventID:     c.EventID,
			Source:      name,
			Expected:    names,
		}, queue.EnqueueOptions{})
		if err != nil {
			return jobs, fmt.Errorf("enqueue fetch from %s: %w", name, err)
		}
		jobs = append(jobs, job)
	}
	o.logger.InfoContext(ctx, "promotion submitted",
		"promotion_id", c.ID, "event_id", c.EventID, "sources", names)
	return jobs, nil
}

// Dispatcher routes every job kind to its stage.
func (o *Orchestrator) Dispatcher() *queue.Dispatcher {
	return &queue.Dispatcher{
		FetchSource:       o.fetchSource,
		Consensus:         o.consensus,
		ValidatePromotion: o.validate,
		Notify:            o.notify,
	}
}

// Pools builds one worker pool per job kind. cfg may override the pool
// config of individual kinds; missing kinds use queue.DefaultPoolConfig.
func (o *Orchestrator) Pools(cfg map[queue.Kind]queue.PoolConfig, opts ...queue.PoolOption) []*queue.Pool {
	d := o.Dispatcher()
	opts = append([]queue.PoolOption{queue.WithDeadLetterHook(o.deadLettered)}, opts...)
	pools := make([]*queue.Pool, 0, len(queue.Kinds))
	for _, kind := range queue.Kinds {
		pc, ok := cfg[kind]
		if !ok {
			pc = queue.DefaultPoolConfig()
		}
		pools = append(pools, queue.NewPool(o.queue.Broker(), kind, d, pc, opts...))
	}
	return pools
}

func (o *Orchestrator) deadLettered(ctx context.Context, job *queue.Job, err error) {
	o.audit.Record(ctx, audit.KindJobDeadLettered, job.ID, map[string]string{
		"kind":     string(job.Kind),
		"attempts": fmt.Sprint(job.AttemptsMade),
		"error":    err.Error(),
	})
}
