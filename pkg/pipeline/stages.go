package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/promoverify/pkg/audit"
	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
	"github.com/Mindburn-Labs/promoverify/pkg/consensus"
	"github.com/Mindburn-Labs/promoverify/pkg/evidence"
	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
	"github.com/Mindburn-Labs/promoverify/pkg/observability"
	"github.com/Mindburn-Labs/promoverify/pkg/promotion"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
	"github.com/Mindburn-Labs/promoverify/pkg/sources"
)

func (o *Orchestrator) fetchSource(ctx context.Context, job *queue.Job, p queue.FetchSourcePayload) (err error) {
	ctx, done := o.telemetry.TrackStage(ctx, queue.KindFetchSource,
		observability.AttrJobID.String(job.ID),
		observability.AttrPromotionID.String(p.PromotionID),
		observability.AttrEventID.String(p.EventID),
		observability.AttrSource.String(p.Source),
	)
	defer func() { done(err) }()
	logger := o.logger.With("job_id", job.ID, "promotion_id", p.PromotionID, "event_id", p.EventID, "source", p.Source)

	binding, err := o.sources.Get(p.Source)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := o.limiters.Wait(ctx, p.Source, 1); err != nil {
		return err
	}
	snap, err := breaker.Call(ctx, o.breakers.Get(p.Source), func(ctx context.Context) (sources.Snapshot, error) {
		return binding.Source.Fetch(ctx, p.EventID)
	})
	if err != nil {
		if errors.Is(err, sources.ErrInvalidPayload) {
			return queue.Permanent(err)
		}
		return err
	}

	payload, err := snap.Decode()
	if err != nil {
		return queue.Permanent(err)
	}
	if err := binding.Schema.Validate(payload); err != nil {
		return queue.Permanent(err)
	}
	fields, err := binding.Fields.Extract(payload)
	if err != nil {
		return queue.Permanent(err)
	}
	raw, err := hashing.Hash(payload)
	if err != nil {
		return queue.Permanent(fmt.Errorf("%w: %w", sources.ErrInvalidPayload, err))
	}

	inserted, err := o.observations.Save(ctx, StoredObservation{
		PromotionID: p.PromotionID,
		Observation: consensus.Observation{
			Source:       p.Source,
			EventID:      p.EventID,
			Fields:       fields,
			EvidenceHash: raw.Digest,
			ObservedAt:   snap.FetchedAt.UTC(),
		},
		RawCanonical: raw.CanonicalForm,
	})
	if err != nil {
		return err
	}
	if inserted {
		logger.InfoContext(ctx, "observation recorded", "snapshot_hash", raw.Digest)
	} else {
		logger.DebugContext(ctx, "observation already recorded")
	}
	observability.AddSpanEvent(ctx, "observation", attribute.Bool("inserted", inserted))

	_, err = o.queue.Enqueue(ctx, queue.ConsensusPayload{PromotionID: p.PromotionID, EventID: p.EventID, Expected: p.Expected},
		queue.EnqueueOptions{MaxAttempts: o.consensusAttempts})
	return err
}

func (o *Orchestrator) consensus(ctx context.Context, job *queue.Job, p queue.ConsensusPayload) (err error) {
	ctx, done := o.telemetry.TrackStage(ctx, queue.KindConsensus,
		observability.AttrJobID.String(job.ID),
		observability.AttrPromotionID.String(p.PromotionID),
		observability.AttrEventID.String(p.EventID),
	)
	defer func() { done(err) }()
	logger := o.logger.With("job_id", job.ID, "promotion_id", p.PromotionID, "event_id", p.EventID)

	// The candidate may have been resubmitted for another event since; the
	// payload carries the sources asked for this one.
	expected := p.Expected
	if len(expected) == 0 {
		c, err := o.promotions.GetCandidate(ctx, p.PromotionID)
		if err != nil {
			return permanentIf(err, promotion.ErrNotFound)
		}
		if expected, err = o.sources.Select(c.Sources); err != nil {
			return queue.Permanent(err)
		}
	}
	obs, err := o.observations.List(ctx, p.PromotionID, p.EventID)
	if err != nil {
		return err
	}
	res, err := o.policy.Evaluate(obs, len(expected))
	if err != nil {
		return queue.Permanent(err)
	}
	observability.AddSpanEvent(ctx, "verdict", attribute.String("status", string(res.Status)))

	switch res.Status {
	case consensus.Insufficient:
		logger.DebugContext(ctx, "consensus pending", "reported", len(obs), "expected", len(expected), "reason", res.Reason)
		return fmt.Errorf("%w: %s", ErrConsensusPending, res.Reason)
	case consensus.Disputed:
		logger.WarnContext(ctx, "consensus disputed", "reason", res.Reason, "dissenting", res.Dissenting)
		o.audit.Record(ctx, audit.KindConsensusDisputed, p.PromotionID, map[string]string{
			"event_id": p.EventID,
			"reason":   res.Reason,
		})
		return queue.Permanent(fmt.Errorf("%w: %s", ErrDisputed, res.Reason))
	}

	bundle, err := Bundle(p.EventID, res)
	if err != nil {
		return queue.Permanent(err)
	}
	rec, err := o.evidence.Put(ctx, bundle)
	if err != nil {
		return permanentIf(err, evidence.ErrIntegrityViolation, canonicalize.ErrMalformedInput)
	}
	logger.InfoContext(ctx, "consensus reached",
		"evidence", rec.Hash, "sources", res.Sources, "deduplicated", rec.Deduplicated)
	o.audit.Record(ctx, audit.KindConsensusReached, p.PromotionID, map[string]string{
		"event_id":     p.EventID,
		"evidence":     rec.Hash,
		"sources":      fmt.Sprint(res.Sources),
		"deduplicated": fmt.Sprint(rec.Deduplicated),
	})

	_, err = o.queue.Enqueue(ctx, queue.ValidatePromotionPayload{
		PromotionID:  p.PromotionID,
		EventID:      p.EventID,
		EvidenceHash: rec.Hash,
		Consensus:    string(res.Status),
	}, queue.EnqueueOptions{})
	return err
}

// Bundle is the evidence document for an agreed outcome. Sources are listed
// by name; sourceChain folds their snapshot digests in that order so any
// change to a contributing snapshot changes the bundle's hash.
func Bundle(eventID string, res consensus.Result) (canonicalize.Value, error) {
	members := append([]consensus.Observation(nil), res.Observations...)
	sort.Slice(members, func(i, j int) bool { return members[i].Source < members[j].Source })

	names := make([]string, len(members))
	digests := make([]string, len(members))
	byName := make(map[string]string, len(members))
	for i, m := range members {
		names[i] = m.Source
		digests[i] = m.EvidenceHash
		byName[m.Source] = m.EvidenceHash
	}
	return canonicalize.EvidenceValue(map[string]any{
		"eventId":       eventID,
		"agreed":        res.Agreed,
		"sources":       names,
		"sourceDigests": byName,
		"sourceChain":   hashing.Default().ChainDigests(digests),
	})
}

func (o *Orchestrator) validate(ctx context.Context, job *queue.Job, p queue.ValidatePromotionPayload) (err error) {
	ctx, done := o.telemetry.TrackStage(ctx, queue.KindValidatePromotion,
		observability.AttrJobID.String(job.ID),
		observability.AttrPromotionID.String(p.PromotionID),
		observability.AttrEventID.String(p.EventID),
	)
	defer func() { done(err) }()
	logger := o.logger.With("job_id", job.ID, "promotion_id", p.PromotionID, "event_id", p.EventID, "evidence", p.EvidenceHash)

	c, err := o.promotions.GetCandidate(ctx, p.PromotionID)
	if err != nil {
		return permanentIf(err, promotion.ErrNotFound)
	}
	ev, err := o.evidence.Retrieve(ctx, p.EvidenceHash)
	if err != nil {
		return permanentIf(err, evidence.ErrIntegrityViolation, evidence.ErrNotFound)
	}
	doc, err := parseBundle(ev.CanonicalForm)
	if err != nil {
		return queue.Permanent(err)
	}

	ok, err := o.conditions.Evaluate(c.Condition, promotion.ConditionInput{
		Outcome: doc.agreed,
		EventID: p.EventID,
		Sources: doc.sources,
	})
	if err != nil {
		return queue.Permanent(err)
	}
	if !ok {
		logger.InfoContext(ctx, "trigger condition not met")
		observability.AddSpanEvent(ctx, "condition", attribute.Bool("satisfied", false))
		return nil
	}

	occurredAt := OccurredAt(doc.agreed, ev.StoredAt)
	t := promotion.NewTrigger(uuid.NewString(), c, p.EventID, occurredAt, ev.Hash, o.clock())
	stored, err := o.promotions.RecordTrigger(ctx, t)
	if errors.Is(err, promotion.ErrDuplicateTrigger) {
		logger.InfoContext(ctx, "trigger already recorded", "trigger_id", stored.ID)
		o.audit.Record(ctx, audit.KindDuplicateTrigger, stored.ID, map[string]string{
			"promotion_id": p.PromotionID,
			"event_id":     p.EventID,
			"evidence":     ev.Hash,
		})
		// A retried job may have recorded the trigger in an attempt that
		// failed before the notify job was queued.
		if job.AttemptsMade > 0 && stored.EvidenceRef == ev.Hash {
			return o.enqueueNotify(ctx, stored)
		}
		return nil
	}
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "trigger recorded", "trigger_id", stored.ID, "occurred_at", stored.OccurredAt)
	o.audit.Record(ctx, audit.KindTriggerCreated, stored.ID, map[string]string{
		"promotion_id": stored.PromotionID,
		"event_id":     stored.ExternalEventID,
		"evidence":     stored.EvidenceRef,
		"window_end":   stored.RedemptionWindowEnd.Format(time.RFC3339),
	})
	return o.enqueueNotify(ctx, stored)
}

func (o *Orchestrator) enqueueNotify(ctx context.Context, t promotion.TriggerEvent) error {
	_, err := o.queue.Enqueue(ctx, queue.NotifyPayload{
		PromotionID: t.PromotionID,
		EventID:     t.ExternalEventID,
		TriggerID:   t.ID,
	}, queue.EnqueueOptions{})
	return err
}

func (o *Orchestrator) notify(ctx context.Context, job *queue.Job, p queue.NotifyPayload) (err error) {
	ctx, done := o.telemetry.TrackStage(ctx, queue.KindNotify,
		observability.AttrJobID.String(job.ID),
		observability.AttrPromotionID.String(p.PromotionID),
		observability.AttrEventID.String(p.EventID),
	)
	defer func() { done(err) }()

	t, err := o.promotions.GetTrigger(ctx, p.TriggerID)
	if err != nil {
		return permanentIf(err, promotion.ErrNotFound)
	}
	c, err := o.promotions.GetCandidate(ctx, p.PromotionID)
	if err != nil {
		return permanentIf(err, promotion.ErrNotFound)
	}
	err = o.breakers.Get(NotifyBreaker).Execute(ctx, func(ctx context.Context) error {
		return o.notifier.Notify(ctx, Notification{Trigger: t, Promotion: c})
	})
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "trigger delivered", "job_id", job.ID, "trigger_id", t.ID)
	return nil
}

// permanentIf marks err permanent when it matches one of targets.
func permanentIf(err error, targets ...error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return queue.Permanent(err)
		}
	}
	return err
}

type bundleDoc struct {
	agreed  map[string]any
	sources []string
}

func parseBundle(canonical string) (bundleDoc, error) {
	v, err := canonicalize.Parse([]byte(canonical))
	if err != nil {
		return bundleDoc{}, err
	}
	root, ok := v.ToGo().(map[string]any)
	if !ok {
		return bundleDoc{}, fmt.Errorf("%w: evidence is not an object", canonicalize.ErrMalformedInput)
	}
	doc := bundleDoc{agreed: map[string]any{}}
	if agreed, ok := root["agreed"].(map[string]any); ok {
		doc.agreed = agreed
	}
	if list, ok := root["sources"].([]any); ok {
		for _, s := range list {
			if name, ok := s.(string); ok {
				doc.sources = append(doc.sources, name)
			}
		}
	}
	return doc, nil
}

// OccurredAt picks the event time from the agreed outcome: the first
// timestamp-like field, by name, that parses as ISO-8601. fallback is used
// when there is none.
func OccurredAt(agreed map[string]any, fallback time.Time) time.Time {
	keys := make([]string, 0, len(agreed))
	for k := range agreed {
		if canonicalize.IsTimestampKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := agreed[k].(string); ok {
			if t, ok := canonicalize.ParseISOTimestamp(s); ok {
				return t
			}
		}
	}
	return fallback.UTC()
}
