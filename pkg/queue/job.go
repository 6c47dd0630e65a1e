// Package queue schedules the pipeline's units of work. Jobs are leased to
// exactly one worker at a time, retried with exponential backoff and kept in
// a dead-letter state once their attempts are exhausted.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
)

// Kind names one independently queued family of jobs.
type Kind string

const (
	KindFetchSource       Kind = "fetch-source"
	KindConsensus         Kind = "consensus"
	KindValidatePromotion Kind = "validate-promotion"
	KindNotify            Kind = "notify"
)

// Kinds lists every job kind in pipeline order.
var Kinds = []Kind{KindFetchSource, KindConsensus, KindValidatePromotion, KindNotify}

// DefaultPriority returns the priority used when none is given. Lower runs
// first.
func (k Kind) DefaultPriority() int {
	switch k {
	case KindConsensus, KindNotify:
		return 1
	case KindValidatePromotion:
		return 2
	default:
		return 5
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindFetchSource, KindConsensus, KindValidatePromotion, KindNotify:
		return true
	}
	return false
}

// Status is the lifecycle position of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Payload is implemented by the per-kind job data.
type Payload interface {
	Kind() Kind
}

// FetchSourcePayload asks one source for its view of an event.
type FetchSourcePayload struct {
	PromotionID string `json:"promotionId"`
	EventID     string `json:"eventId"`
	Source      string `json:"source"`
	// Expected lists every source asked for this event at submission.
	Expected []string `json:"expected,omitempty"`
}

func (FetchSourcePayload) Kind() Kind { return KindFetchSource }

// ConsensusPayload evaluates the observations collected for an event.
type ConsensusPayload struct {
	PromotionID string   `json:"promotionId"`
	EventID     string   `json:"eventId"`
	Expected    []string `json:"expected,omitempty"`
}

func (ConsensusPayload) Kind() Kind { return KindConsensus }

// ValidatePromotionPayload checks a promotion's condition against agreed
// evidence.
type ValidatePromotionPayload struct {
	PromotionID  string `json:"promotionId"`
	EventID      string `json:"eventId"`
	EvidenceHash string `json:"evidenceHash"`
	Consensus    string `json:"consensus"`
}

func (ValidatePromotionPayload) Kind() Kind { return KindValidatePromotion }

type NotifyPayload struct {
	PromotionID string `json:"promotionId"`
	EventID     string `json:"eventId"`
	TriggerID   string `json:"triggerId"`
}

func (NotifyPayload) Kind() Kind { return KindNotify }

// DecodePayload restores the typed payload of a stored job.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindFetchSource:
		var v FetchSourcePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindConsensus:
		var v ConsensusPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindValidatePromotion:
		var v ValidatePromotionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindNotify:
		var v NotifyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: decode %s payload: %w", kind, err)
	}
	return p, nil
}

// IdempotencyKey derives the key that collapses identical logical work. It
// is the digest of the canonical form of {kind, payload}.
func IdempotencyKey(p Payload) (string, error) {
	res, err := hashing.Hash(map[string]any{"kind": string(p.Kind()), "payload": p})
	if err != nil {
		return "", fmt.Errorf("queue: idempotency key: %w", err)
	}
	return res.Digest, nil
}

// Job is one unit of queued work.
type Job struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Payload        Payload   `json:"payload"`
	Priority       int       `json:"priority"`
	AttemptsMade   int       `json:"attemptsMade"`
	MaxAttempts    int       `json:"maxAttempts"`
	Backoff        Backoff   `json:"backoff"`
	Status         Status    `json:"status"`
	IdempotencyKey string    `json:"idempotencyKey"`
	RunAt          time.Time `json:"runAt"`
	LastError      string    `json:"lastError,omitempty"`
	LeasedBy       string    `json:"leasedBy,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitzero"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`

	// Deduplicated is set on the job returned by Enqueue when an identical
	// live job already existed. It is not persisted.
	Deduplicated bool `json:"-"`
}

// clone returns a copy safe to hand out of a broker.
func (j *Job) clone() *Job {
	c := *j
	return &c
}

// Exhausted reports whether one more failure would dead-letter the job.
func (j *Job) Exhausted() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}
