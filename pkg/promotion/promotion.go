// Package promotion holds candidate promotions and the trigger events
// recorded once a promotion's real-world condition is confirmed.
package promotion

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("promotion: not found")
	ErrInvalidCandidate = errors.New("promotion: invalid candidate")
	// ErrDuplicateTrigger is returned when a trigger already exists for the
	// (promotion, event) pair. Callers treat it as a no-op.
	ErrDuplicateTrigger = errors.New("promotion: trigger already recorded")
)

// Candidate is a sponsor offer whose trigger must be verified against an
// external event.
type Candidate struct {
	ID      string `json:"id" yaml:"id"`
	Sponsor string `json:"sponsor,omitempty" yaml:"sponsor"`
	Title   string `json:"title,omitempty" yaml:"title"`
	// EventID identifies the real-world event, e.g. a specific game.
	EventID string `json:"eventId" yaml:"event_id"`
	// Condition is a CEL expression over the agreed outcome. An empty
	// condition is satisfied by any confirmed outcome.
	Condition string `json:"condition" yaml:"condition"`
	// RedemptionWindow is how long the offer can be redeemed after the event.
	RedemptionWindow time.Duration `json:"redemptionWindow" yaml:"redemption_window"`
	// Sources restricts which configured sources are asked; empty means all.
	Sources   []string  `json:"sources,omitempty" yaml:"sources"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
}

func (c Candidate) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidCandidate)
	case c.EventID == "":
		return fmt.Errorf("%w: %s has no event id", ErrInvalidCandidate, c.ID)
	case c.RedemptionWindow < 0:
		return fmt.Errorf("%w: %s has a negative redemption window", ErrInvalidCandidate, c.ID)
	}
	return nil
}

// TriggerEvent is one confirmed occurrence of a promotion's trigger
// condition. At most one exists per (PromotionID, ExternalEventID).
type TriggerEvent struct {
	ID                    string    `json:"id"`
	PromotionID           string    `json:"promotionId"`
	ExternalEventID       string    `json:"externalEventId"`
	OccurredAt            time.Time `json:"occurredAt"`
	RedemptionWindowStart time.Time `json:"redemptionWindowStart"`
	RedemptionWindowEnd   time.Time `json:"redemptionWindowEnd"`
	// EvidenceRef is the hash of the evidence that substantiates the trigger.
	EvidenceRef string    `json:"evidenceRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewTrigger builds the trigger of c for eventID. The event is passed
// separately because c may since have been resubmitted for a later event.
// The redemption window opens when the event occurred.
func NewTrigger(id string, c Candidate, eventID string, occurredAt time.Time, evidenceRef string, now time.Time) TriggerEvent {
	occurredAt = occurredAt.UTC()
	return TriggerEvent{
		ID:                    id,
		PromotionID:           c.ID,
		ExternalEventID:       eventID,
		OccurredAt:            occurredAt,
		RedemptionWindowStart: occurredAt,
		RedemptionWindowEnd:   occurredAt.Add(c.RedemptionWindow),
		EvidenceRef:           evidenceRef,
		CreatedAt:             now.UTC(),
	}
}
