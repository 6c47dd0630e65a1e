package promotion

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists candidates and their trigger events.
type Store interface {
	// SaveCandidate inserts or replaces a candidate.
	SaveCandidate(ctx context.Context, c Candidate) error
	GetCandidate(ctx context.Context, id string) (Candidate, error)
	// RecordTrigger stores t unless a trigger for the same promotion and
	// event exists, in which case that trigger is returned together with
	// ErrDuplicateTrigger.
	RecordTrigger(ctx context.Context, t TriggerEvent) (TriggerEvent, error)
	GetTrigger(ctx context.Context, id string) (TriggerEvent, error)
	TriggerFor(ctx context.Context, promotionID, eventID string) (TriggerEvent, error)
	ListTriggers(ctx context.Context, promotionID string) ([]TriggerEvent, error)
}

type pairKey struct{ promotion, event string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	candidates map[string]Candidate
	triggers   map[string]TriggerEvent
	byPair     map[pairKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]Candidate),
		triggers:   make(map[string]TriggerEvent),
		byPair:     make(map[pairKey]string),
	}
}

func (m *MemoryStore) SaveCandidate(_ context.Context, c Candidate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Sources = append([]string(nil), c.Sources...)
	m.candidates[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCandidate(_ context.Context, id string) (Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return Candidate{}, fmt.Errorf("%w: candidate %s", ErrNotFound, id)
	}
	return c, nil
}

func (m *MemoryStore) RecordTrigger(_ context.Context, t TriggerEvent) (TriggerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{t.PromotionID, t.ExternalEventID}
	if id, ok := m.byPair[key]; ok {
		return m.triggers[id], fmt.Errorf("%w: %s/%s", ErrDuplicateTrigger, t.PromotionID, t.ExternalEventID)
	}
	m.triggers[t.ID] = t
	m.byPair[key] = t.ID
	return t, nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (TriggerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return TriggerEvent{}, fmt.Errorf("%w: trigger %s", ErrNotFound, id)
	}
	return t, nil
}

func (m *MemoryStore) TriggerFor(_ context.Context, promotionID, eventID string) (TriggerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPair[pairKey{promotionID, eventID}]
	if !ok {
		return TriggerEvent{}, fmt.Errorf("%w: trigger for %s/%s", ErrNotFound, promotionID, eventID)
	}
	return m.triggers[id], nil
}

func (m *MemoryStore) ListTriggers(_ context.Context, promotionID string) ([]TriggerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TriggerEvent
	for _, t := range m.triggers {
		if promotionID == "" || t.PromotionID == promotionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
