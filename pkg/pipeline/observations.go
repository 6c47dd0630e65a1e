package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/consensus"
	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// StoredObservation is a source's report as persisted: the extracted fields
// plus the canonical form of the raw snapshot they were extracted from.
type StoredObservation struct {
	PromotionID string
	consensus.Observation
	RawCanonical string
}

// ObservationStore keeps at most one observation per (promotion, event,
// source). The first report wins; later ones are ignored.
type ObservationStore interface {
	// Save stores o and reports whether it was new.
	Save(ctx context.Context, o StoredObservation) (bool, error)
	List(ctx context.Context, promotionID, eventID string) ([]consensus.Observation, error)
}

type observationKey struct{ promotion, event, source string }

// MemoryObservations is an in-process ObservationStore.
type MemoryObservations struct {
	mu   sync.RWMutex
	rows map[observationKey]StoredObservation
}

func NewMemoryObservations() *MemoryObservations {
	return &MemoryObservations{rows: make(map[observationKey]StoredObservation)}
}

func (m *MemoryObservations) Save(_ context.Context, o StoredObservation) (bool, error) {
	key := observationKey{o.PromotionID, o.EventID, o.Source}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok {
		return false, nil
	}
	m.rows[key] = o
	return true, nil
}

func (m *MemoryObservations) List(_ context.Context, promotionID, eventID string) ([]consensus.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []consensus.Observation
	for key, o := range m.rows {
		if key.promotion == promotionID && key.event == eventID {
			out = append(out, o.Observation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// SQLObservations persists observations in a write-once table.
type SQLObservations struct {
	db *store.DB
}

func NewSQLObservations(db *store.DB) *SQLObservations {
	return &SQLObservations{db: db}
}

func (s *SQLObservations) Init(ctx context.Context) error {
	if err := s.db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS observations (
			promotion_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			source TEXT NOT NULL,
			fields TEXT NOT NULL,
			evidence_hash TEXT NOT NULL,
			raw_canonical TEXT NOT NULL,
			observed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (promotion_id, event_id, source)
		)`,
	); err != nil {
		return err
	}
	return s.db.Migrate(ctx, s.db.ImmutableTable("observations")...)
}

func (s *SQLObservations) Save(ctx context.Context, o StoredObservation) (bool, error) {
	fields, err := json.Marshal(o.Fields)
	if err != nil {
		return false, fmt.Errorf("encode fields of %s: %w", o.Source, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (promotion_id, event_id, source, fields, evidence_hash, raw_canonical, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (promotion_id, event_id, source) DO NOTHING`,
		o.PromotionID, o.EventID, o.Source, string(fields), o.EvidenceHash, o.RawCanonical, o.ObservedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save observation %s/%s/%s: %w", o.PromotionID, o.EventID, o.Source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save observation: %w", err)
	}
	return n > 0, nil
}

func (s *SQLObservations) List(ctx context.Context, promotionID, eventID string) ([]consensus.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, fields, evidence_hash, observed_at FROM observations
		WHERE promotion_id = $1 AND event_id = $2 ORDER BY source`, promotionID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []consensus.Observation
	for rows.Next() {
		var (
			o          consensus.Observation
			fields     string
			observedAt time.Time
		)
		if err := rows.Scan(&o.Source, &fields, &o.EvidenceHash, &observedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &o.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", o.Source, err)
		}
		o.EventID = eventID
		o.ObservedAt = observedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

var (
	_ ObservationStore = (*MemoryObservations)(nil)
	_ ObservationStore = (*SQLObservations)(nil)
)
