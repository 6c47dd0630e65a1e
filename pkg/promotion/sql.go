package promotion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// SQLStore keeps candidates and triggers in the shared database. Trigger
// rows are write-once and unique per (promotion, event).
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS candidates (
			id TEXT PRIMARY KEY,
			sponsor TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL,
			condition_expr TEXT NOT NULL DEFAULT '',
			redemption_window_ms BIGINT NOT NULL DEFAULT 0,
			sources TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_events (
			id TEXT PRIMARY KEY,
			promotion_id TEXT NOT NULL,
			external_event_id TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			redemption_window_start TIMESTAMP NOT NULL,
			redemption_window_end TIMESTAMP NOT NULL,
			evidence_ref TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (promotion_id, external_event_id)
		)`,
	); err != nil {
		return err
	}
	return s.db.Migrate(ctx, s.db.ImmutableTable("trigger_events")...)
}

func (s *SQLStore) SaveCandidate(ctx context.Context, c Candidate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	sources, err := json.Marshal(c.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO candidates (id, sponsor, title, event_id, condition_expr, redemption_window_ms, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			sponsor = excluded.sponsor,
			title = excluded.title,
			event_id = excluded.event_id,
			condition_expr = excluded.condition_expr,
			redemption_window_ms = excluded.redemption_window_ms,
			sources = excluded.sources`,
		c.ID, c.Sponsor, c.Title, c.EventID, c.Condition, c.RedemptionWindow.Milliseconds(), string(sources), c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save candidate %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLStore) GetCandidate(ctx context.Context, id string) (Candidate, error) {
	var (
		c         Candidate
		windowMs  int64
		sources   string
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sponsor, title, event_id, condition_expr, redemption_window_ms, sources, created_at
		FROM candidates WHERE id = $1`, id,
	).Scan(&c.ID, &c.Sponsor, &c.Title, &c.EventID, &c.Condition, &windowMs, &sources, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Candidate{}, fmt.Errorf("%w: candidate %s", ErrNotFound, id)
	}
	if err != nil {
		return Candidate{}, fmt.Errorf("get candidate %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(sources), &c.Sources); err != nil {
		return Candidate{}, fmt.Errorf("decode sources of %s: %w", id, err)
	}
	c.RedemptionWindow = time.Duration(windowMs) * time.Millisecond
	c.CreatedAt = createdAt.UTC()
	return c, nil
}

const triggerColumns = `id, promotion_id, external_event_id, occurred_at, redemption_window_start,
	redemption_window_end, evidence_ref, created_at`

func (s *SQLStore) RecordTrigger(ctx context.Context, t TriggerEvent) (TriggerEvent, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_events (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (promotion_id, external_event_id) DO NOTHING`,
		t.ID, t.PromotionID, t.ExternalEventID, t.OccurredAt.UTC(), t.RedemptionWindowStart.UTC(),
		t.RedemptionWindowEnd.UTC(), t.EvidenceRef, t.CreatedAt.UTC(),
	)
	if err != nil {
		return TriggerEvent{}, fmt.Errorf("record trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TriggerEvent{}, fmt.Errorf("record trigger: %w", err)
	}
	stored, err := s.TriggerFor(ctx, t.PromotionID, t.ExternalEventID)
	if err != nil {
		return TriggerEvent{}, err
	}
	if n == 0 {
		return stored, fmt.Errorf("%w: %s/%s", ErrDuplicateTrigger, t.PromotionID, t.ExternalEventID)
	}
	return stored, nil
}

func (s *SQLStore) GetTrigger(ctx context.Context, id string) (TriggerEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM trigger_events WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TriggerEvent{}, fmt.Errorf("%w: trigger %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLStore) TriggerFor(ctx context.Context, promotionID, eventID string) (TriggerEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM trigger_events
		WHERE promotion_id = $1 AND external_event_id = $2`, promotionID, eventID)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TriggerEvent{}, fmt.Errorf("%w: trigger for %s/%s", ErrNotFound, promotionID, eventID)
	}
	return t, err
}

func (s *SQLStore) ListTriggers(ctx context.Context, promotionID string) ([]TriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM trigger_events
		WHERE $1 = '' OR promotion_id = $1 ORDER BY created_at, id`, promotionID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TriggerEvent
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(sc scanner) (TriggerEvent, error) {
	var t TriggerEvent
	if err := sc.Scan(&t.ID, &t.PromotionID, &t.ExternalEventID, &t.OccurredAt, &t.RedemptionWindowStart,
		&t.RedemptionWindowEnd, &t.EvidenceRef, &t.CreatedAt); err != nil {
		return TriggerEvent{}, err
	}
	t.OccurredAt = t.OccurredAt.UTC()
	t.RedemptionWindowStart = t.RedemptionWindowStart.UTC()
	t.RedemptionWindowEnd = t.RedemptionWindowEnd.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
