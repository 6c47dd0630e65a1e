package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// SQLSink persists entries in an append-only audit_log table.
type SQLSink struct {
	db *store.DB
}

func NewSQLSink(db *store.DB) *SQLSink {
	return &SQLSink{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	sequence BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	ts TIMESTAMP NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
)`

// Init creates the table and its immutability triggers.
func (s *SQLSink) Init(ctx context.Context) error {
	if err := s.db.Migrate(ctx, auditSchema); err != nil {
		return err
	}
	return s.db.Migrate(ctx, s.db.ImmutableTable("audit_log")...)
}

func (s *SQLSink) Append(ctx context.Context, e *Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (sequence, id, ts, kind, subject, detail, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Sequence, e.ID, e.Timestamp, string(e.Kind), e.Subject, string(detail), e.PreviousHash, e.EntryHash,
	)
	return err
}

func (s *SQLSink) Load(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, ts, kind, subject, detail, previous_hash, entry_hash
		FROM audit_log ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			e      Entry
			kind   string
			detail string
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Timestamp, &kind, &e.Subject, &detail, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Timestamp = e.Timestamp.UTC()
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of entry %d: %w", e.Sequence, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ Sink = (*SQLSink)(nil)
