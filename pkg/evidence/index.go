package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// Index maps evidence hashes to their records. Insert never overwrites: when
// the hash is already indexed the existing record is returned with
// inserted=false.
type Index interface {
	Insert(ctx context.Context, rec Record) (stored Record, inserted bool, err error)
	Get(ctx context.Context, hash string) (Record, error)
	Stats(ctx context.Context) (count, totalBytes int64, err error)
	// Sample returns up to n records, most recently stored first.
	Sample(ctx context.Context, n int) ([]Record, error)
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (m *MemoryIndex) Insert(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Hash]; ok {
		return existing, false, nil
	}
	rec.Deduplicated = false
	m.records[rec.Hash] = rec
	m.order = append(m.order, rec.Hash)
	return rec, true, nil
}

func (m *MemoryIndex) Get(_ context.Context, hash string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[hash]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return rec, nil
}

func (m *MemoryIndex) Stats(_ context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, rec := range m.records {
		total += rec.SizeBytes
	}
	return int64(len(m.records)), total, nil
}

func (m *MemoryIndex) Sample(_ context.Context, n int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, n)
	for i := len(m.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[m.order[i]])
	}
	return out, nil
}

// SQLIndex stores records in an immutable evidence table. It supports both
// Postgres and SQLite.
type SQLIndex struct {
	db *store.DB
}

func NewSQLIndex(db *store.DB) *SQLIndex {
	return &SQLIndex{db: db}
}

const evidenceSchema = `
CREATE TABLE IF NOT EXISTS evidence (
	hash TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	storage_location TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	stored_at TIMESTAMP NOT NULL,
	locked BOOLEAN NOT NULL DEFAULT TRUE
)`

// Init creates the table and installs the triggers that reject UPDATE and
// DELETE.
func (s *SQLIndex) Init(ctx context.Context) error {
	if err := s.db.Migrate(ctx,
		evidenceSchema,
		`CREATE INDEX IF NOT EXISTS evidence_stored_at_idx ON evidence (stored_at)`,
	); err != nil {
		return err
	}
	return s.db.Migrate(ctx, s.db.ImmutableTable("evidence")...)
}

func (s *SQLIndex) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (hash, algorithm, storage_location, size_bytes, stored_at, locked)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (hash) DO NOTHING`,
		rec.Hash, string(rec.Algorithm), rec.StorageLocation, rec.SizeBytes, rec.StoredAt.UTC(),
	)
	if err != nil {
		if store.IsImmutableViolation(err) {
			return Record{}, false, fmt.Errorf("%w: %v", ErrWORMViolation, err)
		}
		return Record{}, false, fmt.Errorf("index insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, fmt.Errorf("index insert: %w", err)
	}
	stored, err := s.Get(ctx, rec.Hash)
	if err != nil {
		return Record{}, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLIndex) Get(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, algorithm, storage_location, size_bytes, stored_at
		FROM evidence WHERE hash = $1`, hash)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return Record{}, fmt.Errorf("index get: %w", err)
	}
	return rec, nil
}

func (s *SQLIndex) Stats(ctx context.Context) (int64, int64, error) {
	var count, total int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM evidence`).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("index stats: %w", err)
	}
	return count, total, nil
}

func (s *SQLIndex) Sample(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, algorithm, storage_location, size_bytes, stored_at
		FROM evidence ORDER BY stored_at DESC, hash LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("index sample: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec Record
		alg string
		at  time.Time
	)
	if err := sc.Scan(&rec.Hash, &alg, &rec.StorageLocation, &rec.SizeBytes, &at); err != nil {
		return Record{}, err
	}
	rec.Algorithm = hashing.Algorithm(alg)
	rec.StoredAt = at.UTC()
	return rec, nil
}
