package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// SQLBroker keeps jobs in the shared database so they survive restarts and
// can be worked by several processes. Times are stored as unix milliseconds.
type SQLBroker struct {
	db           *store.DB
	historyLimit int
	clock        func() time.Time
}

type SQLOption func(*SQLBroker)

func WithSQLClock(clock func() time.Time) SQLOption {
	return func(b *SQLBroker) { b.clock = clock }
}

func WithSQLHistoryLimit(n int) SQLOption {
	return func(b *SQLBroker) { b.historyLimit = n }
}

func NewSQLBroker(db *store.DB, opts ...SQLOption) *SQLBroker {
	b := &SQLBroker{db: db, historyLimit: DefaultHistoryLimit, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL,
	attempts_made INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	backoff TEXT NOT NULL,
	status TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	run_at BIGINT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	leased_by TEXT NOT NULL DEFAULT '',
	lease_expires_at BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	finished_at BIGINT NOT NULL DEFAULT 0
)`

// Init creates the jobs table. The partial unique index is what collapses
// identical live work across processes.
func (b *SQLBroker) Init(ctx context.Context) error {
	return b.db.Migrate(ctx,
		jobsSchema,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_live_idempotency ON jobs (idempotency_key) WHERE status IN ('waiting', 'active')`,
		`CREATE INDEX IF NOT EXISTS jobs_ready_idx ON jobs (kind, status, priority, run_at)`,
		`CREATE INDEX IF NOT EXISTS jobs_finished_idx ON jobs (kind, status, finished_at)`,
	)
}

const jobColumns = `id, kind, payload, priority, attempts_made, max_attempts, backoff, status,
	idempotency_key, run_at, last_error, leased_by, lease_expires_at, created_at, updated_at, finished_at`

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (b *SQLBroker) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if !job.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	backoff, err := json.Marshal(job.Backoff)
	if err != nil {
		return nil, fmt.Errorf("queue: encode backoff: %w", err)
	}

	// The live job holding the key may finish between the insert and the
	// read-back; try again in that case.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := b.db.ExecContext(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', 0, $12, $13, 0)
			ON CONFLICT DO NOTHING`,
			job.ID, string(job.Kind), string(payload), job.Priority, job.AttemptsMade, job.MaxAttempts,
			string(backoff), string(StatusWaiting), job.IdempotencyKey, millis(job.RunAt), job.LastError,
			millis(job.CreatedAt), millis(job.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue: %w", err)
		}
		if n == 1 {
			return b.Get(ctx, job.ID)
		}

		existing, err := b.live(ctx, job.IdempotencyKey)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		existing.Deduplicated = true
		return existing, nil
	}
	return nil, fmt.Errorf("queue: enqueue %s: idempotency key kept changing hands", job.ID)
}

func (b *SQLBroker) live(ctx context.Context, key string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = $1 AND status IN ('waiting', 'active')`, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrJobNotFound, key)
	}
	return j, err
}

func (b *SQLBroker) Lease(ctx context.Context, kind Kind, worker string, ttl time.Duration) (*Job, error) {
	now := b.clock()
	pick := `SELECT id FROM jobs WHERE kind = $4 AND status = 'waiting' AND run_at <= $5
		ORDER BY priority, run_at, created_at, id LIMIT 1`
	if b.db.Dialect == store.Postgres {
		pick += ` FOR UPDATE SKIP LOCKED`
	}

	var id string
	err := b.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'active', leased_by = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = (`+pick+`) AND status = 'waiting'
		RETURNING id`,
		worker, millis(now.Add(ttl)), millis(now), string(kind), millis(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}
	return b.Get(ctx, id)
}

// settle applies an update to a job that worker must still hold.
func (b *SQLBroker) settle(ctx context.Context, id, worker, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: update %s: %w", id, err)
	}
	if n == 0 {
		j, err := b.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s (leased by %q, not %q)", ErrLeaseLost, id, j.Status, j.LeasedBy, worker)
	}
	return nil
}

func (b *SQLBroker) Complete(ctx context.Context, id, worker string) error {
	now := millis(b.clock())
	err := b.settle(ctx, id, worker, `
		UPDATE jobs SET status = 'completed', leased_by = '', lease_expires_at = 0,
			updated_at = $1, finished_at = $1
		WHERE id = $2 AND status = 'active' AND leased_by = $3`,
		now, id, worker)
	if err != nil {
		return err
	}
	return b.trim(ctx, id)
}

// trim keeps the most recent completed jobs of the same kind as id.
func (b *SQLBroker) trim(ctx context.Context, id string) error {
	if b.historyLimit <= 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'completed'
		AND kind = (SELECT kind FROM jobs WHERE id = $1)
		AND id NOT IN (
			SELECT id FROM jobs WHERE status = 'completed'
			AND kind = (SELECT kind FROM jobs WHERE id = $1)
			ORDER BY finished_at DESC, id DESC LIMIT $2
		)`, id, b.historyLimit)
	if err != nil {
		return fmt.Errorf("queue: trim history: %w", err)
	}
	return nil
}

func (b *SQLBroker) Fail(ctx context.Context, id, worker string, f Failure) error {
	now := millis(b.clock())
	if f.Dead() {
		return b.settle(ctx, id, worker, `
			UPDATE jobs SET status = 'failed', attempts_made = attempts_made + 1, last_error = $1,
				leased_by = '', lease_expires_at = 0, updated_at = $2, finished_at = $2
			WHERE id = $3 AND status = 'active' AND leased_by = $4`,
			f.Err, now, id, worker)
	}
	return b.settle(ctx, id, worker, `
		UPDATE jobs SET status = 'waiting', attempts_made = attempts_made + 1, last_error = $1,
			leased_by = '', lease_expires_at = 0, updated_at = $2, run_at = $3
		WHERE id = $4 AND status = 'active' AND leased_by = $5`,
		f.Err, now, millis(f.RetryAt), id, worker)
}

func (b *SQLBroker) Remove(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND status = 'waiting'`, id)
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	if n == 0 {
		j, err := b.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s", ErrNotRemovable, id, j.Status)
	}
	return nil
}

func (b *SQLBroker) Get(ctx context.Context, id string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return j, nil
}

func (b *SQLBroker) Stats(ctx context.Context, kind Kind) (Stats, error) {
	s := Stats{Kind: kind}
	rows, err := b.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(CASE WHEN run_at > $2 THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE kind = $1 GROUP BY status`, string(kind), millis(b.clock()))
	if err != nil {
		return s, fmt.Errorf("queue: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status         string
			count, delayed int64
		)
		if err := rows.Scan(&status, &count, &delayed); err != nil {
			return s, fmt.Errorf("queue: stats: %w", err)
		}
		switch Status(status) {
		case StatusWaiting:
			s.Waiting = count
			s.Delayed = delayed
		case StatusActive:
			s.Active = count
		case StatusCompleted:
			s.Completed = count
		case StatusFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

func (b *SQLBroker) History(ctx context.Context, kind Kind, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = b.historyLimit
	}
	rows, err := b.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE kind = $1 AND status = $2 ORDER BY finished_at DESC, id DESC LIMIT $3`,
		string(kind), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: history: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *SQLBroker) RecoverExpired(ctx context.Context, kind Kind) ([]*Job, error) {
	now := millis(b.clock())
	dead, err := b.recover(ctx, `
		UPDATE jobs SET status = 'failed', attempts_made = attempts_made + 1, last_error = $1,
			leased_by = '', lease_expires_at = 0, updated_at = $2, finished_at = $2
		WHERE kind = $3 AND status = 'active' AND lease_expires_at <= $2 AND attempts_made + 1 >= max_attempts
		RETURNING `+jobColumns,
		leaseExpiredError, now, string(kind))
	if err != nil {
		return nil, err
	}
	retried, err := b.recover(ctx, `
		UPDATE jobs SET status = 'waiting', attempts_made = attempts_made + 1, last_error = $1,
			leased_by = '', lease_expires_at = 0, updated_at = $2, run_at = $2
		WHERE kind = $3 AND status = 'active' AND lease_expires_at <= $2
		RETURNING `+jobColumns,
		leaseExpiredError, now, string(kind))
	if err != nil {
		return nil, err
	}
	return append(dead, retried...), nil
}

func (b *SQLBroker) recover(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: recover expired: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: recover expired: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		j                              Job
		kind, payload, backoff, status string
		runAt, leaseExp                int64
		created, updated, finished     int64
	)
	if err := sc.Scan(&j.ID, &kind, &payload, &j.Priority, &j.AttemptsMade, &j.MaxAttempts, &backoff, &status,
		&j.IdempotencyKey, &runAt, &j.LastError, &j.LeasedBy, &leaseExp, &created, &updated, &finished); err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	p, err := DecodePayload(j.Kind, []byte(payload))
	if err != nil {
		return nil, err
	}
	j.Payload = p
	if err := json.Unmarshal([]byte(backoff), &j.Backoff); err != nil {
		return nil, fmt.Errorf("queue: decode backoff: %w", err)
	}
	j.RunAt = fromMillis(runAt)
	j.LeaseExpiresAt = fromMillis(leaseExp)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.FinishedAt = fromMillis(finished)
	return &j, nil
}
