// Package store opens the relational database shared by the evidence index,
// the job broker and the promotion stores. Postgres is used when a
// DATABASE_URL is configured; otherwise an SQLite file under the data
// directory backs everything (lite mode).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the few statements that differ between backends.
// Queries otherwise use $N placeholders, which both drivers accept.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap pairs an existing handle with a dialect. Used by tests with sqlmock.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Open connects to Postgres when databaseURL is set and falls back to an
// SQLite file in dataDir otherwise.
func Open(ctx context.Context, databaseURL, dataDir string) (*DB, error) {
	logger := slog.Default().With("component", "store")
	if databaseURL == "" {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path := filepath.Join(dataDir, "promoverify.db")
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
		return OpenSQLite(ctx, path)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	logger.InfoContext(ctx, "postgres: connected")
	return &DB{DB: db, Dialect: Postgres}, nil
}

// OpenSQLite opens an SQLite database at path. ":memory:" yields a private
// in-memory database.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; also keeps a ":memory:" database on a single
	// connection so every query sees the same data.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// Migrate executes each statement in order.
func (d *DB) Migrate(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ImmutableTable returns the statements that make table reject every UPDATE
// and DELETE at the database level.
func (d *DB) ImmutableTable(table string) []string {
	msg := table + " rows are write-once"
	if d.Dialect == Postgres {
		fn := table + "_worm_guard"
		return []string{
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '%s';
END;
$$ LANGUAGE plpgsql`, fn, msg),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_immutable ON %s`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_immutable BEFORE UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s()`, table, table, fn),
		}
	}
	return []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_update BEFORE UPDATE ON %s
BEGIN SELECT RAISE(ABORT, '%s'); END`, table, table, msg),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_delete BEFORE DELETE ON %s
BEGIN SELECT RAISE(ABORT, '%s'); END`, table, table, msg),
	}
}

// IsImmutableViolation reports whether err came from an ImmutableTable guard.
func IsImmutableViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "rows are write-once")
}
