/*
Package sqlite provides a SQLite-backed implementation of tenancy.TxStore.

PURPOSE:
  Default persistent store for the hostel engine. A single file holds
  rooms, beds, tenants, payments and sweep runs. The same schema and
  conditional writes are mirrored by store/postgres for multi-node setups.

KEY TABLES:
  rooms:      number is UNIQUE
  beds:       occupant_id has a partial UNIQUE index (one bed per tenant),
              CHECK keeps occupied and occupant_id in agreement
  tenants:    profile plus the cached allocation columns (alloc_*)
  payments:   UNIQUE (tenant_id, period_start)
  sweep_runs: one row per billing sweep

CONDITIONAL WRITES:
  ClaimBed:         UPDATE ... WHERE id = ? AND occupied = 0
  FreeBed:          UPDATE ... WHERE id = ? AND occupant_id = ?
  SetPaymentStatus: UPDATE ... WHERE id = ? AND status = ?
  InsertPayment:    INSERT ... ON CONFLICT (tenant_id, period_start) DO NOTHING
  When no row is affected the current row is read back to tell NotFound
  from Conflict.

TIME ENCODING:
  Timestamps are stored as fixed-width UTC text (nanosecond precision), so
  lexical order equals chronological order and period starts round-trip to
  the identical instant. Decimals are stored as TEXT.

CONCURRENCY:
  Units of work are serialized by a sync.RWMutex and opened with
  BEGIN IMMEDIATE (_txlock=immediate), so a writer holds the database lock
  from its first statement. Lock contention from other processes
  (SQLITE_BUSY / SQLITE_LOCKED) is reported as tenancy.ErrTransient.

USAGE:
  store, err := sqlite.New("./data/hostel.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - tenancy/store.go: Interface definitions
  - tenancy/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/hostel-engine/tenancy"
)

// Store implements tenancy.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := Open(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open wraps an existing handle without migrating.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.db.PingContext(ctx))
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	rent TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('Available', 'Full')),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	full_name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	joined_date TEXT,
	rent TEXT NOT NULL DEFAULT '0',
	is_active INTEGER NOT NULL DEFAULT 1,
	alloc_bed_id TEXT,
	alloc_room_id TEXT,
	alloc_room_number TEXT,
	alloc_bed_label TEXT,
	alloc_rent TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(is_active, id);

CREATE TABLE IF NOT EXISTS beds (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id),
	label TEXT NOT NULL,
	position INTEGER NOT NULL,
	occupied INTEGER NOT NULL DEFAULT 0,
	occupant_id TEXT REFERENCES tenants(id),
	CHECK ((occupied = 1) = (occupant_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_beds_room ON beds(room_id, position);

-- A tenant occupies at most one bed.
CREATE UNIQUE INDEX IF NOT EXISTS idx_beds_occupant
	ON beds(occupant_id) WHERE occupant_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	amount TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	due_date TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'cancelled')),
	paid_at TEXT,
	created_at TEXT NOT NULL,
	UNIQUE (tenant_id, period_start)
);

CREATE INDEX IF NOT EXISTS idx_payments_status_due ON payments(status, due_date);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	horizon TEXT NOT NULL,
	tenants INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
`

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (tenancy.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tenancy.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&ops{q: sqlTx}); err != nil {
		return err
	}
	return mapErr("commit", sqlTx.Commit())
}

// View executes fn outside a write transaction. Writes are rejected.
func (s *Store) View(ctx context.Context, fn func(tenancy.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&ops{q: s.db, readOnly: true})
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops implements tenancy.Store on top of a querier. It never takes the
// Store mutex; the caller (WithTx or View) already holds it.
type ops struct {
	q        querier
	readOnly bool
}

var errReadOnly = errors.New("write attempted in read-only view")

func (o *ops) writable() error {
	if o.readOnly {
		return errReadOnly
	}
	return nil
}

func (o *ops) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	if err := o.writable(); err != nil {
		return 0, err
	}
	res, err := o.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(op, err)
	}
	return n, nil
}

func (o *ops) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := o.q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr("exists", err)
	}
	return true, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapErr translates driver errors into the tenancy error kinds.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return tenancy.Transient(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tenancy.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return column == "" || strings.Contains(se.Error(), column)
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored decimal %q: %w", s, err)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}
