/*
Package postgres provides a PostgreSQL implementation of tenancy.TxStore on
top of a pgx connection pool.

PURPOSE:
  Multi-node deployments share one database. The schema and the conditional
  writes mirror store/sqlite, so the allocation manager and the billing
  sweep behave identically on either backend.

CONCURRENCY:
  Units of work run in READ COMMITTED transactions. Correctness rests on the
  conditional writes, not on the isolation level:
    ClaimBed         UPDATE ... WHERE occupied = FALSE
    FreeBed          UPDATE ... WHERE occupant_id = $2
    SetPaymentStatus UPDATE ... WHERE status = $from
    InsertPayment    INSERT ... ON CONFLICT (tenant_id, period_start) DO NOTHING
  GetBed inside a write transaction takes the row lock (FOR UPDATE), so a
  competing allocation waits for the first one to commit instead of racing
  it. View runs in a READ ONLY transaction.

ERRORS:
  23505 unique_violation      -> Conflict (per constraint)
  23503 foreign_key_violation -> NotFound
  40001, 40P01, class 08,
  57P01 and timeouts          -> Transient

SEE ALSO:
  - store/sqlite: the single-file default backend
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/hostel-engine/tenancy"
)

// PoolConfig holds the pool knobs exposed through configuration.
type PoolConfig struct {
	ConnString      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool builds a pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("conn string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse pgx pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Store implements tenancy.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.pool.Ping(ctx))
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	rent NUMERIC(12,2) NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('Available', 'Full')),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	full_name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	joined_date TIMESTAMPTZ,
	rent NUMERIC(12,2) NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	alloc_bed_id TEXT,
	alloc_room_id TEXT,
	alloc_room_number TEXT,
	alloc_bed_label TEXT,
	alloc_rent NUMERIC(12,2),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(is_active, id);

CREATE TABLE IF NOT EXISTS beds (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id),
	label TEXT NOT NULL,
	position INTEGER NOT NULL,
	occupied BOOLEAN NOT NULL DEFAULT FALSE,
	occupant_id TEXT REFERENCES tenants(id),
	CONSTRAINT beds_occupied_matches CHECK (occupied = (occupant_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_beds_room ON beds(room_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS idx_beds_occupant ON beds(occupant_id) WHERE occupant_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	amount NUMERIC(12,2) NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end TIMESTAMPTZ NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'cancelled')),
	paid_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT payments_tenant_period UNIQUE (tenant_id, period_start)
);

CREATE INDEX IF NOT EXISTS idx_payments_status_due ON payments(status, due_date);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	horizon TIMESTAMPTZ NOT NULL,
	tenants INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
`

// Migrate applies the schema inside one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migrate tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (tenancy.TxStore interface)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tenancy.Store) error) error {
	return s.run(ctx, pgx.TxOptions{}, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(tenancy.Store) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(tenancy.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&ops{tx: tx, readOnly: readOnly}); err != nil {
		return err
	}
	return mapErr("commit", tx.Commit(ctx))
}

// ops implements tenancy.Store inside one pgx transaction.
type ops struct {
	tx       pgx.Tx
	readOnly bool
}

var errReadOnly = errors.New("write attempted in read-only view")

func (o *ops) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	if o.readOnly {
		return 0, errReadOnly
	}
	tag, err := o.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return tag.RowsAffected(), nil
}

func (o *ops) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found bool
	if err := o.tx.QueryRow(ctx, "SELECT EXISTS ("+query+")", args...).Scan(&found); err != nil {
		return false, mapErr("exists", err)
	}
	return found, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01",
			strings.HasPrefix(pgErr.Code, "08"):
			return tenancy.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return tenancy.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func constraintViolation(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isUniqueViolation(err error, constraint string) bool {
	return constraintViolation(err, "23505", constraint)
}

func isForeignKeyViolation(err error) bool {
	return constraintViolation(err, "23503", "")
}
