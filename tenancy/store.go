/*
store.go - Persistence contracts for rooms, beds, tenants and payments

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Operations available inside a unit of work
  TxStore: Opens units of work (read-write WithTx, read-only View)

UNIT OF WORK:
  Every multi-entity mutation (allocate, release, reallocate, room
  create/update/delete) runs inside a single WithTx call. If fn returns an
  error the transaction is rolled back and no intermediate state is ever
  observable. If fn returns nil the transaction is committed.

CONDITIONAL WRITES:
  ClaimBed, FreeBed and SetPaymentStatus are compare-and-set operations.
  They are the serialization point for concurrent callers: of two racing
  claims on the same free bed exactly one succeeds, the other gets
  ErrBedOccupied.

IDEMPOTENCY:
  InsertPayment is "insert if absent" on (tenant, period start). A second
  insert for the same key reports created=false instead of failing, which
  makes the billing sweep safe to re-run and safe to run concurrently.

IMPLEMENTATIONS:
  - tenancy/store/memory.go: In-memory for tests and local runs
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - allocation/manager.go: main WithTx consumer
  - billing/sweep.go: uses ActiveTenants pagination and InsertPayment
*/
package tenancy

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Operations inside a unit of work
// =============================================================================

// Store is the set of operations available inside a unit of work.
// Lookups of missing rows return a *NotFoundError.
type Store interface {
	// Rooms
	InsertRoom(ctx context.Context, room Room) error // ErrDuplicateRoomNumber
	UpdateRoom(ctx context.Context, room Room) error // scalar fields + bed order
	GetRoom(ctx context.Context, id RoomID) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	SetRoomStatus(ctx context.Context, id RoomID, status RoomStatus) error
	DeleteRoom(ctx context.Context, id RoomID) error

	// Beds
	InsertBed(ctx context.Context, bed Bed) error
	GetBed(ctx context.Context, id BedID) (Bed, error)
	ListBeds(ctx context.Context, filter BedFilter) ([]Bed, error)
	CountFreeBeds(ctx context.Context, roomID RoomID) (int, error)
	// ClaimBed marks a free bed occupied by tenantID. ErrBedOccupied if taken.
	ClaimBed(ctx context.Context, id BedID, tenantID TenantID) error
	// FreeBed clears a bed occupied by tenantID. ErrOccupantMismatch otherwise.
	FreeBed(ctx context.Context, id BedID, tenantID TenantID) error
	DeleteBedsByRoom(ctx context.Context, roomID RoomID) error

	// Tenants
	InsertTenant(ctx context.Context, tenant Tenant) error
	// UpdateTenant writes the profile fields (name, phone, joined date,
	// active flag). Allocation and rent are only changed via
	// SetTenantAllocation.
	UpdateTenant(ctx context.Context, tenant Tenant) error
	GetTenant(ctx context.Context, id TenantID) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	// SetTenantAllocation rewrites the cached allocation and the tenant's
	// rent from it; nil clears both.
	SetTenantAllocation(ctx context.Context, id TenantID, alloc *Allocation) error
	// ActiveTenants returns up to limit active tenants with ID > after,
	// ordered by ID. Pass "" to start from the beginning.
	ActiveTenants(ctx context.Context, after TenantID, limit int) ([]Tenant, error)

	// Payments
	// InsertPayment inserts p unless (p.TenantID, p.PeriodStart) exists.
	InsertPayment(ctx context.Context, p Payment) (created bool, err error)
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	// LatestPayment returns the payment with the greatest PeriodStart.
	LatestPayment(ctx context.Context, tenantID TenantID) (Payment, bool, error)
	PaymentExists(ctx context.Context, tenantID TenantID, periodStart time.Time) (bool, error)
	// SetPaymentStatus moves a payment from `from` to `to` only if it is
	// currently in `from`. Returns the current status on mismatch via
	// StatusMismatchError.
	SetPaymentStatus(ctx context.Context, id PaymentID, from, to PaymentStatus, paidAt *time.Time) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)

	// Sweep runs
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore opens units of work.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// View executes fn with read-only access.
	View(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

type BedFilter struct {
	RoomID   *RoomID
	FreeOnly bool
}

// PaymentFilter selects payments. Zero fields do not filter. Date ranges are
// inclusive on both ends.
type PaymentFilter struct {
	TenantID *TenantID
	Status   *PaymentStatus
	DueFrom  *time.Time
	DueTo    *time.Time
	PaidFrom *time.Time
	PaidTo   *time.Time
	// OrderByPaidDesc sorts by PaidAt descending; default is DueDate ascending.
	OrderByPaidDesc bool
}

// StatusMismatchError is returned by SetPaymentStatus when the payment is not
// in the expected state.
type StatusMismatchError struct {
	ID      PaymentID
	Current PaymentStatus
}

func (e *StatusMismatchError) Error() string {
	return "payment " + string(e.ID) + " is " + string(e.Current)
}

func (e *StatusMismatchError) Unwrap() error {
	if e.Current == PaymentPaid {
		return ErrAlreadyPaid
	}
	return ErrTerminalStatus
}
