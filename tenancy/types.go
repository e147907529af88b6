/*
Package tenancy provides the core model of the hostel engine.

PURPOSE:
  This package contains the entities, identifiers, error taxonomy and
  persistence contracts shared by the allocation and billing packages.
  Nothing in here talks to a database directly; stores live under store/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Room: a container of beds with a derived occupancy status
  - Bed: an allocatable unit, permanently bound to one room
  - Tenant: a resident profile with an optional cached allocation
  - Payment: one month of rent, identified by (tenant, period start)

DESIGN PRINCIPLES:
  1. Derived state is never client-set: Room.Status is recomputed by the
     allocation manager inside the same unit of work as the bed change.
  2. Precision: rent uses decimal.Decimal, never float64.
  3. Type safety: distinct ID types prevent mixing bed and room IDs.
  4. Closed status variants: PaymentStatus only moves pending→paid or
     pending→cancelled.

SEE ALSO:
  - period.go: calendar month stepping used for billing periods
  - errors.go: NotFound / Conflict / Validation / Transient taxonomy
  - store.go: Store and TxStore contracts
*/
package tenancy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	RoomID    string
	BedID     string
	TenantID  string
	PaymentID string
	SweepID   string
)

// NewRoomID and friends mint random identifiers.
func NewRoomID() RoomID       { return RoomID(uuid.NewString()) }
func NewBedID() BedID         { return BedID(uuid.NewString()) }
func NewTenantID() TenantID   { return TenantID(uuid.NewString()) }
func NewPaymentID() PaymentID { return PaymentID(uuid.NewString()) }
func NewSweepID() SweepID     { return SweepID(uuid.NewString()) }

// =============================================================================
// ROOM & BED
// =============================================================================

type RoomStatus string

const (
	RoomAvailable RoomStatus = "Available"
	RoomFull      RoomStatus = "Full"
)

// StatusForFreeBeds derives the room status from its number of free beds.
func StatusForFreeBeds(free int) RoomStatus {
	if free == 0 {
		return RoomFull
	}
	return RoomAvailable
}

// Room is a container of beds. BedIDs keeps creation order.
type Room struct {
	ID        RoomID
	Number    string
	Rent      decimal.Decimal
	BedIDs    []BedID
	Status    RoomStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bed belongs to exactly one room for its whole life.
type Bed struct {
	ID         BedID
	Label      string
	RoomID     RoomID
	Occupied   bool
	OccupantID *TenantID
}

// =============================================================================
// TENANT
// =============================================================================

// Allocation is the tenant-side copy of the bed it occupies.
// It is a cache of canonical Bed/Room state kept for display; the bed row is
// the source of truth and the cache is rewritten in the same transaction.
type Allocation struct {
	BedID      BedID
	RoomID     RoomID
	RoomNumber string
	BedLabel   string
	Rent       decimal.Decimal
}

type Tenant struct {
	ID         TenantID
	FullName   string
	Phone      string
	JoinedDate *time.Time
	Rent       decimal.Decimal
	IsActive   bool
	Allocation *Allocation
	CreatedAt  time.Time
}

// Anchor is the date all billing periods of the tenant are stepped from.
func (t Tenant) Anchor() time.Time {
	if t.JoinedDate != nil && !t.JoinedDate.IsZero() {
		return *t.JoinedDate
	}
	return t.CreatedAt
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentCancelled PaymentStatus = "cancelled"
)

// ParsePaymentStatus converts a stored or client-supplied string.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentPending, PaymentPaid, PaymentCancelled:
		return PaymentStatus(s), nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown payment status " + s}
}

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentPaid || s == PaymentCancelled
}

// CanTransitionTo reports whether s -> next is a legal transition.
// Only pending -> paid and pending -> cancelled exist.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return s == PaymentPending && (next == PaymentPaid || next == PaymentCancelled)
}

// Payment is one month of rent for one tenant over [PeriodStart, PeriodEnd).
type Payment struct {
	ID          PaymentID
	TenantID    TenantID
	Amount      decimal.Decimal
	PeriodStart time.Time
	PeriodEnd   time.Time
	DueDate     time.Time
	Status      PaymentStatus
	PaidAt      *time.Time
	CreatedAt   time.Time
}

// Period returns the half-open billing period of the payment.
func (p Payment) Period() Period {
	return Period{Start: p.PeriodStart, End: p.PeriodEnd}
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepFailed    SweepStatus = "failed"
)

// SweepRun records one execution of the billing sweep.
type SweepRun struct {
	ID          SweepID
	StartedAt   time.Time
	CompletedAt *time.Time
	Horizon     time.Time
	Tenants     int
	Created     int
	Failed      int
	Status      SweepStatus
	Error       string
}
