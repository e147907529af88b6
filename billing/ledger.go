/*
ledger.go - Rent obligations and their status transitions

PURPOSE:
  The Ledger materializes monthly rent periods as Payment rows and moves
  them through their lifecycle. A payment is identified by
  (tenant, period start); the store refuses a second row for the same key,
  so every creation path here is safe to repeat.

STATUS MACHINE:
  pending ──► paid
     │
     └─────► cancelled

  paid and cancelled are terminal. Transitions are compare-and-set writes
  on the current status, so two concurrent MarkPaid calls produce one
  success and one ErrAlreadyPaid, and paidAt is never overwritten.

PERIODS:
  period[0] starts at the tenant's anchor (joined date, else creation time).
  Every later period starts where the previous one ended. All stepping runs
  in the ledger's Location so that a period start loaded back from the
  store produces the same next start.

SEE ALSO:
  - sweep.go: bulk materialization up to a horizon
  - tenancy/period.go: AddMonthsKeepDay
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hostel-engine/tenancy"
)

// DefaultUpcomingDays is the window used by Upcoming when days <= 0.
const DefaultUpcomingDays = 30

type Ledger struct {
	Store    tenancy.TxStore
	Logger   *zap.Logger
	Location *time.Location
	Now      func() time.Time
}

func NewLedger(store tenancy.TxStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{Store: store, Logger: logger, Location: time.UTC, Now: time.Now}
}

// =============================================================================
// CREATION
// =============================================================================

// CreateFirstPayment materializes period[0] for the tenant. If it already
// exists the stored payment is returned unchanged.
func (l *Ledger) CreateFirstPayment(ctx context.Context, tenantID tenancy.TenantID) (tenancy.Payment, error) {
	var out tenancy.Payment
	err := l.Store.WithTx(ctx, func(s tenancy.Store) error {
		tenant, err := s.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		p := l.newPayment(tenant, tenancy.PeriodAt(l.anchor(tenant), 0))
		created, err := s.InsertPayment(ctx, p)
		if err != nil {
			return err
		}
		if !created {
			out, err = findByStart(ctx, s, tenantID, p.PeriodStart)
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return tenancy.Payment{}, fmt.Errorf("create first payment for %s: %w", tenantID, err)
	}
	return out, nil
}

// CreateNextPayment materializes the period right after the tenant's latest
// one, or period[0] if there is none.
func (l *Ledger) CreateNextPayment(ctx context.Context, tenantID tenancy.TenantID) (tenancy.Payment, error) {
	var out tenancy.Payment
	err := l.Store.WithTx(ctx, func(s tenancy.Store) error {
		tenant, err := s.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		period, err := l.nextPeriod(ctx, s, tenant)
		if err != nil {
			return err
		}
		p := l.newPayment(tenant, period)
		created, err := s.InsertPayment(ctx, p)
		if err != nil {
			return err
		}
		if !created {
			return tenancy.ErrDuplicatePeriod
		}
		out = p
		return nil
	})
	if err != nil {
		return tenancy.Payment{}, fmt.Errorf("create next payment for %s: %w", tenantID, err)
	}

	l.Logger.Info("payment created",
		zap.String("tenant_id", string(tenantID)),
		zap.Time("period_start", out.PeriodStart))
	return out, nil
}

// nextPeriod is the first period the tenant has no row for.
func (l *Ledger) nextPeriod(ctx context.Context, s tenancy.Store, tenant tenancy.Tenant) (tenancy.Period, error) {
	last, ok, err := s.LatestPayment(ctx, tenant.ID)
	if err != nil {
		return tenancy.Period{}, err
	}
	if !ok {
		return tenancy.PeriodAt(l.anchor(tenant), 0), nil
	}
	return tenancy.MonthlyPeriod(last.PeriodStart.In(l.loc())).Next(), nil
}

func (l *Ledger) anchor(tenant tenancy.Tenant) time.Time {
	return tenant.Anchor().In(l.loc())
}

func (l *Ledger) newPayment(tenant tenancy.Tenant, period tenancy.Period) tenancy.Payment {
	return tenancy.Payment{
		ID:          tenancy.NewPaymentID(),
		TenantID:    tenant.ID,
		Amount:      tenant.Rent,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		DueDate:     period.End,
		Status:      tenancy.PaymentPending,
		CreatedAt:   l.Now(),
	}
}

func (l *Ledger) loc() *time.Location {
	if l.Location == nil {
		return time.UTC
	}
	return l.Location
}

func findByStart(ctx context.Context, s tenancy.Store, tenantID tenancy.TenantID, start time.Time) (tenancy.Payment, error) {
	list, err := s.ListPayments(ctx, tenancy.PaymentFilter{TenantID: &tenantID})
	if err != nil {
		return tenancy.Payment{}, err
	}
	for _, p := range list {
		if p.PeriodStart.Equal(start) {
			return p, nil
		}
	}
	return tenancy.Payment{}, tenancy.NotFound("payment", tenantID)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// MarkPaid moves a pending payment to paid. paidAt defaults to now.
//
// Errors: NotFound, ErrAlreadyPaid (paidAt untouched), ErrTerminalStatus.
func (l *Ledger) MarkPaid(ctx context.Context, id tenancy.PaymentID, paidAt *time.Time) (tenancy.Payment, error) {
	at := l.Now()
	if paidAt != nil {
		at = *paidAt
	}
	p, err := l.transition(ctx, id, tenancy.PaymentPaid, &at)
	if err != nil {
		return tenancy.Payment{}, fmt.Errorf("mark payment %s paid: %w", id, err)
	}
	return p, nil
}

// Cancel moves a pending payment to cancelled.
func (l *Ledger) Cancel(ctx context.Context, id tenancy.PaymentID) (tenancy.Payment, error) {
	p, err := l.transition(ctx, id, tenancy.PaymentCancelled, nil)
	if err != nil {
		return tenancy.Payment{}, fmt.Errorf("cancel payment %s: %w", id, err)
	}
	return p, nil
}

func (l *Ledger) transition(ctx context.Context, id tenancy.PaymentID, to tenancy.PaymentStatus, paidAt *time.Time) (tenancy.Payment, error) {
	var out tenancy.Payment
	err := l.Store.WithTx(ctx, func(s tenancy.Store) error {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return &tenancy.StatusMismatchError{ID: id, Current: p.Status}
		}
		if !p.Status.CanTransitionTo(to) {
			return tenancy.Invalid("status", fmt.Sprintf("cannot move %s payment to %s", p.Status, to))
		}
		if err := s.SetPaymentStatus(ctx, id, p.Status, to, paidAt); err != nil {
			return err
		}
		out, err = s.GetPayment(ctx, id)
		return err
	})
	return out, err
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Payment(ctx context.Context, id tenancy.PaymentID) (tenancy.Payment, error) {
	var p tenancy.Payment
	err := l.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		p, err = s.GetPayment(ctx, id)
		return err
	})
	return p, err
}

func (l *Ledger) Payments(ctx context.Context, f tenancy.PaymentFilter) ([]tenancy.Payment, error) {
	var out []tenancy.Payment
	err := l.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		out, err = s.ListPayments(ctx, f)
		return err
	})
	return out, err
}

// Overdue returns pending payments due at or before asOf.
func (l *Ledger) Overdue(ctx context.Context, asOf time.Time, tenantID *tenancy.TenantID) ([]tenancy.Payment, error) {
	pending := tenancy.PaymentPending
	return l.Payments(ctx, tenancy.PaymentFilter{TenantID: tenantID, Status: &pending, DueTo: &asOf})
}

// Upcoming returns pending payments due after asOf and within days.
func (l *Ledger) Upcoming(ctx context.Context, asOf time.Time, days int, tenantID *tenancy.TenantID) ([]tenancy.Payment, error) {
	if days <= 0 {
		days = DefaultUpcomingDays
	}
	pending := tenancy.PaymentPending
	from := asOf.Add(time.Nanosecond)
	to := asOf.Add(time.Duration(days) * 24 * time.Hour)
	return l.Payments(ctx, tenancy.PaymentFilter{TenantID: tenantID, Status: &pending, DueFrom: &from, DueTo: &to})
}

// Paid returns paid payments, newest first. to includes its whole day.
func (l *Ledger) Paid(ctx context.Context, from, to *time.Time, tenantID *tenancy.TenantID) ([]tenancy.Payment, error) {
	paid := tenancy.PaymentPaid
	f := tenancy.PaymentFilter{TenantID: tenantID, Status: &paid, PaidFrom: from, OrderByPaidDesc: true}
	if to != nil {
		end := tenancy.EndOfDay(*to)
		f.PaidTo = &end
	}
	return l.Payments(ctx, f)
}
