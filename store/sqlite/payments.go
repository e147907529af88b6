package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, tenant_id, amount, period_start, period_end, due_date, status, paid_at, created_at`

// InsertPayment inserts p unless the (tenant, period start) row exists.
func (o *ops) InsertPayment(ctx context.Context, p tenancy.Payment) (bool, error) {
	n, err := o.exec(ctx, "insert payment", `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, period_start) DO NOTHING`,
		p.ID, p.TenantID, p.Amount.String(),
		formatTime(p.PeriodStart), formatTime(p.PeriodEnd), formatTime(p.DueDate),
		p.Status, nullTime(p.PaidAt), formatTime(p.CreatedAt),
	)
	if isForeignKeyViolation(err) {
		return false, tenancy.NotFound("tenant", p.TenantID)
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o *ops) GetPayment(ctx context.Context, id tenancy.PaymentID) (tenancy.Payment, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Payment{}, tenancy.NotFound("payment", id)
	}
	return p, err
}

func (o *ops) LatestPayment(ctx context.Context, tenantID tenancy.TenantID) (tenancy.Payment, bool, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = ?
		ORDER BY period_start DESC LIMIT 1`, tenantID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Payment{}, false, nil
	}
	if err != nil {
		return tenancy.Payment{}, false, err
	}
	return p, true, nil
}

func (o *ops) PaymentExists(ctx context.Context, tenantID tenancy.TenantID, periodStart time.Time) (bool, error) {
	return o.exists(ctx, `SELECT 1 FROM payments WHERE tenant_id = ? AND period_start = ?`,
		tenantID, formatTime(periodStart))
}

func (o *ops) SetPaymentStatus(ctx context.Context, id tenancy.PaymentID, from, to tenancy.PaymentStatus, paidAt *time.Time) error {
	n, err := o.exec(ctx, "set payment status", `
		UPDATE payments SET status = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		to, nullTime(paidAt), id, from,
	)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := o.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return &tenancy.StatusMismatchError{ID: id, Current: cur.Status}
}

func (o *ops) ListPayments(ctx context.Context, f tenancy.PaymentFilter) ([]tenancy.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		query += " AND " + clause
		args = append(args, v)
	}
	if f.TenantID != nil {
		add("tenant_id = ?", *f.TenantID)
	}
	if f.Status != nil {
		add("status = ?", *f.Status)
	}
	if f.DueFrom != nil {
		add("due_date >= ?", formatTime(*f.DueFrom))
	}
	if f.DueTo != nil {
		add("due_date <= ?", formatTime(*f.DueTo))
	}
	if f.PaidFrom != nil {
		add("paid_at >= ?", formatTime(*f.PaidFrom))
	}
	if f.PaidTo != nil {
		add("paid_at <= ?", formatTime(*f.PaidTo))
	}
	if f.OrderByPaidDesc {
		query += " ORDER BY paid_at DESC"
	} else {
		query += " ORDER BY due_date ASC, tenant_id ASC"
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list payments", err)
	}
	defer rows.Close()

	var out []tenancy.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr("list payments", rows.Err())
}

func scanPayment(row rowScanner) (tenancy.Payment, error) {
	var (
		p                                  tenancy.Payment
		amount, start, end, due, createdAt string
		paidAt                             sql.NullString
	)
	err := row.Scan(&p.ID, &p.TenantID, &amount, &start, &end, &due, &p.Status, &paidAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, mapErr("scan payment", err)
	}

	if p.Amount, err = parseDecimal(amount); err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&p.PeriodStart, start}, {&p.PeriodEnd, end}, {&p.DueDate, due}, {&p.CreatedAt, createdAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return p, err
		}
	}
	if p.PaidAt, err = parseNullTime(paidAt); err != nil {
		return p, err
	}
	return p, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (o *ops) SaveSweepRun(ctx context.Context, r tenancy.SweepRun) error {
	_, err := o.exec(ctx, "save sweep run", `
		INSERT INTO sweep_runs (id, started_at, completed_at, horizon, tenants, created, failed, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = excluded.completed_at,
			tenants = excluded.tenants,
			created = excluded.created,
			failed = excluded.failed,
			status = excluded.status,
			error = excluded.error`,
		r.ID, formatTime(r.StartedAt), nullTime(r.CompletedAt), formatTime(r.Horizon),
		r.Tenants, r.Created, r.Failed, r.Status, r.Error,
	)
	return err
}

func (o *ops) ListSweepRuns(ctx context.Context, limit int) ([]tenancy.SweepRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, started_at, completed_at, horizon, tenants, created, failed, status, error
		FROM sweep_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr("list sweep runs", err)
	}
	defer rows.Close()

	var runs []tenancy.SweepRun
	for rows.Next() {
		var (
			r                tenancy.SweepRun
			started, horizon string
			completed        sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &completed, &horizon,
			&r.Tenants, &r.Created, &r.Failed, &r.Status, &r.Error); err != nil {
			return nil, mapErr("scan sweep run", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.Horizon, err = parseTime(horizon); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, mapErr("list sweep runs", rows.Err())
}
