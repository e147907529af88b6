package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// ROOMS
// =============================================================================

const roomColumns = `id, number, rent::text, status, created_at, updated_at`

func (o *ops) InsertRoom(ctx context.Context, room tenancy.Room) error {
	_, err := o.exec(ctx, "insert room", `
		INSERT INTO rooms (id, number, rent, status, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		room.ID, room.Number, room.Rent.String(), room.Status, room.CreatedAt, room.UpdatedAt)
	if isUniqueViolation(err, "rooms_number_key") {
		return tenancy.ErrDuplicateRoomNumber
	}
	return err
}

func (o *ops) UpdateRoom(ctx context.Context, room tenancy.Room) error {
	n, err := o.exec(ctx, "update room", `
		UPDATE rooms SET number = $2, rent = $3::numeric, status = $4, updated_at = $5
		WHERE id = $1`,
		room.ID, room.Number, room.Rent.String(), room.Status, room.UpdatedAt)
	if isUniqueViolation(err, "rooms_number_key") {
		return tenancy.ErrDuplicateRoomNumber
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("room", room.ID)
	}
	return nil
}

func (o *ops) GetRoom(ctx context.Context, id tenancy.RoomID) (tenancy.Room, error) {
	room, err := scanRoom(o.tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.Room{}, tenancy.NotFound("room", id)
	}
	if err != nil {
		return tenancy.Room{}, mapErr("get room", err)
	}
	ids, err := o.bedIDs(ctx, `WHERE room_id = $1`, id)
	if err != nil {
		return tenancy.Room{}, err
	}
	room.BedIDs = ids[id]
	return room, nil
}

func (o *ops) ListRooms(ctx context.Context) ([]tenancy.Room, error) {
	rows, err := o.tx.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY number`)
	if err != nil {
		return nil, mapErr("list rooms", err)
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenancy.Room, error) {
		return scanRoom(row)
	})
	if err != nil {
		return nil, mapErr("list rooms", err)
	}
	ids, err := o.bedIDs(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].BedIDs = ids[rooms[i].ID]
	}
	return rooms, nil
}

func (o *ops) bedIDs(ctx context.Context, where string, args ...any) (map[tenancy.RoomID][]tenancy.BedID, error) {
	rows, err := o.tx.Query(ctx, `SELECT room_id, id FROM beds `+where+` ORDER BY room_id, position`, args...)
	if err != nil {
		return nil, mapErr("list bed ids", err)
	}
	defer rows.Close()

	out := make(map[tenancy.RoomID][]tenancy.BedID)
	for rows.Next() {
		var (
			roomID tenancy.RoomID
			bedID  tenancy.BedID
		)
		if err := rows.Scan(&roomID, &bedID); err != nil {
			return nil, mapErr("scan bed id", err)
		}
		out[roomID] = append(out[roomID], bedID)
	}
	return out, mapErr("list bed ids", rows.Err())
}

func (o *ops) SetRoomStatus(ctx context.Context, id tenancy.RoomID, status tenancy.RoomStatus) error {
	n, err := o.exec(ctx, "set room status", `UPDATE rooms SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("room", id)
	}
	return nil
}

func (o *ops) DeleteRoom(ctx context.Context, id tenancy.RoomID) error {
	n, err := o.exec(ctx, "delete room", `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("room", id)
	}
	return nil
}

func scanRoom(row pgx.Row) (tenancy.Room, error) {
	var (
		r    tenancy.Room
		rent string
	)
	if err := row.Scan(&r.ID, &r.Number, &rent, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	var err error
	r.Rent, err = decimal.NewFromString(rent)
	return r, err
}

// =============================================================================
// BEDS
// =============================================================================

const bedColumns = `id, room_id, label, occupied, occupant_id`

func (o *ops) InsertBed(ctx context.Context, bed tenancy.Bed) error {
	_, err := o.exec(ctx, "insert bed", `
		INSERT INTO beds (id, room_id, label, position, occupied, occupant_id)
		SELECT $1, $2, $3, COALESCE(MAX(position) + 1, 0), $4, $5
		FROM beds WHERE room_id = $2`,
		bed.ID, bed.RoomID, bed.Label, bed.Occupied, bed.OccupantID)
	if isForeignKeyViolation(err) {
		return tenancy.NotFound("room", bed.RoomID)
	}
	return err
}

// GetBed locks the row when called from a write transaction.
func (o *ops) GetBed(ctx context.Context, id tenancy.BedID) (tenancy.Bed, error) {
	query := `SELECT ` + bedColumns + ` FROM beds WHERE id = $1`
	if !o.readOnly {
		query += ` FOR UPDATE`
	}
	b, err := scanBed(o.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.Bed{}, tenancy.NotFound("bed", id)
	}
	return b, mapErr("get bed", err)
}

func (o *ops) ListBeds(ctx context.Context, f tenancy.BedFilter) ([]tenancy.Bed, error) {
	var (
		w    where
		args []any
	)
	if f.RoomID != nil {
		w.add("room_id = $%d", &args, *f.RoomID)
	}
	if f.FreeOnly {
		w.clauses = append(w.clauses, "occupied = FALSE")
	}
	rows, err := o.tx.Query(ctx, `SELECT `+bedColumns+` FROM beds`+w.String()+` ORDER BY room_id, position`, args...)
	if err != nil {
		return nil, mapErr("list beds", err)
	}
	beds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenancy.Bed, error) {
		return scanBed(row)
	})
	return beds, mapErr("list beds", err)
}

func (o *ops) CountFreeBeds(ctx context.Context, roomID tenancy.RoomID) (int, error) {
	var n int
	err := o.tx.QueryRow(ctx, `SELECT COUNT(*) FROM beds WHERE room_id = $1 AND occupied = FALSE`, roomID).Scan(&n)
	return n, mapErr("count free beds", err)
}

func (o *ops) ClaimBed(ctx context.Context, id tenancy.BedID, tenantID tenancy.TenantID) error {
	n, err := o.exec(ctx, "claim bed", `
		UPDATE beds SET occupied = TRUE, occupant_id = $2
		WHERE id = $1 AND occupied = FALSE`, id, tenantID)
	switch {
	case isUniqueViolation(err, "idx_beds_occupant"):
		return tenancy.ErrTenantAllocated
	case isForeignKeyViolation(err):
		return tenancy.NotFound("tenant", tenantID)
	case err != nil:
		return err
	case n == 1:
		return nil
	}
	found, err := o.exists(ctx, `SELECT 1 FROM beds WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if !found {
		return tenancy.NotFound("bed", id)
	}
	return tenancy.ErrBedOccupied
}

func (o *ops) FreeBed(ctx context.Context, id tenancy.BedID, tenantID tenancy.TenantID) error {
	n, err := o.exec(ctx, "free bed", `
		UPDATE beds SET occupied = FALSE, occupant_id = NULL
		WHERE id = $1 AND occupant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	found, err := o.exists(ctx, `SELECT 1 FROM beds WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if !found {
		return tenancy.NotFound("bed", id)
	}
	return tenancy.ErrOccupantMismatch
}

func (o *ops) DeleteBedsByRoom(ctx context.Context, roomID tenancy.RoomID) error {
	_, err := o.exec(ctx, "delete beds", `DELETE FROM beds WHERE room_id = $1`, roomID)
	return err
}

func scanBed(row pgx.Row) (tenancy.Bed, error) {
	var b tenancy.Bed
	err := row.Scan(&b.ID, &b.RoomID, &b.Label, &b.Occupied, &b.OccupantID)
	return b, err
}

// =============================================================================
// TENANTS
// =============================================================================

const tenantColumns = `id, full_name, phone, joined_date, rent::text, is_active,
	alloc_bed_id, alloc_room_id, alloc_room_number, alloc_bed_label, alloc_rent::text, created_at`

func (o *ops) InsertTenant(ctx context.Context, t tenancy.Tenant) error {
	a := allocArgs(t.Allocation)
	_, err := o.exec(ctx, "insert tenant", `
		INSERT INTO tenants (id, full_name, phone, joined_date, rent, is_active,
			alloc_bed_id, alloc_room_id, alloc_room_number, alloc_bed_label, alloc_rent, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11::numeric, $12)`,
		t.ID, t.FullName, t.Phone, t.JoinedDate, t.Rent.String(), t.IsActive,
		a[0], a[1], a[2], a[3], a[4], t.CreatedAt)
	if isUniqueViolation(err, "tenants_pkey") {
		return tenancy.Invalid("id", "tenant already exists")
	}
	return err
}

func (o *ops) UpdateTenant(ctx context.Context, t tenancy.Tenant) error {
	n, err := o.exec(ctx, "update tenant", `
		UPDATE tenants SET full_name = $2, phone = $3, joined_date = $4, is_active = $5
		WHERE id = $1`,
		t.ID, t.FullName, t.Phone, t.JoinedDate, t.IsActive)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("tenant", t.ID)
	}
	return nil
}

func (o *ops) GetTenant(ctx context.Context, id tenancy.TenantID) (tenancy.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	if !o.readOnly {
		query += ` FOR UPDATE`
	}
	t, err := scanTenant(o.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.Tenant{}, tenancy.NotFound("tenant", id)
	}
	return t, mapErr("get tenant", err)
}

func (o *ops) ListTenants(ctx context.Context) ([]tenancy.Tenant, error) {
	return o.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
}

func (o *ops) ActiveTenants(ctx context.Context, after tenancy.TenantID, limit int) ([]tenancy.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE is_active AND id > $1 ORDER BY id`
	if limit > 0 {
		return o.queryTenants(ctx, query+` LIMIT $2`, after, limit)
	}
	return o.queryTenants(ctx, query, after)
}

func (o *ops) SetTenantAllocation(ctx context.Context, id tenancy.TenantID, alloc *tenancy.Allocation) error {
	a := allocArgs(alloc)
	rent := "0"
	if alloc != nil {
		rent = alloc.Rent.String()
	}
	n, err := o.exec(ctx, "set tenant allocation", `
		UPDATE tenants SET
			alloc_bed_id = $2, alloc_room_id = $3, alloc_room_number = $4,
			alloc_bed_label = $5, alloc_rent = $6::numeric, rent = $7::numeric
		WHERE id = $1`,
		id, a[0], a[1], a[2], a[3], a[4], rent)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("tenant", id)
	}
	return nil
}

func (o *ops) queryTenants(ctx context.Context, query string, args ...any) ([]tenancy.Tenant, error) {
	rows, err := o.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list tenants", err)
	}
	tenants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenancy.Tenant, error) {
		return scanTenant(row)
	})
	return tenants, mapErr("list tenants", err)
}

func allocArgs(a *tenancy.Allocation) [5]*string {
	if a == nil {
		return [5]*string{}
	}
	bed, room, rent := string(a.BedID), string(a.RoomID), a.Rent.String()
	return [5]*string{&bed, &room, &a.RoomNumber, &a.BedLabel, &rent}
}

func scanTenant(row pgx.Row) (tenancy.Tenant, error) {
	var (
		t                                        tenancy.Tenant
		rent                                     string
		bedID, roomID, roomNo, label, allocRent *string
	)
	err := row.Scan(&t.ID, &t.FullName, &t.Phone, &t.JoinedDate, &rent, &t.IsActive,
		&bedID, &roomID, &roomNo, &label, &allocRent, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if t.Rent, err = decimal.NewFromString(rent); err != nil {
		return t, fmt.Errorf("tenant %s rent: %w", t.ID, err)
	}
	if bedID != nil {
		a := &tenancy.Allocation{
			BedID:      tenancy.BedID(*bedID),
			RoomID:     tenancy.RoomID(deref(roomID)),
			RoomNumber: deref(roomNo),
			BedLabel:   deref(label),
			Rent:       decimal.Zero,
		}
		if allocRent != nil {
			if a.Rent, err = decimal.NewFromString(*allocRent); err != nil {
				return t, fmt.Errorf("tenant %s allocation rent: %w", t.ID, err)
			}
		}
		t.Allocation = a
	}
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, tenant_id, amount::text, period_start, period_end, due_date, status, paid_at, created_at`

func (o *ops) InsertPayment(ctx context.Context, p tenancy.Payment) (bool, error) {
	n, err := o.exec(ctx, "insert payment", `
		INSERT INTO payments (id, tenant_id, amount, period_start, period_end, due_date, status, paid_at, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, period_start) DO NOTHING`,
		p.ID, p.TenantID, p.Amount.String(), p.PeriodStart, p.PeriodEnd, p.DueDate, p.Status, p.PaidAt, p.CreatedAt)
	if isForeignKeyViolation(err) {
		return false, tenancy.NotFound("tenant", p.TenantID)
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o *ops) GetPayment(ctx context.Context, id tenancy.PaymentID) (tenancy.Payment, error) {
	p, err := scanPayment(o.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.Payment{}, tenancy.NotFound("payment", id)
	}
	return p, mapErr("get payment", err)
}

func (o *ops) LatestPayment(ctx context.Context, tenantID tenancy.TenantID) (tenancy.Payment, bool, error) {
	p, err := scanPayment(o.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = $1 ORDER BY period_start DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.Payment{}, false, nil
	}
	if err != nil {
		return tenancy.Payment{}, false, mapErr("latest payment", err)
	}
	return p, true, nil
}

func (o *ops) PaymentExists(ctx context.Context, tenantID tenancy.TenantID, periodStart time.Time) (bool, error) {
	return o.exists(ctx, `SELECT 1 FROM payments WHERE tenant_id = $1 AND period_start = $2`, tenantID, periodStart)
}

func (o *ops) SetPaymentStatus(ctx context.Context, id tenancy.PaymentID, from, to tenancy.PaymentStatus, paidAt *time.Time) error {
	n, err := o.exec(ctx, "set payment status", `
		UPDATE payments SET status = $3, paid_at = $4
		WHERE id = $1 AND status = $2`, id, from, to, paidAt)
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
	var (
		w    where
		args []any
	)
	if f.TenantID != nil {
		w.add("tenant_id = $%d", &args, *f.TenantID)
	}
	if f.Status != nil {
		w.add("status = $%d", &args, *f.Status)
	}
	if f.DueFrom != nil {
		w.add("due_date >= $%d", &args, *f.DueFrom)
	}
	if f.DueTo != nil {
		w.add("due_date <= $%d", &args, *f.DueTo)
	}
	if f.PaidFrom != nil {
		w.add("paid_at >= $%d", &args, *f.PaidFrom)
	}
	if f.PaidTo != nil {
		w.add("paid_at <= $%d", &args, *f.PaidTo)
	}
	order := ` ORDER BY due_date ASC, tenant_id ASC`
	if f.OrderByPaidDesc {
		order = ` ORDER BY paid_at DESC`
	}

	rows, err := o.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments`+w.String()+order, args...)
	if err != nil {
		return nil, mapErr("list payments", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenancy.Payment, error) {
		return scanPayment(row)
	})
	return payments, mapErr("list payments", err)
}

func scanPayment(row pgx.Row) (tenancy.Payment, error) {
	var (
		p      tenancy.Payment
		amount string
	)
	err := row.Scan(&p.ID, &p.TenantID, &amount, &p.PeriodStart, &p.PeriodEnd, &p.DueDate, &p.Status, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	return p, err
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (o *ops) SaveSweepRun(ctx context.Context, r tenancy.SweepRun) error {
	_, err := o.exec(ctx, "save sweep run", `
		INSERT INTO sweep_runs (id, started_at, completed_at, horizon, tenants, created, failed, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			tenants = EXCLUDED.tenants,
			created = EXCLUDED.created,
			failed = EXCLUDED.failed,
			status = EXCLUDED.status,
			error = EXCLUDED.error`,
		r.ID, r.StartedAt, r.CompletedAt, r.Horizon, r.Tenants, r.Created, r.Failed, r.Status, r.Error)
	return err
}

func (o *ops) ListSweepRuns(ctx context.Context, limit int) ([]tenancy.SweepRun, error) {
	query := `SELECT id, started_at, completed_at, horizon, tenants, created, failed, status, error
		FROM sweep_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := o.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list sweep runs", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenancy.SweepRun, error) {
		var r tenancy.SweepRun
		err := row.Scan(&r.ID, &r.StartedAt, &r.CompletedAt, &r.Horizon,
			&r.Tenants, &r.Created, &r.Failed, &r.Status, &r.Error)
		return r, err
	})
	return runs, mapErr("list sweep runs", err)
}

// =============================================================================
// QUERY BUILDING
// =============================================================================

// where accumulates AND-ed clauses with positional placeholders.
type where struct {
	clauses []string
}

func (w *where) add(format string, args *[]any, v any) {
	*args = append(*args, v)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(*args)))
}

func (w where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	out := " WHERE " + w.clauses[0]
	for _, c := range w.clauses[1:] {
		out += " AND " + c
	}
	return out
}
