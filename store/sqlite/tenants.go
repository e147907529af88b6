package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// TENANTS
// =============================================================================

const tenantColumns = `id, full_name, phone, joined_date, rent, is_active,
	alloc_bed_id, alloc_room_id, alloc_room_number, alloc_bed_label, alloc_rent, created_at`

func (o *ops) InsertTenant(ctx context.Context, t tenancy.Tenant) error {
	a := allocColumns(t.Allocation)
	_, err := o.exec(ctx, "insert tenant", `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FullName, t.Phone, nullTime(t.JoinedDate), t.Rent.String(), boolInt(t.IsActive),
		a[0], a[1], a[2], a[3], a[4], formatTime(t.CreatedAt),
	)
	if isUniqueViolation(err, "tenants.id") {
		return tenancy.Invalid("id", "tenant already exists")
	}
	return err
}

func (o *ops) UpdateTenant(ctx context.Context, t tenancy.Tenant) error {
	n, err := o.exec(ctx, "update tenant", `
		UPDATE tenants SET full_name = ?, phone = ?, joined_date = ?, is_active = ?
		WHERE id = ?`,
		t.FullName, t.Phone, nullTime(t.JoinedDate), boolInt(t.IsActive), t.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("tenant", t.ID)
	}
	return nil
}

func (o *ops) GetTenant(ctx context.Context, id tenancy.TenantID) (tenancy.Tenant, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Tenant{}, tenancy.NotFound("tenant", id)
	}
	return t, err
}

func (o *ops) ListTenants(ctx context.Context) ([]tenancy.Tenant, error) {
	return o.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
}

func (o *ops) ActiveTenants(ctx context.Context, after tenancy.TenantID, limit int) ([]tenancy.Tenant, error) {
	if limit <= 0 {
		limit = -1
	}
	return o.queryTenants(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE is_active = 1 AND id > ?
		ORDER BY id LIMIT ?`, after, limit)
}

func (o *ops) SetTenantAllocation(ctx context.Context, id tenancy.TenantID, alloc *tenancy.Allocation) error {
	a := allocColumns(alloc)
	rent := "0"
	if alloc != nil {
		rent = alloc.Rent.String()
	}
	n, err := o.exec(ctx, "set tenant allocation", `
		UPDATE tenants SET
			alloc_bed_id = ?, alloc_room_id = ?, alloc_room_number = ?,
			alloc_bed_label = ?, alloc_rent = ?, rent = ?
		WHERE id = ?`,
		a[0], a[1], a[2], a[3], a[4], rent, id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("tenant", id)
	}
	return nil
}

func (o *ops) queryTenants(ctx context.Context, query string, args ...any) ([]tenancy.Tenant, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list tenants", err)
	}
	defer rows.Close()

	var tenants []tenancy.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, mapErr("list tenants", rows.Err())
}

func allocColumns(a *tenancy.Allocation) [5]sql.NullString {
	if a == nil {
		return [5]sql.NullString{}
	}
	return [5]sql.NullString{
		nullString(string(a.BedID)),
		nullString(string(a.RoomID)),
		{String: a.RoomNumber, Valid: true},
		{String: a.BedLabel, Valid: true},
		{String: a.Rent.String(), Valid: true},
	}
}

func scanTenant(row rowScanner) (tenancy.Tenant, error) {
	var (
		t                                     tenancy.Tenant
		joined                                sql.NullString
		rent, createdAt                       string
		active                                int
		bedID, roomID, roomNo, label, allocRt sql.NullString
	)
	err := row.Scan(&t.ID, &t.FullName, &t.Phone, &joined, &rent, &active,
		&bedID, &roomID, &roomNo, &label, &allocRt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, err
	}
	if err != nil {
		return t, mapErr("scan tenant", err)
	}

	t.IsActive = active == 1
	if t.JoinedDate, err = parseNullTime(joined); err != nil {
		return t, err
	}
	if t.Rent, err = parseDecimal(rent); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if bedID.Valid {
		a := &tenancy.Allocation{
			BedID:      tenancy.BedID(bedID.String),
			RoomID:     tenancy.RoomID(roomID.String),
			RoomNumber: roomNo.String,
			BedLabel:   label.String,
		}
		if a.Rent, err = parseDecimal(allocRt.String); err != nil {
			return t, err
		}
		t.Allocation = a
	}
	return t, nil
}
