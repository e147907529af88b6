package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// ROOMS
// =============================================================================

func (o *ops) InsertRoom(ctx context.Context, room tenancy.Room) error {
	_, err := o.exec(ctx, "insert room", `
		INSERT INTO rooms (id, number, rent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		room.ID, room.Number, room.Rent.String(), room.Status,
		formatTime(room.CreatedAt), formatTime(room.UpdatedAt),
	)
	if isUniqueViolation(err, "rooms.number") {
		return tenancy.ErrDuplicateRoomNumber
	}
	return err
}

// UpdateRoom writes scalar fields. Bed order follows bed insertion order.
func (o *ops) UpdateRoom(ctx context.Context, room tenancy.Room) error {
	n, err := o.exec(ctx, "update room", `
		UPDATE rooms SET number = ?, rent = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		room.Number, room.Rent.String(), room.Status, formatTime(room.UpdatedAt), room.ID,
	)
	if isUniqueViolation(err, "rooms.number") {
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
	row := o.q.QueryRowContext(ctx, `
		SELECT id, number, rent, status, created_at, updated_at
		FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Room{}, tenancy.NotFound("room", id)
	}
	if err != nil {
		return tenancy.Room{}, err
	}

	ids, err := o.bedIDs(ctx, "WHERE room_id = ?", id)
	if err != nil {
		return tenancy.Room{}, err
	}
	room.BedIDs = ids[id]
	return room, nil
}

func (o *ops) ListRooms(ctx context.Context) ([]tenancy.Room, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, number, rent, status, created_at, updated_at
		FROM rooms ORDER BY number`)
	if err != nil {
		return nil, mapErr("list rooms", err)
	}
	var rooms []tenancy.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Close(); err != nil {
		return nil, mapErr("list rooms", err)
	}
	if err := rows.Err(); err != nil {
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

// bedIDs returns bed IDs grouped by room, in position order.
func (o *ops) bedIDs(ctx context.Context, where string, args ...any) (map[tenancy.RoomID][]tenancy.BedID, error) {
	rows, err := o.q.QueryContext(ctx, "SELECT room_id, id FROM beds "+where+" ORDER BY room_id, position", args...)
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
	n, err := o.exec(ctx, "set room status", `UPDATE rooms SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("room", id)
	}
	return nil
}

func (o *ops) DeleteRoom(ctx context.Context, id tenancy.RoomID) error {
	n, err := o.exec(ctx, "delete room", `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return tenancy.NotFound("room", id)
	}
	return nil
}

func scanRoom(row rowScanner) (tenancy.Room, error) {
	var (
		r                    tenancy.Room
		rent                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.Number, &rent, &r.Status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, mapErr("scan room", err)
	}
	var err error
	if r.Rent, err = parseDecimal(rent); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// BEDS
// =============================================================================

// InsertBed appends a bed after the existing beds of its room.
func (o *ops) InsertBed(ctx context.Context, bed tenancy.Bed) error {
	var occupant sql.NullString
	if bed.OccupantID != nil {
		occupant = nullString(string(*bed.OccupantID))
	}
	_, err := o.exec(ctx, "insert bed", `
		INSERT INTO beds (id, room_id, label, position, occupied, occupant_id)
		SELECT ?, ?, ?, COALESCE(MAX(position) + 1, 0), ?, ?
		FROM beds WHERE room_id = ?`,
		bed.ID, bed.RoomID, bed.Label, boolInt(bed.Occupied), occupant, bed.RoomID,
	)
	if isForeignKeyViolation(err) {
		return tenancy.NotFound("room", bed.RoomID)
	}
	return err
}

func (o *ops) GetBed(ctx context.Context, id tenancy.BedID) (tenancy.Bed, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT id, room_id, label, occupied, occupant_id FROM beds WHERE id = ?`, id)
	b, err := scanBed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.Bed{}, tenancy.NotFound("bed", id)
	}
	return b, err
}

func (o *ops) ListBeds(ctx context.Context, f tenancy.BedFilter) ([]tenancy.Bed, error) {
	query := `SELECT id, room_id, label, occupied, occupant_id FROM beds WHERE 1 = 1`
	var args []any
	if f.RoomID != nil {
		query += ` AND room_id = ?`
		args = append(args, *f.RoomID)
	}
	if f.FreeOnly {
		query += ` AND occupied = 0`
	}
	query += ` ORDER BY room_id, position`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list beds", err)
	}
	defer rows.Close()

	var beds []tenancy.Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		beds = append(beds, b)
	}
	return beds, mapErr("list beds", rows.Err())
}

func (o *ops) CountFreeBeds(ctx context.Context, roomID tenancy.RoomID) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM beds WHERE room_id = ? AND occupied = 0`, roomID).Scan(&n)
	return n, mapErr("count free beds", err)
}

func (o *ops) ClaimBed(ctx context.Context, id tenancy.BedID, tenantID tenancy.TenantID) error {
	n, err := o.exec(ctx, "claim bed", `
		UPDATE beds SET occupied = 1, occupant_id = ?
		WHERE id = ? AND occupied = 0`, tenantID, id)
	if isUniqueViolation(err, "beds.occupant_id") {
		return tenancy.ErrTenantAllocated
	}
	if isForeignKeyViolation(err) {
		return tenancy.NotFound("tenant", tenantID)
	}
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	found, err := o.exists(ctx, `SELECT 1 FROM beds WHERE id = ?`, id)
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
		UPDATE beds SET occupied = 0, occupant_id = NULL
		WHERE id = ? AND occupant_id = ?`, id, tenantID)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	found, err := o.exists(ctx, `SELECT 1 FROM beds WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !found {
		return tenancy.NotFound("bed", id)
	}
	return tenancy.ErrOccupantMismatch
}

func (o *ops) DeleteBedsByRoom(ctx context.Context, roomID tenancy.RoomID) error {
	_, err := o.exec(ctx, "delete beds", `DELETE FROM beds WHERE room_id = ?`, roomID)
	return err
}

func scanBed(row rowScanner) (tenancy.Bed, error) {
	var (
		b        tenancy.Bed
		occupied int
		occupant sql.NullString
	)
	if err := row.Scan(&b.ID, &b.RoomID, &b.Label, &occupied, &occupant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("scan bed: %w", err)
	}
	b.Occupied = occupied == 1
	if occupant.Valid {
		id := tenancy.TenantID(occupant.String)
		b.OccupantID = &id
	}
	return b, nil
}
