// Package store provides the in-memory TxStore implementation.
package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all state in maps. A unit of work operates on a copy of the
// maps and swaps it in on commit, so a failed WithTx leaves nothing behind.
// Units of work are serialized by a single mutex.
//
// Every WithTx copies the whole dataset, so a sweep over N tenants costs
// O(N²) map copies. Use it for tests and demos, not a real tenant base.
type Memory struct {
	mu   sync.RWMutex
	data *dataset
}

type dataset struct {
	rooms    map[tenancy.RoomID]tenancy.Room
	beds     map[tenancy.BedID]tenancy.Bed
	tenants  map[tenancy.TenantID]tenancy.Tenant
	payments map[tenancy.PaymentID]tenancy.Payment
	periods  map[periodKey]tenancy.PaymentID
	runs     map[tenancy.SweepID]tenancy.SweepRun
}

type periodKey struct {
	TenantID tenancy.TenantID
	Start    int64
}

func keyFor(tenantID tenancy.TenantID, start time.Time) periodKey {
	return periodKey{TenantID: tenantID, Start: start.UnixNano()}
}

var errReadOnly = errors.New("write attempted in read-only view")

func NewMemory() *Memory {
	return &Memory{data: &dataset{
		rooms:    make(map[tenancy.RoomID]tenancy.Room),
		beds:     make(map[tenancy.BedID]tenancy.Bed),
		tenants:  make(map[tenancy.TenantID]tenancy.Tenant),
		payments: make(map[tenancy.PaymentID]tenancy.Payment),
		periods:  make(map[periodKey]tenancy.PaymentID),
		runs:     make(map[tenancy.SweepID]tenancy.SweepRun),
	}}
}

func (d *dataset) clone() *dataset {
	return &dataset{
		rooms:    maps.Clone(d.rooms),
		beds:     maps.Clone(d.beds),
		tenants:  maps.Clone(d.tenants),
		payments: maps.Clone(d.payments),
		periods:  maps.Clone(d.periods),
		runs:     maps.Clone(d.runs),
	}
}

// WithTx runs fn against a private copy and commits it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(tenancy.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// View runs fn against the committed state.
func (m *Memory) View(ctx context.Context, fn func(tenancy.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{d: m.data, readOnly: true})
}

// memTx implements tenancy.Store over one dataset. Values stored in the maps
// are never mutated in place; every write replaces the map entry with a copy.
type memTx struct {
	d        *dataset
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// =============================================================================
// ROOMS
// =============================================================================

func (t *memTx) InsertRoom(_ context.Context, room tenancy.Room) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, r := range t.d.rooms {
		if r.Number == room.Number {
			return tenancy.ErrDuplicateRoomNumber
		}
	}
	room.BedIDs = append([]tenancy.BedID(nil), room.BedIDs...)
	t.d.rooms[room.ID] = room
	return nil
}

func (t *memTx) UpdateRoom(_ context.Context, room tenancy.Room) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.rooms[room.ID]; !ok {
		return tenancy.NotFound("room", room.ID)
	}
	for _, r := range t.d.rooms {
		if r.ID != room.ID && r.Number == room.Number {
			return tenancy.ErrDuplicateRoomNumber
		}
	}
	room.BedIDs = append([]tenancy.BedID(nil), room.BedIDs...)
	t.d.rooms[room.ID] = room
	return nil
}

func (t *memTx) GetRoom(_ context.Context, id tenancy.RoomID) (tenancy.Room, error) {
	r, ok := t.d.rooms[id]
	if !ok {
		return tenancy.Room{}, tenancy.NotFound("room", id)
	}
	r.BedIDs = append([]tenancy.BedID(nil), r.BedIDs...)
	return r, nil
}

func (t *memTx) ListRooms(_ context.Context) ([]tenancy.Room, error) {
	rooms := make([]tenancy.Room, 0, len(t.d.rooms))
	for _, r := range t.d.rooms {
		r.BedIDs = append([]tenancy.BedID(nil), r.BedIDs...)
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Number < rooms[j].Number })
	return rooms, nil
}

func (t *memTx) SetRoomStatus(_ context.Context, id tenancy.RoomID, status tenancy.RoomStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	r, ok := t.d.rooms[id]
	if !ok {
		return tenancy.NotFound("room", id)
	}
	r.Status = status
	t.d.rooms[id] = r
	return nil
}

func (t *memTx) DeleteRoom(_ context.Context, id tenancy.RoomID) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.rooms[id]; !ok {
		return tenancy.NotFound("room", id)
	}
	delete(t.d.rooms, id)
	return nil
}

// =============================================================================
// BEDS
// =============================================================================

func (t *memTx) InsertBed(_ context.Context, bed tenancy.Bed) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.rooms[bed.RoomID]; !ok {
		return tenancy.NotFound("room", bed.RoomID)
	}
	t.d.beds[bed.ID] = bed
	return nil
}

func (t *memTx) GetBed(_ context.Context, id tenancy.BedID) (tenancy.Bed, error) {
	b, ok := t.d.beds[id]
	if !ok {
		return tenancy.Bed{}, tenancy.NotFound("bed", id)
	}
	return b, nil
}

func (t *memTx) ListBeds(_ context.Context, filter tenancy.BedFilter) ([]tenancy.Bed, error) {
	var beds []tenancy.Bed
	for _, b := range t.d.beds {
		if filter.RoomID != nil && b.RoomID != *filter.RoomID {
			continue
		}
		if filter.FreeOnly && b.Occupied {
			continue
		}
		beds = append(beds, b)
	}
	sort.Slice(beds, func(i, j int) bool {
		if beds[i].RoomID != beds[j].RoomID {
			return beds[i].RoomID < beds[j].RoomID
		}
		return beds[i].Label < beds[j].Label
	})
	return beds, nil
}

func (t *memTx) CountFreeBeds(_ context.Context, roomID tenancy.RoomID) (int, error) {
	n := 0
	for _, b := range t.d.beds {
		if b.RoomID == roomID && !b.Occupied {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ClaimBed(_ context.Context, id tenancy.BedID, tenantID tenancy.TenantID) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.d.beds[id]
	if !ok {
		return tenancy.NotFound("bed", id)
	}
	if b.Occupied {
		return tenancy.ErrBedOccupied
	}
	for _, other := range t.d.beds {
		if other.OccupantID != nil && *other.OccupantID == tenantID {
			return tenancy.ErrTenantAllocated
		}
	}
	occupant := tenantID
	b.Occupied = true
	b.OccupantID = &occupant
	t.d.beds[id] = b
	return nil
}

func (t *memTx) FreeBed(_ context.Context, id tenancy.BedID, tenantID tenancy.TenantID) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.d.beds[id]
	if !ok {
		return tenancy.NotFound("bed", id)
	}
	if !b.Occupied || b.OccupantID == nil || *b.OccupantID != tenantID {
		return tenancy.ErrOccupantMismatch
	}
	b.Occupied = false
	b.OccupantID = nil
	t.d.beds[id] = b
	return nil
}

func (t *memTx) DeleteBedsByRoom(_ context.Context, roomID tenancy.RoomID) error {
	if err := t.writable(); err != nil {
		return err
	}
	for id, b := range t.d.beds {
		if b.RoomID == roomID {
			delete(t.d.beds, id)
		}
	}
	return nil
}

// =============================================================================
// TENANTS
// =============================================================================

func (t *memTx) InsertTenant(_ context.Context, tenant tenancy.Tenant) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.tenants[tenant.ID]; ok {
		return tenancy.Invalid("id", "tenant already exists")
	}
	t.d.tenants[tenant.ID] = copyTenant(tenant)
	return nil
}

func (t *memTx) UpdateTenant(_ context.Context, tenant tenancy.Tenant) error {
	if err := t.writable(); err != nil {
		return err
	}
	tn, ok := t.d.tenants[tenant.ID]
	if !ok {
		return tenancy.NotFound("tenant", tenant.ID)
	}
	tn.FullName = tenant.FullName
	tn.Phone = tenant.Phone
	tn.JoinedDate = tenant.JoinedDate
	tn.IsActive = tenant.IsActive
	t.d.tenants[tenant.ID] = copyTenant(tn)
	return nil
}

func (t *memTx) GetTenant(_ context.Context, id tenancy.TenantID) (tenancy.Tenant, error) {
	tn, ok := t.d.tenants[id]
	if !ok {
		return tenancy.Tenant{}, tenancy.NotFound("tenant", id)
	}
	return copyTenant(tn), nil
}

func (t *memTx) ListTenants(_ context.Context) ([]tenancy.Tenant, error) {
	tenants := make([]tenancy.Tenant, 0, len(t.d.tenants))
	for _, tn := range t.d.tenants {
		tenants = append(tenants, copyTenant(tn))
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

func (t *memTx) SetTenantAllocation(_ context.Context, id tenancy.TenantID, alloc *tenancy.Allocation) error {
	if err := t.writable(); err != nil {
		return err
	}
	tn, ok := t.d.tenants[id]
	if !ok {
		return tenancy.NotFound("tenant", id)
	}
	tn.Allocation = nil
	tn.Rent = decimal.Zero
	if alloc != nil {
		a := *alloc
		tn.Allocation = &a
		tn.Rent = a.Rent
	}
	t.d.tenants[id] = tn
	return nil
}

func (t *memTx) ActiveTenants(_ context.Context, after tenancy.TenantID, limit int) ([]tenancy.Tenant, error) {
	var tenants []tenancy.Tenant
	for _, tn := range t.d.tenants {
		if tn.IsActive && tn.ID > after {
			tenants = append(tenants, copyTenant(tn))
		}
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	if limit > 0 && len(tenants) > limit {
		tenants = tenants[:limit]
	}
	return tenants, nil
}

func copyTenant(tn tenancy.Tenant) tenancy.Tenant {
	if tn.Allocation != nil {
		a := *tn.Allocation
		tn.Allocation = &a
	}
	if tn.JoinedDate != nil {
		j := *tn.JoinedDate
		tn.JoinedDate = &j
	}
	return tn
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (t *memTx) InsertPayment(_ context.Context, p tenancy.Payment) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.tenants[p.TenantID]; !ok {
		return false, tenancy.NotFound("tenant", p.TenantID)
	}
	k := keyFor(p.TenantID, p.PeriodStart)
	if _, exists := t.d.periods[k]; exists {
		return false, nil
	}
	t.d.payments[p.ID] = p
	t.d.periods[k] = p.ID
	return true, nil
}

func (t *memTx) GetPayment(_ context.Context, id tenancy.PaymentID) (tenancy.Payment, error) {
	p, ok := t.d.payments[id]
	if !ok {
		return tenancy.Payment{}, tenancy.NotFound("payment", id)
	}
	return p, nil
}

func (t *memTx) LatestPayment(_ context.Context, tenantID tenancy.TenantID) (tenancy.Payment, bool, error) {
	var (
		latest tenancy.Payment
		found  bool
	)
	for _, p := range t.d.payments {
		if p.TenantID != tenantID {
			continue
		}
		if !found || p.PeriodStart.After(latest.PeriodStart) {
			latest, found = p, true
		}
	}
	return latest, found, nil
}

func (t *memTx) PaymentExists(_ context.Context, tenantID tenancy.TenantID, periodStart time.Time) (bool, error) {
	_, ok := t.d.periods[keyFor(tenantID, periodStart)]
	return ok, nil
}

func (t *memTx) SetPaymentStatus(_ context.Context, id tenancy.PaymentID, from, to tenancy.PaymentStatus, paidAt *time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.d.payments[id]
	if !ok {
		return tenancy.NotFound("payment", id)
	}
	if p.Status != from {
		return &tenancy.StatusMismatchError{ID: id, Current: p.Status}
	}
	p.Status = to
	p.PaidAt = nil
	if paidAt != nil {
		at := *paidAt
		p.PaidAt = &at
	}
	t.d.payments[id] = p
	return nil
}

func (t *memTx) ListPayments(_ context.Context, f tenancy.PaymentFilter) ([]tenancy.Payment, error) {
	var out []tenancy.Payment
	for _, p := range t.d.payments {
		if f.TenantID != nil && p.TenantID != *f.TenantID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.DueFrom != nil && p.DueDate.Before(*f.DueFrom) {
			continue
		}
		if f.DueTo != nil && p.DueDate.After(*f.DueTo) {
			continue
		}
		if f.PaidFrom != nil && (p.PaidAt == nil || p.PaidAt.Before(*f.PaidFrom)) {
			continue
		}
		if f.PaidTo != nil && (p.PaidAt == nil || p.PaidAt.After(*f.PaidTo)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.OrderByPaidDesc {
			return paidTime(out[i]).After(paidTime(out[j]))
		}
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out, nil
}

func paidTime(p tenancy.Payment) time.Time {
	if p.PaidAt == nil {
		return time.Time{}
	}
	return *p.PaidAt
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (t *memTx) SaveSweepRun(_ context.Context, run tenancy.SweepRun) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.d.runs[run.ID] = run
	return nil
}

func (t *memTx) ListSweepRuns(_ context.Context, limit int) ([]tenancy.SweepRun, error) {
	runs := make([]tenancy.SweepRun, 0, len(t.d.runs))
	for _, r := range t.d.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
