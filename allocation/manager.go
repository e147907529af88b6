/*
manager.go - Atomic tenant/bed/room binding

PURPOSE:
  The Manager owns every write that touches bed occupancy. Each public
  operation is one unit of work: it loads what it needs, performs all bed,
  tenant and room writes, recomputes the derived room status and commits.
  Any error rolls the whole unit back, so callers never observe a bed that
  is occupied while its tenant has no allocation (or vice versa).

CRITICAL INVARIANTS:
  1. bed.Occupied == (bed.OccupantID != nil)
  2. A tenant occupies at most one bed, and tenant.Allocation mirrors it
  3. room.Status == Full iff every bed of the room is occupied

RACES:
  Two Allocate calls for the same free bed both pass the "is it free" read,
  but only one ClaimBed succeeds: the store performs the claim as a
  conditional write. The loser gets ErrBedOccupied and its unit of work rolls
  back.

ROOM STATUS:
  Rooms touched by a unit of work are collected in a set and recomputed once,
  after all bed mutations, right before commit.

SEE ALSO:
  - tenancy/store.go: ClaimBed / FreeBed contracts
  - rooms.go: room create/update/delete with bed replacement
*/
package allocation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	Store  tenancy.TxStore
	Logger *zap.Logger
	Now    func() time.Time
}

func NewManager(store tenancy.TxStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Store: store, Logger: logger, Now: time.Now}
}

// Result is the committed state after an allocation operation.
type Result struct {
	Tenant tenancy.Tenant
	// Bed is the bed the tenant holds afterwards, nil if none.
	Bed *tenancy.Bed
	// Rooms are the touched rooms with their recomputed status.
	Rooms []tenancy.Room
}

// =============================================================================
// ALLOCATE / RELEASE / REALLOCATE
// =============================================================================

// Allocate binds tenantID to the free bed bedID.
//
// Errors: NotFound (tenant, bed), ErrBedOccupied, ErrTenantAllocated.
func (m *Manager) Allocate(ctx context.Context, tenantID tenancy.TenantID, bedID tenancy.BedID) (Result, error) {
	if err := validateIDs(tenantID, bedID); err != nil {
		return Result{}, err
	}

	var res Result
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		tenant, err := s.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		touched := &roomSet{}
		if err := allocate(ctx, s, tenant, bedID, touched); err != nil {
			return err
		}
		res, err = collect(ctx, s, tenantID, touched)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("allocate bed %s to %s: %w", bedID, tenantID, err)
	}

	m.Logger.Debug("bed allocated",
		zap.String("tenant_id", string(tenantID)),
		zap.String("bed_id", string(bedID)))
	return res, nil
}

// Release frees bedID, which must be occupied by tenantID.
//
// Errors: NotFound (tenant, bed), ErrOccupantMismatch.
func (m *Manager) Release(ctx context.Context, tenantID tenancy.TenantID, bedID tenancy.BedID) (Result, error) {
	if err := validateIDs(tenantID, bedID); err != nil {
		return Result{}, err
	}

	var res Result
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		if _, err := s.GetTenant(ctx, tenantID); err != nil {
			return err
		}
		touched := &roomSet{}
		if err := release(ctx, s, tenantID, bedID, touched); err != nil {
			return err
		}
		var err error
		res, err = collect(ctx, s, tenantID, touched)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("release bed %s from %s: %w", bedID, tenantID, err)
	}

	m.Logger.Debug("bed released",
		zap.String("tenant_id", string(tenantID)),
		zap.String("bed_id", string(bedID)))
	return res, nil
}

// Reallocate moves tenantID to newBedID, or only releases its current bed
// when newBedID is nil. Moving to the bed already held changes nothing.
// Old and new rooms are each recomputed exactly once.
func (m *Manager) Reallocate(ctx context.Context, tenantID tenancy.TenantID, newBedID *tenancy.BedID) (Result, error) {
	if tenantID == "" {
		return Result{}, tenancy.Invalid("tenant_id", "must not be empty")
	}
	if newBedID != nil && *newBedID == "" {
		return Result{}, tenancy.Invalid("bed_id", "must not be empty")
	}

	var res Result
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		tenant, err := s.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		touched := &roomSet{}

		// 1. Release the current bed unless it is the requested one
		if cur := tenant.Allocation; cur != nil {
			if newBedID != nil && cur.BedID == *newBedID {
				res, err = collect(ctx, s, tenantID, touched)
				return err
			}
			if err := release(ctx, s, tenantID, cur.BedID, touched); err != nil {
				return err
			}
			tenant.Allocation = nil
		}

		// 2. Claim the new bed
		if newBedID != nil {
			if err := allocate(ctx, s, tenant, *newBedID, touched); err != nil {
				return err
			}
		}

		// 3. Recompute every touched room once
		res, err = collect(ctx, s, tenantID, touched)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("reallocate %s: %w", tenantID, err)
	}
	return res, nil
}

// =============================================================================
// UNIT-OF-WORK STEPS
// =============================================================================

// allocate claims bedID for tenant and rewrites the tenant cache.
func allocate(ctx context.Context, s tenancy.Store, tenant tenancy.Tenant, bedID tenancy.BedID, touched *roomSet) error {
	bed, err := s.GetBed(ctx, bedID)
	if err != nil {
		return err
	}
	if bed.Occupied {
		return tenancy.ErrBedOccupied
	}
	if tenant.Allocation != nil {
		return tenancy.ErrTenantAllocated
	}
	room, err := s.GetRoom(ctx, bed.RoomID)
	if err != nil {
		return err
	}

	if err := s.ClaimBed(ctx, bed.ID, tenant.ID); err != nil {
		return err
	}
	alloc := allocationFor(bed, room)
	if err := s.SetTenantAllocation(ctx, tenant.ID, &alloc); err != nil {
		return err
	}
	touched.add(room.ID)
	return nil
}

// release frees bedID if tenantID occupies it and clears the tenant cache.
func release(ctx context.Context, s tenancy.Store, tenantID tenancy.TenantID, bedID tenancy.BedID, touched *roomSet) error {
	bed, err := s.GetBed(ctx, bedID)
	if err != nil {
		return err
	}
	if err := s.FreeBed(ctx, bed.ID, tenantID); err != nil {
		return err
	}
	if err := s.SetTenantAllocation(ctx, tenantID, nil); err != nil {
		return err
	}
	touched.add(bed.RoomID)
	return nil
}

func allocationFor(bed tenancy.Bed, room tenancy.Room) tenancy.Allocation {
	return tenancy.Allocation{
		BedID:      bed.ID,
		RoomID:     room.ID,
		RoomNumber: room.Number,
		BedLabel:   bed.Label,
		Rent:       room.Rent,
	}
}

// recompute writes the derived status of every touched room and returns the
// rooms in the order they were first touched.
func recompute(ctx context.Context, s tenancy.Store, touched *roomSet) ([]tenancy.Room, error) {
	rooms := make([]tenancy.Room, 0, len(touched.ids))
	for _, id := range touched.ids {
		free, err := s.CountFreeBeds(ctx, id)
		if err != nil {
			return nil, err
		}
		status := tenancy.StatusForFreeBeds(free)
		if err := s.SetRoomStatus(ctx, id, status); err != nil {
			return nil, err
		}
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// collect recomputes touched rooms and reads back the tenant and its bed.
func collect(ctx context.Context, s tenancy.Store, tenantID tenancy.TenantID, touched *roomSet) (Result, error) {
	rooms, err := recompute(ctx, s, touched)
	if err != nil {
		return Result{}, err
	}
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Tenant: tenant, Rooms: rooms}
	if tenant.Allocation != nil {
		bed, err := s.GetBed(ctx, tenant.Allocation.BedID)
		if err != nil {
			return Result{}, err
		}
		res.Bed = &bed
	}
	return res, nil
}

func validateIDs(tenantID tenancy.TenantID, bedID tenancy.BedID) error {
	if tenantID == "" {
		return tenancy.Invalid("tenant_id", "must not be empty")
	}
	if bedID == "" {
		return tenancy.Invalid("bed_id", "must not be empty")
	}
	return nil
}

// roomSet is an insertion-ordered set of room IDs.
type roomSet struct {
	ids []tenancy.RoomID
}

func (rs *roomSet) add(id tenancy.RoomID) {
	for _, existing := range rs.ids {
		if existing == id {
			return
		}
	}
	rs.ids = append(rs.ids, id)
}
