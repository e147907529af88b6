package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// CheckConsistency verifies the occupancy invariants over the whole store:
//
//  1. bed.Occupied == (bed.OccupantID != nil), and the occupant's cached
//     allocation points back at the bed and its room.
//  2. No tenant is the occupant of more than one bed, and every tenant with a
//     cached allocation is the occupant of that bed.
//  3. room.Status is Full iff every bed of the room is occupied.
//  4. A tenant's payments do not overlap.
//
// It returns all violations joined, or nil.
func CheckConsistency(ctx context.Context, s Store) error {
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return err
	}
	beds, err := s.ListBeds(ctx, BedFilter{})
	if err != nil {
		return err
	}
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return err
	}

	byTenant := make(map[TenantID]Tenant, len(tenants))
	for _, t := range tenants {
		byTenant[t.ID] = t
	}

	var errs []error
	held := make(map[TenantID]BedID)
	free := make(map[RoomID]int)
	total := make(map[RoomID]int)

	for _, b := range beds {
		total[b.RoomID]++
		if b.Occupied != (b.OccupantID != nil) {
			errs = append(errs, fmt.Errorf("bed %s: occupied=%v but occupant set=%v", b.ID, b.Occupied, b.OccupantID != nil))
		}
		if b.OccupantID == nil {
			free[b.RoomID]++
			continue
		}
		tid := *b.OccupantID
		if prev, dup := held[tid]; dup {
			errs = append(errs, fmt.Errorf("tenant %s occupies beds %s and %s", tid, prev, b.ID))
		}
		held[tid] = b.ID

		t, ok := byTenant[tid]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("bed %s: occupant %s does not exist", b.ID, tid))
		case t.Allocation == nil || t.Allocation.BedID != b.ID:
			errs = append(errs, fmt.Errorf("bed %s: occupant %s does not point back", b.ID, tid))
		case t.Allocation.RoomID != b.RoomID:
			errs = append(errs, fmt.Errorf("tenant %s: cached room %s, bed is in %s", tid, t.Allocation.RoomID, b.RoomID))
		}
	}

	for _, t := range tenants {
		if t.Allocation == nil {
			continue
		}
		if bed, ok := held[t.ID]; !ok || bed != t.Allocation.BedID {
			errs = append(errs, fmt.Errorf("tenant %s: cached bed %s is not held", t.ID, t.Allocation.BedID))
		}
	}

	for _, r := range rooms {
		want := StatusForFreeBeds(free[r.ID])
		if r.Status != want {
			errs = append(errs, fmt.Errorf("room %s: status %s, want %s (%d/%d free)", r.Number, r.Status, want, free[r.ID], total[r.ID]))
		}
	}

	payments, err := s.ListPayments(ctx, PaymentFilter{})
	if err != nil {
		return err
	}
	errs = append(errs, checkPaymentOverlap(payments)...)

	return errors.Join(errs...)
}

func checkPaymentOverlap(payments []Payment) []error {
	byTenant := make(map[TenantID][]Payment)
	for _, p := range payments {
		byTenant[p.TenantID] = append(byTenant[p.TenantID], p)
	}

	var errs []error
	for tid, ps := range byTenant {
		sort.Slice(ps, func(i, j int) bool { return ps[i].PeriodStart.Before(ps[j].PeriodStart) })
		for i := 1; i < len(ps); i++ {
			if prev := ps[i-1].Period(); prev.Contains(ps[i].PeriodStart) {
				errs = append(errs, fmt.Errorf("tenant %s: period %s overlaps %s", tid, ps[i].Period(), prev))
			}
		}
	}
	return errs
}
