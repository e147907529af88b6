package allocation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hostel-engine/allocation"
	"github.com/warp/hostel-engine/tenancy"
	"github.com/warp/hostel-engine/tenancy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// countingStore records SetRoomStatus calls per room for the current unit of
// work so tests can assert that each touched room is recomputed once.
type countingStore struct {
	tenancy.Store
	counts map[tenancy.RoomID]int
}

func (c *countingStore) SetRoomStatus(ctx context.Context, id tenancy.RoomID, status tenancy.RoomStatus) error {
	c.counts[id]++
	return c.Store.SetRoomStatus(ctx, id, status)
}

type countingTxStore struct {
	*store.Memory
	counts map[tenancy.RoomID]int
}

func (c *countingTxStore) WithTx(ctx context.Context, fn func(tenancy.Store) error) error {
	return c.Memory.WithTx(ctx, func(s tenancy.Store) error {
		c.counts = make(map[tenancy.RoomID]int)
		return fn(&countingStore{Store: s, counts: c.counts})
	})
}

type fixture struct {
	mgr   *allocation.Manager
	store *countingTxStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := &countingTxStore{Memory: store.NewMemory()}
	mgr := allocation.NewManager(ts, nil)
	mgr.Now = func() time.Time { return time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC) }
	return &fixture{mgr: mgr, store: ts}
}

func (f *fixture) room(t *testing.T, number string, rent int64, labels ...string) allocation.RoomView {
	t.Helper()
	v, err := f.mgr.CreateRoomWithBeds(context.Background(), number, decimal.NewFromInt(rent), labels)
	require.NoError(t, err)
	return v
}

func (f *fixture) tenant(t *testing.T, name string) tenancy.Tenant {
	t.Helper()
	res, err := f.mgr.OnboardTenant(context.Background(), allocation.NewTenant{FullName: name}, nil)
	require.NoError(t, err)
	return res.Tenant
}

func (f *fixture) consistent(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.View(context.Background(), func(s tenancy.Store) error {
		return tenancy.CheckConsistency(context.Background(), s)
	}))
}

func (f *fixture) bed(t *testing.T, id tenancy.BedID) tenancy.Bed {
	t.Helper()
	var b tenancy.Bed
	require.NoError(t, f.store.View(context.Background(), func(s tenancy.Store) error {
		var err error
		b, err = s.GetBed(context.Background(), id)
		return err
	}))
	return b
}

// =============================================================================
// ALLOCATE
// =============================================================================

func TestAllocate_BindsBedTenantAndRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "101", 5000, "A", "B")
	asha := f.tenant(t, "Asha")

	// WHEN: Asha takes bed A
	res, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	// THEN: bed, tenant cache and room agree
	require.NotNil(t, res.Bed)
	assert.True(t, res.Bed.Occupied)
	assert.Equal(t, asha.ID, *res.Bed.OccupantID)
	require.NotNil(t, res.Tenant.Allocation)
	assert.Equal(t, room.Beds[0].ID, res.Tenant.Allocation.BedID)
	assert.Equal(t, "101", res.Tenant.Allocation.RoomNumber)
	assert.Equal(t, "A", res.Tenant.Allocation.BedLabel)
	assert.True(t, decimal.NewFromInt(5000).Equal(res.Tenant.Rent))
	require.Len(t, res.Rooms, 1)
	assert.Equal(t, tenancy.RoomAvailable, res.Rooms[0].Status)
	f.consistent(t)
}

func TestAllocate_LastBedMakesRoomFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "102", 4000, "A")
	asha := f.tenant(t, "Asha")

	res, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	assert.Equal(t, tenancy.RoomFull, res.Rooms[0].Status)
	f.consistent(t)
}

func TestAllocate_OccupiedBedConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "103", 4000, "A", "B")
	asha, ravi := f.tenant(t, "Asha"), f.tenant(t, "Ravi")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	_, err = f.mgr.Allocate(ctx, ravi.ID, room.Beds[0].ID)
	assert.ErrorIs(t, err, tenancy.ErrBedOccupied)
	assert.True(t, tenancy.IsConflict(err))
	f.consistent(t)
}

func TestAllocate_TenantAlreadyAllocatedRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "104", 4000, "A", "B")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	// WHEN: Asha tries to take a second bed
	_, err = f.mgr.Allocate(ctx, asha.ID, room.Beds[1].ID)

	// THEN: conflict, and bed B is untouched
	assert.ErrorIs(t, err, tenancy.ErrTenantAllocated)
	assert.False(t, f.bed(t, room.Beds[1].ID).Occupied)
	f.consistent(t)
}

func TestAllocate_NotFoundAndValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "105", 4000, "A")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, "missing-bed")
	assert.True(t, tenancy.IsNotFound(err))

	_, err = f.mgr.Allocate(ctx, "missing-tenant", room.Beds[0].ID)
	assert.True(t, tenancy.IsNotFound(err))

	_, err = f.mgr.Allocate(ctx, "", room.Beds[0].ID)
	assert.ErrorIs(t, err, tenancy.ErrValidation)
}

func TestAllocate_RacingClaimsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "106", 4000, "A", "B")
	asha, ravi := f.tenant(t, "Asha"), f.tenant(t, "Ravi")

	// GIVEN: two tenants racing for bed A
	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	start := make(chan struct{})
	for i, id := range []tenancy.TenantID{asha.ID, ravi.ID} {
		wg.Add(1)
		go func(i int, id tenancy.TenantID) {
			defer wg.Done()
			<-start
			_, errs[i] = f.mgr.Allocate(ctx, id, room.Beds[0].ID)
		}(i, id)
	}
	close(start)
	wg.Wait()

	// THEN: exactly one succeeds, the other gets a conflict
	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case tenancy.IsConflict(err):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	f.consistent(t)
}

// =============================================================================
// RELEASE
// =============================================================================

func TestRelease_RestoresFreeBed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "201", 4000, "A")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	res, err := f.mgr.Release(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	bed := f.bed(t, room.Beds[0].ID)
	assert.False(t, bed.Occupied)
	assert.Nil(t, bed.OccupantID)
	assert.Nil(t, res.Tenant.Allocation)
	assert.Nil(t, res.Bed)
	assert.True(t, res.Tenant.Rent.IsZero())
	assert.Equal(t, tenancy.RoomAvailable, res.Rooms[0].Status)
	f.consistent(t)
}

func TestRelease_WrongOccupantConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "202", 4000, "A")
	asha, ravi := f.tenant(t, "Asha"), f.tenant(t, "Ravi")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	_, err = f.mgr.Release(ctx, ravi.ID, room.Beds[0].ID)
	assert.ErrorIs(t, err, tenancy.ErrOccupantMismatch)
	assert.True(t, f.bed(t, room.Beds[0].ID).Occupied)
	f.consistent(t)
}

// =============================================================================
// REALLOCATE
// =============================================================================

func TestReallocate_MovesAcrossRoomsRecomputingEachOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	oldRoom := f.room(t, "301", 4000, "A")
	newRoom := f.room(t, "302", 6000, "A", "B")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, oldRoom.Beds[0].ID)
	require.NoError(t, err)

	// WHEN: Asha moves to room 302
	target := newRoom.Beds[1].ID
	res, err := f.mgr.Reallocate(ctx, asha.ID, &target)
	require.NoError(t, err)

	// THEN: old bed free, new bed taken, each room recomputed exactly once
	assert.False(t, f.bed(t, oldRoom.Beds[0].ID).Occupied)
	assert.True(t, f.bed(t, target).Occupied)
	assert.Equal(t, map[tenancy.RoomID]int{oldRoom.ID: 1, newRoom.ID: 1}, f.store.counts)
	assert.Equal(t, "302", res.Tenant.Allocation.RoomNumber)
	assert.True(t, decimal.NewFromInt(6000).Equal(res.Tenant.Rent))
	require.Len(t, res.Rooms, 2)
	assert.Equal(t, tenancy.RoomAvailable, res.Rooms[0].Status)
	assert.Equal(t, tenancy.RoomAvailable, res.Rooms[1].Status)
	f.consistent(t)
}

func TestReallocate_WithinRoomRecomputesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "303", 4000, "A", "B")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	target := room.Beds[1].ID
	_, err = f.mgr.Reallocate(ctx, asha.ID, &target)
	require.NoError(t, err)

	assert.Equal(t, map[tenancy.RoomID]int{room.ID: 1}, f.store.counts)
	f.consistent(t)
}

func TestReallocate_SameBedIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "304", 4000, "A")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	same := room.Beds[0].ID
	res, err := f.mgr.Reallocate(ctx, asha.ID, &same)
	require.NoError(t, err)
	assert.Equal(t, same, res.Bed.ID)
	assert.Empty(t, f.store.counts)
	f.consistent(t)
}

func TestReallocate_NilReleasesOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "305", 4000, "A")
	asha := f.tenant(t, "Asha")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)

	res, err := f.mgr.Reallocate(ctx, asha.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Tenant.Allocation)
	assert.False(t, f.bed(t, room.Beds[0].ID).Occupied)
	f.consistent(t)
}

func TestReallocate_OccupiedTargetKeepsOldBed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "306", 4000, "A", "B")
	asha, ravi := f.tenant(t, "Asha"), f.tenant(t, "Ravi")

	_, err := f.mgr.Allocate(ctx, asha.ID, room.Beds[0].ID)
	require.NoError(t, err)
	_, err = f.mgr.Allocate(ctx, ravi.ID, room.Beds[1].ID)
	require.NoError(t, err)

	// WHEN: Asha tries to move onto Ravi's bed
	target := room.Beds[1].ID
	_, err = f.mgr.Reallocate(ctx, asha.ID, &target)

	// THEN: the release of bed A is rolled back with the failed claim
	assert.ErrorIs(t, err, tenancy.ErrBedOccupied)
	bed := f.bed(t, room.Beds[0].ID)
	assert.True(t, bed.Occupied)
	assert.Equal(t, asha.ID, *bed.OccupantID)
	f.consistent(t)
}

// =============================================================================
// ROOM STATUS PROPERTY
// =============================================================================

func TestRoomStatus_TracksOccupancyAfterEveryChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	room := f.room(t, "401", 4000, "A", "B", "C")
	var tenants []tenancy.Tenant
	for _, name := range []string{"Asha", "Ravi", "Meera"} {
		tenants = append(tenants, f.tenant(t, name))
	}

	status := func() tenancy.RoomStatus {
		v, err := f.mgr.Room(ctx, room.ID)
		require.NoError(t, err)
		return v.Status
	}

	for i, tn := range tenants {
		_, err := f.mgr.Allocate(ctx, tn.ID, room.Beds[i].ID)
		require.NoError(t, err)
		want := tenancy.RoomAvailable
		if i == len(tenants)-1 {
			want = tenancy.RoomFull
		}
		assert.Equal(t, want, status(), "after allocating %d beds", i+1)
		f.consistent(t)
	}
	for i, tn := range tenants {
		_, err := f.mgr.Release(ctx, tn.ID, room.Beds[i].ID)
		require.NoError(t, err)
		assert.Equal(t, tenancy.RoomAvailable, status())
		f.consistent(t)
	}
}
