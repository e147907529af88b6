package allocation

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// OCCUPIED POLICY
// =============================================================================

// OccupiedPolicy decides what happens when a room update or delete would
// remove a bed that somebody sleeps in.
type OccupiedPolicy int

const (
	// Block refuses the operation with ErrRoomOccupied.
	Block OccupiedPolicy = iota
	// ForceRelease releases the occupants in the same unit of work and
	// clears their cached allocation.
	ForceRelease
)

func (p OccupiedPolicy) String() string {
	if p == ForceRelease {
		return "force-release"
	}
	return "block"
}

// =============================================================================
// VIEWS
// =============================================================================

// RoomView is a room with its beds in creation order.
type RoomView struct {
	tenancy.Room
	Beds []tenancy.Bed
}

func (v RoomView) FreeBeds() int {
	n := 0
	for _, b := range v.Beds {
		if !b.Occupied {
			n++
		}
	}
	return n
}

// BedView is a bed with the display fields of its room.
type BedView struct {
	tenancy.Bed
	RoomNumber string
	Rent       decimal.Decimal
}

// RoomUpdate carries the fields to change. Nil fields are kept. A non-empty
// BedLabels replaces every bed of the room.
type RoomUpdate struct {
	Number    *string
	Rent      *decimal.Decimal
	BedLabels []string
}

// =============================================================================
// ROOM WRITES
// =============================================================================

// CreateRoomWithBeds creates a room and one bed per label, atomically.
// A room without beds starts Full.
func (m *Manager) CreateRoomWithBeds(ctx context.Context, number string, rent decimal.Decimal, labels []string) (RoomView, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return RoomView{}, tenancy.Invalid("number", "must not be empty")
	}
	if rent.IsNegative() {
		return RoomView{}, tenancy.Invalid("rent", "must not be negative")
	}
	if err := validateLabels(labels); err != nil {
		return RoomView{}, err
	}

	now := m.Now()
	room := tenancy.Room{
		ID:        tenancy.NewRoomID(),
		Number:    number,
		Rent:      rent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	beds := newBeds(room.ID, labels)
	for _, b := range beds {
		room.BedIDs = append(room.BedIDs, b.ID)
	}
	room.Status = tenancy.StatusForFreeBeds(len(beds))

	var view RoomView
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		if err := s.InsertRoom(ctx, room); err != nil {
			return err
		}
		for _, b := range beds {
			if err := s.InsertBed(ctx, b); err != nil {
				return err
			}
		}
		var err error
		view, err = loadRoomView(ctx, s, room.ID)
		return err
	})
	if err != nil {
		return RoomView{}, fmt.Errorf("create room %s: %w", number, err)
	}

	m.Logger.Info("room created",
		zap.String("room_id", string(room.ID)),
		zap.String("number", number),
		zap.Int("beds", len(beds)))
	return view, nil
}

// UpdateRoom changes the room's number and rent and optionally replaces all
// of its beds. Tenants in the room get their cached room number and rent
// refreshed in the same unit of work. Already generated payments keep the
// amount they were created with.
func (m *Manager) UpdateRoom(ctx context.Context, id tenancy.RoomID, upd RoomUpdate, policy OccupiedPolicy) (RoomView, error) {
	if upd.Number != nil && strings.TrimSpace(*upd.Number) == "" {
		return RoomView{}, tenancy.Invalid("number", "must not be empty")
	}
	if upd.Rent != nil && upd.Rent.IsNegative() {
		return RoomView{}, tenancy.Invalid("rent", "must not be negative")
	}
	if len(upd.BedLabels) > 0 {
		if err := validateLabels(upd.BedLabels); err != nil {
			return RoomView{}, err
		}
	}

	var view RoomView
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return err
		}
		if upd.Number != nil {
			room.Number = strings.TrimSpace(*upd.Number)
		}
		if upd.Rent != nil {
			room.Rent = *upd.Rent
		}
		room.UpdatedAt = m.Now()

		beds, err := s.ListBeds(ctx, tenancy.BedFilter{RoomID: &id})
		if err != nil {
			return err
		}
		touched := &roomSet{}
		touched.add(id)

		if len(upd.BedLabels) == 0 {
			// Scalars only: occupants keep their beds, caches follow the room.
			if err := s.UpdateRoom(ctx, room); err != nil {
				return err
			}
			for _, b := range beds {
				if b.OccupantID == nil {
					continue
				}
				alloc := allocationFor(b, room)
				if err := s.SetTenantAllocation(ctx, *b.OccupantID, &alloc); err != nil {
					return err
				}
			}
		} else {
			if err := evict(ctx, s, beds, policy, touched); err != nil {
				return err
			}
			if err := s.DeleteBedsByRoom(ctx, id); err != nil {
				return err
			}
			fresh := newBeds(id, upd.BedLabels)
			room.BedIDs = nil
			for _, b := range fresh {
				room.BedIDs = append(room.BedIDs, b.ID)
			}
			if err := s.UpdateRoom(ctx, room); err != nil {
				return err
			}
			for _, b := range fresh {
				if err := s.InsertBed(ctx, b); err != nil {
					return err
				}
			}
		}

		if _, err := recompute(ctx, s, touched); err != nil {
			return err
		}
		view, err = loadRoomView(ctx, s, id)
		return err
	})
	if err != nil {
		return RoomView{}, fmt.Errorf("update room %s: %w", id, err)
	}
	return view, nil
}

// DeleteRoom removes the room and its beds. It returns the tenants that were
// released under ForceRelease.
func (m *Manager) DeleteRoom(ctx context.Context, id tenancy.RoomID, policy OccupiedPolicy) ([]tenancy.TenantID, error) {
	var released []tenancy.TenantID
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		if _, err := s.GetRoom(ctx, id); err != nil {
			return err
		}
		beds, err := s.ListBeds(ctx, tenancy.BedFilter{RoomID: &id})
		if err != nil {
			return err
		}
		for _, b := range beds {
			if b.OccupantID != nil {
				released = append(released, *b.OccupantID)
			}
		}
		if err := evict(ctx, s, beds, policy, &roomSet{}); err != nil {
			return err
		}
		if err := s.DeleteBedsByRoom(ctx, id); err != nil {
			return err
		}
		return s.DeleteRoom(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("delete room %s: %w", id, err)
	}

	m.Logger.Info("room deleted",
		zap.String("room_id", string(id)),
		zap.String("policy", policy.String()),
		zap.Int("released", len(released)))
	return released, nil
}

// evict applies policy to the occupied beds among beds.
func evict(ctx context.Context, s tenancy.Store, beds []tenancy.Bed, policy OccupiedPolicy, touched *roomSet) error {
	for _, b := range beds {
		if b.OccupantID == nil {
			continue
		}
		if policy != ForceRelease {
			return tenancy.ErrRoomOccupied
		}
		if err := release(ctx, s, *b.OccupantID, b.ID, touched); err != nil {
			return err
		}
	}
	return nil
}

func newBeds(roomID tenancy.RoomID, labels []string) []tenancy.Bed {
	beds := make([]tenancy.Bed, 0, len(labels))
	for _, l := range labels {
		beds = append(beds, tenancy.Bed{
			ID:     tenancy.NewBedID(),
			Label:  strings.TrimSpace(l),
			RoomID: roomID,
		})
	}
	return beds
}

func validateLabels(labels []string) error {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return tenancy.Invalid("beds", "bed label must not be empty")
		}
		if seen[l] {
			return tenancy.Invalid("beds", "duplicate bed label "+l)
		}
		seen[l] = true
	}
	return nil
}

// =============================================================================
// ROOM READS
// =============================================================================

func (m *Manager) Room(ctx context.Context, id tenancy.RoomID) (RoomView, error) {
	var view RoomView
	err := m.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		view, err = loadRoomView(ctx, s, id)
		return err
	})
	return view, err
}

func (m *Manager) Rooms(ctx context.Context) ([]RoomView, error) {
	var views []RoomView
	err := m.Store.View(ctx, func(s tenancy.Store) error {
		rooms, err := s.ListRooms(ctx)
		if err != nil {
			return err
		}
		beds, err := s.ListBeds(ctx, tenancy.BedFilter{})
		if err != nil {
			return err
		}
		byRoom := groupBeds(beds)
		views = make([]RoomView, 0, len(rooms))
		for _, r := range rooms {
			views = append(views, RoomView{Room: r, Beds: ordered(r, byRoom[r.ID])})
		}
		return nil
	})
	return views, err
}

// AvailableRooms returns the rooms with at least one free bed.
func (m *Manager) AvailableRooms(ctx context.Context) ([]RoomView, error) {
	rooms, err := m.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	var out []RoomView
	for _, r := range rooms {
		if r.FreeBeds() > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// AvailableBeds returns free beds, optionally limited to one room.
func (m *Manager) AvailableBeds(ctx context.Context, roomID *tenancy.RoomID) ([]BedView, error) {
	var out []BedView
	err := m.Store.View(ctx, func(s tenancy.Store) error {
		beds, err := s.ListBeds(ctx, tenancy.BedFilter{RoomID: roomID, FreeOnly: true})
		if err != nil {
			return err
		}
		rooms := make(map[tenancy.RoomID]tenancy.Room)
		for _, b := range beds {
			room, ok := rooms[b.RoomID]
			if !ok {
				if room, err = s.GetRoom(ctx, b.RoomID); err != nil {
					return err
				}
				rooms[b.RoomID] = room
			}
			out = append(out, BedView{Bed: b, RoomNumber: room.Number, Rent: room.Rent})
		}
		return nil
	})
	return out, err
}

func loadRoomView(ctx context.Context, s tenancy.Store, id tenancy.RoomID) (RoomView, error) {
	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return RoomView{}, err
	}
	beds, err := s.ListBeds(ctx, tenancy.BedFilter{RoomID: &id})
	if err != nil {
		return RoomView{}, err
	}
	return RoomView{Room: room, Beds: ordered(room, beds)}, nil
}

func groupBeds(beds []tenancy.Bed) map[tenancy.RoomID][]tenancy.Bed {
	out := make(map[tenancy.RoomID][]tenancy.Bed)
	for _, b := range beds {
		out[b.RoomID] = append(out[b.RoomID], b)
	}
	return out
}

// ordered sorts beds by the room's BedIDs order.
func ordered(room tenancy.Room, beds []tenancy.Bed) []tenancy.Bed {
	byID := make(map[tenancy.BedID]tenancy.Bed, len(beds))
	for _, b := range beds {
		byID[b.ID] = b
	}
	out := make([]tenancy.Bed, 0, len(beds))
	for _, id := range room.BedIDs {
		if b, ok := byID[id]; ok {
			out = append(out, b)
			delete(byID, id)
		}
	}
	// Beds missing from BedIDs keep store order at the end.
	for _, b := range beds {
		if _, ok := byID[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}
