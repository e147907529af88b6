/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Room creation and availability
- Onboarding with a bed and the first payment
- Error mapping (400, 404, 409)
- Payment transitions and listings
- Manual billing sweep
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hostel-engine/allocation"
	"github.com/warp/hostel-engine/billing"
	"github.com/warp/hostel-engine/tenancy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := func() time.Time { return testNow }

	mgr := allocation.NewManager(mem, nil)
	mgr.Now = clock
	ledger := billing.NewLedger(mem, nil)
	ledger.Now = clock
	sweeper := billing.NewSweeper(ledger)
	sweeper.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	scheduler := NewBillingScheduler(sweeper, nil)
	scheduler.Enabled = false

	h := NewHandler(mgr, ledger, scheduler, nil)
	return &testServer{t: t, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createRoom(number string, beds ...string) RoomDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/rooms", map[string]any{
		"roomNumber": number,
		"rentAmount": "4500",
		"beds":       beds,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RoomDTO](s.t, rec)
}

func (s *testServer) onboard(name, bedID string) AllocationResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/tenants", map[string]any{
		"fullName":   name,
		"phone":      "9800000000",
		"joinedDate": "2024-01-15",
		"rentAmount": "3000",
		"bedId":      bedID,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[AllocationResponse](s.t, rec)
}

// =============================================================================
// ROOMS & ALLOCATION
// =============================================================================

func TestCreateRoom_ListsAsAvailable(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a room with two beds
	room := s.createRoom("101", "A", "B")

	// THEN: it is available with both beds free
	assert.Equal(t, "Available", room.Status)
	assert.Equal(t, 2, room.AvailableBedsCount)
	require.Len(t, room.Beds, 2)
	assert.Equal(t, "A", room.Beds[0].Label)

	rec := s.do(http.MethodGet, "/api/allocation/available-beds?roomId="+room.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	beds := decodeBody[[]BedDTO](t, rec)
	require.Len(t, beds, 2)
	assert.Equal(t, "101", beds[0].RoomNumber)
}

func TestCreateRoom_DuplicateNumberConflicts(t *testing.T) {
	s := newTestServer(t)
	s.createRoom("101", "A")

	rec := s.do(http.MethodPost, "/api/rooms", map[string]any{"roomNumber": "101", "rentAmount": "1", "beds": []string{"A"}})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRoom_ValidationAndMalformedBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/rooms", map[string]any{"roomNumber": "", "rentAmount": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "Invalid request body", decodeBody[ErrorResponse](t, raw).Error)
}

func TestOnboard_WithBedCreatesFirstPayment(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom("101", "A")

	// WHEN: a tenant is onboarded onto the only bed
	res := s.onboard("Asha", room.Beds[0].ID)

	// THEN: the room is full and the first payment exists at room rent
	require.NotNil(t, res.Bed)
	assert.Equal(t, res.Tenant.ID, *res.Bed.OccupantID)
	require.Len(t, res.Rooms, 1)
	assert.Equal(t, "Full", res.Rooms[0].Status)
	require.NotNil(t, res.Tenant.Allocation)
	assert.Equal(t, "101", res.Tenant.Allocation.RoomNumber)

	require.NotNil(t, res.Payment)
	assert.True(t, decimal.NewFromInt(4500).Equal(res.Payment.Amount), res.Payment.Amount.String())
	assert.Equal(t, "pending", res.Payment.Status)
	assert.Equal(t, "2024-01-15T00:00:00Z", res.Payment.PeriodStart)
}

func TestAllocate_OccupiedBedConflicts(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom("101", "A")
	s.onboard("Asha", room.Beds[0].ID)
	other := s.onboard("Ravi", "")

	// WHEN: a second tenant tries the occupied bed
	rec := s.do(http.MethodPost, "/api/allocation/allocate-bed", AllocateBedRequest{
		TenantID: other.Tenant.ID,
		BedID:    room.Beds[0].ID,
	})

	// THEN: 409 and the bed keeps its occupant
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodGet, "/api/allocation/available-rooms", nil)
	assert.Empty(t, decodeBody[[]RoomDTO](t, rec))
}

func TestReleaseAndReallocate(t *testing.T) {
	s := newTestServer(t)
	r1 := s.createRoom("101", "A")
	r2 := s.createRoom("102", "A")
	res := s.onboard("Asha", r1.Beds[0].ID)
	tenantID := res.Tenant.ID

	// WHEN: the tenant moves to room 102
	rec := s.do(http.MethodPut, "/api/tenants/"+tenantID+"/bed", ReallocateRequest{BedID: r2.Beds[0].ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decodeBody[AllocationResponse](t, rec)

	// THEN: both rooms are reported with their new status
	statuses := map[string]string{}
	for _, rs := range moved.Rooms {
		statuses[rs.Number] = rs.Status
	}
	assert.Equal(t, map[string]string{"101": "Available", "102": "Full"}, statuses)

	// WHEN: the tenant releases with the wrong bed
	rec = s.do(http.MethodPost, "/api/allocation/release-bed", AllocateBedRequest{TenantID: tenantID, BedID: r1.Beds[0].ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/allocation/release-bed", AllocateBedRequest{TenantID: tenantID, BedID: r2.Beds[0].ID})
	require.Equal(t, http.StatusOK, rec.Code)
	released := decodeBody[AllocationResponse](t, rec)
	assert.Nil(t, released.Tenant.Allocation)
}

func TestDeleteRoom_BlockedUntilForced(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom("101", "A")
	res := s.onboard("Asha", room.Beds[0].ID)

	rec := s.do(http.MethodDelete, "/api/rooms/"+room.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodDelete, "/api/rooms/"+room.ID+"?force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{res.Tenant.ID}, decodeBody[DeleteRoomResponse](t, rec).Released)

	rec = s.do(http.MethodGet, "/api/rooms/"+room.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/rooms/nope", "/api/tenants/nope"} {
		rec := s.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := s.do(http.MethodPost, "/api/payments/nope/pay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateTenant_Deactivate(t *testing.T) {
	s := newTestServer(t)
	res := s.onboard("Asha", "")

	inactive := false
	rec := s.do(http.MethodPatch, "/api/tenants/"+res.Tenant.ID, UpdateTenantRequest{IsActive: &inactive})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[TenantDTO](t, rec).IsActive)

	empty := " "
	rec = s.do(http.MethodPatch, "/api/tenants/"+res.Tenant.ID, UpdateTenantRequest{FullName: &empty})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPay_TwiceConflicts(t *testing.T) {
	s := newTestServer(t)
	res := s.onboard("Asha", "")
	id := res.Payment.ID

	// WHEN: paid with createNext
	rec := s.do(http.MethodPost, "/api/payments/"+id+"/pay", PayRequest{PaidAt: "2024-02-10", CreateNext: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[PayResponse](t, rec)

	// THEN: paid, and the next period starts a month later
	assert.Equal(t, "paid", paid.Payment.Status)
	assert.Equal(t, "2024-02-10T00:00:00Z", paid.Payment.PaidAt)
	require.NotNil(t, paid.Next)
	assert.Equal(t, "2024-02-15T00:00:00Z", paid.Next.PeriodStart)

	// AND: paying again or cancelling is a conflict
	rec = s.do(http.MethodPost, "/api/payments/"+id+"/pay", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodPost, "/api/payments/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/payments/paid?from=2024-02-01&to=2024-02-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[PaymentListResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Payments[0].ID)
}

func TestPendingAndUpcoming(t *testing.T) {
	s := newTestServer(t)
	res := s.onboard("Asha", "")

	// period[0] (Jan 15) is already due on Mar 1
	rec := s.do(http.MethodGet, "/api/payments/pending?tenantId="+res.Tenant.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[PaymentListResponse](t, rec)
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, res.Payment.ID, pending.Payments[0].ID)

	rec = s.do(http.MethodGet, "/api/payments/upcoming", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[PaymentListResponse](t, rec).Count)

	rec = s.do(http.MethodGet, "/api/payments/upcoming?days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/payments?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/payments?dueFrom=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BILLING ADMIN
// =============================================================================

func TestTriggerSweep_IsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.onboard("Asha", "")

	// WHEN: sweeping up to now (Mar 1); Jan 15 exists, Feb 15 is missing
	rec := s.do(http.MethodPost, "/api/admin/billing/sweep?aheadDays=0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[SweepResultDTO](t, rec)
	assert.Equal(t, 1, first.Tenants)
	assert.Equal(t, 1, first.Created)
	assert.Empty(t, first.Failures)

	// THEN: a second sweep creates nothing
	rec = s.do(http.MethodPost, "/api/admin/billing/sweep?aheadDays=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[SweepResultDTO](t, rec).Created)

	rec = s.do(http.MethodGet, "/api/admin/billing/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]SweepRunDTO](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, "completed", runs[0].Status)

	rec = s.do(http.MethodPost, "/api/admin/billing/sweep?aheadDays=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerSweep_RejectsHorizonPastCap(t *testing.T) {
	s := newTestServer(t)
	s.onboard("Asha", "")

	// WHEN: the horizon is far beyond a year
	rec := s.do(http.MethodPost, "/api/admin/billing/sweep?aheadDays=200000", nil)

	// THEN: 400, and no run was recorded
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "Billing sweep failed", decodeBody[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/api/admin/billing/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]SweepRunDTO](t, rec))
}

func TestBillingStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/billing", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[BillingStatusDTO](t, rec)
	assert.False(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Equal(t, 45, st.AheadDays)
	assert.Empty(t, st.NextRunAt)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
