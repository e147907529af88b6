/*
handlers.go - HTTP API handlers for the hostel engine

PURPOSE:
  Exposes allocation and billing over REST. Handlers parse input, call the
  allocation Manager or the billing Ledger, and map typed errors to status
  codes. They hold no invariants of their own.

ENDPOINTS:
  Rooms:
    GET    /api/rooms                      List rooms with beds
    POST   /api/rooms                      Create room with beds
    GET    /api/rooms/{id}                 Get room
    PUT    /api/rooms/{id}?force=true      Update room (force releases occupants of replaced beds)
    DELETE /api/rooms/{id}?force=true      Delete room and its beds

  Allocation:
    GET    /api/allocation/available-rooms
    GET    /api/allocation/available-beds?roomId=
    POST   /api/allocation/allocate-bed    {userId, bedId}
    POST   /api/allocation/release-bed     {userId, bedId}

  Tenants:
    GET    /api/tenants
    POST   /api/tenants                    Onboard (optional bedId) + first payment
    GET    /api/tenants/{id}
    PATCH  /api/tenants/{id}               Profile fields, isActive
    PUT    /api/tenants/{id}/bed           Reallocate ({bedId:""} releases)
    POST   /api/tenants/{id}/payments/next Materialize the next period

  Payments:
    GET    /api/payments?tenantId&status&dueFrom&dueTo&paidFrom&paidTo
    GET    /api/payments/pending           Pending and due (dueDate <= now)
    GET    /api/payments/upcoming?days=    Pending, due within N days (default 30)
    GET    /api/payments/paid?from=&to=    Paid, newest first
    POST   /api/payments/{id}/pay          {paidAt?, createNext?}
    POST   /api/payments/{id}/cancel

  Admin:
    GET    /api/admin/billing              Scheduler status
    POST   /api/admin/billing/sweep?aheadDays=&batchSize=
    GET    /api/admin/billing/runs?limit=

ERROR HANDLING:
  - 400: Validation errors, malformed input
  - 404: Room, bed, tenant or payment not found
  - 409: Conflicts (bed occupied, already paid, sweep in progress, ...)
  - 503: Transient store errors (retry later)
  - 500: Everything else

SECURITY NOTE:
  No authentication. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/hostel-engine/allocation"
	"github.com/warp/hostel-engine/billing"
	"github.com/warp/hostel-engine/logging"
	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager   *allocation.Manager
	Ledger    *billing.Ledger
	Scheduler *BillingScheduler
	Logger    *zap.Logger
	// Ping reports store health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

func NewHandler(mgr *allocation.Manager, ledger *billing.Ledger, scheduler *BillingScheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Manager: mgr, Ledger: ledger, Scheduler: scheduler, Logger: logger}
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ROOM HANDLERS
// =============================================================================

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Manager.Rooms(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list rooms", err)
		return
	}
	dtos := make([]RoomDTO, 0, len(rooms))
	for _, v := range rooms {
		dtos = append(dtos, toRoomDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Manager.CreateRoomWithBeds(r.Context(), req.Number, req.Rent, req.Beds)
	if err != nil {
		h.fail(w, r, "Failed to create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomDTO(view))
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.Manager.Room(r.Context(), tenancy.RoomID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get room", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomDTO(view))
}

func (h *Handler) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	upd := allocation.RoomUpdate{Number: req.Number, Rent: req.Rent, BedLabels: req.Beds}
	view, err := h.Manager.UpdateRoom(r.Context(), tenancy.RoomID(chi.URLParam(r, "id")), upd, occupiedPolicy(r))
	if err != nil {
		h.fail(w, r, "Failed to update room", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomDTO(view))
}

func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	released, err := h.Manager.DeleteRoom(r.Context(), tenancy.RoomID(chi.URLParam(r, "id")), occupiedPolicy(r))
	if err != nil {
		h.fail(w, r, "Failed to delete room", err)
		return
	}
	resp := DeleteRoomResponse{Released: make([]string, 0, len(released))}
	for _, id := range released {
		resp.Released = append(resp.Released, string(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

func occupiedPolicy(r *http.Request) allocation.OccupiedPolicy {
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		return allocation.ForceRelease
	}
	return allocation.Block
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

func (h *Handler) AvailableRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Manager.AvailableRooms(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list available rooms", err)
		return
	}
	dtos := make([]RoomDTO, 0, len(rooms))
	for _, v := range rooms {
		dto := toRoomDTO(v)
		dto.Beds = nil
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) AvailableBeds(w http.ResponseWriter, r *http.Request) {
	var roomID *tenancy.RoomID
	if v := r.URL.Query().Get("roomId"); v != "" {
		id := tenancy.RoomID(v)
		roomID = &id
	}
	beds, err := h.Manager.AvailableBeds(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, "Failed to list available beds", err)
		return
	}
	dtos := make([]BedDTO, 0, len(beds))
	for _, b := range beds {
		dtos = append(dtos, toBedViewDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) AllocateBed(w http.ResponseWriter, r *http.Request) {
	var req AllocateBedRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Manager.Allocate(r.Context(), tenancy.TenantID(req.TenantID), tenancy.BedID(req.BedID))
	if err != nil {
		h.fail(w, r, "Failed to allocate bed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResponse(res))
}

func (h *Handler) ReleaseBed(w http.ResponseWriter, r *http.Request) {
	var req AllocateBedRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Manager.Release(r.Context(), tenancy.TenantID(req.TenantID), tenancy.BedID(req.BedID))
	if err != nil {
		h.fail(w, r, "Failed to release bed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResponse(res))
}

// =============================================================================
// TENANT HANDLERS
// =============================================================================

func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Manager.Tenants(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list tenants", err)
		return
	}
	dtos := make([]TenantDTO, 0, len(tenants))
	for _, t := range tenants {
		dtos = append(dtos, toTenantDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.Manager.Tenant(r.Context(), tenancy.TenantID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(t))
}

// CreateTenant onboards a tenant and creates the first payment. A failure
// to create the payment is logged and does not undo the onboarding; the
// next sweep fills the gap.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !decode(w, r, &req) {
		return
	}
	in := allocation.NewTenant{FullName: req.FullName, Phone: req.Phone, Rent: req.Rent}
	if req.JoinedDate != "" {
		jd, err := parseDate(req.JoinedDate, h.Ledger.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid joinedDate (use YYYY-MM-DD)", err)
			return
		}
		in.JoinedDate = &jd
	}
	var bedID *tenancy.BedID
	if req.BedID != "" {
		id := tenancy.BedID(req.BedID)
		bedID = &id
	}

	ctx := r.Context()
	res, err := h.Manager.OnboardTenant(ctx, in, bedID)
	if err != nil {
		h.fail(w, r, "Failed to create tenant", err)
		return
	}
	out := toAllocationResponse(res)

	p, err := h.Ledger.CreateFirstPayment(ctx, res.Tenant.ID)
	if err != nil {
		logging.FromRequest(r, h.Logger).Warn("create first payment",
			zap.String("tenant_id", string(res.Tenant.ID)),
			zap.Error(err))
	} else {
		dto := toPaymentDTO(p)
		out.Payment = &dto
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var req UpdateTenantRequest
	if !decode(w, r, &req) {
		return
	}
	upd := allocation.TenantUpdate{FullName: req.FullName, Phone: req.Phone, IsActive: req.IsActive}
	if req.JoinedDate != nil {
		jd, err := parseDate(*req.JoinedDate, h.Ledger.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid joinedDate (use YYYY-MM-DD)", err)
			return
		}
		upd.JoinedDate = &jd
	}
	t, err := h.Manager.UpdateTenant(r.Context(), tenancy.TenantID(chi.URLParam(r, "id")), upd)
	if err != nil {
		h.fail(w, r, "Failed to update tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(t))
}

func (h *Handler) ReallocateTenant(w http.ResponseWriter, r *http.Request) {
	var req ReallocateRequest
	if !decode(w, r, &req) {
		return
	}
	var bedID *tenancy.BedID
	if req.BedID != "" {
		id := tenancy.BedID(req.BedID)
		bedID = &id
	}
	res, err := h.Manager.Reallocate(r.Context(), tenancy.TenantID(chi.URLParam(r, "id")), bedID)
	if err != nil {
		h.fail(w, r, "Failed to reallocate tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResponse(res))
}

func (h *Handler) CreateNextPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.CreateNextPayment(r.Context(), tenancy.TenantID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to create next payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tenancy.PaymentFilter{TenantID: tenantParam(r)}
	if v := q.Get("status"); v != "" {
		status, err := tenancy.ParsePaymentStatus(v)
		if err != nil {
			h.fail(w, r, "Invalid status", err)
			return
		}
		f.Status = &status
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"dueFrom", &f.DueFrom}, {"dueTo", &f.DueTo}, {"paidFrom", &f.PaidFrom}, {"paidTo", &f.PaidTo}} {
		t, ok := h.dateParam(w, r, p.name)
		if !ok {
			return
		}
		*p.dst = t
	}

	list, err := h.Ledger.Payments(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(list))
}

// PendingPayments lists pending payments that are due now or overdue.
func (h *Handler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Ledger.Overdue(r.Context(), h.Ledger.Now(), tenantParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list pending payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(list))
}

func (h *Handler) UpcomingPayments(w http.ResponseWriter, r *http.Request) {
	days := billing.DefaultUpcomingDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days", err)
			return
		}
		days = n
	}
	list, err := h.Ledger.Upcoming(r.Context(), h.Ledger.Now(), days, tenantParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list upcoming payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(list))
}

func (h *Handler) PaidPayments(w http.ResponseWriter, r *http.Request) {
	from, ok := h.dateParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := h.dateParam(w, r, "to")
	if !ok {
		return
	}
	list, err := h.Ledger.Paid(r.Context(), from, to, tenantParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list paid payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(list))
}

func (h *Handler) PayPayment(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	var paidAt *time.Time
	if req.PaidAt != "" {
		t, err := parseDate(req.PaidAt, h.Ledger.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paidAt", err)
			return
		}
		paidAt = &t
	}

	ctx := r.Context()
	p, err := h.Ledger.MarkPaid(ctx, tenancy.PaymentID(chi.URLParam(r, "id")), paidAt)
	if err != nil {
		h.fail(w, r, "Failed to mark payment paid", err)
		return
	}
	resp := PayResponse{Payment: toPaymentDTO(p)}
	if req.CreateNext {
		next, err := h.Ledger.CreateNextPayment(ctx, p.TenantID)
		switch {
		case err == nil:
			dto := toPaymentDTO(next)
			resp.Next = &dto
		case errors.Is(err, tenancy.ErrDuplicatePeriod):
			// already materialized by a sweep
		default:
			logging.FromRequest(r, h.Logger).Warn("create next payment",
				zap.String("tenant_id", string(p.TenantID)),
				zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.Cancel(r.Context(), tenancy.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to cancel payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func tenantParam(r *http.Request) *tenancy.TenantID {
	q := r.URL.Query()
	v := q.Get("tenantId")
	if v == "" {
		v = q.Get("userId")
	}
	if v == "" {
		return nil
	}
	id := tenancy.TenantID(v)
	return &id
}

// dateParam parses an optional date query parameter. It writes a 400 and
// returns ok=false when the value is malformed.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	t, err := parseDate(v, h.Ledger.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+" (use YYYY-MM-DD)", err)
		return nil, false
	}
	return &t, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the billing sweep synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ahead, batch := h.Scheduler.AheadDays, h.Scheduler.BatchSize
	for _, p := range []struct {
		name string
		dst  *int
	}{{"aheadDays", &ahead}, {"batchSize", &batch}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
				return
			}
			*p.dst = n
		}
	}

	res, err := h.Scheduler.RunNow(r.Context(), ahead, batch)
	if err != nil {
		h.fail(w, r, "Billing sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(res))
}

// BillingStatus reports the scheduler state.
func (h *Handler) BillingStatus(w http.ResponseWriter, r *http.Request) {
	s := h.Scheduler
	resp := BillingStatusDTO{
		Enabled:   s.Enabled,
		Running:   s.Sweeper.Running(),
		Interval:  s.Interval.String(),
		AheadDays: s.AheadDays,
		BatchSize: s.BatchSize,
	}
	if s.Enabled {
		resp.NextRunAt = formatTime(s.NextRunTime())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Scheduler.Sweeper.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toSweepRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps the tenancy error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case tenancy.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, tenancy.ErrValidation):
		return http.StatusBadRequest
	case tenancy.IsConflict(err):
		return http.StatusConflict
	case tenancy.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	log := logging.FromRequest(r, h.Logger)
	switch {
	case tenancy.IsClientError(err):
		log.Debug(message, zap.Error(err), zap.Int("status", status))
	case status >= http.StatusInternalServerError:
		log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = strings.TrimSpace(err.Error())
	}
	writeJSON(w, status, resp)
}
