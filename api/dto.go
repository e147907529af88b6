/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model (tenancy, allocation) from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers ({count, payments}, error bodies)

FORMATS:
  Money:  decimal strings ("4500.00") via shopspring/decimal JSON encoding
  Dates:  request dates accept "2006-01-02" or RFC 3339; responses are RFC 3339

VALIDATION:
  Validation is done by the domain packages. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hostel-engine/allocation"
	"github.com/warp/hostel-engine/billing"
	"github.com/warp/hostel-engine/tenancy"
)

// =============================================================================
// ROOMS & BEDS
// =============================================================================

type RoomDTO struct {
	ID                 string          `json:"id"`
	Number             string          `json:"roomNumber"`
	Rent               decimal.Decimal `json:"rentAmount"`
	Status             string          `json:"status"`
	AvailableBedsCount int             `json:"availableBedsCount"`
	Beds               []BedDTO        `json:"beds,omitempty"`
	CreatedAt          string          `json:"createdAt,omitempty"`
}

type BedDTO struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	RoomID     string           `json:"roomId"`
	RoomNumber string           `json:"roomNumber,omitempty"`
	Rent       *decimal.Decimal `json:"rentAmount,omitempty"`
	Occupied   bool             `json:"isOccupied"`
	OccupantID *string          `json:"occupantId,omitempty"`
}

type CreateRoomRequest struct {
	Number string          `json:"roomNumber"`
	Rent   decimal.Decimal `json:"rentAmount"`
	Beds   []string        `json:"beds"`
}

// UpdateRoomRequest replaces all beds when Beds is non-empty.
type UpdateRoomRequest struct {
	Number *string          `json:"roomNumber"`
	Rent   *decimal.Decimal `json:"rentAmount"`
	Beds   []string         `json:"beds"`
}

type DeleteRoomResponse struct {
	Released []string `json:"releasedTenants"`
}

func toRoomDTO(v allocation.RoomView) RoomDTO {
	dto := RoomDTO{
		ID:                 string(v.ID),
		Number:             v.Number,
		Rent:               v.Rent,
		Status:             string(v.Status),
		AvailableBedsCount: v.FreeBeds(),
		Beds:               make([]BedDTO, 0, len(v.Beds)),
		CreatedAt:          formatTime(v.CreatedAt),
	}
	for _, b := range v.Beds {
		dto.Beds = append(dto.Beds, toBedDTO(b))
	}
	return dto
}

func toBedDTO(b tenancy.Bed) BedDTO {
	dto := BedDTO{
		ID:       string(b.ID),
		Label:    b.Label,
		RoomID:   string(b.RoomID),
		Occupied: b.Occupied,
	}
	if b.OccupantID != nil {
		id := string(*b.OccupantID)
		dto.OccupantID = &id
	}
	return dto
}

func toBedViewDTO(v allocation.BedView) BedDTO {
	dto := toBedDTO(v.Bed)
	dto.RoomNumber = v.RoomNumber
	rent := v.Rent
	dto.Rent = &rent
	return dto
}

// =============================================================================
// TENANTS & ALLOCATION
// =============================================================================

type TenantDTO struct {
	ID         string          `json:"id"`
	FullName   string          `json:"fullName"`
	Phone      string          `json:"phone"`
	JoinedDate string          `json:"joinedDate,omitempty"`
	Rent       decimal.Decimal `json:"rentAmount"`
	IsActive   bool            `json:"isActive"`
	Allocation *AllocationDTO  `json:"allocation,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

type AllocationDTO struct {
	BedID      string          `json:"bedId"`
	RoomID     string          `json:"roomId"`
	RoomNumber string          `json:"roomNumber"`
	BedLabel   string          `json:"bedLabel"`
	Rent       decimal.Decimal `json:"rentAmount"`
}

type CreateTenantRequest struct {
	FullName   string          `json:"fullName"`
	Phone      string          `json:"phone"`
	JoinedDate string          `json:"joinedDate"`
	Rent       decimal.Decimal `json:"rentAmount"`
	BedID      string          `json:"bedId"`
}

type UpdateTenantRequest struct {
	FullName   *string `json:"fullName"`
	Phone      *string `json:"phone"`
	JoinedDate *string `json:"joinedDate"`
	IsActive   *bool   `json:"isActive"`
}

type AllocateBedRequest struct {
	TenantID string `json:"userId"`
	BedID    string `json:"bedId"`
}

// ReallocateRequest moves the tenant; an empty BedID releases only.
type ReallocateRequest struct {
	BedID string `json:"bedId"`
}

type AllocationResponse struct {
	Tenant  TenantDTO    `json:"user"`
	Bed     *BedDTO      `json:"bed,omitempty"`
	Rooms   []RoomStatus `json:"rooms"`
	Payment *PaymentDTO  `json:"payment,omitempty"`
}

type RoomStatus struct {
	ID     string `json:"id"`
	Number string `json:"roomNumber"`
	Status string `json:"status"`
}

func toTenantDTO(t tenancy.Tenant) TenantDTO {
	dto := TenantDTO{
		ID:        string(t.ID),
		FullName:  t.FullName,
		Phone:     t.Phone,
		Rent:      t.Rent,
		IsActive:  t.IsActive,
		CreatedAt: formatTime(t.CreatedAt),
	}
	if t.JoinedDate != nil {
		dto.JoinedDate = formatTime(*t.JoinedDate)
	}
	if a := t.Allocation; a != nil {
		dto.Allocation = &AllocationDTO{
			BedID:      string(a.BedID),
			RoomID:     string(a.RoomID),
			RoomNumber: a.RoomNumber,
			BedLabel:   a.BedLabel,
			Rent:       a.Rent,
		}
	}
	return dto
}

func toAllocationResponse(res allocation.Result) AllocationResponse {
	out := AllocationResponse{Tenant: toTenantDTO(res.Tenant), Rooms: make([]RoomStatus, 0, len(res.Rooms))}
	if res.Bed != nil {
		b := toBedDTO(*res.Bed)
		out.Bed = &b
	}
	for _, r := range res.Rooms {
		out.Rooms = append(out.Rooms, RoomStatus{ID: string(r.ID), Number: r.Number, Status: string(r.Status)})
	}
	return out
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	PeriodStart string          `json:"periodStart"`
	PeriodEnd   string          `json:"periodEnd"`
	DueDate     string          `json:"dueDate"`
	Status      string          `json:"status"`
	PaidAt      string          `json:"paidAt,omitempty"`
	CreatedAt   string          `json:"createdAt"`
}

type PaymentListResponse struct {
	Count    int          `json:"count"`
	Payments []PaymentDTO `json:"payments"`
}

// PayRequest marks a payment paid. CreateNext also materializes the
// tenant's following period.
type PayRequest struct {
	PaidAt     string `json:"paidAt"`
	CreateNext bool   `json:"createNext"`
}

type PayResponse struct {
	Payment PaymentDTO  `json:"payment"`
	Next    *PaymentDTO `json:"next,omitempty"`
}

func toPaymentDTO(p tenancy.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:          string(p.ID),
		TenantID:    string(p.TenantID),
		Amount:      p.Amount,
		PeriodStart: formatTime(p.PeriodStart),
		PeriodEnd:   formatTime(p.PeriodEnd),
		DueDate:     formatTime(p.DueDate),
		Status:      string(p.Status),
		CreatedAt:   formatTime(p.CreatedAt),
	}
	if p.PaidAt != nil {
		dto.PaidAt = formatTime(*p.PaidAt)
	}
	return dto
}

func toPaymentList(ps []tenancy.Payment) PaymentListResponse {
	out := PaymentListResponse{Count: len(ps), Payments: make([]PaymentDTO, 0, len(ps))}
	for _, p := range ps {
		out.Payments = append(out.Payments, toPaymentDTO(p))
	}
	return out
}

// =============================================================================
// BILLING ADMIN
// =============================================================================

type SweepResultDTO struct {
	RunID    string             `json:"runId"`
	Horizon  string             `json:"horizon"`
	Tenants  int                `json:"tenants"`
	Created  int                `json:"created"`
	Failures []TenantFailureDTO `json:"failures"`
}

type TenantFailureDTO struct {
	TenantID string `json:"userId"`
	Error    string `json:"error"`
}

type SweepRunDTO struct {
	ID          string `json:"id"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	Horizon     string `json:"horizon"`
	Tenants     int    `json:"tenants"`
	Created     int    `json:"created"`
	Failed      int    `json:"failed"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type BillingStatusDTO struct {
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	Interval  string `json:"interval"`
	AheadDays int    `json:"aheadDays"`
	BatchSize int    `json:"batchSize"`
	NextRunAt string `json:"nextRunAt,omitempty"`
}

func toSweepResultDTO(res billing.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		RunID:    string(res.RunID),
		Horizon:  formatTime(res.Horizon),
		Tenants:  res.Tenants,
		Created:  res.Created,
		Failures: make([]TenantFailureDTO, 0, len(res.Failures)),
	}
	for _, f := range res.Failures {
		dto.Failures = append(dto.Failures, TenantFailureDTO{TenantID: string(f.TenantID), Error: f.Err.Error()})
	}
	return dto
}

func toSweepRunDTO(r tenancy.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:        string(r.ID),
		StartedAt: formatTime(r.StartedAt),
		Horizon:   formatTime(r.Horizon),
		Tenants:   r.Tenants,
		Created:   r.Created,
		Failed:    r.Failed,
		Status:    string(r.Status),
		Error:     r.Error,
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = formatTime(*r.CompletedAt)
	}
	return dto
}

// =============================================================================
// ERRORS & FORMATTING
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
