package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/hostel-engine/tenancy"
)

// NewTenant is the input for onboarding.
type NewTenant struct {
	FullName   string
	Phone      string
	JoinedDate *time.Time
	// Rent is used when no bed is allocated; allocation copies the room rent.
	Rent decimal.Decimal
}

// TenantUpdate carries profile fields to change. Nil fields are kept.
type TenantUpdate struct {
	FullName   *string
	Phone      *string
	JoinedDate *time.Time
	IsActive   *bool
}

// OnboardTenant creates an active tenant and, when bedID is set, allocates
// the bed in the same unit of work. If the bed cannot be claimed the tenant
// is not created either.
func (m *Manager) OnboardTenant(ctx context.Context, in NewTenant, bedID *tenancy.BedID) (Result, error) {
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return Result{}, tenancy.Invalid("full_name", "must not be empty")
	}
	if in.Rent.IsNegative() {
		return Result{}, tenancy.Invalid("rent", "must not be negative")
	}
	if bedID != nil && *bedID == "" {
		return Result{}, tenancy.Invalid("bed_id", "must not be empty")
	}

	tenant := tenancy.Tenant{
		ID:         tenancy.NewTenantID(),
		FullName:   name,
		Phone:      strings.TrimSpace(in.Phone),
		JoinedDate: in.JoinedDate,
		Rent:       in.Rent,
		IsActive:   true,
		CreatedAt:  m.Now(),
	}

	var res Result
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		if err := s.InsertTenant(ctx, tenant); err != nil {
			return err
		}
		touched := &roomSet{}
		if bedID != nil {
			if err := allocate(ctx, s, tenant, *bedID, touched); err != nil {
				return err
			}
		}
		var err error
		res, err = collect(ctx, s, tenant.ID, touched)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("onboard tenant: %w", err)
	}

	m.Logger.Info("tenant onboarded",
		zap.String("tenant_id", string(tenant.ID)),
		zap.Bool("allocated", res.Bed != nil))
	return res, nil
}

// UpdateTenant changes profile fields. Deactivating a tenant stops billing
// but keeps its bed; release the bed explicitly.
func (m *Manager) UpdateTenant(ctx context.Context, id tenancy.TenantID, upd TenantUpdate) (tenancy.Tenant, error) {
	if upd.FullName != nil && strings.TrimSpace(*upd.FullName) == "" {
		return tenancy.Tenant{}, tenancy.Invalid("full_name", "must not be empty")
	}

	var out tenancy.Tenant
	err := m.Store.WithTx(ctx, func(s tenancy.Store) error {
		t, err := s.GetTenant(ctx, id)
		if err != nil {
			return err
		}
		if upd.FullName != nil {
			t.FullName = strings.TrimSpace(*upd.FullName)
		}
		if upd.Phone != nil {
			t.Phone = strings.TrimSpace(*upd.Phone)
		}
		if upd.JoinedDate != nil {
			jd := *upd.JoinedDate
			t.JoinedDate = &jd
		}
		if upd.IsActive != nil {
			t.IsActive = *upd.IsActive
		}
		if err := s.UpdateTenant(ctx, t); err != nil {
			return err
		}
		out, err = s.GetTenant(ctx, id)
		return err
	})
	if err != nil {
		return tenancy.Tenant{}, fmt.Errorf("update tenant %s: %w", id, err)
	}
	return out, nil
}

func (m *Manager) Tenant(ctx context.Context, id tenancy.TenantID) (tenancy.Tenant, error) {
	var t tenancy.Tenant
	err := m.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		t, err = s.GetTenant(ctx, id)
		return err
	})
	return t, err
}

func (m *Manager) Tenants(ctx context.Context) ([]tenancy.Tenant, error) {
	var out []tenancy.Tenant
	err := m.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		out, err = s.ListTenants(ctx)
		return err
	})
	return out, err
}
