package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hostel-engine/billing"
	"github.com/warp/hostel-engine/tenancy"
	"github.com/warp/hostel-engine/tenancy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestLedger(t *testing.T, now time.Time) (*billing.Ledger, tenancy.TxStore) {
	t.Helper()
	mem := store.NewMemory()
	l := billing.NewLedger(mem, nil)
	l.Now = fixedClock(now)
	return l, mem
}

func addTenant(t *testing.T, ts tenancy.TxStore, id tenancy.TenantID, joined time.Time, rent int64) {
	t.Helper()
	j := joined
	err := ts.WithTx(context.Background(), func(s tenancy.Store) error {
		return s.InsertTenant(context.Background(), tenancy.Tenant{
			ID:         id,
			FullName:   string(id),
			JoinedDate: &j,
			Rent:       decimal.NewFromInt(rent),
			IsActive:   true,
			CreatedAt:  joined,
		})
	})
	require.NoError(t, err)
}

func starts(ps []tenancy.Payment) []time.Time {
	out := make([]time.Time, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.PeriodStart.UTC())
	}
	return out
}

// =============================================================================
// CREATION
// =============================================================================

func TestCreateFirstPayment_AnchorsOnJoinDate(t *testing.T) {
	ctx := context.Background()
	l, ts := newTestLedger(t, day(2024, time.January, 20))
	addTenant(t, ts, "t-1", day(2024, time.January, 15), 5000)

	p, err := l.CreateFirstPayment(ctx, "t-1")
	require.NoError(t, err)

	assert.Equal(t, day(2024, time.January, 15), p.PeriodStart)
	assert.Equal(t, day(2024, time.February, 15), p.PeriodEnd)
	assert.Equal(t, p.PeriodEnd, p.DueDate)
	assert.Equal(t, tenancy.PaymentPending, p.Status)
	assert.True(t, decimal.NewFromInt(5000).Equal(p.Amount))

	// WHEN: called again
	again, err := l.CreateFirstPayment(ctx, "t-1")
	require.NoError(t, err)

	// THEN: the stored payment comes back, nothing new is created
	assert.Equal(t, p.ID, again.ID)
	all, err := l.Payments(ctx, tenancy.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateNextPayment_StepsFromLatest(t *testing.T) {
	ctx := context.Background()
	l, ts := newTestLedger(t, day(2024, time.January, 31))
	addTenant(t, ts, "t-1", day(2024, time.January, 31), 5000)

	var got []tenancy.Payment
	for i := 0; i < 3; i++ {
		p, err := l.CreateNextPayment(ctx, "t-1")
		require.NoError(t, err)
		got = append(got, p)
	}

	assert.Equal(t, []time.Time{
		day(2024, time.January, 31),
		day(2024, time.February, 29),
		day(2024, time.March, 29),
	}, starts(got))
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].PeriodEnd.Equal(got[i].PeriodStart), "periods must be contiguous")
	}
}

func TestCreateNextPayment_UnknownTenant(t *testing.T) {
	l, _ := newTestLedger(t, day(2024, time.January, 1))
	_, err := l.CreateNextPayment(context.Background(), "nobody")
	assert.True(t, tenancy.IsNotFound(err))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestMarkPaid_TwiceConflictsAndKeepsPaidAt(t *testing.T) {
	ctx := context.Background()
	l, ts := newTestLedger(t, day(2024, time.February, 1))
	addTenant(t, ts, "t-1", day(2024, time.January, 15), 5000)
	p, err := l.CreateFirstPayment(ctx, "t-1")
	require.NoError(t, err)

	firstPaid := day(2024, time.February, 10)
	paid, err := l.MarkPaid(ctx, p.ID, &firstPaid)
	require.NoError(t, err)
	assert.Equal(t, tenancy.PaymentPaid, paid.Status)

	// WHEN: paid again later
	secondPaid := day(2024, time.February, 20)
	_, err = l.MarkPaid(ctx, p.ID, &secondPaid)

	// THEN: conflict and the original paidAt survives
	assert.ErrorIs(t, err, tenancy.ErrAlreadyPaid)
	assert.True(t, tenancy.IsConflict(err))
	stored, err := l.Payment(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, firstPaid.Equal(*stored.PaidAt))
}

func TestMarkPaid_DefaultsToNow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, time.February, 3, 12, 0, 0, 0, time.UTC)
	l, ts := newTestLedger(t, now)
	addTenant(t, ts, "t-1", day(2024, time.January, 15), 5000)
	p, err := l.CreateFirstPayment(ctx, "t-1")
	require.NoError(t, err)

	paid, err := l.MarkPaid(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.True(t, now.Equal(*paid.PaidAt))
}

func TestCancel_IsTerminal(t *testing.T) {
	ctx := context.Background()
	l, ts := newTestLedger(t, day(2024, time.February, 1))
	addTenant(t, ts, "t-1", day(2024, time.January, 15), 5000)
	p, err := l.CreateFirstPayment(ctx, "t-1")
	require.NoError(t, err)

	cancelled, err := l.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, tenancy.PaymentCancelled, cancelled.Status)

	_, err = l.MarkPaid(ctx, p.ID, nil)
	assert.ErrorIs(t, err, tenancy.ErrTerminalStatus)
	_, err = l.Cancel(ctx, p.ID)
	assert.ErrorIs(t, err, tenancy.ErrTerminalStatus)

	_, err = l.MarkPaid(ctx, "missing", nil)
	assert.True(t, tenancy.IsNotFound(err))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestQueries_OverdueUpcomingPaid(t *testing.T) {
	ctx := context.Background()
	l, ts := newTestLedger(t, day(2024, time.January, 1))
	addTenant(t, ts, "t-1", day(2024, time.January, 1), 5000)

	// GIVEN: periods due Feb 1, Mar 1, Apr 1
	var ps []tenancy.Payment
	for i := 0; i < 3; i++ {
		p, err := l.CreateNextPayment(ctx, "t-1")
		require.NoError(t, err)
		ps = append(ps, p)
	}
	paidAt := time.Date(2024, time.March, 5, 18, 30, 0, 0, time.UTC)
	_, err := l.MarkPaid(ctx, ps[1].ID, &paidAt)
	require.NoError(t, err)

	asOf := day(2024, time.March, 10)

	overdue, err := l.Overdue(ctx, asOf, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2024, time.January, 1)}, starts(overdue))

	upcoming, err := l.Upcoming(ctx, asOf, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2024, time.March, 1)}, starts(upcoming))

	// to covers the whole day of March 5
	to := day(2024, time.March, 5)
	paid, err := l.Paid(ctx, nil, &to, nil)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, ps[1].ID, paid[0].ID)

	from := day(2024, time.March, 6)
	paid, err = l.Paid(ctx, &from, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, paid)
}
