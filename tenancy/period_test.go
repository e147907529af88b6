package tenancy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/hostel-engine/tenancy"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// MONTH STEPPING
// =============================================================================

func TestAddMonthsKeepDay_ClampsToEndOfMonth(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		n    int
		want time.Time
	}{
		{"leap february", date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{"common february", date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{"plain day", date(2024, time.January, 15), 1, date(2024, time.February, 15)},
		{"thirty day month", date(2024, time.March, 31), 1, date(2024, time.April, 30)},
		{"year rollover", date(2024, time.December, 15), 1, date(2025, time.January, 15)},
		{"several months", date(2024, time.January, 31), 3, date(2024, time.April, 30)},
		{"twelve months", date(2024, time.February, 29), 12, date(2025, time.February, 28)},
		{"zero months", date(2024, time.May, 31), 0, date(2024, time.May, 31)},
		{"negative months", date(2024, time.March, 31), -1, date(2024, time.February, 29)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(tenancy.AddMonthsKeepDay(tc.in, tc.n)),
				"got %s", tenancy.AddMonthsKeepDay(tc.in, tc.n))
		})
	}
}

func TestAddMonthsKeepDay_KeepsClockAndLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)

	in := time.Date(2024, time.January, 31, 9, 30, 15, 42, loc)
	got := tenancy.AddMonthsKeepDay(in, 1)

	assert.Equal(t, time.Date(2024, time.February, 29, 9, 30, 15, 42, loc), got)
	assert.Equal(t, loc, got.Location())
}

func TestAddMonthsKeepDay_Deterministic(t *testing.T) {
	in := date(2024, time.January, 31)
	first := tenancy.AddMonthsKeepDay(in, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, first.Equal(tenancy.AddMonthsKeepDay(in, 1)))
	}
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriod_HalfOpen(t *testing.T) {
	p := tenancy.MonthlyPeriod(date(2024, time.January, 15))

	assert.True(t, p.Contains(date(2024, time.January, 15)))
	assert.True(t, p.Contains(date(2024, time.February, 14)))
	assert.False(t, p.Contains(date(2024, time.February, 15)))
	assert.False(t, p.Contains(date(2024, time.January, 14)))
	assert.Equal(t, "[2024-01-15, 2024-02-15)", p.String())
}

func TestPeriodAt_ContiguousSequence(t *testing.T) {
	// GIVEN: a tenant anchored on the 31st
	anchor := date(2024, time.January, 31)

	// WHEN: walking twelve periods
	// THEN: every period starts exactly where the previous ended
	prev := tenancy.PeriodAt(anchor, 0)
	assert.True(t, prev.Start.Equal(anchor))
	for k := 1; k < 12; k++ {
		p := tenancy.PeriodAt(anchor, k)
		assert.True(t, prev.End.Equal(p.Start), "gap between period %d and %d", k-1, k)
		assert.True(t, p.End.Equal(tenancy.AddMonthsKeepDay(p.Start, 1)))
		prev = p
	}
}

func TestPeriodAt_ClampCarriesForward(t *testing.T) {
	anchor := date(2024, time.January, 31)

	assert.True(t, date(2024, time.February, 29).Equal(tenancy.PeriodAt(anchor, 1).Start))
	assert.True(t, date(2024, time.March, 29).Equal(tenancy.PeriodAt(anchor, 2).Start))
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 29, tenancy.DaysInMonth(2024, time.February))
	assert.Equal(t, 28, tenancy.DaysInMonth(2100, time.February))
	assert.Equal(t, 31, tenancy.DaysInMonth(2024, time.December))
}

func TestStartAndEndOfDay(t *testing.T) {
	in := time.Date(2024, time.June, 3, 17, 4, 5, 6, time.UTC)

	assert.Equal(t, date(2024, time.June, 3), tenancy.StartOfDay(in))
	assert.Equal(t, time.Date(2024, time.June, 3, 23, 59, 59, 999999999, time.UTC), tenancy.EndOfDay(in))
}
