package tenancy

import "time"

// =============================================================================
// PERIOD - One calendar month of rent
// =============================================================================

// Period is a half-open interval [Start, End).
//
// Billing periods are always exactly one calendar month wide: End is
// AddMonthsKeepDay(Start, 1). Consecutive periods of a tenant share a boundary.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Next returns the period that starts where p ends.
func (p Period) Next() Period {
	return MonthlyPeriod(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + ")"
}

// MonthlyPeriod returns the one-month period starting at start.
func MonthlyPeriod(start time.Time) Period {
	return Period{Start: start, End: AddMonthsKeepDay(start, 1)}
}

// PeriodAt returns period k (k >= 0) of the sequence anchored at anchor.
//
// Each period starts where the previous one ended, which is exactly how the
// billing sweep materializes them from the latest stored period. A clamped
// boundary therefore carries forward: Jan 31 -> Feb 29 -> Mar 29.
func PeriodAt(anchor time.Time, k int) Period {
	p := MonthlyPeriod(anchor)
	for i := 0; i < k; i++ {
		p = p.Next()
	}
	return p
}

// =============================================================================
// MONTH ARITHMETIC
// =============================================================================

// AddMonthsKeepDay advances t by n calendar months, keeping the day of month
// and clock fields but clamping the day to the last valid day of the
// destination month:
//
//	2024-01-31 + 1 = 2024-02-29
//	2023-01-31 + 1 = 2023-02-28
//
// The result is computed from t's own calendar fields in t's location. It is
// pure: the same (t, n) always yields the identical instant, which matters
// because payments are unique per (tenant, period start).
func AddMonthsKeepDay(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	ns := t.Nanosecond()
	loc := t.Location()

	// First of the destination month; time.Date normalizes month overflow.
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, loc)
	last := DaysInMonth(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, ns, loc)
}

// DaysInMonth returns the number of days of the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last nanosecond of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
