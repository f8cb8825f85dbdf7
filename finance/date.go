package finance

import (
	"time"
)

// =============================================================================
// DATE COMPARISON - Day granularity
// =============================================================================

// Balance math includes a transaction when its date is on or before "today",
// regardless of the time-of-day component. Comparison uses each value's own
// wall-clock date so a transaction stamped 23:59 local still counts for that
// day.

func dayKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// OnOrBefore reports whether a's calendar date is on or before b's.
func OnOrBefore(a, b time.Time) bool {
	return dayKey(a) <= dayKey(b)
}

// SameDay reports whether two instants fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	return dayKey(a) == dayKey(b)
}
