package models

import "time"

// Expiry dates are compared by calendar day in UTC. A document expiring on
// the request date is already expired for that request.

func ExpiredAsOf(expiry, asOf time.Time) bool {
	return !calendarDay(expiry).After(calendarDay(asOf))
}

// DaysUntil counts whole calendar days from asOf to expiry; negative once expired.
func DaysUntil(expiry, asOf time.Time) int {
	return int(calendarDay(expiry).Sub(calendarDay(asOf)).Hours() / 24)
}

func calendarDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
