package services

import "time"

// Validity is day-granular: every start/end/asOf normalizes to a UTC day
// boundary before comparison or storage.
func normalizeValidTimeDayUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	u := t.UTC()
	y, m, d := u.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizeValidTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := normalizeValidTimeDayUTC(*t)
	return &n
}
