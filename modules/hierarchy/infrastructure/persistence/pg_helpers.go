package persistence

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// endOfTime marks an open-ended validity window in storage. The domain layer
// exposes nil for open windows; repositories translate at the boundary.
var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgDateOnlyUTC(t time.Time) pgtype.Date {
	u := t.UTC()
	y, m, d := u.Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

// pgDateOrEndOfTime stores nil as the end-of-time sentinel.
func pgDateOrEndOfTime(t *time.Time) pgtype.Date {
	if t == nil {
		return pgDateOnlyUTC(endOfTime)
	}
	return pgDateOnlyUTC(*t)
}

// dateFromStorage converts a stored date back to the domain form, mapping
// the sentinel to nil.
func dateFromStorage(d pgtype.Date) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time.UTC()
	if t.Equal(endOfTime) {
		return nil
	}
	return &t
}

func uuidFromStorage(u pgtype.UUID) uuid.UUID {
	if !u.Valid {
		return uuid.Nil
	}
	return uuid.UUID(u.Bytes)
}
