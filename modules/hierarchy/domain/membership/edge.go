package membership

import (
	"time"

	"github.com/google/uuid"
)

// Edge is a directed, time-bounded "child belongs to parent" relationship.
// End nil means the membership is currently in effect. History is
// append-mostly: leaving a parent end-dates the edge, it never deletes the
// row; IsDeleted exists only for edges created in error.
type Edge struct {
	ID        uuid.UUID  `json:"id"`
	ChildID   uuid.UUID  `json:"child_id"`
	ParentID  uuid.UUID  `json:"parent_id"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (e Edge) Open() bool {
	return e.End == nil
}

// ActiveAt reports whether the validity interval [Start, End) covers d.
func (e Edge) ActiveAt(d time.Time) bool {
	if e.IsDeleted || d.Before(e.Start) {
		return false
	}
	if e.End == nil {
		return true
	}
	return d.Before(*e.End)
}
