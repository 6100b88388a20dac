package team

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes leaf teams from teams-of-teams. The two kinds differ
// only in capability: a group may hold member teams, a leaf may not. Both
// may belong to a parent group.
type Kind string

const (
	KindTeam        Kind = "team"
	KindTeamOfTeams Kind = "team_of_teams"
)

func (k Kind) Valid() bool {
	return k == KindTeam || k == KindTeamOfTeams
}

func (k Kind) CanHaveMembers() bool {
	return k == KindTeamOfTeams
}

func (k Kind) CanHaveParent() bool {
	return k.Valid()
}

// Team is a participant node in the membership hierarchy. Key is the stable
// human-facing sequence number; it is monotonic non-decreasing and never
// reused. ActiveTo nil means still active. Teams are never hard-deleted,
// only soft-retired via IsDeleted.
type Team struct {
	ID         uuid.UUID  `json:"id"`
	Key        int64      `json:"key"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	IsActive   bool       `json:"is_active"`
	IsDeleted  bool       `json:"is_deleted"`
	ActiveFrom time.Time  `json:"active_from"`
	ActiveTo   *time.Time `json:"active_to,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the team's own lifecycle window covers d. The
// hierarchy-wide effective window, which also accounts for memberships, is
// computed by the resolver.
func (t Team) ActiveAt(d time.Time) bool {
	if t.IsDeleted || d.Before(t.ActiveFrom) {
		return false
	}
	if t.ActiveTo == nil {
		return true
	}
	return d.Before(*t.ActiveTo)
}
