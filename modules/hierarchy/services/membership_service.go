package services

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/events"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/pkg/composables"
	"github.com/iota-uz/teamgraph/pkg/eventbus"
)

type MembershipRepository interface {
	Insert(ctx context.Context, in EdgeInsert) (membership.Edge, error)
	GetByID(ctx context.Context, id uuid.UUID) (membership.Edge, error)
	SetEnd(ctx context.Context, id uuid.UUID, end *time.Time) error
	SetWindow(ctx context.Context, id uuid.UUID, start time.Time, end *time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	// HasOpenEdge reports whether an open child->parent edge other than
	// excludeID exists. Pass uuid.Nil to consider every edge.
	HasOpenEdge(ctx context.Context, childID, parentID, excludeID uuid.UUID) (bool, error)
	ListOpen(ctx context.Context) ([]membership.Edge, error)
	ListAsOf(ctx context.Context, asOf time.Time) ([]membership.Edge, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID) ([]membership.Edge, error)
	ListAll(ctx context.Context) ([]membership.Edge, error)
}

type EdgeInsert struct {
	ChildID  uuid.UUID
	ParentID uuid.UUID
	Start    time.Time
}

// MembershipService owns the dated parent-child ledger. Every mutation runs
// in a serializable transaction that row-locks both endpoint teams in UUID
// order. Writers sharing an endpoint serialize on the locks; writers on
// disjoint pairs whose cycle checks overlap the other's insert are aborted
// by the database and retried against the committed graph.
type MembershipService struct {
	teams    TeamRepository
	edges    MembershipRepository
	resolver *Resolver
	clock    clockwork.Clock
	audit    *auditPublisher
}

func NewMembershipService(teams TeamRepository, edges MembershipRepository, resolver *Resolver, clock clockwork.Clock, bus eventbus.EventBusWithError, log *logrus.Logger) *MembershipService {
	return &MembershipService{
		teams:    teams,
		edges:    edges,
		resolver: resolver,
		clock:    clock,
		audit:    newAuditPublisher(bus, log),
	}
}

type OpenMembershipInput struct {
	ChildID  uuid.UUID
	ParentID uuid.UUID
	Start    time.Time
}

func (s *MembershipService) Open(ctx context.Context, in OpenMembershipInput) (*membership.Edge, error) {
	if in.ChildID == uuid.Nil || in.ParentID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "childId/parentId are required", nil)
	}
	if in.ChildID == in.ParentID {
		recordWriteConflict("cycle")
		return nil, newServiceError(http.StatusConflict, CodeCycleDetected, "a team cannot be its own parent", nil)
	}
	if in.Start.IsZero() {
		in.Start = s.clock.Now()
	}
	in.Start = normalizeValidTimeDayUTC(in.Start)

	written, err := composables.InTxResult(ctx, func(txCtx context.Context) (membership.Edge, error) {
		child, parent, err := s.lockEndpoints(txCtx, in.ChildID, in.ParentID)
		if err != nil {
			return membership.Edge{}, err
		}
		if !parent.Kind.CanHaveMembers() {
			return membership.Edge{}, newServiceError(http.StatusUnprocessableEntity, CodeKindForbidden,
				"parent kind does not accept members", nil)
		}
		if in.Start.Before(child.ActiveFrom) {
			return membership.Edge{}, newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange,
				"membership cannot start before the child became active", nil)
		}

		dup, err := s.edges.HasOpenEdge(txCtx, in.ChildID, in.ParentID, uuid.Nil)
		if err != nil {
			return membership.Edge{}, mapPgError(err)
		}
		if dup {
			recordWriteConflict("duplicate_open")
			return membership.Edge{}, newServiceError(http.StatusConflict, CodeDuplicateOpenMembership,
				"an open membership between these teams already exists", nil)
		}

		cyclic, err := s.resolver.WouldCreateCycle(txCtx, in.ChildID, in.ParentID)
		if err != nil {
			return membership.Edge{}, err
		}
		if cyclic {
			recordWriteConflict("cycle")
			return membership.Edge{}, newServiceError(http.StatusConflict, CodeCycleDetected,
				"membership would introduce a cycle", nil)
		}

		if in.Start.Before(parent.ActiveFrom) {
			if err := s.teams.SetActiveFrom(txCtx, parent.ID, in.Start); err != nil {
				return membership.Edge{}, mapPgError(err)
			}
		}

		e, err := s.edges.Insert(txCtx, EdgeInsert(in))
		if err != nil {
			return membership.Edge{}, mapPgError(err)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.publish(ctx, s.clock.Now(), "membership.opened", "membership_edge", written.ID,
		events.ValidityWindowV1{Start: written.Start, End: written.End}, nil, written)
	return &written, nil
}

// Close sets the end of an open edge. Closing with the end the edge already
// carries is a no-op; closing with a different end when one is set is a
// conflict, corrections go through Correct.
func (s *MembershipService) Close(ctx context.Context, id uuid.UUID, end time.Time) (*membership.Edge, error) {
	if id == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "id is required", nil)
	}
	if end.IsZero() {
		end = s.clock.Now()
	}
	end = normalizeValidTimeDayUTC(end)

	var before membership.Edge
	changed := false
	written, err := composables.InTxResult(ctx, func(txCtx context.Context) (membership.Edge, error) {
		current, err := s.lockEdge(txCtx, id)
		if err != nil {
			return membership.Edge{}, err
		}
		if current.End != nil {
			if current.End.Equal(end) {
				changed = false
				return current, nil
			}
			recordWriteConflict("already_closed")
			return membership.Edge{}, newServiceError(http.StatusConflict, CodeAlreadyClosed,
				"membership is already closed with a different end", nil)
		}
		if end.Before(current.Start) {
			return membership.Edge{}, newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange,
				"end cannot precede start", nil)
		}

		if err := s.edges.SetEnd(txCtx, id, &end); err != nil {
			return membership.Edge{}, mapPgError(err)
		}
		before = current
		after := current
		after.End = &end
		changed = true
		return after, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.audit.publish(ctx, s.clock.Now(), "membership.closed", "membership_edge", written.ID,
			events.ValidityWindowV1{Start: written.Start, End: written.End}, before, written)
	}
	return &written, nil
}

// CorrectMembershipInput distinguishes "leave as is" from "set". A nil Start
// keeps the current start. A nil End keeps the current end; a non-nil End
// pointing at nil reopens the edge; a non-nil End pointing at a date moves
// the close.
type CorrectMembershipInput struct {
	Start *time.Time
	End   **time.Time
}

func (s *MembershipService) Correct(ctx context.Context, id uuid.UUID, in CorrectMembershipInput) (*membership.Edge, error) {
	if id == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "id is required", nil)
	}
	if in.Start == nil && in.End == nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "nothing to correct", nil)
	}

	var before membership.Edge
	written, err := composables.InTxResult(ctx, func(txCtx context.Context) (membership.Edge, error) {
		current, err := s.lockEdge(txCtx, id)
		if err != nil {
			return membership.Edge{}, err
		}
		child, parent, err := s.lockEndpoints(txCtx, current.ChildID, current.ParentID)
		if err != nil {
			return membership.Edge{}, err
		}

		start := current.Start
		if in.Start != nil {
			start = normalizeValidTimeDayUTC(*in.Start)
		}
		end := current.End
		if in.End != nil {
			end = normalizeValidTimePtr(*in.End)
		}

		if end != nil && end.Before(start) {
			return membership.Edge{}, newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange,
				"end cannot precede start", nil)
		}
		if start.Before(child.ActiveFrom) {
			return membership.Edge{}, newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange,
				"membership cannot start before the child became active", nil)
		}

		if end == nil {
			dup, err := s.edges.HasOpenEdge(txCtx, current.ChildID, current.ParentID, id)
			if err != nil {
				return membership.Edge{}, mapPgError(err)
			}
			if dup {
				recordWriteConflict("duplicate_open")
				return membership.Edge{}, newServiceError(http.StatusConflict, CodeDuplicateOpenMembership,
					"an open membership between these teams already exists", nil)
			}
			cyclic, err := s.resolver.WouldCreateCycle(txCtx, current.ChildID, current.ParentID)
			if err != nil {
				return membership.Edge{}, err
			}
			if cyclic {
				recordWriteConflict("cycle")
				return membership.Edge{}, newServiceError(http.StatusConflict, CodeCycleDetected,
					"correction would introduce a cycle", nil)
			}
		}

		if err := s.edges.SetWindow(txCtx, id, start, end); err != nil {
			return membership.Edge{}, mapPgError(err)
		}
		if start.Before(parent.ActiveFrom) {
			if err := s.teams.SetActiveFrom(txCtx, parent.ID, start); err != nil {
				return membership.Edge{}, mapPgError(err)
			}
		}

		before = current
		after := current
		after.Start = start
		after.End = end
		return after, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.publish(ctx, s.clock.Now(), "membership.corrected", "membership_edge", written.ID,
		events.ValidityWindowV1{Start: written.Start, End: written.End}, before, written)
	return &written, nil
}

// Remove soft-deletes an edge after an erroneous entry. Deleted edges drop
// out of every traversal and as-of listing but stay in storage for audit.
func (s *MembershipService) Remove(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "id is required", nil)
	}

	var before membership.Edge
	err := composables.InRetryableTx(ctx, func(txCtx context.Context) error {
		current, err := s.lockEdge(txCtx, id)
		if err != nil {
			return err
		}
		if err := s.edges.SoftDelete(txCtx, id); err != nil {
			return mapPgError(err)
		}
		before = current
		return nil
	})
	if err != nil {
		return err
	}

	after := before
	after.IsDeleted = true
	s.audit.publish(ctx, s.clock.Now(), "membership.removed", "membership_edge", id,
		events.ValidityWindowV1{Start: before.Start, End: before.End}, before, after)
	return nil
}

func (s *MembershipService) Get(ctx context.Context, id uuid.UUID) (*membership.Edge, error) {
	e, err := s.edges.GetByID(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	if e.IsDeleted {
		return nil, newServiceError(http.StatusNotFound, CodeNotFound, "membership not found", nil)
	}
	return &e, nil
}

func (s *MembershipService) ListAsOf(ctx context.Context, asOf time.Time) ([]membership.Edge, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	out, err := s.edges.ListAsOf(ctx, normalizeValidTimeDayUTC(asOf))
	if err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

func (s *MembershipService) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]membership.Edge, error) {
	if teamID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "teamId is required", nil)
	}
	out, err := s.edges.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

// lockEndpoints takes row locks on both teams in UUID order so two writers
// touching the same pair never deadlock, then verifies both are usable.
func (s *MembershipService) lockEndpoints(ctx context.Context, childID, parentID uuid.UUID) (team.Team, team.Team, error) {
	first, second := childID, parentID
	if second.String() < first.String() {
		first, second = second, first
	}

	locked := make(map[uuid.UUID]team.Team, 2)
	for _, id := range []uuid.UUID{first, second} {
		t, err := s.teams.LockByID(ctx, id)
		if err != nil {
			return team.Team{}, team.Team{}, mapPgError(err)
		}
		if t.IsDeleted {
			return team.Team{}, team.Team{}, newServiceError(http.StatusNotFound, CodeNotFound, "team not found", nil)
		}
		locked[id] = t
	}
	return locked[childID], locked[parentID], nil
}

func (s *MembershipService) lockEdge(ctx context.Context, id uuid.UUID) (membership.Edge, error) {
	current, err := s.edges.GetByID(ctx, id)
	if err != nil {
		return membership.Edge{}, mapPgError(err)
	}
	if current.IsDeleted {
		return membership.Edge{}, newServiceError(http.StatusNotFound, CodeNotFound, "membership not found", nil)
	}
	first, second := current.ChildID, current.ParentID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, teamID := range []uuid.UUID{first, second} {
		if _, err := s.teams.LockByID(ctx, teamID); err != nil {
			return membership.Edge{}, mapPgError(err)
		}
	}
	return current, nil
}
