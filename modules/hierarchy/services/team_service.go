package services

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/events"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/pkg/composables"
	"github.com/iota-uz/teamgraph/pkg/eventbus"
)

type TeamRepository interface {
	Insert(ctx context.Context, in TeamInsert) (team.Team, error)
	GetByID(ctx context.Context, id uuid.UUID) (team.Team, error)
	GetByCode(ctx context.Context, code string) (team.Team, error)
	// LockByID takes a row lock on the team; write paths lock every team
	// whose membership set they are about to validate or mutate.
	LockByID(ctx context.Context, id uuid.UUID) (team.Team, error)
	SetLifecycle(ctx context.Context, id uuid.UUID, isActive bool, activeTo *time.Time) error
	SetActiveFrom(ctx context.Context, id uuid.UUID, activeFrom time.Time) error
	List(ctx context.Context) ([]team.Team, error)
	Count(ctx context.Context) (int64, error)
}

type TeamInsert struct {
	Code       string
	Name       string
	Kind       team.Kind
	ActiveFrom time.Time
}

// TeamService owns team identity and lifecycle. Membership history is the
// ledger's concern; deactivation deliberately does not cascade into open
// memberships.
type TeamService struct {
	teams TeamRepository
	clock clockwork.Clock
	audit *auditPublisher
}

func NewTeamService(teams TeamRepository, clock clockwork.Clock, bus eventbus.EventBusWithError, log *logrus.Logger) *TeamService {
	return &TeamService{
		teams: teams,
		clock: clock,
		audit: newAuditPublisher(bus, log),
	}
}

type CreateTeamInput struct {
	Name string
	Code string
	Kind team.Kind
}

func (s *TeamService) Create(ctx context.Context, in CreateTeamInput) (*team.Team, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.TrimSpace(in.Code)
	if in.Name == "" || in.Code == "" {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "name/code are required", nil)
	}
	if !in.Kind.Valid() {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "kind must be team or team_of_teams", nil)
	}

	now := s.clock.Now().UTC()
	written, err := composables.InTxResult(ctx, func(txCtx context.Context) (team.Team, error) {
		t, err := s.teams.Insert(txCtx, TeamInsert{
			Code:       in.Code,
			Name:       in.Name,
			Kind:       in.Kind,
			ActiveFrom: normalizeValidTimeDayUTC(now),
		})
		if err != nil {
			return team.Team{}, mapPgError(err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.publish(ctx, now, "team.created", "team", written.ID,
		events.ValidityWindowV1{Start: written.ActiveFrom}, nil, written)
	return &written, nil
}

func (s *TeamService) Deactivate(ctx context.Context, id uuid.UUID, asOf time.Time) error {
	if id == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "id is required", nil)
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = normalizeValidTimeDayUTC(asOf)

	var before, after team.Team
	err := composables.InRetryableTx(ctx, func(txCtx context.Context) error {
		current, err := s.teams.LockByID(txCtx, id)
		if err != nil {
			return mapPgError(err)
		}
		if current.IsDeleted {
			return newServiceError(http.StatusNotFound, CodeNotFound, "team not found", nil)
		}
		if !current.IsActive {
			return newServiceError(http.StatusConflict, CodeAlreadyInactive, "team is already inactive", nil)
		}
		if asOf.Before(current.ActiveFrom) {
			return newServiceError(http.StatusUnprocessableEntity, CodeInvalidDateRange, "asOf precedes team activation", nil)
		}

		if err := s.teams.SetLifecycle(txCtx, id, false, &asOf); err != nil {
			return mapPgError(err)
		}
		before = current
		after = current
		after.IsActive = false
		after.ActiveTo = &asOf
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.publish(ctx, s.clock.Now(), "team.deactivated", "team", id,
		events.ValidityWindowV1{Start: after.ActiveFrom, End: after.ActiveTo}, before, after)
	return nil
}

// Reactivate clears the team's activeTo and raises the active flag. It does
// not retroactively reopen memberships.
func (s *TeamService) Reactivate(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return newServiceError(http.StatusBadRequest, CodeInvalidBody, "id is required", nil)
	}

	var before, after team.Team
	changed := false
	err := composables.InRetryableTx(ctx, func(txCtx context.Context) error {
		current, err := s.teams.LockByID(txCtx, id)
		if err != nil {
			return mapPgError(err)
		}
		if current.IsDeleted {
			return newServiceError(http.StatusNotFound, CodeNotFound, "team not found", nil)
		}
		if current.IsActive && current.ActiveTo == nil {
			changed = false
			return nil
		}

		if err := s.teams.SetLifecycle(txCtx, id, true, nil); err != nil {
			return mapPgError(err)
		}
		before = current
		after = current
		after.IsActive = true
		after.ActiveTo = nil
		changed = true
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.audit.publish(ctx, s.clock.Now(), "team.reactivated", "team", id,
			events.ValidityWindowV1{Start: after.ActiveFrom}, before, after)
	}
	return nil
}

func (s *TeamService) Get(ctx context.Context, id uuid.UUID) (*team.Team, error) {
	t, err := s.teams.GetByID(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	if t.IsDeleted {
		return nil, newServiceError(http.StatusNotFound, CodeNotFound, "team not found", nil)
	}
	return &t, nil
}

func (s *TeamService) GetByCode(ctx context.Context, code string) (*team.Team, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "code is required", nil)
	}
	t, err := s.teams.GetByCode(ctx, code)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &t, nil
}

func (s *TeamService) List(ctx context.Context) ([]team.Team, error) {
	out, err := s.teams.List(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}
