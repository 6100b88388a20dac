package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/modules/hierarchy/services"
	"github.com/iota-uz/teamgraph/pkg/composables"
)

const (
	teamColumns = `id, key, code, name, kind, is_active, is_deleted, active_from, active_to, created_at, updated_at`

	selectTeamByIDQuery   = `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`
	selectTeamByCodeQuery = `SELECT ` + teamColumns + ` FROM teams WHERE code = $1 AND NOT is_deleted`
	lockTeamByIDQuery     = `SELECT ` + teamColumns + ` FROM teams WHERE id = $1 FOR UPDATE`
	listTeamsQuery        = `SELECT ` + teamColumns + ` FROM teams WHERE NOT is_deleted ORDER BY key`
	countTeamsQuery       = `SELECT COUNT(*) FROM teams WHERE NOT is_deleted`

	insertTeamQuery = `
		INSERT INTO teams (code, name, kind, active_from)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + teamColumns

	setTeamLifecycleQuery = `
		UPDATE teams
		SET is_active = $2, active_to = $3, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	setTeamActiveFromQuery = `
		UPDATE teams
		SET active_from = $2, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`
)

type PgTeamRepository struct{}

func NewTeamRepository() *PgTeamRepository {
	return &PgTeamRepository{}
}

var _ services.TeamRepository = (*PgTeamRepository)(nil)

func (r *PgTeamRepository) Insert(ctx context.Context, in services.TeamInsert) (team.Team, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return team.Team{}, err
	}
	row := tx.QueryRow(ctx, insertTeamQuery,
		in.Code, in.Name, string(in.Kind), pgDateOnlyUTC(in.ActiveFrom))
	return scanTeam(row)
}

func (r *PgTeamRepository) GetByID(ctx context.Context, id uuid.UUID) (team.Team, error) {
	return r.queryOne(ctx, selectTeamByIDQuery, pgUUID(id))
}

func (r *PgTeamRepository) GetByCode(ctx context.Context, code string) (team.Team, error) {
	return r.queryOne(ctx, selectTeamByCodeQuery, code)
}

func (r *PgTeamRepository) LockByID(ctx context.Context, id uuid.UUID) (team.Team, error) {
	return r.queryOne(ctx, lockTeamByIDQuery, pgUUID(id))
}

func (r *PgTeamRepository) SetLifecycle(ctx context.Context, id uuid.UUID, isActive bool, activeTo *time.Time) error {
	return r.exec(ctx, setTeamLifecycleQuery, pgUUID(id), isActive, pgDateOrEndOfTime(activeTo))
}

func (r *PgTeamRepository) SetActiveFrom(ctx context.Context, id uuid.UUID, activeFrom time.Time) error {
	return r.exec(ctx, setTeamActiveFromQuery, pgUUID(id), pgDateOnlyUTC(activeFrom))
}

func (r *PgTeamRepository) List(ctx context.Context) ([]team.Team, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, listTeamsQuery)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list teams")
	}
	defer rows.Close()

	out := make([]team.Team, 0, 16)
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PgTeamRepository) Count(ctx context.Context) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.QueryRow(ctx, countTeamsQuery).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count teams")
	}
	return n, nil
}

func (r *PgTeamRepository) queryOne(ctx context.Context, query string, args ...any) (team.Team, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return team.Team{}, err
	}
	return scanTeam(tx.QueryRow(ctx, query, args...))
}

func (r *PgTeamRepository) exec(ctx context.Context, query string, args ...any) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanTeam(row pgx.Row) (team.Team, error) {
	var (
		t          team.Team
		id         pgtype.UUID
		kind       string
		activeFrom pgtype.Date
		activeTo   pgtype.Date
	)
	err := row.Scan(
		&id, &t.Key, &t.Code, &t.Name, &kind,
		&t.IsActive, &t.IsDeleted, &activeFrom, &activeTo,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return team.Team{}, err
	}
	t.ID = uuidFromStorage(id)
	t.Kind = team.Kind(kind)
	t.ActiveFrom = activeFrom.Time.UTC()
	t.ActiveTo = dateFromStorage(activeTo)
	return t, nil
}
