package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/services"
	"github.com/iota-uz/teamgraph/pkg/composables"
)

const (
	edgeColumns = `id, child_id, parent_id, start_on, end_on, is_deleted, created_at, updated_at`

	selectEdgeByIDQuery = `SELECT ` + edgeColumns + ` FROM team_memberships WHERE id = $1`

	listOpenEdgesQuery = `
		SELECT ` + edgeColumns + ` FROM team_memberships
		WHERE end_on = DATE '9999-12-31' AND NOT is_deleted
		ORDER BY created_at, id`

	listEdgesAsOfQuery = `
		SELECT ` + edgeColumns + ` FROM team_memberships
		WHERE start_on <= $1 AND end_on > $1 AND NOT is_deleted
		ORDER BY created_at, id`

	listEdgesByTeamQuery = `
		SELECT ` + edgeColumns + ` FROM team_memberships
		WHERE (child_id = $1 OR parent_id = $1) AND NOT is_deleted
		ORDER BY start_on, id`

	listAllEdgesQuery = `
		SELECT ` + edgeColumns + ` FROM team_memberships
		WHERE NOT is_deleted
		ORDER BY created_at, id`

	hasOpenEdgeQuery = `
		SELECT EXISTS (
			SELECT 1 FROM team_memberships
			WHERE child_id = $1 AND parent_id = $2
			  AND end_on = DATE '9999-12-31' AND NOT is_deleted
			  AND id <> $3
		)`

	insertEdgeQuery = `
		INSERT INTO team_memberships (child_id, parent_id, start_on)
		VALUES ($1, $2, $3)
		RETURNING ` + edgeColumns

	setEdgeEndQuery = `
		UPDATE team_memberships
		SET end_on = $2, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	setEdgeWindowQuery = `
		UPDATE team_memberships
		SET start_on = $2, end_on = $3, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	softDeleteEdgeQuery = `
		UPDATE team_memberships
		SET is_deleted = true, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`
)

type PgMembershipRepository struct{}

func NewMembershipRepository() *PgMembershipRepository {
	return &PgMembershipRepository{}
}

var _ services.MembershipRepository = (*PgMembershipRepository)(nil)

func (r *PgMembershipRepository) Insert(ctx context.Context, in services.EdgeInsert) (membership.Edge, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return membership.Edge{}, err
	}
	row := tx.QueryRow(ctx, insertEdgeQuery,
		pgUUID(in.ChildID), pgUUID(in.ParentID), pgDateOnlyUTC(in.Start))
	return scanEdge(row)
}

func (r *PgMembershipRepository) GetByID(ctx context.Context, id uuid.UUID) (membership.Edge, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return membership.Edge{}, err
	}
	return scanEdge(tx.QueryRow(ctx, selectEdgeByIDQuery, pgUUID(id)))
}

func (r *PgMembershipRepository) SetEnd(ctx context.Context, id uuid.UUID, end *time.Time) error {
	return r.exec(ctx, setEdgeEndQuery, pgUUID(id), pgDateOrEndOfTime(end))
}

func (r *PgMembershipRepository) SetWindow(ctx context.Context, id uuid.UUID, start time.Time, end *time.Time) error {
	return r.exec(ctx, setEdgeWindowQuery, pgUUID(id), pgDateOnlyUTC(start), pgDateOrEndOfTime(end))
}

func (r *PgMembershipRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, softDeleteEdgeQuery, pgUUID(id))
}

func (r *PgMembershipRepository) HasOpenEdge(ctx context.Context, childID, parentID, excludeID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, hasOpenEdgeQuery, pgUUID(childID), pgUUID(parentID), pgUUID(excludeID)).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check for an open membership")
	}
	return exists, nil
}

func (r *PgMembershipRepository) ListOpen(ctx context.Context) ([]membership.Edge, error) {
	return r.queryMany(ctx, listOpenEdgesQuery)
}

func (r *PgMembershipRepository) ListAsOf(ctx context.Context, asOf time.Time) ([]membership.Edge, error) {
	return r.queryMany(ctx, listEdgesAsOfQuery, pgDateOnlyUTC(asOf))
}

func (r *PgMembershipRepository) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]membership.Edge, error) {
	return r.queryMany(ctx, listEdgesByTeamQuery, pgUUID(teamID))
}

func (r *PgMembershipRepository) ListAll(ctx context.Context) ([]membership.Edge, error) {
	return r.queryMany(ctx, listAllEdgesQuery)
}

func (r *PgMembershipRepository) queryMany(ctx context.Context, query string, args ...any) ([]membership.Edge, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memberships")
	}
	defer rows.Close()

	out := make([]membership.Edge, 0, 16)
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PgMembershipRepository) exec(ctx context.Context, query string, args ...any) error {
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

func scanEdge(row pgx.Row) (membership.Edge, error) {
	var (
		e        membership.Edge
		id       pgtype.UUID
		childID  pgtype.UUID
		parentID pgtype.UUID
		start    pgtype.Date
		end      pgtype.Date
	)
	err := row.Scan(&id, &childID, &parentID, &start, &end, &e.IsDeleted, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return membership.Edge{}, err
	}
	e.ID = uuidFromStorage(id)
	e.ChildID = uuidFromStorage(childID)
	e.ParentID = uuidFromStorage(parentID)
	e.Start = start.Time.UTC()
	e.End = dateFromStorage(end)
	return e, nil
}
