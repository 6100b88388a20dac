package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/pkg/composables"
)

// txContext returns a context that already carries a transaction so the
// transaction helpers join instead of demanding a pool.
func txContext() context.Context {
	return composables.WithTx(context.Background(), stubTx{})
}

type stubTx struct{}

func (stubTx) Begin(context.Context) (pgx.Tx, error) { return stubTx{}, nil }
func (stubTx) Commit(context.Context) error          { return nil }
func (stubTx) Rollback(context.Context) error        { return nil }
func (stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (stubTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (stubTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (stubTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (stubTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (stubTx) Conn() *pgx.Conn                                         { return nil }

type fakeTeamRepository struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]team.Team
	nextKey int64
}

func newFakeTeamRepository() *fakeTeamRepository {
	return &fakeTeamRepository{byID: make(map[uuid.UUID]team.Team)}
}

func (f *fakeTeamRepository) Insert(_ context.Context, in TeamInsert) (team.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.byID {
		if t.IsDeleted {
			continue
		}
		if t.Code == in.Code {
			return team.Team{}, &pgconn.PgError{Code: "23505", ConstraintName: "teams_code_active_key"}
		}
		if t.Name == in.Name {
			return team.Team{}, &pgconn.PgError{Code: "23505", ConstraintName: "teams_name_active_key"}
		}
	}

	f.nextKey++
	now := time.Now().UTC()
	t := team.Team{
		ID:         uuid.New(),
		Key:        f.nextKey,
		Code:       in.Code,
		Name:       in.Name,
		Kind:       in.Kind,
		IsActive:   true,
		ActiveFrom: in.ActiveFrom,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.byID[t.ID] = t
	return t, nil
}

func (f *fakeTeamRepository) GetByID(_ context.Context, id uuid.UUID) (team.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return team.Team{}, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeTeamRepository) GetByCode(_ context.Context, code string) (team.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byID {
		if t.Code == code && !t.IsDeleted {
			return t, nil
		}
	}
	return team.Team{}, pgx.ErrNoRows
}

func (f *fakeTeamRepository) LockByID(ctx context.Context, id uuid.UUID) (team.Team, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeTeamRepository) SetLifecycle(_ context.Context, id uuid.UUID, isActive bool, activeTo *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok || t.IsDeleted {
		return pgx.ErrNoRows
	}
	t.IsActive = isActive
	t.ActiveTo = activeTo
	t.UpdatedAt = time.Now().UTC()
	f.byID[id] = t
	return nil
}

func (f *fakeTeamRepository) SetActiveFrom(_ context.Context, id uuid.UUID, activeFrom time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok || t.IsDeleted {
		return pgx.ErrNoRows
	}
	t.ActiveFrom = activeFrom
	t.UpdatedAt = time.Now().UTC()
	f.byID[id] = t
	return nil
}

func (f *fakeTeamRepository) List(_ context.Context) ([]team.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]team.Team, 0, len(f.byID))
	for _, t := range f.byID {
		if !t.IsDeleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeTeamRepository) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.byID {
		if !t.IsDeleted {
			n++
		}
	}
	return n, nil
}

type fakeMembershipRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]membership.Edge
	seq  int

	// listAllFn, when set, replaces ListAll. Used to exercise refresh
	// failure paths.
	listAllFn func(ctx context.Context) ([]membership.Edge, error)

	// insertFn, when set, replaces Insert. Used to exercise serialization
	// failure retries.
	insertFn func(ctx context.Context, in EdgeInsert) (membership.Edge, error)
}

func newFakeMembershipRepository() *fakeMembershipRepository {
	return &fakeMembershipRepository{byID: make(map[uuid.UUID]membership.Edge)}
}

func (f *fakeMembershipRepository) Insert(ctx context.Context, in EdgeInsert) (membership.Edge, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, in)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.byID {
		if !e.IsDeleted && e.Open() && e.ChildID == in.ChildID && e.ParentID == in.ParentID {
			return membership.Edge{}, &pgconn.PgError{Code: "23505", ConstraintName: "team_memberships_open_edge_key"}
		}
	}

	f.seq++
	now := time.Now().UTC().Add(time.Duration(f.seq) * time.Microsecond)
	e := membership.Edge{
		ID:        uuid.New(),
		ChildID:   in.ChildID,
		ParentID:  in.ParentID,
		Start:     in.Start,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.byID[e.ID] = e
	return e, nil
}

func (f *fakeMembershipRepository) GetByID(_ context.Context, id uuid.UUID) (membership.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return membership.Edge{}, pgx.ErrNoRows
	}
	return e, nil
}

func (f *fakeMembershipRepository) SetEnd(_ context.Context, id uuid.UUID, end *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok || e.IsDeleted {
		return pgx.ErrNoRows
	}
	e.End = end
	e.UpdatedAt = time.Now().UTC()
	f.byID[id] = e
	return nil
}

func (f *fakeMembershipRepository) SetWindow(_ context.Context, id uuid.UUID, start time.Time, end *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok || e.IsDeleted {
		return pgx.ErrNoRows
	}
	e.Start = start
	e.End = end
	e.UpdatedAt = time.Now().UTC()
	f.byID[id] = e
	return nil
}

func (f *fakeMembershipRepository) SoftDelete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok || e.IsDeleted {
		return pgx.ErrNoRows
	}
	e.IsDeleted = true
	e.UpdatedAt = time.Now().UTC()
	f.byID[id] = e
	return nil
}

func (f *fakeMembershipRepository) HasOpenEdge(_ context.Context, childID, parentID, excludeID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.byID {
		if e.IsDeleted || !e.Open() || e.ID == excludeID {
			continue
		}
		if e.ChildID == childID && e.ParentID == parentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembershipRepository) ListOpen(_ context.Context) ([]membership.Edge, error) {
	return f.list(func(e membership.Edge) bool { return e.Open() }), nil
}

func (f *fakeMembershipRepository) ListAsOf(_ context.Context, asOf time.Time) ([]membership.Edge, error) {
	return f.list(func(e membership.Edge) bool { return e.ActiveAt(asOf) }), nil
}

func (f *fakeMembershipRepository) ListByTeam(_ context.Context, teamID uuid.UUID) ([]membership.Edge, error) {
	return f.list(func(e membership.Edge) bool {
		return e.ChildID == teamID || e.ParentID == teamID
	}), nil
}

func (f *fakeMembershipRepository) ListAll(ctx context.Context) ([]membership.Edge, error) {
	if f.listAllFn != nil {
		return f.listAllFn(ctx)
	}
	return f.list(func(membership.Edge) bool { return true }), nil
}

func (f *fakeMembershipRepository) list(keep func(membership.Edge) bool) []membership.Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]membership.Edge, 0, len(f.byID))
	for _, e := range f.byID {
		if !e.IsDeleted && keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// putEdge bypasses validation; tests use it to stage inconsistent data.
func (f *fakeMembershipRepository) putEdge(e membership.Edge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		f.seq++
		e.CreatedAt = time.Now().UTC().Add(time.Duration(f.seq) * time.Microsecond)
		e.UpdatedAt = e.CreatedAt
	}
	f.byID[e.ID] = e
}
