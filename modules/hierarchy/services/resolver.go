package services

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/pkg/composables"
)

// Resolver answers point-in-time traversal queries and validates edge
// writes. It owns no state; every call computes over the registry and the
// ledger as they stand.
type Resolver struct {
	teams TeamRepository
	edges MembershipRepository
	clock clockwork.Clock
}

func NewResolver(teams TeamRepository, edges MembershipRepository, clock clockwork.Clock) *Resolver {
	return &Resolver{teams: teams, edges: edges, clock: clock}
}

func (r *Resolver) AncestorsAsOf(ctx context.Context, entityID uuid.UUID, asOf time.Time) (map[uuid.UUID]struct{}, error) {
	return r.traverseAsOf(ctx, entityID, asOf, parentsDirection)
}

func (r *Resolver) DescendantsAsOf(ctx context.Context, entityID uuid.UUID, asOf time.Time) (map[uuid.UUID]struct{}, error) {
	return r.traverseAsOf(ctx, entityID, asOf, childrenDirection)
}

func (r *Resolver) traverseAsOf(ctx context.Context, entityID uuid.UUID, asOf time.Time, dir traversalDirection) (map[uuid.UUID]struct{}, error) {
	if entityID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "entity id is required", nil)
	}
	if asOf.IsZero() {
		asOf = r.clock.Now()
	}
	asOf = normalizeValidTimeDayUTC(asOf)

	return composables.InReadTxResult(ctx, func(txCtx context.Context) (map[uuid.UUID]struct{}, error) {
		edges, err := r.edges.ListAsOf(txCtx, asOf)
		if err != nil {
			return nil, mapPgError(err)
		}
		maxDepth, err := r.depthGuard(txCtx)
		if err != nil {
			return nil, err
		}
		return traverse(edges, entityID, dir, maxDepth)
	})
}

// WouldCreateCycle reports whether opening childID -> parentID would close a
// loop under the currently-open edge set: the trivial self-edge, or childID
// already being an ancestor of parentID.
func (r *Resolver) WouldCreateCycle(ctx context.Context, childID, parentID uuid.UUID) (bool, error) {
	if childID == parentID {
		return true, nil
	}
	return composables.InReadTxResult(ctx, func(txCtx context.Context) (bool, error) {
		open, err := r.edges.ListOpen(txCtx)
		if err != nil {
			return false, mapPgError(err)
		}
		maxDepth, err := r.depthGuard(txCtx)
		if err != nil {
			return false, err
		}
		ancestors, err := traverse(open, parentID, parentsDirection, maxDepth)
		if err != nil {
			return false, err
		}
		_, cyclic := ancestors[childID]
		return cyclic, nil
	})
}

// EffectiveActiveWindow widens the team's own lifecycle window to cover
// every membership it participates in as child or parent. A team stays
// active for hierarchy purposes at least as long as it is structurally
// connected, even when its own flag says otherwise.
func (r *Resolver) EffectiveActiveWindow(ctx context.Context, entityID uuid.UUID) (time.Time, *time.Time, error) {
	var (
		from time.Time
		to   *time.Time
	)
	err := composables.InReadTx(ctx, func(txCtx context.Context) error {
		t, err := r.teams.GetByID(txCtx, entityID)
		if err != nil {
			return mapPgError(err)
		}
		if t.IsDeleted {
			return newServiceError(http.StatusNotFound, CodeNotFound, "team not found", nil)
		}
		edges, err := r.edges.ListByTeam(txCtx, entityID)
		if err != nil {
			return mapPgError(err)
		}
		from, to = effectiveWindow(t, edges)
		return nil
	})
	if err != nil {
		return time.Time{}, nil, err
	}
	return from, to, nil
}

// HierarchyAsOf returns the flat org-chart listing valid at asOf: every
// non-deleted team whose effective window covers the date, with the parents
// it belongs to at that date.
func (r *Resolver) HierarchyAsOf(ctx context.Context, asOf time.Time) ([]HierarchyNode, time.Time, error) {
	if asOf.IsZero() {
		asOf = r.clock.Now()
	}
	asOf = normalizeValidTimeDayUTC(asOf)

	var (
		teams []team.Team
		edges []membership.Edge
	)
	err := composables.InReadTx(ctx, func(txCtx context.Context) error {
		var err error
		if teams, err = r.teams.List(txCtx); err != nil {
			return mapPgError(err)
		}
		if edges, err = r.edges.ListAsOf(txCtx, asOf); err != nil {
			return mapPgError(err)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	parents := make(map[uuid.UUID][]uuid.UUID, len(edges))
	for _, e := range edges {
		parents[e.ChildID] = append(parents[e.ChildID], e.ParentID)
	}

	out := make([]HierarchyNode, 0, len(teams))
	for _, t := range teams {
		byTeam := edgesTouching(edges, t.ID)
		from, to := effectiveWindow(t, byTeam)
		if asOf.Before(from) {
			continue
		}
		if to != nil && !asOf.Before(*to) {
			continue
		}
		ids := parents[t.ID]
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		out = append(out, HierarchyNode{
			ID:        t.ID,
			Key:       t.Key,
			Code:      t.Code,
			Name:      t.Name,
			Kind:      t.Kind,
			IsActive:  t.IsActive,
			ParentIDs: ids,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, asOf, nil
}

type HierarchyNode struct {
	ID        uuid.UUID   `json:"id"`
	Key       int64       `json:"key"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Kind      team.Kind   `json:"kind"`
	IsActive  bool        `json:"is_active"`
	ParentIDs []uuid.UUID `json:"parent_ids"`
}

func (r *Resolver) depthGuard(ctx context.Context) (int, error) {
	count, err := r.teams.Count(ctx)
	if err != nil {
		return 0, mapPgError(err)
	}
	return int(count) + 1, nil
}

type traversalDirection int

const (
	parentsDirection traversalDirection = iota
	childrenDirection
)

// traverse computes the transitive closure of start over edges in the given
// direction. The frontier is re-derived each layer without a visited cutoff,
// so a cycle keeps the frontier alive past maxDepth and is reported as
// InconsistentGraph instead of looping forever. maxDepth is the current
// entity count plus one; an acyclic edge set always drains before that.
func traverse(edges []membership.Edge, start uuid.UUID, dir traversalDirection, maxDepth int) (map[uuid.UUID]struct{}, error) {
	next := make(map[uuid.UUID][]uuid.UUID, len(edges))
	for _, e := range edges {
		if e.IsDeleted {
			continue
		}
		if dir == parentsDirection {
			next[e.ChildID] = append(next[e.ChildID], e.ParentID)
		} else {
			next[e.ParentID] = append(next[e.ParentID], e.ChildID)
		}
	}

	result := make(map[uuid.UUID]struct{})
	frontier := map[uuid.UUID]struct{}{start: {}}

	for depth := 0; depth < maxDepth; depth++ {
		advanced := make(map[uuid.UUID]struct{})
		for id := range frontier {
			for _, hop := range next[id] {
				advanced[hop] = struct{}{}
			}
		}
		if len(advanced) == 0 {
			return result, nil
		}
		for id := range advanced {
			result[id] = struct{}{}
		}
		frontier = advanced
	}

	return nil, newServiceError(http.StatusInternalServerError, CodeInconsistentGraph,
		"traversal depth guard exceeded; membership graph contains a cycle", nil)
}

func effectiveWindow(t team.Team, edges []membership.Edge) (time.Time, *time.Time) {
	from := t.ActiveFrom
	to := t.ActiveTo

	openEdge := false
	var latestEnd *time.Time
	for _, e := range edges {
		if e.IsDeleted {
			continue
		}
		if e.Start.Before(from) {
			from = e.Start
		}
		if e.End == nil {
			openEdge = true
			continue
		}
		if latestEnd == nil || e.End.After(*latestEnd) {
			latestEnd = e.End
		}
	}

	if to == nil {
		return from, nil
	}
	if openEdge {
		return from, nil
	}
	if latestEnd != nil && latestEnd.After(*to) {
		return from, latestEnd
	}
	return from, to
}

func edgesTouching(edges []membership.Edge, teamID uuid.UUID) []membership.Edge {
	out := make([]membership.Edge, 0, 4)
	for _, e := range edges {
		if e.ChildID == teamID || e.ParentID == teamID {
			out = append(out, e)
		}
	}
	return out
}
