package services

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
	"github.com/iota-uz/teamgraph/pkg/composables"
)

// ErrNoProjection is returned by a Store when no snapshot has been swapped
// in yet.
var ErrNoProjection = errors.New("hierarchy: no projection available")

// ProjectionStore holds the read-optimized snapshot. Swap replaces the whole
// snapshot atomically; readers never observe a partially-applied one.
type ProjectionStore interface {
	Load(ctx context.Context) (*Projection, error)
	Swap(ctx context.Context, p *Projection) error
}

type ProjectionNode struct {
	ID         uuid.UUID  `json:"id"`
	Key        int64      `json:"key"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Kind       team.Kind  `json:"kind"`
	IsActive   bool       `json:"is_active"`
	ActiveFrom time.Time  `json:"active_from"`
	ActiveTo   *time.Time `json:"active_to,omitempty"`
}

type ProjectionEdge struct {
	ID       uuid.UUID  `json:"id"`
	ChildID  uuid.UUID  `json:"child_id"`
	ParentID uuid.UUID  `json:"parent_id"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
}

// Projection is a serializable snapshot of the whole graph. Nodes and Edges
// are persisted; the adjacency indexes are rebuilt after load.
type Projection struct {
	Nodes       []ProjectionNode `json:"nodes"`
	Edges       []ProjectionEdge `json:"edges"`
	RefreshedAt time.Time        `json:"refreshed_at"`

	parentsOf  map[uuid.UUID][]ProjectionEdge
	childrenOf map[uuid.UUID][]ProjectionEdge
}

// Reindex rebuilds the in-memory adjacency maps from Nodes and Edges. Stores
// call it after deserializing; BuildProjection calls it before Swap.
func (p *Projection) Reindex() {
	p.parentsOf = make(map[uuid.UUID][]ProjectionEdge, len(p.Edges))
	p.childrenOf = make(map[uuid.UUID][]ProjectionEdge, len(p.Edges))
	for _, e := range p.Edges {
		p.parentsOf[e.ChildID] = append(p.parentsOf[e.ChildID], e)
		p.childrenOf[e.ParentID] = append(p.childrenOf[e.ParentID], e)
	}
}

func (e ProjectionEdge) activeAt(d time.Time) bool {
	if d.Before(e.Start) {
		return false
	}
	return e.End == nil || d.Before(*e.End)
}

// ProjectionService keeps the traversal-optimized representation in sync
// with the ledger and serves point-in-time queries from it. Stale snapshots
// past the freshness budget fall back to the resolver rather than serving
// wrong answers.
type ProjectionService struct {
	teams    TeamRepository
	edges    MembershipRepository
	resolver *Resolver
	store    ProjectionStore
	clock    clockwork.Clock
	log      *logrus.Logger

	freshnessBudget time.Duration
	refreshTimeout  time.Duration
	group           singleflight.Group
}

func NewProjectionService(
	teams TeamRepository,
	edges MembershipRepository,
	resolver *Resolver,
	store ProjectionStore,
	clock clockwork.Clock,
	log *logrus.Logger,
	freshnessBudget, refreshTimeout time.Duration,
) *ProjectionService {
	return &ProjectionService{
		teams:           teams,
		edges:           edges,
		resolver:        resolver,
		store:           store,
		clock:           clock,
		log:             log,
		freshnessBudget: freshnessBudget,
		refreshTimeout:  refreshTimeout,
	}
}

// Refresh rebuilds the snapshot from the ledger and swaps it in. Concurrent
// callers collapse into one rebuild and share its result. On failure or
// timeout the previous snapshot stays in place untouched.
func (s *ProjectionService) Refresh(ctx context.Context) (*Projection, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refreshOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Projection), nil
}

func (s *ProjectionService) refreshOnce(ctx context.Context) (*Projection, error) {
	refreshCtx := ctx
	if s.refreshTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(ctx, s.refreshTimeout)
		defer cancel()
	}

	p, err := s.build(refreshCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			recordProjectionRefresh("timeout")
			return nil, newServiceError(http.StatusGatewayTimeout, CodeRefreshTimedOut,
				"projection refresh exceeded its deadline", err)
		}
		recordProjectionRefresh("error")
		return nil, err
	}

	if err := s.store.Swap(refreshCtx, p); err != nil {
		recordProjectionRefresh("error")
		return nil, mapPgError(err)
	}
	recordProjectionRefresh("success")
	return p, nil
}

// build produces a deterministic snapshot: nodes sorted by key, edges by id.
// Rebuilding from the same ledger state yields a byte-identical payload. Both
// lists are read under one snapshot transaction so the edge list cannot
// reference teams committed after the team list was taken.
func (s *ProjectionService) build(ctx context.Context) (*Projection, error) {
	var (
		teams []team.Team
		edges []membership.Edge
	)
	err := composables.InReadTx(ctx, func(txCtx context.Context) error {
		var err error
		if teams, err = s.teams.List(txCtx); err != nil {
			return mapPgError(err)
		}
		if edges, err = s.edges.ListAll(txCtx); err != nil {
			return mapPgError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p := &Projection{
		Nodes:       make([]ProjectionNode, 0, len(teams)),
		Edges:       make([]ProjectionEdge, 0, len(edges)),
		RefreshedAt: s.clock.Now().UTC(),
	}
	for _, t := range teams {
		if t.IsDeleted {
			continue
		}
		p.Nodes = append(p.Nodes, ProjectionNode{
			ID:         t.ID,
			Key:        t.Key,
			Code:       t.Code,
			Name:       t.Name,
			Kind:       t.Kind,
			IsActive:   t.IsActive,
			ActiveFrom: t.ActiveFrom,
			ActiveTo:   t.ActiveTo,
		})
	}
	for _, e := range edges {
		if e.IsDeleted {
			continue
		}
		p.Edges = append(p.Edges, ProjectionEdge{
			ID:       e.ID,
			ChildID:  e.ChildID,
			ParentID: e.ParentID,
			Start:    e.Start,
			End:      e.End,
		})
	}
	sort.Slice(p.Nodes, func(i, j int) bool { return p.Nodes[i].Key < p.Nodes[j].Key })
	sort.Slice(p.Edges, func(i, j int) bool { return p.Edges[i].ID.String() < p.Edges[j].ID.String() })
	p.Reindex()
	return p, nil
}

func (s *ProjectionService) AncestorsAsOf(ctx context.Context, entityID uuid.UUID, asOf time.Time) (map[uuid.UUID]struct{}, error) {
	return s.serve(ctx, entityID, asOf, parentsDirection)
}

func (s *ProjectionService) DescendantsAsOf(ctx context.Context, entityID uuid.UUID, asOf time.Time) (map[uuid.UUID]struct{}, error) {
	return s.serve(ctx, entityID, asOf, childrenDirection)
}

func (s *ProjectionService) serve(ctx context.Context, entityID uuid.UUID, asOf time.Time, dir traversalDirection) (map[uuid.UUID]struct{}, error) {
	if entityID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "entity id is required", nil)
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = normalizeValidTimeDayUTC(asOf)

	p := s.freshSnapshot(ctx)
	if p == nil {
		recordProjectionQuery("resolver")
		if dir == parentsDirection {
			return s.resolver.AncestorsAsOf(ctx, entityID, asOf)
		}
		return s.resolver.DescendantsAsOf(ctx, entityID, asOf)
	}

	recordProjectionQuery("projection")
	return p.traverseAt(entityID, asOf, dir, len(p.Nodes)+1)
}

// SubgraphAsOf returns the nodes and edges valid at asOf restricted to the
// descendant closure of rootID (the root included).
func (s *ProjectionService) SubgraphAsOf(ctx context.Context, rootID uuid.UUID, asOf time.Time) (*Projection, error) {
	if rootID == uuid.Nil {
		return nil, newServiceError(http.StatusBadRequest, CodeInvalidBody, "root id is required", nil)
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = normalizeValidTimeDayUTC(asOf)

	p := s.freshSnapshot(ctx)
	if p == nil {
		recordProjectionQuery("resolver")
		rebuilt, err := s.build(ctx)
		if err != nil {
			return nil, err
		}
		p = rebuilt
	} else {
		recordProjectionQuery("projection")
	}

	scope, err := p.traverseAt(rootID, asOf, childrenDirection, len(p.Nodes)+1)
	if err != nil {
		return nil, err
	}
	scope[rootID] = struct{}{}

	out := &Projection{RefreshedAt: p.RefreshedAt}
	for _, n := range p.Nodes {
		if _, ok := scope[n.ID]; ok {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, e := range p.Edges {
		if !e.activeAt(asOf) {
			continue
		}
		_, childIn := scope[e.ChildID]
		_, parentIn := scope[e.ParentID]
		if childIn && parentIn {
			out.Edges = append(out.Edges, e)
		}
	}
	out.Reindex()
	return out, nil
}

// Snapshot exposes the stored projection for introspection. Unlike the
// traversal queries it reports staleness to the caller instead of silently
// falling back.
func (s *ProjectionService) Snapshot(ctx context.Context) (*Projection, error) {
	p, err := s.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoProjection) {
			return nil, newServiceError(http.StatusNotFound, CodeNotFound, "no projection snapshot", err)
		}
		return nil, mapPgError(err)
	}
	age := s.clock.Now().Sub(p.RefreshedAt)
	if s.freshnessBudget > 0 && age > s.freshnessBudget {
		return nil, newServiceError(http.StatusServiceUnavailable, CodeProjectionStale,
			"projection snapshot exceeded the freshness budget", nil)
	}
	return p, nil
}

// freshSnapshot returns the stored snapshot when it is inside the freshness
// budget, nil when it is missing or stale. Staleness is logged once per
// query; the caller falls back to the resolver.
func (s *ProjectionService) freshSnapshot(ctx context.Context) *Projection {
	p, err := s.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoProjection) && s.log != nil {
			s.log.WithError(err).Warn("hierarchy: projection load failed; serving from resolver")
		}
		return nil
	}
	age := s.clock.Now().Sub(p.RefreshedAt)
	if s.freshnessBudget > 0 && age > s.freshnessBudget {
		if s.log != nil {
			s.log.WithField("age", age.String()).
				WithField("budget", s.freshnessBudget.String()).
				Warn("hierarchy: projection is stale; serving from resolver")
		}
		return nil
	}
	return p
}

// traverseAt walks the snapshot's adjacency index, keeping only edges valid
// at asOf. The depth guard mirrors the resolver's so a corrupted snapshot
// reports InconsistentGraph the same way a corrupted ledger does.
func (p *Projection) traverseAt(start uuid.UUID, asOf time.Time, dir traversalDirection, maxDepth int) (map[uuid.UUID]struct{}, error) {
	index := p.parentsOf
	if dir == childrenDirection {
		index = p.childrenOf
	}

	result := make(map[uuid.UUID]struct{})
	frontier := map[uuid.UUID]struct{}{start: {}}

	for depth := 0; depth < maxDepth; depth++ {
		advanced := make(map[uuid.UUID]struct{})
		for id := range frontier {
			for _, e := range index[id] {
				if !e.activeAt(asOf) {
					continue
				}
				if dir == parentsDirection {
					advanced[e.ParentID] = struct{}{}
				} else {
					advanced[e.ChildID] = struct{}{}
				}
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
		"traversal depth guard exceeded; projection contains a cycle", nil)
}
