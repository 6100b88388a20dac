package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/membership"
	"github.com/iota-uz/teamgraph/modules/hierarchy/domain/team"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedTeam(t *testing.T, teams *fakeTeamRepository, code string, kind team.Kind, from time.Time) team.Team {
	t.Helper()
	tm, err := teams.Insert(context.Background(), TeamInsert{
		Code:       code,
		Name:       "Team " + code,
		Kind:       kind,
		ActiveFrom: from,
	})
	require.NoError(t, err)
	return tm
}

func seedEdge(t *testing.T, edges *fakeMembershipRepository, childID, parentID uuid.UUID, start time.Time) membership.Edge {
	t.Helper()
	e, err := edges.Insert(context.Background(), EdgeInsert{ChildID: childID, ParentID: parentID, Start: start})
	require.NoError(t, err)
	return e
}

func idSet(ids ...uuid.UUID) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func newResolverFixture() (*fakeTeamRepository, *fakeMembershipRepository, *Resolver) {
	teams := newFakeTeamRepository()
	edges := newFakeMembershipRepository()
	clock := clockwork.NewFakeClockAt(day(2026, 3, 1))
	return teams, edges, NewResolver(teams, edges, clock)
}

func TestResolver_AncestorsAndDescendants(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	from := day(2025, 1, 1)

	org := seedTeam(t, teams, "org", team.KindTeamOfTeams, from)
	platform := seedTeam(t, teams, "platform", team.KindTeamOfTeams, from)
	infra := seedTeam(t, teams, "infra", team.KindTeamOfTeams, from)
	core := seedTeam(t, teams, "core", team.KindTeam, from)

	seedEdge(t, edges, platform.ID, org.ID, from)
	seedEdge(t, edges, core.ID, platform.ID, from)
	seedEdge(t, edges, core.ID, infra.ID, from)

	ctx := txContext()

	ancestors, err := resolver.AncestorsAsOf(ctx, core.ID, day(2026, 1, 1))
	require.NoError(t, err)
	require.Equal(t, idSet(platform.ID, infra.ID, org.ID), ancestors)

	descendants, err := resolver.DescendantsAsOf(ctx, org.ID, day(2026, 1, 1))
	require.NoError(t, err)
	require.Equal(t, idSet(platform.ID, core.ID), descendants)

	none, err := resolver.AncestorsAsOf(ctx, org.ID, day(2026, 1, 1))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestResolver_AsOfHonorsEdgeWindows(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	from := day(2025, 1, 1)

	child := seedTeam(t, teams, "child", team.KindTeam, from)
	oldParent := seedTeam(t, teams, "old-parent", team.KindTeamOfTeams, from)
	newParent := seedTeam(t, teams, "new-parent", team.KindTeamOfTeams, from)

	moved := seedEdge(t, edges, child.ID, oldParent.ID, from)
	end := day(2025, 6, 1)
	require.NoError(t, edges.SetEnd(context.Background(), moved.ID, &end))
	seedEdge(t, edges, child.ID, newParent.ID, end)

	ctx := txContext()

	before, err := resolver.AncestorsAsOf(ctx, child.ID, day(2025, 3, 1))
	require.NoError(t, err)
	require.Equal(t, idSet(oldParent.ID), before)

	// End dates are exclusive; on the boundary day the new edge governs.
	onBoundary, err := resolver.AncestorsAsOf(ctx, child.ID, end)
	require.NoError(t, err)
	require.Equal(t, idSet(newParent.ID), onBoundary)

	after, err := resolver.AncestorsAsOf(ctx, child.ID, day(2026, 1, 1))
	require.NoError(t, err)
	require.Equal(t, idSet(newParent.ID), after)
}

func TestResolver_WouldCreateCycle(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	from := day(2025, 1, 1)

	a := seedTeam(t, teams, "a", team.KindTeamOfTeams, from)
	b := seedTeam(t, teams, "b", team.KindTeamOfTeams, from)
	c := seedTeam(t, teams, "c", team.KindTeamOfTeams, from)

	seedEdge(t, edges, a.ID, b.ID, from)
	closedBToC := seedEdge(t, edges, b.ID, c.ID, from)

	ctx := txContext()

	selfEdge, err := resolver.WouldCreateCycle(ctx, a.ID, a.ID)
	require.NoError(t, err)
	require.True(t, selfEdge)

	direct, err := resolver.WouldCreateCycle(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.True(t, direct)

	transitive, err := resolver.WouldCreateCycle(ctx, c.ID, a.ID)
	require.NoError(t, err)
	require.True(t, transitive)

	// Closing b->c breaks the transitive path; only open edges count.
	end := day(2025, 6, 1)
	require.NoError(t, edges.SetEnd(context.Background(), closedBToC.ID, &end))

	afterClose, err := resolver.WouldCreateCycle(ctx, c.ID, a.ID)
	require.NoError(t, err)
	require.False(t, afterClose)

	unrelated, err := resolver.WouldCreateCycle(ctx, a.ID, c.ID)
	require.NoError(t, err)
	require.False(t, unrelated)
}

func TestResolver_DepthGuardReportsInconsistentGraph(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	from := day(2025, 1, 1)

	x := seedTeam(t, teams, "x", team.KindTeamOfTeams, from)
	y := seedTeam(t, teams, "y", team.KindTeamOfTeams, from)

	edges.putEdge(membership.Edge{ChildID: x.ID, ParentID: y.ID, Start: from})
	edges.putEdge(membership.Edge{ChildID: y.ID, ParentID: x.ID, Start: from})

	_, err := resolver.AncestorsAsOf(txContext(), x.ID, day(2026, 1, 1))
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInconsistentGraph))
}

func TestResolver_EffectiveActiveWindow(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	ctx := txContext()

	parent := seedTeam(t, teams, "parent", team.KindTeamOfTeams, day(2025, 3, 1))
	child := seedTeam(t, teams, "child", team.KindTeam, day(2025, 1, 1))

	// An edge starting before the parent's own activation widens the window
	// backwards.
	e := seedEdge(t, edges, child.ID, parent.ID, day(2025, 1, 1))

	from, to, err := resolver.EffectiveActiveWindow(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, day(2025, 1, 1), from)
	require.Nil(t, to)

	// Deactivating the parent while the edge stays open keeps the effective
	// window open.
	activeTo := day(2025, 6, 1)
	require.NoError(t, teams.SetLifecycle(ctx, parent.ID, false, &activeTo))

	_, to, err = resolver.EffectiveActiveWindow(ctx, parent.ID)
	require.NoError(t, err)
	require.Nil(t, to)

	// Once the edge closes later than the team's own end, the edge end wins.
	edgeEnd := day(2025, 9, 1)
	require.NoError(t, edges.SetEnd(ctx, e.ID, &edgeEnd))

	from, to, err = resolver.EffectiveActiveWindow(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, day(2025, 1, 1), from)
	require.NotNil(t, to)
	require.Equal(t, edgeEnd, *to)
}

func TestResolver_HierarchyAsOf(t *testing.T) {
	teams, edges, resolver := newResolverFixture()
	from := day(2025, 1, 1)

	org := seedTeam(t, teams, "org", team.KindTeamOfTeams, from)
	late := seedTeam(t, teams, "late", team.KindTeam, day(2026, 6, 1))
	core := seedTeam(t, teams, "core", team.KindTeam, from)

	seedEdge(t, edges, core.ID, org.ID, from)

	nodes, asOf, err := resolver.HierarchyAsOf(txContext(), day(2026, 1, 1))
	require.NoError(t, err)
	require.Equal(t, day(2026, 1, 1), asOf)

	ids := make([]uuid.UUID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	require.Equal(t, []uuid.UUID{org.ID, core.ID}, ids)
	require.NotContains(t, ids, late.ID)

	byID := make(map[uuid.UUID]HierarchyNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	require.Equal(t, []uuid.UUID{org.ID}, byID[core.ID].ParentIDs)
	require.Empty(t, byID[org.ID].ParentIDs)
}
