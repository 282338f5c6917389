package graph

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "mnemos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func link(t *testing.T, s *Store, tenant, from, to, typ string) *Edge {
	t.Helper()
	e, err := s.CreateEdge(context.Background(), &Edge{
		TenantID:   tenant,
		FromNodeID: from,
		ToNodeID:   to,
		Type:       typ,
	})
	require.NoError(t, err)
	return e
}

func TestCreateEdge_AssignsID(t *testing.T) {
	s := testStore(t)

	e := link(t, s, "acme", "task-a", "task-b", EdgeDependsOn)
	assert.Contains(t, e.EdgeID, "edg_")
	assert.JSONEq(t, `{}`, string(e.Properties))
	assert.False(t, e.CreatedAt.IsZero())

	got, err := s.Get(context.Background(), "acme", e.EdgeID)
	require.NoError(t, err)
	assert.Equal(t, e.FromNodeID, got.FromNodeID)
}

func TestCreateEdge_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.CreateEdge(ctx, &Edge{FromNodeID: "a", ToNodeID: "b", Type: EdgeRelatesTo})
	assert.True(t, memerr.IsValidation(err))

	_, err = s.CreateEdge(ctx, &Edge{TenantID: "acme", FromNodeID: "a", ToNodeID: "a", Type: EdgeRelatesTo})
	assert.True(t, memerr.IsValidation(err))

	_, err = s.CreateEdge(ctx, &Edge{
		TenantID: "acme", FromNodeID: "a", ToNodeID: "b", Type: EdgeRelatesTo,
		Properties: json.RawMessage(`{broken`),
	})
	assert.True(t, memerr.IsValidation(err))
}

func TestCreateEdge_DuplicateIsConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "a", "b", EdgeRelatesTo)
	_, err := s.CreateEdge(ctx, &Edge{TenantID: "acme", FromNodeID: "a", ToNodeID: "b", Type: EdgeRelatesTo})
	assert.True(t, memerr.IsConflict(err))

	// same pair under another tenant is a distinct edge
	link(t, s, "globex", "a", "b", EdgeRelatesTo)
}

func TestCreateEdge_RejectsDependencyCycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "a", "b", EdgeDependsOn)
	link(t, s, "acme", "b", "c", EdgeDependsOn)

	_, err := s.CreateEdge(ctx, &Edge{TenantID: "acme", FromNodeID: "c", ToNodeID: "a", Type: EdgeDependsOn})
	require.Error(t, err)
	assert.True(t, memerr.IsConflict(err))

	// the rejected edge left no row behind
	edges, err := s.Edges(ctx, "acme", "c", DirectionOut, EdgeDependsOn)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestCreateEdge_CycleCheckScopedToType(t *testing.T) {
	s := testStore(t)

	// relates_to edges may form cycles freely
	link(t, s, "acme", "a", "b", EdgeRelatesTo)
	link(t, s, "acme", "b", "a", EdgeRelatesTo)

	// a parent_of path back to the source does not block a dependency
	link(t, s, "acme", "x", "y", EdgeParentOf)
	link(t, s, "acme", "y", "x", EdgeDependsOn)
}

func TestTraverse_Levels(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "root", "c1", EdgeParentOf)
	link(t, s, "acme", "root", "c2", EdgeParentOf)
	link(t, s, "acme", "c1", "g1", EdgeParentOf)

	nodes, err := s.Traverse(ctx, "acme", "root", EdgeParentOf, DirectionOut, 2)
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	levels := map[string]int{}
	for _, n := range nodes {
		levels[n.NodeID] = n.Level
	}
	assert.Equal(t, 0, levels["root"])
	assert.Equal(t, 1, levels["c1"])
	assert.Equal(t, 1, levels["c2"])
	assert.Equal(t, 2, levels["g1"])
}

func TestTraverse_DepthBound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "root", "c1", EdgeParentOf)
	link(t, s, "acme", "c1", "g1", EdgeParentOf)

	nodes, err := s.Traverse(ctx, "acme", "root", EdgeParentOf, DirectionOut, 1)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	_, err = s.Traverse(ctx, "acme", "root", EdgeParentOf, DirectionOut, -1)
	assert.True(t, memerr.IsValidation(err))
}

func TestTraverse_Inbound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "parent", "child", EdgeParentOf)

	nodes, err := s.Traverse(ctx, "acme", "child", EdgeParentOf, DirectionIn, 1)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "parent", nodes[1].NodeID)
}

func TestUpdateEdgeProperties_MergeAndRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e, err := s.CreateEdge(ctx, &Edge{
		TenantID: "acme", FromNodeID: "a", ToNodeID: "b", Type: EdgeRelatesTo,
		Properties: json.RawMessage(`{"weight": 1, "label": "initial"}`),
	})
	require.NoError(t, err)

	got, err := s.UpdateEdgeProperties(ctx, "acme", e.EdgeID, json.RawMessage(`{"weight": 2, "label": null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"weight": 2}`, string(got.Properties))

	_, err = s.UpdateEdgeProperties(ctx, "acme", e.EdgeID, json.RawMessage(`[1,2]`))
	assert.True(t, memerr.IsValidation(err))

	_, err = s.UpdateEdgeProperties(ctx, "acme", "edg_missing", json.RawMessage(`{}`))
	assert.True(t, memerr.IsNotFound(err))
}

func TestDeleteEdge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := link(t, s, "acme", "a", "b", EdgeRelatesTo)
	require.NoError(t, s.DeleteEdge(ctx, "acme", e.EdgeID))

	_, err := s.Get(ctx, "acme", e.EdgeID)
	assert.True(t, memerr.IsNotFound(err))
	assert.True(t, memerr.IsNotFound(s.DeleteEdge(ctx, "acme", e.EdgeID)))
}

func TestEdges_TenantIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "a", "b", EdgeDependsOn)

	edges, err := s.Edges(ctx, "globex", "a", DirectionOut, "")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// a cycle is only a cycle within the owning tenant
	link(t, s, "globex", "b", "a", EdgeDependsOn)
}

func fixedStatuses(statuses map[string]string) StatusFunc {
	return func(_ context.Context, nodeID string) (string, error) {
		return statuses[nodeID], nil
	}
}

func TestBoard_GroupsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "proj", "t1", EdgeParentOf)
	link(t, s, "acme", "proj", "t2", EdgeParentOf)
	link(t, s, "acme", "t1", "t3", EdgeParentOf)

	board, err := s.Board(ctx, "acme", "proj", 5, fixedStatuses(map[string]string{
		"t1": StatusDoing,
		"t2": StatusDone,
		"t3": "mystery",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, board[StatusDoing])
	assert.Equal(t, []string{"t2"}, board[StatusDone])
	assert.Equal(t, []string{"t3"}, board[StatusBacklog])
	assert.Empty(t, board[StatusTodo])
}

func TestUnblocked(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	link(t, s, "acme", "t1", "dep1", EdgeDependsOn)
	link(t, s, "acme", "t1", "dep2", EdgeDependsOn)

	blocked, err := s.Unblocked(ctx, "acme", "t1", fixedStatuses(map[string]string{
		"dep1": StatusDone,
		"dep2": StatusDoing,
	}))
	require.NoError(t, err)
	assert.False(t, blocked)

	ready, err := s.Unblocked(ctx, "acme", "t1", fixedStatuses(map[string]string{
		"dep1": StatusDone,
		"dep2": StatusDone,
	}))
	require.NoError(t, err)
	assert.True(t, ready)

	// no dependencies at all
	free, err := s.Unblocked(ctx, "acme", "lone", fixedStatuses(nil))
	require.NoError(t, err)
	assert.True(t, free)
}
