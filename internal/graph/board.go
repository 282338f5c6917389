package graph

import (
	"context"
)

// Task board columns. Nodes with an unknown status land in backlog.
const (
	StatusBacklog = "backlog"
	StatusTodo    = "todo"
	StatusDoing   = "doing"
	StatusDone    = "done"
)

// StatusFunc resolves a node's status. Node status lives with the node's
// owning subsystem, not in this layer, so callers supply the lookup.
type StatusFunc func(ctx context.Context, nodeID string) (string, error)

// Board walks parent_of edges from rootID down to depth and groups the
// reached nodes (excluding the root) by status column.
func (s *Store) Board(ctx context.Context, tenantID, rootID string, depth int, status StatusFunc) (map[string][]string, error) {
	nodes, err := s.Traverse(ctx, tenantID, rootID, EdgeParentOf, DirectionOut, depth)
	if err != nil {
		return nil, err
	}

	board := map[string][]string{
		StatusBacklog: nil,
		StatusTodo:    nil,
		StatusDoing:   nil,
		StatusDone:    nil,
	}
	for _, n := range nodes {
		if n.NodeID == rootID {
			continue
		}
		col, err := status(ctx, n.NodeID)
		if err != nil {
			return nil, err
		}
		if _, ok := board[col]; !ok {
			col = StatusBacklog
		}
		board[col] = append(board[col], n.NodeID)
	}
	return board, nil
}

// Unblocked reports whether every dependency of nodeID is done. A node
// with no depends_on edges is unblocked.
func (s *Store) Unblocked(ctx context.Context, tenantID, nodeID string, status StatusFunc) (bool, error) {
	deps, err := s.Edges(ctx, tenantID, nodeID, DirectionOut, EdgeDependsOn)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		st, err := status(ctx, d.ToNodeID)
		if err != nil {
			return false, err
		}
		if st != StatusDone {
			return false, nil
		}
	}
	return true, nil
}
