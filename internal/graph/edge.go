// Package graph stores typed, directed edges between memory nodes and
// answers reachability questions over them. Multiple agents coordinate
// work through this layer, so the depends_on subgraph is kept acyclic.
package graph

import (
	"encoding/json"
	"time"
)

// Well-known edge types. The type set is open; these are the ones the
// engine itself interprets.
const (
	EdgeParentOf  = "parent_of"
	EdgeChildOf   = "child_of"
	EdgeDependsOn = "depends_on"
	EdgeCreatedBy = "created_by"
	EdgeRelatesTo = "relates_to"
)

// Traversal directions.
const (
	DirectionOut = "out" // follow from_node -> to_node
	DirectionIn  = "in"  // follow to_node -> from_node
)

// Edge is a directed, typed link between two nodes. Nodes are opaque IDs
// owned by other subsystems (chunks, decisions, capsules, task records).
type Edge struct {
	EdgeID     string          `json:"edge_id"`
	TenantID   string          `json:"tenant_id"`
	FromNodeID string          `json:"from_node_id"`
	ToNodeID   string          `json:"to_node_id"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Node is a traversal result: a node ID with its BFS distance from the
// start node.
type Node struct {
	NodeID string `json:"node_id"`
	Level  int    `json:"level"`
}
