package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/memerr"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/graph")

const edgeSchema = `
CREATE TABLE IF NOT EXISTS graph_edges (
	edge_id      TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	from_node_id TEXT NOT NULL,
	to_node_id   TEXT NOT NULL,
	type         TEXT NOT NULL,
	properties   TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (tenant_id, from_node_id, to_node_id, type)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON graph_edges(tenant_id, from_node_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_to ON graph_edges(tenant_id, to_node_id, type);
`

// Traversal safety caps. BFS stops expanding past these regardless of
// the requested depth.
const (
	maxVisitedNodes = 10000
	maxDepth        = 100
)

// Store persists graph edges in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore ensures the edge schema and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(edgeSchema); err != nil {
		return nil, fmt.Errorf("creating graph schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateEdge validates and inserts a directed edge. For depends_on edges
// the store walks outgoing depends_on edges from the target first and
// rejects the insert if the source is reachable, keeping the dependency
// subgraph a DAG.
func (s *Store) CreateEdge(ctx context.Context, e *Edge) (*Edge, error) {
	ctx, span := tracer.Start(ctx, "graph.create_edge",
		trace.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("edge_type", e.Type),
		))
	defer span.End()

	switch {
	case e.TenantID == "":
		return nil, memerr.Validationf("tenant_id", "required")
	case e.FromNodeID == "":
		return nil, memerr.Validationf("from_node_id", "required")
	case e.ToNodeID == "":
		return nil, memerr.Validationf("to_node_id", "required")
	case e.Type == "":
		return nil, memerr.Validationf("type", "required")
	case e.FromNodeID == e.ToNodeID:
		return nil, memerr.Validationf("to_node_id", "self-edge not allowed")
	}

	if e.Type == EdgeDependsOn {
		reachable, err := s.reachable(ctx, e.TenantID, e.ToNodeID, e.FromNodeID)
		if err != nil {
			return nil, err
		}
		if reachable {
			cyclesRejected.Add(ctx, 1)
			return nil, memerr.ErrCycleDetected
		}
	}

	out := *e
	out.EdgeID = "edg_" + uuid.New().String()[:12]
	out.CreatedAt = time.Now().UTC()
	out.UpdatedAt = out.CreatedAt
	if len(out.Properties) == 0 {
		out.Properties = json.RawMessage("{}")
	} else if !json.Valid(out.Properties) {
		return nil, memerr.Validationf("properties", "not valid JSON")
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO graph_edges (edge_id, tenant_id, from_node_id, to_node_id, type, properties, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			out.EdgeID, out.TenantID, out.FromNodeID, out.ToNodeID, out.Type,
			string(out.Properties), out.CreatedAt, out.UpdatedAt)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, memerr.Conflictf("edge %s -[%s]-> %s already exists",
				out.FromNodeID, out.Type, out.ToNodeID)
		}
		return nil, fmt.Errorf("inserting edge: %w", err)
	}

	edgesCreated.Add(ctx, 1)
	return &out, nil
}

// Get returns one edge by ID.
func (s *Store) Get(ctx context.Context, tenantID, edgeID string) (*Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT edge_id, tenant_id, from_node_id, to_node_id, type, properties, created_at, updated_at
		 FROM graph_edges WHERE tenant_id = ? AND edge_id = ?`, tenantID, edgeID)
	if err != nil {
		return nil, fmt.Errorf("querying edge: %w", err)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, memerr.NotFound("edge", edgeID)
	}
	return &edges[0], nil
}

// Edges lists edges touching nodeID in the given direction, optionally
// filtered by type. Pass edgeType "" for all types.
func (s *Store) Edges(ctx context.Context, tenantID, nodeID, direction, edgeType string) ([]Edge, error) {
	col, err := directionColumn(direction)
	if err != nil {
		return nil, err
	}

	query := `SELECT edge_id, tenant_id, from_node_id, to_node_id, type, properties, created_at, updated_at
		 FROM graph_edges WHERE tenant_id = ? AND ` + col + ` = ?`
	args := []interface{}{tenantID, nodeID}
	if edgeType != "" {
		query += ` AND type = ?`
		args = append(args, edgeType)
	}
	query += ` ORDER BY created_at ASC, edge_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	return scanEdges(rows)
}

// Traverse walks edges of one type breadth-first from startID, bounded by
// depth, and returns the reached nodes with their level. The start node
// itself is level 0.
func (s *Store) Traverse(ctx context.Context, tenantID, startID, edgeType, direction string, depth int) ([]Node, error) {
	ctx, span := tracer.Start(ctx, "graph.traverse",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("edge_type", edgeType),
			attribute.Int("depth", depth),
		))
	defer span.End()

	if depth < 0 {
		return nil, memerr.Validationf("depth", "must be >= 0")
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	if _, err := directionColumn(direction); err != nil {
		return nil, err
	}

	visited := map[string]bool{startID: true}
	result := []Node{{NodeID: startID, Level: 0}}
	frontier := []string{startID}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := s.neighbors(ctx, tenantID, frontier, edgeType, direction)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range next {
			if visited[n] {
				continue
			}
			visited[n] = true
			result = append(result, Node{NodeID: n, Level: level})
			frontier = append(frontier, n)
			if len(visited) >= maxVisitedNodes {
				return result, nil
			}
		}
	}

	span.SetAttributes(attribute.Int("graph.nodes_reached", len(result)))
	return result, nil
}

// UpdateEdgeProperties shallow-merges patch into the edge's properties
// document inside one transaction. A JSON null value removes the key.
func (s *Store) UpdateEdgeProperties(ctx context.Context, tenantID, edgeID string, patch json.RawMessage) (*Edge, error) {
	ctx, span := tracer.Start(ctx, "graph.update_edge_properties",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, memerr.Validationf("patch", "must be a JSON object: %v", err)
	}

	err := storage.WithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT properties FROM graph_edges WHERE tenant_id = ? AND edge_id = ?`,
			tenantID, edgeID).Scan(&current)
		if err == sql.ErrNoRows {
			return memerr.NotFound("edge", edgeID)
		}
		if err != nil {
			return err
		}

		merged := make(map[string]json.RawMessage)
		if err := json.Unmarshal([]byte(current), &merged); err != nil {
			merged = make(map[string]json.RawMessage)
		}
		for k, v := range patchMap {
			if string(v) == "null" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE graph_edges SET properties = ?, updated_at = ? WHERE tenant_id = ? AND edge_id = ?`,
			string(mergedJSON), time.Now().UTC(), tenantID, edgeID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, edgeID)
}

// DeleteEdge removes an edge. Missing edges return NotFound.
func (s *Store) DeleteEdge(ctx context.Context, tenantID, edgeID string) error {
	var affected int64
	err := storage.WithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM graph_edges WHERE tenant_id = ? AND edge_id = ?`, tenantID, edgeID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	if affected == 0 {
		return memerr.NotFound("edge", edgeID)
	}
	return nil
}

// CountByTenant returns the number of edges for a tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_edges WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// reachable reports whether target can be reached from start over
// outgoing depends_on edges.
func (s *Store) reachable(ctx context.Context, tenantID, start, target string) (bool, error) {
	if start == target {
		return true, nil
	}
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 && len(visited) < maxVisitedNodes {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		next, err := s.neighbors(ctx, tenantID, frontier, EdgeDependsOn, DirectionOut)
		if err != nil {
			return false, err
		}
		frontier = frontier[:0]
		for _, n := range next {
			if n == target {
				return true, nil
			}
			if visited[n] {
				continue
			}
			visited[n] = true
			frontier = append(frontier, n)
		}
	}
	return false, nil
}

// neighbors returns the nodes one hop from any node in the frontier.
func (s *Store) neighbors(ctx context.Context, tenantID string, frontier []string, edgeType, direction string) ([]string, error) {
	fromCol, _ := directionColumn(direction)
	toCol := "to_node_id"
	if direction == DirectionIn {
		toCol = "from_node_id"
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(frontier)), ",")
	query := `SELECT DISTINCT ` + toCol + ` FROM graph_edges
		 WHERE tenant_id = ? AND ` + fromCol + ` IN (` + placeholders + `)`
	args := make([]interface{}, 0, len(frontier)+2)
	args = append(args, tenantID)
	for _, id := range frontier {
		args = append(args, id)
	}
	if edgeType != "" {
		query += ` AND type = ?`
		args = append(args, edgeType)
	}
	query += ` ORDER BY 1 ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying neighbors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func directionColumn(direction string) (string, error) {
	switch direction {
	case DirectionOut:
		return "from_node_id", nil
	case DirectionIn:
		return "to_node_id", nil
	}
	return "", memerr.Validationf("direction", "must be %q or %q", DirectionOut, DirectionIn)
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var e Edge
		var props string
		var createdAt, updatedAt interface{}
		if err := rows.Scan(&e.EdgeID, &e.TenantID, &e.FromNodeID, &e.ToNodeID,
			&e.Type, &props, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.Properties = json.RawMessage(props)
		if t, ok := storage.ScanTime(createdAt); ok {
			e.CreatedAt = t
		}
		if t, ok := storage.ScanTime(updatedAt); ok {
			e.UpdatedAt = t
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
