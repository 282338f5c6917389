package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/memerr"
	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/memory")

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    kind TEXT NOT NULL,
    channel TEXT NOT NULL,
    sensitivity TEXT NOT NULL DEFAULT 'none',
    tags TEXT NOT NULL DEFAULT '[]',
    token_estimate INTEGER NOT NULL DEFAULT 0,
    importance REAL NOT NULL DEFAULT 0.5,
    text TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'session',
    subject_type TEXT NOT NULL DEFAULT '',
    subject_id TEXT NOT NULL DEFAULT '',
    project_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_chunks_tenant_ts ON chunks(tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant_subject ON chunks(tenant_id, subject_type, subject_id);
CREATE INDEX IF NOT EXISTS idx_chunks_event ON chunks(event_id);
`

const chunkFTSSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text, tags,
    content=chunks,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text, tags) VALUES (new.rowid, new.text, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text, tags)
    VALUES ('delete', old.rowid, old.text, old.tags);
END;
`

// Store persists base chunks in SQLite with an FTS5 inverted index over the
// text field. Base chunks are append-only; all later correction flows
// through the edit log.
type Store struct {
	db      *sql.DB
	hasFTS5 bool
}

// NewStore initializes the chunk schema on db. FTS5 is optional; if the
// SQLite build lacks it, full-text search degrades to LIKE queries.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(context.Background(), chunkSchema); err != nil {
		return nil, fmt.Errorf("creating chunks schema: %w", err)
	}
	hasFTS5 := true
	if _, err := db.ExecContext(context.Background(), chunkFTSSchema); err != nil {
		hasFTS5 = false
	}
	return &Store{db: db, hasFTS5: hasFTS5}, nil
}

// Insert writes a base chunk, assigning ChunkID and TS when unset.
func (s *Store) Insert(ctx context.Context, c *Chunk) error {
	ctx, span := tracer.Start(ctx, "memory.chunk.insert",
		trace.WithAttributes(
			attribute.String("tenant_id", c.TenantID),
			attribute.String("chunk.kind", c.Kind),
		))
	defer span.End()

	if c.TenantID == "" {
		return memerr.Validationf("tenant_id", "required")
	}
	if c.ChunkID == "" {
		c.ChunkID = "chk_" + uuid.New().String()[:12]
	}
	if c.TS.IsZero() {
		c.TS = time.Now().UTC()
	}
	if c.TokenEstimate == 0 {
		c.TokenEstimate = len(c.Text) / 4
	}
	if c.Importance < 0 || c.Importance > 1 {
		return memerr.Validationf("importance", "must be in [0,1], got %v", c.Importance)
	}

	tagsJSON, _ := json.Marshal(c.Tags)
	if c.Tags == nil {
		tagsJSON = []byte("[]")
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, tenant_id, event_id, ts, kind, channel, sensitivity,
			                     tags, token_estimate, importance, text, scope, subject_type, subject_id, project_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ChunkID, c.TenantID, c.EventID, c.TS, c.Kind, c.Channel, c.Sensitivity,
			string(tagsJSON), c.TokenEstimate, c.Importance, c.Text, c.Scope,
			c.SubjectType, c.SubjectID, c.ProjectID)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting chunk: %w", err)
	}

	chunksInserted.Add(ctx, 1)
	span.SetAttributes(attribute.String("chunk.id", c.ChunkID))
	return nil
}

// GetBase retrieves a base chunk without folding edits. Most callers want
// View.Resolve instead.
func (s *Store) GetBase(ctx context.Context, tenantID, chunkID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chunk_id, tenant_id, event_id, ts, kind, channel, sensitivity, tags,
		        token_estimate, importance, text, scope, subject_type, subject_id, project_id
		 FROM chunks WHERE chunk_id = ? AND tenant_id = ?`, chunkID, tenantID)

	c, err := scanChunk(row.Scan)
	if err == sql.ErrNoRows {
		return nil, memerr.NotFound("chunk", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying chunk: %w", err)
	}
	return c, nil
}

// Exists reports whether a chunk exists for the tenant. Used by the edit
// log for proposal-time target validation.
func (s *Store) Exists(ctx context.Context, tenantID, chunkID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE chunk_id = ? AND tenant_id = ?`,
		chunkID, tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking chunk existence: %w", err)
	}
	return n > 0, nil
}

const searchCandidateLimit = 200

// candidates returns up to limit base chunks matching the query for the
// tenant, most relevant first (FTS5 rank when available, ts desc otherwise).
// An empty query lists recent chunks. The caller folds edits and filters,
// so limit must leave headroom for candidates the fold removes.
func (s *Store) candidates(ctx context.Context, tenantID, query string, limit int) ([]Chunk, error) {
	var sqlQuery string
	var args []interface{}

	switch {
	case query == "":
		sqlQuery = `SELECT chunk_id, tenant_id, event_id, ts, kind, channel, sensitivity, tags,
		                   token_estimate, importance, text, scope, subject_type, subject_id, project_id
		            FROM chunks WHERE tenant_id = ?
		            ORDER BY ts DESC LIMIT ?`
		args = []interface{}{tenantID, limit}
	case s.hasFTS5:
		sqlQuery = `SELECT c.chunk_id, c.tenant_id, c.event_id, c.ts, c.kind, c.channel, c.sensitivity, c.tags,
		                   c.token_estimate, c.importance, c.text, c.scope, c.subject_type, c.subject_id, c.project_id
		            FROM chunks c
		            JOIN chunks_fts f ON c.rowid = f.rowid
		            WHERE f.chunks_fts MATCH ? AND c.tenant_id = ?
		            ORDER BY rank LIMIT ?`
		args = []interface{}{ftsQuote(query), tenantID, limit}
	default:
		sqlQuery = `SELECT chunk_id, tenant_id, event_id, ts, kind, channel, sensitivity, tags,
		                   token_estimate, importance, text, scope, subject_type, subject_id, project_id
		            FROM chunks WHERE tenant_id = ? AND text LIKE ?
		            ORDER BY ts DESC LIMIT ?`
		args = []interface{}{tenantID, "%" + query + "%", limit}
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunk candidates: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountByTenant returns the number of base chunks for a tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func scanChunk(scan func(dest ...interface{}) error) (*Chunk, error) {
	var c Chunk
	var tagsJSON string
	var ts interface{}
	err := scan(&c.ChunkID, &c.TenantID, &c.EventID, &ts, &c.Kind, &c.Channel,
		&c.Sensitivity, &tagsJSON, &c.TokenEstimate, &c.Importance, &c.Text,
		&c.Scope, &c.SubjectType, &c.SubjectID, &c.ProjectID)
	if err != nil {
		return nil, err
	}
	if t, ok := storage.ScanTime(ts); ok {
		c.TS = t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &c.Tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c, nil
}
