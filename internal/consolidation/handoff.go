// Package consolidation compresses episodic handoff records into durable
// reflections and semantic principles on daily, weekly, and monthly
// schedules, and applies the weekly forgetting curve.
package consolidation

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

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/consolidation")

// Handoff is one structured episodic record summarizing a session's
// experience, consumed by consolidation.
type Handoff struct {
	HandoffID    string    `json:"handoff_id"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Summary      string    `json:"summary"`
	Becoming     string    `json:"becoming,omitempty"` // identity statement at session end
	Significance float64   `json:"significance"`       // [0,1]
	Tags         []string  `json:"tags"`
	// MemoryStrength decays weekly for aging low-significance records.
	MemoryStrength   float64    `json:"memory_strength"`
	CompressionLevel string     `json:"compression_level,omitempty"` // set when consolidated
	ReflectionID     string     `json:"reflection_id,omitempty"`     // back-reference
	ConsolidatedAt   *time.Time `json:"consolidated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

const handoffSchema = `
CREATE TABLE IF NOT EXISTS handoffs (
    handoff_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL,
    becoming TEXT NOT NULL DEFAULT '',
    significance REAL NOT NULL DEFAULT 0.5,
    tags TEXT NOT NULL DEFAULT '[]',
    memory_strength REAL NOT NULL DEFAULT 1.0,
    compression_level TEXT NOT NULL DEFAULT '',
    reflection_id TEXT NOT NULL DEFAULT '',
    consolidated_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handoffs_tenant_created ON handoffs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_handoffs_unconsolidated ON handoffs(consolidated_at, created_at);
`

// HandoffStore persists episodic handoff records.
type HandoffStore struct {
	db *sql.DB
}

// NewHandoffStore initializes the handoffs schema on db.
func NewHandoffStore(db *sql.DB) (*HandoffStore, error) {
	if _, err := db.ExecContext(context.Background(), handoffSchema); err != nil {
		return nil, fmt.Errorf("creating handoffs schema: %w", err)
	}
	return &HandoffStore{db: db}, nil
}

// Record inserts a handoff, assigning HandoffID, CreatedAt, and full
// memory strength when unset.
func (s *HandoffStore) Record(ctx context.Context, h *Handoff) error {
	ctx, span := tracer.Start(ctx, "consolidation.handoff.record",
		trace.WithAttributes(
			attribute.String("tenant_id", h.TenantID),
			attribute.String("session_id", h.SessionID),
		))
	defer span.End()

	if h.TenantID == "" {
		return memerr.Validationf("tenant_id", "required")
	}
	if h.SessionID == "" {
		return memerr.Validationf("session_id", "required")
	}
	if h.Significance < 0 || h.Significance > 1 {
		return memerr.Validationf("significance", "must be in [0,1], got %v", h.Significance)
	}
	if h.HandoffID == "" {
		h.HandoffID = "hof_" + uuid.New().String()[:12]
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.MemoryStrength == 0 {
		h.MemoryStrength = 1.0
	}

	tagsJSON, _ := json.Marshal(h.Tags)
	if h.Tags == nil {
		tagsJSON = []byte("[]")
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO handoffs (handoff_id, tenant_id, session_id, agent_id, summary, becoming,
			                       significance, tags, memory_strength, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.HandoffID, h.TenantID, h.SessionID, h.AgentID, h.Summary, h.Becoming,
			h.Significance, string(tagsJSON), h.MemoryStrength, h.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("recording handoff: %w", err)
	}
	handoffsRecorded.Add(ctx, 1)
	return nil
}

// Unconsolidated returns handoffs in [start, end) not yet consolidated,
// oldest first, across all tenants, capped at limit.
func (s *HandoffStore) Unconsolidated(ctx context.Context, start, end time.Time, limit int) ([]Handoff, error) {
	query := `SELECT handoff_id, tenant_id, session_id, agent_id, summary, becoming, significance,
	                 tags, memory_strength, compression_level, reflection_id, consolidated_at, created_at
	          FROM handoffs
	          WHERE consolidated_at IS NULL AND created_at >= ? AND created_at < ?
	          ORDER BY created_at ASC`
	args := []interface{}{start, end}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unconsolidated handoffs: %w", err)
	}
	defer rows.Close()
	return scanHandoffs(rows)
}

// MarkConsolidated stamps the given handoffs with a compression tag and
// the reflection back-reference in one set-based statement. A handoff
// already consolidated is left untouched, which makes re-running a window
// idempotent. Returns the number of rows actually marked.
func (s *HandoffStore) MarkConsolidated(ctx context.Context, tenantID string, handoffIDs []string, reflectionID, compressionLevel string, now time.Time) (int64, error) {
	if len(handoffIDs) == 0 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "consolidation.handoff.mark_consolidated",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("handoffs", len(handoffIDs)),
		))
	defer span.End()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(handoffIDs)), ",")
	args := []interface{}{compressionLevel, reflectionID, now, tenantID}
	for _, id := range handoffIDs {
		args = append(args, id)
	}

	var affected int64
	err := storage.WithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE handoffs
			 SET compression_level = ?, reflection_id = ?, consolidated_at = ?
			 WHERE tenant_id = ? AND consolidated_at IS NULL AND handoff_id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("marking handoffs consolidated: %w", err)
	}
	span.SetAttributes(attribute.Int64("consolidation.marked", affected))
	return affected, nil
}

// DecayStrength applies the forgetting curve: multiply memory_strength by
// factor for consolidated handoffs older than cutoff with significance
// below the threshold, flooring at zero. One set-based statement.
func (s *HandoffStore) DecayStrength(ctx context.Context, cutoff time.Time, significanceBelow, factor float64) (int64, error) {
	ctx, span := tracer.Start(ctx, "consolidation.handoff.decay",
		trace.WithAttributes(attribute.Float64("decay.factor", factor)))
	defer span.End()

	var affected int64
	err := storage.WithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE handoffs
			 SET memory_strength = MAX(0.0, memory_strength * ?)
			 WHERE created_at < ? AND significance < ? AND consolidated_at IS NOT NULL`,
			factor, cutoff, significanceBelow)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decaying memory strength: %w", err)
	}
	decayedTotal.Add(ctx, affected)
	span.SetAttributes(attribute.Int64("decay.rows", affected))
	return affected, nil
}

// Get retrieves one handoff by ID, tenant-scoped.
func (s *HandoffStore) Get(ctx context.Context, tenantID, handoffID string) (*Handoff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handoff_id, tenant_id, session_id, agent_id, summary, becoming, significance,
		        tags, memory_strength, compression_level, reflection_id, consolidated_at, created_at
		 FROM handoffs WHERE handoff_id = ? AND tenant_id = ?`, handoffID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying handoff: %w", err)
	}
	defer rows.Close()

	hs, err := scanHandoffs(rows)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, memerr.NotFound("handoff", handoffID)
	}
	return &hs[0], nil
}

// CountByTenant returns the number of handoffs for a tenant.
func (s *HandoffStore) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM handoffs WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func scanHandoffs(rows *sql.Rows) ([]Handoff, error) {
	var out []Handoff
	for rows.Next() {
		var h Handoff
		var tagsJSON string
		var consolidatedAt, createdAt interface{}
		if err := rows.Scan(&h.HandoffID, &h.TenantID, &h.SessionID, &h.AgentID, &h.Summary,
			&h.Becoming, &h.Significance, &tagsJSON, &h.MemoryStrength,
			&h.CompressionLevel, &h.ReflectionID, &consolidatedAt, &createdAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(consolidatedAt); ok {
			h.ConsolidatedAt = &t
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			h.CreatedAt = t
		}
		_ = json.Unmarshal([]byte(tagsJSON), &h.Tags)
		if h.Tags == nil {
			h.Tags = []string{}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
