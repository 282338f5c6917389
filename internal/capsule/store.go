package capsule

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

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/capsule")

const schema = `
CREATE TABLE IF NOT EXISTS capsules (
    capsule_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    subject_type TEXT NOT NULL DEFAULT '',
    subject_id TEXT NOT NULL DEFAULT '',
    project_id TEXT NOT NULL DEFAULT '',
    author_agent_id TEXT NOT NULL,
    audience_agent_ids TEXT NOT NULL DEFAULT '[]',
    items TEXT NOT NULL DEFAULT '{}',
    risks TEXT NOT NULL DEFAULT '[]',
    ttl_days INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capsules_tenant_status ON capsules(tenant_id, status, expires_at);
CREATE INDEX IF NOT EXISTS idx_capsules_tenant_subject ON capsules(tenant_id, subject_type, subject_id);
`

// Store persists capsules. Rows are written once; the only update path
// flips status to revoked. Expired and revoked capsules stay on disk for
// audit.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the capsules schema on db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating capsules schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetNow overrides the store's clock. Test hook for TTL expiry.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// Create snapshots a capsule. Items arrive fully materialized (the caller
// resolves chunks through the effective view first) and are serialized by
// value, so the capsule stays a point-in-time view even when sources are
// edited later.
func (s *Store) Create(ctx context.Context, c *Capsule) (*Capsule, error) {
	ctx, span := tracer.Start(ctx, "capsule.create",
		trace.WithAttributes(
			attribute.String("tenant_id", c.TenantID),
			attribute.String("capsule.scope", c.Scope),
			attribute.Int("capsule.ttl_days", c.TTLDays),
		))
	defer span.End()

	if c.TenantID == "" {
		return nil, memerr.Validationf("tenant_id", "required")
	}
	if c.Scope != ScopeSession && c.Scope != ScopeProject {
		return nil, memerr.Validationf("scope", "unknown scope %q", c.Scope)
	}
	if c.AuthorAgentID == "" {
		return nil, memerr.Validationf("author_agent_id", "required")
	}
	if c.TTLDays <= 0 {
		return nil, memerr.Validationf("ttl_days", "must be positive, got %d", c.TTLDays)
	}
	if len(c.AudienceAgentIDs) == 0 {
		return nil, memerr.Validationf("audience_agent_ids", "at least one audience agent required")
	}

	if c.CapsuleID == "" {
		c.CapsuleID = "cap_" + uuid.New().String()[:12]
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.ExpiresAt = c.CreatedAt.AddDate(0, 0, c.TTLDays)
	c.Status = StatusActive

	itemsJSON, err := json.Marshal(c.Items)
	if err != nil {
		return nil, memerr.Validationf("items", "not serializable: %v", err)
	}
	audienceJSON, _ := json.Marshal(c.AudienceAgentIDs)
	risksJSON, _ := json.Marshal(c.Risks)
	if c.Risks == nil {
		risksJSON = []byte("[]")
	}

	err = storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO capsules (capsule_id, tenant_id, scope, subject_type, subject_id, project_id,
			                       author_agent_id, audience_agent_ids, items, risks, ttl_days, status,
			                       created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CapsuleID, c.TenantID, c.Scope, c.SubjectType, c.SubjectID, c.ProjectID,
			c.AuthorAgentID, string(audienceJSON), string(itemsJSON), string(risksJSON),
			c.TTLDays, c.Status, c.CreatedAt, c.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating capsule: %w", err)
	}

	createsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("capsule.id", c.CapsuleID))
	return c, nil
}

// Get returns the capsule iff it is visible to requestingAgentID right now.
// Revoked, expired, and out-of-audience capsules all come back NotFound so
// callers cannot distinguish hidden from missing.
func (s *Store) Get(ctx context.Context, tenantID, capsuleID, requestingAgentID string) (*Capsule, error) {
	ctx, span := tracer.Start(ctx, "capsule.get",
		trace.WithAttributes(
			attribute.String("capsule.id", capsuleID),
			attribute.String("capsule.requester", requestingAgentID),
		))
	defer span.End()

	c, err := s.getRaw(ctx, tenantID, capsuleID)
	if err != nil {
		return nil, err
	}
	if !c.VisibleTo(requestingAgentID, s.now()) {
		return nil, memerr.NotFound("capsule", capsuleID)
	}
	return c, nil
}

// getRaw fetches without visibility checks. Internal and revocation path.
func (s *Store) getRaw(ctx context.Context, tenantID, capsuleID string) (*Capsule, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM capsules WHERE capsule_id = ? AND tenant_id = ?`, capsuleID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying capsule: %w", err)
	}
	defer rows.Close()

	cs, err := scanCapsules(rows)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, memerr.NotFound("capsule", capsuleID)
	}
	return &cs[0], nil
}

// AvailableParams filter Available.
type AvailableParams struct {
	TenantID          string
	RequestingAgentID string
	Scope             string
	SubjectType       string
	SubjectID         string
	ProjectID         string
}

// Available returns capsules currently visible to the requesting agent,
// newest first. Audience membership is checked in Go after the tenant- and
// status-scoped query; audiences are small (agents on one handoff).
func (s *Store) Available(ctx context.Context, p AvailableParams) ([]Capsule, error) {
	ctx, span := tracer.Start(ctx, "capsule.available",
		trace.WithAttributes(
			attribute.String("tenant_id", p.TenantID),
			attribute.String("capsule.requester", p.RequestingAgentID),
		))
	defer span.End()

	query := selectCols + ` FROM capsules
	         WHERE tenant_id = ? AND status = 'active' AND expires_at > ?`
	args := []interface{}{p.TenantID, s.now()}

	if p.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, p.Scope)
	}
	if p.SubjectType != "" {
		query += ` AND subject_type = ?`
		args = append(args, p.SubjectType)
	}
	if p.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, p.SubjectID)
	}
	if p.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, p.ProjectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying available capsules: %w", err)
	}
	defer rows.Close()

	all, err := scanCapsules(rows)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var visible []Capsule
	for i := range all {
		if all[i].VisibleTo(p.RequestingAgentID, now) {
			visible = append(visible, all[i])
		}
	}
	span.SetAttributes(attribute.Int("capsule.visible", len(visible)))
	return visible, nil
}

// Revoke flips an active capsule to revoked. The capsule row itself is
// retained for audit.
func (s *Store) Revoke(ctx context.Context, tenantID, capsuleID string) error {
	ctx, span := tracer.Start(ctx, "capsule.revoke",
		trace.WithAttributes(attribute.String("capsule.id", capsuleID)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status = 'revoked'
		 WHERE capsule_id = ? AND tenant_id = ? AND status = 'active'`,
		capsuleID, tenantID)
	if err != nil {
		return fmt.Errorf("revoking capsule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return memerr.NotFound("active capsule", capsuleID)
	}
	revokesTotal.Add(ctx, 1)
	return nil
}

// CountByTenant returns the number of capsules for a tenant, any status.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM capsules WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

const selectCols = `SELECT capsule_id, tenant_id, scope, subject_type, subject_id, project_id,
	author_agent_id, audience_agent_ids, items, risks, ttl_days, status, created_at, expires_at`

func scanCapsules(rows *sql.Rows) ([]Capsule, error) {
	var out []Capsule
	for rows.Next() {
		var c Capsule
		var audienceJSON, itemsJSON, risksJSON string
		var createdAt, expiresAt interface{}
		if err := rows.Scan(&c.CapsuleID, &c.TenantID, &c.Scope, &c.SubjectType, &c.SubjectID,
			&c.ProjectID, &c.AuthorAgentID, &audienceJSON, &itemsJSON, &risksJSON,
			&c.TTLDays, &c.Status, &createdAt, &expiresAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			c.CreatedAt = t
		}
		if t, ok := storage.ScanTime(expiresAt); ok {
			c.ExpiresAt = t
		}
		_ = json.Unmarshal([]byte(audienceJSON), &c.AudienceAgentIDs)
		_ = json.Unmarshal([]byte(itemsJSON), &c.Items)
		_ = json.Unmarshal([]byte(risksJSON), &c.Risks)
		if c.Risks == nil {
			c.Risks = []string{}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
