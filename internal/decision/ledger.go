package decision

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

var tracer = mnemosotel.Tracer("github.com/mnemos-io/mnemos/internal/decision")

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
    decision_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    scope TEXT NOT NULL,
    subject_id TEXT NOT NULL DEFAULT '',
    project_id TEXT NOT NULL DEFAULT '',
    decision TEXT NOT NULL,
    rationale TEXT NOT NULL DEFAULT '[]',
    constraints TEXT NOT NULL DEFAULT '[]',
    alternatives TEXT NOT NULL DEFAULT '[]',
    consequences TEXT NOT NULL DEFAULT '[]',
    superseded_by TEXT NOT NULL DEFAULT '',
    ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant_status ON decisions(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_decisions_tenant_scope ON decisions(tenant_id, scope, status);
`

// Ledger persists decisions. The only mutation is flipping status to
// superseded inside Supersede's transaction.
type Ledger struct {
	db *sql.DB
}

// NewLedger initializes the decisions schema on db.
func NewLedger(db *sql.DB) (*Ledger, error) {
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating decisions schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Propose records a new active decision, assigning DecisionID and TS when
// unset.
func (l *Ledger) Propose(ctx context.Context, d *Decision) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "decision.propose",
		trace.WithAttributes(
			attribute.String("tenant_id", d.TenantID),
			attribute.String("decision.scope", d.Scope),
		))
	defer span.End()

	if d.TenantID == "" {
		return nil, memerr.Validationf("tenant_id", "required")
	}
	if !ValidScope(d.Scope) {
		return nil, memerr.Validationf("scope", "unknown scope %q", d.Scope)
	}
	if d.Decision == "" {
		return nil, memerr.Validationf("decision", "required")
	}
	if d.DecisionID == "" {
		d.DecisionID = "dec_" + uuid.New().String()[:12]
	}
	if d.TS.IsZero() {
		d.TS = time.Now().UTC()
	}
	d.Status = StatusActive

	err := storage.WithRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx, insertSQL, insertArgs(d)...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("proposing decision: %w", err)
	}
	proposalsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("decision.id", d.DecisionID))
	return d, nil
}

// Supersede atomically flips old to superseded and inserts the replacement
// as active in the same transaction. The old decision must exist and be
// active; superseded rows are never re-superseded.
func (l *Ledger) Supersede(ctx context.Context, tenantID, oldID string, replacement *Decision) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "decision.supersede",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("decision.old_id", oldID),
		))
	defer span.End()

	if replacement.TenantID == "" {
		replacement.TenantID = tenantID
	}
	if replacement.TenantID != tenantID {
		return nil, memerr.Validationf("tenant_id", "replacement tenant mismatch")
	}
	if !ValidScope(replacement.Scope) {
		return nil, memerr.Validationf("scope", "unknown scope %q", replacement.Scope)
	}
	if replacement.Decision == "" {
		return nil, memerr.Validationf("decision", "required")
	}
	if replacement.DecisionID == "" {
		replacement.DecisionID = "dec_" + uuid.New().String()[:12]
	}
	if replacement.TS.IsZero() {
		replacement.TS = time.Now().UTC()
	}
	replacement.Status = StatusActive

	err := storage.WithRetry(ctx, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE decisions SET status = 'superseded', superseded_by = ?
			 WHERE decision_id = ? AND tenant_id = ? AND status = 'active'`,
			replacement.DecisionID, oldID, tenantID)
		if err != nil {
			return fmt.Errorf("superseding decision %s: %w", oldID, err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return memerr.NotFound("active decision", oldID)
		}

		if _, err := tx.ExecContext(ctx, insertSQL, insertArgs(replacement)...); err != nil {
			return fmt.Errorf("inserting replacement decision: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	supersessionsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("decision.id", replacement.DecisionID))
	return replacement, nil
}

// ActiveParams filter the active set.
type ActiveParams struct {
	TenantID  string
	Scope     string
	ProjectID string
	SubjectID string
	Limit     int
}

// Active returns active decisions ordered by precedence descending, then ts
// descending within equal precedence. Context assembly consumes this
// ordering directly to resolve scope conflicts.
func (l *Ledger) Active(ctx context.Context, p ActiveParams) ([]Decision, error) {
	ctx, span := tracer.Start(ctx, "decision.active",
		trace.WithAttributes(attribute.String("tenant_id", p.TenantID)))
	defer span.End()

	query := `SELECT decision_id, tenant_id, status, scope, subject_id, project_id, decision,
	                 rationale, constraints, alternatives, consequences, superseded_by, ts
	          FROM decisions WHERE tenant_id = ? AND status = 'active'`
	args := []interface{}{p.TenantID}

	if p.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, p.Scope)
	}
	if p.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, p.ProjectID)
	}
	if p.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, p.SubjectID)
	}
	query += ` ORDER BY CASE scope
	             WHEN 'policy' THEN 4 WHEN 'project' THEN 3 WHEN 'user' THEN 2 WHEN 'session' THEN 1 ELSE 0
	           END DESC, ts DESC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying active decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Get retrieves one decision by ID, tenant-scoped, regardless of status.
func (l *Ledger) Get(ctx context.Context, tenantID, decisionID string) (*Decision, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT decision_id, tenant_id, status, scope, subject_id, project_id, decision,
		        rationale, constraints, alternatives, consequences, superseded_by, ts
		 FROM decisions WHERE decision_id = ? AND tenant_id = ?`, decisionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	defer rows.Close()

	ds, err := scanDecisions(rows)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, memerr.NotFound("decision", decisionID)
	}
	return &ds[0], nil
}

// Exists reports whether a decision exists for the tenant. Satisfies the
// edit log's DecisionChecker.
func (l *Ledger) Exists(ctx context.Context, tenantID, decisionID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE decision_id = ? AND tenant_id = ?`,
		decisionID, tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking decision existence: %w", err)
	}
	return n > 0, nil
}

// CountByTenant returns the number of decisions for a tenant.
func (l *Ledger) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

const insertSQL = `INSERT INTO decisions (decision_id, tenant_id, status, scope, subject_id, project_id,
	decision, rationale, constraints, alternatives, consequences, superseded_by, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(d *Decision) []interface{} {
	return []interface{}{
		d.DecisionID, d.TenantID, d.Status, d.Scope, d.SubjectID, d.ProjectID,
		d.Decision, marshalList(d.Rationale), marshalList(d.Constraints),
		marshalList(d.Alternatives), marshalList(d.Consequences), d.SupersededBy, d.TS,
	}
}

func marshalList(ss []string) string {
	if ss == nil {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func scanDecisions(rows *sql.Rows) ([]Decision, error) {
	var out []Decision
	for rows.Next() {
		var d Decision
		var rationale, constraints, alternatives, consequences string
		var ts interface{}
		if err := rows.Scan(&d.DecisionID, &d.TenantID, &d.Status, &d.Scope, &d.SubjectID,
			&d.ProjectID, &d.Decision, &rationale, &constraints, &alternatives,
			&consequences, &d.SupersededBy, &ts); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(ts); ok {
			d.TS = t
		}
		d.Rationale = unmarshalList(rationale)
		d.Constraints = unmarshalList(constraints)
		d.Alternatives = unmarshalList(alternatives)
		d.Consequences = unmarshalList(consequences)
		out = append(out, d)
	}
	return out, rows.Err()
}

func unmarshalList(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	if out == nil {
		out = []string{}
	}
	return out
}
