package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/event"
	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

// Edit operations. The set is closed; payload shape is checked per op at
// proposal time and dispatched by switch when folding.
const (
	OpAmend      = "amend"      // overwrite named fields from the patch
	OpRetract    = "retract"    // remove from the effective set entirely
	OpAttenuate  = "attenuate"  // add importance_delta, clamped to [0,1]
	OpQuarantine = "quarantine" // flag but keep visible on request
	OpBlock      = "block"      // hide on one channel only
)

// Edit target types.
const (
	TargetChunk    = "chunk"
	TargetDecision = "decision"
)

// Edit statuses.
const (
	StatusProposed = "proposed"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// MemoryEdit is one append-only correction targeting a chunk or decision.
// Approved edits are applied in applied_at order and never deleted.
type MemoryEdit struct {
	EditID     string          `json:"edit_id"`
	TenantID   string          `json:"tenant_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Op         string          `json:"op"`
	Reason     string          `json:"reason"`
	ProposedBy string          `json:"proposed_by"`
	Status     string          `json:"status"`
	Patch      json.RawMessage `json:"patch"`
	CreatedAt  time.Time       `json:"created_at"`
	AppliedAt  *time.Time      `json:"applied_at,omitempty"`
}

// AmendPatch carries the fields an amend may overwrite. Pointer fields
// distinguish "unset" from zero values.
type AmendPatch struct {
	Text       *string  `json:"text,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Kind       *string  `json:"kind,omitempty"`
}

// AttenuatePatch adjusts importance by a signed delta.
type AttenuatePatch struct {
	ImportanceDelta float64 `json:"importance_delta"`
}

// BlockPatch hides the target on one channel.
type BlockPatch struct {
	Channel string `json:"channel"`
}

const editSchema = `
CREATE TABLE IF NOT EXISTS memory_edits (
    edit_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    op TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    proposed_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'proposed',
    patch TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    applied_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_edits_target ON memory_edits(tenant_id, target_type, target_id, status);
CREATE INDEX IF NOT EXISTS idx_edits_status ON memory_edits(tenant_id, status);
`

// DecisionChecker validates decision targets at proposal time without
// importing the decision package.
type DecisionChecker interface {
	Exists(ctx context.Context, tenantID, decisionID string) (bool, error)
}

// EditLog is the append-only store of memory edits.
type EditLog struct {
	db        *sql.DB
	chunks    *Store
	decisions DecisionChecker
}

// NewEditLog initializes the edit schema. decisions may be nil, in which
// case edits targeting decisions are rejected at proposal time.
func NewEditLog(db *sql.DB, chunks *Store, decisions DecisionChecker) (*EditLog, error) {
	if _, err := db.ExecContext(context.Background(), editSchema); err != nil {
		return nil, fmt.Errorf("creating memory_edits schema: %w", err)
	}
	return &EditLog{db: db, chunks: chunks, decisions: decisions}, nil
}

// Propose validates and records an edit with status proposed. Validation is
// strict here so that apply time never fails: the target must exist and the
// patch must match the op's payload shape.
func (l *EditLog) Propose(ctx context.Context, e *MemoryEdit) (*MemoryEdit, error) {
	ctx, span := tracer.Start(ctx, "memory.edit.propose",
		trace.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("edit.op", e.Op),
			attribute.String("edit.target_type", e.TargetType),
		))
	defer span.End()

	if e.TenantID == "" {
		return nil, memerr.Validationf("tenant_id", "required")
	}
	if err := l.validateTarget(ctx, e); err != nil {
		return nil, err
	}
	if err := validatePatch(e.Op, e.Patch); err != nil {
		return nil, err
	}

	if e.EditID == "" {
		e.EditID = "edt_" + uuid.New().String()[:12]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = StatusProposed
	if len(e.Patch) == 0 {
		e.Patch = json.RawMessage("{}")
	}

	err := storage.WithRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO memory_edits (edit_id, tenant_id, target_type, target_id, op, reason,
			                           proposed_by, status, patch, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EditID, e.TenantID, e.TargetType, e.TargetID, e.Op, e.Reason,
			e.ProposedBy, e.Status, string(e.Patch), e.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("proposing edit: %w", err)
	}

	editsProposed.Add(ctx, 1)
	span.SetAttributes(attribute.String("edit.id", e.EditID))
	return e, nil
}

func (l *EditLog) validateTarget(ctx context.Context, e *MemoryEdit) error {
	switch e.TargetType {
	case TargetChunk:
		ok, err := l.chunks.Exists(ctx, e.TenantID, e.TargetID)
		if err != nil {
			return err
		}
		if !ok {
			return memerr.Validationf("target_id", "chunk %s does not exist", e.TargetID)
		}
	case TargetDecision:
		if l.decisions == nil {
			return memerr.Validationf("target_type", "decision targets not supported")
		}
		ok, err := l.decisions.Exists(ctx, e.TenantID, e.TargetID)
		if err != nil {
			return err
		}
		if !ok {
			return memerr.Validationf("target_id", "decision %s does not exist", e.TargetID)
		}
	default:
		return memerr.Validationf("target_type", "unknown target type %q", e.TargetType)
	}
	return nil
}

// validatePatch checks the op-specific payload shape.
func validatePatch(op string, patch json.RawMessage) error {
	switch op {
	case OpAmend:
		var p AmendPatch
		if err := strictUnmarshal(patch, &p); err != nil {
			return memerr.Validationf("patch", "amend patch: %v", err)
		}
		if p.Text == nil && p.Importance == nil && p.Tags == nil && p.Kind == nil {
			return memerr.Validationf("patch", "amend patch names no fields")
		}
		if p.Importance != nil && (*p.Importance < 0 || *p.Importance > 1) {
			return memerr.Validationf("patch", "amend importance must be in [0,1]")
		}
	case OpAttenuate:
		var p AttenuatePatch
		if err := strictUnmarshal(patch, &p); err != nil {
			return memerr.Validationf("patch", "attenuate patch: %v", err)
		}
		if p.ImportanceDelta == 0 {
			return memerr.Validationf("patch", "attenuate requires a non-zero importance_delta")
		}
	case OpBlock:
		var p BlockPatch
		if err := strictUnmarshal(patch, &p); err != nil {
			return memerr.Validationf("patch", "block patch: %v", err)
		}
		if !event.ValidChannel(p.Channel) {
			return memerr.Validationf("patch", "block requires a valid channel, got %q", p.Channel)
		}
	case OpRetract, OpQuarantine:
		// no payload
	default:
		return memerr.Validationf("op", "unknown op %q", op)
	}
	return nil
}

// strictUnmarshal rejects unknown patch keys so a typoed payload fails at
// proposal time instead of silently folding as a no-op.
func strictUnmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Approve marks a proposed edit approved and stamps applied_at. From this
// point the edit participates in effective-view folding.
func (l *EditLog) Approve(ctx context.Context, tenantID, editID string) error {
	return l.transition(ctx, tenantID, editID, StatusApproved)
}

// Reject marks a proposed edit rejected. Rejected edits are retained for
// audit but never folded.
func (l *EditLog) Reject(ctx context.Context, tenantID, editID string) error {
	return l.transition(ctx, tenantID, editID, StatusRejected)
}

func (l *EditLog) transition(ctx context.Context, tenantID, editID, status string) error {
	ctx, span := tracer.Start(ctx, "memory.edit.transition",
		trace.WithAttributes(
			attribute.String("edit.id", editID),
			attribute.String("edit.status", status),
		))
	defer span.End()

	var appliedAt interface{}
	if status == StatusApproved {
		appliedAt = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE memory_edits SET status = ?, applied_at = ?
		 WHERE edit_id = ? AND tenant_id = ? AND status = 'proposed'`,
		status, appliedAt, editID, tenantID)
	if err != nil {
		return fmt.Errorf("updating edit status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return memerr.NotFound("proposed edit", editID)
	}
	if status == StatusApproved {
		editsApproved.Add(ctx, 1)
	}
	return nil
}

// ApprovedFor returns approved edits for a target ordered applied_at
// ascending, which is the fold order.
func (l *EditLog) ApprovedFor(ctx context.Context, tenantID, targetType, targetID string) ([]MemoryEdit, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT edit_id, tenant_id, target_type, target_id, op, reason, proposed_by, status, patch, created_at, applied_at
		 FROM memory_edits
		 WHERE tenant_id = ? AND target_type = ? AND target_id = ? AND status = 'approved'
		 ORDER BY applied_at ASC, edit_id ASC`,
		tenantID, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("querying approved edits: %w", err)
	}
	defer rows.Close()
	return scanEdits(rows)
}

// ApprovedChunkEdits returns all approved chunk edits for a tenant keyed by
// chunk ID, fold-ordered. Used by search to fold a candidate set in one
// round trip instead of one query per chunk.
func (l *EditLog) ApprovedChunkEdits(ctx context.Context, tenantID string) (map[string][]MemoryEdit, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT edit_id, tenant_id, target_type, target_id, op, reason, proposed_by, status, patch, created_at, applied_at
		 FROM memory_edits
		 WHERE tenant_id = ? AND target_type = 'chunk' AND status = 'approved'
		 ORDER BY applied_at ASC, edit_id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying approved chunk edits: %w", err)
	}
	defer rows.Close()

	edits, err := scanEdits(rows)
	if err != nil {
		return nil, err
	}
	byChunk := make(map[string][]MemoryEdit)
	for _, e := range edits {
		byChunk[e.TargetID] = append(byChunk[e.TargetID], e)
	}
	return byChunk, nil
}

// Get retrieves one edit by ID, tenant-scoped.
func (l *EditLog) Get(ctx context.Context, tenantID, editID string) (*MemoryEdit, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT edit_id, tenant_id, target_type, target_id, op, reason, proposed_by, status, patch, created_at, applied_at
		 FROM memory_edits WHERE edit_id = ? AND tenant_id = ?`, editID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying edit: %w", err)
	}
	defer rows.Close()

	edits, err := scanEdits(rows)
	if err != nil {
		return nil, err
	}
	if len(edits) == 0 {
		return nil, memerr.NotFound("edit", editID)
	}
	return &edits[0], nil
}

// CountByTenant returns the number of edits for a tenant.
func (l *EditLog) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_edits WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func scanEdits(rows *sql.Rows) ([]MemoryEdit, error) {
	var out []MemoryEdit
	for rows.Next() {
		var e MemoryEdit
		var patch string
		var createdAt, appliedAt interface{}
		if err := rows.Scan(&e.EditID, &e.TenantID, &e.TargetType, &e.TargetID, &e.Op,
			&e.Reason, &e.ProposedBy, &e.Status, &patch, &createdAt, &appliedAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			e.CreatedAt = t
		}
		if t, ok := storage.ScanTime(appliedAt); ok {
			e.AppliedAt = &t
		}
		e.Patch = json.RawMessage(patch)
		out = append(out, e)
	}
	return out, rows.Err()
}
