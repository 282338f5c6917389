package assembly

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

// Rule kinds feeding the identity, rules, and task_state segments.
const (
	RuleKindIdentity  = "identity"
	RuleKindRule      = "rule"
	RuleKindTaskState = "task_state"
)

// Rule is one row of standing context, scoped by tenant and channel and
// ranked by priority (higher first).
type Rule struct {
	RuleID    string    `json:"rule_id"`
	TenantID  string    `json:"tenant_id"`
	Channel   string    `json:"channel"` // empty means all channels
	Kind      string    `json:"kind"`
	Priority  int       `json:"priority"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

const rulesSchema = `
CREATE TABLE IF NOT EXISTS context_rules (
    rule_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant_kind ON context_rules(tenant_id, kind, channel, priority);
`

// RulesStore persists standing context rules.
type RulesStore struct {
	db *sql.DB
}

// NewRulesStore initializes the context_rules schema on db.
func NewRulesStore(db *sql.DB) (*RulesStore, error) {
	if _, err := db.ExecContext(context.Background(), rulesSchema); err != nil {
		return nil, fmt.Errorf("creating context_rules schema: %w", err)
	}
	return &RulesStore{db: db}, nil
}

// Put inserts a rule, assigning RuleID and CreatedAt when unset.
func (s *RulesStore) Put(ctx context.Context, r *Rule) error {
	if r.TenantID == "" {
		return memerr.Validationf("tenant_id", "required")
	}
	switch r.Kind {
	case RuleKindIdentity, RuleKindRule, RuleKindTaskState:
	default:
		return memerr.Validationf("kind", "unknown rule kind %q", r.Kind)
	}
	if r.RuleID == "" {
		r.RuleID = "rul_" + uuid.New().String()[:12]
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO context_rules (rule_id, tenant_id, channel, kind, priority, text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.RuleID, r.TenantID, r.Channel, r.Kind, r.Priority, r.Text, r.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// ByKind returns rules of one kind visible on channel (channel-specific
// rows plus all-channel rows), priority descending then newest first.
func (s *RulesStore) ByKind(ctx context.Context, tenantID, channel, kind string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, tenant_id, channel, kind, priority, text, created_at
		 FROM context_rules
		 WHERE tenant_id = ? AND kind = ? AND (channel = ? OR channel = '')
		 ORDER BY priority DESC, created_at DESC`,
		tenantID, kind, channel)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var createdAt interface{}
		if err := rows.Scan(&r.RuleID, &r.TenantID, &r.Channel, &r.Kind, &r.Priority,
			&r.Text, &createdAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
