package consolidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

// Reflection is one compressed summary of a consolidation window. It is
// the only entity with a two-phase write: a placeholder row is inserted
// when generation starts, then updated exactly once when it completes.
type Reflection struct {
	ReflectionID      string    `json:"reflection_id"`
	TenantID          string    `json:"tenant_id"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	SessionCount      int       `json:"session_count"`
	Summary           string    `json:"summary"`
	KeyInsights       []string  `json:"key_insights"`
	Themes            []string  `json:"themes"`
	IdentityEvolution string    `json:"identity_evolution,omitempty"`
	Completed         bool      `json:"completed"`
	CreatedAt         time.Time `json:"created_at"`
}

// Principle is a timeless, de-contextualized learning extracted from the
// same episodic batch as its reflection.
type Principle struct {
	PrincipleID  string    `json:"principle_id"`
	TenantID     string    `json:"tenant_id"`
	ReflectionID string    `json:"reflection_id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

const reflectionSchema = `
CREATE TABLE IF NOT EXISTS reflections (
    reflection_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    session_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    key_insights TEXT NOT NULL DEFAULT '[]',
    themes TEXT NOT NULL DEFAULT '[]',
    identity_evolution TEXT NOT NULL DEFAULT '',
    completed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reflections_tenant ON reflections(tenant_id, period_end);

CREATE TABLE IF NOT EXISTS principles (
    principle_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    reflection_id TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_principles_tenant ON principles(tenant_id, created_at);
`

// ReflectionStore persists reflections and extracted principles.
type ReflectionStore struct {
	db *sql.DB
}

// NewReflectionStore initializes the reflections schema on db.
func NewReflectionStore(db *sql.DB) (*ReflectionStore, error) {
	if _, err := db.ExecContext(context.Background(), reflectionSchema); err != nil {
		return nil, fmt.Errorf("creating reflections schema: %w", err)
	}
	return &ReflectionStore{db: db}, nil
}

// Begin inserts the placeholder row (phase one). The returned ID is handed
// to the batched handoff update before Complete runs, so a crash between
// phases leaves a placeholder to resume against, not orphaned handoffs.
func (s *ReflectionStore) Begin(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (string, error) {
	id := "ref_" + uuid.New().String()[:12]
	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO reflections (reflection_id, tenant_id, period_start, period_end, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			id, tenantID, periodStart, periodEnd, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("inserting reflection placeholder: %w", err)
	}
	return id, nil
}

// Complete fills in the generated content (phase two). Rejected if the
// reflection is already completed: a reflection is never mutated after
// generation finishes.
func (s *ReflectionStore) Complete(ctx context.Context, tenantID, reflectionID string, r *Reflection) error {
	insightsJSON, _ := json.Marshal(r.KeyInsights)
	if r.KeyInsights == nil {
		insightsJSON = []byte("[]")
	}
	themesJSON, _ := json.Marshal(r.Themes)
	if r.Themes == nil {
		themesJSON = []byte("[]")
	}

	var affected int64
	err := storage.WithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reflections
			 SET session_count = ?, summary = ?, key_insights = ?, themes = ?,
			     identity_evolution = ?, completed = 1
			 WHERE reflection_id = ? AND tenant_id = ? AND completed = 0`,
			r.SessionCount, r.Summary, string(insightsJSON), string(themesJSON),
			r.IdentityEvolution, reflectionID, tenantID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("completing reflection: %w", err)
	}
	if affected == 0 {
		return memerr.NotFound("incomplete reflection", reflectionID)
	}
	return nil
}

// AddPrinciples stores extracted semantic principles for a reflection.
func (s *ReflectionStore) AddPrinciples(ctx context.Context, tenantID, reflectionID string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return storage.WithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, text := range texts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO principles (principle_id, tenant_id, reflection_id, text, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				"prn_"+uuid.New().String()[:12], tenantID, reflectionID, text, now); err != nil {
				return fmt.Errorf("inserting principle: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Get retrieves one reflection by ID, tenant-scoped.
func (s *ReflectionStore) Get(ctx context.Context, tenantID, reflectionID string) (*Reflection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reflection_id, tenant_id, period_start, period_end, session_count, summary,
		        key_insights, themes, identity_evolution, completed, created_at
		 FROM reflections WHERE reflection_id = ? AND tenant_id = ?`, reflectionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying reflection: %w", err)
	}
	defer rows.Close()

	rs, err := scanReflections(rows)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, memerr.NotFound("reflection", reflectionID)
	}
	return &rs[0], nil
}

// List returns a tenant's reflections newest first.
func (s *ReflectionStore) List(ctx context.Context, tenantID string, limit int) ([]Reflection, error) {
	query := `SELECT reflection_id, tenant_id, period_start, period_end, session_count, summary,
	                 key_insights, themes, identity_evolution, completed, created_at
	          FROM reflections WHERE tenant_id = ? ORDER BY period_end DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reflections: %w", err)
	}
	defer rows.Close()
	return scanReflections(rows)
}

// Principles returns a tenant's principles newest first.
func (s *ReflectionStore) Principles(ctx context.Context, tenantID string, limit int) ([]Principle, error) {
	query := `SELECT principle_id, tenant_id, reflection_id, text, created_at
	          FROM principles WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing principles: %w", err)
	}
	defer rows.Close()

	var out []Principle
	for rows.Next() {
		var p Principle
		var createdAt interface{}
		if err := rows.Scan(&p.PrincipleID, &p.TenantID, &p.ReflectionID, &p.Text, &createdAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			p.CreatedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanReflections(rows *sql.Rows) ([]Reflection, error) {
	var out []Reflection
	for rows.Next() {
		var r Reflection
		var insightsJSON, themesJSON string
		var completed int
		var periodStart, periodEnd, createdAt interface{}
		if err := rows.Scan(&r.ReflectionID, &r.TenantID, &periodStart, &periodEnd,
			&r.SessionCount, &r.Summary, &insightsJSON, &themesJSON,
			&r.IdentityEvolution, &completed, &createdAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(periodStart); ok {
			r.PeriodStart = t
		}
		if t, ok := storage.ScanTime(periodEnd); ok {
			r.PeriodEnd = t
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			r.CreatedAt = t
		}
		r.Completed = completed == 1
		_ = json.Unmarshal([]byte(insightsJSON), &r.KeyInsights)
		_ = json.Unmarshal([]byte(themesJSON), &r.Themes)
		if r.KeyInsights == nil {
			r.KeyInsights = []string{}
		}
		if r.Themes == nil {
			r.Themes = []string{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
