package consolidation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/memerr"
	"github.com/mnemos-io/mnemos/internal/storage"
)

// Job statuses: pending → running → {completed | failed}.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Schedule types.
const (
	ScheduleDaily   = "daily"
	ScheduleWeekly  = "weekly"
	ScheduleMonthly = "monthly"
)

// Job tracks one consolidation run for observability and idempotent
// resumption. TenantErrors counts tenants whose extraction failed; those
// do not fail the job.
type Job struct {
	JobID          string     `json:"job_id"`
	JobType        string     `json:"job_type"`
	Status         string     `json:"status"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsAffected  int        `json:"items_affected"`
	TenantErrors   int        `json:"tenant_errors"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

const jobSchema = `
CREATE TABLE IF NOT EXISTS consolidation_jobs (
    job_id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    items_processed INTEGER NOT NULL DEFAULT 0,
    items_affected INTEGER NOT NULL DEFAULT 0,
    tenant_errors INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_type_created ON consolidation_jobs(job_type, created_at);
`

// JobStore persists consolidation job records.
type JobStore struct {
	db *sql.DB
}

// NewJobStore initializes the consolidation_jobs schema on db.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if _, err := db.ExecContext(context.Background(), jobSchema); err != nil {
		return nil, fmt.Errorf("creating consolidation_jobs schema: %w", err)
	}
	return &JobStore{db: db}, nil
}

// Create inserts a pending job for the schedule type.
func (s *JobStore) Create(ctx context.Context, jobType string) (*Job, error) {
	j := &Job{
		JobID:     "job_" + uuid.New().String()[:12],
		JobType:   jobType,
		Status:    JobPending,
		CreatedAt: time.Now().UTC(),
	}
	err := storage.WithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO consolidation_jobs (job_id, job_type, status, created_at)
			 VALUES (?, ?, ?, ?)`,
			j.JobID, j.JobType, j.Status, j.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating consolidation job: %w", err)
	}
	return j, nil
}

// MarkRunning transitions pending → running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, JobPending, JobRunning, 0, 0, 0, "")
}

// Complete transitions running → completed with final tallies. A non-zero
// tenantErrors still completes: per-tenant extraction failures are
// isolated, not fatal.
func (s *JobStore) Complete(ctx context.Context, jobID string, processed, affected, tenantErrors int) error {
	return s.transition(ctx, jobID, JobRunning, JobCompleted, processed, affected, tenantErrors, "")
}

// Fail transitions running → failed. Reserved for batch-level bookkeeping
// failures.
func (s *JobStore) Fail(ctx context.Context, jobID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, jobID, JobRunning, JobFailed, 0, 0, 0, msg)
}

func (s *JobStore) transition(ctx context.Context, jobID, from, to string, processed, affected, tenantErrors int, errMsg string) error {
	now := time.Now().UTC()
	var startedAt, completedAt interface{}
	if to == JobRunning {
		startedAt = now
	}
	if to == JobCompleted || to == JobFailed {
		completedAt = now
	}

	var affectedRows int64
	err := storage.WithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE consolidation_jobs
			 SET status = ?,
			     items_processed = CASE WHEN ? > 0 THEN ? ELSE items_processed END,
			     items_affected = CASE WHEN ? > 0 THEN ? ELSE items_affected END,
			     tenant_errors = CASE WHEN ? > 0 THEN ? ELSE tenant_errors END,
			     error = CASE WHEN ? != '' THEN ? ELSE error END,
			     started_at = COALESCE(?, started_at),
			     completed_at = COALESCE(?, completed_at)
			 WHERE job_id = ? AND status = ?`,
			to, processed, processed, affected, affected, tenantErrors, tenantErrors,
			errMsg, errMsg, startedAt, completedAt, jobID, from)
		if err != nil {
			return err
		}
		affectedRows, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("transitioning job %s to %s: %w", jobID, to, err)
	}
	if affectedRows == 0 {
		return memerr.Conflictf("job %s is not in status %s", jobID, from)
	}
	return nil
}

// Get retrieves one job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	defer rows.Close()

	js, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(js) == 0 {
		return nil, memerr.NotFound("consolidation job", jobID)
	}
	return &js[0], nil
}

// Recent returns the latest jobs, newest first.
func (s *JobStore) Recent(ctx context.Context, limit int) ([]Job, error) {
	query := jobSelect + ` ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

const jobSelect = `SELECT job_id, job_type, status, items_processed, items_affected,
	tenant_errors, error, started_at, completed_at, created_at
	FROM consolidation_jobs`

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var startedAt, completedAt, createdAt interface{}
		if err := rows.Scan(&j.JobID, &j.JobType, &j.Status, &j.ItemsProcessed,
			&j.ItemsAffected, &j.TenantErrors, &j.Error, &startedAt, &completedAt, &createdAt); err != nil {
			continue
		}
		if t, ok := storage.ScanTime(startedAt); ok {
			j.StartedAt = &t
		}
		if t, ok := storage.ScanTime(completedAt); ok {
			j.CompletedAt = &t
		}
		if t, ok := storage.ScanTime(createdAt); ok {
			j.CreatedAt = t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
