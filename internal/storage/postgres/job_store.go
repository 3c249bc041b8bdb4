package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// DefaultJobsTable is the durable processing table name.
const DefaultJobsTable = "streetview_jobs"

// JobStore mirrors capture jobs into a Postgres table keyed by target id.
type JobStore struct {
	pool  Pool
	table string
}

// NewJobStore constructs a store over pool.
func NewJobStore(pool Pool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultJobsTable
	}
	if err := checkIdentifiers(table); err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	target_id        TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	address          TEXT NOT NULL,
	original_address TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL,
	completed_at     TIMESTAMPTZ,
	error            TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes the job, replacing any previous record for the target.
func (s *JobStore) Upsert(ctx context.Context, job capture.Job) error {
	if job.TargetID == "" {
		return fmt.Errorf("target id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (target_id, run_id, address, original_address, started_at, status, completed_at, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (target_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	address = EXCLUDED.address,
	original_address = EXCLUDED.original_address,
	started_at = EXCLUDED.started_at,
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	error = EXCLUDED.error`, s.table)

	_, err := s.pool.Exec(ctx, query,
		job.TargetID,
		job.RunID,
		job.Address,
		job.OriginalAddress,
		job.StartedAt,
		string(job.Status),
		job.CompletedAt,
		nullString(job.Error),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.TargetID, err)
	}
	return nil
}

// Get loads the record for targetID.
func (s *JobStore) Get(ctx context.Context, targetID string) (capture.Job, error) {
	query := fmt.Sprintf(`
SELECT target_id, run_id, address, original_address, started_at, status, completed_at, error
FROM %s
WHERE target_id = $1`, s.table)

	var (
		job         capture.Job
		status      string
		completedAt *time.Time
		errText     *string
	)
	err := s.pool.QueryRow(ctx, query, targetID).Scan(
		&job.TargetID,
		&job.RunID,
		&job.Address,
		&job.OriginalAddress,
		&job.StartedAt,
		&status,
		&completedAt,
		&errText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return capture.Job{}, fmt.Errorf("job %q: %w", targetID, capture.ErrNotFound)
		}
		return capture.Job{}, fmt.Errorf("get job %s: %w", targetID, err)
	}
	job.Status = capture.JobStatus(status)
	job.CompletedAt = completedAt
	if errText != nil {
		job.Error = *errText
	}
	return job, nil
}

// Delete removes the record for targetID.
func (s *JobStore) Delete(ctx context.Context, targetID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE target_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, targetID); err != nil {
		return fmt.Errorf("delete job %s: %w", targetID, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
