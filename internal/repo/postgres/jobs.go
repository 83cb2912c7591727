package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/populus-labs/populus-go/internal/repo"
)

// JobStore is a postgres-backed priority queue. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same
// row; the lease makes delivery at-least-once, so handlers must be
// idempotent.
type JobStore struct {
	db TxDB
}

func NewJobStore(db TxDB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) Enqueue(ctx context.Context, job repo.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(job.Kind) == "" {
		return fmt.Errorf("job kind is required")
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 3
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			job_id,
			tenant_id,
			kind,
			run_id,
			priority,
			attempts,
			max_attempts,
			available_at,
			enqueued_at,
			claimed_by,
			lease_until
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,NULL)`,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.TenantID),
		strings.TrimSpace(job.Kind),
		nullIfEmpty(job.RunID),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		normalizeTime(job.AvailableAt),
		normalizeTime(job.EnqueuedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext leases the highest-priority available job. Expired leases are
// reclaimed in the same query, which is how a crashed worker's job returns
// to the pool.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (repo.Job, error) {
	if s == nil || s.db == nil {
		return repo.Job{}, fmt.Errorf("job store not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return repo.Job{}, fmt.Errorf("worker id is required")
	}
	if leaseFor <= 0 {
		leaseFor = 5 * time.Minute
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repo.Job{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var job repo.Job
	var runID sql.NullString
	row := tx.QueryRowContext(
		ctx,
		`SELECT job_id, tenant_id, kind, run_id, priority, attempts, max_attempts, available_at, enqueued_at
		 FROM jobs
		 WHERE available_at <= $1 AND (lease_until IS NULL OR lease_until < $1)
		 ORDER BY priority ASC, enqueued_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err := row.Scan(&job.ID, &job.TenantID, &job.Kind, &runID, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.AvailableAt, &job.EnqueuedAt); err != nil {
		return repo.Job{}, handleNotFound(err)
	}
	job.RunID = runID.String

	job.Attempts++
	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs SET claimed_by = $1, lease_until = $2, attempts = $3 WHERE job_id = $4`,
		workerID,
		now.Add(leaseFor),
		job.Attempts,
		job.ID,
	)
	if err != nil {
		return repo.Job{}, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return repo.Job{}, fmt.Errorf("commit claim tx: %w", err)
	}
	return job, nil
}

func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE job_id = $1`,
		strings.TrimSpace(jobID),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Fail releases the job for redelivery after the backoff, or deletes it once
// attempts are exhausted.
func (s *JobStore) Fail(ctx context.Context, jobID string, retryAfter time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET claimed_by = NULL, lease_until = NULL, available_at = $1
		 WHERE job_id = $2 AND attempts < max_attempts`,
		now.Add(retryAfter),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if rows == 0 {
		// Attempts exhausted, or the job is already gone. Drop it.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("discard job: %w", err)
		}
	}
	return nil
}

func (s *JobStore) Depth(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("job store not initialized")
	}
	var depth int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE lease_until IS NULL OR lease_until < NOW()`)
	if err := row.Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
