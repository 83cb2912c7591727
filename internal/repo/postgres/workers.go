package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
)

type WorkerStore struct {
	db DB
}

func NewWorkerStore(db DB) *WorkerStore {
	if db == nil {
		return nil
	}
	return &WorkerStore{db: db}
}

// UpsertHeartbeat is a single-row atomic upsert keyed by worker id, so the
// liveness record never needs a read-modify-write cycle.
func (s *WorkerStore) UpsertHeartbeat(ctx context.Context, heartbeat domain.WorkerHeartbeat) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("worker store not initialized")
	}
	if err := heartbeat.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO worker_heartbeats (
			worker_id,
			hostname,
			pid,
			last_seen_at,
			status,
			current_run_id,
			runs_executed,
			runs_failed
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			last_seen_at = EXCLUDED.last_seen_at,
			status = EXCLUDED.status,
			current_run_id = EXCLUDED.current_run_id,
			runs_executed = EXCLUDED.runs_executed,
			runs_failed = EXCLUDED.runs_failed`,
		strings.TrimSpace(heartbeat.WorkerID),
		nullIfEmpty(heartbeat.Hostname),
		heartbeat.PID,
		heartbeat.LastSeenAt.UTC(),
		strings.TrimSpace(heartbeat.Status),
		nullIfEmpty(heartbeat.CurrentRunID),
		heartbeat.RunsExecuted,
		heartbeat.RunsFailed,
	)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *WorkerStore) GetWorker(ctx context.Context, workerID string) (domain.WorkerHeartbeat, error) {
	if s == nil || s.db == nil {
		return domain.WorkerHeartbeat{}, fmt.Errorf("worker store not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.WorkerHeartbeat{}, fmt.Errorf("worker id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT worker_id, hostname, pid, last_seen_at, status, current_run_id, runs_executed, runs_failed
		 FROM worker_heartbeats
		 WHERE worker_id = $1`,
		workerID,
	)
	return scanWorker(row.Scan)
}

func (s *WorkerStore) ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]domain.WorkerHeartbeat, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT worker_id, hostname, pid, last_seen_at, status, current_run_id, runs_executed, runs_failed
		 FROM worker_heartbeats
		 WHERE last_seen_at < $1 AND status != $2
		 ORDER BY last_seen_at ASC`,
		olderThan.UTC(),
		domain.WorkerStatusDrained,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	defer rows.Close()

	workers := make([]domain.WorkerHeartbeat, 0)
	for rows.Next() {
		worker, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	return workers, nil
}

func scanWorker(scan func(dest ...any) error) (domain.WorkerHeartbeat, error) {
	var worker domain.WorkerHeartbeat
	var hostname, currentRunID sql.NullString
	if err := scan(&worker.WorkerID, &hostname, &worker.PID, &worker.LastSeenAt, &worker.Status,
		&currentRunID, &worker.RunsExecuted, &worker.RunsFailed); err != nil {
		return domain.WorkerHeartbeat{}, handleNotFound(err)
	}
	worker.Hostname = hostname.String
	worker.CurrentRunID = currentRunID.String
	return worker, nil
}
