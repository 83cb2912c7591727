package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const runColumns = `run_id, tenant_id, project_id, node_id, run_config_id, state, failure_reason,
	idempotency_key, worker_id, worker_started_at, worker_last_heartbeat,
	started_at, ended_at, has_results, metadata, created_at, created_by`

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			tenant_id,
			project_id,
			node_id,
			run_config_id,
			state,
			failure_reason,
			idempotency_key,
			worker_id,
			worker_started_at,
			worker_last_heartbeat,
			started_at,
			ended_at,
			has_results,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.ProjectID),
		strings.TrimSpace(run.NodeID),
		strings.TrimSpace(run.RunConfigID),
		string(run.State),
		nullIfEmpty(run.FailureReason),
		nullIfEmpty(run.IdempotencyKey),
		nullIfEmpty(run.WorkerID),
		nullTime(run.WorkerStartedAt),
		nullTime(run.WorkerLastHeartbeat),
		nullTime(run.StartedAt),
		nullTime(run.EndedAt),
		run.HasResults,
		metadataJSON,
		normalizeTime(run.CreatedAt),
		nullIfEmpty(run.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, tenantID, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Run{}, fmt.Errorf("tenant id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND run_id = $2`,
		tenantID,
		id,
	)
	return scanRun(row.Scan)
}

func (s *RunStore) FindRunByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Run{}, fmt.Errorf("idempotency key is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		strings.TrimSpace(tenantID),
		key,
	)
	return scanRun(row.Scan)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	args = append(args, strings.TrimSpace(filter.TenantID))
	clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.NodeID) != "" {
		args = append(args, strings.TrimSpace(filter.NodeID))
		clauses = append(clauses, fmt.Sprintf("node_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// TransitionRun is a compare-and-set on the run's state column. The adjacency
// check happens in the service layer; this guards against lost updates when
// two transitions race on the same run.
func (s *RunStore) TransitionRun(ctx context.Context, tenantID, id string, from, to domain.RunState, failureReason string, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if !domain.CanTransitionRunState(from, to) {
		return fmt.Errorf("invalid run transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET state = $1, failure_reason = $2, ended_at = $3
		 WHERE tenant_id = $4 AND run_id = $5 AND state = $6`,
		string(to),
		nullIfEmpty(failureReason),
		nullTime(endedAt),
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	if rows == 0 {
		// Either the run does not exist or its state moved under us.
		if _, getErr := s.GetRun(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return repo.ErrConflict
	}
	return nil
}

// RequestCancel sets the cancel flag in the run's metadata document. The
// executing worker polls it at tick boundaries.
func (s *RunStore) RequestCancel(ctx context.Context, tenantID, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET metadata = metadata || '{"cancel_requested": true}'::jsonb
		 WHERE tenant_id = $1 AND run_id = $2`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) AssignWorker(ctx context.Context, tenantID, id, workerID string, startedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return fmt.Errorf("worker id is required")
	}
	at := startedAt.UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET worker_id = $1, worker_started_at = $2, worker_last_heartbeat = $2, started_at = $2
		 WHERE tenant_id = $3 AND run_id = $4`,
		workerID,
		at,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) TouchWorkerHeartbeat(ctx context.Context, tenantID, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET worker_last_heartbeat = $1 WHERE tenant_id = $2 AND run_id = $3`,
		at.UTC(),
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) MarkHasResults(ctx context.Context, tenantID, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET has_results = TRUE WHERE tenant_id = $1 AND run_id = $2`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark has results: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark has results: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListTimedOutRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+`
		 FROM runs
		 WHERE state = $1 AND worker_last_heartbeat IS NOT NULL AND worker_last_heartbeat < $2
		 ORDER BY worker_last_heartbeat ASC
		 LIMIT $3`,
		string(domain.RunStateRunning),
		olderThan.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list timed out runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list timed out runs: %w", err)
	}
	return runs, nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var state string
	var failureReason, idempotencyKey, workerID, createdBy sql.NullString
	var workerStartedAt, workerLastHeartbeat, startedAt, endedAt sql.NullTime
	var metadataJSON []byte
	if err := scan(&run.ID, &run.TenantID, &run.ProjectID, &run.NodeID, &run.RunConfigID, &state, &failureReason,
		&idempotencyKey, &workerID, &workerStartedAt, &workerLastHeartbeat,
		&startedAt, &endedAt, &run.HasResults, &metadataJSON, &run.CreatedAt, &createdBy); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.State = domain.RunState(state)
	run.FailureReason = failureReason.String
	run.IdempotencyKey = idempotencyKey.String
	run.WorkerID = workerID.String
	run.CreatedBy = createdBy.String
	run.WorkerStartedAt = timePtr(workerStartedAt)
	run.WorkerLastHeartbeat = timePtr(workerLastHeartbeat)
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode metadata: %w", err)
	}
	run.Metadata = metadata
	return run, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time.UTC()
	return &at
}
