package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/guard"
)

// LeakageStore retains every guard access decision, allowed or blocked.
// Append-only; rows are the audit trail for temporal isolation.
type LeakageStore struct {
	db DB
}

func NewLeakageStore(db DB) *LeakageStore {
	if db == nil {
		return nil
	}
	return &LeakageStore{db: db}
}

func (s *LeakageStore) RecordAttempt(ctx context.Context, attempt guard.Attempt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leakage store not initialized")
	}
	if strings.TrimSpace(attempt.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO leakage_attempts (
			ts,
			run_id,
			data_type,
			source,
			requested_time,
			cutoff_time,
			allowed,
			reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		normalizeTime(attempt.Timestamp),
		strings.TrimSpace(attempt.RunID),
		strings.TrimSpace(attempt.DataType),
		strings.TrimSpace(attempt.Source),
		attempt.RequestedTime.UTC(),
		attempt.CutoffTime.UTC(),
		attempt.Allowed,
		strings.TrimSpace(attempt.Reason),
	)
	if err != nil {
		return fmt.Errorf("insert leakage attempt: %w", err)
	}
	return nil
}

func (s *LeakageStore) ListAttempts(ctx context.Context, runID string, limit int) ([]guard.Attempt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("leakage store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT ts, run_id, data_type, source, requested_time, cutoff_time, allowed, reason
		 FROM leakage_attempts
		 WHERE run_id = $1
		 ORDER BY ts ASC
		 LIMIT $2`,
		runID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list leakage attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]guard.Attempt, 0)
	for rows.Next() {
		var attempt guard.Attempt
		if err := rows.Scan(&attempt.Timestamp, &attempt.RunID, &attempt.DataType, &attempt.Source,
			&attempt.RequestedTime, &attempt.CutoffTime, &attempt.Allowed, &attempt.Reason); err != nil {
			return nil, fmt.Errorf("scan leakage attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list leakage attempts: %w", err)
	}
	return attempts, nil
}
