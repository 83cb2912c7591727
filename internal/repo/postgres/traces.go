package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type TraceStore struct {
	db DB
}

func NewTraceStore(db DB) *TraceStore {
	if db == nil {
		return nil
	}
	return &TraceStore{db: db}
}

func (s *TraceStore) AppendTrace(ctx context.Context, trace domain.RunTrace) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trace store not initialized")
	}
	if strings.TrimSpace(trace.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(trace.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	blobJSON, err := encodeJSON(trace.BlobPointer)
	if err != nil {
		return fmt.Errorf("encode blob pointer: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO run_traces (
			run_id,
			tenant_id,
			ts,
			worker_id,
			execution_stage,
			tick_number,
			agents_processed,
			events_count,
			duration_ms,
			blob_pointer
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(trace.RunID),
		strings.TrimSpace(trace.TenantID),
		normalizeTime(trace.Timestamp),
		nullIfEmpty(trace.WorkerID),
		strings.TrimSpace(trace.ExecutionStage),
		trace.TickNumber,
		trace.AgentsProcessed,
		trace.EventsCount,
		trace.DurationMs,
		blobJSON,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *TraceStore) ListTraces(ctx context.Context, filter repo.TraceFilter) ([]domain.RunTrace, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trace store not initialized")
	}
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(filter.RunID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	args := []any{strings.TrimSpace(filter.TenantID), strings.TrimSpace(filter.RunID)}
	query := `SELECT run_id, tenant_id, ts, worker_id, execution_stage, tick_number,
		agents_processed, events_count, duration_ms, blob_pointer
		FROM run_traces
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY tick_number ASC, ts ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	traces := make([]domain.RunTrace, 0)
	for rows.Next() {
		var trace domain.RunTrace
		var workerID sql.NullString
		var blobJSON []byte
		if err := rows.Scan(&trace.RunID, &trace.TenantID, &trace.Timestamp, &workerID, &trace.ExecutionStage,
			&trace.TickNumber, &trace.AgentsProcessed, &trace.EventsCount, &trace.DurationMs, &blobJSON); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		trace.WorkerID = workerID.String
		if len(blobJSON) > 0 && string(blobJSON) != "null" && string(blobJSON) != "{}" {
			var pointer domain.BlobPointer
			if err := decodeJSON(blobJSON, &pointer); err != nil {
				return nil, fmt.Errorf("decode blob pointer: %w", err)
			}
			trace.BlobPointer = &pointer
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return traces, nil
}
