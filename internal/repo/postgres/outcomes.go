package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
)

// OutcomeStore is read-only: outcome rows are inserted inside the node
// ensemble-commit transaction and never updated.
type OutcomeStore struct {
	db DB
}

func NewOutcomeStore(db DB) *OutcomeStore {
	if db == nil {
		return nil
	}
	return &OutcomeStore{db: db}
}

func (s *OutcomeStore) GetOutcomeByRun(ctx context.Context, tenantID, runID string) (domain.RunOutcome, error) {
	if s == nil || s.db == nil {
		return domain.RunOutcome{}, fmt.Errorf("outcome store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.RunOutcome{}, fmt.Errorf("tenant id is required")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunOutcome{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, node_id, tenant_id, status, manifest_hash, metrics, quality_flags, recorded_at
		 FROM run_outcomes
		 WHERE tenant_id = $1 AND run_id = $2`,
		tenantID,
		runID,
	)
	return scanOutcome(row.Scan)
}

func (s *OutcomeStore) ListOutcomesByNode(ctx context.Context, tenantID, nodeID string) ([]domain.RunOutcome, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("outcome store not initialized")
	}
	return listOutcomes(ctx, s.db, tenantID, nodeID)
}
