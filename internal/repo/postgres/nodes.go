package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type NodeStore struct {
	db TxDB
}

func NewNodeStore(db TxDB) *NodeStore {
	if db == nil {
		return nil
	}
	return &NodeStore{db: db}
}

const nodeColumns = `node_id, tenant_id, project_id, parent_edge_id, persona_snapshot_id,
	ruleset_version, parameter_version, world_state, min_ensemble_size, completed_run_count,
	is_ensemble_complete, aggregation_method, metric_methods, outcome_counts, outcome_variance,
	aggregated_outcome, is_stale, stale_reason, is_pruned, metadata, created_at, created_by`

func (s *NodeStore) CreateNode(ctx context.Context, node domain.Node) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("node store not initialized")
	}
	if err := node.Validate(); err != nil {
		return err
	}
	worldStateJSON, err := encodeMetadata(node.WorldState)
	if err != nil {
		return fmt.Errorf("encode world state: %w", err)
	}
	metricMethodsJSON, err := encodeJSON(node.MetricMethods)
	if err != nil {
		return fmt.Errorf("encode metric methods: %w", err)
	}
	countsJSON, err := encodeJSON(node.OutcomeCounts)
	if err != nil {
		return fmt.Errorf("encode outcome counts: %w", err)
	}
	varianceJSON, err := encodeJSON(node.OutcomeVariance)
	if err != nil {
		return fmt.Errorf("encode outcome variance: %w", err)
	}
	aggregatedJSON, err := encodeMetadata(node.AggregatedOutcome)
	if err != nil {
		return fmt.Errorf("encode aggregated outcome: %w", err)
	}
	staleReasonJSON, err := encodeJSON(node.StaleReason)
	if err != nil {
		return fmt.Errorf("encode stale reason: %w", err)
	}
	metadataJSON, err := encodeMetadata(node.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO nodes (
			node_id,
			tenant_id,
			project_id,
			parent_edge_id,
			persona_snapshot_id,
			ruleset_version,
			parameter_version,
			world_state,
			min_ensemble_size,
			completed_run_count,
			is_ensemble_complete,
			aggregation_method,
			metric_methods,
			outcome_counts,
			outcome_variance,
			aggregated_outcome,
			is_stale,
			stale_reason,
			is_pruned,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		strings.TrimSpace(node.ID),
		strings.TrimSpace(node.TenantID),
		strings.TrimSpace(node.ProjectID),
		nullIfEmpty(node.ParentEdgeID),
		nullIfEmpty(node.PersonaSnapshotID),
		nullIfEmpty(node.RulesetVersion),
		nullIfEmpty(node.ParameterVersion),
		worldStateJSON,
		node.MinEnsembleSize,
		node.CompletedRunCount,
		node.IsEnsembleComplete,
		string(node.AggregationMethod),
		metricMethodsJSON,
		countsJSON,
		varianceJSON,
		aggregatedJSON,
		node.IsStale,
		staleReasonJSON,
		node.IsPruned,
		metadataJSON,
		normalizeTime(node.CreatedAt),
		nullIfEmpty(node.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *NodeStore) GetNode(ctx context.Context, tenantID, id string) (domain.Node, error) {
	if s == nil || s.db == nil {
		return domain.Node{}, fmt.Errorf("node store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Node{}, fmt.Errorf("tenant id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Node{}, fmt.Errorf("node id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE tenant_id = $1 AND node_id = $2`,
		tenantID,
		id,
	)
	return scanNode(row.Scan)
}

func (s *NodeStore) ListNodes(ctx context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("node store not initialized")
	}
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.TenantID))
	clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if !filter.IncludePruned {
		clauses = append(clauses, "is_pruned = FALSE")
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE ` + strings.Join(clauses, " AND ") +
		" ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]domain.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// CommitOutcome runs the ensemble commit as one transaction: lock the node
// row, insert the outcome, reload the full outcome set, recompute the
// aggregate, and write the bookkeeping back. The completion flag flips
// exactly once, when the counter first reaches min_ensemble_size.
func (s *NodeStore) CommitOutcome(ctx context.Context, outcome domain.RunOutcome, aggregate repo.Aggregator) (domain.Node, bool, error) {
	if s == nil || s.db == nil {
		return domain.Node{}, false, fmt.Errorf("node store not initialized")
	}
	if err := outcome.Validate(); err != nil {
		return domain.Node{}, false, err
	}
	if aggregate == nil {
		return domain.Node{}, false, fmt.Errorf("aggregator is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE tenant_id = $1 AND node_id = $2 FOR UPDATE`,
		outcome.TenantID,
		outcome.NodeID,
	)
	node, err := scanNode(row.Scan)
	if err != nil {
		return domain.Node{}, false, err
	}

	metricsJSON, err := outcome.MetricsJSON()
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("encode metrics: %w", err)
	}
	flagsJSON, err := encodeJSON(outcome.QualityFlags)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("encode quality flags: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO run_outcomes (
			run_id,
			node_id,
			tenant_id,
			status,
			manifest_hash,
			metrics,
			quality_flags,
			recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(outcome.RunID),
		strings.TrimSpace(outcome.NodeID),
		strings.TrimSpace(outcome.TenantID),
		string(outcome.Status),
		outcome.ManifestHash,
		metricsJSON,
		flagsJSON,
		normalizeTime(outcome.RecordedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// The run already committed; at-least-once redelivery.
			return node, false, repo.ErrConflict
		}
		return domain.Node{}, false, fmt.Errorf("insert outcome: %w", err)
	}

	outcomes, err := listOutcomes(ctx, tx, outcome.TenantID, outcome.NodeID)
	if err != nil {
		return domain.Node{}, false, err
	}

	update, err := aggregate(node, outcomes)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("aggregate outcomes: %w", err)
	}

	completedNow := false
	node.CompletedRunCount = len(outcomes)
	if !node.IsEnsembleComplete && node.CompletedRunCount >= node.MinEnsembleSize {
		node.IsEnsembleComplete = true
		completedNow = true
	}
	node.OutcomeCounts = update.OutcomeCounts
	node.OutcomeVariance = update.OutcomeVariance
	node.AggregatedOutcome = update.AggregatedOutcome

	countsJSON, err := encodeJSON(node.OutcomeCounts)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("encode outcome counts: %w", err)
	}
	varianceJSON, err := encodeJSON(node.OutcomeVariance)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("encode outcome variance: %w", err)
	}
	aggregatedJSON, err := encodeMetadata(node.AggregatedOutcome)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("encode aggregated outcome: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE nodes
		 SET completed_run_count = $1,
		     is_ensemble_complete = $2,
		     outcome_counts = $3,
		     outcome_variance = $4,
		     aggregated_outcome = $5
		 WHERE tenant_id = $6 AND node_id = $7`,
		node.CompletedRunCount,
		node.IsEnsembleComplete,
		countsJSON,
		varianceJSON,
		aggregatedJSON,
		outcome.TenantID,
		outcome.NodeID,
	)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("update ensemble bookkeeping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Node{}, false, fmt.Errorf("commit ensemble tx: %w", err)
	}
	return node, completedNow, nil
}

func (s *NodeStore) MarkStale(ctx context.Context, tenantID, id string, reason domain.StaleReason) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("node store not initialized")
	}
	reasonJSON, err := encodeJSON(reason)
	if err != nil {
		return fmt.Errorf("encode stale reason: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE nodes SET is_stale = TRUE, stale_reason = $1 WHERE tenant_id = $2 AND node_id = $3`,
		reasonJSON,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *NodeStore) SetPruned(ctx context.Context, tenantID, id string, pruned bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("node store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE nodes SET is_pruned = $1 WHERE tenant_id = $2 AND node_id = $3`,
		pruned,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("set pruned: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set pruned: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanNode(scan func(dest ...any) error) (domain.Node, error) {
	var node domain.Node
	var parentEdgeID, personaSnapshotID, rulesetVersion, parameterVersion, createdBy sql.NullString
	var method string
	var worldStateJSON, metricMethodsJSON, countsJSON, varianceJSON []byte
	var aggregatedJSON, staleReasonJSON, metadataJSON []byte
	if err := scan(&node.ID, &node.TenantID, &node.ProjectID, &parentEdgeID, &personaSnapshotID,
		&rulesetVersion, &parameterVersion, &worldStateJSON, &node.MinEnsembleSize, &node.CompletedRunCount,
		&node.IsEnsembleComplete, &method, &metricMethodsJSON, &countsJSON, &varianceJSON,
		&aggregatedJSON, &node.IsStale, &staleReasonJSON, &node.IsPruned, &metadataJSON,
		&node.CreatedAt, &createdBy); err != nil {
		return domain.Node{}, handleNotFound(err)
	}
	node.ParentEdgeID = parentEdgeID.String
	node.PersonaSnapshotID = personaSnapshotID.String
	node.RulesetVersion = rulesetVersion.String
	node.ParameterVersion = parameterVersion.String
	node.CreatedBy = createdBy.String
	node.AggregationMethod = domain.AggregationMethod(method)

	worldState, err := decodeMetadata(worldStateJSON)
	if err != nil {
		return domain.Node{}, fmt.Errorf("decode world state: %w", err)
	}
	node.WorldState = worldState
	if err := decodeJSON(metricMethodsJSON, &node.MetricMethods); err != nil {
		return domain.Node{}, fmt.Errorf("decode metric methods: %w", err)
	}
	if err := decodeJSON(countsJSON, &node.OutcomeCounts); err != nil {
		return domain.Node{}, fmt.Errorf("decode outcome counts: %w", err)
	}
	if err := decodeJSON(varianceJSON, &node.OutcomeVariance); err != nil {
		return domain.Node{}, fmt.Errorf("decode outcome variance: %w", err)
	}
	aggregated, err := decodeMetadata(aggregatedJSON)
	if err != nil {
		return domain.Node{}, fmt.Errorf("decode aggregated outcome: %w", err)
	}
	node.AggregatedOutcome = aggregated
	if len(staleReasonJSON) > 0 && string(staleReasonJSON) != "null" && string(staleReasonJSON) != "{}" {
		var reason domain.StaleReason
		if err := decodeJSON(staleReasonJSON, &reason); err != nil {
			return domain.Node{}, fmt.Errorf("decode stale reason: %w", err)
		}
		node.StaleReason = &reason
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Node{}, fmt.Errorf("decode metadata: %w", err)
	}
	node.Metadata = metadata
	return node, nil
}

func listOutcomes(ctx context.Context, db DB, tenantID, nodeID string) ([]domain.RunOutcome, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT run_id, node_id, tenant_id, status, manifest_hash, metrics, quality_flags, recorded_at
		 FROM run_outcomes
		 WHERE tenant_id = $1 AND node_id = $2
		 ORDER BY run_id ASC`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(nodeID),
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]domain.RunOutcome, 0)
	for rows.Next() {
		outcome, err := scanOutcome(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return outcomes, nil
}

func scanOutcome(scan func(dest ...any) error) (domain.RunOutcome, error) {
	var outcome domain.RunOutcome
	var status string
	var metricsJSON, flagsJSON []byte
	if err := scan(&outcome.RunID, &outcome.NodeID, &outcome.TenantID, &status, &outcome.ManifestHash,
		&metricsJSON, &flagsJSON, &outcome.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunOutcome{}, repo.ErrNotFound
		}
		return domain.RunOutcome{}, err
	}
	outcome.Status = domain.OutcomeStatus(status)
	if err := decodeJSON(metricsJSON, &outcome.Metrics); err != nil {
		return domain.RunOutcome{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := decodeJSON(flagsJSON, &outcome.QualityFlags); err != nil {
		return domain.RunOutcome{}, fmt.Errorf("decode quality flags: %w", err)
	}
	return outcome, nil
}
