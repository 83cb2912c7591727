package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/reliability"
	"github.com/populus-labs/populus-go/internal/repo"
)

// ArtifactStore persists derived reliability artifacts. Artifacts are
// versioned, never overwritten: recomputation inserts the next version.
type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) SaveArtifact(ctx context.Context, artifact reliability.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if strings.TrimSpace(artifact.ID) == "" {
		return fmt.Errorf("artifact id is required")
	}
	if strings.TrimSpace(artifact.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if artifact.Version < 1 {
		return fmt.Errorf("artifact version must be >= 1")
	}
	runIDsJSON, err := encodeJSON(artifact.RunIDs)
	if err != nil {
		return fmt.Errorf("encode run ids: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO reliability_artifacts (
			artifact_id,
			tenant_id,
			node_id,
			kind,
			version,
			metric_key,
			run_ids,
			manifest_filter,
			result,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.TenantID),
		strings.TrimSpace(artifact.NodeID),
		strings.TrimSpace(artifact.Kind),
		artifact.Version,
		nullIfEmpty(artifact.MetricKey),
		runIDsJSON,
		nullIfEmpty(artifact.ManifestFilter),
		[]byte(artifact.Result),
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) NextArtifactVersion(ctx context.Context, tenantID, nodeID, kind string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("artifact store not initialized")
	}
	var version int
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1
		 FROM reliability_artifacts
		 WHERE tenant_id = $1 AND node_id = $2 AND kind = $3`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(nodeID),
		strings.TrimSpace(kind),
	)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("next artifact version: %w", err)
	}
	return version, nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, tenantID, nodeID, kind string, limit int) ([]reliability.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT artifact_id, tenant_id, node_id, kind, version, metric_key, run_ids, manifest_filter, result, created_at
		 FROM reliability_artifacts
		 WHERE tenant_id = $1 AND node_id = $2 AND kind = $3
		 ORDER BY version DESC
		 LIMIT $4`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(nodeID),
		strings.TrimSpace(kind),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]reliability.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

func scanArtifact(scan func(dest ...any) error) (reliability.Artifact, error) {
	var artifact reliability.Artifact
	var metricKey, manifestFilter sql.NullString
	var runIDsJSON, resultJSON []byte
	if err := scan(&artifact.ID, &artifact.TenantID, &artifact.NodeID, &artifact.Kind, &artifact.Version,
		&metricKey, &runIDsJSON, &manifestFilter, &resultJSON, &artifact.CreatedAt); err != nil {
		return reliability.Artifact{}, handleNotFound(err)
	}
	artifact.MetricKey = metricKey.String
	artifact.ManifestFilter = manifestFilter.String
	artifact.Result = resultJSON
	if err := decodeJSON(runIDsJSON, &artifact.RunIDs); err != nil {
		return reliability.Artifact{}, fmt.Errorf("decode run ids: %w", err)
	}
	return artifact, nil
}
