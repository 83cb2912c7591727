package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type EdgeStore struct {
	db DB
}

func NewEdgeStore(db DB) *EdgeStore {
	if db == nil {
		return nil
	}
	return &EdgeStore{db: db}
}

const edgeColumns = `edge_id, tenant_id, project_id, parent_node_id, child_node_id,
	intervention_type, patch, script_ref, metadata, created_at, created_by`

func (s *EdgeStore) CreateEdge(ctx context.Context, edge domain.Edge) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("edge store not initialized")
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	patchJSON, err := encodeJSON(edge.Patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	metadataJSON, err := encodeMetadata(edge.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO edges (
			edge_id,
			tenant_id,
			project_id,
			parent_node_id,
			child_node_id,
			intervention_type,
			patch,
			script_ref,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(edge.ID),
		strings.TrimSpace(edge.TenantID),
		strings.TrimSpace(edge.ProjectID),
		strings.TrimSpace(edge.ParentNodeID),
		strings.TrimSpace(edge.ChildNodeID),
		string(edge.Intervention),
		patchJSON,
		nullIfEmpty(edge.ScriptRef),
		metadataJSON,
		normalizeTime(edge.CreatedAt),
		nullIfEmpty(edge.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *EdgeStore) GetEdge(ctx context.Context, tenantID, id string) (domain.Edge, error) {
	if s == nil || s.db == nil {
		return domain.Edge{}, fmt.Errorf("edge store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1 AND edge_id = $2`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	return scanEdge(row.Scan)
}

func (s *EdgeStore) ListEdgesByParent(ctx context.Context, tenantID, parentNodeID string) ([]domain.Edge, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("edge store not initialized")
	}
	return s.listEdges(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1 AND parent_node_id = $2 ORDER BY created_at ASC`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(parentNodeID),
	)
}

func (s *EdgeStore) ListEdgesByProject(ctx context.Context, tenantID, projectID string) ([]domain.Edge, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("edge store not initialized")
	}
	return s.listEdges(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1 AND project_id = $2 ORDER BY created_at ASC`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(projectID),
	)
}

func (s *EdgeStore) listEdges(ctx context.Context, query string, args ...any) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := make([]domain.Edge, 0)
	for rows.Next() {
		edge, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

func scanEdge(scan func(dest ...any) error) (domain.Edge, error) {
	var edge domain.Edge
	var intervention string
	var patchJSON, metadataJSON []byte
	var scriptRef, createdBy sql.NullString
	if err := scan(&edge.ID, &edge.TenantID, &edge.ProjectID, &edge.ParentNodeID, &edge.ChildNodeID,
		&intervention, &patchJSON, &scriptRef, &metadataJSON, &edge.CreatedAt, &createdBy); err != nil {
		return domain.Edge{}, handleNotFound(err)
	}
	edge.Intervention = domain.InterventionType(intervention)
	edge.ScriptRef = scriptRef.String
	edge.CreatedBy = createdBy.String
	if len(patchJSON) > 0 && string(patchJSON) != "null" && string(patchJSON) != "{}" {
		var patch domain.NodePatch
		if err := decodeJSON(patchJSON, &patch); err != nil {
			return domain.Edge{}, fmt.Errorf("decode patch: %w", err)
		}
		edge.Patch = &patch
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Edge{}, fmt.Errorf("decode metadata: %w", err)
	}
	edge.Metadata = metadata
	return edge, nil
}
