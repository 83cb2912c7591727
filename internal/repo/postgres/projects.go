package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) CreateProject(ctx context.Context, project domain.ProjectSpec) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	if err := project.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(project.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	sourcesJSON, err := encodeJSON(project.AllowedSources)
	if err != nil {
		return fmt.Errorf("encode allowed sources: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO projects (
			project_id,
			tenant_id,
			name,
			temporal_mode,
			as_of,
			isolation_level,
			allowed_sources,
			has_started_runs,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(project.ID),
		strings.TrimSpace(project.TenantID),
		strings.TrimSpace(project.Name),
		string(project.TemporalMode),
		nullTime(project.AsOf),
		int(project.IsolationLevel),
		sourcesJSON,
		project.HasStartedRuns,
		metadataJSON,
		normalizeTime(project.CreatedAt),
		nullIfEmpty(project.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, tenantID, id string) (domain.ProjectSpec, error) {
	if s == nil || s.db == nil {
		return domain.ProjectSpec{}, fmt.Errorf("project store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.ProjectSpec{}, fmt.Errorf("tenant id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ProjectSpec{}, fmt.Errorf("project id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT project_id, tenant_id, name, temporal_mode, as_of, isolation_level,
			allowed_sources, has_started_runs, metadata, created_at, created_by
		 FROM projects
		 WHERE tenant_id = $1 AND project_id = $2`,
		tenantID,
		id,
	)
	return scanProject(row.Scan)
}

func (s *ProjectStore) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.ProjectSpec, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("project store not initialized")
	}
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.TenantID))
	clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT project_id, tenant_id, name, temporal_mode, as_of, isolation_level,
		allowed_sources, has_started_runs, metadata, created_at, created_by
		FROM projects WHERE ` + strings.Join(clauses, " AND ") + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]domain.ProjectSpec, 0)
	for rows.Next() {
		project, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *ProjectStore) MarkRunsStarted(ctx context.Context, tenantID, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("project store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET has_started_runs = TRUE WHERE tenant_id = $1 AND project_id = $2`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark runs started: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark runs started: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanProject(scan func(dest ...any) error) (domain.ProjectSpec, error) {
	var project domain.ProjectSpec
	var asOf sql.NullTime
	var isolation int
	var sourcesJSON []byte
	var metadataJSON []byte
	var createdBy sql.NullString
	if err := scan(&project.ID, &project.TenantID, &project.Name, &project.TemporalMode, &asOf, &isolation,
		&sourcesJSON, &project.HasStartedRuns, &metadataJSON, &project.CreatedAt, &createdBy); err != nil {
		return domain.ProjectSpec{}, handleNotFound(err)
	}
	project.IsolationLevel = domain.IsolationLevel(isolation)
	if asOf.Valid {
		at := asOf.Time.UTC()
		project.AsOf = &at
	}
	if createdBy.Valid {
		project.CreatedBy = createdBy.String
	}
	if err := decodeJSON(sourcesJSON, &project.AllowedSources); err != nil {
		return domain.ProjectSpec{}, fmt.Errorf("decode allowed sources: %w", err)
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.ProjectSpec{}, fmt.Errorf("decode metadata: %w", err)
	}
	project.Metadata = metadata
	return project, nil
}
