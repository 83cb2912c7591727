package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type ManifestStore struct {
	db DB
}

func NewManifestStore(db DB) *ManifestStore {
	if db == nil {
		return nil
	}
	return &ManifestStore{db: db}
}

func (s *ManifestStore) CreateManifest(ctx context.Context, manifest domain.RunManifest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("manifest store not initialized")
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_manifests (
			run_id,
			tenant_id,
			seed,
			config,
			versions,
			manifest_hash,
			is_immutable,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(manifest.RunID),
		strings.TrimSpace(manifest.TenantID),
		int64(manifest.Seed),
		manifest.ConfigJSON,
		manifest.VersionsJSON,
		manifest.Hash,
		manifest.IsImmutable,
		normalizeTime(manifest.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (s *ManifestStore) GetManifestByRun(ctx context.Context, tenantID, runID string) (domain.RunManifest, error) {
	if s == nil || s.db == nil {
		return domain.RunManifest{}, fmt.Errorf("manifest store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.RunManifest{}, fmt.Errorf("tenant id is required")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunManifest{}, fmt.Errorf("run id is required")
	}
	var manifest domain.RunManifest
	var seed int64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, tenant_id, seed, config, versions, manifest_hash, is_immutable, created_at
		 FROM run_manifests
		 WHERE tenant_id = $1 AND run_id = $2`,
		tenantID,
		runID,
	)
	if err := row.Scan(&manifest.RunID, &manifest.TenantID, &seed, &manifest.ConfigJSON, &manifest.VersionsJSON,
		&manifest.Hash, &manifest.IsImmutable, &manifest.CreatedAt); err != nil {
		return domain.RunManifest{}, handleNotFound(err)
	}
	manifest.Seed = uint64(seed)
	return manifest, nil
}

func (s *ManifestStore) FreezeManifest(ctx context.Context, tenantID, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("manifest store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE run_manifests SET is_immutable = TRUE WHERE tenant_id = $1 AND run_id = $2`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(runID),
	)
	if err != nil {
		return fmt.Errorf("freeze manifest: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("freeze manifest: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
