package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
)

type CapabilityStore struct {
	db DB
}

func NewCapabilityStore(db DB) *CapabilityStore {
	if db == nil {
		return nil
	}
	return &CapabilityStore{db: db}
}

// UpsertCapability writes the registry entry and bumps policy_version on
// every change, keyed by source name.
func (s *CapabilityStore) UpsertCapability(ctx context.Context, capability domain.SourceCapability) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("capability store not initialized")
	}
	// The database owns policy_version; callers need not set it.
	if capability.PolicyVersion < 1 {
		capability.PolicyVersion = 1
	}
	if err := capability.Validate(); err != nil {
		return err
	}
	levelsJSON, err := encodeJSON(capability.SafeIsolationLevels)
	if err != nil {
		return fmt.Errorf("encode safe isolation levels: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO source_capabilities (
			source,
			timestamp_support,
			safe_isolation_levels,
			policy_version,
			updated_at,
			updated_by
		) VALUES ($1,$2,$3,1,$4,$5)
		ON CONFLICT (source) DO UPDATE SET
			timestamp_support = EXCLUDED.timestamp_support,
			safe_isolation_levels = EXCLUDED.safe_isolation_levels,
			policy_version = source_capabilities.policy_version + 1,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`,
		strings.TrimSpace(capability.Source),
		string(capability.TimestampSupport),
		levelsJSON,
		normalizeTime(capability.UpdatedAt),
		nullIfEmpty(capability.UpdatedBy),
	)
	if err != nil {
		return fmt.Errorf("upsert capability: %w", err)
	}
	return nil
}

func (s *CapabilityStore) GetCapability(ctx context.Context, source string) (domain.SourceCapability, error) {
	if s == nil || s.db == nil {
		return domain.SourceCapability{}, fmt.Errorf("capability store not initialized")
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return domain.SourceCapability{}, fmt.Errorf("source is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT source, timestamp_support, safe_isolation_levels, policy_version, updated_at, updated_by
		 FROM source_capabilities
		 WHERE source = $1`,
		source,
	)
	return scanCapability(row.Scan)
}

func (s *CapabilityStore) ListCapabilities(ctx context.Context) ([]domain.SourceCapability, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("capability store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT source, timestamp_support, safe_isolation_levels, policy_version, updated_at, updated_by
		 FROM source_capabilities
		 ORDER BY source ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	capabilities := make([]domain.SourceCapability, 0)
	for rows.Next() {
		capability, err := scanCapability(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		capabilities = append(capabilities, capability)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	return capabilities, nil
}

func scanCapability(scan func(dest ...any) error) (domain.SourceCapability, error) {
	var capability domain.SourceCapability
	var support string
	var levelsJSON []byte
	var updatedBy sql.NullString
	if err := scan(&capability.Source, &support, &levelsJSON, &capability.PolicyVersion,
		&capability.UpdatedAt, &updatedBy); err != nil {
		return domain.SourceCapability{}, handleNotFound(err)
	}
	capability.TimestampSupport = domain.TimestampAvailability(support)
	capability.UpdatedBy = updatedBy.String
	if err := decodeJSON(levelsJSON, &capability.SafeIsolationLevels); err != nil {
		return domain.SourceCapability{}, fmt.Errorf("decode safe isolation levels: %w", err)
	}
	return capability, nil
}
