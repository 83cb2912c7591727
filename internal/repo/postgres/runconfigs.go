package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

type RunConfigStore struct {
	db DB
}

func NewRunConfigStore(db DB) *RunConfigStore {
	if db == nil {
		return nil
	}
	return &RunConfigStore{db: db}
}

func (s *RunConfigStore) CreateRunConfig(ctx context.Context, config domain.RunConfig) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run config store not initialized")
	}
	if err := config.Validate(); err != nil {
		return err
	}
	parametersJSON, err := encodeMetadata(config.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	metadataJSON, err := encodeMetadata(config.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO run_configs (
			run_config_id,
			tenant_id,
			engine_version,
			ruleset_version,
			dataset_version,
			seed,
			horizon_ticks,
			agent_count,
			trace_sample_every,
			scheduler_profile,
			logging_profile,
			parameters,
			metadata,
			created_at,
			created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		strings.TrimSpace(config.ID),
		strings.TrimSpace(config.TenantID),
		strings.TrimSpace(config.EngineVersion),
		strings.TrimSpace(config.RulesetVersion),
		nullIfEmpty(config.DatasetVersion),
		int64(config.Seed),
		config.HorizonTicks,
		config.AgentCount,
		config.TraceSampleEvery,
		nullIfEmpty(config.SchedulerProfile),
		nullIfEmpty(config.LoggingProfile),
		parametersJSON,
		metadataJSON,
		normalizeTime(config.CreatedAt),
		nullIfEmpty(config.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert run config: %w", err)
	}
	return nil
}

func (s *RunConfigStore) GetRunConfig(ctx context.Context, tenantID, id string) (domain.RunConfig, error) {
	if s == nil || s.db == nil {
		return domain.RunConfig{}, fmt.Errorf("run config store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.RunConfig{}, fmt.Errorf("tenant id is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RunConfig{}, fmt.Errorf("run config id is required")
	}
	var config domain.RunConfig
	var seed int64
	var datasetVersion, schedulerProfile, loggingProfile, createdBy sql.NullString
	var parametersJSON, metadataJSON []byte
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_config_id, tenant_id, engine_version, ruleset_version, dataset_version,
			seed, horizon_ticks, agent_count, trace_sample_every, scheduler_profile,
			logging_profile, parameters, metadata, created_at, created_by
		 FROM run_configs
		 WHERE tenant_id = $1 AND run_config_id = $2`,
		tenantID,
		id,
	)
	if err := row.Scan(&config.ID, &config.TenantID, &config.EngineVersion, &config.RulesetVersion, &datasetVersion,
		&seed, &config.HorizonTicks, &config.AgentCount, &config.TraceSampleEvery, &schedulerProfile,
		&loggingProfile, &parametersJSON, &metadataJSON, &config.CreatedAt, &createdBy); err != nil {
		return domain.RunConfig{}, handleNotFound(err)
	}
	config.Seed = uint64(seed)
	config.DatasetVersion = datasetVersion.String
	config.SchedulerProfile = schedulerProfile.String
	config.LoggingProfile = loggingProfile.String
	config.CreatedBy = createdBy.String
	parameters, err := decodeMetadata(parametersJSON)
	if err != nil {
		return domain.RunConfig{}, fmt.Errorf("decode parameters: %w", err)
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.RunConfig{}, fmt.Errorf("decode metadata: %w", err)
	}
	config.Parameters = parameters
	config.Metadata = metadata
	return config, nil
}
