package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/populus-labs/populus-go/internal/domain"
)

// Artifact kinds persisted by the engine. Every artifact is derived and
// recomputable: it records the exact outcome set and manifest filter used,
// so results are reproducible from history alone.
const (
	ArtifactCalibration = "calibration_job"
	ArtifactStability   = "stability_test"
	ArtifactDrift       = "drift_report"
	ArtifactScore       = "reliability_score"
)

// Artifact is one versioned reliability computation over a node's outcome
// history.
type Artifact struct {
	ID             string
	TenantID       string
	NodeID         string
	Kind           string
	Version        int
	MetricKey      string
	RunIDs         []string
	ManifestFilter string
	Result         json.RawMessage
	CreatedAt      time.Time
}

// OutcomeHistory provides read access to a node's committed outcomes.
type OutcomeHistory interface {
	ListOutcomesByNode(ctx context.Context, tenantID, nodeID string) ([]domain.RunOutcome, error)
}

// ArtifactStore persists derived artifacts append-only.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact Artifact) error
	NextArtifactVersion(ctx context.Context, tenantID, nodeID, kind string) (int, error)
}

type Config struct {
	MinRuns       int
	BinCount      int
	NBootstrap    int
	Confidence    float64
	PSIBins       int
	Thresholds    DriftThresholds
	BootstrapSeed uint64
}

func DefaultConfig() Config {
	return Config{
		MinRuns:       5,
		BinCount:      10,
		NBootstrap:    1000,
		Confidence:    0.95,
		PSIBins:       10,
		Thresholds:    DefaultDriftThresholds(),
		BootstrapSeed: 1,
	}
}

// Service reads outcome history and produces calibration, stability, drift
// and composite reliability artifacts. Read-only with respect to nodes and
// runs.
type Service struct {
	outcomes  OutcomeHistory
	artifacts ArtifactStore
	cfg       Config
	now       func() time.Time
}

func NewService(outcomes OutcomeHistory, artifacts ArtifactStore, cfg Config) *Service {
	if outcomes == nil {
		return nil
	}
	if cfg.MinRuns < 1 {
		cfg.MinRuns = DefaultConfig().MinRuns
	}
	if cfg.BinCount < 1 {
		cfg.BinCount = DefaultConfig().BinCount
	}
	if cfg.NBootstrap < 1 {
		cfg.NBootstrap = DefaultConfig().NBootstrap
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = DefaultConfig().Confidence
	}
	if cfg.PSIBins < 2 {
		cfg.PSIBins = DefaultConfig().PSIBins
	}
	return &Service{
		outcomes:  outcomes,
		artifacts: artifacts,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Calibrate computes Brier/ECE for one metric key across a node's history.
// Outcomes without a ground-truth observation for the key are skipped.
func (s *Service) Calibrate(ctx context.Context, tenantID, nodeID, metricKey string) (CalibrationResult, Artifact, error) {
	outcomes, err := s.history(ctx, tenantID, nodeID)
	if err != nil {
		return CalibrationResult{}, Artifact{}, err
	}

	var pairs []Pair
	var runIDs []string
	for _, outcome := range outcomes {
		metric, ok := outcome.Metrics[metricKey]
		if !ok || metric.Kind != domain.MetricContinuous || metric.Observed == nil {
			continue
		}
		pairs = append(pairs, Pair{Predicted: metric.Number, Observed: *metric.Observed})
		runIDs = append(runIDs, outcome.RunID)
	}

	result, err := Calibrate(pairs, s.cfg.BinCount, s.cfg.MinRuns)
	if err != nil {
		return CalibrationResult{}, Artifact{}, err
	}
	artifact, err := s.persist(ctx, tenantID, nodeID, ArtifactCalibration, metricKey, runIDs, result)
	if err != nil {
		return CalibrationResult{}, Artifact{}, err
	}
	return result, artifact, nil
}

// Stability bootstraps the mean of one metric key across the node history.
func (s *Service) Stability(ctx context.Context, tenantID, nodeID, metricKey string) (StabilityResult, Artifact, error) {
	values, runIDs, err := s.metricSeries(ctx, tenantID, nodeID, metricKey)
	if err != nil {
		return StabilityResult{}, Artifact{}, err
	}

	result, err := Bootstrap(s.cfg.BootstrapSeed, values, s.cfg.NBootstrap, s.cfg.Confidence, Mean, s.cfg.MinRuns)
	if err != nil {
		return StabilityResult{}, Artifact{}, err
	}
	artifact, err := s.persist(ctx, tenantID, nodeID, ArtifactStability, metricKey, runIDs, result)
	if err != nil {
		return StabilityResult{}, Artifact{}, err
	}
	return result, artifact, nil
}

// DriftBetween splits the node history at the given instant and compares
// the two windows for one metric key.
func (s *Service) DriftBetween(ctx context.Context, tenantID, nodeID, metricKey string, splitAt time.Time) (DriftResult, Artifact, error) {
	outcomes, err := s.history(ctx, tenantID, nodeID)
	if err != nil {
		return DriftResult{}, Artifact{}, err
	}

	var reference, current []float64
	var runIDs []string
	for _, outcome := range outcomes {
		metric, ok := outcome.Metrics[metricKey]
		if !ok || metric.Kind != domain.MetricContinuous {
			continue
		}
		runIDs = append(runIDs, outcome.RunID)
		if outcome.RecordedAt.Before(splitAt) {
			reference = append(reference, metric.Number)
		} else {
			current = append(current, metric.Number)
		}
	}

	result, err := Drift(reference, current, s.cfg.PSIBins, s.cfg.Thresholds, s.cfg.MinRuns)
	if err != nil {
		return DriftResult{}, Artifact{}, err
	}
	artifact, err := s.persist(ctx, tenantID, nodeID, ArtifactDrift, metricKey, runIDs, result)
	if err != nil {
		return DriftResult{}, Artifact{}, err
	}
	return result, artifact, nil
}

// ScoreResult is the composite reliability score in [0,1]; higher is more
// trustworthy. The score is computed entirely from the node's own history.
type ScoreResult struct {
	Status        string  `json:"status"`
	Score         float64 `json:"score,omitempty"`
	Brier         float64 `json:"brier,omitempty"`
	ECE           float64 `json:"ece,omitempty"`
	IntervalWidth float64 `json:"interval_width,omitempty"`
	NPairs        int     `json:"n_pairs"`
}

// Score combines calibration error and bootstrap interval width into one
// number: score = (1-brier) * (1-ece) * (1-min(1,width)).
func (s *Service) Score(ctx context.Context, tenantID, nodeID, metricKey string) (ScoreResult, Artifact, error) {
	calibration, _, err := s.Calibrate(ctx, tenantID, nodeID, metricKey)
	if err != nil {
		return ScoreResult{}, Artifact{}, err
	}
	stability, _, err := s.Stability(ctx, tenantID, nodeID, metricKey)
	if err != nil {
		return ScoreResult{}, Artifact{}, err
	}

	if calibration.Status == StatusInsufficientData || stability.Status == StatusInsufficientData {
		result := ScoreResult{Status: StatusInsufficientData, NPairs: calibration.NPairs}
		artifact, err := s.persist(ctx, tenantID, nodeID, ArtifactScore, metricKey, nil, result)
		if err != nil {
			return ScoreResult{}, Artifact{}, err
		}
		return result, artifact, nil
	}

	width := stability.CIHigh - stability.CILow
	if width > 1 {
		width = 1
	}
	result := ScoreResult{
		Status:        StatusOK,
		Score:         (1 - calibration.Brier) * (1 - calibration.ECE) * (1 - width),
		Brier:         calibration.Brier,
		ECE:           calibration.ECE,
		IntervalWidth: width,
		NPairs:        calibration.NPairs,
	}
	artifact, err := s.persist(ctx, tenantID, nodeID, ArtifactScore, metricKey, nil, result)
	if err != nil {
		return ScoreResult{}, Artifact{}, err
	}
	return result, artifact, nil
}

func (s *Service) history(ctx context.Context, tenantID, nodeID string) ([]domain.RunOutcome, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(nodeID) == "" {
		return nil, fmt.Errorf("node id is required")
	}
	outcomes, err := s.outcomes.ListOutcomesByNode(ctx, tenantID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	// A stable processing order keeps every downstream computation
	// independent of store iteration order.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].RunID < outcomes[j].RunID })
	return outcomes, nil
}

func (s *Service) metricSeries(ctx context.Context, tenantID, nodeID, metricKey string) ([]float64, []string, error) {
	outcomes, err := s.history(ctx, tenantID, nodeID)
	if err != nil {
		return nil, nil, err
	}
	var values []float64
	var runIDs []string
	for _, outcome := range outcomes {
		metric, ok := outcome.Metrics[metricKey]
		if !ok || metric.Kind != domain.MetricContinuous {
			continue
		}
		values = append(values, metric.Number)
		runIDs = append(runIDs, outcome.RunID)
	}
	return values, runIDs, nil
}

func (s *Service) persist(ctx context.Context, tenantID, nodeID, kind, metricKey string, runIDs []string, result any) (Artifact, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal %s result: %w", kind, err)
	}
	artifact := Artifact{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		NodeID:    nodeID,
		Kind:      kind,
		Version:   1,
		MetricKey: metricKey,
		RunIDs:    runIDs,
		Result:    resultJSON,
		CreatedAt: s.now(),
	}
	if s.artifacts == nil {
		return artifact, nil
	}
	version, err := s.artifacts.NextArtifactVersion(ctx, tenantID, nodeID, kind)
	if err != nil {
		return Artifact{}, fmt.Errorf("next artifact version: %w", err)
	}
	artifact.Version = version
	if err := s.artifacts.SaveArtifact(ctx, artifact); err != nil {
		return Artifact{}, fmt.Errorf("save %s artifact: %w", kind, err)
	}
	return artifact, nil
}
