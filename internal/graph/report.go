package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
)

// Threshold is one acceptance bound evaluated in a node report. Nil bounds
// are open-ended.
type Threshold struct {
	MetricKey string   `json:"metric_key"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
}

// Finding statuses.
const (
	FindingPass             = "pass"
	FindingFail             = "fail"
	FindingInsufficientData = "insufficient_data"
	FindingNotNumeric       = "not_numeric"
)

type Finding struct {
	MetricKey string    `json:"metric_key"`
	Value     any       `json:"value,omitempty"`
	Variance  float64   `json:"variance,omitempty"`
	Status    string    `json:"status"`
	Threshold Threshold `json:"threshold"`
}

// Report is the decision-facing summary of one node. A node whose ensemble
// has not reached min_ensemble_size reports insufficient_data findings, not
// an error: a thin ensemble is an expected state, not a failure.
type Report struct {
	NodeID             string              `json:"node_id"`
	ProjectID          string              `json:"project_id"`
	IsEnsembleComplete bool                `json:"is_ensemble_complete"`
	CompletedRunCount  int                 `json:"completed_run_count"`
	MinEnsembleSize    int                 `json:"min_ensemble_size"`
	IsStale            bool                `json:"is_stale"`
	StaleReason        *domain.StaleReason `json:"stale_reason,omitempty"`
	Findings           []Finding           `json:"findings"`
	GeneratedAt        time.Time           `json:"generated_at"`
}

// Report evaluates the node's aggregated outcome against the thresholds.
func (s *Service) Report(ctx context.Context, tenantID, nodeID string, thresholds []Threshold) (Report, error) {
	node, err := s.nodes.GetNode(ctx, tenantID, nodeID)
	if err != nil {
		return Report{}, fmt.Errorf("load node: %w", err)
	}

	report := Report{
		NodeID:             node.ID,
		ProjectID:          node.ProjectID,
		IsEnsembleComplete: node.IsEnsembleComplete,
		CompletedRunCount:  node.CompletedRunCount,
		MinEnsembleSize:    node.MinEnsembleSize,
		IsStale:            node.IsStale,
		StaleReason:        node.StaleReason,
		Findings:           make([]Finding, 0, len(thresholds)),
		GeneratedAt:        s.now(),
	}

	for _, threshold := range thresholds {
		finding := Finding{MetricKey: threshold.MetricKey, Threshold: threshold}
		value, ok := node.AggregatedOutcome[threshold.MetricKey]
		switch {
		case !node.IsEnsembleComplete || !ok:
			finding.Status = FindingInsufficientData
		default:
			finding.Value = value
			finding.Variance = node.OutcomeVariance[threshold.MetricKey]
			number, numeric := asFloat(value)
			if !numeric {
				finding.Status = FindingNotNumeric
				break
			}
			finding.Status = FindingPass
			if threshold.Min != nil && number < *threshold.Min {
				finding.Status = FindingFail
			}
			if threshold.Max != nil && number > *threshold.Max {
				finding.Status = FindingFail
			}
		}
		report.Findings = append(report.Findings, finding)
	}
	return report, nil
}
