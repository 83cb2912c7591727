package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus classifies a persisted run outcome.
type OutcomeStatus string

const (
	OutcomeStatusOK       OutcomeStatus = "ok"
	OutcomeStatusDegraded OutcomeStatus = "degraded"
)

// MetricValue is one entry in a run outcome's metrics map. Values are either
// continuous (numeric) or categorical (labels); weight feeds weighted-mean
// aggregation and defaults to 1.
type MetricValue struct {
	Kind     MetricKind `json:"kind"`
	Number   float64    `json:"number,omitempty"`
	Label    string     `json:"label,omitempty"`
	Weight   float64    `json:"weight,omitempty"`
	Observed *float64   `json:"observed,omitempty"`
}

func (v MetricValue) Validate() error {
	switch v.Kind {
	case MetricContinuous:
	case MetricCategorical:
		if strings.TrimSpace(v.Label) == "" {
			return errors.New("categorical metric requires a label")
		}
	default:
		return fmt.Errorf("unsupported metric kind: %q", v.Kind)
	}
	if v.Weight < 0 {
		return errors.New("metric weight must be >= 0")
	}
	return nil
}

// RunOutcome is the normalized metric set extracted from a completed run.
// One-to-one with a successful run, many-to-one with a node. Never updated
// after insertion; corrections require a new run.
type RunOutcome struct {
	RunID        string
	NodeID       string
	TenantID     string
	Status       OutcomeStatus
	ManifestHash string
	Metrics      map[string]MetricValue
	QualityFlags []string
	RecordedAt   time.Time
}

func (o RunOutcome) Validate() error {
	if strings.TrimSpace(o.RunID) == "" {
		return errors.New("outcome run id is required")
	}
	if strings.TrimSpace(o.NodeID) == "" {
		return errors.New("outcome node id is required")
	}
	if strings.TrimSpace(o.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if len(o.ManifestHash) != 64 {
		return fmt.Errorf("manifest hash must be 64 hex characters, got %d", len(o.ManifestHash))
	}
	switch o.Status {
	case OutcomeStatusOK, OutcomeStatusDegraded:
	default:
		return fmt.Errorf("unsupported outcome status: %q", o.Status)
	}
	if len(o.Metrics) == 0 {
		return errors.New("outcome metrics are required")
	}
	for key, value := range o.Metrics {
		if err := value.Validate(); err != nil {
			return fmt.Errorf("metric %q: %w", key, err)
		}
	}
	return nil
}

// MetricsJSON renders the metrics map in canonical form so two identical
// runs persist byte-identical documents.
func (o RunOutcome) MetricsJSON() ([]byte, error) {
	raw, err := json.Marshal(o.Metrics)
	if err != nil {
		return nil, err
	}
	// json.Marshal of a map already sorts keys; nested structs have fixed
	// field order, so the document is canonical as emitted.
	return raw, nil
}
