package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AggregationMethod selects how a metric key is aggregated across an
// ensemble of run outcomes.
type AggregationMethod string

const (
	AggregateMean         AggregationMethod = "mean"
	AggregateWeightedMean AggregationMethod = "weighted_mean"
	AggregateMedian       AggregationMethod = "median"
	AggregateMode         AggregationMethod = "mode"
)

func (m AggregationMethod) Valid() bool {
	switch m {
	case AggregateMean, AggregateWeightedMean, AggregateMedian, AggregateMode:
		return true
	}
	return false
}

// MetricKind classifies a metric key for aggregation-method selection.
type MetricKind string

const (
	MetricContinuous  MetricKind = "continuous"
	MetricCategorical MetricKind = "categorical"
)

// StaleReason records why a node was flagged stale.
type StaleReason struct {
	AncestorNodeID string    `json:"ancestor_node_id"`
	ChangeType     string    `json:"change_type"`
	ChangedAt      time.Time `json:"changed_at"`
}

// Node is a point in the versioned scenario graph: a world-state snapshot
// plus provenance. Nodes are never mutated after creation; any change is a
// new child node connected by an edge. Only ensemble bookkeeping counters
// and the staleness/pruning flags may change, and those never touch
// recorded outcome data.
type Node struct {
	Base
	ProjectID         string
	ParentEdgeID      string
	PersonaSnapshotID string
	RulesetVersion    string
	ParameterVersion  string
	WorldState        Metadata

	MinEnsembleSize    int
	CompletedRunCount  int
	IsEnsembleComplete bool
	AggregationMethod  AggregationMethod
	// MetricMethods overrides the node-level aggregation method per metric
	// key; keys not listed fall back to AggregationMethod.
	MetricMethods map[string]AggregationMethod

	OutcomeCounts   map[string]int
	OutcomeVariance map[string]float64
	// AggregatedOutcome is the decision-usable aggregate recomputed from the
	// full outcome set on every ensemble commit. Bookkeeping, not content:
	// it is the one map the commit path may rewrite.
	AggregatedOutcome Metadata

	IsStale     bool
	StaleReason *StaleReason
	IsPruned    bool
}

const DefaultMinEnsembleSize = 2

func (n Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("node id is required")
	}
	if strings.TrimSpace(n.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(n.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if n.MinEnsembleSize < 1 {
		return errors.New("min ensemble size must be >= 1")
	}
	if !n.AggregationMethod.Valid() {
		return fmt.Errorf("unsupported aggregation method: %q", n.AggregationMethod)
	}
	for key, method := range n.MetricMethods {
		if !method.Valid() {
			return fmt.Errorf("unsupported aggregation method for metric %q: %q", key, method)
		}
	}
	return nil
}

// MethodFor resolves the aggregation method for one metric key, falling back
// to the node default and then correcting for metric kind: continuous keys
// never aggregate by mode, categorical keys always do.
func (n Node) MethodFor(key string, kind MetricKind) AggregationMethod {
	method := n.AggregationMethod
	if override, ok := n.MetricMethods[key]; ok {
		method = override
	}
	switch kind {
	case MetricCategorical:
		return AggregateMode
	case MetricContinuous:
		if method == AggregateMode {
			return AggregateMean
		}
	}
	return method
}

// EnsureNodeImmutable rejects any change to node content after creation.
// Ensemble bookkeeping and the staleness/pruning flags are the only fields
// allowed to differ.
func EnsureNodeImmutable(before, after Node) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("node ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("node id changed from %q to %q", before.ID, after.ID)
	}
	if before.TenantID != after.TenantID {
		return errors.New("tenant id is immutable")
	}
	if before.ProjectID != after.ProjectID {
		return errors.New("project id is immutable")
	}
	if before.ParentEdgeID != after.ParentEdgeID {
		return errors.New("parent edge is immutable")
	}
	if before.PersonaSnapshotID != after.PersonaSnapshotID {
		return errors.New("persona snapshot is immutable")
	}
	if before.RulesetVersion != after.RulesetVersion {
		return errors.New("ruleset version is immutable")
	}
	if before.ParameterVersion != after.ParameterVersion {
		return errors.New("parameter version is immutable")
	}
	if !metadataEqual(before.WorldState, after.WorldState) {
		return errors.New("world state is immutable")
	}
	if before.MinEnsembleSize != after.MinEnsembleSize {
		return errors.New("min ensemble size is immutable")
	}
	if before.AggregationMethod != after.AggregationMethod {
		return errors.New("aggregation method is immutable")
	}
	return nil
}

func metadataEqual(a, b Metadata) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}
