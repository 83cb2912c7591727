package graph

import (
	"context"
	"fmt"
	"sort"
)

// MetricDelta is the difference in one aggregated metric between two nodes.
type MetricDelta struct {
	Key   string  `json:"key"`
	Left  any     `json:"left,omitempty"`
	Right any     `json:"right,omitempty"`
	Delta float64 `json:"delta,omitempty"`
	// Numeric is true when both sides are numbers and Delta is meaningful.
	Numeric bool `json:"numeric"`
}

// WorldStateDelta is one world-state variable that differs between nodes.
type WorldStateDelta struct {
	Key   string `json:"key"`
	Left  any    `json:"left,omitempty"`
	Right any    `json:"right,omitempty"`
}

// Comparison is the structured diff of two nodes in the same project.
type Comparison struct {
	LeftNodeID       string            `json:"left_node_id"`
	RightNodeID      string            `json:"right_node_id"`
	Metrics          []MetricDelta     `json:"metrics"`
	WorldState       []WorldStateDelta `json:"world_state"`
	ProvenanceDiffer bool              `json:"provenance_differ"`
	BothComplete     bool              `json:"both_complete"`
}

// CompareNodes diffs two nodes' aggregated outcomes and world states. Both
// nodes must belong to the same project; comparing across projects compares
// incompatible universes.
func (s *Service) CompareNodes(ctx context.Context, tenantID, leftID, rightID string) (Comparison, error) {
	left, err := s.nodes.GetNode(ctx, tenantID, leftID)
	if err != nil {
		return Comparison{}, fmt.Errorf("load left node: %w", err)
	}
	right, err := s.nodes.GetNode(ctx, tenantID, rightID)
	if err != nil {
		return Comparison{}, fmt.Errorf("load right node: %w", err)
	}
	if left.ProjectID != right.ProjectID {
		return Comparison{}, fmt.Errorf("nodes belong to different projects: %s vs %s", left.ProjectID, right.ProjectID)
	}

	comparison := Comparison{
		LeftNodeID:   left.ID,
		RightNodeID:  right.ID,
		BothComplete: left.IsEnsembleComplete && right.IsEnsembleComplete,
		ProvenanceDiffer: left.RulesetVersion != right.RulesetVersion ||
			left.ParameterVersion != right.ParameterVersion ||
			left.PersonaSnapshotID != right.PersonaSnapshotID,
	}

	for _, key := range unionKeys(left.AggregatedOutcome, right.AggregatedOutcome) {
		lv, lok := left.AggregatedOutcome[key]
		rv, rok := right.AggregatedOutcome[key]
		if lok && rok && equalValue(lv, rv) {
			continue
		}
		delta := MetricDelta{Key: key, Left: lv, Right: rv}
		if lf, lIsNum := asFloat(lv); lIsNum {
			if rf, rIsNum := asFloat(rv); rIsNum {
				delta.Delta = rf - lf
				delta.Numeric = true
			}
		}
		comparison.Metrics = append(comparison.Metrics, delta)
	}

	for _, key := range unionKeys(left.WorldState, right.WorldState) {
		lv, lok := left.WorldState[key]
		rv, rok := right.WorldState[key]
		if lok && rok && equalValue(lv, rv) {
			continue
		}
		comparison.WorldState = append(comparison.WorldState, WorldStateDelta{Key: key, Left: lv, Right: rv})
	}
	return comparison, nil
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func equalValue(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
