package graph

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/populus-labs/populus-go/internal/domain"
)

func continuous(n float64) domain.MetricValue {
	return domain.MetricValue{Kind: domain.MetricContinuous, Number: n}
}

func weighted(n, w float64) domain.MetricValue {
	return domain.MetricValue{Kind: domain.MetricContinuous, Number: n, Weight: w}
}

func categorical(label string) domain.MetricValue {
	return domain.MetricValue{Kind: domain.MetricCategorical, Label: label}
}

func testNode(method domain.AggregationMethod) domain.Node {
	return domain.Node{
		Base:              domain.Base{ID: "n1", TenantID: "t1"},
		ProjectID:         "p1",
		MinEnsembleSize:   2,
		AggregationMethod: method,
	}
}

func outcomeWith(runID string, metrics map[string]domain.MetricValue) domain.RunOutcome {
	return domain.RunOutcome{RunID: runID, NodeID: "n1", TenantID: "t1", Metrics: metrics}
}

func TestAggregateMeanAndVariance(t *testing.T) {
	outcomes := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"turnout": continuous(0.4)}),
		outcomeWith("r2", map[string]domain.MetricValue{"turnout": continuous(0.6)}),
	}
	update, err := Aggregate(testNode(domain.AggregateMean), outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := update.AggregatedOutcome["turnout"].(float64); got != 0.5 {
		t.Fatalf("mean: got %v", got)
	}
	if got := update.OutcomeVariance["turnout"]; math.Abs(got-0.01) > 1e-12 {
		t.Fatalf("variance: got %v", got)
	}
	if update.OutcomeCounts["turnout"] != 2 {
		t.Fatalf("count: got %d", update.OutcomeCounts["turnout"])
	}
}

func TestAggregateWeightedMean(t *testing.T) {
	outcomes := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"turnout": weighted(0.4, 3)}),
		outcomeWith("r2", map[string]domain.MetricValue{"turnout": weighted(0.8, 1)}),
	}
	update, err := Aggregate(testNode(domain.AggregateWeightedMean), outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := update.AggregatedOutcome["turnout"].(float64); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("weighted mean: got %v", got)
	}
}

func TestAggregateMedian(t *testing.T) {
	outcomes := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"turnout": continuous(0.1)}),
		outcomeWith("r2", map[string]domain.MetricValue{"turnout": continuous(0.9)}),
		outcomeWith("r3", map[string]domain.MetricValue{"turnout": continuous(0.3)}),
	}
	update, err := Aggregate(testNode(domain.AggregateMedian), outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if got := update.AggregatedOutcome["turnout"].(float64); got != 0.3 {
		t.Fatalf("median: got %v", got)
	}
}

func TestAggregateCategoricalModeWithTieBreak(t *testing.T) {
	outcomes := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"winner": categorical("incumbent")}),
		outcomeWith("r2", map[string]domain.MetricValue{"winner": categorical("challenger")}),
	}
	update, err := Aggregate(testNode(domain.AggregateMean), outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// Tie between the two labels: the lexicographically smallest wins so the
	// aggregate never flaps between recomputations.
	if got := update.AggregatedOutcome["winner"].(string); got != "challenger" {
		t.Fatalf("mode tie break: got %q", got)
	}
	if update.OutcomeCounts["winner:incumbent"] != 1 || update.OutcomeCounts["winner:challenger"] != 1 {
		t.Fatalf("label counts: %+v", update.OutcomeCounts)
	}
}

func TestAggregateContinuousNeverUsesMode(t *testing.T) {
	outcomes := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"turnout": continuous(0.4)}),
		outcomeWith("r2", map[string]domain.MetricValue{"turnout": continuous(0.6)}),
	}
	update, err := Aggregate(testNode(domain.AggregateMode), outcomes)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	// Mode on a continuous key falls back to mean.
	if got := update.AggregatedOutcome["turnout"].(float64); got != 0.5 {
		t.Fatalf("fallback mean: got %v", got)
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	forward := []domain.RunOutcome{
		outcomeWith("r1", map[string]domain.MetricValue{"turnout": continuous(0.2), "winner": categorical("a")}),
		outcomeWith("r2", map[string]domain.MetricValue{"turnout": continuous(0.5), "winner": categorical("b")}),
		outcomeWith("r3", map[string]domain.MetricValue{"turnout": continuous(0.8), "winner": categorical("b")}),
	}
	reversed := []domain.RunOutcome{forward[2], forward[0], forward[1]}

	a, err := Aggregate(testNode(domain.AggregateMean), forward)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	b, err := Aggregate(testNode(domain.AggregateMean), reversed)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("aggregation depends on outcome order:\n%s", diff)
	}
}

func TestAggregateEmptySet(t *testing.T) {
	update, err := Aggregate(testNode(domain.AggregateMean), nil)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(update.AggregatedOutcome) != 0 || len(update.OutcomeCounts) != 0 {
		t.Fatalf("empty set must produce an empty update: %+v", update)
	}
}
