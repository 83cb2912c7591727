package graph

import (
	"fmt"
	"math"
	"sort"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

// Aggregate recomputes a node's ensemble bookkeeping from its full outcome
// set. It is pure and order-independent: outcomes may arrive in any
// permutation and the update is identical. This is the Aggregator handed to
// the node store's commit transaction.
func Aggregate(node domain.Node, outcomes []domain.RunOutcome) (repo.EnsembleUpdate, error) {
	update := repo.EnsembleUpdate{
		OutcomeCounts:     make(map[string]int),
		OutcomeVariance:   make(map[string]float64),
		AggregatedOutcome: domain.Metadata{},
	}
	if len(outcomes) == 0 {
		return update, nil
	}

	for _, key := range metricKeys(outcomes) {
		kind := keyKind(outcomes, key)
		method := node.MethodFor(key, kind)
		switch kind {
		case domain.MetricCategorical:
			label, counts := aggregateCategorical(outcomes, key)
			update.AggregatedOutcome[key] = label
			for value, n := range counts {
				update.OutcomeCounts[key+":"+value] = n
			}
		case domain.MetricContinuous:
			value, variance, n, err := aggregateContinuous(outcomes, key, method)
			if err != nil {
				return repo.EnsembleUpdate{}, fmt.Errorf("metric %q: %w", key, err)
			}
			update.AggregatedOutcome[key] = value
			update.OutcomeVariance[key] = variance
			update.OutcomeCounts[key] = n
		default:
			return repo.EnsembleUpdate{}, fmt.Errorf("metric %q: unsupported kind %q", key, kind)
		}
	}
	return update, nil
}

func metricKeys(outcomes []domain.RunOutcome) []string {
	seen := make(map[string]struct{})
	for _, outcome := range outcomes {
		for key := range outcome.Metrics {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// keyKind resolves the metric kind by majority vote; ties go to continuous.
// Mixed kinds under one key indicate a misbehaving extractor, and the
// minority samples are skipped during aggregation.
func keyKind(outcomes []domain.RunOutcome, key string) domain.MetricKind {
	categorical := 0
	continuous := 0
	for _, outcome := range outcomes {
		value, ok := outcome.Metrics[key]
		if !ok {
			continue
		}
		if value.Kind == domain.MetricCategorical {
			categorical++
		} else {
			continuous++
		}
	}
	if categorical > continuous {
		return domain.MetricCategorical
	}
	return domain.MetricContinuous
}

func aggregateCategorical(outcomes []domain.RunOutcome, key string) (string, map[string]int) {
	counts := make(map[string]int)
	for _, outcome := range outcomes {
		value, ok := outcome.Metrics[key]
		if !ok || value.Kind != domain.MetricCategorical {
			continue
		}
		counts[value.Label]++
	}
	// Modal label; ties break to the lexicographically smallest label so the
	// aggregate is deterministic.
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	best := ""
	bestCount := -1
	for _, label := range labels {
		if counts[label] > bestCount {
			best = label
			bestCount = counts[label]
		}
	}
	return best, counts
}

func aggregateContinuous(outcomes []domain.RunOutcome, key string, method domain.AggregationMethod) (float64, float64, int, error) {
	values := make([]float64, 0, len(outcomes))
	weights := make([]float64, 0, len(outcomes))
	for _, outcome := range outcomes {
		value, ok := outcome.Metrics[key]
		if !ok || value.Kind != domain.MetricContinuous {
			continue
		}
		weight := value.Weight
		if weight == 0 {
			weight = 1
		}
		values = append(values, value.Number)
		weights = append(weights, weight)
	}
	if len(values) == 0 {
		return 0, 0, 0, nil
	}

	var aggregated float64
	switch method {
	case domain.AggregateMean:
		aggregated = mean(values)
	case domain.AggregateWeightedMean:
		aggregated = weightedMean(values, weights)
	case domain.AggregateMedian:
		aggregated = median(values)
	default:
		return 0, 0, 0, fmt.Errorf("unsupported aggregation method for continuous metric: %q", method)
	}
	return aggregated, variance(values), len(values), nil
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func weightedMean(values, weights []float64) float64 {
	sum := 0.0
	weightSum := 0.0
	for i, v := range values {
		sum += v * weights[i]
		weightSum += weights[i]
	}
	if weightSum == 0 {
		return mean(values)
	}
	return sum / weightSum
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// variance is the population variance around the arithmetic mean, regardless
// of the aggregation method chosen for the point estimate.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	v := sum / float64(len(values))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
