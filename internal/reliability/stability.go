package reliability

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Statistic is the target function bootstrapped over the outcome sample.
type Statistic func(values []float64) float64

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// StabilityResult is a bootstrap confidence interval for one statistic.
type StabilityResult struct {
	Status     string  `json:"status"`
	NSamples   int     `json:"n_samples"`
	MinRuns    int     `json:"min_runs"`
	NBootstrap int     `json:"n_bootstrap,omitempty"`
	Mean       float64 `json:"mean,omitempty"`
	CILow      float64 `json:"ci_low,omitempty"`
	CIHigh     float64 `json:"ci_high,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Bootstrap resamples values with replacement nBootstrap times and returns
// the percentile confidence interval of the statistic. The generator is
// seeded: same seed and same data yield an identical interval.
func Bootstrap(seed uint64, values []float64, nBootstrap int, confidence float64, stat Statistic, minRuns int) (StabilityResult, error) {
	if nBootstrap < 1 {
		return StabilityResult{}, fmt.Errorf("bootstrap count must be >= 1, got %d", nBootstrap)
	}
	if confidence <= 0 || confidence >= 1 {
		return StabilityResult{}, fmt.Errorf("confidence must be in (0,1), got %v", confidence)
	}
	if stat == nil {
		return StabilityResult{}, fmt.Errorf("statistic is required")
	}
	if len(values) < minRuns {
		return StabilityResult{Status: StatusInsufficientData, NSamples: len(values), MinRuns: minRuns}, nil
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	replicates := make([]float64, nBootstrap)
	sample := make([]float64, len(values))
	for b := 0; b < nBootstrap; b++ {
		for i := range sample {
			sample[i] = values[rng.IntN(len(values))]
		}
		replicates[b] = stat(sample)
	}
	sort.Float64s(replicates)

	alpha := (1 - confidence) / 2
	lowIdx := int(alpha * float64(nBootstrap))
	highIdx := int((1 - alpha) * float64(nBootstrap))
	if highIdx >= nBootstrap {
		highIdx = nBootstrap - 1
	}

	return StabilityResult{
		Status:     StatusOK,
		NSamples:   len(values),
		MinRuns:    minRuns,
		NBootstrap: nBootstrap,
		Mean:       Mean(replicates),
		CILow:      replicates[lowIdx],
		CIHigh:     replicates[highIdx],
		Confidence: confidence,
	}, nil
}
