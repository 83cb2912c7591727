package reliability

import (
	"fmt"
	"math"
	"sort"
)

// Drift classifications.
const (
	DriftStable   = "stable"
	DriftDrifting = "drifting"
	DriftDrifted  = "drifted"
)

// DriftThresholds classify the combined KS/PSI evidence. Zero value means
// DefaultDriftThresholds.
type DriftThresholds struct {
	PSIDrifting float64
	PSIDrifted  float64
	KSDrifting  float64
	KSDrifted   float64
}

func DefaultDriftThresholds() DriftThresholds {
	return DriftThresholds{
		PSIDrifting: 0.1,
		PSIDrifted:  0.25,
		KSDrifting:  0.1,
		KSDrifted:   0.2,
	}
}

// DriftResult compares two time-windowed outcome samples.
type DriftResult struct {
	Status         string  `json:"status"`
	NReference     int     `json:"n_reference"`
	NCurrent       int     `json:"n_current"`
	MinRuns        int     `json:"min_runs"`
	KS             float64 `json:"ks,omitempty"`
	PSI            float64 `json:"psi,omitempty"`
	Classification string  `json:"classification,omitempty"`
}

// Drift computes the Kolmogorov-Smirnov statistic and the population
// stability index between a reference window and a current window, then
// classifies the worse of the two signals.
func Drift(reference, current []float64, psiBins int, thresholds DriftThresholds, minRuns int) (DriftResult, error) {
	if psiBins < 2 {
		return DriftResult{}, fmt.Errorf("psi bins must be >= 2, got %d", psiBins)
	}
	if thresholds == (DriftThresholds{}) {
		thresholds = DefaultDriftThresholds()
	}
	if len(reference) < minRuns || len(current) < minRuns {
		return DriftResult{
			Status:     StatusInsufficientData,
			NReference: len(reference),
			NCurrent:   len(current),
			MinRuns:    minRuns,
		}, nil
	}

	ks := ksStatistic(reference, current)
	psi := populationStabilityIndex(reference, current, psiBins)

	classification := DriftStable
	if psi >= thresholds.PSIDrifting || ks >= thresholds.KSDrifting {
		classification = DriftDrifting
	}
	if psi >= thresholds.PSIDrifted || ks >= thresholds.KSDrifted {
		classification = DriftDrifted
	}

	return DriftResult{
		Status:         StatusOK,
		NReference:     len(reference),
		NCurrent:       len(current),
		MinRuns:        minRuns,
		KS:             ks,
		PSI:            psi,
		Classification: classification,
	}, nil
}

// ksStatistic is the maximum distance between the two empirical CDFs.
func ksStatistic(a, b []float64) float64 {
	sa := append([]float64(nil), a...)
	sb := append([]float64(nil), b...)
	sort.Float64s(sa)
	sort.Float64s(sb)

	var maxDist float64
	i, j := 0, 0
	for i < len(sa) && j < len(sb) {
		if sa[i] <= sb[j] {
			i++
		} else {
			j++
		}
		fa := float64(i) / float64(len(sa))
		fb := float64(j) / float64(len(sb))
		if d := math.Abs(fa - fb); d > maxDist {
			maxDist = d
		}
	}
	return maxDist
}

// populationStabilityIndex bins both samples over the pooled range and sums
// (cur-ref)*ln(cur/ref) per bin. Empty bins are floored at a small epsilon
// so the index stays finite.
func populationStabilityIndex(reference, current []float64, bins int) float64 {
	lo, hi := pooledRange(reference, current)
	if hi <= lo {
		return 0
	}
	const epsilon = 1e-6

	refFrac := binFractions(reference, lo, hi, bins)
	curFrac := binFractions(current, lo, hi, bins)

	var psi float64
	for i := 0; i < bins; i++ {
		r := math.Max(refFrac[i], epsilon)
		c := math.Max(curFrac[i], epsilon)
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

func pooledRange(a, b []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range a {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	for _, v := range b {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func binFractions(values []float64, lo, hi float64, bins int) []float64 {
	counts := make([]float64, bins)
	if len(values) == 0 {
		return counts
	}
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	for i := range counts {
		counts[i] /= float64(len(values))
	}
	return counts
}
