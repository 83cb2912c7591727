// Package reliability quantifies how trustworthy a node's aggregated
// prediction is, using only the run-outcome history it is given. Cold-start
// nodes get a typed insufficient-data result, never an error.
package reliability

import (
	"errors"
	"fmt"
	"math"
)

// Result statuses shared by every engine output.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// ErrMalformedHistory reports calibration input that violates the pair
// contract (probabilities outside [0,1], non-binary observations). This is
// a deterministic logic error: the job aborts, nothing is partially
// written.
var ErrMalformedHistory = errors.New("malformed outcome history")

// Pair is one ground-truth-labeled prediction.
type Pair struct {
	Predicted float64
	Observed  float64
}

// BinStat is one equal-width calibration bin.
type BinStat struct {
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
	Count     int     `json:"count"`
	MeanPred  float64 `json:"mean_predicted"`
	Frequency float64 `json:"empirical_frequency"`
}

// CalibrationResult reports Brier score and expected calibration error.
type CalibrationResult struct {
	Status   string    `json:"status"`
	NPairs   int       `json:"n_pairs"`
	MinRuns  int       `json:"min_runs"`
	Brier    float64   `json:"brier,omitempty"`
	ECE      float64   `json:"ece,omitempty"`
	BinCount int       `json:"bin_count,omitempty"`
	Bins     []BinStat `json:"bins,omitempty"`
}

// Calibrate computes the Brier score and equal-width-bin ECE for a pair set.
// Deterministic for a given input set and bin count.
func Calibrate(pairs []Pair, binCount, minRuns int) (CalibrationResult, error) {
	if binCount < 1 {
		return CalibrationResult{}, fmt.Errorf("bin count must be >= 1, got %d", binCount)
	}
	if len(pairs) < minRuns {
		return CalibrationResult{Status: StatusInsufficientData, NPairs: len(pairs), MinRuns: minRuns}, nil
	}

	for i, pair := range pairs {
		if pair.Predicted < 0 || pair.Predicted > 1 {
			return CalibrationResult{}, fmt.Errorf("%w: pair %d predicted %v outside [0,1]", ErrMalformedHistory, i, pair.Predicted)
		}
		if pair.Observed != 0 && pair.Observed != 1 {
			return CalibrationResult{}, fmt.Errorf("%w: pair %d observed %v is not binary", ErrMalformedHistory, i, pair.Observed)
		}
	}

	var brierSum float64
	type binAcc struct {
		count    int
		predSum  float64
		obsSum   float64
	}
	bins := make([]binAcc, binCount)
	width := 1.0 / float64(binCount)

	for _, pair := range pairs {
		diff := pair.Predicted - pair.Observed
		brierSum += diff * diff

		idx := int(pair.Predicted / width)
		if idx >= binCount {
			idx = binCount - 1 // p == 1.0 lands in the top bin
		}
		bins[idx].count++
		bins[idx].predSum += pair.Predicted
		bins[idx].obsSum += pair.Observed
	}

	n := float64(len(pairs))
	var ece float64
	binStats := make([]BinStat, 0, binCount)
	for i, acc := range bins {
		stat := BinStat{Low: float64(i) * width, High: float64(i+1) * width}
		if acc.count > 0 {
			stat.Count = acc.count
			stat.MeanPred = acc.predSum / float64(acc.count)
			stat.Frequency = acc.obsSum / float64(acc.count)
			ece += (float64(acc.count) / n) * math.Abs(stat.MeanPred-stat.Frequency)
		}
		binStats = append(binStats, stat)
	}

	return CalibrationResult{
		Status:   StatusOK,
		NPairs:   len(pairs),
		MinRuns:  minRuns,
		Brier:    brierSum / n,
		ECE:      ece,
		BinCount: binCount,
		Bins:     binStats,
	}, nil
}
