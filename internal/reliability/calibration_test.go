package reliability

import (
	"errors"
	"math"
	"testing"
)

func TestCalibratePerfectPredictions(t *testing.T) {
	pairs := []Pair{
		{Predicted: 1, Observed: 1},
		{Predicted: 0, Observed: 0},
		{Predicted: 1, Observed: 1},
		{Predicted: 0, Observed: 0},
		{Predicted: 1, Observed: 1},
	}
	result, err := Calibrate(pairs, 10, 5)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("expected ok status, got %s", result.Status)
	}
	if result.Brier != 0 {
		t.Fatalf("perfect predictions should have zero Brier, got %v", result.Brier)
	}
	if result.ECE != 0 {
		t.Fatalf("perfect predictions should have zero ECE, got %v", result.ECE)
	}
}

func TestCalibrateKnownBrier(t *testing.T) {
	pairs := []Pair{
		{Predicted: 0.8, Observed: 1},
		{Predicted: 0.8, Observed: 0},
	}
	result, err := Calibrate(pairs, 10, 2)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	// ((0.8-1)^2 + (0.8-0)^2) / 2 = (0.04 + 0.64) / 2
	if math.Abs(result.Brier-0.34) > 1e-12 {
		t.Fatalf("expected Brier 0.34, got %v", result.Brier)
	}
	// Both pairs land in the [0.8,0.9) bin: |0.8 - 0.5| weighted by 1.
	if math.Abs(result.ECE-0.3) > 1e-12 {
		t.Fatalf("expected ECE 0.3, got %v", result.ECE)
	}
}

func TestCalibrateInsufficientDataIsNotAnError(t *testing.T) {
	result, err := Calibrate([]Pair{{Predicted: 0.5, Observed: 1}}, 10, 5)
	if err != nil {
		t.Fatalf("cold-start must not error: %v", err)
	}
	if result.Status != StatusInsufficientData {
		t.Fatalf("expected insufficient_data, got %s", result.Status)
	}
	if result.NPairs != 1 || result.MinRuns != 5 {
		t.Fatalf("insufficient result should carry counts: %+v", result)
	}
}

func TestCalibrateRejectsMalformedHistory(t *testing.T) {
	_, err := Calibrate([]Pair{
		{Predicted: 1.5, Observed: 1},
		{Predicted: 0.2, Observed: 0},
	}, 10, 2)
	if !errors.Is(err, ErrMalformedHistory) {
		t.Fatalf("expected ErrMalformedHistory for p>1, got %v", err)
	}

	_, err = Calibrate([]Pair{
		{Predicted: 0.5, Observed: 0.5},
		{Predicted: 0.2, Observed: 0},
	}, 10, 2)
	if !errors.Is(err, ErrMalformedHistory) {
		t.Fatalf("expected ErrMalformedHistory for non-binary observation, got %v", err)
	}
}

func TestCalibrateDeterministic(t *testing.T) {
	pairs := []Pair{
		{Predicted: 0.1, Observed: 0},
		{Predicted: 0.4, Observed: 1},
		{Predicted: 0.6, Observed: 0},
		{Predicted: 0.95, Observed: 1},
		{Predicted: 1.0, Observed: 1},
	}
	first, err := Calibrate(pairs, 5, 5)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	second, err := Calibrate(pairs, 5, 5)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if first.Brier != second.Brier || first.ECE != second.ECE {
		t.Fatalf("calibration not deterministic: %+v vs %+v", first, second)
	}
	// p == 1.0 must land in the top bin, not out of range.
	top := first.Bins[len(first.Bins)-1]
	if top.Count != 2 {
		t.Fatalf("expected two pairs in the top bin, got %d", top.Count)
	}
}
