package reliability

import "testing"

func TestDriftIdenticalSamplesStable(t *testing.T) {
	sample := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	result, err := Drift(sample, sample, 10, DriftThresholds{}, 5)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("expected ok, got %s", result.Status)
	}
	if result.Classification != DriftStable {
		t.Fatalf("identical samples should be stable, got %s (ks=%v psi=%v)", result.Classification, result.KS, result.PSI)
	}
}

func TestDriftShiftedSamplesDrifted(t *testing.T) {
	reference := []float64{0.1, 0.12, 0.15, 0.11, 0.13, 0.14, 0.1, 0.12}
	current := []float64{0.8, 0.82, 0.85, 0.81, 0.83, 0.84, 0.8, 0.82}
	result, err := Drift(reference, current, 10, DriftThresholds{}, 5)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if result.Classification != DriftDrifted {
		t.Fatalf("disjoint distributions should be drifted, got %s (ks=%v psi=%v)", result.Classification, result.KS, result.PSI)
	}
	if result.KS < 0.9 {
		t.Fatalf("expected near-total CDF separation, got ks=%v", result.KS)
	}
}

func TestDriftInsufficientWindows(t *testing.T) {
	result, err := Drift([]float64{0.5}, []float64{0.6, 0.7, 0.8, 0.9, 1.0}, 10, DriftThresholds{}, 5)
	if err != nil {
		t.Fatalf("cold window must not error: %v", err)
	}
	if result.Status != StatusInsufficientData {
		t.Fatalf("expected insufficient_data, got %s", result.Status)
	}
}

func TestDriftDeterministic(t *testing.T) {
	reference := []float64{0.2, 0.3, 0.25, 0.35, 0.28, 0.32}
	current := []float64{0.3, 0.4, 0.35, 0.45, 0.38, 0.42}
	first, err := Drift(reference, current, 10, DriftThresholds{}, 5)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	second, err := Drift(reference, current, 10, DriftThresholds{}, 5)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if first.KS != second.KS || first.PSI != second.PSI || first.Classification != second.Classification {
		t.Fatalf("drift not deterministic: %+v vs %+v", first, second)
	}
}
