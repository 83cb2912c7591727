package reliability

import "testing"

func TestBootstrapSameSeedSameInterval(t *testing.T) {
	values := []float64{0.42, 0.45, 0.48, 0.44, 0.46, 0.43, 0.47, 0.41}

	first, err := Bootstrap(7, values, 500, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	second, err := Bootstrap(7, values, 500, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if first.Mean != second.Mean || first.CILow != second.CILow || first.CIHigh != second.CIHigh {
		t.Fatalf("same seed produced different intervals: %+v vs %+v", first, second)
	}
}

func TestBootstrapDifferentSeedDifferentInterval(t *testing.T) {
	values := []float64{0.42, 0.45, 0.48, 0.44, 0.46, 0.43, 0.47, 0.41}
	a, err := Bootstrap(7, values, 500, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	b, err := Bootstrap(8, values, 500, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if a.CILow == b.CILow && a.CIHigh == b.CIHigh {
		t.Fatalf("different seeds should not collide exactly: %+v", a)
	}
}

func TestBootstrapIntervalBracketsMean(t *testing.T) {
	values := []float64{0.40, 0.45, 0.50, 0.55, 0.60, 0.42, 0.58, 0.48}
	result, err := Bootstrap(1, values, 1000, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.CILow > result.Mean || result.CIHigh < result.Mean {
		t.Fatalf("interval does not bracket the mean: %+v", result)
	}
	if result.CILow < 0.40 || result.CIHigh > 0.60 {
		t.Fatalf("interval escaped the sample range: %+v", result)
	}
}

func TestBootstrapInsufficientData(t *testing.T) {
	result, err := Bootstrap(1, []float64{0.5, 0.6}, 100, 0.95, Mean, 5)
	if err != nil {
		t.Fatalf("cold start must not error: %v", err)
	}
	if result.Status != StatusInsufficientData {
		t.Fatalf("expected insufficient_data, got %s", result.Status)
	}
}

func TestMedianStatistic(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("odd median: got %v", got)
	}
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Fatalf("even median: got %v", got)
	}
	if got := Median(nil); got != 0 {
		t.Fatalf("empty median should be 0, got %v", got)
	}
}
