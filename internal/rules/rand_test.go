package rules

import "testing"

func TestDeriveRandomDeterministic(t *testing.T) {
	a := DeriveRandom(42, "agent-1", 7, "conformity_to_peer_signal", "threshold")
	b := DeriveRandom(42, "agent-1", 7, "conformity_to_peer_signal", "threshold")
	if a != b {
		t.Fatalf("same inputs produced different draws: %v vs %v", a, b)
	}
}

func TestDeriveRandomRange(t *testing.T) {
	for tick := 0; tick < 1000; tick++ {
		v := DeriveRandom(1, "agent", tick, "rule", "domain")
		if v < 0 || v >= 1 {
			t.Fatalf("draw out of [0,1): %v at tick %d", v, tick)
		}
	}
}

func TestDeriveRandomFieldSensitivity(t *testing.T) {
	base := DeriveRandom(42, "agent-1", 7, "rule", "domain")
	variants := []float64{
		DeriveRandom(43, "agent-1", 7, "rule", "domain"),
		DeriveRandom(42, "agent-2", 7, "rule", "domain"),
		DeriveRandom(42, "agent-1", 8, "rule", "domain"),
		DeriveRandom(42, "agent-1", 7, "other", "domain"),
		DeriveRandom(42, "agent-1", 7, "rule", "other"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base draw %v", i, base)
		}
	}
}
