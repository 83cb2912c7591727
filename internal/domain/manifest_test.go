package domain

import (
	"strings"
	"testing"
	"time"
)

func manifestInputs() (uint64, map[string]any, map[string]any) {
	config := map[string]any{
		"horizon_ticks": 120,
		"agent_count":   5000,
		"parameters":    map[string]any{"media_tone.economy": -0.2, "turnout_bias": 0.05},
	}
	versions := map[string]any{
		"engine":  "populus-engine/1.0.0",
		"ruleset": "rules-1.4.2",
		"dataset": "census-2020.3",
	}
	return 42, config, versions
}

func TestManifestHashDeterministic(t *testing.T) {
	seed, config, versions := manifestInputs()
	first, err := ManifestHash(seed, config, versions)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := ManifestHash(seed, config, versions)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if again != first {
			t.Fatalf("hash not stable: %s vs %s", first, again)
		}
	}
}

func TestManifestHashFormat(t *testing.T) {
	seed, config, versions := manifestInputs()
	hash, err := ManifestHash(seed, config, versions)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length %d, want 64", len(hash))
	}
	if strings.ToLower(hash) != hash {
		t.Fatalf("hash must be lowercase hex: %s", hash)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("non-hex character %q in hash", c)
		}
	}
}

func TestManifestHashSensitivity(t *testing.T) {
	seed, config, versions := manifestInputs()
	base, _ := ManifestHash(seed, config, versions)

	otherSeed, _ := ManifestHash(seed+1, config, versions)
	if otherSeed == base {
		t.Fatalf("seed change must change the hash")
	}

	config["horizon_ticks"] = 121
	otherConfig, _ := ManifestHash(seed, config, versions)
	config["horizon_ticks"] = 120
	if otherConfig == base {
		t.Fatalf("config change must change the hash")
	}

	versions["ruleset"] = "rules-1.4.3"
	otherVersions, _ := ManifestHash(seed, config, versions)
	if otherVersions == base {
		t.Fatalf("version change must change the hash")
	}
}

func TestManifestHashPreservesLargeSeeds(t *testing.T) {
	_, config, versions := manifestInputs()
	// Adjacent seeds above 2^53 collapse to the same value under float64
	// round-tripping; the canonical encoding must keep them distinct.
	huge := uint64(1) << 60
	a, err := ManifestHash(huge, config, versions)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := ManifestHash(huge+1, config, versions)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatalf("adjacent 64-bit seeds hashed identically")
	}
}

func TestNewRunManifest(t *testing.T) {
	seed, config, versions := manifestInputs()
	now := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	manifest, err := NewRunManifest("run-1", "t1", seed, config, versions, now)
	if err != nil {
		t.Fatalf("new manifest: %v", err)
	}
	if manifest.IsImmutable {
		t.Fatalf("manifest must start mutable; it freezes when the run starts")
	}
	want, _ := ManifestHash(seed, config, versions)
	if manifest.Hash != want {
		t.Fatalf("manifest hash mismatch")
	}
	if strings.Contains(string(manifest.ConfigJSON), " ") {
		t.Fatalf("canonical config must have no insignificant whitespace: %s", manifest.ConfigJSON)
	}
}
