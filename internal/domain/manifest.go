package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunManifest is the content-addressed snapshot of a run's seed, config and
// version stamps. One manifest per run; frozen the moment the run leaves the
// created state.
type RunManifest struct {
	RunID        string
	TenantID     string
	Seed         uint64
	ConfigJSON   json.RawMessage
	VersionsJSON json.RawMessage
	Hash         string
	IsImmutable  bool
	CreatedAt    time.Time
}

func (m RunManifest) Validate() error {
	if strings.TrimSpace(m.RunID) == "" {
		return errors.New("manifest run id is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if len(m.ConfigJSON) == 0 {
		return errors.New("manifest config is required")
	}
	if len(m.VersionsJSON) == 0 {
		return errors.New("manifest versions are required")
	}
	if len(m.Hash) != 64 {
		return fmt.Errorf("manifest hash must be 64 hex characters, got %d", len(m.Hash))
	}
	return nil
}

// ManifestHash computes the reproducibility hash: SHA-256 over the canonical
// JSON of {seed, config, versions} with sorted keys and no whitespace. The
// exact construction is a cross-implementation contract and must stay
// bit-for-bit stable.
func ManifestHash(seed uint64, config, versions map[string]any) (string, error) {
	canonical, err := canonicalJSON(map[string]any{
		"seed":     seed,
		"config":   config,
		"versions": versions,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NewRunManifest builds and hashes a manifest for a run.
func NewRunManifest(runID, tenantID string, seed uint64, config, versions map[string]any, now time.Time) (RunManifest, error) {
	hash, err := ManifestHash(seed, config, versions)
	if err != nil {
		return RunManifest{}, err
	}
	configJSON, err := canonicalJSON(config)
	if err != nil {
		return RunManifest{}, fmt.Errorf("canonicalize config: %w", err)
	}
	versionsJSON, err := canonicalJSON(versions)
	if err != nil {
		return RunManifest{}, fmt.Errorf("canonicalize versions: %w", err)
	}
	manifest := RunManifest{
		RunID:        runID,
		TenantID:     tenantID,
		Seed:         seed,
		ConfigJSON:   configJSON,
		VersionsJSON: versionsJSON,
		Hash:         hash,
		CreatedAt:    now.UTC(),
	}
	if err := manifest.Validate(); err != nil {
		return RunManifest{}, err
	}
	return manifest, nil
}

// canonicalJSON serializes with lexicographically sorted object keys and no
// insignificant whitespace. encoding/json already sorts map keys and emits
// compact output; normalizing through a json.Number-preserving decode strips
// struct-order dependence from nested values without losing integer
// precision on 64-bit seeds.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}
