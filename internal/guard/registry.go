package guard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/populus-labs/populus-go/internal/domain"
)

// RegistrySchemaV1 identifies the capability registry document format.
const RegistrySchemaV1 = "populus.capability.v1"

type registryDoc struct {
	Schema        string          `yaml:"schema"`
	PolicyVersion int             `yaml:"policy_version"`
	Sources       []capabilityDoc `yaml:"sources"`
}

type capabilityDoc struct {
	Name                string `yaml:"name"`
	TimestampSupport    string `yaml:"timestamp_availability"`
	SafeIsolationLevels []int  `yaml:"safe_isolation_levels"`
}

// ParseRegistry decodes a YAML capability registry. Every entry inherits the
// document's policy version; per-source versions live in the relational
// store once the registry is synced.
func ParseRegistry(input []byte, now time.Time) ([]domain.SourceCapability, error) {
	var doc registryDoc
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != RegistrySchemaV1 {
		return nil, fmt.Errorf("registry schema must be %q, got %q", RegistrySchemaV1, doc.Schema)
	}
	if doc.PolicyVersion < 1 {
		return nil, errors.New("registry policy_version must be >= 1")
	}
	if len(doc.Sources) == 0 {
		return nil, errors.New("registry sources must be non-empty")
	}

	seen := make(map[string]struct{}, len(doc.Sources))
	capabilities := make([]domain.SourceCapability, 0, len(doc.Sources))
	for i, src := range doc.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return nil, fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("sources[%d].name must be unique (duplicate %q)", i, name)
		}
		seen[name] = struct{}{}

		levels := make([]domain.IsolationLevel, 0, len(src.SafeIsolationLevels))
		for _, raw := range src.SafeIsolationLevels {
			levels = append(levels, domain.IsolationLevel(raw))
		}
		capability := domain.SourceCapability{
			Source:              name,
			TimestampSupport:    domain.TimestampAvailability(strings.TrimSpace(src.TimestampSupport)),
			SafeIsolationLevels: levels,
			PolicyVersion:       doc.PolicyVersion,
			UpdatedAt:           now.UTC(),
		}
		if err := capability.Validate(); err != nil {
			return nil, fmt.Errorf("sources[%d] (%s): %w", i, name, err)
		}
		capabilities = append(capabilities, capability)
	}
	return capabilities, nil
}
