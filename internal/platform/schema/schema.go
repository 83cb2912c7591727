// Package schema validates the recognized-key JSON maps persisted on runs
// and outcomes. Metrics and config maps are flexible but not untyped: every
// document must conform to a compiled, versioned JSON schema so independent
// implementations agree on shape.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	MetricsSchemaID = "populus://schemas/run_outcome_metrics.v1.json"
	ConfigSchemaID  = "populus://schemas/run_config.v1.json"
)

const metricsSchemaV1 = `{
  "$id": "populus://schemas/run_outcome_metrics.v1.json",
  "type": "object",
  "propertyNames": {"pattern": "^[a-z][a-z0-9_.]*$"},
  "additionalProperties": {
    "oneOf": [
      {"type": "number"},
      {"type": "string", "maxLength": 256},
      {
        "type": "object",
        "properties": {
          "value": {"oneOf": [{"type": "number"}, {"type": "string", "maxLength": 256}]},
          "kind": {"enum": ["continuous", "categorical"]},
          "weight": {"type": "number", "exclusiveMinimum": 0}
        },
        "required": ["value"],
        "additionalProperties": false
      }
    ]
  }
}`

const configSchemaV1 = `{
  "$id": "populus://schemas/run_config.v1.json",
  "type": "object",
  "properties": {
    "seed": {"type": "integer", "minimum": 0},
    "horizon_ticks": {"type": "integer", "minimum": 1},
    "agent_count": {"type": "integer", "minimum": 1},
    "trace_sample_every": {"type": "integer", "minimum": 1},
    "scheduler_profile": {"type": "string"},
    "logging_profile": {"type": "string"},
    "parameters": {"type": "object"}
  },
  "required": ["seed", "horizon_ticks"],
  "additionalProperties": false
}`

type Validators struct {
	metrics *jsonschema.Schema
	config  *jsonschema.Schema
}

func Compile() (*Validators, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(MetricsSchemaID, bytes.NewReader([]byte(metricsSchemaV1))); err != nil {
		return nil, fmt.Errorf("add metrics schema: %w", err)
	}
	if err := c.AddResource(ConfigSchemaID, bytes.NewReader([]byte(configSchemaV1))); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	metrics, err := c.Compile(MetricsSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile metrics schema: %w", err)
	}
	config, err := c.Compile(ConfigSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return &Validators{metrics: metrics, config: config}, nil
}

func (v *Validators) ValidateMetrics(raw []byte) error {
	return v.validate(v.metrics, raw, "metrics")
}

func (v *Validators) ValidateConfig(raw []byte) error {
	return v.validate(v.config, raw, "config")
}

func (v *Validators) validate(s *jsonschema.Schema, raw []byte, what string) error {
	if v == nil || s == nil {
		return fmt.Errorf("%s validator not compiled", what)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	return nil
}
