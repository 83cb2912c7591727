package domain

import (
	"errors"
	"fmt"
	"strings"
)

// InterventionType classifies the causal transformation an edge applies to
// its parent node.
type InterventionType string

const (
	InterventionEventScript   InterventionType = "event_script"
	InterventionVariableDelta InterventionType = "variable_delta"
	InterventionNLQuery       InterventionType = "nl_query"
	InterventionExpansion     InterventionType = "expansion"
)

func (t InterventionType) Valid() bool {
	switch t {
	case InterventionEventScript, InterventionVariableDelta, InterventionNLQuery, InterventionExpansion:
		return true
	}
	return false
}

// NodePatch describes the delta an edge applies. Immutable once created.
type NodePatch struct {
	PatchType         string         `json:"patch_type"`
	ChangeDescription string         `json:"change_description"`
	AffectedVariables []string       `json:"affected_variables"`
	Values            map[string]any `json:"values,omitempty"`
}

// Edge is a causal transformation from a parent node to a child node.
// Immutable once created.
type Edge struct {
	Base
	ProjectID    string
	ParentNodeID string
	ChildNodeID  string
	Intervention InterventionType
	Patch        *NodePatch
	ScriptRef    string
}

func (e Edge) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("edge id is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(e.ParentNodeID) == "" {
		return errors.New("parent node id is required")
	}
	if strings.TrimSpace(e.ChildNodeID) == "" {
		return errors.New("child node id is required")
	}
	if e.ParentNodeID == e.ChildNodeID {
		return errors.New("edge must connect distinct nodes")
	}
	if !e.Intervention.Valid() {
		return fmt.Errorf("unsupported intervention type: %q", e.Intervention)
	}
	return nil
}
