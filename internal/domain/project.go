package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProjectSpec is the container for one simulation effort. Fields that affect
// reproducibility (temporal mode, as-of time, isolation level, allowed
// sources) are frozen once any run has started under the project.
type ProjectSpec struct {
	Base
	Name           string
	TemporalMode   TemporalMode
	AsOf           *time.Time
	IsolationLevel IsolationLevel
	AllowedSources []string
	HasStartedRuns bool
}

func (p ProjectSpec) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name is required")
	}
	switch p.TemporalMode {
	case TemporalModeLive:
	case TemporalModeBacktest:
		if p.AsOf == nil {
			return errors.New("backtest projects require an as-of time")
		}
	default:
		return fmt.Errorf("unsupported temporal mode: %q", p.TemporalMode)
	}
	if !p.IsolationLevel.Valid() {
		return fmt.Errorf("unsupported isolation level: %d", p.IsolationLevel)
	}
	return nil
}

// EnsureReproducibilityFieldsFrozen rejects any change to reproducibility
// fields once a run has started under the project. Non-semantic metadata may
// still change.
func EnsureReproducibilityFieldsFrozen(before, after ProjectSpec) error {
	if !before.HasStartedRuns {
		return nil
	}
	if before.TemporalMode != after.TemporalMode {
		return errors.New("temporal mode is frozen after first run")
	}
	if !equalTimePtr(before.AsOf, after.AsOf) {
		return errors.New("as-of time is frozen after first run")
	}
	if before.IsolationLevel != after.IsolationLevel {
		return errors.New("isolation level is frozen after first run")
	}
	if !equalStrings(before.AllowedSources, after.AllowedSources) {
		return errors.New("allowed sources are frozen after first run")
	}
	return nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
