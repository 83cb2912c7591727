package domain

import (
	"errors"
	"strings"
)

// RunConfig is an immutable snapshot of everything a run needs to be
// reproduced: version stamps, global seed, horizon and profiles. It is
// created once per run and never modified afterward.
type RunConfig struct {
	Base
	EngineVersion    string
	RulesetVersion   string
	DatasetVersion   string
	Seed             uint64
	HorizonTicks     int
	AgentCount       int
	TraceSampleEvery int
	SchedulerProfile string
	LoggingProfile   string
	Parameters       Metadata
}

func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("run config id is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(c.EngineVersion) == "" {
		return errors.New("engine version is required")
	}
	if strings.TrimSpace(c.RulesetVersion) == "" {
		return errors.New("ruleset version is required")
	}
	if c.HorizonTicks < 1 {
		return errors.New("horizon must be at least one tick")
	}
	if c.AgentCount < 1 {
		return errors.New("agent count must be at least one")
	}
	if c.TraceSampleEvery < 0 {
		return errors.New("trace sample interval must be >= 0")
	}
	return nil
}

// EnsureRunConfigImmutable enforces append-only semantics for run configs.
func EnsureRunConfigImmutable(before, after RunConfig) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("run config ids are required")
	}
	if before.ID != after.ID {
		return errors.New("run config id is immutable")
	}
	if before.TenantID != after.TenantID {
		return errors.New("tenant id is immutable")
	}
	if before.EngineVersion != after.EngineVersion ||
		before.RulesetVersion != after.RulesetVersion ||
		before.DatasetVersion != after.DatasetVersion {
		return errors.New("version stamps are immutable")
	}
	if before.Seed != after.Seed {
		return errors.New("seed is immutable")
	}
	if before.HorizonTicks != after.HorizonTicks {
		return errors.New("horizon is immutable")
	}
	if before.AgentCount != after.AgentCount {
		return errors.New("agent count is immutable")
	}
	if before.TraceSampleEvery != after.TraceSampleEvery {
		return errors.New("trace sample interval is immutable")
	}
	if before.SchedulerProfile != after.SchedulerProfile || before.LoggingProfile != after.LoggingProfile {
		return errors.New("profiles are immutable")
	}
	return nil
}
