package domain

import (
	"testing"
	"time"
)

func testProject() ProjectSpec {
	return ProjectSpec{
		Base:           Base{ID: "p1", TenantID: "t1"},
		Name:           "midterm-turnout",
		TemporalMode:   TemporalModeLive,
		IsolationLevel: IsolationStrict,
		AllowedSources: []string{"census", "polling"},
	}
}

func TestProjectValidate(t *testing.T) {
	if err := testProject().Validate(); err != nil {
		t.Fatalf("valid project rejected: %v", err)
	}

	backtest := testProject()
	backtest.TemporalMode = TemporalModeBacktest
	if err := backtest.Validate(); err == nil {
		t.Fatalf("backtest without as-of must be rejected")
	}
	asOf := time.Date(2022, 11, 8, 0, 0, 0, 0, time.UTC)
	backtest.AsOf = &asOf
	if err := backtest.Validate(); err != nil {
		t.Fatalf("backtest with as-of rejected: %v", err)
	}

	bad := testProject()
	bad.IsolationLevel = 7
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown isolation level must be rejected")
	}
}

func TestReproducibilityFieldsFreezeAfterFirstRun(t *testing.T) {
	before := testProject()
	after := testProject()
	after.TemporalMode = TemporalModeBacktest

	// Before any run starts, reproducibility fields may still change.
	if err := EnsureReproducibilityFieldsFrozen(before, after); err != nil {
		t.Fatalf("pre-run change must be allowed: %v", err)
	}

	before.HasStartedRuns = true
	if err := EnsureReproducibilityFieldsFrozen(before, after); err == nil {
		t.Fatalf("temporal mode change after first run must be rejected")
	}

	after = testProject()
	after.IsolationLevel = IsolationBasic
	if err := EnsureReproducibilityFieldsFrozen(before, after); err == nil {
		t.Fatalf("isolation level change after first run must be rejected")
	}

	after = testProject()
	after.AllowedSources = []string{"census"}
	if err := EnsureReproducibilityFieldsFrozen(before, after); err == nil {
		t.Fatalf("allowed sources change after first run must be rejected")
	}

	// Non-semantic fields stay mutable.
	after = testProject()
	after.Name = "midterm-turnout-v2"
	if err := EnsureReproducibilityFieldsFrozen(before, after); err != nil {
		t.Fatalf("name change must stay allowed: %v", err)
	}
}

func TestRunConfigImmutability(t *testing.T) {
	base := RunConfig{
		Base:           Base{ID: "rc1", TenantID: "t1"},
		EngineVersion:  "populus-engine/1.0.0",
		RulesetVersion: "rules-1.0.0",
		Seed:           42,
		HorizonTicks:   100,
		AgentCount:     1000,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	same := base
	if err := EnsureRunConfigImmutable(base, same); err != nil {
		t.Fatalf("identical config rejected: %v", err)
	}

	cases := map[string]func(*RunConfig){
		"seed":    func(c *RunConfig) { c.Seed = 43 },
		"horizon": func(c *RunConfig) { c.HorizonTicks = 101 },
		"agents":  func(c *RunConfig) { c.AgentCount = 999 },
		"ruleset": func(c *RunConfig) { c.RulesetVersion = "rules-2.0.0" },
		"engine":  func(c *RunConfig) { c.EngineVersion = "populus-engine/2.0.0" },
	}
	for name, mutate := range cases {
		after := base
		mutate(&after)
		if err := EnsureRunConfigImmutable(base, after); err == nil {
			t.Errorf("%s change must be rejected", name)
		}
	}
}
