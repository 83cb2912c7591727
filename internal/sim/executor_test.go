package sim

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/rules"
)

type memTraces struct {
	rows []domain.RunTrace
}

func (m *memTraces) AppendTrace(_ context.Context, trace domain.RunTrace) error {
	m.rows = append(m.rows, trace)
	return nil
}

func testRun() domain.Run {
	return domain.Run{
		Base:        domain.Base{ID: "run-1", TenantID: "t1", Metadata: domain.Metadata{}},
		ProjectID:   "p1",
		NodeID:      "n1",
		RunConfigID: "rc1",
		State:       domain.RunStateRunning,
	}
}

func testConfig(seed uint64, horizon, agents int) domain.RunConfig {
	return domain.RunConfig{
		Base:           domain.Base{ID: "rc1", TenantID: "t1"},
		EngineVersion:  EngineVersion,
		RulesetVersion: "rules-1.0.0",
		Seed:           seed,
		HorizonTicks:   horizon,
		AgentCount:     agents,
	}
}

func TestGenesisPopulationDeterministic(t *testing.T) {
	a := GenesisPopulation(42, 20)
	b := GenesisPopulation(42, 20)
	if diff := cmp.Diff(a.Agents, b.Agents); diff != "" {
		t.Fatalf("same seed produced different populations:\n%s", diff)
	}
	c := GenesisPopulation(43, 20)
	if diff := cmp.Diff(a.Agents, c.Agents); diff == "" {
		t.Fatalf("different seeds produced identical populations")
	}
	for _, agent := range a.Agents {
		opinion := agent.Attributes[rules.AttrOpinion]
		if opinion < -1 || opinion >= 1 {
			t.Fatalf("genesis opinion out of range: %v", opinion)
		}
	}
}

func TestGenesisNeighborsUniqueOnTinyRings(t *testing.T) {
	for _, count := range []int{2, 3, 4, 5} {
		pop := GenesisPopulation(42, count)
		for id, peers := range pop.Neighbors {
			seen := make(map[string]bool, len(peers))
			for _, peer := range peers {
				if peer == id {
					t.Fatalf("agentCount=%d: %s lists itself as a neighbor", count, id)
				}
				if seen[peer] {
					t.Fatalf("agentCount=%d: %s lists %s twice: %v", count, id, peer, peers)
				}
				seen[peer] = true
			}
			if want := min(count-1, 4); len(peers) != want {
				t.Fatalf("agentCount=%d: %s has %d neighbors, want %d", count, id, len(peers), want)
			}
		}
	}
}

func TestExecuteDeterministicAcrossRuns(t *testing.T) {
	executor := NewExecutor(nil, nil)
	config := testConfig(7, 25, 30)
	recordedAt := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC)

	first, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: config})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: config})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}

	hash := testManifestHash(t, config)
	outcomeA, err := ExtractOutcome(testRun(), hash, first, recordedAt)
	if err != nil {
		t.Fatalf("extract first: %v", err)
	}
	outcomeB, err := ExtractOutcome(testRun(), hash, second, recordedAt)
	if err != nil {
		t.Fatalf("extract second: %v", err)
	}
	if diff := cmp.Diff(outcomeA, outcomeB); diff != "" {
		t.Fatalf("identical runs extracted different outcomes:\n%s", diff)
	}

	jsonA, err := outcomeA.MetricsJSON()
	if err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	jsonB, err := outcomeB.MetricsJSON()
	if err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	if string(jsonA) != string(jsonB) {
		t.Fatalf("metrics documents differ:\n%s\n%s", jsonA, jsonB)
	}
}

func testManifestHash(t *testing.T, config domain.RunConfig) string {
	t.Helper()
	hash, err := domain.ManifestHash(config.Seed, manifestConfig(config), manifestVersions(config))
	if err != nil {
		t.Fatalf("manifest hash: %v", err)
	}
	return hash
}

func TestExecuteDifferentSeedsDiverge(t *testing.T) {
	executor := NewExecutor(nil, nil)
	recordedAt := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC)

	a, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: testConfig(1, 25, 30)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	b, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: testConfig(2, 25, 30)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcomeA, _ := ExtractOutcome(testRun(), testManifestHash(t, testConfig(1, 25, 30)), a, recordedAt)
	outcomeB, _ := ExtractOutcome(testRun(), testManifestHash(t, testConfig(2, 25, 30)), b, recordedAt)
	if outcomeA.Metrics[MetricOpinionMean].Number == outcomeB.Metrics[MetricOpinionMean].Number {
		t.Fatalf("different seeds produced identical opinion means")
	}
}

func TestTraceSamplingAlwaysKeepsStartAndEnd(t *testing.T) {
	traces := &memTraces{}
	executor := NewExecutor(traces, nil)
	config := testConfig(7, 10, 5)
	config.TraceSampleEvery = 4

	if _, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: config}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	stages := make(map[string]int)
	var ticks []int
	for _, row := range traces.rows {
		stages[row.ExecutionStage]++
		if row.ExecutionStage == domain.StageTick {
			ticks = append(ticks, row.TickNumber)
		}
	}
	if stages[domain.StageRunStart] != 1 || stages[domain.StageRunEnd] != 1 {
		t.Fatalf("run_start/run_end must appear exactly once: %+v", stages)
	}
	// Stride 4 over 10 ticks samples 4 and 8; ticks 1 and 10 are forced.
	want := []int{1, 4, 8, 10}
	if diff := cmp.Diff(want, ticks); diff != "" {
		t.Fatalf("sampled ticks:\n%s", diff)
	}
}

func TestTraceSamplingZeroStrideOnlyBoundaries(t *testing.T) {
	traces := &memTraces{}
	executor := NewExecutor(traces, nil)
	config := testConfig(7, 6, 5)
	config.TraceSampleEvery = 0

	if _, err := executor.Execute(context.Background(), ExecuteRequest{Run: testRun(), Config: config}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var ticks []int
	for _, row := range traces.rows {
		if row.ExecutionStage == domain.StageTick {
			ticks = append(ticks, row.TickNumber)
		}
	}
	if diff := cmp.Diff([]int{1, 6}, ticks); diff != "" {
		t.Fatalf("zero stride must still sample first and last tick:\n%s", diff)
	}
}

func TestExecuteCanceledAtTickBoundary(t *testing.T) {
	executor := NewExecutor(nil, nil)
	config := testConfig(7, 50, 5)

	ticksSeen := 0
	result, err := executor.Execute(context.Background(), ExecuteRequest{
		Run:    testRun(),
		Config: config,
		OnTick: func(_ context.Context, tick int) error {
			ticksSeen = tick
			return nil
		},
		Canceled: func(_ context.Context) (bool, error) {
			return ticksSeen >= 10, nil
		},
	})
	if err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if result.TicksExecuted != 10 {
		t.Fatalf("cancel must land on a tick boundary, got %d ticks", result.TicksExecuted)
	}
}

func TestExecuteBudgetExceeded(t *testing.T) {
	executor := NewExecutor(nil, nil)
	base := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC)
	elapsed := time.Duration(0)
	executor.now = func() time.Time {
		elapsed += time.Second
		return base.Add(elapsed)
	}

	_, err := executor.Execute(context.Background(), ExecuteRequest{
		Run:    testRun(),
		Config: testConfig(7, 1000, 3),
		Budget: 5 * time.Second,
	})
	if err != ErrBudgetExceeded {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}
