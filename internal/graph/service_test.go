package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/repo"
)

// memStore is an in-memory stand-in for the postgres node/edge/outcome
// stores. CommitOutcome mirrors the transactional semantics: insert the
// outcome, recompute from the full set, flip the completion flag once.
type memStore struct {
	nodes    map[string]domain.Node
	edges    map[string]domain.Edge
	outcomes map[string][]domain.RunOutcome
}

func newMemStore() *memStore {
	return &memStore{
		nodes:    make(map[string]domain.Node),
		edges:    make(map[string]domain.Edge),
		outcomes: make(map[string][]domain.RunOutcome),
	}
}

func (m *memStore) CreateNode(_ context.Context, node domain.Node) error {
	if _, ok := m.nodes[node.ID]; ok {
		return repo.ErrConflict
	}
	m.nodes[node.ID] = node
	return nil
}

func (m *memStore) GetNode(_ context.Context, _, id string) (domain.Node, error) {
	node, ok := m.nodes[id]
	if !ok {
		return domain.Node{}, repo.ErrNotFound
	}
	return node, nil
}

func (m *memStore) ListNodes(_ context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	out := make([]domain.Node, 0)
	for _, node := range m.nodes {
		if filter.ProjectID != "" && node.ProjectID != filter.ProjectID {
			continue
		}
		if !filter.IncludePruned && node.IsPruned {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func (m *memStore) CommitOutcome(_ context.Context, outcome domain.RunOutcome, aggregate repo.Aggregator) (domain.Node, bool, error) {
	node, ok := m.nodes[outcome.NodeID]
	if !ok {
		return domain.Node{}, false, repo.ErrNotFound
	}
	for _, existing := range m.outcomes[outcome.NodeID] {
		if existing.RunID == outcome.RunID {
			return node, false, repo.ErrConflict
		}
	}
	m.outcomes[outcome.NodeID] = append(m.outcomes[outcome.NodeID], outcome)

	update, err := aggregate(node, m.outcomes[outcome.NodeID])
	if err != nil {
		return domain.Node{}, false, err
	}
	completedNow := false
	node.CompletedRunCount = len(m.outcomes[outcome.NodeID])
	if !node.IsEnsembleComplete && node.CompletedRunCount >= node.MinEnsembleSize {
		node.IsEnsembleComplete = true
		completedNow = true
	}
	node.OutcomeCounts = update.OutcomeCounts
	node.OutcomeVariance = update.OutcomeVariance
	node.AggregatedOutcome = update.AggregatedOutcome
	m.nodes[node.ID] = node
	return node, completedNow, nil
}

func (m *memStore) MarkStale(_ context.Context, _, id string, reason domain.StaleReason) error {
	node, ok := m.nodes[id]
	if !ok {
		return repo.ErrNotFound
	}
	node.IsStale = true
	node.StaleReason = &reason
	m.nodes[id] = node
	return nil
}

func (m *memStore) SetPruned(_ context.Context, _, id string, pruned bool) error {
	node, ok := m.nodes[id]
	if !ok {
		return repo.ErrNotFound
	}
	node.IsPruned = pruned
	m.nodes[id] = node
	return nil
}

func (m *memStore) CreateEdge(_ context.Context, edge domain.Edge) error {
	if _, ok := m.edges[edge.ID]; ok {
		return repo.ErrConflict
	}
	m.edges[edge.ID] = edge
	return nil
}

func (m *memStore) GetEdge(_ context.Context, _, id string) (domain.Edge, error) {
	edge, ok := m.edges[id]
	if !ok {
		return domain.Edge{}, repo.ErrNotFound
	}
	return edge, nil
}

func (m *memStore) ListEdgesByParent(_ context.Context, _, parentNodeID string) ([]domain.Edge, error) {
	out := make([]domain.Edge, 0)
	for _, edge := range m.edges {
		if edge.ParentNodeID == parentNodeID {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (m *memStore) ListEdgesByProject(_ context.Context, _, projectID string) ([]domain.Edge, error) {
	out := make([]domain.Edge, 0)
	for _, edge := range m.edges {
		if edge.ProjectID == projectID {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (m *memStore) GetOutcomeByRun(_ context.Context, _, runID string) (domain.RunOutcome, error) {
	for _, outcomes := range m.outcomes {
		for _, outcome := range outcomes {
			if outcome.RunID == runID {
				return outcome, nil
			}
		}
	}
	return domain.RunOutcome{}, repo.ErrNotFound
}

func (m *memStore) ListOutcomesByNode(_ context.Context, _, nodeID string) ([]domain.RunOutcome, error) {
	return m.outcomes[nodeID], nil
}

func newTestService(store *memStore) *Service {
	svc := NewService(store, store, store, nil, nil)
	svc.now = func() time.Time { return time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC) }
	return svc
}

func seedRoot(t *testing.T, svc *Service) domain.Node {
	t.Helper()
	root, err := svc.CreateRoot(context.Background(), RootRequest{
		TenantID:          "t1",
		ProjectID:         "p1",
		Actor:             "analyst",
		PersonaSnapshotID: "personas-v3",
		RulesetVersion:    "rules-1.2.0",
		ParameterVersion:  "params-7",
		WorldState:        domain.Metadata{"media_tone": -0.2, "unemployment": 0.05},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	return root
}

func commitFor(nodeID, runID string, turnout float64) domain.RunOutcome {
	return domain.RunOutcome{
		RunID:        runID,
		NodeID:       nodeID,
		TenantID:     "t1",
		Status:       domain.OutcomeStatusOK,
		ManifestHash: fmt.Sprintf("%064d", 1),
		Metrics: map[string]domain.MetricValue{
			"turnout": {Kind: domain.MetricContinuous, Number: turnout},
		},
		RecordedAt: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
	}
}

func TestForkLeavesParentUntouched(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)
	before := store.nodes[root.ID]

	child, edge, err := svc.ForkNode(context.Background(), ForkRequest{
		TenantID:     "t1",
		ParentNodeID: root.ID,
		Actor:        "analyst",
		Intervention: domain.InterventionVariableDelta,
		Patch: &domain.NodePatch{
			PatchType:         "variable_delta",
			ChangeDescription: "unemployment shock",
			AffectedVariables: []string{"unemployment"},
			Values:            map[string]any{"unemployment": 0.09},
		},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	after := store.nodes[root.ID]
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("fork mutated the parent:\n%s", diff)
	}
	if child.WorldState["unemployment"] != 0.09 {
		t.Fatalf("patch not applied to child: %v", child.WorldState["unemployment"])
	}
	if child.WorldState["media_tone"] != -0.2 {
		t.Fatalf("child lost inherited state: %v", child.WorldState["media_tone"])
	}
	if child.ParentEdgeID != edge.ID || edge.ParentNodeID != root.ID || edge.ChildNodeID != child.ID {
		t.Fatalf("edge wiring wrong: edge=%+v child=%+v", edge, child)
	}
	if err := domain.EnsureNodeImmutable(before, after); err != nil {
		t.Fatalf("immutability check: %v", err)
	}
}

func TestForkPrunedParentRefused(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)
	if err := svc.PruneNode(context.Background(), "t1", root.ID); err != nil {
		t.Fatalf("prune: %v", err)
	}
	_, _, err := svc.ForkNode(context.Background(), ForkRequest{
		TenantID:     "t1",
		ParentNodeID: root.ID,
		Intervention: domain.InterventionEventScript,
	})
	if err != ErrNodePruned {
		t.Fatalf("expected ErrNodePruned, got %v", err)
	}
}

func TestCommitOutcomeCompletesEnsembleOnce(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)

	node, completed, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, "r1", 0.4))
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if completed || node.IsEnsembleComplete {
		t.Fatalf("ensemble complete after one run of two")
	}

	node, completed, err = svc.CommitOutcome(context.Background(), commitFor(root.ID, "r2", 0.6))
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !completed || !node.IsEnsembleComplete {
		t.Fatalf("ensemble should complete at min_ensemble_size")
	}
	if got := node.AggregatedOutcome["turnout"].(float64); got != 0.5 {
		t.Fatalf("aggregate after two runs: %v", got)
	}

	// A third run keeps refining the aggregate but must not re-announce
	// completion.
	node, completed, err = svc.CommitOutcome(context.Background(), commitFor(root.ID, "r3", 0.8))
	if err != nil {
		t.Fatalf("third commit: %v", err)
	}
	if completed {
		t.Fatalf("completion flag flipped twice")
	}
	if got := node.AggregatedOutcome["turnout"].(float64); got != 0.6 {
		t.Fatalf("aggregate after three runs: %v", got)
	}
	if node.CompletedRunCount != 3 {
		t.Fatalf("run count: %d", node.CompletedRunCount)
	}
}

func TestCommitOutcomeRedeliveryAbsorbed(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)

	if _, _, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, "r1", 0.4)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	node, completed, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, "r1", 0.4))
	if err != nil {
		t.Fatalf("redelivered commit must not error: %v", err)
	}
	if completed {
		t.Fatalf("duplicate must not complete the ensemble")
	}
	if node.CompletedRunCount != 1 {
		t.Fatalf("duplicate inflated the run count: %d", node.CompletedRunCount)
	}
}

func TestMarkStaleCascadeFlagsDescendantsOnly(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)

	child, _, err := svc.ForkNode(context.Background(), ForkRequest{
		TenantID: "t1", ParentNodeID: root.ID, Intervention: domain.InterventionEventScript,
	})
	if err != nil {
		t.Fatalf("fork child: %v", err)
	}
	grandchild, _, err := svc.ForkNode(context.Background(), ForkRequest{
		TenantID: "t1", ParentNodeID: child.ID, Intervention: domain.InterventionEventScript,
	})
	if err != nil {
		t.Fatalf("fork grandchild: %v", err)
	}

	flagged, err := svc.MarkStaleCascade(context.Background(), "t1", root.ID, "persona_snapshot_updated")
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if flagged != 2 {
		t.Fatalf("expected 2 flagged descendants, got %d", flagged)
	}
	if store.nodes[root.ID].IsStale {
		t.Fatalf("changed node itself must not be flagged")
	}
	for _, id := range []string{child.ID, grandchild.ID} {
		node := store.nodes[id]
		if !node.IsStale {
			t.Fatalf("descendant %s not flagged", id)
		}
		if node.StaleReason == nil || node.StaleReason.AncestorNodeID != root.ID {
			t.Fatalf("stale reason missing ancestor: %+v", node.StaleReason)
		}
		if node.StaleReason.ChangeType != "persona_snapshot_updated" {
			t.Fatalf("stale reason change type: %+v", node.StaleReason)
		}
	}
}

func TestCompareNodes(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)
	child, _, err := svc.ForkNode(context.Background(), ForkRequest{
		TenantID:     "t1",
		ParentNodeID: root.ID,
		Intervention: domain.InterventionVariableDelta,
		Patch: &domain.NodePatch{
			PatchType: "variable_delta",
			Values:    map[string]any{"unemployment": 0.09},
		},
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	for i, turnout := range []float64{0.4, 0.6} {
		if _, _, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, fmt.Sprintf("root-r%d", i), turnout)); err != nil {
			t.Fatalf("commit root: %v", err)
		}
	}
	for i, turnout := range []float64{0.2, 0.4} {
		if _, _, err := svc.CommitOutcome(context.Background(), commitFor(child.ID, fmt.Sprintf("child-r%d", i), turnout)); err != nil {
			t.Fatalf("commit child: %v", err)
		}
	}

	comparison, err := svc.CompareNodes(context.Background(), "t1", root.ID, child.ID)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !comparison.BothComplete {
		t.Fatalf("both ensembles are complete: %+v", comparison)
	}
	if len(comparison.Metrics) != 1 || comparison.Metrics[0].Key != "turnout" {
		t.Fatalf("metric deltas: %+v", comparison.Metrics)
	}
	if !comparison.Metrics[0].Numeric || comparison.Metrics[0].Delta != -0.2 {
		t.Fatalf("turnout delta: %+v", comparison.Metrics[0])
	}
	if len(comparison.WorldState) != 1 || comparison.WorldState[0].Key != "unemployment" {
		t.Fatalf("world state deltas: %+v", comparison.WorldState)
	}
}

func TestReportInsufficientDataBeforeEnsembleComplete(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	root := seedRoot(t, svc)

	if _, _, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, "r1", 0.4)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	minTurnout := 0.3
	report, err := svc.Report(context.Background(), "t1", root.ID, []Threshold{{MetricKey: "turnout", Min: &minTurnout}})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Findings[0].Status != FindingInsufficientData {
		t.Fatalf("thin ensemble must report insufficient_data, got %s", report.Findings[0].Status)
	}

	if _, _, err := svc.CommitOutcome(context.Background(), commitFor(root.ID, "r2", 0.6)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	report, err = svc.Report(context.Background(), "t1", root.ID, []Threshold{{MetricKey: "turnout", Min: &minTurnout}})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Findings[0].Status != FindingPass {
		t.Fatalf("expected pass, got %s", report.Findings[0].Status)
	}

	maxTurnout := 0.45
	report, err = svc.Report(context.Background(), "t1", root.ID, []Threshold{{MetricKey: "turnout", Max: &maxTurnout}})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Findings[0].Status != FindingFail {
		t.Fatalf("expected fail above max, got %s", report.Findings[0].Status)
	}
}
