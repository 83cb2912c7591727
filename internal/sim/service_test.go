package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/guard"
	"github.com/populus-labs/populus-go/internal/repo"
)

type fakeStores struct {
	projects     map[string]domain.ProjectSpec
	configs      map[string]domain.RunConfig
	runs         map[string]domain.Run
	manifests    map[string]domain.RunManifest
	jobs         []repo.Job
	frozen       map[string]bool
	committed    []domain.RunOutcome
	capabilities map[string]domain.SourceCapability
	attempts     []guard.Attempt
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		projects:     make(map[string]domain.ProjectSpec),
		configs:      make(map[string]domain.RunConfig),
		runs:         make(map[string]domain.Run),
		manifests:    make(map[string]domain.RunManifest),
		frozen:       make(map[string]bool),
		capabilities: make(map[string]domain.SourceCapability),
	}
}

func (f *fakeStores) CreateProject(_ context.Context, project domain.ProjectSpec) error {
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStores) GetProject(_ context.Context, _, id string) (domain.ProjectSpec, error) {
	project, ok := f.projects[id]
	if !ok {
		return domain.ProjectSpec{}, repo.ErrNotFound
	}
	return project, nil
}

func (f *fakeStores) ListProjects(_ context.Context, _ repo.ProjectFilter) ([]domain.ProjectSpec, error) {
	return nil, nil
}

func (f *fakeStores) MarkRunsStarted(_ context.Context, _, id string) error {
	project, ok := f.projects[id]
	if !ok {
		return repo.ErrNotFound
	}
	project.HasStartedRuns = true
	f.projects[id] = project
	return nil
}

func (f *fakeStores) CreateRunConfig(_ context.Context, config domain.RunConfig) error {
	f.configs[config.ID] = config
	return nil
}

func (f *fakeStores) GetRunConfig(_ context.Context, _, id string) (domain.RunConfig, error) {
	config, ok := f.configs[id]
	if !ok {
		return domain.RunConfig{}, repo.ErrNotFound
	}
	return config, nil
}

func (f *fakeStores) CreateRun(_ context.Context, run domain.Run) error {
	if _, ok := f.runs[run.ID]; ok {
		return repo.ErrConflict
	}
	for _, existing := range f.runs {
		if run.IdempotencyKey != "" && existing.IdempotencyKey == run.IdempotencyKey {
			return repo.ErrConflict
		}
	}
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStores) GetRun(_ context.Context, _, id string) (domain.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeStores) ListRuns(_ context.Context, _ repo.RunFilter) ([]domain.Run, error) {
	return nil, nil
}

func (f *fakeStores) FindRunByIdempotencyKey(_ context.Context, _, key string) (domain.Run, error) {
	for _, run := range f.runs {
		if run.IdempotencyKey == key {
			return run, nil
		}
	}
	return domain.Run{}, repo.ErrNotFound
}

func (f *fakeStores) TransitionRun(_ context.Context, _, id string, from, to domain.RunState, failureReason string, endedAt *time.Time) error {
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.State != from {
		return repo.ErrConflict
	}
	run.State = to
	run.FailureReason = failureReason
	run.EndedAt = endedAt
	f.runs[id] = run
	return nil
}

func (f *fakeStores) RequestCancel(_ context.Context, _, id string) error {
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Metadata == nil {
		run.Metadata = domain.Metadata{}
	}
	run.Metadata["cancel_requested"] = true
	f.runs[id] = run
	return nil
}

func (f *fakeStores) AssignWorker(_ context.Context, _, id, workerID string, startedAt time.Time) error {
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.WorkerID = workerID
	run.WorkerStartedAt = &startedAt
	run.WorkerLastHeartbeat = &startedAt
	run.StartedAt = &startedAt
	f.runs[id] = run
	return nil
}

func (f *fakeStores) TouchWorkerHeartbeat(_ context.Context, _, id string, at time.Time) error {
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.WorkerLastHeartbeat = &at
	f.runs[id] = run
	return nil
}

func (f *fakeStores) MarkHasResults(_ context.Context, _, id string) error {
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.HasResults = true
	f.runs[id] = run
	return nil
}

func (f *fakeStores) ListTimedOutRuns(_ context.Context, olderThan time.Time, _ int) ([]domain.Run, error) {
	var out []domain.Run
	for _, run := range f.runs {
		if run.State == domain.RunStateRunning && run.WorkerLastHeartbeat != nil && run.WorkerLastHeartbeat.Before(olderThan) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeStores) CreateManifest(_ context.Context, manifest domain.RunManifest) error {
	f.manifests[manifest.RunID] = manifest
	return nil
}

func (f *fakeStores) GetManifestByRun(_ context.Context, _, runID string) (domain.RunManifest, error) {
	manifest, ok := f.manifests[runID]
	if !ok {
		return domain.RunManifest{}, repo.ErrNotFound
	}
	return manifest, nil
}

func (f *fakeStores) FreezeManifest(_ context.Context, _, runID string) error {
	manifest, ok := f.manifests[runID]
	if !ok {
		return repo.ErrNotFound
	}
	manifest.IsImmutable = true
	f.manifests[runID] = manifest
	f.frozen[runID] = true
	return nil
}

func (f *fakeStores) Enqueue(_ context.Context, job repo.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeStores) ClaimNext(_ context.Context, _ string, _ time.Duration) (repo.Job, error) {
	if len(f.jobs) == 0 {
		return repo.Job{}, repo.ErrNotFound
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeStores) Complete(_ context.Context, _ string) error { return nil }

func (f *fakeStores) Fail(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeStores) Depth(_ context.Context) (int, error) { return len(f.jobs), nil }

func (f *fakeStores) CommitOutcome(_ context.Context, outcome domain.RunOutcome) (domain.Node, bool, error) {
	f.committed = append(f.committed, outcome)
	return domain.Node{}, len(f.committed) >= 2, nil
}

func (f *fakeStores) UpsertCapability(_ context.Context, capability domain.SourceCapability) error {
	f.capabilities[capability.Source] = capability
	return nil
}

func (f *fakeStores) GetCapability(_ context.Context, source string) (domain.SourceCapability, error) {
	capability, ok := f.capabilities[source]
	if !ok {
		return domain.SourceCapability{}, repo.ErrNotFound
	}
	return capability, nil
}

func (f *fakeStores) ListCapabilities(_ context.Context) ([]domain.SourceCapability, error) {
	out := make([]domain.SourceCapability, 0, len(f.capabilities))
	for _, capability := range f.capabilities {
		out = append(out, capability)
	}
	return out, nil
}

func (f *fakeStores) RecordAttempt(_ context.Context, attempt guard.Attempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeStores) ListAttempts(_ context.Context, runID string, _ int) ([]guard.Attempt, error) {
	var out []guard.Attempt
	for _, attempt := range f.attempts {
		if attempt.RunID == runID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func testService(t *testing.T, stores *fakeStores) *Service {
	t.Helper()
	svc, err := NewService(Config{
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Minute,
		MaxInfraRetries:   3,
		RetryBackoffBase:  10 * time.Second,
		ExecutionBudget:   time.Hour,
	}, ServiceDeps{
		Projects:     stores,
		Configs:      stores,
		Runs:         stores,
		Manifests:    stores,
		Queue:        stores,
		Committer:    stores,
		Capabilities: stores,
		Attempts:     stores,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedProject(stores *fakeStores) {
	stores.projects["p1"] = domain.ProjectSpec{
		Base:           domain.Base{ID: "p1", TenantID: "t1"},
		Name:           "midterm-turnout",
		TemporalMode:   domain.TemporalModeLive,
		IsolationLevel: domain.IsolationBasic,
	}
}

func createRunRequest(key string) CreateRunRequest {
	return CreateRunRequest{
		TenantID:       "t1",
		ProjectID:      "p1",
		NodeID:         "n1",
		Actor:          "analyst",
		IdempotencyKey: key,
		Config: domain.RunConfig{
			RulesetVersion: "rules-1.0.0",
			Seed:           42,
			HorizonTicks:   10,
			AgentCount:     10,
		},
	}
}

func TestCreateRunPersistsFrozenManifest(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.State != domain.RunStateCreated {
		t.Fatalf("new run state: %s", run.State)
	}
	manifest, ok := stores.manifests[run.ID]
	if !ok {
		t.Fatalf("manifest not persisted")
	}
	if len(manifest.Hash) != 64 {
		t.Fatalf("manifest hash length: %d", len(manifest.Hash))
	}

	// An identical request creates a distinct run with the same hash.
	second, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID == run.ID {
		t.Fatalf("runs must be distinct without an idempotency key")
	}
	if stores.manifests[second.ID].Hash != manifest.Hash {
		t.Fatalf("identical inputs must produce identical manifest hashes")
	}
}

func TestCreateRunIdempotencyKeyDedup(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	first, err := svc.CreateRun(context.Background(), createRunRequest("req-123"))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	second, err := svc.CreateRun(context.Background(), createRunRequest("req-123"))
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("idempotency key must return the original run")
	}
	if len(stores.runs) != 1 {
		t.Fatalf("duplicate request created a second run")
	}
}

func TestStartRunQueuesAndFreezes(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	started, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.State != domain.RunStateQueued {
		t.Fatalf("state after start: %s", started.State)
	}
	if !stores.frozen[run.ID] {
		t.Fatalf("manifest not frozen on start")
	}
	if !stores.projects["p1"].HasStartedRuns {
		t.Fatalf("project reproducibility fields not frozen")
	}
	if len(stores.jobs) != 1 || stores.jobs[0].RunID != run.ID {
		t.Fatalf("run not enqueued: %+v", stores.jobs)
	}

	// Starting again is a no-op, not an error.
	again, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if again.State != domain.RunStateQueued || len(stores.jobs) != 1 {
		t.Fatalf("restart must be a no-op")
	}
}

func TestExecuteRunHappyPath(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.ExecuteRun(context.Background(), "t1", run.ID, "worker-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final := stores.runs[run.ID]
	if final.State != domain.RunStateSucceeded {
		t.Fatalf("final state: %s (%s)", final.State, final.FailureReason)
	}
	if !final.HasResults || final.WorkerID != "worker-1" || final.EndedAt == nil {
		t.Fatalf("run bookkeeping incomplete: %+v", final)
	}
	if len(stores.committed) != 1 {
		t.Fatalf("outcome not committed: %d", len(stores.committed))
	}
	outcome := stores.committed[0]
	if outcome.ManifestHash != stores.manifests[run.ID].Hash {
		t.Fatalf("outcome must carry the run's manifest hash")
	}
	if outcome.Metrics[MetricAdoptionShare].Kind != domain.MetricContinuous {
		t.Fatalf("adoption share metric missing: %+v", outcome.Metrics)
	}

	// Redelivery of a terminal run is a no-op.
	if err := svc.ExecuteRun(context.Background(), "t1", run.ID, "worker-2"); err != nil {
		t.Fatalf("redelivery must not error: %v", err)
	}
	if stores.runs[run.ID].WorkerID != "worker-1" {
		t.Fatalf("redelivery reassigned the worker")
	}
}

func TestExecuteRunSameSeedSameOutcome(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	for i := 0; i < 2; i++ {
		run, err := svc.CreateRun(context.Background(), createRunRequest(""))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := svc.ExecuteRun(context.Background(), "t1", run.ID, "worker-1"); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if len(stores.committed) != 2 {
		t.Fatalf("expected two committed outcomes")
	}
	a, b := stores.committed[0], stores.committed[1]
	if a.ManifestHash != b.ManifestHash {
		t.Fatalf("identical configs produced different manifest hashes")
	}
	jsonA, _ := a.MetricsJSON()
	jsonB, _ := b.MetricsJSON()
	if string(jsonA) != string(jsonB) {
		t.Fatalf("identical runs produced different metrics:\n%s\n%s", jsonA, jsonB)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
		t.Fatalf("start: %v", err)
	}
	canceled, err := svc.CancelRun(context.Background(), "t1", run.ID, "analyst")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State != domain.RunStateCanceled {
		t.Fatalf("state after cancel: %s", canceled.State)
	}
	if _, err := svc.CancelRun(context.Background(), "t1", run.ID, "analyst"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("canceling a terminal run must be invalid, got %v", err)
	}
}

func TestCancelRunningRunStopsAtTickBoundary(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	req := createRunRequest("")
	req.Config.HorizonTicks = 200
	run, err := svc.CreateRun(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Flag cancellation before the worker picks it up; the executor polls
	// at every tick boundary and stops on the first one.
	if err := stores.RequestCancel(context.Background(), "t1", run.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if err := svc.ExecuteRun(context.Background(), "t1", run.ID, "worker-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	final := stores.runs[run.ID]
	if final.State != domain.RunStateCanceled {
		t.Fatalf("state after boundary cancel: %s", final.State)
	}
	if len(stores.committed) != 0 {
		t.Fatalf("canceled run must not commit an outcome")
	}
}

func TestExecuteRunBacktestSourcePreflight(t *testing.T) {
	stores := newFakeStores()
	asOf := time.Date(2022, 11, 8, 0, 0, 0, 0, time.UTC)
	stores.projects["p1"] = domain.ProjectSpec{
		Base:           domain.Base{ID: "p1", TenantID: "t1"},
		Name:           "midterm-backtest",
		TemporalMode:   domain.TemporalModeBacktest,
		AsOf:           &asOf,
		IsolationLevel: domain.IsolationStrict,
		AllowedSources: []string{"census", "late_polls"},
	}
	stores.capabilities["census"] = domain.SourceCapability{
		Source:              "census",
		TimestampSupport:    domain.TimestampsFull,
		SafeIsolationLevels: []domain.IsolationLevel{domain.IsolationBasic, domain.IsolationStrict},
		PolicyVersion:       1,
	}
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// late_polls has no capability entry, so the preflight must refuse it
	// and fail the run before any tick executes.
	if err := svc.ExecuteRun(context.Background(), "t1", run.ID, "worker-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	final := stores.runs[run.ID]
	if final.State != domain.RunStateFailed || final.FailureReason != domain.FailReasonLeakageViolation {
		t.Fatalf("preflight refusal must fail the run as a leakage violation: %+v", final)
	}
	if len(stores.committed) != 0 {
		t.Fatalf("refused run must not commit an outcome")
	}

	blocked := 0
	for _, attempt := range stores.attempts {
		if attempt.RunID == run.ID && !attempt.Allowed && attempt.Source == "late_polls" {
			blocked++
		}
	}
	if blocked != 1 {
		t.Fatalf("expected one recorded refusal, got %d (%+v)", blocked, stores.attempts)
	}
}

func TestReclaimTimedOutRuns(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	stores.runs["r-stuck"] = domain.Run{
		Base:                domain.Base{ID: "r-stuck", TenantID: "t1", Metadata: domain.Metadata{}},
		ProjectID:           "p1",
		NodeID:              "n1",
		RunConfigID:         "rc1",
		State:               domain.RunStateRunning,
		WorkerID:            "worker-dead",
		WorkerLastHeartbeat: &stale,
	}

	reclaimed, err := svc.ReclaimTimedOut(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one reclaimed run, got %d", reclaimed)
	}
	final := stores.runs["r-stuck"]
	if final.State != domain.RunStateFailed || final.FailureReason != domain.FailReasonWorkerTimeout {
		t.Fatalf("reclaimed run: %+v", final)
	}
}

func TestFailExhaustedDeadLettersQueuedRun(t *testing.T) {
	stores := newFakeStores()
	seedProject(stores)
	svc := testService(t, stores)

	run, err := svc.CreateRun(context.Background(), createRunRequest(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.StartRun(context.Background(), "t1", run.ID, "analyst"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The queue drops a job once its attempts are exhausted; the run must
	// land failed with a structured reason, not stay queued forever.
	if err := svc.FailExhausted(context.Background(), "t1", run.ID); err != nil {
		t.Fatalf("fail exhausted: %v", err)
	}
	final := stores.runs[run.ID]
	if final.State != domain.RunStateFailed || final.FailureReason != domain.FailReasonInfraExhausted {
		t.Fatalf("dead-lettered run: state=%s reason=%q", final.State, final.FailureReason)
	}
	if final.EndedAt == nil {
		t.Fatalf("dead-lettered run must record an end time")
	}

	// Redelivery of the dead letter is a no-op on a terminal run.
	if err := svc.FailExhausted(context.Background(), "t1", run.ID); err != nil {
		t.Fatalf("repeat dead-letter must not error: %v", err)
	}
	if stores.runs[run.ID].FailureReason != domain.FailReasonInfraExhausted {
		t.Fatalf("repeat dead-letter rewrote the failure reason")
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	stores := newFakeStores()
	svc := testService(t, stores)
	if got := svc.RetryBackoff(1); got != 10*time.Second {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := svc.RetryBackoff(3); got != 40*time.Second {
		t.Fatalf("attempt 3: %v", got)
	}
}
