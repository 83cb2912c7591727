// Package repo defines the persistence contracts for the core entities.
// Implementations live in repo/postgres; tests use hand-written fakes.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/guard"
	"github.com/populus-labs/populus-go/internal/reliability"
)

// ErrNotFound is returned when a requested record does not exist within the
// caller's tenant scope.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert or transition loses a uniqueness or
// precondition race (duplicate idempotency key, stale state).
var ErrConflict = errors.New("conflict")

type ProjectFilter struct {
	TenantID string
	Name     string
	Limit    int
}

type NodeFilter struct {
	TenantID      string
	ProjectID     string
	IncludePruned bool
	Limit         int
}

type RunFilter struct {
	TenantID  string
	ProjectID string
	NodeID    string
	State     domain.RunState
	Limit     int
}

type TraceFilter struct {
	TenantID string
	RunID    string
	Limit    int
}

// ProjectRepository manages project specs.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project domain.ProjectSpec) error
	GetProject(ctx context.Context, tenantID, id string) (domain.ProjectSpec, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.ProjectSpec, error)
	// MarkRunsStarted freezes the project's reproducibility fields.
	MarkRunsStarted(ctx context.Context, tenantID, id string) error
}

// RunConfigRepository manages immutable run configs.
type RunConfigRepository interface {
	CreateRunConfig(ctx context.Context, config domain.RunConfig) error
	GetRunConfig(ctx context.Context, tenantID, id string) (domain.RunConfig, error)
}

// RunRepository manages run lifecycle state. Transitions are compare-and-set
// on the expected predecessor state so concurrent writers cannot skip steps.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, tenantID, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	FindRunByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Run, error)
	// TransitionRun moves the run from the expected state to next. Returns
	// ErrConflict when the stored state no longer matches from.
	TransitionRun(ctx context.Context, tenantID, id string, from, to domain.RunState, failureReason string, endedAt *time.Time) error
	// RequestCancel flags a running run for cancellation at the next tick
	// boundary without changing its state.
	RequestCancel(ctx context.Context, tenantID, id string) error
	// AssignWorker records the executing worker at running-transition time.
	AssignWorker(ctx context.Context, tenantID, id, workerID string, startedAt time.Time) error
	TouchWorkerHeartbeat(ctx context.Context, tenantID, id string, at time.Time) error
	MarkHasResults(ctx context.Context, tenantID, id string) error
	// ListTimedOutRuns returns running runs whose last worker heartbeat is
	// older than the horizon.
	ListTimedOutRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
}

// ManifestRepository manages content-addressed run manifests.
type ManifestRepository interface {
	CreateManifest(ctx context.Context, manifest domain.RunManifest) error
	GetManifestByRun(ctx context.Context, tenantID, runID string) (domain.RunManifest, error)
	// FreezeManifest flips is_immutable; called when the run leaves created.
	FreezeManifest(ctx context.Context, tenantID, runID string) error
}

// EnsembleUpdate carries the recomputed aggregate written back to the node
// inside the commit transaction.
type EnsembleUpdate struct {
	OutcomeCounts     map[string]int
	OutcomeVariance   map[string]float64
	AggregatedOutcome domain.Metadata
}

// Aggregator recomputes a node's aggregate from its full outcome set. It
// must be pure and order-independent: the commit path may call it on any
// permutation of the same set and must get the same update.
type Aggregator func(node domain.Node, outcomes []domain.RunOutcome) (EnsembleUpdate, error)

// NodeRepository manages the fork-not-mutate scenario graph. Node content is
// written exactly once; only ensemble bookkeeping and flags change after.
type NodeRepository interface {
	CreateNode(ctx context.Context, node domain.Node) error
	GetNode(ctx context.Context, tenantID, id string) (domain.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error)
	// CommitOutcome atomically inserts the outcome, increments the node's
	// completed-run counter, flips is_ensemble_complete at the threshold
	// (exactly once), and rewrites the aggregate from the full set. The
	// whole step is one transaction per node.
	CommitOutcome(ctx context.Context, outcome domain.RunOutcome, aggregate Aggregator) (domain.Node, bool, error)
	MarkStale(ctx context.Context, tenantID, id string, reason domain.StaleReason) error
	SetPruned(ctx context.Context, tenantID, id string, pruned bool) error
}

// EdgeRepository manages immutable causal edges.
type EdgeRepository interface {
	CreateEdge(ctx context.Context, edge domain.Edge) error
	GetEdge(ctx context.Context, tenantID, id string) (domain.Edge, error)
	ListEdgesByParent(ctx context.Context, tenantID, parentNodeID string) ([]domain.Edge, error)
	ListEdgesByProject(ctx context.Context, tenantID, projectID string) ([]domain.Edge, error)
}

// OutcomeRepository reads committed outcomes. Inserts happen only through
// NodeRepository.CommitOutcome.
type OutcomeRepository interface {
	GetOutcomeByRun(ctx context.Context, tenantID, runID string) (domain.RunOutcome, error)
	ListOutcomesByNode(ctx context.Context, tenantID, nodeID string) ([]domain.RunOutcome, error)
}

// TraceRepository appends run traces; rows are never updated.
type TraceRepository interface {
	AppendTrace(ctx context.Context, trace domain.RunTrace) error
	ListTraces(ctx context.Context, filter TraceFilter) ([]domain.RunTrace, error)
}

// WorkerRepository tracks worker liveness through single-row upserts.
type WorkerRepository interface {
	UpsertHeartbeat(ctx context.Context, heartbeat domain.WorkerHeartbeat) error
	GetWorker(ctx context.Context, workerID string) (domain.WorkerHeartbeat, error)
	ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]domain.WorkerHeartbeat, error)
}

// CapabilityRepository manages the source capability registry with an audit
// trail; policy_version increments on every change.
type CapabilityRepository interface {
	UpsertCapability(ctx context.Context, capability domain.SourceCapability) error
	GetCapability(ctx context.Context, source string) (domain.SourceCapability, error)
	ListCapabilities(ctx context.Context) ([]domain.SourceCapability, error)
}

// LeakageRepository retains guard access attempts for audit. Append-only.
type LeakageRepository interface {
	RecordAttempt(ctx context.Context, attempt guard.Attempt) error
	ListAttempts(ctx context.Context, runID string, limit int) ([]guard.Attempt, error)
}

// ArtifactRepository persists derived reliability artifacts.
type ArtifactRepository interface {
	SaveArtifact(ctx context.Context, artifact reliability.Artifact) error
	NextArtifactVersion(ctx context.Context, tenantID, nodeID, kind string) (int, error)
	ListArtifacts(ctx context.Context, tenantID, nodeID, kind string, limit int) ([]reliability.Artifact, error)
}

// Job is one queued unit of background work.
type Job struct {
	ID          string
	TenantID    string
	Kind        string
	RunID       string
	Priority    int
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	EnqueuedAt  time.Time
}

// Job kinds dispatched through the queue.
const (
	JobKindExecuteRun    = "execute_run"
	JobKindCalibrateNode = "calibrate_node"
)

// JobQueue is a priority-aware queue with at-least-once delivery. Consumers
// must be idempotent on redelivery.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// ClaimNext leases the highest-priority available job for the worker.
	// Returns ErrNotFound when the queue is empty.
	ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (Job, error)
	Complete(ctx context.Context, jobID string) error
	// Fail releases the job for redelivery with backoff, or discards it
	// after max attempts.
	Fail(ctx context.Context, jobID string, retryAfter time.Duration) error
	Depth(ctx context.Context) (int, error)
}
