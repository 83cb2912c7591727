package domain

import (
	"errors"
	"strings"
	"time"
)

// Run is one execution attempt against a node and a run config.
type Run struct {
	Base
	ProjectID           string
	NodeID              string
	RunConfigID         string
	State               RunState
	FailureReason       string
	IdempotencyKey      string
	WorkerID            string
	WorkerStartedAt     *time.Time
	WorkerLastHeartbeat *time.Time
	StartedAt           *time.Time
	EndedAt             *time.Time
	HasResults          bool
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(r.NodeID) == "" {
		return errors.New("node id is required")
	}
	if strings.TrimSpace(r.RunConfigID) == "" {
		return errors.New("run config id is required")
	}
	if NormalizeRunState(string(r.State)) == "" {
		return errors.New("run state is required")
	}
	return nil
}

// RunTrace is one sampled audit row from a run's execution loop. Traces for
// a single run are strictly ordered by tick number.
type RunTrace struct {
	RunID           string
	TenantID        string
	Timestamp       time.Time
	WorkerID        string
	ExecutionStage  string
	TickNumber      int
	AgentsProcessed int
	EventsCount     int
	DurationMs      int64
	BlobPointer     *BlobPointer
}

// BlobPointer references a large telemetry payload in the object store.
type BlobPointer struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
}

// Execution stages recorded in run traces.
const (
	StageRunStart = "run_start"
	StageTick     = "tick"
	StageRunEnd   = "run_end"
)

// WorkerHeartbeat is the liveness record for one worker process. It is
// updated via single-row atomic upserts keyed by worker id.
type WorkerHeartbeat struct {
	WorkerID     string
	Hostname     string
	PID          int
	LastSeenAt   time.Time
	Status       string
	CurrentRunID string
	RunsExecuted int64
	RunsFailed   int64
}

const (
	WorkerStatusIdle    = "idle"
	WorkerStatusRunning = "running"
	WorkerStatusDrained = "drained"
)

func (h WorkerHeartbeat) Validate() error {
	if strings.TrimSpace(h.WorkerID) == "" {
		return errors.New("worker id is required")
	}
	if h.LastSeenAt.IsZero() {
		return errors.New("last seen time is required")
	}
	return nil
}
