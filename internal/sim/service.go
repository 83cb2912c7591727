// Package sim is the run orchestrator: lifecycle state machine, dispatch,
// execution, worker liveness, and outcome hand-off to the universe map.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/guard"
	"github.com/populus-labs/populus-go/internal/platform/auditlog"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/repo"
	"github.com/populus-labs/populus-go/internal/rules"
)

// ErrInvalidTransition is returned when a lifecycle request would skip a
// state or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid run state transition")

// Committer folds a run outcome into its node's ensemble. Implemented by
// the universe map service.
type Committer interface {
	CommitOutcome(ctx context.Context, outcome domain.RunOutcome) (domain.Node, bool, error)
}

type Service struct {
	cfg          Config
	projects     repo.ProjectRepository
	configs      repo.RunConfigRepository
	runs         repo.RunRepository
	manifests    repo.ManifestRepository
	queue        repo.JobQueue
	committer    Committer
	executor     *Executor
	capabilities repo.CapabilityRepository
	attempts     repo.LeakageRepository
	metrics      *metrics.Registry
	auditDB      auditlog.QueryRower
	logger       *slog.Logger
	now          func() time.Time
}

type ServiceDeps struct {
	Projects  repo.ProjectRepository
	Configs   repo.RunConfigRepository
	Runs      repo.RunRepository
	Manifests repo.ManifestRepository
	Queue     repo.JobQueue
	Committer Committer
	Executor  *Executor
	// Capabilities and Attempts back the temporal leakage preflight on
	// backtest runs; nil skips the preflight.
	Capabilities repo.CapabilityRepository
	Attempts     repo.LeakageRepository
	Metrics      *metrics.Registry
	AuditDB      auditlog.QueryRower
	Logger       *slog.Logger
}

func NewService(cfg Config, deps ServiceDeps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewExecutor(nil, nil)
	}
	return &Service{
		cfg:          cfg,
		projects:     deps.Projects,
		configs:      deps.Configs,
		runs:         deps.Runs,
		manifests:    deps.Manifests,
		queue:        deps.Queue,
		committer:    deps.Committer,
		executor:     executor,
		capabilities: deps.Capabilities,
		attempts:     deps.Attempts,
		metrics:      deps.Metrics,
		auditDB:      deps.AuditDB,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// EngineVersion stamps manifests; bumped when tick semantics change.
const EngineVersion = "populus-engine/1.0.0"

// CreateRunRequest opens a run against a node with an immutable config.
type CreateRunRequest struct {
	TenantID       string
	ProjectID      string
	NodeID         string
	Actor          string
	Config         domain.RunConfig
	IdempotencyKey string
}

// CreateRun persists the run config, the run in created state, and its
// frozen manifest. A repeated idempotency key returns the original run
// instead of a duplicate.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (domain.Run, error) {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		existing, err := s.runs.FindRunByIdempotencyKey(ctx, req.TenantID, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	project, err := s.projects.GetProject(ctx, req.TenantID, req.ProjectID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("load project: %w", err)
	}

	now := s.now()
	config := req.Config
	config.ID = uuid.NewString()
	config.TenantID = strings.TrimSpace(req.TenantID)
	config.CreatedAt = now
	config.CreatedBy = strings.TrimSpace(req.Actor)
	if config.EngineVersion == "" {
		config.EngineVersion = EngineVersion
	}
	if err := config.Validate(); err != nil {
		return domain.Run{}, err
	}
	if err := s.configs.CreateRunConfig(ctx, config); err != nil {
		return domain.Run{}, fmt.Errorf("persist run config: %w", err)
	}

	run := domain.Run{
		Base: domain.Base{
			ID:        uuid.NewString(),
			TenantID:  config.TenantID,
			CreatedAt: now,
			CreatedBy: config.CreatedBy,
			Metadata:  domain.Metadata{},
		},
		ProjectID:      project.ID,
		NodeID:         strings.TrimSpace(req.NodeID),
		RunConfigID:    config.ID,
		State:          domain.RunStateCreated,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, err
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repo.ErrConflict) && run.IdempotencyKey != "" {
			// Lost the race with a concurrent identical request.
			return s.runs.FindRunByIdempotencyKey(ctx, req.TenantID, run.IdempotencyKey)
		}
		return domain.Run{}, fmt.Errorf("persist run: %w", err)
	}

	manifest, err := domain.NewRunManifest(run.ID, run.TenantID, config.Seed, manifestConfig(config), manifestVersions(config), now)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.manifests.CreateManifest(ctx, manifest); err != nil {
		return domain.Run{}, fmt.Errorf("persist manifest: %w", err)
	}

	s.appendAudit(ctx, run.TenantID, run.CreatedBy, "run.created", "run", run.ID, map[string]any{
		"node_id":       run.NodeID,
		"run_config_id": run.RunConfigID,
		"manifest_hash": manifest.Hash,
	})
	s.logger.InfoContext(ctx, "run created",
		slog.String("run_id", run.ID),
		slog.String("node_id", run.NodeID),
		slog.String("manifest_hash", manifest.Hash))
	return run, nil
}

// manifestConfig is the exact config document hashed into the manifest.
// Field set and key names are part of the reproducibility contract.
func manifestConfig(config domain.RunConfig) map[string]any {
	return map[string]any{
		"horizon_ticks":      config.HorizonTicks,
		"agent_count":        config.AgentCount,
		"trace_sample_every": config.TraceSampleEvery,
		"scheduler_profile":  config.SchedulerProfile,
		"logging_profile":    config.LoggingProfile,
		"parameters":         map[string]any(config.Parameters),
	}
}

func manifestVersions(config domain.RunConfig) map[string]any {
	return map[string]any{
		"engine":  config.EngineVersion,
		"ruleset": config.RulesetVersion,
		"dataset": config.DatasetVersion,
	}
}

// StartRun enqueues a created run. Starting a run that is already queued or
// running is a no-op; the caller gets the run's current state.
func (s *Service) StartRun(ctx context.Context, tenantID, runID, actor string) (domain.Run, error) {
	run, err := s.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return domain.Run{}, err
	}
	switch run.State {
	case domain.RunStateQueued, domain.RunStateRunning:
		return run, nil
	case domain.RunStateCreated:
	default:
		return domain.Run{}, fmt.Errorf("%w: cannot start a %s run", ErrInvalidTransition, run.State)
	}

	if err := s.transition(ctx, &run, domain.RunStateQueued, "", actor); err != nil {
		return domain.Run{}, err
	}
	// Leaving created freezes the manifest and the project's
	// reproducibility fields.
	if err := s.manifests.FreezeManifest(ctx, tenantID, run.ID); err != nil {
		return domain.Run{}, fmt.Errorf("freeze manifest: %w", err)
	}
	if err := s.projects.MarkRunsStarted(ctx, tenantID, run.ProjectID); err != nil {
		return domain.Run{}, fmt.Errorf("mark project runs started: %w", err)
	}

	job := repo.Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Kind:        repo.JobKindExecuteRun,
		RunID:       run.ID,
		Priority:    50,
		MaxAttempts: s.cfg.MaxInfraRetries + 1,
		AvailableAt: s.now(),
		EnqueuedAt:  s.now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return domain.Run{}, fmt.Errorf("enqueue run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(run.ProjectID).Inc()
	}
	return run, nil
}

// CancelRun requests cancellation. Created and queued runs cancel
// immediately; running runs cancel at the next tick boundary when the
// worker polls the state.
func (s *Service) CancelRun(ctx context.Context, tenantID, runID, actor string) (domain.Run, error) {
	run, err := s.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: run is already %s", ErrInvalidTransition, run.State)
	}
	if run.State == domain.RunStateRunning {
		// The executing worker owns the transition; flag intent and let it
		// stop at the tick boundary.
		if err := s.runs.RequestCancel(ctx, tenantID, run.ID); err != nil {
			return domain.Run{}, fmt.Errorf("request cancel: %w", err)
		}
		s.appendAudit(ctx, tenantID, actor, "run.cancel_requested", "run", run.ID, nil)
		return run, nil
	}
	if err := s.transition(ctx, &run, domain.RunStateCanceled, "", actor); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// ExecuteRun is the worker entry point: drive one queued run through
// running to a terminal state. Redelivery of an already-terminal run is a
// no-op.
func (s *Service) ExecuteRun(ctx context.Context, tenantID, runID, workerID string) error {
	run, err := s.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		s.logger.InfoContext(ctx, "redelivered terminal run skipped",
			slog.String("run_id", run.ID), slog.String("state", string(run.State)))
		return nil
	}
	if run.State != domain.RunStateQueued {
		return fmt.Errorf("%w: cannot execute a %s run", ErrInvalidTransition, run.State)
	}

	config, err := s.configs.GetRunConfig(ctx, tenantID, run.RunConfigID)
	if err != nil {
		return fmt.Errorf("load run config: %w", err)
	}
	manifest, err := s.manifests.GetManifestByRun(ctx, tenantID, run.ID)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	if err := s.transition(ctx, &run, domain.RunStateRunning, "", workerID); err != nil {
		return err
	}
	startedAt := s.now()
	if err := s.runs.AssignWorker(ctx, tenantID, run.ID, workerID, startedAt); err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}

	if err := s.preflightSources(ctx, run); err != nil {
		return s.finishFailed(ctx, &run, workerID, err)
	}

	lastTick := s.now()
	result, execErr := s.executor.Execute(ctx, ExecuteRequest{
		Run:      run,
		Config:   config,
		WorldEnv: worldEnvironment(config),
		WorkerID: workerID,
		Budget:   s.cfg.ExecutionBudget,
		OnTick: func(ctx context.Context, tick int) error {
			now := s.now()
			if s.metrics != nil {
				s.metrics.TicksExecuted.Inc()
				s.metrics.TickDuration.Observe(now.Sub(lastTick).Seconds())
			}
			lastTick = now
			return s.runs.TouchWorkerHeartbeat(ctx, tenantID, run.ID, now)
		},
		Canceled: func(ctx context.Context) (bool, error) {
			current, err := s.runs.GetRun(ctx, tenantID, run.ID)
			if err != nil {
				return false, err
			}
			requested, _ := current.Metadata["cancel_requested"].(bool)
			return requested || current.State == domain.RunStateCanceled, nil
		},
	})
	if execErr != nil {
		return s.finishFailed(ctx, &run, workerID, execErr)
	}

	outcome, err := ExtractOutcome(run, manifest.Hash, result, s.now())
	if err != nil {
		return s.finishFailed(ctx, &run, workerID, fmt.Errorf("%s: %w", domain.FailReasonRuleError, err))
	}
	if s.committer != nil {
		if _, _, err := s.committer.CommitOutcome(ctx, outcome); err != nil {
			return s.finishFailed(ctx, &run, workerID, err)
		}
	}
	if err := s.runs.MarkHasResults(ctx, tenantID, run.ID); err != nil {
		return fmt.Errorf("mark has results: %w", err)
	}

	endedAt := s.now()
	if err := s.runs.TransitionRun(ctx, tenantID, run.ID, domain.RunStateRunning, domain.RunStateSucceeded, "", &endedAt); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(domain.RunStateSucceeded)).Inc()
	}
	s.appendAudit(ctx, tenantID, workerID, "run.succeeded", "run", run.ID, map[string]any{
		"ticks_executed": result.TicksExecuted,
		"agents_modeled": result.AgentsModeled,
	})
	s.logger.InfoContext(ctx, "run succeeded",
		slog.String("run_id", run.ID),
		slog.Int("ticks", result.TicksExecuted))
	return nil
}

// preflightSources verifies a backtest project's allowed sources against the
// capability registry before any tick executes. Refusals are recorded as
// blocked attempts and fail the run as a leakage violation.
func (s *Service) preflightSources(ctx context.Context, run domain.Run) error {
	if s.capabilities == nil {
		return nil
	}
	project, err := s.projects.GetProject(ctx, run.TenantID, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project.TemporalMode != domain.TemporalModeBacktest || project.AsOf == nil {
		return nil
	}
	caps, err := s.capabilities.ListCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("list capabilities: %w", err)
	}
	g, err := guard.New(guard.Config{
		RunID:          run.ID,
		Cutoff:         *project.AsOf,
		Enabled:        true,
		StrictMode:     true,
		IsolationLevel: project.IsolationLevel,
		Capabilities:   caps,
		Recorder:       meteredRecorder{inner: s.attempts, metrics: s.metrics},
		Now:            s.now,
	})
	if err != nil {
		return fmt.Errorf("build guard: %w", err)
	}
	return g.VerifySources(ctx, project.AllowedSources)
}

// meteredRecorder counts blocked attempts before handing them to the
// persistent recorder.
type meteredRecorder struct {
	inner   repo.LeakageRepository
	metrics *metrics.Registry
}

func (m meteredRecorder) RecordAttempt(ctx context.Context, attempt guard.Attempt) error {
	if !attempt.Allowed && m.metrics != nil {
		m.metrics.LeakageBlocks.WithLabelValues(attempt.Source).Inc()
	}
	if m.inner == nil {
		return nil
	}
	return m.inner.RecordAttempt(ctx, attempt)
}

// finishFailed maps an execution error to the failure taxonomy and lands
// the run in its terminal state.
func (s *Service) finishFailed(ctx context.Context, run *domain.Run, actor string, execErr error) error {
	endedAt := s.now()

	if errors.Is(execErr, ErrCanceled) {
		if err := s.runs.TransitionRun(ctx, run.TenantID, run.ID, domain.RunStateRunning, domain.RunStateCanceled, "", &endedAt); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RunsFinished.WithLabelValues(string(domain.RunStateCanceled)).Inc()
		}
		s.appendAudit(ctx, run.TenantID, actor, "run.canceled", "run", run.ID, nil)
		return nil
	}

	reason := domain.FailReasonRuleError
	switch {
	case errors.Is(execErr, guard.ErrLeakageViolation), errors.Is(execErr, guard.ErrSourceRefused):
		reason = domain.FailReasonLeakageViolation
	case errors.Is(execErr, ErrBudgetExceeded):
		reason = domain.FailReasonBudgetExceeded
	case errors.Is(execErr, context.DeadlineExceeded), errors.Is(execErr, context.Canceled):
		reason = domain.FailReasonInfraExhausted
	}

	if err := s.runs.TransitionRun(ctx, run.TenantID, run.ID, domain.RunStateRunning, domain.RunStateFailed, reason, &endedAt); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(domain.RunStateFailed)).Inc()
	}
	s.appendAudit(ctx, run.TenantID, actor, "run.failed", "run", run.ID, map[string]any{
		"failure_reason": reason,
		"error":          execErr.Error(),
	})
	s.logger.ErrorContext(ctx, "run failed",
		slog.String("run_id", run.ID),
		slog.String("failure_reason", reason),
		slog.String("error", execErr.Error()))
	return nil
}

// FailExhausted dead-letters a run whose queue delivery exhausted its
// bounded infra retries. A queued run passes through running so no state is
// skipped; a run already terminal is left alone.
func (s *Service) FailExhausted(ctx context.Context, tenantID, runID string) error {
	run, err := s.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	state := run.State
	if state == domain.RunStateQueued {
		if err := s.runs.TransitionRun(ctx, tenantID, run.ID, domain.RunStateQueued, domain.RunStateRunning, "", nil); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// Another worker picked the run up between delivery attempts;
				// it owns the terminal transition now.
				return nil
			}
			return fmt.Errorf("dead-letter run: %w", err)
		}
		state = domain.RunStateRunning
	}
	if state != domain.RunStateRunning {
		return fmt.Errorf("%w: cannot dead-letter a %s run", ErrInvalidTransition, state)
	}
	endedAt := s.now()
	if err := s.runs.TransitionRun(ctx, tenantID, run.ID, domain.RunStateRunning, domain.RunStateFailed, domain.FailReasonInfraExhausted, &endedAt); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return fmt.Errorf("dead-letter run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(domain.RunStateFailed)).Inc()
	}
	s.appendAudit(ctx, tenantID, "queue", "run.failed", "run", run.ID, map[string]any{
		"failure_reason": domain.FailReasonInfraExhausted,
	})
	s.logger.ErrorContext(ctx, "run failed after exhausting retries",
		slog.String("run_id", run.ID),
		slog.String("failure_reason", domain.FailReasonInfraExhausted))
	return nil
}

// ReclaimTimedOut fails running runs whose worker heartbeat went silent for
// longer than the configured timeout. Called periodically by the
// orchestrator's reclaimer loop.
func (s *Service) ReclaimTimedOut(ctx context.Context) (int, error) {
	horizon := s.now().Add(-s.cfg.HeartbeatTimeout)
	stale, err := s.runs.ListTimedOutRuns(ctx, horizon, 100)
	if err != nil {
		return 0, fmt.Errorf("list timed out runs: %w", err)
	}
	reclaimed := 0
	for _, run := range stale {
		endedAt := s.now()
		err := s.runs.TransitionRun(ctx, run.TenantID, run.ID, domain.RunStateRunning, domain.RunStateFailed, domain.FailReasonWorkerTimeout, &endedAt)
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// The worker finished between listing and reclaiming.
				continue
			}
			return reclaimed, fmt.Errorf("reclaim run %s: %w", run.ID, err)
		}
		reclaimed++
		if s.metrics != nil {
			s.metrics.RunsFinished.WithLabelValues(string(domain.RunStateFailed)).Inc()
		}
		s.appendAudit(ctx, run.TenantID, "reclaimer", "run.failed", "run", run.ID, map[string]any{
			"failure_reason": domain.FailReasonWorkerTimeout,
			"worker_id":      run.WorkerID,
		})
		s.logger.WarnContext(ctx, "run reclaimed from dead worker",
			slog.String("run_id", run.ID),
			slog.String("worker_id", run.WorkerID))
	}
	return reclaimed, nil
}

// RetryBackoff returns the redelivery delay for the given attempt number,
// doubling from the base.
func (s *Service) RetryBackoff(attempts int) time.Duration {
	backoff := s.cfg.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
	}
	return backoff
}

func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	return s.runs.GetRun(ctx, tenantID, runID)
}

func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

// transition enforces adjacency and persists the state change with an audit
// event.
func (s *Service) transition(ctx context.Context, run *domain.Run, to domain.RunState, failureReason, actor string) error {
	if !domain.CanTransitionRunState(run.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.State, to)
	}
	var endedAt *time.Time
	if to.Terminal() {
		at := s.now()
		endedAt = &at
	}
	if err := s.runs.TransitionRun(ctx, run.TenantID, run.ID, run.State, to, failureReason, endedAt); err != nil {
		return err
	}
	s.appendAudit(ctx, run.TenantID, actor, "run."+string(to), "run", run.ID, map[string]any{
		"from": string(run.State),
	})
	run.State = to
	run.EndedAt = endedAt
	return nil
}

func (s *Service) appendAudit(ctx context.Context, tenantID, actor, action, resourceType, resourceID string, payload map[string]any) {
	if s.auditDB == nil {
		return
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}
	_, err := auditlog.Append(ctx, s.auditDB, auditlog.Event{
		OccurredAt:   s.now(),
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}

// worldEnvironment derives the tick environment from run config parameters.
func worldEnvironment(config domain.RunConfig) rules.Environment {
	env := rules.Environment{
		Variables: map[string]float64{},
		MediaTone: map[string]float64{},
	}
	for key, value := range config.Parameters {
		number, ok := value.(float64)
		if !ok {
			continue
		}
		if strings.HasPrefix(key, "media_tone.") {
			env.MediaTone[strings.TrimPrefix(key, "media_tone.")] = number
			continue
		}
		env.Variables[key] = number
	}
	return env
}
