package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/guard"
	"github.com/populus-labs/populus-go/internal/platform/auditlog"
	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/identity"
	"github.com/populus-labs/populus-go/internal/platform/schema"
	"github.com/populus-labs/populus-go/internal/repo"
	"github.com/populus-labs/populus-go/internal/sim"
)

const registryMaxBytes = 1 << 20

type simcoreAPI struct {
	logger       *slog.Logger
	db           *sql.DB
	runs         *sim.Service
	projects     repo.ProjectRepository
	traces       repo.TraceRepository
	capabilities repo.CapabilityRepository
	leakage      repo.LeakageRepository
	validators   *schema.Validators
}

func newSimcoreAPI(logger *slog.Logger, db *sql.DB, runs *sim.Service, projects repo.ProjectRepository, traces repo.TraceRepository, capabilities repo.CapabilityRepository, leakage repo.LeakageRepository, validators *schema.Validators) *simcoreAPI {
	return &simcoreAPI{
		logger:       logger,
		db:           db,
		runs:         runs,
		projects:     projects,
		traces:       traces,
		capabilities: capabilities,
		leakage:      leakage,
		validators:   validators,
	}
}

func (api *simcoreAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects", api.handleCreateProject)
	mux.HandleFunc("GET /projects", api.handleListProjects)
	mux.HandleFunc("GET /projects/{project_id}", api.handleGetProject)

	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/start", api.handleStartRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/traces", api.handleListTraces)
	mux.HandleFunc("GET /runs/{run_id}/leakage-attempts", api.handleListLeakageAttempts)

	mux.HandleFunc("GET /capabilities", api.handleListCapabilities)
	mux.HandleFunc("PUT /capabilities", api.handlePutCapabilities)
}

type projectResponse struct {
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	TemporalMode   string     `json:"temporal_mode"`
	AsOf           *time.Time `json:"as_of,omitempty"`
	IsolationLevel int        `json:"isolation_level"`
	AllowedSources []string   `json:"allowed_sources,omitempty"`
	HasStartedRuns bool       `json:"has_started_runs"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by"`
}

func toProjectResponse(p domain.ProjectSpec) projectResponse {
	return projectResponse{
		ProjectID:      p.ID,
		Name:           p.Name,
		TemporalMode:   string(p.TemporalMode),
		AsOf:           p.AsOf,
		IsolationLevel: int(p.IsolationLevel),
		AllowedSources: p.AllowedSources,
		HasStartedRuns: p.HasStartedRuns,
		CreatedAt:      p.CreatedAt,
		CreatedBy:      p.CreatedBy,
	}
}

type createProjectRequest struct {
	Name           string     `json:"name"`
	TemporalMode   string     `json:"temporal_mode"`
	AsOf           *time.Time `json:"as_of,omitempty"`
	IsolationLevel int        `json:"isolation_level"`
	AllowedSources []string   `json:"allowed_sources,omitempty"`
}

func (api *simcoreAPI) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	mode := domain.TemporalMode(strings.TrimSpace(req.TemporalMode))
	if mode == "" {
		mode = domain.TemporalModeLive
	}
	level := domain.IsolationLevel(req.IsolationLevel)
	if req.IsolationLevel == 0 {
		level = domain.IsolationBasic
	}
	project := domain.ProjectSpec{
		Base: domain.Base{
			ID:        uuid.NewString(),
			TenantID:  caller.TenantID,
			CreatedAt: time.Now().UTC(),
			CreatedBy: caller.Subject,
			Metadata:  domain.Metadata{},
		},
		Name:           strings.TrimSpace(req.Name),
		TemporalMode:   mode,
		AsOf:           req.AsOf,
		IsolationLevel: level,
		AllowedSources: req.AllowedSources,
	}
	if err := project.Validate(); err != nil {
		api.logger.Warn("invalid project", "error", err)
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_project")
		return
	}
	if err := api.projects.CreateProject(r.Context(), project); err != nil {
		api.writeStoreError(w, r, err, "create project")
		return
	}
	api.audit(r, caller, "project.created", "project", project.ID, map[string]any{
		"name":            project.Name,
		"temporal_mode":   string(project.TemporalMode),
		"isolation_level": int(project.IsolationLevel),
	})
	httpserver.WriteJSON(w, http.StatusCreated, toProjectResponse(project))
}

func (api *simcoreAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	projects, err := api.projects.ListProjects(r.Context(), repo.ProjectFilter{
		TenantID: caller.TenantID,
		Name:     strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:    queryLimit(r, 100),
	})
	if err != nil {
		api.writeStoreError(w, r, err, "list projects")
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (api *simcoreAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	project, err := api.projects.GetProject(r.Context(), caller.TenantID, r.PathValue("project_id"))
	if err != nil {
		api.writeStoreError(w, r, err, "get project")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toProjectResponse(project))
}

type runConfigRequest struct {
	RulesetVersion   string         `json:"ruleset_version"`
	DatasetVersion   string         `json:"dataset_version,omitempty"`
	Seed             uint64         `json:"seed"`
	HorizonTicks     int            `json:"horizon_ticks"`
	AgentCount       int            `json:"agent_count"`
	TraceSampleEvery int            `json:"trace_sample_every,omitempty"`
	SchedulerProfile string         `json:"scheduler_profile,omitempty"`
	LoggingProfile   string         `json:"logging_profile,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

type createRunRequest struct {
	ProjectID      string           `json:"project_id"`
	NodeID         string           `json:"node_id"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Config         runConfigRequest `json:"config"`
}

type runResponse struct {
	RunID          string     `json:"run_id"`
	ProjectID      string     `json:"project_id"`
	NodeID         string     `json:"node_id"`
	RunConfigID    string     `json:"run_config_id"`
	State          string     `json:"state"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	HasResults     bool       `json:"has_results"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:          run.ID,
		ProjectID:      run.ProjectID,
		NodeID:         run.NodeID,
		RunConfigID:    run.RunConfigID,
		State:          string(run.State),
		FailureReason:  run.FailureReason,
		WorkerID:       run.WorkerID,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		HasResults:     run.HasResults,
		IdempotencyKey: run.IdempotencyKey,
		CreatedAt:      run.CreatedAt,
	}
}

func (api *simcoreAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := api.validateConfigDoc(req.Config); err != nil {
		api.logger.Warn("rejected run config", "error", err)
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_config")
		return
	}

	run, err := api.runs.CreateRun(r.Context(), sim.CreateRunRequest{
		TenantID:       caller.TenantID,
		ProjectID:      strings.TrimSpace(req.ProjectID),
		NodeID:         strings.TrimSpace(req.NodeID),
		Actor:          caller.Subject,
		IdempotencyKey: req.IdempotencyKey,
		Config: domain.RunConfig{
			RulesetVersion:   req.Config.RulesetVersion,
			DatasetVersion:   req.Config.DatasetVersion,
			Seed:             req.Config.Seed,
			HorizonTicks:     req.Config.HorizonTicks,
			AgentCount:       req.Config.AgentCount,
			TraceSampleEvery: req.Config.TraceSampleEvery,
			SchedulerProfile: req.Config.SchedulerProfile,
			LoggingProfile:   req.Config.LoggingProfile,
			Parameters:       req.Config.Parameters,
		},
	})
	if err != nil {
		api.writeStoreError(w, r, err, "create run")
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, toRunResponse(run))
}

// validateConfigDoc checks the run config document against the versioned
// schema before any domain validation runs. Optional fields with zero values
// are omitted so the schema's minimums apply only to caller-provided values.
func (api *simcoreAPI) validateConfigDoc(cfg runConfigRequest) error {
	doc := map[string]any{
		"seed":          cfg.Seed,
		"horizon_ticks": cfg.HorizonTicks,
	}
	if cfg.AgentCount > 0 {
		doc["agent_count"] = cfg.AgentCount
	}
	if cfg.TraceSampleEvery > 0 {
		doc["trace_sample_every"] = cfg.TraceSampleEvery
	}
	if cfg.SchedulerProfile != "" {
		doc["scheduler_profile"] = cfg.SchedulerProfile
	}
	if cfg.LoggingProfile != "" {
		doc["logging_profile"] = cfg.LoggingProfile
	}
	if cfg.Parameters != nil {
		doc["parameters"] = cfg.Parameters
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return api.validators.ValidateConfig(raw)
}

func (api *simcoreAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	runs, err := api.runs.ListRuns(r.Context(), repo.RunFilter{
		TenantID:  caller.TenantID,
		ProjectID: strings.TrimSpace(r.URL.Query().Get("project_id")),
		NodeID:    strings.TrimSpace(r.URL.Query().Get("node_id")),
		State:     domain.NormalizeRunState(r.URL.Query().Get("state")),
		Limit:     queryLimit(r, 100),
	})
	if err != nil {
		api.writeStoreError(w, r, err, "list runs")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *simcoreAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	run, err := api.runs.GetRun(r.Context(), caller.TenantID, r.PathValue("run_id"))
	if err != nil {
		api.writeStoreError(w, r, err, "get run")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *simcoreAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	run, err := api.runs.StartRun(r.Context(), caller.TenantID, r.PathValue("run_id"), caller.Subject)
	if err != nil {
		api.writeStoreError(w, r, err, "start run")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *simcoreAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	run, err := api.runs.CancelRun(r.Context(), caller.TenantID, r.PathValue("run_id"), caller.Subject)
	if err != nil {
		api.writeStoreError(w, r, err, "cancel run")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

type traceResponse struct {
	RunID           string              `json:"run_id"`
	Timestamp       time.Time           `json:"timestamp"`
	WorkerID        string              `json:"worker_id,omitempty"`
	ExecutionStage  string              `json:"execution_stage"`
	TickNumber      int                 `json:"tick_number"`
	AgentsProcessed int                 `json:"agents_processed"`
	EventsCount     int                 `json:"events_count"`
	DurationMs      int64               `json:"duration_ms"`
	BlobPointer     *domain.BlobPointer `json:"blob_pointer,omitempty"`
}

func (api *simcoreAPI) handleListTraces(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	traces, err := api.traces.ListTraces(r.Context(), repo.TraceFilter{
		TenantID: caller.TenantID,
		RunID:    r.PathValue("run_id"),
		Limit:    queryLimit(r, 1000),
	})
	if err != nil {
		api.writeStoreError(w, r, err, "list traces")
		return
	}
	out := make([]traceResponse, 0, len(traces))
	for _, trace := range traces {
		out = append(out, traceResponse{
			RunID:           trace.RunID,
			Timestamp:       trace.Timestamp,
			WorkerID:        trace.WorkerID,
			ExecutionStage:  trace.ExecutionStage,
			TickNumber:      trace.TickNumber,
			AgentsProcessed: trace.AgentsProcessed,
			EventsCount:     trace.EventsCount,
			DurationMs:      trace.DurationMs,
			BlobPointer:     trace.BlobPointer,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"traces": out})
}

type attemptResponse struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	DataType      string    `json:"data_type"`
	Source        string    `json:"source"`
	RequestedTime time.Time `json:"requested_time"`
	CutoffTime    time.Time `json:"cutoff_time"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"`
}

func (api *simcoreAPI) handleListLeakageAttempts(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	attempts, err := api.leakage.ListAttempts(r.Context(), r.PathValue("run_id"), queryLimit(r, 500))
	if err != nil {
		api.writeStoreError(w, r, err, "list leakage attempts")
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attemptResponse{
			RunID:         attempt.RunID,
			Timestamp:     attempt.Timestamp,
			DataType:      attempt.DataType,
			Source:        attempt.Source,
			RequestedTime: attempt.RequestedTime,
			CutoffTime:    attempt.CutoffTime,
			Allowed:       attempt.Allowed,
			Reason:        attempt.Reason,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

type capabilityResponse struct {
	Source              string    `json:"source"`
	TimestampSupport    string    `json:"timestamp_availability"`
	SafeIsolationLevels []int     `json:"safe_isolation_levels"`
	PolicyVersion       int       `json:"policy_version"`
	UpdatedAt           time.Time `json:"updated_at"`
	UpdatedBy           string    `json:"updated_by,omitempty"`
}

func (api *simcoreAPI) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.caller(w, r); !ok {
		return
	}
	capabilities, err := api.capabilities.ListCapabilities(r.Context())
	if err != nil {
		api.writeStoreError(w, r, err, "list capabilities")
		return
	}
	out := make([]capabilityResponse, 0, len(capabilities))
	for _, capability := range capabilities {
		levels := make([]int, 0, len(capability.SafeIsolationLevels))
		for _, level := range capability.SafeIsolationLevels {
			levels = append(levels, int(level))
		}
		out = append(out, capabilityResponse{
			Source:              capability.Source,
			TimestampSupport:    string(capability.TimestampSupport),
			SafeIsolationLevels: levels,
			PolicyVersion:       capability.PolicyVersion,
			UpdatedAt:           capability.UpdatedAt,
			UpdatedBy:           capability.UpdatedBy,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

// handlePutCapabilities replaces or extends the source capability registry
// from a YAML document. Each upserted source bumps its policy version and
// leaves an audit event.
func (api *simcoreAPI) handlePutCapabilities(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, registryMaxBytes))
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	capabilities, err := guard.ParseRegistry(body, time.Now().UTC())
	if err != nil {
		api.logger.Warn("rejected capability registry", "error", err)
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_registry")
		return
	}
	for _, capability := range capabilities {
		capability.UpdatedBy = caller.Subject
		if err := api.capabilities.UpsertCapability(r.Context(), capability); err != nil {
			api.writeStoreError(w, r, err, "upsert capability")
			return
		}
		api.audit(r, caller, "capability.policy_changed", "capability", capability.Source, map[string]any{
			"timestamp_availability": string(capability.TimestampSupport),
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"updated": len(capabilities)})
}

// caller resolves the forwarded identity. Every endpoint is tenant-scoped.
func (api *simcoreAPI) caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	caller := identity.FromRequest(r)
	if caller.TenantID == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "tenant_required")
		return identity.Identity{}, false
	}
	if caller.Subject == "" {
		caller.Subject = "system"
	}
	return caller, true
}

func (api *simcoreAPI) writeStoreError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, sim.ErrInvalidTransition):
		httpserver.WriteError(w, http.StatusConflict, "invalid_state")
	case errors.Is(err, repo.ErrConflict):
		httpserver.WriteError(w, http.StatusConflict, "conflict")
	default:
		api.logger.Error(action+" failed", "error", err, "path", r.URL.Path)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (api *simcoreAPI) audit(r *http.Request, caller identity.Identity, action, resourceType, resourceID string, payload map[string]any) {
	_, err := auditlog.Append(r.Context(), api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		TenantID:     caller.TenantID,
		Actor:        caller.Subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryLimit(r *http.Request, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}
	return limit
}
