package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/graph"
	"github.com/populus-labs/populus-go/internal/platform/auditlog"
	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/identity"
	"github.com/populus-labs/populus-go/internal/repo"
)

type universeAPI struct {
	logger   *slog.Logger
	db       *sql.DB
	nodes    *graph.Service
	edges    repo.EdgeRepository
	outcomes repo.OutcomeRepository
}

func newUniverseAPI(logger *slog.Logger, db *sql.DB, nodes *graph.Service, edges repo.EdgeRepository, outcomes repo.OutcomeRepository) *universeAPI {
	return &universeAPI{
		logger:   logger,
		db:       db,
		nodes:    nodes,
		edges:    edges,
		outcomes: outcomes,
	}
}

func (api *universeAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects/{project_id}/roots", api.handleCreateRoot)

	mux.HandleFunc("GET /nodes", api.handleListNodes)
	mux.HandleFunc("GET /nodes/{node_id}", api.handleGetNode)
	mux.HandleFunc("POST /nodes/{node_id}/fork", api.handleForkNode)
	mux.HandleFunc("POST /nodes/{node_id}/stale", api.handleMarkStale)
	mux.HandleFunc("POST /nodes/{node_id}/prune", api.handlePruneNode)
	mux.HandleFunc("DELETE /nodes/{node_id}/prune", api.handleUnpruneNode)
	mux.HandleFunc("POST /nodes/{node_id}/report", api.handleReport)
	mux.HandleFunc("GET /nodes/{node_id}/outcomes", api.handleListOutcomes)

	mux.HandleFunc("GET /edges", api.handleListEdges)
	mux.HandleFunc("GET /compare", api.handleCompareNodes)
}

type nodeResponse struct {
	NodeID             string                               `json:"node_id"`
	ProjectID          string                               `json:"project_id"`
	ParentEdgeID       string                               `json:"parent_edge_id,omitempty"`
	PersonaSnapshotID  string                               `json:"persona_snapshot_id,omitempty"`
	RulesetVersion     string                               `json:"ruleset_version,omitempty"`
	ParameterVersion   string                               `json:"parameter_version,omitempty"`
	WorldState         map[string]any                       `json:"world_state,omitempty"`
	MinEnsembleSize    int                                  `json:"min_ensemble_size"`
	CompletedRunCount  int                                  `json:"completed_run_count"`
	IsEnsembleComplete bool                                 `json:"is_ensemble_complete"`
	AggregationMethod  string                               `json:"aggregation_method"`
	MetricMethods      map[string]domain.AggregationMethod  `json:"metric_methods,omitempty"`
	OutcomeCounts      map[string]int                       `json:"outcome_counts,omitempty"`
	OutcomeVariance    map[string]float64                   `json:"outcome_variance,omitempty"`
	AggregatedOutcome  map[string]any                       `json:"aggregated_outcome,omitempty"`
	IsStale            bool                                 `json:"is_stale"`
	StaleReason        *domain.StaleReason                  `json:"stale_reason,omitempty"`
	IsPruned           bool                                 `json:"is_pruned"`
	CreatedAt          time.Time                            `json:"created_at"`
	CreatedBy          string                               `json:"created_by,omitempty"`
}

func toNodeResponse(node domain.Node) nodeResponse {
	return nodeResponse{
		NodeID:             node.ID,
		ProjectID:          node.ProjectID,
		ParentEdgeID:       node.ParentEdgeID,
		PersonaSnapshotID:  node.PersonaSnapshotID,
		RulesetVersion:     node.RulesetVersion,
		ParameterVersion:   node.ParameterVersion,
		WorldState:         node.WorldState,
		MinEnsembleSize:    node.MinEnsembleSize,
		CompletedRunCount:  node.CompletedRunCount,
		IsEnsembleComplete: node.IsEnsembleComplete,
		AggregationMethod:  string(node.AggregationMethod),
		MetricMethods:      node.MetricMethods,
		OutcomeCounts:      node.OutcomeCounts,
		OutcomeVariance:    node.OutcomeVariance,
		AggregatedOutcome:  node.AggregatedOutcome,
		IsStale:            node.IsStale,
		StaleReason:        node.StaleReason,
		IsPruned:           node.IsPruned,
		CreatedAt:          node.CreatedAt,
		CreatedBy:          node.CreatedBy,
	}
}

type edgeResponse struct {
	EdgeID       string            `json:"edge_id"`
	ProjectID    string            `json:"project_id"`
	ParentNodeID string            `json:"parent_node_id"`
	ChildNodeID  string            `json:"child_node_id"`
	Intervention string            `json:"intervention_type"`
	Patch        *domain.NodePatch `json:"patch,omitempty"`
	ScriptRef    string            `json:"script_ref,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CreatedBy    string            `json:"created_by,omitempty"`
}

func toEdgeResponse(edge domain.Edge) edgeResponse {
	return edgeResponse{
		EdgeID:       edge.ID,
		ProjectID:    edge.ProjectID,
		ParentNodeID: edge.ParentNodeID,
		ChildNodeID:  edge.ChildNodeID,
		Intervention: string(edge.Intervention),
		Patch:        edge.Patch,
		ScriptRef:    edge.ScriptRef,
		CreatedAt:    edge.CreatedAt,
		CreatedBy:    edge.CreatedBy,
	}
}

type createRootRequest struct {
	PersonaSnapshotID string                              `json:"persona_snapshot_id,omitempty"`
	RulesetVersion    string                              `json:"ruleset_version"`
	ParameterVersion  string                              `json:"parameter_version,omitempty"`
	WorldState        map[string]any                      `json:"world_state,omitempty"`
	MinEnsembleSize   int                                 `json:"min_ensemble_size,omitempty"`
	AggregationMethod string                              `json:"aggregation_method,omitempty"`
	MetricMethods     map[string]domain.AggregationMethod `json:"metric_methods,omitempty"`
}

func (api *universeAPI) handleCreateRoot(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req createRootRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	node, err := api.nodes.CreateRoot(r.Context(), graph.RootRequest{
		TenantID:          caller.TenantID,
		ProjectID:         r.PathValue("project_id"),
		Actor:             caller.Subject,
		PersonaSnapshotID: req.PersonaSnapshotID,
		RulesetVersion:    req.RulesetVersion,
		ParameterVersion:  req.ParameterVersion,
		WorldState:        req.WorldState,
		MinEnsembleSize:   req.MinEnsembleSize,
		AggregationMethod: domain.AggregationMethod(req.AggregationMethod),
		MetricMethods:     req.MetricMethods,
	})
	if err != nil {
		api.writeStoreError(w, r, err, "create root")
		return
	}
	api.audit(r, caller, "node.root_created", "node", node.ID, map[string]any{
		"project_id": node.ProjectID,
	})
	httpserver.WriteJSON(w, http.StatusCreated, toNodeResponse(node))
}

type forkRequest struct {
	Intervention     string            `json:"intervention_type"`
	Patch            *domain.NodePatch `json:"patch,omitempty"`
	ScriptRef        string            `json:"script_ref,omitempty"`
	RulesetVersion   string            `json:"ruleset_version,omitempty"`
	ParameterVersion string            `json:"parameter_version,omitempty"`
}

func (api *universeAPI) handleForkNode(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req forkRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	child, edge, err := api.nodes.ForkNode(r.Context(), graph.ForkRequest{
		TenantID:         caller.TenantID,
		ParentNodeID:     r.PathValue("node_id"),
		Actor:            caller.Subject,
		Intervention:     domain.InterventionType(req.Intervention),
		Patch:            req.Patch,
		ScriptRef:        req.ScriptRef,
		RulesetVersion:   req.RulesetVersion,
		ParameterVersion: req.ParameterVersion,
	})
	if err != nil {
		api.writeStoreError(w, r, err, "fork node")
		return
	}
	api.audit(r, caller, "node.forked", "node", child.ID, map[string]any{
		"parent_node_id":    edge.ParentNodeID,
		"edge_id":           edge.ID,
		"intervention_type": string(edge.Intervention),
	})
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{
		"node": toNodeResponse(child),
		"edge": toEdgeResponse(edge),
	})
}

func (api *universeAPI) handleGetNode(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	node, err := api.nodes.GetNode(r.Context(), caller.TenantID, r.PathValue("node_id"))
	if err != nil {
		api.writeStoreError(w, r, err, "get node")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toNodeResponse(node))
}

func (api *universeAPI) handleListNodes(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	includePruned, _ := strconv.ParseBool(r.URL.Query().Get("include_pruned"))
	nodes, err := api.nodes.ListNodes(r.Context(), repo.NodeFilter{
		TenantID:      caller.TenantID,
		ProjectID:     strings.TrimSpace(r.URL.Query().Get("project_id")),
		IncludePruned: includePruned,
		Limit:         queryLimit(r, 200),
	})
	if err != nil {
		api.writeStoreError(w, r, err, "list nodes")
		return
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, toNodeResponse(node))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

type markStaleRequest struct {
	ChangeType string `json:"change_type"`
}

func (api *universeAPI) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req markStaleRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.ChangeType) == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "change_type_required")
		return
	}
	nodeID := r.PathValue("node_id")
	flagged, err := api.nodes.MarkStaleCascade(r.Context(), caller.TenantID, nodeID, req.ChangeType)
	if err != nil {
		api.writeStoreError(w, r, err, "mark stale")
		return
	}
	api.audit(r, caller, "node.stale_cascade", "node", nodeID, map[string]any{
		"change_type": req.ChangeType,
		"flagged":     flagged,
	})
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"flagged": flagged})
}

func (api *universeAPI) handlePruneNode(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if err := api.nodes.PruneNode(r.Context(), caller.TenantID, nodeID); err != nil {
		api.writeStoreError(w, r, err, "prune node")
		return
	}
	api.audit(r, caller, "node.pruned", "node", nodeID, nil)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "pruned": true})
}

func (api *universeAPI) handleUnpruneNode(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if err := api.nodes.UnpruneNode(r.Context(), caller.TenantID, nodeID); err != nil {
		api.writeStoreError(w, r, err, "unprune node")
		return
	}
	api.audit(r, caller, "node.unpruned", "node", nodeID, nil)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "pruned": false})
}

type reportRequest struct {
	Thresholds []graph.Threshold `json:"thresholds"`
}

func (api *universeAPI) handleReport(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	report, err := api.nodes.Report(r.Context(), caller.TenantID, r.PathValue("node_id"), req.Thresholds)
	if err != nil {
		api.writeStoreError(w, r, err, "node report")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, report)
}

type outcomeResponse struct {
	RunID        string                        `json:"run_id"`
	NodeID       string                        `json:"node_id"`
	Status       string                        `json:"status"`
	ManifestHash string                        `json:"manifest_hash"`
	Metrics      map[string]domain.MetricValue `json:"metrics"`
	QualityFlags []string                      `json:"quality_flags,omitempty"`
	RecordedAt   time.Time                     `json:"recorded_at"`
}

func (api *universeAPI) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	outcomes, err := api.outcomes.ListOutcomesByNode(r.Context(), caller.TenantID, r.PathValue("node_id"))
	if err != nil {
		api.writeStoreError(w, r, err, "list outcomes")
		return
	}
	out := make([]outcomeResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		out = append(out, outcomeResponse{
			RunID:        outcome.RunID,
			NodeID:       outcome.NodeID,
			Status:       string(outcome.Status),
			ManifestHash: outcome.ManifestHash,
			Metrics:      outcome.Metrics,
			QualityFlags: outcome.QualityFlags,
			RecordedAt:   outcome.RecordedAt,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}

func (api *universeAPI) handleListEdges(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	var edges []domain.Edge
	var err error
	if parent := strings.TrimSpace(query.Get("parent_node_id")); parent != "" {
		edges, err = api.edges.ListEdgesByParent(r.Context(), caller.TenantID, parent)
	} else if project := strings.TrimSpace(query.Get("project_id")); project != "" {
		edges, err = api.edges.ListEdgesByProject(r.Context(), caller.TenantID, project)
	} else {
		httpserver.WriteError(w, http.StatusBadRequest, "parent_node_id_or_project_id_required")
		return
	}
	if err != nil {
		api.writeStoreError(w, r, err, "list edges")
		return
	}
	out := make([]edgeResponse, 0, len(edges))
	for _, edge := range edges {
		out = append(out, toEdgeResponse(edge))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"edges": out})
}

func (api *universeAPI) handleCompareNodes(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	left := strings.TrimSpace(r.URL.Query().Get("left"))
	right := strings.TrimSpace(r.URL.Query().Get("right"))
	if left == "" || right == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "left_and_right_required")
		return
	}
	comparison, err := api.nodes.CompareNodes(r.Context(), caller.TenantID, left, right)
	if err != nil {
		api.writeStoreError(w, r, err, "compare nodes")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, comparison)
}

func (api *universeAPI) caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
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

func (api *universeAPI) writeStoreError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, graph.ErrNodePruned):
		httpserver.WriteError(w, http.StatusConflict, "node_pruned")
	case errors.Is(err, repo.ErrConflict):
		httpserver.WriteError(w, http.StatusConflict, "conflict")
	default:
		api.logger.Error(action+" failed", "error", err, "path", r.URL.Path)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal_error")
	}
}

func (api *universeAPI) audit(r *http.Request, caller identity.Identity, action, resourceType, resourceID string, payload map[string]any) {
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
