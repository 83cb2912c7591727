package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/identity"
	"github.com/populus-labs/populus-go/internal/reliability"
	"github.com/populus-labs/populus-go/internal/repo"
)

type reliabilityAPI struct {
	logger    *slog.Logger
	engine    *reliability.Service
	artifacts repo.ArtifactRepository
}

func newReliabilityAPI(logger *slog.Logger, engine *reliability.Service, artifacts repo.ArtifactRepository) *reliabilityAPI {
	return &reliabilityAPI{
		logger:    logger,
		engine:    engine,
		artifacts: artifacts,
	}
}

func (api *reliabilityAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /nodes/{node_id}/calibrate", api.handleCalibrate)
	mux.HandleFunc("POST /nodes/{node_id}/stability", api.handleStability)
	mux.HandleFunc("POST /nodes/{node_id}/drift", api.handleDrift)
	mux.HandleFunc("POST /nodes/{node_id}/score", api.handleScore)
	mux.HandleFunc("GET /nodes/{node_id}/artifacts", api.handleListArtifacts)
}

type computeRequest struct {
	MetricKey string     `json:"metric_key"`
	SplitAt   *time.Time `json:"split_at,omitempty"`
}

func (api *reliabilityAPI) decodeCompute(w http.ResponseWriter, r *http.Request) (computeRequest, bool) {
	var req computeRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid_json")
		return computeRequest{}, false
	}
	if strings.TrimSpace(req.MetricKey) == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "metric_key_required")
		return computeRequest{}, false
	}
	return req, true
}

type artifactEnvelope struct {
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
	Version    int    `json:"version"`
}

func envelope(artifact reliability.Artifact) artifactEnvelope {
	return artifactEnvelope{ArtifactID: artifact.ID, Kind: artifact.Kind, Version: artifact.Version}
}

func (api *reliabilityAPI) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	req, ok := api.decodeCompute(w, r)
	if !ok {
		return
	}
	result, artifact, err := api.engine.Calibrate(r.Context(), caller.TenantID, r.PathValue("node_id"), req.MetricKey)
	if err != nil {
		api.writeComputeError(w, r, err, "calibrate")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"result":   result,
		"artifact": envelope(artifact),
	})
}

func (api *reliabilityAPI) handleStability(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	req, ok := api.decodeCompute(w, r)
	if !ok {
		return
	}
	result, artifact, err := api.engine.Stability(r.Context(), caller.TenantID, r.PathValue("node_id"), req.MetricKey)
	if err != nil {
		api.writeComputeError(w, r, err, "stability")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"result":   result,
		"artifact": envelope(artifact),
	})
}

func (api *reliabilityAPI) handleDrift(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	req, ok := api.decodeCompute(w, r)
	if !ok {
		return
	}
	if req.SplitAt == nil {
		httpserver.WriteError(w, http.StatusBadRequest, "split_at_required")
		return
	}
	result, artifact, err := api.engine.DriftBetween(r.Context(), caller.TenantID, r.PathValue("node_id"), req.MetricKey, *req.SplitAt)
	if err != nil {
		api.writeComputeError(w, r, err, "drift")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"result":   result,
		"artifact": envelope(artifact),
	})
}

func (api *reliabilityAPI) handleScore(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	req, ok := api.decodeCompute(w, r)
	if !ok {
		return
	}
	result, artifact, err := api.engine.Score(r.Context(), caller.TenantID, r.PathValue("node_id"), req.MetricKey)
	if err != nil {
		api.writeComputeError(w, r, err, "score")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"result":   result,
		"artifact": envelope(artifact),
	})
}

type artifactResponse struct {
	ArtifactID     string          `json:"artifact_id"`
	NodeID         string          `json:"node_id"`
	Kind           string          `json:"kind"`
	Version        int             `json:"version"`
	MetricKey      string          `json:"metric_key,omitempty"`
	RunIDs         []string        `json:"run_ids,omitempty"`
	ManifestFilter string          `json:"manifest_filter,omitempty"`
	Result         json.RawMessage `json:"result"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (api *reliabilityAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	artifacts, err := api.artifacts.ListArtifacts(
		r.Context(),
		caller.TenantID,
		r.PathValue("node_id"),
		strings.TrimSpace(r.URL.Query().Get("kind")),
		queryLimit(r, 50),
	)
	if err != nil {
		api.writeComputeError(w, r, err, "list artifacts")
		return
	}
	out := make([]artifactResponse, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, artifactResponse{
			ArtifactID:     artifact.ID,
			NodeID:         artifact.NodeID,
			Kind:           artifact.Kind,
			Version:        artifact.Version,
			MetricKey:      artifact.MetricKey,
			RunIDs:         artifact.RunIDs,
			ManifestFilter: artifact.ManifestFilter,
			Result:         artifact.Result,
			CreatedAt:      artifact.CreatedAt,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (api *reliabilityAPI) caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	caller := identity.FromRequest(r)
	if caller.TenantID == "" {
		httpserver.WriteError(w, http.StatusBadRequest, "tenant_required")
		return identity.Identity{}, false
	}
	return caller, true
}

func (api *reliabilityAPI) writeComputeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, reliability.ErrMalformedHistory):
		httpserver.WriteError(w, http.StatusUnprocessableEntity, "malformed_history")
	default:
		api.logger.Error(action+" failed", "error", err, "path", r.URL.Path)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal_error")
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
