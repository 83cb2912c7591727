// Package graph implements the universe map: a versioned tree of scenario
// nodes connected by causal edges. Nodes fork, they never mutate; ensemble
// aggregation and staleness propagation are the only writes after creation.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/repo"
)

// ErrNodePruned is returned when an operation targets a pruned node.
var ErrNodePruned = errors.New("node is pruned")

type Service struct {
	nodes    repo.NodeRepository
	edges    repo.EdgeRepository
	outcomes repo.OutcomeRepository
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(nodes repo.NodeRepository, edges repo.EdgeRepository, outcomes repo.OutcomeRepository, registry *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		nodes:    nodes,
		edges:    edges,
		outcomes: outcomes,
		metrics:  registry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RootRequest creates the first node of a project's universe map.
type RootRequest struct {
	TenantID          string
	ProjectID         string
	Actor             string
	PersonaSnapshotID string
	RulesetVersion    string
	ParameterVersion  string
	WorldState        domain.Metadata
	MinEnsembleSize   int
	AggregationMethod domain.AggregationMethod
	MetricMethods     map[string]domain.AggregationMethod
}

func (s *Service) CreateRoot(ctx context.Context, req RootRequest) (domain.Node, error) {
	node := domain.Node{
		Base: domain.Base{
			ID:        uuid.NewString(),
			TenantID:  strings.TrimSpace(req.TenantID),
			CreatedAt: s.now(),
			CreatedBy: strings.TrimSpace(req.Actor),
			Metadata:  domain.Metadata{},
		},
		ProjectID:         strings.TrimSpace(req.ProjectID),
		PersonaSnapshotID: strings.TrimSpace(req.PersonaSnapshotID),
		RulesetVersion:    strings.TrimSpace(req.RulesetVersion),
		ParameterVersion:  strings.TrimSpace(req.ParameterVersion),
		WorldState:        req.WorldState.Clone(),
		MinEnsembleSize:   req.MinEnsembleSize,
		AggregationMethod: req.AggregationMethod,
		MetricMethods:     req.MetricMethods,
	}
	if node.MinEnsembleSize == 0 {
		node.MinEnsembleSize = domain.DefaultMinEnsembleSize
	}
	if node.AggregationMethod == "" {
		node.AggregationMethod = domain.AggregateMean
	}
	if err := node.Validate(); err != nil {
		return domain.Node{}, err
	}
	if err := s.nodes.CreateNode(ctx, node); err != nil {
		return domain.Node{}, fmt.Errorf("create root node: %w", err)
	}
	s.logger.InfoContext(ctx, "universe root created",
		slog.String("node_id", node.ID),
		slog.String("project_id", node.ProjectID))
	return node, nil
}

// ForkRequest derives a child node from a parent through one intervention.
type ForkRequest struct {
	TenantID     string
	ParentNodeID string
	Actor        string
	Intervention domain.InterventionType
	Patch        *domain.NodePatch
	ScriptRef    string
	// RulesetVersion and ParameterVersion override the parent's provenance
	// when the fork changes them; empty means inherit.
	RulesetVersion   string
	ParameterVersion string
}

// ForkNode creates a child node and its connecting edge. The parent row is
// never touched: the child gets a deep copy of the parent world state with
// the patch values applied on top.
func (s *Service) ForkNode(ctx context.Context, req ForkRequest) (domain.Node, domain.Edge, error) {
	parent, err := s.nodes.GetNode(ctx, req.TenantID, req.ParentNodeID)
	if err != nil {
		return domain.Node{}, domain.Edge{}, fmt.Errorf("load parent node: %w", err)
	}
	if parent.IsPruned {
		return domain.Node{}, domain.Edge{}, ErrNodePruned
	}

	worldState := parent.WorldState.Clone()
	if req.Patch != nil {
		for key, value := range req.Patch.Values {
			worldState[key] = value
		}
	}

	childID := uuid.NewString()
	edge := domain.Edge{
		Base: domain.Base{
			ID:        uuid.NewString(),
			TenantID:  parent.TenantID,
			CreatedAt: s.now(),
			CreatedBy: strings.TrimSpace(req.Actor),
			Metadata:  domain.Metadata{},
		},
		ProjectID:    parent.ProjectID,
		ParentNodeID: parent.ID,
		ChildNodeID:  childID,
		Intervention: req.Intervention,
		Patch:        req.Patch,
		ScriptRef:    strings.TrimSpace(req.ScriptRef),
	}
	if err := edge.Validate(); err != nil {
		return domain.Node{}, domain.Edge{}, err
	}

	child := domain.Node{
		Base: domain.Base{
			ID:        childID,
			TenantID:  parent.TenantID,
			CreatedAt: s.now(),
			CreatedBy: strings.TrimSpace(req.Actor),
			Metadata:  domain.Metadata{},
		},
		ProjectID:         parent.ProjectID,
		ParentEdgeID:      edge.ID,
		PersonaSnapshotID: parent.PersonaSnapshotID,
		RulesetVersion:    parent.RulesetVersion,
		ParameterVersion:  parent.ParameterVersion,
		WorldState:        worldState,
		MinEnsembleSize:   parent.MinEnsembleSize,
		AggregationMethod: parent.AggregationMethod,
		MetricMethods:     parent.MetricMethods,
	}
	if v := strings.TrimSpace(req.RulesetVersion); v != "" {
		child.RulesetVersion = v
	}
	if v := strings.TrimSpace(req.ParameterVersion); v != "" {
		child.ParameterVersion = v
	}
	if err := child.Validate(); err != nil {
		return domain.Node{}, domain.Edge{}, err
	}

	if err := s.edges.CreateEdge(ctx, edge); err != nil {
		return domain.Node{}, domain.Edge{}, fmt.Errorf("create edge: %w", err)
	}
	if err := s.nodes.CreateNode(ctx, child); err != nil {
		return domain.Node{}, domain.Edge{}, fmt.Errorf("create child node: %w", err)
	}
	s.logger.InfoContext(ctx, "node forked",
		slog.String("parent_node_id", parent.ID),
		slog.String("child_node_id", child.ID),
		slog.String("intervention", string(req.Intervention)))
	return child, edge, nil
}

func (s *Service) GetNode(ctx context.Context, tenantID, nodeID string) (domain.Node, error) {
	return s.nodes.GetNode(ctx, tenantID, nodeID)
}

func (s *Service) ListNodes(ctx context.Context, filter repo.NodeFilter) ([]domain.Node, error) {
	return s.nodes.ListNodes(ctx, filter)
}

// CommitOutcome folds one run outcome into its node's ensemble. Redelivered
// commits for an already-recorded run are absorbed silently: the aggregate
// is recomputed from the full set, so a duplicate changes nothing.
func (s *Service) CommitOutcome(ctx context.Context, outcome domain.RunOutcome) (domain.Node, bool, error) {
	node, completedNow, err := s.nodes.CommitOutcome(ctx, outcome, Aggregate)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			s.logger.WarnContext(ctx, "duplicate outcome commit absorbed",
				slog.String("run_id", outcome.RunID),
				slog.String("node_id", outcome.NodeID))
			return node, false, nil
		}
		return domain.Node{}, false, err
	}
	if s.metrics != nil {
		s.metrics.EnsembleCommits.Inc()
	}
	if completedNow {
		s.logger.InfoContext(ctx, "ensemble complete",
			slog.String("node_id", node.ID),
			slog.Int("completed_runs", node.CompletedRunCount),
			slog.Int("min_ensemble_size", node.MinEnsembleSize))
	}
	return node, completedNow, nil
}

// MarkStaleCascade flags every descendant of the changed node as stale. The
// changed node itself keeps its data; staleness means an ancestor's
// assumptions no longer hold downstream.
func (s *Service) MarkStaleCascade(ctx context.Context, tenantID, nodeID, changeType string) (int, error) {
	changedAt := s.now()
	reason := domain.StaleReason{
		AncestorNodeID: strings.TrimSpace(nodeID),
		ChangeType:     strings.TrimSpace(changeType),
		ChangedAt:      changedAt,
	}

	flagged := 0
	frontier := []string{strings.TrimSpace(nodeID)}
	visited := map[string]struct{}{}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}

		children, err := s.edges.ListEdgesByParent(ctx, tenantID, current)
		if err != nil {
			return flagged, fmt.Errorf("list children of %s: %w", current, err)
		}
		for _, edge := range children {
			if err := s.nodes.MarkStale(ctx, tenantID, edge.ChildNodeID, reason); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return flagged, fmt.Errorf("mark %s stale: %w", edge.ChildNodeID, err)
			}
			flagged++
			frontier = append(frontier, edge.ChildNodeID)
		}
	}
	s.logger.InfoContext(ctx, "staleness propagated",
		slog.String("ancestor_node_id", nodeID),
		slog.String("change_type", changeType),
		slog.Int("flagged", flagged))
	return flagged, nil
}

// PruneNode hides a node from default listings. Data is retained; pruning is
// reversible.
func (s *Service) PruneNode(ctx context.Context, tenantID, nodeID string) error {
	return s.nodes.SetPruned(ctx, tenantID, nodeID, true)
}

func (s *Service) UnpruneNode(ctx context.Context, tenantID, nodeID string) error {
	return s.nodes.SetPruned(ctx, tenantID, nodeID, false)
}
