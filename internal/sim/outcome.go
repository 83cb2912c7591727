package sim

import (
	"fmt"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/rules"
)

// Metric keys emitted by outcome extraction.
const (
	MetricAdoptionShare = "adoption_share"
	MetricRejectShare   = "reject_share"
	MetricOpinionMean   = "opinion_mean"
	MetricDecisionMode  = "decision_mode"
)

// ExtractOutcome derives the normalized metric set from a finished
// execution. Pure function of the execution result: no clock, no IO, so
// identical runs extract identical outcomes.
func ExtractOutcome(run domain.Run, manifestHash string, result ExecuteResult, recordedAt time.Time) (domain.RunOutcome, error) {
	if result.Population == nil {
		return domain.RunOutcome{}, fmt.Errorf("execution result has no population")
	}
	agents := result.Population.Agents
	if len(agents) == 0 {
		return domain.RunOutcome{}, fmt.Errorf("execution result has no agents")
	}

	var adopted, rejected float64
	var opinionSum float64
	decisions := make(map[string]int)
	for _, agent := range agents {
		decision := agent.Decision
		if decision == "" {
			decision = "undecided"
		}
		decisions[decision]++
		switch decision {
		case "adopt":
			adopted++
		case "reject":
			rejected++
		}
		opinionSum += agent.Attributes[rules.AttrOpinion]
	}
	total := float64(len(agents))

	// Modal decision; ties break lexicographically for determinism.
	mode := ""
	modeCount := -1
	for decision, count := range decisions {
		if count > modeCount || (count == modeCount && decision < mode) {
			mode = decision
			modeCount = count
		}
	}

	status := domain.OutcomeStatusOK
	var flags []string
	if result.TicksExecuted == 0 {
		status = domain.OutcomeStatusDegraded
		flags = append(flags, "no_ticks_executed")
	}

	outcome := domain.RunOutcome{
		RunID:        run.ID,
		NodeID:       run.NodeID,
		TenantID:     run.TenantID,
		Status:       status,
		ManifestHash: manifestHash,
		Metrics: map[string]domain.MetricValue{
			MetricAdoptionShare: {Kind: domain.MetricContinuous, Number: adopted / total},
			MetricRejectShare:   {Kind: domain.MetricContinuous, Number: rejected / total},
			MetricOpinionMean:   {Kind: domain.MetricContinuous, Number: opinionSum / total},
			MetricDecisionMode:  {Kind: domain.MetricCategorical, Label: mode},
		},
		QualityFlags: flags,
		RecordedAt:   recordedAt,
	}
	if err := outcome.Validate(); err != nil {
		return domain.RunOutcome{}, fmt.Errorf("extracted outcome: %w", err)
	}
	return outcome, nil
}
