package rules

import "math"

// Attribute keys the built-in rules read and write.
const (
	AttrOpinion       = "opinion"
	AttrMediaExposure = "media_exposure"
	AttrRiskTolerance = "risk_tolerance"
	AttrInfluence     = "influence"
	MemLastOpinion    = "last_opinion"
)

const SignalOpinion = "opinion_signal"

// Conformity pulls an agent's opinion toward the mean opinion signal of its
// peers. Observe phase: it only reads signals delivered from the previous
// tick.
type Conformity struct {
	// Strength in [0,1]; the fraction of the gap closed per tick.
	Strength float64
}

func (Conformity) Name() string  { return "conformity_to_peer_signal" }
func (Conformity) Phase() Phase  { return PhaseObserve }
func (Conformity) Priority() int { return PriorityNormal }

func (r Conformity) AppliesTo(ctx RuleContext) bool {
	return len(ctx.Signals) > 0
}

func (r Conformity) Evaluate(ctx RuleContext) (RuleResult, error) {
	var sum float64
	var count int
	for _, sig := range ctx.Signals {
		if sig.Name != SignalOpinion {
			continue
		}
		sum += sig.Value
		count++
	}
	if count == 0 {
		return NoOp(), nil
	}
	current, ok := ctx.Agent.Attributes[AttrOpinion]
	if !ok {
		return NoOp(), nil
	}
	peerMean := sum / float64(count)
	updated := current + r.Strength*(peerMean-current)
	return RuleResult{
		StateUpdates: map[string]float64{AttrOpinion: clamp(updated, -1, 1)},
		Telemetry:    map[string]float64{"conformity_shift": math.Abs(updated - current)},
	}, nil
}

// MediaDecay attenuates accumulated media exposure each tick and folds the
// current environment media tone into the agent's opinion, scaled by the
// remaining exposure.
type MediaDecay struct {
	// HalfLifeTicks controls exponential decay of exposure.
	HalfLifeTicks float64
	ToneWeight    float64
}

func (MediaDecay) Name() string  { return "media_influence_decay" }
func (MediaDecay) Phase() Phase  { return PhaseEvaluate }
func (MediaDecay) Priority() int { return PriorityHigh }

func (r MediaDecay) AppliesTo(ctx RuleContext) bool {
	_, ok := ctx.Agent.Attributes[AttrMediaExposure]
	return ok
}

func (r MediaDecay) Evaluate(ctx RuleContext) (RuleResult, error) {
	exposure := ctx.Agent.Attributes[AttrMediaExposure]
	if r.HalfLifeTicks <= 0 {
		return NoOp(), nil
	}
	decayed := exposure * math.Exp2(-1/r.HalfLifeTicks)

	updates := map[string]float64{AttrMediaExposure: decayed}
	if tone, ok := ctx.Environment.MediaTone["default"]; ok {
		if opinion, hasOpinion := ctx.Agent.Attributes[AttrOpinion]; hasOpinion {
			updates[AttrOpinion] = clamp(opinion+r.ToneWeight*tone*decayed, -1, 1)
		}
	}
	return RuleResult{StateUpdates: updates}, nil
}

// LossAversion weights an agent's decision by asymmetric sensitivity to
// downside: agents require the expected upside to exceed the downside by
// the aversion factor before committing to "adopt".
type LossAversion struct {
	// Lambda > 1 is the classic loss-aversion coefficient.
	Lambda float64
}

func (LossAversion) Name() string  { return "loss_aversion_decision" }
func (LossAversion) Phase() Phase  { return PhaseDecide }
func (LossAversion) Priority() int { return PriorityNormal }

func (r LossAversion) AppliesTo(ctx RuleContext) bool {
	_, ok := ctx.Agent.Attributes[AttrOpinion]
	return ok
}

func (r LossAversion) Evaluate(ctx RuleContext) (RuleResult, error) {
	opinion := ctx.Agent.Attributes[AttrOpinion]
	tolerance, ok := ctx.Agent.Attributes[AttrRiskTolerance]
	if !ok {
		tolerance = 0.5
	}
	lambda := r.Lambda
	if lambda <= 0 {
		lambda = 2.25
	}

	upside := math.Max(opinion, 0)
	downside := math.Max(-opinion, 0)
	utility := upside - lambda*downside

	// The derived draw breaks near-threshold cases deterministically.
	noise := (ctx.Rand(r.Name(), "threshold") - 0.5) * 0.1
	decision := "hold"
	if utility+noise > 1-tolerance {
		decision = "adopt"
	} else if utility+noise < -(1 - tolerance) {
		decision = "reject"
	}
	return RuleResult{
		Decision:      decision,
		DecisionSet:   true,
		MemoryUpdates: map[string]float64{MemLastOpinion: opinion},
	}, nil
}

// Propagation broadcasts the agent's opinion to its social network, scaled
// by its influence attribute. Act phase, final priority, so it sees the
// decisions made earlier in the tick.
type Propagation struct {
	// MinInfluence suppresses broadcast from negligible influencers.
	MinInfluence float64
}

func (Propagation) Name() string  { return "social_network_propagation" }
func (Propagation) Phase() Phase  { return PhaseAct }
func (Propagation) Priority() int { return PriorityFinal }

func (r Propagation) AppliesTo(ctx RuleContext) bool {
	influence, ok := ctx.Agent.Attributes[AttrInfluence]
	return ok && influence >= r.MinInfluence
}

func (r Propagation) Evaluate(ctx RuleContext) (RuleResult, error) {
	opinion, ok := ctx.Agent.Attributes[AttrOpinion]
	if !ok {
		return NoOp(), nil
	}
	influence := ctx.Agent.Attributes[AttrInfluence]
	return RuleResult{
		Signals: []Signal{{
			Name:  SignalOpinion,
			Value: clamp(opinion*influence, -1, 1),
		}},
		Telemetry: map[string]float64{"signals_emitted": 1},
	}, nil
}

// DecisionCensus is the optional aggregate-phase rule: it counts the
// population's decisions, including those made this tick, into tick
// telemetry.
type DecisionCensus struct{}

func (DecisionCensus) Name() string  { return "decision_census" }
func (DecisionCensus) Phase() Phase  { return PhaseAggregate }
func (DecisionCensus) Priority() int { return PriorityFinal }

func (DecisionCensus) AppliesTo(ctx RuleContext) bool {
	return len(ctx.PeerStates) > 0
}

func (DecisionCensus) Evaluate(ctx RuleContext) (RuleResult, error) {
	counts := make(map[string]float64)
	for _, agent := range ctx.PeerStates {
		decision := agent.Decision
		if decision == "" {
			decision = "undecided"
		}
		counts["decision."+decision]++
	}
	return RuleResult{Telemetry: counts}, nil
}

// DefaultRuleSet registers the built-in society-mode rules with their
// standard tuning.
func DefaultRuleSet(engine *Engine) error {
	defaults := []Rule{
		Conformity{Strength: 0.3},
		MediaDecay{HalfLifeTicks: 12, ToneWeight: 0.2},
		LossAversion{Lambda: 2.25},
		Propagation{MinInfluence: 0.05},
		DecisionCensus{},
	}
	for _, rule := range defaults {
		if err := engine.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
