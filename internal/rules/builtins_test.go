package rules

import (
	"math"
	"testing"
)

func TestConformityNoOpWithoutOpinionSignals(t *testing.T) {
	rule := Conformity{Strength: 0.5}
	ctx := RuleContext{
		Agent:   AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 0.2}},
		Signals: []Signal{{Name: "unrelated", Value: 3}},
	}
	result, err := rule.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.IsNoOp() {
		t.Fatalf("expected no-op for unrelated signals, got %+v", result)
	}
}

func TestConformityPullsTowardPeerMean(t *testing.T) {
	rule := Conformity{Strength: 0.5}
	ctx := RuleContext{
		Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 0}},
		Signals: []Signal{
			{Name: SignalOpinion, Value: 0.8},
			{Name: SignalOpinion, Value: 0.4},
		},
	}
	result, err := rule.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := result.StateUpdates[AttrOpinion]
	if math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("expected opinion 0.3 (half the gap to peer mean 0.6), got %v", got)
	}
}

func TestMediaDecayMissingExposureIsGated(t *testing.T) {
	rule := MediaDecay{HalfLifeTicks: 10, ToneWeight: 0.2}
	ctx := RuleContext{Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{}}}
	if rule.AppliesTo(ctx) {
		t.Fatalf("rule should not apply without a media exposure attribute")
	}
}

func TestMediaDecayHalvesAtHalfLife(t *testing.T) {
	rule := MediaDecay{HalfLifeTicks: 1}
	ctx := RuleContext{
		Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrMediaExposure: 1}},
	}
	result, err := rule.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := result.StateUpdates[AttrMediaExposure]
	if math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected exposure halved after one half-life tick, got %v", got)
	}
}

func TestLossAversionAsymmetry(t *testing.T) {
	rule := LossAversion{Lambda: 2.25}

	positive := RuleContext{
		Seed:  42,
		Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 0.9, AttrRiskTolerance: 0.9}},
	}
	result, err := rule.Evaluate(positive)
	if err != nil {
		t.Fatalf("evaluate positive: %v", err)
	}
	if result.Decision != "adopt" {
		t.Fatalf("expected strong positive opinion to adopt, got %q", result.Decision)
	}

	// A mirrored negative opinion is weighted by lambda, so it rejects even
	// though the magnitude matches the adopting case.
	negative := RuleContext{
		Seed:  42,
		Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: -0.9, AttrRiskTolerance: 0.9}},
	}
	result, err = rule.Evaluate(negative)
	if err != nil {
		t.Fatalf("evaluate negative: %v", err)
	}
	if result.Decision != "reject" {
		t.Fatalf("expected loss-averse rejection, got %q", result.Decision)
	}
}

func TestPropagationScalesByInfluence(t *testing.T) {
	rule := Propagation{MinInfluence: 0.1}

	weak := RuleContext{Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 1, AttrInfluence: 0.01}}}
	if rule.AppliesTo(weak) {
		t.Fatalf("negligible influencer should not broadcast")
	}

	strong := RuleContext{Agent: AgentState{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 0.5, AttrInfluence: 0.5}}}
	result, err := rule.Evaluate(strong)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(result.Signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(result.Signals))
	}
	if got := result.Signals[0].Value; math.Abs(got-0.25) > 1e-12 {
		t.Fatalf("expected signal 0.25, got %v", got)
	}
}

func TestDecisionCensusCounts(t *testing.T) {
	rule := DecisionCensus{}
	ctx := RuleContext{PeerStates: []AgentState{
		{AgentID: "a1", Decision: "adopt"},
		{AgentID: "a2", Decision: "adopt"},
		{AgentID: "a3", Decision: "reject"},
		{AgentID: "a4"},
	}}
	result, err := rule.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Telemetry["decision.adopt"] != 2 || result.Telemetry["decision.reject"] != 1 || result.Telemetry["decision.undecided"] != 1 {
		t.Fatalf("unexpected census: %v", result.Telemetry)
	}
}
