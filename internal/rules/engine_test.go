package rules

import (
	"fmt"
	"testing"
)

type recordingRule struct {
	name     string
	phase    Phase
	priority int
	log      *[]string
}

func (r recordingRule) Name() string              { return r.name }
func (r recordingRule) Phase() Phase              { return r.phase }
func (r recordingRule) Priority() int             { return r.priority }
func (r recordingRule) AppliesTo(RuleContext) bool { return true }

func (r recordingRule) Evaluate(ctx RuleContext) (RuleResult, error) {
	*r.log = append(*r.log, r.name)
	return NoOp(), nil
}

func singleAgentPopulation() *Population {
	return NewPopulation([]AgentState{{
		AgentID:    "a1",
		Attributes: map[string]float64{AttrOpinion: 0.5},
	}}, nil)
}

func TestSchedulePhaseThenPriorityThenRegistration(t *testing.T) {
	var log []string
	engine := NewEngine()
	register := func(name string, phase Phase, priority int) {
		if err := engine.Register(recordingRule{name: name, phase: phase, priority: priority, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	register("act_normal", PhaseAct, PriorityNormal)
	register("observe_low", PhaseObserve, PriorityLow)
	register("observe_critical", PhaseObserve, PriorityCritical)
	register("decide_tie_first", PhaseDecide, PriorityNormal)
	register("decide_tie_second", PhaseDecide, PriorityNormal)

	if _, err := engine.Tick(0, 1, singleAgentPopulation(), Environment{}); err != nil {
		t.Fatalf("tick: %v", err)
	}

	want := []string{"observe_critical", "observe_low", "decide_tie_first", "decide_tie_second", "act_normal"}
	if len(log) != len(want) {
		t.Fatalf("expected %d evaluations, got %d (%v)", len(want), len(log), log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s (full order %v)", i, want[i], log[i], log)
		}
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	var log []string
	engine := NewEngine()
	rule := recordingRule{name: "dup", phase: PhaseObserve, priority: PriorityNormal, log: &log}
	if err := engine.Register(rule); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := engine.Register(rule); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestSignalsDeliveredNextTick(t *testing.T) {
	engine := NewEngine()
	if err := engine.Register(Propagation{}); err != nil {
		t.Fatalf("register propagation: %v", err)
	}
	if err := engine.Register(Conformity{Strength: 1}); err != nil {
		t.Fatalf("register conformity: %v", err)
	}

	pop := NewPopulation([]AgentState{
		{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 1, AttrInfluence: 1}},
		{AgentID: "a2", Attributes: map[string]float64{AttrOpinion: 0, AttrInfluence: 0}},
	}, map[string][]string{"a1": {"a2"}, "a2": {"a1"}})

	if _, err := engine.Tick(0, 42, pop, Environment{}); err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	if got := pop.Agents[1].Attributes[AttrOpinion]; got != 0 {
		t.Fatalf("signal leaked into the emitting tick: a2 opinion = %v", got)
	}

	if _, err := engine.Tick(1, 42, pop, Environment{}); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := pop.Agents[1].Attributes[AttrOpinion]; got != 1 {
		t.Fatalf("expected a2 pulled to 1 by tick-0 signal, got %v", got)
	}
}

func TestTickDeterministicAcrossRuns(t *testing.T) {
	runOnce := func() []AgentState {
		engine := NewEngine()
		if err := DefaultRuleSet(engine); err != nil {
			t.Fatalf("default rules: %v", err)
		}
		agents := make([]AgentState, 0, 8)
		neighbors := make(map[string][]string)
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("agent-%d", i)
			agents = append(agents, AgentState{
				AgentID: id,
				Attributes: map[string]float64{
					AttrOpinion:       float64(i%5)/4 - 0.5,
					AttrInfluence:     0.5,
					AttrMediaExposure: 1,
					AttrRiskTolerance: 0.4,
				},
			})
			neighbors[id] = []string{fmt.Sprintf("agent-%d", (i+1)%8)}
		}
		pop := NewPopulation(agents, neighbors)
		env := Environment{MediaTone: map[string]float64{"default": 0.1}}
		for tick := 0; tick < 50; tick++ {
			if _, err := engine.Tick(tick, 42, pop, env); err != nil {
				t.Fatalf("tick %d: %v", tick, err)
			}
		}
		return pop.Agents
	}

	first := runOnce()
	second := runOnce()
	for i := range first {
		for k, v := range first[i].Attributes {
			if second[i].Attributes[k] != v {
				t.Fatalf("agent %s attribute %s diverged: %v vs %v", first[i].AgentID, k, v, second[i].Attributes[k])
			}
		}
		if first[i].Decision != second[i].Decision {
			t.Fatalf("agent %s decision diverged: %q vs %q", first[i].AgentID, first[i].Decision, second[i].Decision)
		}
	}
}

type fixedDecision struct{ decision string }

func (r fixedDecision) Name() string               { return "fixed_decision" }
func (r fixedDecision) Phase() Phase               { return PhaseDecide }
func (r fixedDecision) Priority() int              { return PriorityNormal }
func (r fixedDecision) AppliesTo(RuleContext) bool { return true }
func (r fixedDecision) Evaluate(RuleContext) (RuleResult, error) {
	return RuleResult{DecisionSet: true, Decision: r.decision}, nil
}

func TestCensusCountsDecisionsMadeThisTick(t *testing.T) {
	engine := NewEngine()
	if err := engine.Register(fixedDecision{decision: "adopt"}); err != nil {
		t.Fatalf("register decide rule: %v", err)
	}
	if err := engine.Register(DecisionCensus{}); err != nil {
		t.Fatalf("register census: %v", err)
	}

	pop := NewPopulation([]AgentState{
		{AgentID: "a1", Attributes: map[string]float64{AttrOpinion: 0.2}},
		{AgentID: "a2", Attributes: map[string]float64{AttrOpinion: -0.3}},
	}, nil)

	result, err := engine.Tick(0, 7, pop, Environment{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := result.Telemetry["decision.adopt"]; got != 2 {
		t.Fatalf("census missed same-tick decisions: decision.adopt = %v, want 2", got)
	}
	if got := result.Telemetry["decision.undecided"]; got != 0 {
		t.Fatalf("stale census counted undecided agents: %v", got)
	}
}

type failingRule struct{}

func (failingRule) Name() string               { return "failing" }
func (failingRule) Phase() Phase               { return PhaseUpdate }
func (failingRule) Priority() int              { return PriorityNormal }
func (failingRule) AppliesTo(RuleContext) bool { return true }
func (failingRule) Evaluate(RuleContext) (RuleResult, error) {
	return RuleResult{}, fmt.Errorf("programming error")
}

func TestTickSurfacesRuleErrors(t *testing.T) {
	engine := NewEngine()
	if err := engine.Register(failingRule{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := engine.Tick(3, 1, singleAgentPopulation(), Environment{}); err == nil {
		t.Fatalf("expected rule error to abort the tick")
	}
}
