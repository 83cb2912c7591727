// Package rules implements the deterministic per-tick agent transformation
// engine. No generative model is ever invoked inside the tick loop; rules
// are pure functions of their context and the run seed.
package rules

import (
	"fmt"
	"sort"
)

// Phase orders rule execution within a tick. Phases always run in the
// declared sequence; Aggregate is optional population-level post-processing.
type Phase int

const (
	PhaseObserve Phase = iota
	PhaseEvaluate
	PhaseDecide
	PhaseAct
	PhaseUpdate
	PhaseAggregate
)

var phaseNames = map[Phase]string{
	PhaseObserve:   "observe",
	PhaseEvaluate:  "evaluate",
	PhaseDecide:    "decide",
	PhaseAct:       "act",
	PhaseUpdate:    "update",
	PhaseAggregate: "aggregate",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Priorities within a phase; lower runs first, ties break by registration
// order.
const (
	PriorityCritical = 0
	PriorityHigh     = 10
	PriorityNormal   = 50
	PriorityLow      = 90
	PriorityFinal    = 100
)

// Rule is the closed contract every rule implements. AppliesTo gates
// execution; Evaluate must be a pure function of (context, seed) and must
// return NoOp for expected edge cases rather than failing.
type Rule interface {
	Name() string
	Phase() Phase
	Priority() int
	AppliesTo(ctx RuleContext) bool
	Evaluate(ctx RuleContext) (RuleResult, error)
}

type registration struct {
	rule  Rule
	order int
}

// Engine executes a registered rule set over an agent population, one tick
// at a time.
type Engine struct {
	registrations []registration
}

func NewEngine() *Engine {
	return &Engine{}
}

// Register adds a rule to the engine. Registration order is the final
// tie-breaker in the execution sort, so registering the same set in the
// same order always yields the same schedule.
func (e *Engine) Register(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.Name() == "" {
		return fmt.Errorf("rule name is required")
	}
	for _, existing := range e.registrations {
		if existing.rule.Name() == rule.Name() {
			return fmt.Errorf("rule %q already registered", rule.Name())
		}
	}
	e.registrations = append(e.registrations, registration{rule: rule, order: len(e.registrations)})
	return nil
}

// schedule returns the rules for one phase sorted by (priority,
// registration order).
func (e *Engine) schedule(phase Phase) []Rule {
	var regs []registration
	for _, reg := range e.registrations {
		if reg.rule.Phase() == phase {
			regs = append(regs, reg)
		}
	}
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].rule.Priority() != regs[j].rule.Priority() {
			return regs[i].rule.Priority() < regs[j].rule.Priority()
		}
		return regs[i].order < regs[j].order
	})
	rules := make([]Rule, len(regs))
	for i, reg := range regs {
		rules[i] = reg.rule
	}
	return rules
}

// TickResult summarizes one executed tick.
type TickResult struct {
	Tick            int
	AgentsProcessed int
	EventsCount     int
	Telemetry       map[string]float64
}

// Population is the engine's working set for one run.
type Population struct {
	Agents []AgentState
	// Neighbors maps an agent id to the ids of its social-network peers.
	Neighbors map[string][]string
	// pendingSignals holds signals emitted this tick for delivery next tick.
	pendingSignals map[string][]Signal
	inboxSignals   map[string][]Signal
}

func NewPopulation(agents []AgentState, neighbors map[string][]string) *Population {
	return &Population{
		Agents:         agents,
		Neighbors:      neighbors,
		pendingSignals: make(map[string][]Signal),
		inboxSignals:   make(map[string][]Signal),
	}
}

// Tick runs every phase over every agent exactly once. Agents are processed
// in slice order against a peer-state snapshot taken at tick start, so
// results do not depend on mutation order within the tick.
func (e *Engine) Tick(tick int, seed uint64, pop *Population, env Environment) (TickResult, error) {
	if pop == nil {
		return TickResult{}, fmt.Errorf("population is required")
	}

	snapshot := make(map[string]AgentState, len(pop.Agents))
	for _, agent := range pop.Agents {
		snapshot[agent.AgentID] = agent.Clone()
	}

	result := TickResult{Tick: tick, Telemetry: make(map[string]float64)}

	for _, phase := range []Phase{PhaseObserve, PhaseEvaluate, PhaseDecide, PhaseAct, PhaseUpdate} {
		for _, rule := range e.schedule(phase) {
			for i := range pop.Agents {
				ctx := RuleContext{
					Tick:        tick,
					Seed:        seed,
					Agent:       pop.Agents[i].Clone(),
					Environment: env,
					Signals:     pop.inboxSignals[pop.Agents[i].AgentID],
					PeerStates:  pop.peerSnapshot(pop.Agents[i].AgentID, snapshot),
				}
				if !rule.AppliesTo(ctx) {
					continue
				}
				ruleResult, err := rule.Evaluate(ctx)
				if err != nil {
					return TickResult{}, fmt.Errorf("rule %q tick %d agent %s: %w", rule.Name(), tick, pop.Agents[i].AgentID, err)
				}
				e.apply(&pop.Agents[i], ruleResult, pop, &result)
			}
		}
	}

	// Aggregate rules see the population as it stands after the update
	// phase, so census telemetry reflects decisions made this tick.
	for _, rule := range e.schedule(PhaseAggregate) {
		ctx := RuleContext{
			Tick:        tick,
			Seed:        seed,
			Environment: env,
			PeerStates:  pop.currentStates(),
		}
		if !rule.AppliesTo(ctx) {
			continue
		}
		ruleResult, err := rule.Evaluate(ctx)
		if err != nil {
			return TickResult{}, fmt.Errorf("rule %q tick %d aggregate: %w", rule.Name(), tick, err)
		}
		for k, v := range ruleResult.Telemetry {
			result.Telemetry[k] = v
		}
	}

	pop.rotateSignals()
	result.AgentsProcessed = len(pop.Agents)
	return result, nil
}

func (e *Engine) apply(agent *AgentState, r RuleResult, pop *Population, tick *TickResult) {
	for k, v := range r.StateUpdates {
		if agent.Attributes == nil {
			agent.Attributes = make(map[string]float64)
		}
		agent.Attributes[k] = v
	}
	for k, v := range r.MemoryUpdates {
		if agent.Memory == nil {
			agent.Memory = make(map[string]float64)
		}
		agent.Memory[k] = v
	}
	if r.DecisionSet {
		agent.Decision = r.Decision
	}
	for _, sig := range r.Signals {
		sig.Origin = agent.AgentID
		for _, peerID := range pop.Neighbors[agent.AgentID] {
			pop.pendingSignals[peerID] = append(pop.pendingSignals[peerID], sig)
		}
		tick.EventsCount++
	}
	tick.EventsCount += len(r.Actions)
	for k, v := range r.Telemetry {
		tick.Telemetry[k] += v
	}
}

func (p *Population) peerSnapshot(agentID string, snapshot map[string]AgentState) []AgentState {
	ids := p.Neighbors[agentID]
	if len(ids) == 0 {
		return nil
	}
	peers := make([]AgentState, 0, len(ids))
	for _, id := range ids {
		if state, ok := snapshot[id]; ok {
			peers = append(peers, state)
		}
	}
	return peers
}

// currentStates clones the population as it stands right now, not as it was
// at tick start.
func (p *Population) currentStates() []AgentState {
	all := make([]AgentState, 0, len(p.Agents))
	for _, agent := range p.Agents {
		all = append(all, agent.Clone())
	}
	return all
}

func (p *Population) rotateSignals() {
	p.inboxSignals = p.pendingSignals
	p.pendingSignals = make(map[string][]Signal)
}
