package rules

// AgentState is the mutable per-agent simulation state. The engine hands
// rules a read-only view and applies returned updates itself, so a rule can
// never mutate shared state directly.
type AgentState struct {
	AgentID    string
	Attributes map[string]float64
	Memory     map[string]float64
	Decision   string
}

func (s AgentState) Clone() AgentState {
	out := AgentState{
		AgentID:    s.AgentID,
		Attributes: make(map[string]float64, len(s.Attributes)),
		Memory:     make(map[string]float64, len(s.Memory)),
		Decision:   s.Decision,
	}
	for k, v := range s.Attributes {
		out.Attributes[k] = v
	}
	for k, v := range s.Memory {
		out.Memory[k] = v
	}
	return out
}

// Signal is a named scalar broadcast by an agent. Signals emitted at tick t
// are delivered to every receiver's context at tick t+1, which keeps
// within-tick evaluation order-independent across agents.
type Signal struct {
	Name   string
	Origin string
	Value  float64
}

// Environment is the shared world state visible to every agent this tick.
type Environment struct {
	Variables map[string]float64
	MediaTone map[string]float64
}

// RuleContext is the full input to one rule evaluation. Together with the
// run seed it determines the rule's output completely.
type RuleContext struct {
	Tick        int
	Seed        uint64
	Agent       AgentState
	Environment Environment
	Signals     []Signal
	// PeerStates is a snapshot of neighbor states taken at tick start.
	PeerStates []AgentState
	Metadata   map[string]string
}

// Rand returns the derived deterministic random value for this context and
// the named domain. See DeriveRandom for the construction.
func (c RuleContext) Rand(ruleName, domain string) float64 {
	return DeriveRandom(c.Seed, c.Agent.AgentID, c.Tick, ruleName, domain)
}

// PeerDecisionShare returns the fraction of peers currently holding the
// given decision. Zero peers yields zero, never a division error.
func (c RuleContext) PeerDecisionShare(decision string) float64 {
	if len(c.PeerStates) == 0 {
		return 0
	}
	count := 0
	for _, peer := range c.PeerStates {
		if peer.Decision == decision {
			count++
		}
	}
	return float64(count) / float64(len(c.PeerStates))
}
