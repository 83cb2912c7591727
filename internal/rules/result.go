package rules

// QueuedAction is a deferred effect a rule schedules for a later tick.
type QueuedAction struct {
	Name    string
	DueTick int
	Payload map[string]float64
}

// RuleResult is the complete output of one rule evaluation. All effects are
// declarative: the engine applies them after evaluation, never the rule
// itself.
type RuleResult struct {
	StateUpdates  map[string]float64
	MemoryUpdates map[string]float64
	Decision      string
	DecisionSet   bool
	Signals       []Signal
	Actions       []QueuedAction
	Telemetry     map[string]float64
}

// NoOp is the result a rule returns for expected edge cases (missing
// optional context, nothing to do). It must never be an error: only
// programming mistakes propagate as failures.
func NoOp() RuleResult {
	return RuleResult{}
}

func (r RuleResult) IsNoOp() bool {
	return len(r.StateUpdates) == 0 &&
		len(r.MemoryUpdates) == 0 &&
		!r.DecisionSet &&
		len(r.Signals) == 0 &&
		len(r.Actions) == 0 &&
		len(r.Telemetry) == 0
}
