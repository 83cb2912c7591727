package domain

import "strings"

// RunState is the lifecycle state of a run.
//
// created -> queued -> running -> succeeded | failed, with canceled reachable
// from any non-terminal state. Transitions are adjacency-checked: a client
// may never skip a required predecessor.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
)

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateCreated), "pending":
		return RunStateCreated
	case string(RunStateQueued):
		return RunStateQueued
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	case string(RunStateCanceled), "cancelled":
		return RunStateCanceled
	default:
		return ""
	}
}

func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCanceled:
		return true
	}
	return false
}

var runStateSuccessors = map[RunState][]RunState{
	RunStateCreated: {RunStateQueued, RunStateCanceled},
	RunStateQueued:  {RunStateRunning, RunStateCanceled},
	RunStateRunning: {RunStateSucceeded, RunStateFailed, RunStateCanceled},
}

// CanTransitionRunState reports whether current -> next is a legal step.
// Self-transitions are permitted so redelivered jobs can treat "already
// there" as success.
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return !current.Terminal()
	}
	for _, allowed := range runStateSuccessors[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureReason values persisted on failed runs.
const (
	FailReasonWorkerTimeout    = "worker_timeout"
	FailReasonRuleError        = "rule_error"
	FailReasonLeakageViolation = "leakage_violation"
	FailReasonInfraExhausted   = "infra_retries_exhausted"
	FailReasonBudgetExceeded   = "execution_budget_exceeded"
)
