package domain

import "testing"

func TestRunStateAdjacency(t *testing.T) {
	allowed := []struct{ from, to RunState }{
		{RunStateCreated, RunStateQueued},
		{RunStateCreated, RunStateCanceled},
		{RunStateQueued, RunStateRunning},
		{RunStateQueued, RunStateCanceled},
		{RunStateRunning, RunStateSucceeded},
		{RunStateRunning, RunStateFailed},
		{RunStateRunning, RunStateCanceled},
	}
	for _, tc := range allowed {
		if !CanTransitionRunState(tc.from, tc.to) {
			t.Errorf("%s -> %s must be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to RunState }{
		{RunStateCreated, RunStateRunning},
		{RunStateCreated, RunStateSucceeded},
		{RunStateQueued, RunStateSucceeded},
		{RunStateQueued, RunStateFailed},
		{RunStateSucceeded, RunStateRunning},
		{RunStateSucceeded, RunStateCanceled},
		{RunStateFailed, RunStateQueued},
		{RunStateCanceled, RunStateRunning},
		{RunStateRunning, RunStateCreated},
	}
	for _, tc := range forbidden {
		if CanTransitionRunState(tc.from, tc.to) {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}

func TestRunStateSelfTransitions(t *testing.T) {
	for _, state := range []RunState{RunStateCreated, RunStateQueued, RunStateRunning} {
		if !CanTransitionRunState(state, state) {
			t.Errorf("non-terminal self-transition %s must be allowed", state)
		}
	}
	for _, state := range []RunState{RunStateSucceeded, RunStateFailed, RunStateCanceled} {
		if CanTransitionRunState(state, state) {
			t.Errorf("terminal self-transition %s must be rejected", state)
		}
	}
}

func TestNormalizeRunState(t *testing.T) {
	cases := map[string]RunState{
		"created":   RunStateCreated,
		"pending":   RunStateCreated,
		" Running ": RunStateRunning,
		"CANCELLED": RunStateCanceled,
		"canceled":  RunStateCanceled,
		"succeeded": RunStateSucceeded,
		"bogus":     "",
		"":          "",
	}
	for input, want := range cases {
		if got := NormalizeRunState(input); got != want {
			t.Errorf("NormalizeRunState(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if RunStateRunning.Terminal() || RunStateQueued.Terminal() || RunStateCreated.Terminal() {
		t.Fatalf("non-terminal state reported terminal")
	}
	if !RunStateSucceeded.Terminal() || !RunStateFailed.Terminal() || !RunStateCanceled.Terminal() {
		t.Fatalf("terminal state reported non-terminal")
	}
}
