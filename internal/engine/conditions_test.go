package engine

import (
	"errors"
	"testing"

	"github.com/TimurManjosov/goautorun/internal/rules"
)

func TestEvaluateCondition(t *testing.T) {
	state := NewChainState("sess-1", chromeLinux)
	state.Record(StepResult{Position: 0, Module: "get_cookie", Success: true, Data: map[string]any{"cookie": "sid=1"}})
	state.Record(StepResult{Position: 1, Module: "detect_popups", Success: false, TimedOut: true})

	tests := []struct {
		name string
		cond *rules.Condition
		want bool
	}{
		{name: "nil always runs", cond: nil, want: true},
		{name: "previous.success predicate", cond: &rules.Condition{Property: "previous.success", Operator: rules.OpEquals, Value: true}, want: false},
		{name: "previous.timed_out", cond: &rules.Condition{Property: "previous.timed_out", Operator: rules.OpEquals, Value: true}, want: true},
		{name: "results by position", cond: &rules.Condition{Property: "results.0.success", Operator: rules.OpEquals, Value: true}, want: true},
		{name: "module data", cond: &rules.Condition{Property: "modules.get_cookie.data.cookie", Operator: rules.OpStartsWith, Value: "sid="}, want: true},
		{name: "fingerprint", cond: &rules.Condition{Property: "fingerprint.browser", Operator: rules.OpInList, Value: []any{"chrome", "firefox"}}, want: true},
		{name: "session id", cond: &rules.Condition{Property: "session.id", Operator: rules.OpEquals, Value: "sess-1"}, want: true},
		{name: "missing property", cond: &rules.Condition{Property: "results.7.success", Operator: rules.OpEquals, Value: true}, want: false},
		{name: "json logic", cond: &rules.Condition{Expression: `{"==":[{"var":"modules.get_cookie.success"},true]}`}, want: true},
		{name: "json logic on fingerprint", cond: &rules.Condition{Expression: `{"==":[{"var":"fingerprint.os"},"windows"]}`}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.cond, state)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_NoPreviousResult(t *testing.T) {
	state := NewChainState("s", chromeLinux)
	got, err := EvaluateCondition(&rules.Condition{Property: "previous.success", Operator: rules.OpEquals, Value: true}, state)
	if err != nil || got {
		t.Fatalf("got %v, %v; want false, nil", got, err)
	}
}

func TestEvaluateCondition_Errors(t *testing.T) {
	state := NewChainState("s", chromeLinux)

	_, err := EvaluateCondition(&rules.Condition{Property: "previous.success", Operator: "~="}, state)
	if !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("error = %v, want ErrUnknownOperator", err)
	}

	ok, err := EvaluateCondition(&rules.Condition{Expression: "{broken"}, state)
	if err == nil || ok {
		t.Fatalf("got %v, %v; want false with error", ok, err)
	}
}

func TestChainState_Previous(t *testing.T) {
	state := NewChainState("s", chromeLinux)
	if _, ok := state.Previous(); ok {
		t.Fatal("expected no previous result")
	}
	state.Record(StepResult{Position: 3, Module: "a", Success: true})
	state.Record(StepResult{Position: 4, Module: "b", Skipped: true})
	prev, ok := state.Previous()
	if !ok || prev.Module != "b" || !prev.Skipped {
		t.Fatalf("Previous() = %+v, %v", prev, ok)
	}

	doc := state.Data()
	results := doc["results"].(map[string]any)
	if _, ok := results["3"]; !ok {
		t.Fatalf("results missing position 3: %v", results)
	}
}
