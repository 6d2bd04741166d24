package engine

import (
	"encoding/json"
	"testing"

	"github.com/TimurManjosov/goautorun/internal/rules"
)

func TestOperatorHandlers(t *testing.T) {
	tests := []struct {
		name      string
		op        rules.Operator
		userValue any
		ruleValue any
		want      bool
	}{
		{name: "equals string true", op: rules.OpEquals, userValue: "chrome", ruleValue: "chrome", want: true},
		{name: "equals is case-sensitive", op: rules.Operator("=="), userValue: "Chrome", ruleValue: "chrome", want: false},
		{name: "equals bool", op: rules.OpEquals, userValue: true, ruleValue: true, want: true},
		{name: "equals numeric string", op: rules.OpEquals, userValue: "120", ruleValue: 120.0, want: true},
		{name: "equals nil", op: rules.OpEquals, userValue: nil, ruleValue: nil, want: true},
		{name: "not_equals", op: rules.OpNotEquals, userValue: "linux", ruleValue: "windows", want: true},
		{name: "contains true", op: rules.OpContains, userValue: "session=abc", ruleValue: "abc", want: true},
		{name: "starts_with true", op: rules.Operator("startswith"), userValue: "Windows 10", ruleValue: "Windows", want: true},
		{name: "ends_with true", op: rules.OpEndsWith, userValue: "Mac OS X", ruleValue: "X", want: true},
		{name: "regex true", op: rules.Operator("matches"), userValue: "Firefox", ruleValue: `^Fire`, want: true},
		{name: "regex invalid pattern", op: rules.OpRegex, userValue: "abc", ruleValue: "(", want: false},
		{name: "gt int float64", op: rules.OpGt, userValue: 10, ruleValue: 9.5, want: true},
		{name: "gt version string", op: rules.Operator(">"), userValue: "120", ruleValue: 100, want: true},
		{name: "lte float int", op: rules.OpLte, userValue: 10.0, ruleValue: 10, want: true},
		{name: "gte json number", op: rules.OpGte, userValue: json.Number("12"), ruleValue: 10, want: true},
		{name: "in_list []string", op: rules.OpInList, userValue: "linux", ruleValue: []string{"linux", "osx"}, want: true},
		{name: "not_in_list []any", op: rules.Operator("not_in"), userValue: "windows", ruleValue: []any{"linux", "osx"}, want: true},
		{name: "semver gt", op: rules.OpVersionGt, userValue: "1.2.0", ruleValue: "1.1.9", want: true},
		{name: "semver gt short form", op: rules.Operator("semver_gt"), userValue: "120", ruleValue: "99", want: true},
		{name: "semver lt prerelease", op: rules.OpVersionLt, userValue: "1.0.0-beta.1", ruleValue: "1.0.0", want: true},
		{name: "semver invalid", op: rules.OpVersionLt, userValue: "not-a-version", ruleValue: "1.0.0", want: false},
		{name: "invalid type false", op: rules.OpContains, userValue: 123, ruleValue: "1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, ok := getOperatorHandler(tt.op)
			if !ok {
				t.Fatalf("handler not found for %q", tt.op)
			}
			if got := handler.Check(tt.userValue, tt.ruleValue); got != tt.want {
				t.Fatalf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperatorHandlers_Unknown(t *testing.T) {
	if _, ok := getOperatorHandler(rules.Operator("~=")); ok {
		t.Fatal("expected no handler for unknown operator")
	}
}
