package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/TimurManjosov/goautorun/internal/rules"
)

// OperatorHandler evaluates one predicate operator against the value found
// at the predicate's property.
type OperatorHandler interface {
	Check(actual, expected any) bool
}

// checkFunc adapts a plain function to OperatorHandler.
type checkFunc func(actual, expected any) bool

func (f checkFunc) Check(actual, expected any) bool { return f(actual, expected) }

var (
	operatorHandlers = map[rules.Operator]OperatorHandler{
		rules.OpEquals:     checkFunc(valuesEqual),
		rules.OpNotEquals:  negate(valuesEqual),
		rules.OpContains:   onStrings(strings.Contains),
		rules.OpStartsWith: onStrings(strings.HasPrefix),
		rules.OpEndsWith:   onStrings(strings.HasSuffix),
		rules.OpRegex:      onStrings(matchesPattern),
		rules.OpGt:         onNumbers(func(a, b float64) bool { return a > b }),
		rules.OpLt:         onNumbers(func(a, b float64) bool { return a < b }),
		rules.OpGte:        onNumbers(func(a, b float64) bool { return a >= b }),
		rules.OpLte:        onNumbers(func(a, b float64) bool { return a <= b }),
		rules.OpInList:     checkFunc(inList),
		rules.OpNotInList:  negate(inList),
		rules.OpVersionGt:  onVersions(func(a, b *semver.Version) bool { return a.GreaterThan(b) }),
		rules.OpVersionLt:  onVersions(func(a, b *semver.Version) bool { return a.LessThan(b) }),
	}

	// pattern -> *regexp.Regexp
	patterns sync.Map
)

func getOperatorHandler(op rules.Operator) (OperatorHandler, bool) {
	h, ok := operatorHandlers[op.Normalize()]
	return h, ok
}

func negate(f checkFunc) checkFunc {
	return func(actual, expected any) bool { return !f(actual, expected) }
}

// onStrings applies fn when both operands are strings; any other pairing is false.
func onStrings(fn func(s, arg string) bool) checkFunc {
	return func(actual, expected any) bool {
		s, ok := actual.(string)
		if !ok {
			return false
		}
		arg, ok := expected.(string)
		return ok && fn(s, arg)
	}
}

func onNumbers(cmp func(a, b float64) bool) checkFunc {
	return func(actual, expected any) bool {
		a, ok := number(actual)
		if !ok {
			return false
		}
		b, ok := number(expected)
		return ok && cmp(a, b)
	}
}

// onVersions parses both operands leniently, so "120" compares as 120.0.0.
func onVersions(cmp func(a, b *semver.Version) bool) checkFunc {
	return onStrings(func(s, arg string) bool {
		a, err := semver.NewVersion(s)
		if err != nil {
			return false
		}
		b, err := semver.NewVersion(arg)
		return err == nil && cmp(a, b)
	})
}

// valuesEqual compares strings exactly, then numerically ("120" equals 120),
// then as booleans. Fingerprint versions always arrive as strings.
func valuesEqual(actual, expected any) bool {
	if a, ok := actual.(string); ok {
		if b, ok := expected.(string); ok {
			return a == b
		}
	}
	if a, ok := number(actual); ok {
		b, ok := number(expected)
		return ok && a == b
	}
	if a, ok := actual.(bool); ok {
		b, ok := expected.(bool)
		return ok && a == b
	}
	return actual == nil && expected == nil
}

func inList(actual, expected any) bool {
	s, ok := actual.(string)
	if !ok {
		return false
	}
	switch list := expected.(type) {
	case []string:
		for _, item := range list {
			if item == s {
				return true
			}
		}
	case []any:
		for _, item := range list {
			if item == any(s) {
				return true
			}
		}
	}
	return false
}

func matchesPattern(s, pattern string) bool {
	if cached, ok := patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(s)
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	patterns.Store(pattern, rx)
	return rx.MatchString(s)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
