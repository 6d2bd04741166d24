package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TimurManjosov/goautorun/internal/logic"
	"github.com/TimurManjosov/goautorun/internal/rules"
)

// ErrUnknownOperator is returned for a predicate whose operator has no handler.
var ErrUnknownOperator = errors.New("unknown operator")

// EvaluateCondition decides whether a step gated by c should run. A nil condition
// always runs. A predicate whose property is absent from the state evaluates to false.
// On error the result is false; callers skip the step and log the error.
func EvaluateCondition(c *rules.Condition, state *ChainState) (bool, error) {
	if c == nil {
		return true, nil
	}
	data := state.Data()

	if c.Expression != "" {
		ok, err := logic.Evaluate(c.Expression, data)
		if err != nil {
			return false, fmt.Errorf("evaluate condition: %w", err)
		}
		return ok, nil
	}

	handler, ok := getOperatorHandler(c.Operator)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
	value, ok := lookup(data, c.Property)
	if !ok {
		return false, nil
	}
	return handler.Check(value, c.Value), nil
}

// lookup resolves a dotted path such as "previous.data.cookie" or "results.0.success".
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = map[string]any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
