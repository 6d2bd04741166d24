package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TimurManjosov/goautorun/internal/logic"
)

// Sentinel errors returned by ValidateRule and Fingerprint.Validate.
var (
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidModule      = errors.New("invalid module step")
	ErrInvalidOrder       = errors.New("invalid execution order")
	ErrInvalidDelay       = errors.New("invalid execution delay")
	ErrInvalidChainMode   = errors.New("invalid chain mode")
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrInvalidOperator    = errors.New("invalid operator")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

var validOperators = map[Operator]struct{}{
	OpEquals:     {},
	OpNotEquals:  {},
	OpContains:   {},
	OpStartsWith: {},
	OpEndsWith:   {},
	OpRegex:      {},
	OpGt:         {},
	OpLt:         {},
	OpGte:        {},
	OpLte:        {},
	OpInList:     {},
	OpNotInList:  {},
	OpVersionGt:  {},
	OpVersionLt:  {},
}

// Normalize fills defaults: empty match fields become the wildcard, an empty chain
// mode becomes sequential, and the historical "nested-forward" name becomes conditional.
// Predicate operators are rewritten to their canonical names.
func Normalize(r Rule) Rule {
	for _, p := range []*string{&r.Browser, &r.BrowserVersion, &r.OS, &r.OSVersion} {
		if strings.TrimSpace(*p) == "" {
			*p = Wildcard
		}
	}
	switch ChainMode(strings.ToLower(string(r.ChainMode))) {
	case "":
		r.ChainMode = ChainSequential
	case chainNestedForward, ChainConditional:
		r.ChainMode = ChainConditional
	case ChainSequential:
		r.ChainMode = ChainSequential
	}
	if len(r.Modules) > 0 {
		modules := make([]ModuleStep, len(r.Modules))
		copy(modules, r.Modules)
		for i := range modules {
			if c := modules[i].Condition; c != nil && c.IsPredicate() {
				nc := *c
				nc.Operator = nc.Operator.Normalize()
				modules[i].Condition = &nc
			}
		}
		r.Modules = modules
	}
	return r
}

// ValidateRule checks the structural invariants of a normalized rule.
// It is a pure function: it never mutates r.
func ValidateRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidRule)
	}

	switch r.ChainMode {
	case ChainSequential, ChainConditional:
	default:
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidChainMode, r.ChainMode, ChainSequential, ChainConditional)
	}

	if len(r.Modules) == 0 {
		return fmt.Errorf("%w: rule must have at least one module", ErrInvalidModule)
	}
	for i, m := range r.Modules {
		if err := validateModule(i, m); err != nil {
			return err
		}
	}

	if len(r.ExecutionOrder) == 0 {
		return fmt.Errorf("%w: execution_order must not be empty", ErrInvalidOrder)
	}
	if len(r.ExecutionOrder) != len(r.ExecutionDelay) {
		return fmt.Errorf("%w: execution_order has %d entries but execution_delay has %d",
			ErrInvalidDelay, len(r.ExecutionOrder), len(r.ExecutionDelay))
	}
	for k, idx := range r.ExecutionOrder {
		if idx < 0 || idx >= len(r.Modules) {
			return fmt.Errorf("%w: execution_order[%d] = %d is out of range [0,%d)", ErrInvalidOrder, k, idx, len(r.Modules))
		}
	}
	for k, d := range r.ExecutionDelay {
		if d < 0 {
			return fmt.Errorf("%w: execution_delay[%d] = %d is negative", ErrInvalidDelay, k, d)
		}
	}
	return nil
}

func validateModule(i int, m ModuleStep) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: modules[%d] name must not be empty", ErrInvalidModule, i)
	}
	if m.Condition == nil {
		return nil
	}
	return validateCondition(i, *m.Condition)
}

func validateCondition(i int, c Condition) error {
	if c.Expression != "" {
		if err := logic.Validate(c.Expression); err != nil {
			return fmt.Errorf("%w: modules[%d]: %v", ErrInvalidCondition, i, err)
		}
		return nil
	}
	if c.Property == "" {
		return fmt.Errorf("%w: modules[%d] condition property must not be empty", ErrInvalidCondition, i)
	}
	if _, ok := validOperators[c.Operator.Normalize()]; !ok {
		return fmt.Errorf("%w: modules[%d] operator %q is not supported", ErrInvalidOperator, i, c.Operator)
	}
	return nil
}
