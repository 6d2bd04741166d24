package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wildcard is the match-field value that matches any fingerprint value.
const Wildcard = "ALL"

// ChainMode governs how a failed step condition affects the rest of a chain.
type ChainMode string

const (
	// ChainSequential runs every step in order; a false condition skips only that step.
	ChainSequential ChainMode = "sequential"
	// ChainConditional also skips only the gated step, but records the skip as a
	// failed result so later conditions testing the previous step see it.
	ChainConditional ChainMode = "conditional"

	chainNestedForward ChainMode = "nested-forward"
)

// Operator represents a comparison operator used in step condition predicates.
type Operator string

// Canonical predicate operators. Aliases are resolved by Normalize.
const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpRegex      Operator = "regex"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGte        Operator = "gte"
	OpLte        Operator = "lte"
	OpInList     Operator = "in_list"
	OpNotInList  Operator = "not_in_list"
	OpVersionGt  Operator = "version_gt"
	OpVersionLt  Operator = "version_lt"
)

// Normalize maps an operator alias onto its canonical form. Unknown operators are returned as-is.
func (op Operator) Normalize() Operator {
	switch strings.ToLower(string(op)) {
	case "==", "eq", "equals":
		return OpEquals
	case "!=", "neq", "not_equals":
		return OpNotEquals
	case "contains":
		return OpContains
	case "starts_with", "startswith":
		return OpStartsWith
	case "ends_with", "endswith":
		return OpEndsWith
	case "regex", "matches":
		return OpRegex
	case ">", "gt":
		return OpGt
	case "<", "lt":
		return OpLt
	case ">=", "gte":
		return OpGte
	case "<=", "lte":
		return OpLte
	case "in", "in_list":
		return OpInList
	case "not_in", "not_in_list", "nin":
		return OpNotInList
	case "semver_gt", "version_gt":
		return OpVersionGt
	case "semver_lt", "version_lt":
		return OpVersionLt
	default:
		return op
	}
}

// Fingerprint is the concrete browser/OS identity of a hooked session.
type Fingerprint struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
}

// Field identifies one of the four match dimensions shared by Rule and Fingerprint.
type Field int

const (
	FieldBrowser Field = iota
	FieldBrowserVersion
	FieldOS
	FieldOSVersion
)

// Fields lists the match dimensions in a fixed order.
var Fields = [...]Field{FieldBrowser, FieldBrowserVersion, FieldOS, FieldOSVersion}

func (f Field) String() string {
	switch f {
	case FieldBrowser:
		return "browser"
	case FieldBrowserVersion:
		return "browser_version"
	case FieldOS:
		return "os"
	case FieldOSVersion:
		return "os_version"
	}
	return "unknown"
}

// Value returns the fingerprint's value for field.
func (fp Fingerprint) Value(f Field) string {
	switch f {
	case FieldBrowser:
		return fp.Browser
	case FieldBrowserVersion:
		return fp.BrowserVersion
	case FieldOS:
		return fp.OS
	case FieldOSVersion:
		return fp.OSVersion
	}
	return ""
}

// Validate reports an error if any field is empty or the wildcard.
// Fingerprints come from the hook handshake and are always concrete.
func (fp Fingerprint) Validate() error {
	for _, f := range Fields {
		v := fp.Value(f)
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidFingerprint, f)
		}
		if v == Wildcard {
			return fmt.Errorf("%w: %s must be concrete, got %q", ErrInvalidFingerprint, f, Wildcard)
		}
	}
	return nil
}

// Map renders the fingerprint for condition evaluation.
func (fp Fingerprint) Map() map[string]any {
	return map[string]any{
		"browser":         fp.Browser,
		"browser_version": fp.BrowserVersion,
		"os":              fp.OS,
		"os_version":      fp.OSVersion,
	}
}

// Rule is an autorun rule: four match fields plus an ordered module chain.
// ExecutionDelay holds milliseconds, one entry per ExecutionOrder position.
type Rule struct {
	ID             string       `json:"id,omitempty"`
	Source         string       `json:"source,omitempty"`
	Name           string       `json:"name"`
	Author         string       `json:"author,omitempty"`
	Browser        string       `json:"browser"`
	BrowserVersion string       `json:"browser_version"`
	OS             string       `json:"os"`
	OSVersion      string       `json:"os_version"`
	Modules        []ModuleStep `json:"modules"`
	ExecutionOrder []int        `json:"execution_order"`
	ExecutionDelay []int        `json:"execution_delay"`
	ChainMode      ChainMode    `json:"chain_mode"`
}

// Pattern returns the rule's match value for field.
func (r Rule) Pattern(f Field) string {
	switch f {
	case FieldBrowser:
		return r.Browser
	case FieldBrowserVersion:
		return r.BrowserVersion
	case FieldOS:
		return r.OS
	case FieldOSVersion:
		return r.OSVersion
	}
	return ""
}

// Specificity counts the non-wildcard match fields (4 = fully concrete, 0 = catch-all).
func (r Rule) Specificity() int {
	n := 0
	for _, f := range Fields {
		if r.Pattern(f) != Wildcard {
			n++
		}
	}
	return n
}

// Delay returns the pre-dispatch delay for execution position k.
func (r Rule) Delay(k int) time.Duration {
	if k < 0 || k >= len(r.ExecutionDelay) {
		return 0
	}
	return time.Duration(r.ExecutionDelay[k]) * time.Millisecond
}

// ModuleStep names a command module, an optional gating condition, and opaque options.
type ModuleStep struct {
	Name      string         `json:"name"`
	Condition *Condition     `json:"condition"`
	Options   map[string]any `json:"options,omitempty"`
}

// Condition gates a step. Exactly one form is set: a JSON Logic Expression,
// or a Property/Operator/Value predicate.
type Condition struct {
	Expression string
	Property   string
	Operator   Operator
	Value      any
}

// IsPredicate reports whether c is in predicate form.
func (c *Condition) IsPredicate() bool {
	return c != nil && c.Expression == "" && c.Operator != ""
}

type predicateJSON struct {
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// UnmarshalJSON accepts a JSON Logic string, a JSON Logic object, or a predicate object.
func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &c.Expression)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		if _, ok := fields["operator"]; ok {
			var p predicateJSON
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return err
			}
			c.Property, c.Operator, c.Value = p.Property, p.Operator, p.Value
			return nil
		}
		c.Expression = string(trimmed)
		return nil
	default:
		return fmt.Errorf("%w: condition must be null, a string or an object", ErrInvalidCondition)
	}
}

// MarshalJSON writes predicates as objects and expressions as raw JSON Logic when possible.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Expression == "" {
		return json.Marshal(predicateJSON{Property: c.Property, Operator: c.Operator, Value: c.Value})
	}
	if json.Valid([]byte(c.Expression)) {
		return []byte(c.Expression), nil
	}
	return json.Marshal(c.Expression)
}
