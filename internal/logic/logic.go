// Package logic evaluates JSON Logic (jsonlogic.com) expressions used as step conditions.
// The data document is built by the caller; this package only applies the rule and
// reduces the result to a boolean with JavaScript-like truthiness.
package logic

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Data is the document an expression is evaluated against.
type Data map[string]any

// ErrInvalidExpression is returned when an expression is not valid JSON Logic.
var ErrInvalidExpression = errors.New("invalid expression: not valid JSON Logic")

// ErrEmptyExpression is returned when an expression is empty or whitespace.
var ErrEmptyExpression = errors.New("invalid expression: empty or whitespace")

// Evaluate applies expression to data and reports whether the result is truthy.
func Evaluate(expression string, data Data) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, ErrEmptyExpression
	}

	if data == nil {
		data = Data{}
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return false, err
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expression), bytes.NewReader(dataBytes), &out); err != nil {
		return false, ErrInvalidExpression
	}

	var result any
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Validate checks that expression parses as JSON and applies cleanly to an empty document.
func Validate(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return ErrEmptyExpression
	}

	var rule any
	if err := json.Unmarshal([]byte(expression), &rule); err != nil {
		return ErrInvalidExpression
	}
	if _, ok := rule.(map[string]any); !ok {
		return ErrInvalidExpression
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expression), strings.NewReader("{}"), &out); err != nil {
		return ErrInvalidExpression
	}
	return nil
}

// Truthy follows JavaScript truthiness: false, 0, "", null, [] and {} are false.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
