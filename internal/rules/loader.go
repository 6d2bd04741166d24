package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TimurManjosov/goautorun/internal/fault"
	"gopkg.in/yaml.v3"
)

// LoadError identifies a rejected rule definition by file and position.
// Index is -1 when the whole file could not be parsed.
type LoadError struct {
	File  string
	Index int
	Name  string
	Err   error
}

func (e *LoadError) Error() string {
	where := e.File
	if e.Index >= 0 {
		where = fmt.Sprintf("%s#%d", e.File, e.Index)
	}
	if e.Name != "" {
		where = fmt.Sprintf("%s (%s)", where, e.Name)
	}
	return fmt.Sprintf("rule load error [%s]: %v", where, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is makes every LoadError match fault.ErrRuleLoad.
func (e *LoadError) Is(target error) bool { return target == fault.ErrRuleLoad }

// LoadResult holds the accepted rules in load order and every rejection.
type LoadResult struct {
	Rules  []Rule
	Errors []*LoadError
	Files  int
}

// ruleExtensions lists the file types read from a rule directory.
var ruleExtensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// LoadDir reads every rule file in dir (non-recursive) in lexical file-name order.
// A malformed rule is rejected individually; the rest of the directory still loads.
// The returned error is non-nil only when dir itself cannot be read.
func LoadDir(dir string) (LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return LoadResult{}, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ruleExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var res LoadResult
	for _, name := range names {
		fileRes := LoadFile(filepath.Join(dir, name))
		res.Rules = append(res.Rules, fileRes.Rules...)
		res.Errors = append(res.Errors, fileRes.Errors...)
		res.Files++
	}
	return res, nil
}

// LoadFile reads a single rule file. Read and parse failures are reported as a LoadError.
func LoadFile(path string) LoadResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{Files: 1, Errors: []*LoadError{{File: path, Index: -1, Err: err}}}
	}
	res := LoadBytes(path, data)
	res.Files = 1
	return res
}

// LoadBytes parses rule definitions from data. The format is chosen by name's extension;
// anything other than .yaml/.yml is treated as JSON.
func LoadBytes(name string, data []byte) LoadResult {
	raw, err := splitDefinitions(name, data)
	if err != nil {
		return LoadResult{Errors: []*LoadError{{File: name, Index: -1, Err: err}}}
	}

	var res LoadResult
	for i, def := range raw {
		r, err := decodeRule(def)
		if err != nil {
			res.Errors = append(res.Errors, &LoadError{File: name, Index: i, Name: r.Name, Err: err})
			continue
		}
		r.ID = fmt.Sprintf("%s#%d", filepath.Base(name), i)
		r.Source = name
		res.Rules = append(res.Rules, r)
	}
	return res
}

// splitDefinitions returns one raw JSON document per rule definition in the file.
func splitDefinitions(name string, data []byte) ([]json.RawMessage, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		converted, err := json.Marshal(stringKeys(doc))
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		data = converted
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("file contains no rule definitions")
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return list, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("parse json: invalid document")
	}
	return []json.RawMessage{trimmed}, nil
}

// stringKeys rewrites YAML mappings with non-string keys (e.g. `1: x`) so the
// document can be re-encoded as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = stringKeys(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = stringKeys(item)
		}
		return t
	default:
		return v
	}
}

// decodeRule decodes, normalizes and validates one definition. The partially decoded
// rule is returned alongside an error so the caller can name it.
func decodeRule(raw json.RawMessage) (Rule, error) {
	var r Rule
	// numbers stay json.Number so module options reach the session unmodified
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return r, fmt.Errorf("%w: definition must be an object", ErrInvalidRule)
	}
	for _, required := range []string{"name", "modules", "execution_order", "execution_delay"} {
		if _, ok := fields[required]; !ok {
			return r, fmt.Errorf("%w: missing required field %q", ErrInvalidRule, required)
		}
	}

	r = Normalize(r)
	if err := ValidateRule(r); err != nil {
		return r, err
	}
	return r, nil
}
