// Package modules is the boundary to the command module registry. The engine treats
// module names as opaque; an Invoker only resolves a step into a dispatchable invocation.
package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownModule  = errors.New("unknown module")
	ErrMissingOption  = errors.New("missing required option")
	ErrInvalidCatalog = errors.New("invalid module catalog")
)

// Invocation is a resolved module call for one session.
type Invocation struct {
	Module  string
	Options map[string]any
}

// Invoker resolves (module, options, session) into an Invocation.
type Invoker interface {
	Prepare(ctx context.Context, module string, options map[string]any, sessionID string) (Invocation, error)
}

// Passthrough accepts any module name.
type Passthrough struct{}

func (Passthrough) Prepare(_ context.Context, module string, options map[string]any, _ string) (Invocation, error) {
	return Invocation{Module: module, Options: options}, nil
}

// Definition describes one registered module.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Category    string   `yaml:"category,omitempty" json:"category,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Required    []string `yaml:"required,omitempty" json:"required,omitempty"`
}

// Catalog is a static module registry loaded from YAML.
type Catalog struct {
	defs map[string]Definition
}

type catalogFile struct {
	Modules []Definition `yaml:"modules"`
}

// NewCatalog builds a catalog from definitions. Names must be unique and non-empty.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: modules[%d] has no name", ErrInvalidCatalog, i)
		}
		if _, dup := c.defs[name]; dup {
			return nil, fmt.Errorf("%w: duplicate module %q", ErrInvalidCatalog, name)
		}
		d.Name = name
		c.defs[name] = d
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(f.Modules)
}

// Prepare checks that module is registered and its required options are present.
// Options are passed through unmodified.
func (c *Catalog) Prepare(_ context.Context, module string, options map[string]any, _ string) (Invocation, error) {
	def, ok := c.defs[module]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	for _, key := range def.Required {
		if _, ok := options[key]; !ok {
			return Invocation{}, fmt.Errorf("%w: %s requires %q", ErrMissingOption, module, key)
		}
	}
	return Invocation{Module: module, Options: options}, nil
}

// Has reports whether module is registered.
func (c *Catalog) Has(module string) bool {
	_, ok := c.defs[module]
	return ok
}

// List returns the definitions sorted by name.
func (c *Catalog) List() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
