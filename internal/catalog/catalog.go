// Package catalog holds the static registry of agent functions: the machine
// readable parameter schemas used to validate execution requests and the
// natural-language descriptions used to build selection prompts.
package catalog

import (
	"fmt"
	"strings"
)

// ParameterSpec describes one named parameter of an agent function.
// Recognized types: string, date (2006-01-02), number, boolean.
type ParameterSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// FunctionDefinition is one catalog entry. Loaded once at startup and
// read-only for the lifetime of the process.
type FunctionDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	ButtonText  string          `json:"button_text" yaml:"button_text"`
	Parameters  []ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Catalog is an ordered, immutable set of function definitions. The listing
// order is stable and used verbatim to render selection prompts.
type Catalog struct {
	ordered []FunctionDefinition
	byName  map[string]FunctionDefinition
}

func New(defs []FunctionDefinition) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]FunctionDefinition, len(defs))}
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("catalog: function name is required")
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("catalog: duplicate function name: %s", name)
		}
		def.Name = name
		for i, p := range def.Parameters {
			pname := strings.TrimSpace(p.Name)
			if pname == "" {
				return nil, fmt.Errorf("catalog: %s: parameter name is required", name)
			}
			kind := strings.ToLower(strings.TrimSpace(p.Type))
			if kind == "" {
				kind = "string"
			}
			switch kind {
			case "string", "date", "number", "boolean":
			default:
				return nil, fmt.Errorf("catalog: %s: parameter %s has unsupported type %q", name, pname, p.Type)
			}
			def.Parameters[i].Name = pname
			def.Parameters[i].Type = kind
		}
		c.byName[name] = def
		c.ordered = append(c.ordered, def)
	}
	return c, nil
}

// List returns all definitions in registration order.
func (c *Catalog) List() []FunctionDefinition {
	if c == nil {
		return nil
	}
	return append([]FunctionDefinition(nil), c.ordered...)
}

// Lookup returns the definition for name, or a ValidationError if the
// catalog has no such function.
func (c *Catalog) Lookup(name string) (FunctionDefinition, error) {
	if c == nil {
		return FunctionDefinition{}, &ValidationError{Function: name, Reason: "catalog is empty"}
	}
	def, ok := c.byName[strings.TrimSpace(name)]
	if !ok {
		return FunctionDefinition{}, &ValidationError{Function: strings.TrimSpace(name), Reason: "unknown function"}
	}
	return def, nil
}

// Len reports the number of registered functions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ordered)
}
