package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError rejects a proposal or execution request before any state
// mutation or external call: unknown function name, missing required
// argument, unexpected argument, or a value that does not match the declared
// parameter type. Arguments are never silently coerced.
type ValidationError struct {
	Function  string
	Parameter string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	if e.Parameter != "" {
		return fmt.Sprintf("function %s: parameter %s: %s", e.Function, e.Parameter, e.Reason)
	}
	return fmt.Sprintf("function %s: %s", e.Function, e.Reason)
}

// Validate checks args against the schema of the named function. Both the
// selector's response parser and the executor call this; the executor also
// re-validates caller-supplied arguments from sync-channel commands.
func (c *Catalog) Validate(name string, args map[string]string) error {
	def, err := c.Lookup(name)
	if err != nil {
		return err
	}

	known := make(map[string]ParameterSpec, len(def.Parameters))
	for _, p := range def.Parameters {
		known[p.Name] = p
	}
	for argName := range args {
		if _, ok := known[argName]; !ok {
			return &ValidationError{Function: def.Name, Parameter: argName, Reason: "unexpected argument"}
		}
	}
	for _, p := range def.Parameters {
		raw, ok := args[p.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			if p.Required {
				return &ValidationError{Function: def.Name, Parameter: p.Name, Reason: "missing required argument"}
			}
			continue
		}
		if err := checkKind(p.Type, raw); err != nil {
			return &ValidationError{Function: def.Name, Parameter: p.Name, Reason: err.Error()}
		}
	}
	return nil
}

func checkKind(kind, raw string) error {
	value := strings.TrimSpace(raw)
	switch kind {
	case "", "string":
		return nil
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return fmt.Errorf("expected date in 2006-01-02 form, got %q", raw)
		}
	case "number":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected number, got %q", raw)
		}
	case "boolean":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("expected boolean, got %q", raw)
		}
	default:
		return fmt.Errorf("unsupported parameter type %q", kind)
	}
	return nil
}
