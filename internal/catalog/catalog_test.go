package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateUSPSHoldMail(t *testing.T) {
	c, err := New(Builtin())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Validate("usps_hold_mail", map[string]string{
		"start_date": "2026-09-01",
		"end_date":   "2026-09-07",
	}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}

	cases := []struct {
		name  string
		args  map[string]string
		param string
	}{
		{"missing end_date", map[string]string{"start_date": "2026-09-01"}, "end_date"},
		{"bad date form", map[string]string{"start_date": "09/01/2026", "end_date": "2026-09-07"}, "start_date"},
		{"unexpected arg", map[string]string{"start_date": "2026-09-01", "end_date": "2026-09-07", "zip": "12345"}, "zip"},
		{"blank required", map[string]string{"start_date": "  ", "end_date": "2026-09-07"}, "start_date"},
	}
	for _, tc := range cases {
		err := c.Validate("usps_hold_mail", tc.args)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if verr.Parameter != tc.param {
			t.Fatalf("%s: expected parameter %q, got %q (%v)", tc.name, tc.param, verr.Parameter, verr)
		}
	}
}

func TestValidateUnknownFunction(t *testing.T) {
	c, _ := New(Builtin())
	err := c.Validate("launch_rocket", nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Function != "launch_rocket" || verr.Reason != "unknown function" {
		t.Fatalf("unexpected error: %#v", verr)
	}
}

func TestValidateKinds(t *testing.T) {
	c, err := New([]FunctionDefinition{{
		Name:       "set_thermostat",
		ButtonText: "Set thermostat",
		Parameters: []ParameterSpec{
			{Name: "degrees", Type: "number", Required: true},
			{Name: "hold", Type: "boolean"},
			{Name: "label"},
		},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Validate("set_thermostat", map[string]string{"degrees": "68.5", "hold": "true", "label": "away"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := c.Validate("set_thermostat", map[string]string{"degrees": "warm"}); err == nil {
		t.Fatalf("expected number validation to fail")
	}
	if err := c.Validate("set_thermostat", map[string]string{"degrees": "68", "hold": "maybe"}); err == nil {
		t.Fatalf("expected boolean validation to fail")
	}
	// Optional blank values are skipped, not rejected.
	if err := c.Validate("set_thermostat", map[string]string{"degrees": "68", "hold": ""}); err != nil {
		t.Fatalf("blank optional rejected: %v", err)
	}
}

func TestNewRejectsBadDefinitions(t *testing.T) {
	if _, err := New([]FunctionDefinition{{Name: ""}}); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if _, err := New([]FunctionDefinition{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
	if _, err := New([]FunctionDefinition{{
		Name:       "a",
		Parameters: []ParameterSpec{{Name: "p", Type: "uuid"}},
	}}); err == nil {
		t.Fatalf("expected unsupported type to fail")
	}
}

func TestLoadMergesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	yaml := `functions:
  - name: unsubscribe_newsletter
    description: Unsubscribe the user from a mailing list.
    button_text: Unsubscribe
    parameters:
      - name: list_url
        type: string
        required: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() != len(Builtin())+1 {
		t.Fatalf("expected %d functions, got %d", len(Builtin())+1, c.Len())
	}
	def, err := c.Lookup("unsubscribe_newsletter")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if def.ButtonText != "Unsubscribe" || len(def.Parameters) != 1 {
		t.Fatalf("unexpected definition: %#v", def)
	}
	// Builtins survive the merge.
	if _, err := c.Lookup("usps_hold_mail"); err != nil {
		t.Fatalf("builtin missing after merge: %v", err)
	}
}
