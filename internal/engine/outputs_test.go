package engine

import "testing"

func TestParseAndFlattenOutputs(t *testing.T) {
	raw := []byte(`{
		"vpc_id": {"value": "vpc-123", "sensitive": false, "type": "string"},
		"db_password": {"value": "hunter2", "sensitive": true, "type": "string"},
		"az_count": {"value": 3, "type": "number"}
	}`)

	decoded, err := parseOutputs(raw)
	if err != nil {
		t.Fatalf("parseOutputs: %v", err)
	}

	flat := flattenOutputs(decoded)
	if flat["vpc_id"] != "vpc-123" {
		t.Errorf("vpc_id = %v", flat["vpc_id"])
	}
	// Sensitive values are stored unmasked; masking happens only in display.
	if flat["db_password"] != "hunter2" {
		t.Errorf("db_password = %v", flat["db_password"])
	}
	if flat["az_count"] != float64(3) {
		t.Errorf("az_count = %v", flat["az_count"])
	}
}

func TestParseOutputsEmpty(t *testing.T) {
	decoded, err := parseOutputs(nil)
	if err != nil {
		t.Fatalf("parseOutputs(nil): %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("decoded = %v, want empty", decoded)
	}
}

func TestDisplayOutputsMasksSensitive(t *testing.T) {
	decoded := map[string]any{
		"db_password": map[string]any{"value": "hunter2", "sensitive": true},
	}
	entries := displayOutputs(decoded)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Label != "Db Password" {
		t.Errorf("label = %q", e.Label)
	}
	if !e.Sensitive {
		t.Error("entry not flagged sensitive")
	}
	if e.Value == "hunter2" {
		t.Error("sensitive value leaked into display")
	}
}

func TestDisplayOutputsFormatting(t *testing.T) {
	decoded := map[string]any{
		"subnet_ids": map[string]any{"value": []any{"subnet-a", "subnet-b"}},
		"endpoint":   map[string]any{"value": "https://example.test"},
		"enabled":    map[string]any{"value": true},
		"nested":     map[string]any{"value": map[string]any{"region": "us-east-1"}},
		"nothing":    map[string]any{"value": nil},
	}

	entries := displayOutputs(decoded)
	byLabel := make(map[string]string, len(entries))
	for _, e := range entries {
		byLabel[e.Label] = e.Value
	}

	if byLabel["Subnet Ids"] != "subnet-a, subnet-b" {
		t.Errorf("Subnet Ids = %q", byLabel["Subnet Ids"])
	}
	if byLabel["Endpoint"] != "https://example.test" {
		t.Errorf("Endpoint = %q", byLabel["Endpoint"])
	}
	if byLabel["Enabled"] != "true" {
		t.Errorf("Enabled = %q", byLabel["Enabled"])
	}
	if byLabel["Nothing"] != "" {
		t.Errorf("Nothing = %q, want empty", byLabel["Nothing"])
	}
	if byLabel["Nested"] == "" || byLabel["Nested"][0] != '{' {
		t.Errorf("Nested = %q, want pretty-printed JSON", byLabel["Nested"])
	}
}

func TestDisplayOutputsSortedByName(t *testing.T) {
	decoded := map[string]any{
		"zeta":  map[string]any{"value": "z"},
		"alpha": map[string]any{"value": "a"},
		"mid":   map[string]any{"value": "m"},
	}
	entries := displayOutputs(decoded)
	want := []string{"Alpha", "Mid", "Zeta"}
	for i, e := range entries {
		if e.Label != want[i] {
			t.Errorf("entries[%d].Label = %q, want %q", i, e.Label, want[i])
		}
	}
}

func TestFlattenBareValues(t *testing.T) {
	decoded := map[string]any{"plain": "value"}
	flat := flattenOutputs(decoded)
	if flat["plain"] != "value" {
		t.Errorf("plain = %v", flat["plain"])
	}
}

func TestHumanizeKey(t *testing.T) {
	cases := map[string]string{
		"vpc_id":        "Vpc Id",
		"name":          "Name",
		"load_balancer": "Load Balancer",
		"a_b_c":         "A B C",
	}
	for in, want := range cases {
		if got := humanizeKey(in); got != want {
			t.Errorf("humanizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
