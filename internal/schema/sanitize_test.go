package schema

import "testing"

func TestSanitizeStripsUnsupportedKeywords(t *testing.T) {
	in := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":    "string",
				"default": "anon",
			},
		},
	}
	out := Sanitize(in)
	if _, ok := out["$schema"]; ok {
		t.Fatalf("$schema should have been stripped")
	}
	props := out["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	if _, ok := name["default"]; ok {
		t.Fatalf("default should have been stripped")
	}
}

func TestSanitizeExclusiveBounds(t *testing.T) {
	in := map[string]any{
		"type":             "integer",
		"exclusiveMinimum": float64(0),
		"exclusiveMaximum": float64(10),
	}
	out := Sanitize(in)
	if out["minimum"] != float64(1) {
		t.Fatalf("minimum = %v, want 1", out["minimum"])
	}
	if out["maximum"] != float64(9) {
		t.Fatalf("maximum = %v, want 9", out["maximum"])
	}
	if _, ok := out["exclusiveMinimum"]; ok {
		t.Fatalf("exclusiveMinimum should have been removed")
	}
}

func TestSanitizeNullableUnion(t *testing.T) {
	in := map[string]any{
		"type": []any{"string", "null"},
	}
	out := Sanitize(in)
	if out["type"] != "string" {
		t.Fatalf("type = %v, want string", out["type"])
	}
	if out["nullable"] != true {
		t.Fatalf("nullable not set")
	}
}

func TestSanitizeRecursesIntoItems(t *testing.T) {
	in := map[string]any{
		"type": "array",
		"items": map[string]any{
			"$ref": "#/$defs/foo",
			"type": "string",
		},
	}
	out := Sanitize(in)
	items := out["items"].(map[string]any)
	if _, ok := items["$ref"]; ok {
		t.Fatalf("$ref should have been stripped from items")
	}
}
