package schema

import (
	"encoding/json"
	"testing"

	"github.com/codex-turnengine/turnengine/pkg/protocol"
)

func TestNormalizeToolSpecClosesObjectAndMarksStrict(t *testing.T) {
	params, _ := json.Marshal(map[string]any{
		"properties": map[string]any{
			"path":      map[string]any{"type": "string"},
			"recursive": map[string]any{"type": "boolean"},
		},
		"required": []any{"path"},
	})
	spec := NormalizeToolSpec(protocol.ToolSpec{Type: "function", Name: "list_dir", Parameters: params})

	if !spec.Strict {
		t.Fatal("expected Strict to be set")
	}
	var out map[string]any
	if err := json.Unmarshal(spec.Parameters, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "object" {
		t.Fatalf("expected inferred object type, got %v", out["type"])
	}
	if out["additionalProperties"] != false {
		t.Fatalf("expected additionalProperties closed, got %v", out["additionalProperties"])
	}
	required, _ := out["required"].([]any)
	if len(required) != 2 {
		t.Fatalf("expected both properties required, got %v", required)
	}
	props := out["properties"].(map[string]any)
	recursive := props["recursive"].(map[string]any)
	types, ok := recursive["type"].([]any)
	if !ok || len(types) != 2 || types[1] != "null" {
		t.Fatalf("expected recursive to become nullable, got %v", recursive["type"])
	}
}

func TestNormalizeToolSpecLeavesNonObjectParametersAlone(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"type": "string"})
	spec := NormalizeToolSpec(protocol.ToolSpec{Parameters: params})
	if !spec.Strict {
		t.Fatal("expected Strict to be set even without an object schema")
	}
	var out map[string]any
	if err := json.Unmarshal(spec.Parameters, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != "string" {
		t.Fatalf("expected parameters left untouched, got %v", out)
	}
}

func TestNormalizeToolSpecHandlesEmptyParameters(t *testing.T) {
	spec := NormalizeToolSpec(protocol.ToolSpec{Name: "noop"})
	if !spec.Strict {
		t.Fatal("expected Strict to be set")
	}
	if len(spec.Parameters) != 0 {
		t.Fatalf("expected parameters to stay empty, got %s", spec.Parameters)
	}
}

func TestNormalizeToolSpecRecursesIntoNestedSchemas(t *testing.T) {
	params, _ := json.Marshal(map[string]any{
		"properties": map[string]any{
			"filters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"properties": map[string]any{
						"field": map[string]any{"type": "string"},
						"value": map[string]any{"type": "string"},
					},
					"required": []any{"field"},
				},
			},
		},
		"required": []any{"filters"},
	})
	spec := NormalizeToolSpec(protocol.ToolSpec{Parameters: params})

	var out map[string]any
	if err := json.Unmarshal(spec.Parameters, &out); err != nil {
		t.Fatal(err)
	}
	items := out["properties"].(map[string]any)["filters"].(map[string]any)["items"].(map[string]any)
	if items["additionalProperties"] != false {
		t.Fatalf("expected nested object to be closed, got %v", items["additionalProperties"])
	}
	required, _ := items["required"].([]any)
	if len(required) != 2 {
		t.Fatalf("expected both nested properties required, got %v", required)
	}
}
