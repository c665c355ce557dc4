// Package schema enforces the strict tool-call contract that model
// providers require of function parameters: every object node must close
// off additional properties and list every key as required, with optional
// keys folded in as nullable rather than omitted.
package schema

import (
	"encoding/json"

	"github.com/codex-turnengine/turnengine/pkg/protocol"
)

// NormalizeToolSpec rewrites spec's Parameters so every object-valued schema
// node in it satisfies the strict contract, and marks the spec Strict. It is
// the entry point call sites use instead of reaching into a tool's raw
// parameter map themselves.
func NormalizeToolSpec(spec protocol.ToolSpec) protocol.ToolSpec {
	if len(spec.Parameters) == 0 {
		spec.Strict = true
		return spec
	}

	var root map[string]any
	if err := json.Unmarshal(spec.Parameters, &root); err != nil {
		// Not an object schema (or malformed) — leave parameters untouched
		// and let the provider reject it rather than guess at a fix.
		return spec
	}

	if _, ok := root["type"]; !ok && (root["properties"] != nil || root["required"] != nil) {
		root["type"] = "object"
	}

	normalized := normalizeStrictSchemaNode(root)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return spec
	}
	spec.Parameters = raw
	spec.Strict = true
	return spec
}

// normalizeStrictSchemaNode recursively enforces strict JSON-schema object
// rules: object nodes are closed (additionalProperties: false), and optional
// object properties are made nullable and added to required.
func normalizeStrictSchemaNode(node any) any {
	switch n := node.(type) {
	case map[string]any:
		if _, ok := n["type"]; !ok && (n["properties"] != nil || n["required"] != nil) {
			n["type"] = "object"
		}
		closeObjectNode(n)
		for _, k := range []string{"anyOf", "oneOf", "allOf"} {
			if raw, ok := n[k].([]any); ok {
				for i := range raw {
					raw[i] = normalizeStrictSchemaNode(raw[i])
				}
				n[k] = raw
			}
		}
		if raw, ok := n["items"]; ok {
			n["items"] = normalizeStrictSchemaNode(raw)
		}
		if raw, ok := n["prefixItems"].([]any); ok {
			for i := range raw {
				raw[i] = normalizeStrictSchemaNode(raw[i])
			}
			n["prefixItems"] = raw
		}
		if raw, ok := n["properties"].(map[string]any); ok {
			for name, prop := range raw {
				raw[name] = normalizeStrictSchemaNode(prop)
			}
			n["properties"] = raw
		}
		if raw, ok := n["additionalProperties"]; ok {
			n["additionalProperties"] = normalizeStrictSchemaNode(raw)
		}
		return n
	case []any:
		for i := range n {
			n[i] = normalizeStrictSchemaNode(n[i])
		}
		return n
	default:
		return node
	}
}

// closeObjectNode closes an object schema node in place: it forbids
// additional properties and promotes every declared property to required,
// making the previously-optional ones nullable so omission still round-trips.
func closeObjectNode(schema map[string]any) {
	if !declaresObjectType(schema) {
		return
	}

	if ap, ok := schema["additionalProperties"]; !ok || ap != false {
		schema["additionalProperties"] = false
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return
	}

	requiredSet := map[string]bool{}
	required := []any{}
	if raw, ok := schema["required"].([]any); ok {
		for _, v := range raw {
			s, ok := v.(string)
			if !ok || s == "" || requiredSet[s] {
				continue
			}
			requiredSet[s] = true
			required = append(required, s)
		}
	}

	for name, prop := range props {
		if requiredSet[name] {
			continue
		}
		props[name] = nullableSchema(prop)
		requiredSet[name] = true
		required = append(required, name)
	}

	schema["properties"] = props
	schema["required"] = required
}

func declaresObjectType(schema map[string]any) bool {
	typ, _ := schema["type"].(string)
	if typ == "object" {
		return true
	}
	if tarr, ok := schema["type"].([]any); ok {
		for _, v := range tarr {
			if s, ok := v.(string); ok && s == "object" {
				return true
			}
		}
	}
	return false
}

// nullableSchema widens prop's type union to include null, the strict
// contract's stand-in for "this property may be omitted."
func nullableSchema(prop any) any {
	m, ok := prop.(map[string]any)
	if !ok {
		return map[string]any{
			"anyOf": []any{prop, map[string]any{"type": "null"}},
		}
	}

	if rawType, ok := m["type"]; ok {
		switch t := rawType.(type) {
		case string:
			if t != "null" {
				m["type"] = []any{t, "null"}
			}
			return m
		case []any:
			for _, v := range t {
				if s, ok := v.(string); ok && s == "null" {
					return m
				}
			}
			m["type"] = append(t, "null")
			return m
		}
	}

	if rawAnyOf, ok := m["anyOf"].([]any); ok {
		for _, v := range rawAnyOf {
			if mm, ok := v.(map[string]any); ok {
				if s, _ := mm["type"].(string); s == "null" {
					return m
				}
			}
		}
		m["anyOf"] = append(rawAnyOf, map[string]any{"type": "null"})
		return m
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return map[string]any{
		"anyOf": []any{out, map[string]any{"type": "null"}},
	}
}
