// Package aliases expands short model names (e.g. "codex", "gpt-mini") to
// the full model identifier a Provider expects, and reports which wire
// format that model speaks.
package aliases

import "strings"

// Entry is one known model: its canonical id and wire format.
type Entry struct {
	ID         string
	WireFormat string // "responses" or "chat"
}

var defaultAliases = map[string]string{
	"gpt":        "gpt-5.2-codex",
	"gpt-mini":   "gpt-5-mini-2025-08-07",
	"gpt-pro":    "gpt-5.2-pro",
	"codex":      "gpt-5.3-codex",
	"codex-mini": "gpt-5.1-codex-mini",
}

var defaultModels = []Entry{
	{ID: "gpt-5.3-codex", WireFormat: "responses"},
	{ID: "gpt-5.2-codex", WireFormat: "responses"},
	{ID: "gpt-5.2-pro", WireFormat: "responses"},
	{ID: "gpt-5-mini-2025-08-07", WireFormat: "responses"},
	{ID: "gpt-5.1-codex-mini", WireFormat: "responses"},
	{ID: "o3", WireFormat: "responses"},
	{ID: "o3-mini", WireFormat: "responses"},
}

var defaultPrefixes = map[string]string{
	"gpt-":    "responses",
	"o1-":     "responses",
	"o3-":     "responses",
	"codex-":  "responses",
	"claude-": "chat",
	"llama-":  "chat",
	"mixtral": "chat",
}

// Table resolves aliases and wire formats, merging caller-supplied overrides
// with the built-in table.
type Table struct {
	aliases  map[string]string
	models   map[string]string // id -> wire format
	prefixes map[string]string // prefix -> wire format
}

// NewTable builds a Table from the built-in defaults plus optional overrides.
// extraAliases and extraModels are merged on top of (and take priority over)
// the defaults.
func NewTable(extraAliases map[string]string, extraModels []Entry) *Table {
	t := &Table{
		aliases:  make(map[string]string, len(defaultAliases)),
		models:   make(map[string]string, len(defaultModels)),
		prefixes: defaultPrefixes,
	}
	for k, v := range defaultAliases {
		t.aliases[k] = v
	}
	for _, m := range defaultModels {
		t.models[m.ID] = m.WireFormat
	}
	for k, v := range extraAliases {
		t.aliases[strings.ToLower(k)] = v
	}
	for _, m := range extraModels {
		t.models[m.ID] = m.WireFormat
	}
	return t
}

// Expand resolves an alias to its full model id. If name isn't a known
// alias, it is returned unchanged (it may already be a full model id).
func (t *Table) Expand(name string) string {
	if full, ok := t.aliases[strings.ToLower(name)]; ok {
		return full
	}
	return name
}

// WireFormat reports the wire format a (possibly already-expanded) model id
// speaks. It checks the exact-id table first, then falls back to prefix
// matching, and finally defaults to "responses".
func (t *Table) WireFormat(modelID string) string {
	if wf, ok := t.models[modelID]; ok {
		return wf
	}
	lower := strings.ToLower(modelID)
	for prefix, wf := range t.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return wf
		}
	}
	return "responses"
}
