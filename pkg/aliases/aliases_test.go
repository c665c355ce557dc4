package aliases

import "testing"

func TestExpand(t *testing.T) {
	table := NewTable(nil, nil)
	if got := table.Expand("codex"); got != "gpt-5.3-codex" {
		t.Fatalf("expected gpt-5.3-codex, got %s", got)
	}
	if got := table.Expand("gpt-5.3-codex"); got != "gpt-5.3-codex" {
		t.Fatalf("expected passthrough for unknown alias, got %s", got)
	}
}

func TestWireFormat(t *testing.T) {
	table := NewTable(nil, nil)
	if wf := table.WireFormat("gpt-5.3-codex"); wf != "responses" {
		t.Fatalf("expected responses, got %s", wf)
	}
	if wf := table.WireFormat("claude-sonnet-4"); wf != "chat" {
		t.Fatalf("expected chat for claude prefix, got %s", wf)
	}
	if wf := table.WireFormat("totally-unknown-model"); wf != "responses" {
		t.Fatalf("expected default responses, got %s", wf)
	}
}

func TestNewTable_Overrides(t *testing.T) {
	table := NewTable(map[string]string{"mini": "custom-model-1"}, []Entry{{ID: "custom-model-1", WireFormat: "chat"}})
	if got := table.Expand("mini"); got != "custom-model-1" {
		t.Fatalf("expected override alias to resolve, got %s", got)
	}
	if wf := table.WireFormat("custom-model-1"); wf != "chat" {
		t.Fatalf("expected chat wire format for override model, got %s", wf)
	}
}
