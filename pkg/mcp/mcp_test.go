package mcp

import "testing"

func TestQualifiedNameRoundTrip(t *testing.T) {
	name := QualifiedName("filesystem", "read_file")
	if name != "mcp__filesystem__read_file" {
		t.Fatalf("unexpected qualified name: %s", name)
	}
	server, tool, ok := SplitQualifiedName(name)
	if !ok || server != "filesystem" || tool != "read_file" {
		t.Fatalf("split mismatch: server=%s tool=%s ok=%v", server, tool, ok)
	}
}

func TestSplitQualifiedName_NotQualified(t *testing.T) {
	_, _, ok := SplitQualifiedName("shell")
	if ok {
		t.Fatal("expected ok=false for a non-mcp tool name")
	}
}

func TestSplitQualifiedName_ToolNameWithDunder(t *testing.T) {
	server, tool, ok := SplitQualifiedName("mcp__github__search__code")
	if !ok || server != "github" || tool != "search__code" {
		t.Fatalf("expected server=github tool=search__code, got server=%s tool=%s ok=%v", server, tool, ok)
	}
}
