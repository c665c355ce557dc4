package patch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_AddFile(t *testing.T) {
	text := `*** Begin Patch
*** Add File: hello.txt
+hello
+world
*** End Patch`

	p, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Hunks) != 1 || p.Hunks[0].Action != ActionAdd {
		t.Fatalf("expected one add hunk, got %+v", p.Hunks)
	}
	if p.Hunks[0].AddBody != "hello\nworld\n" {
		t.Fatalf("unexpected add body: %q", p.Hunks[0].AddBody)
	}
}

func TestParse_MissingBeginMarker(t *testing.T) {
	_, err := Parse("*** Add File: x\n+y\n*** End Patch")
	if err == nil {
		t.Fatal("expected error for missing Begin Patch header")
	}
}

func TestApply_AddThenUpdateThenDelete(t *testing.T) {
	dir := t.TempDir()

	addPatch, err := Parse(`*** Begin Patch
*** Add File: a.txt
+line1
+line2
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(dir, addPatch); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "line1\nline2\n" {
		t.Fatalf("unexpected content after add: %q", content)
	}

	updatePatch, err := Parse(`*** Begin Patch
*** Update File: a.txt
@@
 line1
-line2
+line2-changed
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(dir, updatePatch); err != nil {
		t.Fatal(err)
	}
	content, err = os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "line1\nline2-changed\n" {
		t.Fatalf("unexpected content after update: %q", content)
	}

	deletePatch, err := Parse(`*** Begin Patch
*** Delete File: a.txt
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(dir, deletePatch); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected a.txt to be removed, stat err = %v", err)
	}
}

func TestApply_UpdateWithMove(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Parse(`*** Begin Patch
*** Update File: old.txt
*** Move to: new.txt
@@
-content
+content-moved
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(dir, p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Fatal("expected old.txt to be removed after move")
	}
	content, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "content-moved\n" {
		t.Fatalf("unexpected content at new path: %q", content)
	}
}

func TestApply_UpdateContextNotFound(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("foo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Parse(`*** Begin Patch
*** Update File: a.txt
@@
-bar
+baz
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(dir, p); err == nil {
		t.Fatal("expected error when context does not match file contents")
	}
}
