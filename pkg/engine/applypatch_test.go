package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patchCall(patchBody string) ToolCallItem {
	args, _ := json.Marshal(map[string]any{"patch": patchBody})
	return ToolCallItem{CallID: "c1", Name: "apply_patch", Args: string(args), Source: SourceModel}
}

func TestDispatchApplyPatchAddsFile(t *testing.T) {
	dir := t.TempDir()
	dispatcher, _, _ := newTestDispatcher(nil, ApprovalNever)

	call := patchCall(`*** Begin Patch
*** Add File: note.txt
+hello
*** End Patch`)
	tctx := TurnContext{Cwd: dir, WritableRoots: []string{dir}, ApprovalPolicy: ApprovalNever}

	result := dispatcher.Dispatch(context.Background(), call, tctx, ApprovalNever)
	assert.True(t, result.Success)

	content, err := os.ReadFile(filepath.Join(dir, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestDispatchApplyPatchConflictLeavesDiskUntouched(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line1\nline2\n"), 0o644))

	dispatcher, _, _ := newTestDispatcher(nil, ApprovalNever)

	// the context line doesn't match what's on disk, so the hunk anchor fails
	call := patchCall(`*** Begin Patch
*** Update File: a.txt
@@
 this line does not exist
-line2
+line2-changed
*** End Patch`)
	tctx := TurnContext{Cwd: dir, WritableRoots: []string{dir}, ApprovalPolicy: ApprovalNever}

	result := dispatcher.Dispatch(context.Background(), call, tctx, ApprovalNever)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "patch conflict")

	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(content), "failed hunk must not mutate the file")
}

func TestDispatchApplyPatchOutsideWritableRootsRequiresApproval(t *testing.T) {
	dir := t.TempDir()
	dispatcher, _, _ := newTestDispatcher(nil, ApprovalNever)

	call := patchCall(`*** Begin Patch
*** Add File: ../outside.txt
+nope
*** End Patch`)
	tctx := TurnContext{Cwd: dir, WritableRoots: []string{dir}, ApprovalPolicy: ApprovalNever}

	result := dispatcher.Dispatch(context.Background(), call, tctx, ApprovalNever)
	assert.False(t, result.Success)
	assert.Equal(t, "not permitted", result.Output)

	_, err := os.Stat(filepath.Join(dir, "..", "outside.txt"))
	assert.True(t, os.IsNotExist(err), "denied patch must not touch the filesystem")
}
