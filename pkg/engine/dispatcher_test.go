package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-turnengine/turnengine/pkg/sandbox"
)

type fakeRunner struct {
	result *sandbox.ExecResult
	err    error
	// failUntil, when non-zero, makes Run return err only for calls up to
	// and including the failUntil'th, then fall through to result — used to
	// simulate a sandbox denial that clears once approval is granted and
	// the dispatcher retries.
	failUntil int
	calls     []sandbox.ExecRequest
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil && (f.failUntil == 0 || len(f.calls) <= f.failUntil) {
		return nil, f.err
	}
	return f.result, nil
}

func newTestDispatcher(runner sandbox.Runner, policy ApprovalPolicyMode) (*ToolDispatcher, *SessionState, *ApprovalCoordinator) {
	return newTestDispatcherWithEmit(runner, policy, func(Event) {})
}

func newTestDispatcherWithEmit(runner sandbox.Runner, policy ApprovalPolicyMode, emit func(Event)) (*ToolDispatcher, *SessionState, *ApprovalCoordinator) {
	state := NewSessionState(TurnContext{ApprovalPolicy: policy, Cwd: "/work", WritableRoots: []string{"/work"}})
	approval := NewApprovalCoordinator(state, 0, emit)
	dispatcher := NewToolDispatcher(state, approval, runner, func(Event) {})
	return dispatcher, state, approval
}

func shellCall(argv ...string) ToolCallItem {
	args, _ := json.Marshal(map[string]any{"argv": argv})
	return ToolCallItem{CallID: "c1", Name: "shell", Args: string(args), Source: SourceModel}
}

func TestDispatchUnknownToolFails(t *testing.T) {
	dispatcher, state, _ := newTestDispatcher(&fakeRunner{}, ApprovalNever)
	result := dispatcher.Dispatch(context.Background(), ToolCallItem{CallID: "c1", Name: "nope"}, state.TurnContext(), ApprovalNever)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "unknown tool")
}

func TestDispatchSafeShellCommandRunsWithoutApproval(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecResult{Stdout: "hello\n", ExitCode: 0}}
	dispatcher, state, _ := newTestDispatcher(runner, ApprovalOnRequest)

	result := dispatcher.Dispatch(context.Background(), shellCall("ls"), state.TurnContext(), ApprovalOnRequest)
	require.True(t, result.Success)
	assert.Equal(t, "hello\n", result.Output)
	assert.Len(t, runner.calls, 1)
}

func TestDispatchRiskyShellCommandRequiresApproval(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecResult{Stdout: "done", ExitCode: 0}}
	requested := make(chan struct{}, 1)
	dispatcher, state, approval := newTestDispatcherWithEmit(runner, ApprovalOnRequest, func(e Event) {
		if e.Kind == EvApprovalRequest {
			requested <- struct{}{}
		}
	})

	done := make(chan ToolResultItem, 1)
	go func() {
		done <- dispatcher.Dispatch(context.Background(), shellCall("rm", "foo"), state.TurnContext(), ApprovalOnRequest)
	}()

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("approval request was never emitted")
	}
	require.NoError(t, approval.Decide("c1", DecisionApproved, ScopeOnce, ""))

	result := <-done
	require.True(t, result.Success)
	assert.Len(t, runner.calls, 1)
}

func TestDispatchApprovalNeverDeniesRiskyCommand(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecResult{ExitCode: 0}}
	dispatcher, state, _ := newTestDispatcher(runner, ApprovalNever)

	result := dispatcher.Dispatch(context.Background(), shellCall("rm", "foo"), state.TurnContext(), ApprovalNever)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "not permitted")
	assert.Empty(t, runner.calls, "denied call must never reach the runner")
}

func TestDispatchCachedApprovalSkipsRequest(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecResult{Stdout: "ok", ExitCode: 0}}
	dispatcher, state, _ := newTestDispatcher(runner, ApprovalOnRequest)

	fp := Fingerprint("shell", map[string]any{"argv": []any{"rm", "foo"}, "env": []any{}}, "/work")
	state.CacheApproval(fp, ScopeSession)

	result := dispatcher.Dispatch(context.Background(), shellCall("rm", "foo"), state.TurnContext(), ApprovalOnRequest)
	assert.True(t, result.Success)
	assert.Len(t, runner.calls, 1)
}

func TestDispatchInvalidArgsFails(t *testing.T) {
	dispatcher, state, _ := newTestDispatcher(&fakeRunner{}, ApprovalNever)
	call := ToolCallItem{CallID: "c1", Name: "shell", Args: `{"argv": []}`}
	result := dispatcher.Dispatch(context.Background(), call, state.TurnContext(), ApprovalNever)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "invalid arguments")
}

func TestDispatchOnFailureRerequestsApprovalAfterSandboxDenial(t *testing.T) {
	runner := &fakeRunner{err: sandbox.ErrWriteOutsideSandbox, failUntil: 1, result: &sandbox.ExecResult{Stdout: "ok", ExitCode: 0}}
	var mu sync.Mutex
	var emitted []Event
	dispatcher, state, approval := newTestDispatcherWithEmit(runner, ApprovalOnFailure, func(e Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})

	done := make(chan ToolResultItem, 1)
	go func() {
		done <- dispatcher.Dispatch(context.Background(), shellCall("ls"), state.TurnContext(), ApprovalOnFailure)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range emitted {
			if e.Kind == EvApprovalRequest {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "sandbox denial must trigger an approval request")

	require.NoError(t, approval.Decide("c1", DecisionApproved, ScopeOnce, ""))

	result := <-done
	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Output)
	assert.Len(t, runner.calls, 2, "first call denied by the sandbox, second after approval succeeds")
}

func TestDispatchOnFailureDoesNotRerequestOnOrdinaryFailure(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.ExecResult{Stderr: "no such file", ExitCode: 1}}
	dispatcher, state, _ := newTestDispatcher(runner, ApprovalOnFailure)

	result := dispatcher.Dispatch(context.Background(), shellCall("ls"), state.TurnContext(), ApprovalOnFailure)
	assert.False(t, result.Success)
	assert.Len(t, runner.calls, 1, "an ordinary command failure must not trigger a re-request")
}

func TestToolNamesAndSchemasStable(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(&fakeRunner{}, ApprovalNever)
	names := dispatcher.ToolNames()
	assert.Contains(t, names, "shell")
	assert.Contains(t, names, "apply_patch")
	assert.Contains(t, names, "view_image")
	assert.Contains(t, names, "update_plan")

	tools := dispatcher.Tools()
	assert.Len(t, tools, len(names))
}
