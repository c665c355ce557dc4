// Package sandbox defines the sandbox policy the engine applies to shell and
// apply_patch tool calls, and the local process-execution collaborator that
// enforces it. Remote/VM execution backends are the embedder's concern; this
// package only spawns local child processes under a resource-capped policy.
package sandbox

import (
	"context"
	"time"
)

// Mode names the sandbox's write/network posture.
type Mode string

const (
	ReadOnly         Mode = "read-only"
	WorkspaceWrite   Mode = "workspace-write"
	DangerFullAccess Mode = "danger-full-access"
)

// Policy is the resolved sandbox policy attached to a command execution.
type Policy struct {
	Mode          Mode
	WritableRoots []string
	NetworkAccess bool
	Timeout       time.Duration
	StdoutCapMB   int
	StderrCapMB   int
}

// ExecRequest is one command to run under a Policy.
type ExecRequest struct {
	Argv   []string
	Env    []string
	Cwd    string
	Policy Policy
}

// ExecResult is the outcome of a sandboxed execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	Truncated  bool
	Duration   time.Duration
}

// Runner spawns a command under the given policy and waits for it to finish
// or for ctx to be cancelled. Implementations must honor Policy.Timeout by
// enforcing it themselves (via context.WithTimeout) rather than relying on
// the caller.
type Runner interface {
	Run(ctx context.Context, req ExecRequest) (*ExecResult, error)
}
