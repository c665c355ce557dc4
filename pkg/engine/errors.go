package engine

import "errors"

// ErrorKind is the closed set of machine-readable codes surfaced on events
// (spec §7). Every engine-originated failure carries one of these.
type ErrorKind string

const (
	ErrKindUnauthorized       ErrorKind = "unauthorized"
	ErrKindRateLimited        ErrorKind = "rate_limited"
	ErrKindContextWindow      ErrorKind = "context_window_exceeded"
	ErrKindStreamDisconnected ErrorKind = "stream_disconnected"
	ErrKindToolArgsInvalid    ErrorKind = "tool_args_invalid"
	ErrKindSandboxDenied      ErrorKind = "sandbox_denied"
	ErrKindBudgetExhausted    ErrorKind = "budget_exhausted"
	ErrKindApprovalDenied     ErrorKind = "approval_denied"
	ErrKindPatchConflict      ErrorKind = "patch_conflict"
	ErrKindInternal           ErrorKind = "internal"
)

// Sentinel errors components return; orchestrator code type-switches or
// uses errors.Is to classify them onto the ErrorKind enum above.
var (
	ErrUnauthorized      = errors.New("engine: unauthorized")
	ErrBusy              = errors.New("engine: a turn is already active")
	ErrQueueFull         = errors.New("engine: submission queue full")
	ErrBudgetExhausted   = errors.New("engine: token budget exhausted")
	ErrApprovalDenied    = errors.New("engine: approval denied")
	ErrApprovalAborted   = errors.New("engine: approval aborted at shutdown")
	ErrNoContent         = errors.New("engine: turn rejected, no content")
	ErrPatchConflict     = errors.New("engine: patch hunk does not apply")
	ErrSandboxDenied     = errors.New("engine: sandbox denied the operation")
	ErrToolArgsInvalid   = errors.New("engine: invalid tool arguments")
	ErrContextWindow     = errors.New("engine: context window exceeded")
	ErrUnknownTool       = errors.New("engine: unknown tool")
	ErrTurnContextActive = errors.New("engine: cannot set turn context while a turn is active")
	ErrShuttingDown      = errors.New("engine: session is shutting down")
	ErrReplayGap         = errors.New("engine: requested sequence range is not retained")
)
