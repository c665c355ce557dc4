// Package engine implements the Session Turn Engine: the subsystem that
// drives one conversational turn with a language model, dispatches tool
// calls under sandbox and approval policy, streams events to subscribers,
// tracks token budgets, and supervises parallel sub-agent execution.
//
// The engine depends on three small collaborator primitives supplied by the
// embedder: pkg/model (streaming completions), pkg/sandbox (process
// execution), and pkg/mcp (MCP tool calls). It never talks to a transport,
// file descriptor, or OS primitive except through those interfaces.
package engine

import "time"

// ItemKind identifies the variant populated on a ResponseItem.
type ItemKind int

const (
	ItemUserMessage ItemKind = iota
	ItemAssistantMessage
	ItemToolCall
	ItemToolResult
	ItemCompacted
	ItemReasoning
)

func (k ItemKind) String() string {
	switch k {
	case ItemUserMessage:
		return "user_message"
	case ItemAssistantMessage:
		return "assistant_message"
	case ItemToolCall:
		return "tool_call"
	case ItemToolResult:
		return "tool_result"
	case ItemCompacted:
		return "compacted"
	case ItemReasoning:
		return "reasoning"
	default:
		return "unknown"
	}
}

// ToolCallSource names where a tool call originated, for audit/events.
type ToolCallSource string

const (
	SourceModel ToolCallSource = "model"
	SourceUser  ToolCallSource = "user" // RunCustomShellCommand
)

// ResponseItem is one entry in a session's history. It is a tagged struct:
// exactly one of the typed fields is populated, selected by Kind.
type ResponseItem struct {
	ItemID string
	Kind   ItemKind

	UserMessage      *UserMessageItem
	AssistantMessage *AssistantMessageItem
	ToolCall         *ToolCallItem
	ToolResult       *ToolResultItem
	Compacted        *CompactedItem
	Reasoning        *ReasoningItem
}

type UserMessageItem struct{ Content string }

type AssistantMessageItem struct {
	Content   string
	Reasoning string
}

type ToolCallItem struct {
	CallID string
	Name   string
	Args   string // JSON-encoded
	Source ToolCallSource
}

type ToolResultItem struct {
	CallID  string
	Output  string
	Success bool
}

type CompactedItem struct {
	Summary       string
	ReplacedRange [2]int // [start, end) index into history at the time of compaction
}

type ReasoningItem struct {
	Text      string
	Signature string
}

// ApprovalScope controls how long an approval decision is remembered.
type ApprovalScope string

const (
	ScopeOnce    ApprovalScope = "once"
	ScopeSession ApprovalScope = "session"
)

// ApprovalDecisionKind is the user's answer to an ApprovalRequest.
type ApprovalDecisionKind string

const (
	DecisionApproved           ApprovalDecisionKind = "approved"
	DecisionApprovedForSession ApprovalDecisionKind = "approved_for_session"
	DecisionDenied             ApprovalDecisionKind = "denied"
	DecisionAbort              ApprovalDecisionKind = "abort"
)

// SandboxPolicyMode mirrors sandbox.Mode without importing it into every
// consumer of this package's public structs.
type SandboxPolicyMode string

const (
	PolicyReadOnly         SandboxPolicyMode = "read-only"
	PolicyWorkspaceWrite   SandboxPolicyMode = "workspace-write"
	PolicyDangerFullAccess SandboxPolicyMode = "danger-full-access"
)

// ApprovalPolicyMode controls when risky tool calls require user approval.
type ApprovalPolicyMode string

const (
	ApprovalNever         ApprovalPolicyMode = "never"
	ApprovalOnFailure     ApprovalPolicyMode = "on-failure"
	ApprovalOnRequest     ApprovalPolicyMode = "on-request"
	ApprovalUnlessTrusted ApprovalPolicyMode = "unless-trusted"
)

// TurnContext is the set of settings active for a single turn. It is
// immutable within a turn; overrides take effect only at turn boundaries.
type TurnContext struct {
	Model           string
	ApprovalPolicy  ApprovalPolicyMode
	SandboxMode     SandboxPolicyMode
	WritableRoots   []string
	NetworkAccess   bool
	Cwd             string
	ReasoningEffort string
	ReviewMode      bool
	AutoCompact     bool
}

// Clone returns a deep-enough copy safe to hand to a sub-agent for
// independent narrowing of WritableRoots/tool whitelist.
func (c TurnContext) Clone() TurnContext {
	clone := c
	clone.WritableRoots = append([]string(nil), c.WritableRoots...)
	return clone
}

// SubAgentStatus is the terminal state of a finished sub-agent.
type SubAgentStatus string

const (
	SubAgentSucceeded SubAgentStatus = "succeeded"
	SubAgentFailed    SubAgentStatus = "failed"
	SubAgentTimedOut  SubAgentStatus = "timeout"
	SubAgentCancelled SubAgentStatus = "cancelled"
)

// SubAgentResult is the per-agent outcome AgentSupervisor.Aggregate collects.
type SubAgentResult struct {
	AgentID   string
	Status    SubAgentStatus
	TokensUsed int
	Artifacts []string
	Error     string
	ElapsedMS int64
}

// SubAgentSpec describes one child session to spawn.
type SubAgentSpec struct {
	Goal          string
	Scope         string // directory subtree the child is confined to
	Budget        int
	ToolWhitelist []string
	Deadline      time.Duration
}

// RiskLevel classifies a tool call for the approval pipeline.
type RiskLevel string

const (
	RiskSafe  RiskLevel = "safe"
	RiskWrite RiskLevel = "write"
	RiskHigh  RiskLevel = "high"
)
