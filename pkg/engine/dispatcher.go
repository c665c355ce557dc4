package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-turnengine/turnengine/pkg/mcp"
	"github.com/codex-turnengine/turnengine/pkg/model"
	"github.com/codex-turnengine/turnengine/pkg/patch"
	"github.com/codex-turnengine/turnengine/pkg/sandbox"
)

const previewCap = 400

// ToolHandler is the capability set every registered tool implements
// (spec §4.3): argument validation, a risk classification used by the
// approval pipeline, and execution. Execute returns no error: it reports
// every failure as success=false, with a description in output that the
// model can react to.
type ToolHandler interface {
	Schema() model.Tool
	Validate(argsJSON string) (map[string]any, error)
	Risk(args map[string]any, tctx TurnContext) RiskLevel
	Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (output string, success bool)
}

// ToolDispatcher routes a validated tool call to the correct executor,
// enforcing sandbox/approval policy, generalizing
// pkg/harness/harness.go's ToolHandler interface and pkg/harness/toolloop.go's
// single-provider loop into the full registry/policy/risk pipeline of
// spec §4.3.
type ToolDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler

	state    *SessionState
	approval *ApprovalCoordinator
	emit     func(Event)

	supervisor *AgentSupervisor // set post-construction; see session.go wiring order

	// shellLimiter paces shell-tool invocations per session, the domain use
	// of golang.org/x/time/rate SPEC_FULL.md commits to alongside
	// TokenBudgeter's per-agent call pacing.
	shellLimiter *rate.Limiter
}

// NewToolDispatcher builds a dispatcher with the built-in handlers
// registered (shell, apply_patch, view_image, update_plan). MCP and
// delegate handlers are added by RegisterMCPTools/SetSupervisor once those
// collaborators exist.
func NewToolDispatcher(state *SessionState, approval *ApprovalCoordinator, runner sandbox.Runner, emit func(Event)) *ToolDispatcher {
	d := &ToolDispatcher{
		handlers:     make(map[string]ToolHandler),
		state:        state,
		approval:     approval,
		emit:         emit,
		shellLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	d.handlers["shell"] = &shellHandler{runner: runner, limiter: d.shellLimiter}
	d.handlers["apply_patch"] = &applyPatchHandler{}
	d.handlers["view_image"] = &viewImageHandler{}
	d.handlers["update_plan"] = &updatePlanHandler{state: state}
	return d
}

// SetSupervisor wires delegate/delegate_parallel/create_agent_from_prompt
// handlers once the parent session's AgentSupervisor exists. Called with a
// nil supervisor, the session has no delegate capability and those tool
// names are simply absent from the catalogue.
func (d *ToolDispatcher) SetSupervisor(s *AgentSupervisor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supervisor = s
	if s == nil {
		return
	}
	d.handlers["delegate"] = &delegateHandler{supervisor: s, parallel: false}
	d.handlers["delegate_parallel"] = &delegateHandler{supervisor: s, parallel: true}
	d.handlers["create_agent_from_prompt"] = &createAgentHandler{supervisor: s}
}

// RegisterMCPTools adds one handler per discovered MCP tool, named
// "mcp__<server>__<tool>" (spec §4.1 step 2).
func (d *ToolDispatcher) RegisterMCPTools(manager *mcp.Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, info := range manager.ListTools() {
		d.handlers[info.QualifiedName] = &mcpHandler{
			manager:       manager,
			qualifiedName: info.QualifiedName,
			description:   info.Description,
			inputSchema:   info.InputSchema,
		}
	}
}

// ToolNames returns the currently registered tool catalogue, stable within
// a turn (spec §9: "the set is fixed at session start ... does not change
// mid-turn").
func (d *ToolDispatcher) ToolNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Tools returns the model-facing schema for every registered handler, the
// set TurnOrchestrator attaches to each model.Request (spec §4.1 step 2).
func (d *ToolDispatcher) Tools() []model.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tools := make([]model.Tool, 0, len(d.handlers))
	for name, h := range d.handlers {
		t := h.Schema()
		t.Name = name
		tools = append(tools, t)
	}
	return tools
}

// Dispatch runs the full policy-evaluation pipeline (spec §4.3) for one
// tool call and returns the ToolResultItem to fold into history.
func (d *ToolDispatcher) Dispatch(ctx context.Context, call ToolCallItem, tctx TurnContext, approvalPolicy ApprovalPolicyMode) ToolResultItem {
	d.mu.RLock()
	handler, ok := d.handlers[call.Name]
	d.mu.RUnlock()

	if !ok {
		return ToolResultItem{CallID: call.CallID, Success: false, Output: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	args, err := handler.Validate(call.Args)
	if err != nil {
		return ToolResultItem{CallID: call.CallID, Success: false, Output: "invalid arguments: " + err.Error()}
	}

	risk := handler.Risk(args, tctx)
	fingerprint := Fingerprint(call.Name, args, tctx.Cwd)

	if d.approval.HasCachedApproval(fingerprint) {
		return d.execute(ctx, handler, call, args, tctx)
	}

	switch {
	case approvalPolicy == ApprovalNever && risk != RiskSafe:
		return ToolResultItem{CallID: call.CallID, Success: false, Output: "not permitted"}

	case RequiresApproval(approvalPolicy, risk):
		decision, scope, err := d.approval.RequestApproval(ctx, call.CallID, previewArgs(call.Args), risk)
		if err != nil || decision == DecisionDenied {
			return ToolResultItem{CallID: call.CallID, Success: false, Output: "denied by user"}
		}
		if decision == DecisionAbort {
			return ToolResultItem{CallID: call.CallID, Success: false, Output: "turn aborted during approval"}
		}
		if decision == DecisionApprovedForSession && scope == ScopeSession {
			d.state.CacheApproval(fingerprint, ScopeSession)
		}
		return d.execute(ctx, handler, call, args, tctx)

	default:
		result := d.execute(ctx, handler, call, args, tctx)
		if approvalPolicy == ApprovalOnFailure && !result.Success && isSandboxDenied(result.Output) {
			decision, scope, err := d.approval.RequestApproval(ctx, call.CallID, previewArgs(call.Args), risk)
			if err != nil || decision == DecisionDenied {
				return ToolResultItem{CallID: call.CallID, Success: false, Output: "denied by user"}
			}
			if decision == DecisionAbort {
				return ToolResultItem{CallID: call.CallID, Success: false, Output: "turn aborted during approval"}
			}
			if decision == DecisionApprovedForSession && scope == ScopeSession {
				d.state.CacheApproval(fingerprint, ScopeSession)
			}
			return d.execute(ctx, handler, call, args, tctx)
		}
		return result
	}
}

// sandboxDeniedPrefix marks a ToolResultItem.Output produced because the
// sandbox policy itself refused the operation, as opposed to the command
// simply failing on its own. ApprovalOnFailure only re-requests on this
// specific failure shape (spec §4.3).
const sandboxDeniedPrefix = "sandbox denied:"

func isSandboxDenied(output string) bool {
	return strings.HasPrefix(output, sandboxDeniedPrefix)
}

func (d *ToolDispatcher) execute(ctx context.Context, handler ToolHandler, call ToolCallItem, args map[string]any, tctx TurnContext) ToolResultItem {
	sink := func(e Event) {
		if d.emit != nil {
			d.emit(e)
		}
	}
	output, success := handler.Execute(ctx, call.CallID, args, tctx, sink)
	return ToolResultItem{CallID: call.CallID, Output: output, Success: success}
}

func previewArgs(argsJSON string) string { return redactPreview(argsJSON, previewCap) }

// --- shell -------------------------------------------------------------

type shellHandler struct {
	runner  sandbox.Runner
	limiter *rate.Limiter
}

func (h *shellHandler) Schema() model.Tool {
	return model.Tool{
		Description: "Run a shell command in the sandboxed workspace and return its stdout/stderr.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"argv": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"env":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"argv"},
		},
	}
}

func (h *shellHandler) Validate(argsJSON string) (map[string]any, error) {
	var parsed struct {
		Argv []string `json:"argv"`
		Env  []string `json:"env"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Argv) == 0 {
		return nil, fmt.Errorf("argv must be non-empty")
	}
	return map[string]any{"argv": toAnySlice(parsed.Argv), "env": toAnySlice(parsed.Env)}, nil
}

func (h *shellHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel {
	argv := stringSlice(args["argv"])
	if tctx.SandboxMode == PolicyReadOnly && ClassifyShellRisk(argv) != RiskSafe {
		return RiskHigh
	}
	return ClassifyShellRisk(argv)
}

func (h *shellHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	argv := normalizeArgv(stringSlice(args["argv"]))
	env := stringSlice(args["env"])

	if tctx.SandboxMode == PolicyReadOnly && ClassifyShellRisk(argv) != RiskSafe {
		return sandboxDeniedPrefix + " read-only policy forbids this command", false
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return "rate limited: " + err.Error(), false
	}

	req := sandbox.ExecRequest{
		Argv: argv,
		Env:  env,
		Cwd:  tctx.Cwd,
		Policy: sandbox.Policy{
			Mode:          sandbox.Mode(tctx.SandboxMode),
			WritableRoots: tctx.WritableRoots,
			NetworkAccess: tctx.NetworkAccess,
		},
	}
	result, err := h.runner.Run(ctx, req)
	if err != nil {
		if errors.Is(err, sandbox.ErrWriteOutsideSandbox) {
			return sandboxDeniedPrefix + " " + err.Error(), false
		}
		return "execution failed: " + err.Error(), false
	}
	if sink != nil && result.Stdout != "" {
		sink(Event{Kind: EvExecOutputDelta, ExecOutputDelta: &ExecOutputDeltaMsg{CallID: callID, Stream: "stdout", Bytes: []byte(result.Stdout)}})
	}
	if sink != nil && result.Stderr != "" {
		sink(Event{Kind: EvExecOutputDelta, ExecOutputDelta: &ExecOutputDeltaMsg{CallID: callID, Stream: "stderr", Bytes: []byte(result.Stderr)}})
	}
	if result.TimedOut {
		return "command timed out", false
	}
	success := result.ExitCode == 0
	output := result.Stdout
	if !success {
		output = fmt.Sprintf("exit %d: %s", result.ExitCode, result.Stderr)
	}
	return output, success
}

// --- apply_patch ---------------------------------------------------------

type applyPatchHandler struct{}

func (h *applyPatchHandler) Schema() model.Tool {
	return model.Tool{
		Description: "Apply a codex-format patch envelope (add/delete/update hunks) to the workspace.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"patch": map[string]any{"type": "string"}},
			"required":   []string{"patch"},
		},
	}
}

func (h *applyPatchHandler) Validate(argsJSON string) (map[string]any, error) {
	var parsed struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	if parsed.Patch == "" {
		return nil, fmt.Errorf("patch must be non-empty")
	}
	p, err := patch.Parse(parsed.Patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"patch": p, "raw": parsed.Patch}, nil
}

func (h *applyPatchHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel {
	p, _ := args["patch"].(*patch.Patch)
	if p == nil {
		return RiskHigh
	}
	for _, hunk := range p.Hunks {
		if !pathWithinRoots(tctx.Cwd, hunk.Path, tctx.WritableRoots) || touchesGitDir(hunk.Path) {
			return RiskWrite
		}
		if hunk.MoveTo != "" && !pathWithinRoots(tctx.Cwd, hunk.MoveTo, tctx.WritableRoots) {
			return RiskWrite
		}
	}
	return RiskSafe
}

func (h *applyPatchHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	p, _ := args["patch"].(*patch.Patch)
	if sink != nil {
		sink(Event{Kind: EvPatchApplyBegin})
	}
	err := patch.Apply(tctx.Cwd, p)
	if sink != nil {
		detail := "ok"
		if err != nil {
			detail = err.Error()
		}
		sink(Event{Kind: EvPatchApplyEnd, PatchApplyEnd: &PatchApplyEndMsg{Success: err == nil, Detail: detail}})
	}
	if err != nil {
		return "patch conflict: " + err.Error(), false
	}
	if sink != nil {
		sink(Event{Kind: EvTurnDiff, TurnDiff: &TurnDiffMsg{Diff: args["raw"].(string)}})
	}
	return "patch applied", true
}

func touchesGitDir(path string) bool {
	return len(path) >= 5 && path[:5] == ".git/" || path == ".git"
}

// --- view_image ----------------------------------------------------------

type viewImageHandler struct{}

func (h *viewImageHandler) Schema() model.Tool {
	return model.Tool{
		Description: "Read an image file from the workspace and return it as a data URI.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	}
}

func (h *viewImageHandler) Validate(argsJSON string) (map[string]any, error) {
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	if parsed.Path == "" {
		return nil, fmt.Errorf("path must be non-empty")
	}
	return map[string]any{"path": parsed.Path}, nil
}

func (h *viewImageHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel {
	if !pathWithinRoots(tctx.Cwd, args["path"].(string), tctx.WritableRoots) {
		return RiskWrite
	}
	return RiskSafe
}

func (h *viewImageHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	data, err := readImageFile(args["path"].(string))
	if err != nil {
		return "read failed: " + err.Error(), false
	}
	return data, true
}

// --- update_plan -----------------------------------------------------------

// planStep is one entry in an update_plan call.
type planStep struct {
	StepID string `json:"step_id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type updatePlanHandler struct{ state *SessionState }

func (h *updatePlanHandler) Schema() model.Tool {
	return model.Tool{
		Description: "Replace the visible plan with an ordered list of steps and their statuses.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"step_id": map[string]any{"type": "string"},
							"title":   map[string]any{"type": "string"},
							"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
						"required": []string{"step_id", "title", "status"},
					},
				},
			},
			"required": []string{"steps"},
		},
	}
}

func (h *updatePlanHandler) Validate(argsJSON string) (map[string]any, error) {
	var parsed struct {
		Steps []planStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	steps := make([]any, len(parsed.Steps))
	for i, s := range parsed.Steps {
		steps[i] = s
	}
	return map[string]any{"steps": steps}, nil
}

func (h *updatePlanHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel { return RiskSafe }

func (h *updatePlanHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	steps, _ := args["steps"].([]any)
	for i, raw := range steps {
		step, ok := raw.(planStep)
		if !ok {
			continue
		}
		if sink != nil {
			sink(Event{Kind: EvPlanUpdate, PlanUpdate: &PlanUpdateMsg{StepID: step.StepID, Title: step.Title, Status: step.Status, StepIndex: i}})
		}
	}
	return "plan updated", true
}

// --- mcp__<server>__<tool> ------------------------------------------------

type mcpHandler struct {
	manager       *mcp.Manager
	qualifiedName string
	description   string
	inputSchema   map[string]any
}

func (h *mcpHandler) Schema() model.Tool {
	return model.Tool{Description: h.description, Parameters: h.inputSchema}
}

func (h *mcpHandler) Validate(argsJSON string) (map[string]any, error) {
	if argsJSON == "" {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (h *mcpHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel {
	// Risk is delegated to MCP tool annotations; none are modeled here, so
	// default to requiring approval (spec §4.3).
	return RiskWrite
}

func (h *mcpHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	mcpCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result, err := h.manager.CallTool(mcpCtx, h.qualifiedName, args)
	if err != nil {
		return "mcp call failed: " + err.Error(), false
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return "mcp result encode failed: " + err.Error(), false
	}
	return string(buf), true
}

// --- helpers ---------------------------------------------------------------

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
