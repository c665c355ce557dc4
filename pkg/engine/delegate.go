package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/model"
)

// delegateSpec is the wire shape of one delegate/delegate_parallel entry.
type delegateSpec struct {
	Goal            string   `json:"goal"`
	Scope           string   `json:"scope"`
	Budget          int      `json:"budget"`
	ToolWhitelist   []string `json:"tool_whitelist"`
	DeadlineSeconds int      `json:"deadline_seconds"`
}

func (d delegateSpec) toSubAgentSpec(supervisor *AgentSupervisor) SubAgentSpec {
	budget := d.Budget
	if budget == 0 {
		budget = supervisor.DefaultBudget()
	}
	var deadline time.Duration
	if d.DeadlineSeconds > 0 {
		deadline = time.Duration(d.DeadlineSeconds) * time.Second
	}
	return SubAgentSpec{Goal: d.Goal, Scope: d.Scope, Budget: budget, ToolWhitelist: d.ToolWhitelist, Deadline: deadline}
}

// delegateHandler routes "delegate" (single spawn, joined synchronously)
// and "delegate_parallel" (fan-out + join) to AgentSupervisor, per the
// dispatcher table's delegate row (spec §4.3). Its mere presence in the
// registry is the capability gate: SetSupervisor only installs it when the
// session was constructed with a supervisor, so an ungranted session has
// no delegate tool at all rather than a denied one.
type delegateHandler struct {
	supervisor *AgentSupervisor
	parallel   bool
}

func delegateSpecSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal":             map[string]any{"type": "string"},
			"scope":            map[string]any{"type": "string"},
			"budget":           map[string]any{"type": "integer"},
			"tool_whitelist":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"deadline_seconds": map[string]any{"type": "integer"},
		},
		"required": []string{"goal"},
	}
}

func (h *delegateHandler) Schema() model.Tool {
	if h.parallel {
		return model.Tool{
			Description: "Spawn several sub-agents concurrently and wait for all of them to finish.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"specs": map[string]any{"type": "array", "items": delegateSpecSchema()}},
				"required":   []string{"specs"},
			},
		}
	}
	return model.Tool{
		Description: "Spawn one sub-agent to pursue a goal and wait for it to finish.",
		Parameters:  delegateSpecSchema(),
	}
}

func (h *delegateHandler) Validate(argsJSON string) (map[string]any, error) {
	if h.parallel {
		var parsed struct {
			Specs []delegateSpec `json:"specs"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Specs) == 0 {
			return nil, fmt.Errorf("specs must be non-empty")
		}
		return map[string]any{"specs": parsed.Specs}, nil
	}
	var spec delegateSpec
	if err := json.Unmarshal([]byte(argsJSON), &spec); err != nil {
		return nil, err
	}
	if spec.Goal == "" {
		return nil, fmt.Errorf("goal must be non-empty")
	}
	return map[string]any{"spec": spec}, nil
}

// Risk is always safe: the spawned child enforces its own sandbox/approval
// policy on every tool call it makes, so delegation itself grants no
// capability beyond what the tool's registration already gated.
func (h *delegateHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel { return RiskSafe }

func (h *delegateHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	if h.parallel {
		specs := args["specs"].([]delegateSpec)
		subSpecs := make([]SubAgentSpec, len(specs))
		for i, s := range specs {
			subSpecs[i] = s.toSubAgentSpec(h.supervisor)
		}
		join := h.supervisor.SpawnParallel(ctx, subSpecs)
		results := h.supervisor.Aggregate(ctx, join)
		buf, err := json.Marshal(results)
		if err != nil {
			return "encode failed: " + err.Error(), false
		}
		anyFailed := false
		for _, r := range results {
			if r.Status != SubAgentSucceeded {
				anyFailed = true
			}
		}
		return string(buf), !anyFailed
	}

	spec := args["spec"].(delegateSpec)
	handle := h.supervisor.Spawn(ctx, spec.toSubAgentSpec(h.supervisor))
	result, err := handle.Wait(ctx)
	if err != nil {
		return "delegate aborted: " + err.Error(), false
	}
	buf, _ := json.Marshal(result)
	return string(buf), result.Status == SubAgentSucceeded
}

// createAgentHandler implements "create_agent_from_prompt": it asks the
// model to synthesise a short agent brief from a free-text prompt, then
// spawns it under a conservative default policy (spec §4.3).
type createAgentHandler struct {
	supervisor *AgentSupervisor
	provider   model.Provider
}

func (h *createAgentHandler) Schema() model.Tool {
	return model.Tool{
		Description: "Synthesise a sub-agent from a natural-language prompt and spawn it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":        map[string]any{"type": "string"},
				"allow_write":   map[string]any{"type": "boolean"},
				"allow_network": map[string]any{"type": "boolean"},
			},
			"required": []string{"prompt"},
		},
	}
}

func (h *createAgentHandler) Validate(argsJSON string) (map[string]any, error) {
	var parsed struct {
		Prompt       string `json:"prompt"`
		AllowWrite   bool   `json:"allow_write"`
		AllowNetwork bool   `json:"allow_network"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
		return nil, err
	}
	if parsed.Prompt == "" {
		return nil, fmt.Errorf("prompt must be non-empty")
	}
	return map[string]any{"prompt": parsed.Prompt, "allow_write": parsed.AllowWrite, "allow_network": parsed.AllowNetwork}, nil
}

// Risk escalates only when the caller explicitly asked for write or
// network capability beyond the read-only default (spec §4.3: "requires
// approval if the synthesised definition requests any write or network
// capability beyond the session defaults").
func (h *createAgentHandler) Risk(args map[string]any, tctx TurnContext) RiskLevel {
	if args["allow_write"] == true || args["allow_network"] == true {
		return RiskWrite
	}
	return RiskSafe
}

func (h *createAgentHandler) Execute(ctx context.Context, callID string, args map[string]any, tctx TurnContext, sink func(Event)) (string, bool) {
	prompt := args["prompt"].(string)
	goal := prompt
	if h.provider != nil {
		goal = h.synthesizeGoal(ctx, prompt)
	}

	spec := SubAgentSpec{Goal: goal, Budget: h.supervisor.DefaultBudget()}
	if args["allow_write"] == true {
		spec.Scope = tctx.Cwd
	}
	handle := h.supervisor.Spawn(ctx, spec)
	result, err := handle.Wait(ctx)
	if err != nil {
		return "create_agent_from_prompt aborted: " + err.Error(), false
	}
	buf, _ := json.Marshal(result)
	return string(buf), result.Status == SubAgentSucceeded
}

// synthesizeGoal asks the model to turn a loose prompt into a concrete,
// actionable goal statement for the child agent; on any streaming failure
// it falls back to using the raw prompt verbatim.
func (h *createAgentHandler) synthesizeGoal(ctx context.Context, prompt string) string {
	req := model.Request{
		Instructions: "Rewrite the following request as a single concrete, actionable task description for a sub-agent. Respond with only the task description.",
		Messages:     []model.Message{{Role: "user", Content: prompt}},
	}
	stream, err := h.provider.Stream(ctx, req)
	if err != nil {
		return prompt
	}
	var out string
	for item := range stream {
		if item.Kind == model.ItemText {
			out += item.TextDelta
		}
	}
	if out == "" {
		return prompt
	}
	return out
}
