package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-turnengine/turnengine/pkg/model"
)

func TestDelegateHandlerSingleSpawnSucceeds(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "ok: " + goal}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{DefaultChildBudget: 500}, budgeter, bus, factory)
	h := &delegateHandler{supervisor: supervisor}

	args, err := h.Validate(`{"goal":"investigate the bug"}`)
	require.NoError(t, err)

	out, ok := h.Execute(context.Background(), "c1", args, TurnContext{}, func(Event) {})
	assert.True(t, ok)
	assert.Contains(t, out, "succeeded")
}

func TestDelegateHandlerValidateRejectsEmptyGoal(t *testing.T) {
	h := &delegateHandler{}
	_, err := h.Validate(`{"goal":""}`)
	assert.Error(t, err)
}

func TestDelegateHandlerParallelAggregates(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "done: " + goal}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{MaxConcurrentChildren: 4, DefaultChildBudget: 500}, budgeter, bus, factory)
	h := &delegateHandler{supervisor: supervisor, parallel: true}

	args, err := h.Validate(`{"specs":[{"goal":"a"},{"goal":"b"}]}`)
	require.NoError(t, err)

	out, ok := h.Execute(context.Background(), "c1", args, TurnContext{}, func(Event) {})
	assert.True(t, ok)
	assert.Contains(t, out, "succeeded")
}

func TestDelegateHandlerParallelReportsFailureWhenAChildFails(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		if goal == "b" {
			return []model.StreamItem{{Kind: model.ItemError, ErrMessage: "boom", ErrRetry: false}}
		}
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "done: " + goal}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{MaxConcurrentChildren: 4, DefaultChildBudget: 500}, budgeter, bus, factory)
	h := &delegateHandler{supervisor: supervisor, parallel: true}

	args, err := h.Validate(`{"specs":[{"goal":"a"},{"goal":"b"}]}`)
	require.NoError(t, err)

	out, ok := h.Execute(context.Background(), "c1", args, TurnContext{}, func(Event) {})
	assert.False(t, ok, "a batch with a failed child must not be reported as a success")
	assert.Contains(t, out, "failed")
}

func TestDelegateHandlerParallelRejectsEmptySpecs(t *testing.T) {
	h := &delegateHandler{parallel: true}
	_, err := h.Validate(`{"specs":[]}`)
	assert.Error(t, err)
}

func TestCreateAgentHandlerFallsBackToPromptWithoutProvider(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	var capturedGoal string
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		capturedGoal = goal
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "ok"}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{DefaultChildBudget: 500}, budgeter, bus, factory)
	h := &createAgentHandler{supervisor: supervisor}

	args, err := h.Validate(`{"prompt":"clean up the logs"}`)
	require.NoError(t, err)

	out, ok := h.Execute(context.Background(), "c1", args, TurnContext{Cwd: "/work"}, func(Event) {})
	assert.True(t, ok)
	assert.Contains(t, out, "succeeded")
	assert.Equal(t, "clean up the logs", capturedGoal)
}

func TestCreateAgentHandlerRiskEscalatesOnWriteRequest(t *testing.T) {
	h := &createAgentHandler{}
	assert.Equal(t, RiskSafe, h.Risk(map[string]any{}, TurnContext{}))
	assert.Equal(t, RiskWrite, h.Risk(map[string]any{"allow_write": true}, TurnContext{}))
	assert.Equal(t, RiskWrite, h.Risk(map[string]any{"allow_network": true}, TurnContext{}))
}

func TestCreateAgentHandlerValidateRejectsEmptyPrompt(t *testing.T) {
	h := &createAgentHandler{}
	_, err := h.Validate(`{"prompt":""}`)
	assert.Error(t, err)
}
