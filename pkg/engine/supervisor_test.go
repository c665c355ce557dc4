package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-turnengine/turnengine/pkg/aliases"
	"github.com/codex-turnengine/turnengine/pkg/engine/logging"
	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
	"github.com/codex-turnengine/turnengine/pkg/model"
	"github.com/codex-turnengine/turnengine/pkg/router"
)

// newTestChildFactory builds a childFactory whose children all share the
// same scripted model responses, so a supervisor test can control what
// every spawned child "says" without going through config.Config/NewSession.
func newTestChildFactory(t *testing.T, budgeter *TokenBudgeter, responseFor func(goal string) []model.StreamItem) childFactory {
	t.Helper()
	return func(agentID string, spec SubAgentSpec) *Session {
		tctx := TurnContext{Model: "gpt-5.2-codex", ApprovalPolicy: ApprovalNever, SandboxMode: PolicyWorkspaceWrite, Cwd: "/work", WritableRoots: []string{"/work"}}
		state := NewSessionState(tctx)
		bus := NewEventBus(agentID, nil)
		approval := NewApprovalCoordinator(state, 0, func(e Event) { bus.Publish(e) })
		dispatcher := NewToolDispatcher(state, approval, &fakeRunner{}, func(e Event) { bus.Publish(e) })
		provider := &scriptedProvider{responses: [][]model.StreamItem{responseFor(spec.Goal)}}
		rt := router.New(aliases.NewTable(nil, nil), provider, nil)
		log := logging.New(logging.LevelInfo, nil)
		orch := NewTurnOrchestrator(agentID, agentID, state, bus, budgeter, dispatcher, approval, rt, 10, 2*time.Second, log)
		return &Session{ID: agentID, AgentID: agentID, State: state, Bus: bus, Budgeter: budgeter, Approval: approval, Dispatcher: dispatcher, Orchestrator: orch}
	}
}

func TestAgentSupervisorSpawnSucceeds(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "ok: " + goal}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{}, budgeter, bus, factory)

	handle := supervisor.Spawn(context.Background(), SubAgentSpec{Goal: "investigate", Budget: 1000})
	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SubAgentSucceeded, result.Status)
}

func TestAgentSupervisorSpawnZeroBudgetFailsImmediately(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(string) []model.StreamItem { return nil })
	supervisor := NewAgentSupervisor(SupervisorConfig{}, budgeter, bus, factory)

	handle := supervisor.Spawn(context.Background(), SubAgentSpec{Goal: "x", Budget: 0})
	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SubAgentFailed, result.Status)
	assert.Equal(t, ErrBudgetExhausted.Error(), result.Error)
}

func TestAgentSupervisorSpawnParallelAggregates(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	factory := newTestChildFactory(t, budgeter, func(goal string) []model.StreamItem {
		return []model.StreamItem{{Kind: model.ItemText, TextDelta: "done: " + goal}}
	})
	supervisor := NewAgentSupervisor(SupervisorConfig{MaxConcurrentChildren: 4}, budgeter, bus, factory)

	specs := []SubAgentSpec{{Goal: "a", Budget: 1000}, {Goal: "b", Budget: 1000}, {Goal: "c", Budget: 1000}}
	join := supervisor.SpawnParallel(context.Background(), specs)
	results := supervisor.Aggregate(context.Background(), join)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, SubAgentSucceeded, r.Status)
	}
}

func TestAgentSupervisorCancelAllInterruptsChildren(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	block := make(chan struct{})
	factory := func(agentID string, spec SubAgentSpec) *Session {
		tctx := TurnContext{Model: "gpt-5.2-codex", ApprovalPolicy: ApprovalNever, SandboxMode: PolicyWorkspaceWrite, Cwd: "/work", WritableRoots: []string{"/work"}}
		state := NewSessionState(tctx)
		childBus := NewEventBus(agentID, nil)
		approval := NewApprovalCoordinator(state, 0, func(e Event) { childBus.Publish(e) })
		dispatcher := NewToolDispatcher(state, approval, &fakeRunner{}, func(e Event) { childBus.Publish(e) })
		provider := &scriptedProvider{blockCh: block}
		rt := router.New(aliases.NewTable(nil, nil), provider, nil)
		log := logging.New(logging.LevelInfo, nil)
		orch := NewTurnOrchestrator(agentID, agentID, state, childBus, budgeter, dispatcher, approval, rt, 10, 2*time.Second, log)
		return &Session{ID: agentID, AgentID: agentID, State: state, Bus: childBus, Budgeter: budgeter, Approval: approval, Dispatcher: dispatcher, Orchestrator: orch}
	}
	supervisor := NewAgentSupervisor(SupervisorConfig{}, budgeter, bus, factory)

	handle := supervisor.Spawn(context.Background(), SubAgentSpec{Goal: "long", Budget: 1000, Deadline: 5 * time.Second})
	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("child never started streaming")
	}

	supervisor.CancelAll()

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SubAgentFailed, result.Status)
	assert.Equal(t, "interrupted", result.Error)
}

func TestAgentSupervisorMetricsGaugeTracksChildren(t *testing.T) {
	budgeter := NewTokenBudgeter(0, 0)
	bus := NewEventBus("root", nil)
	started := make(chan struct{})
	factory := func(agentID string, spec SubAgentSpec) *Session {
		tctx := TurnContext{Model: "gpt-5.2-codex", ApprovalPolicy: ApprovalNever, SandboxMode: PolicyWorkspaceWrite, Cwd: "/work", WritableRoots: []string{"/work"}}
		state := NewSessionState(tctx)
		childBus := NewEventBus(agentID, nil)
		approval := NewApprovalCoordinator(state, 0, func(e Event) { childBus.Publish(e) })
		dispatcher := NewToolDispatcher(state, approval, &fakeRunner{}, func(e Event) { childBus.Publish(e) })
		provider := &scriptedProvider{blockCh: started}
		rt := router.New(aliases.NewTable(nil, nil), provider, nil)
		log := logging.New(logging.LevelInfo, nil)
		orch := NewTurnOrchestrator(agentID, agentID, state, childBus, budgeter, dispatcher, approval, rt, 10, 2*time.Second, log)
		return &Session{ID: agentID, AgentID: agentID, State: state, Bus: childBus, Budgeter: budgeter, Approval: approval, Dispatcher: dispatcher, Orchestrator: orch}
	}
	supervisor := NewAgentSupervisor(SupervisorConfig{}, budgeter, bus, factory)
	collector := metrics.NewCollector()
	supervisor.SetMetrics(collector)

	handle := supervisor.Spawn(context.Background(), SubAgentSpec{Goal: "x", Budget: 1000, Deadline: 5 * time.Second})
	<-started
	assert.Equal(t, float64(1), gatherCounterValue(t, collector, "turnengine_supervisor_agents_running"))
	supervisor.CancelAll()
	_, _ = handle.Wait(context.Background())
	assert.Eventually(t, func() bool {
		return gatherCounterValue(t, collector, "turnengine_supervisor_agents_running") == 0
	}, time.Second, 5*time.Millisecond)
}
