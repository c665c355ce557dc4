package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
)

// AgentHandle is a live or settled sub-agent spawn, generalizing
// haasonsaas-nexus's handoff-stack bookkeeping (internal/multiagent/supervisor.go)
// into a future the parent can cancel or join.
type AgentHandle struct {
	AgentID  string
	resultCh chan SubAgentResult
	cancel   context.CancelFunc
	settled  chan struct{}
	once     sync.Once
	result   SubAgentResult
}

func (h *AgentHandle) settle(r SubAgentResult) {
	h.once.Do(func() {
		h.result = r
		close(h.settled)
	})
}

// Wait blocks until the agent settles or ctx is cancelled.
func (h *AgentHandle) Wait(ctx context.Context) (SubAgentResult, error) {
	select {
	case <-h.settled:
		return h.result, nil
	case <-ctx.Done():
		return SubAgentResult{}, ctx.Err()
	}
}

// JoinHandle aggregates a spawn_parallel batch.
type JoinHandle struct {
	Handles []*AgentHandle
}

// SupervisorConfig mirrors config.SupervisorConfig's fields the engine
// actually consumes, decoupled from the yaml struct tags.
type SupervisorConfig struct {
	MaxConcurrentChildren int
	DefaultChildBudget    int
	DefaultDeadline       time.Duration
	DrainTimeout          time.Duration
}

// childFactory builds a fully-wired child Session for a spawn request. It
// is a function rather than a direct Session constructor call so
// AgentSupervisor doesn't need to know Session's construction
// dependencies (router, sandbox runner, mcp manager, ...); session.go
// supplies it.
type childFactory func(agentID string, spec SubAgentSpec) *Session

// AgentSupervisor runs sub-agents concurrently under the parent's shared
// token budget, generalizing haasonsaas-nexus's delegation pattern
// (DelegateTool/ReportTool/SupervisorConfig) into the spec's
// spawn/spawn_parallel/cancel/aggregate contract (spec §4.2) with budgeted,
// cancellable child Sessions instead of named specialist agents.
type AgentSupervisor struct {
	mu       sync.Mutex
	cfg      SupervisorConfig
	budgeter *TokenBudgeter
	bus      *EventBus
	newChild childFactory
	sem      chan struct{}
	children map[string]*Session
	metrics  *metrics.Collector
	tracer   *Tracer
}

// SetMetrics attaches an optional collector; when set, the running
// sub-agent gauge tracks s.children as entries are added and removed.
func (s *AgentSupervisor) SetMetrics(c *metrics.Collector) { s.metrics = c }

// SetTracer attaches an optional tracer for TraceSubAgent spans around
// each child's run.
func (s *AgentSupervisor) SetTracer(t *Tracer) { s.tracer = t }

func (s *AgentSupervisor) reportChildCount() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	n := len(s.children)
	s.mu.Unlock()
	s.metrics.SetSubAgentsRunning(n)
}

// NewAgentSupervisor builds a supervisor bound to the parent's shared
// token ledger and event bus (spec §5: "token ledger is shared across
// parent and children").
func NewAgentSupervisor(cfg SupervisorConfig, budgeter *TokenBudgeter, bus *EventBus, newChild childFactory) *AgentSupervisor {
	if cfg.MaxConcurrentChildren <= 0 {
		cfg.MaxConcurrentChildren = 8
	}
	return &AgentSupervisor{
		cfg:      cfg,
		budgeter: budgeter,
		bus:      bus,
		newChild: newChild,
		sem:      make(chan struct{}, cfg.MaxConcurrentChildren),
		children: make(map[string]*Session),
		tracer:   noopTracer(),
	}
}

// DefaultBudget returns the per-child token allowance applied by callers
// (e.g. delegateHandler) that omit an explicit budget in their spec.
func (s *AgentSupervisor) DefaultBudget() int { return s.cfg.DefaultChildBudget }

// Spawn creates and starts a child session for spec, registering
// spec.Budget as the child's per-agent limit on the shared ledger. The
// slice is not held against the global budget up front; the child's model
// calls reserve global capacity only as they are made.
func (s *AgentSupervisor) Spawn(ctx context.Context, spec SubAgentSpec) *AgentHandle {
	agentID := NewAgentID()
	handle := &AgentHandle{AgentID: agentID, resultCh: make(chan SubAgentResult, 1), settled: make(chan struct{})}

	if spec.Budget <= 0 {
		// A zero (or negative) budget exhausts before the first model call
		// (spec §8 boundary behaviours) rather than inheriting the
		// supervisor's default or the shared remaining budget.
		handle.settle(SubAgentResult{AgentID: agentID, Status: SubAgentFailed, Error: ErrBudgetExhausted.Error()})
		return handle
	}
	s.budgeter.RegisterAgent(agentID, spec.Budget)

	deadline := spec.Deadline
	if deadline <= 0 {
		deadline = s.cfg.DefaultDeadline
	}
	if deadline <= 0 {
		deadline = 300 * time.Second
	}

	childCtx, cancel := context.WithTimeout(ctx, deadline)
	handle.cancel = cancel

	child := s.newChild(agentID, spec)
	s.mu.Lock()
	s.children[agentID] = child
	s.mu.Unlock()
	s.reportChildCount()

	s.pumpEvents(child, agentID)

	go s.run(childCtx, child, agentID, spec, handle)
	return handle
}

// pumpEvents re-emits every event from child's bus onto the parent bus,
// tagged with agent_id, interleaved in arrival order (spec §4.2: "no
// global ordering between siblings").
func (s *AgentSupervisor) pumpEvents(child *Session, agentID string) {
	sub := child.Bus.Subscribe("supervisor-pump")
	go func() {
		for e := range sub {
			e.AgentID = agentID
			s.bus.Publish(e)
		}
	}()
}

func (s *AgentSupervisor) run(ctx context.Context, child *Session, agentID string, spec SubAgentSpec, handle *AgentHandle) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		handle.settle(SubAgentResult{AgentID: agentID, Status: SubAgentCancelled, Error: ctx.Err().Error()})
		s.cleanup(agentID)
		return
	}

	ctx, span := s.tracer.TraceSubAgent(ctx, agentID, spec.Goal)
	var spanErr error
	defer func() { End(span, spanErr) }()

	start := time.Now()
	op := Op{
		ID:   NewCallID(),
		Kind: OpUserTurn,
		UserTurn: &UserTurnOp{
			Items: []ResponseItem{{ItemID: NewItemID(), Kind: ItemUserMessage, UserMessage: &UserMessageItem{Content: spec.Goal}}},
		},
	}

	result := child.Orchestrator.RunTurnSync(ctx, op)
	elapsed := time.Since(start).Milliseconds()

	status := SubAgentSucceeded
	errMsg := ""
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		status = SubAgentTimedOut
		errMsg = "deadline exceeded"
	case ctx.Err() == context.Canceled:
		status = SubAgentCancelled
		errMsg = "cancelled"
	case !result.Success:
		status = SubAgentFailed
		errMsg = result.Reason
	}
	if errMsg != "" {
		spanErr = fmt.Errorf("%s", errMsg)
	}

	handle.settle(SubAgentResult{
		AgentID:    agentID,
		Status:     status,
		TokensUsed: s.budgeter.Usage().PerAgent[agentID],
		Error:      errMsg,
		ElapsedMS:  elapsed,
	})
	s.cleanup(agentID)
}

func (s *AgentSupervisor) cleanup(agentID string) {
	s.mu.Lock()
	delete(s.children, agentID)
	s.mu.Unlock()
	s.reportChildCount()
}

// SpawnParallel spawns every spec concurrently and returns a JoinHandle.
func (s *AgentSupervisor) SpawnParallel(ctx context.Context, specs []SubAgentSpec) *JoinHandle {
	handles := make([]*AgentHandle, len(specs))
	for i, spec := range specs {
		handles[i] = s.Spawn(ctx, spec)
	}
	return &JoinHandle{Handles: handles}
}

// Aggregate waits for every handle in join to settle and collects results,
// returning partial results if ctx is cancelled first (spec §4.2:
// "spawn_parallel returns partial success").
func (s *AgentSupervisor) Aggregate(ctx context.Context, join *JoinHandle) []SubAgentResult {
	out := make([]SubAgentResult, 0, len(join.Handles))
	for _, h := range join.Handles {
		r, err := h.Wait(ctx)
		if err != nil {
			out = append(out, SubAgentResult{AgentID: h.AgentID, Status: SubAgentCancelled, Error: err.Error()})
			continue
		}
		out = append(out, r)
	}
	return out
}

// Cancel interrupts one child and waits up to DrainTimeout before force-
// dropping it (spec §4.2).
func (s *AgentSupervisor) Cancel(handle *AgentHandle) {
	if handle.cancel != nil {
		handle.cancel()
	}
	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 5 * time.Second
	}
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-handle.settled:
	case <-timer.C:
	}
}

// CancelAll interrupts every active child.
func (s *AgentSupervisor) CancelAll() {
	s.mu.Lock()
	children := make([]*Session, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()
	for _, c := range children {
		c.Interrupt()
	}
}
