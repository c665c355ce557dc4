package engine

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/aliases"
	"github.com/codex-turnengine/turnengine/pkg/auth"
	"github.com/codex-turnengine/turnengine/pkg/config"
	"github.com/codex-turnengine/turnengine/pkg/engine/logging"
	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
	"github.com/codex-turnengine/turnengine/pkg/mcp"
	"github.com/codex-turnengine/turnengine/pkg/model"
	"github.com/codex-turnengine/turnengine/pkg/router"
	"github.com/codex-turnengine/turnengine/pkg/sandbox"
)

// Session is one top-level (or, under a supervisor, child) conversation,
// wiring the seven components in the dependency order spec §2 specifies:
// TokenBudgeter -> SessionState -> EventBus -> ApprovalCoordinator ->
// ToolDispatcher -> AgentSupervisor -> TurnOrchestrator.
type Session struct {
	ID           string
	AgentID      string
	State        *SessionState
	Bus          *EventBus
	Budgeter     *TokenBudgeter
	Approval     *ApprovalCoordinator
	Dispatcher   *ToolDispatcher
	Supervisor   *AgentSupervisor
	Orchestrator *TurnOrchestrator

	log *logging.Logger
}

// Deps bundles the embedder-supplied collaborators a Session needs beyond
// config (spec §1: model-provider transport, sandbox execution, and MCP
// tool calls are all out of scope for the engine itself).
type Deps struct {
	Credentials *auth.Store
	HTTPClient  *http.Client
	Sandbox     sandbox.Runner
	MCP         *mcp.Manager
	Log         *logging.Logger
	Metrics     *metrics.Collector
	Tracer      *Tracer
}

// NewSession constructs a fully-wired root session. Root sessions get an
// unlimited per-agent token ledger slice (RegisterAgent with limit 0),
// since cfg.Budget.TotalBudget is the actual ceiling.
func NewSession(cfg config.Config, deps Deps) *Session {
	sessionID := NewSessionID()
	agentID := NewAgentID()
	log := deps.Log
	if log == nil {
		log = logging.New(logging.LevelInfo, nil)
	}
	log = log.With("session=" + sessionID[:8])

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	tctx := TurnContext{
		Model:           cfg.Engine.DefaultModel,
		ApprovalPolicy:  ApprovalPolicyMode(cfg.Approval.Policy),
		SandboxMode:     SandboxPolicyMode(cfg.Sandbox.Mode),
		WritableRoots:   cfg.Sandbox.WritableRoots,
		NetworkAccess:   cfg.Sandbox.NetworkAccess,
		Cwd:             cwd,
		ReasoningEffort: cfg.Engine.ReasoningEffort,
		AutoCompact:     cfg.Engine.AutoCompact,
	}

	budgeter := NewTokenBudgeter(cfg.Budget.TotalBudget, cfg.Budget.WarningThresholdPc)
	budgeter.RegisterAgent(agentID, 0)

	state := NewSessionState(tctx)
	memLog := NewMemoryLog()
	bus := NewEventBus(sessionID, memLog)

	approval := NewApprovalCoordinator(state, cfg.Approval.Timeout, func(e Event) { bus.Publish(e) })

	runner := deps.Sandbox
	if runner == nil {
		runner = sandbox.NewExecAdapter()
	}
	dispatcher := NewToolDispatcher(state, approval, runner, func(e Event) { bus.Publish(e) })
	if deps.MCP != nil {
		dispatcher.RegisterMCPTools(deps.MCP)
	}

	rt := buildRouter(cfg, deps)

	orchestrator := NewTurnOrchestrator(
		sessionID, agentID, state, bus, budgeter, dispatcher, approval, rt,
		cfg.Engine.MaxToolTurns, cfg.Engine.StreamIdleTimeout, log,
	)
	if deps.Tracer != nil {
		orchestrator.SetTracer(deps.Tracer)
	}

	s := &Session{
		ID: sessionID, AgentID: agentID,
		State: state, Bus: bus, Budgeter: budgeter, Approval: approval,
		Dispatcher: dispatcher, Orchestrator: orchestrator, log: log,
	}

	supervisor := NewAgentSupervisor(
		SupervisorConfig{
			MaxConcurrentChildren: cfg.Supervisor.MaxConcurrentChildren,
			DefaultChildBudget:    cfg.Supervisor.DefaultChildBudget,
			DefaultDeadline:       cfg.Supervisor.DefaultDeadline,
			DrainTimeout:          cfg.Supervisor.DrainTimeout,
		},
		budgeter, bus,
		func(childAgentID string, spec SubAgentSpec) *Session {
			return s.newChild(cfg, deps, rt, childAgentID, spec)
		},
	)
	s.Supervisor = supervisor
	dispatcher.SetSupervisor(supervisor)

	if deps.Metrics != nil {
		pumpMetrics(bus, deps.Metrics, "metrics-"+sessionID)
		supervisor.SetMetrics(deps.Metrics)
	}
	if deps.Tracer != nil {
		supervisor.SetTracer(deps.Tracer)
	}

	return s
}

// newChild builds a child session sharing the parent's token ledger
// (spec §5: "token ledger is shared across parent and children") and
// read-inheriting its approval cache, narrowed to spec's scope and tool
// whitelist.
func (s *Session) newChild(cfg config.Config, deps Deps, rt *router.Router, childAgentID string, spec SubAgentSpec) *Session {
	childID := NewSessionID()
	log := s.log.With("child=" + childID[:8])

	childTurnCtx := s.State.TurnContext().Clone()
	if spec.Scope != "" {
		childTurnCtx.WritableRoots = []string{spec.Scope}
		childTurnCtx.Cwd = spec.Scope
	}

	childState := NewSessionState(childTurnCtx)
	childLog := NewMemoryLog()
	childBus := NewEventBus(childID, childLog)

	childApproval := s.Approval.ChildCoordinator(childState, s.Approval.timeout, func(e Event) { childBus.Publish(e) })

	runner := deps.Sandbox
	if runner == nil {
		runner = sandbox.NewExecAdapter()
	}
	childDispatcher := NewToolDispatcher(childState, childApproval, runner, func(e Event) { childBus.Publish(e) })
	if deps.MCP != nil {
		childDispatcher.RegisterMCPTools(deps.MCP)
	}
	filterToolWhitelist(childDispatcher, spec.ToolWhitelist)

	childOrchestrator := NewTurnOrchestrator(
		childID, childAgentID, childState, childBus, s.Budgeter, childDispatcher, childApproval, rt,
		cfg.Engine.MaxToolTurns, cfg.Engine.StreamIdleTimeout, log,
	)
	if deps.Tracer != nil {
		childOrchestrator.SetTracer(deps.Tracer)
	}

	child := &Session{
		ID: childID, AgentID: childAgentID,
		State: childState, Bus: childBus, Budgeter: s.Budgeter, Approval: childApproval,
		Dispatcher: childDispatcher, Orchestrator: childOrchestrator, log: log,
	}

	// A child may itself delegate further, reusing the parent's supervisor
	// so every descendant shares one concurrency limiter and token ledger.
	childDispatcher.SetSupervisor(s.Supervisor)
	s.State.RegisterSubAgent(childAgentID, func() { child.Interrupt() })

	if deps.Metrics != nil {
		pumpMetrics(childBus, deps.Metrics, "metrics-"+childID)
	}

	return child
}

// filterToolWhitelist narrows a child's capabilities: tools not named in
// whitelist are removed from d's handler table, and TurnContext's
// WritableRoots/Cwd scoping still applies to the tools that consult them.
// An empty whitelist means no narrowing was requested.
func filterToolWhitelist(d *ToolDispatcher, whitelist []string) {
	if len(whitelist) == 0 {
		return
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.handlers {
		if !allowed[name] {
			delete(d.handlers, name)
		}
	}
}

// buildRouter constructs the responses/chat providers from cfg/deps and
// wraps them in a Router (spec §6: "exactly two wire formats").
func buildRouter(cfg config.Config, deps Deps) *router.Router {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeouts := model.Timeouts{RequestTimeout: cfg.Model.Timeout, RetryMax: cfg.Engine.RetryMax, RetryBaseDelay: cfg.Engine.RetryBaseDelay}

	var responses, chat model.Provider
	switch cfg.Model.WireFormat {
	case "chat":
		chat = model.NewChatProvider(httpClient, deps.Credentials, cfg.Model.BaseURL, cfg.Model.UserAgent, timeouts)
	default:
		responses = model.NewResponsesProvider(httpClient, deps.Credentials, cfg.Model.BaseURL, cfg.Model.Originator, cfg.Model.UserAgent, timeouts)
	}
	return router.New(aliases.NewTable(nil, nil), responses, chat)
}

// Submit forwards op to the orchestrator (spec §6 external submission
// interface).
func (s *Session) Submit(ctx context.Context, op Op) error { return s.Orchestrator.Submit(ctx, op) }

// Events subscribes id to this session's event stream.
func (s *Session) Events(id string) <-chan Event { return s.Bus.Subscribe(id) }

// Interrupt cancels the active turn, if any, and recursively interrupts
// every live sub-agent (spec §5: "interrupting a parent interrupts every
// descendant").
func (s *Session) Interrupt() {
	_ = s.Orchestrator.Submit(context.Background(), Op{Kind: OpInterrupt})
	s.State.CancelAllSubAgents()
}

// Shutdown drains pending approvals and cancels sub-agents. Event bus
// subscribers stay subscribed; their channels are not closed here.
func (s *Session) Shutdown() {
	s.Approval.Shutdown()
	if s.Supervisor != nil {
		s.Supervisor.CancelAll()
	}
	s.State.CancelAllSubAgents()
}

// waitIdle is a small test/embedder convenience: block until no turn is
// active, e.g. before shutting a session down cleanly. It is a polling
// loop rather than a notification channel because BeginTurn/EndTurn are
// deliberately the only synchronization primitive SessionState exposes.
func (s *Session) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := s.State.BeginTurn(); err == nil {
			s.State.EndTurn()
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
