package engine

import "sync"

// mcpToolKey identifies one MCP tool by server and tool name.
type mcpToolKey struct {
	Server string
	Tool   string
}

// customPrompt is a discovered prompt definition (name -> template).
type customPrompt struct {
	Name       string
	Template   string
	ParamsJSON string // JSON Schema for template parameters
}

// SessionState is the session's exclusively-owned mutable state: history,
// turn context, approval cache, MCP tool catalogue, and custom prompts
// (spec §3). Other components borrow it only through short critical
// sections exposed here; no IO happens under its lock (spec §4.5/§5),
// generalizing the lock discipline of the teacher's pkg/proxy/usage.go
// UsageStore to the engine's richer state shape.
type SessionState struct {
	mu sync.Mutex

	history     []ResponseItem
	turnActive  bool
	turnContext TurnContext

	approvalCache map[string]ApprovalScope // fingerprint -> scope
	mcpTools      map[mcpToolKey]ToolSchema
	customPrompts []customPrompt

	subAgentHandles map[string]*subAgentHandle
}

// ToolSchema is a discovered tool's name, description, and JSON Schema
// parameters, shared by built-in and MCP-sourced tools.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// subAgentHandle is a weak reference the parent keeps for cancellation
// fan-out (spec §3: "weak references ... for cancellation fan-out"). It
// never points back into the child's SessionState.
type subAgentHandle struct {
	agentID string
	cancel  func()
}

// NewSessionState constructs state with the given initial turn context.
func NewSessionState(ctx TurnContext) *SessionState {
	return &SessionState{
		turnContext:     ctx,
		approvalCache:   make(map[string]ApprovalScope),
		mcpTools:        make(map[mcpToolKey]ToolSchema),
		subAgentHandles: make(map[string]*subAgentHandle),
	}
}

// Append adds item to history. It emits nothing itself; callers publish
// any corresponding event separately (spec §4.5).
func (s *SessionState) Append(item ResponseItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, item)
}

// Snapshot returns a read-only copy of the current history.
func (s *SessionState) Snapshot() []ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResponseItem, len(s.history))
	copy(out, s.history)
	return out
}

// BeginTurn marks a turn active, rejecting re-entry (spec §4.1 state
// machine: Streaming/DispatchingTools reject new UserTurn with Busy).
func (s *SessionState) BeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return ErrBusy
	}
	s.turnActive = true
	return nil
}

// EndTurn clears the active-turn flag, returning the session to Idle.
func (s *SessionState) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnActive = false
}

// TurnContext returns the currently active turn context.
func (s *SessionState) TurnContext() TurnContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnContext
}

// SetTurnContext installs a new turn context. It is rejected while a turn
// is active (spec §3: "immutable within a single turn; overrides take
// effect only at turn boundaries").
func (s *SessionState) SetTurnContext(ctx TurnContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return ErrTurnContextActive
	}
	s.turnContext = ctx
	return nil
}

// Compact replaces history[replacedRange[0]:replacedRange[1]] with a single
// Compacted item, atomically with respect to the caller (spec §4.5).
func (s *SessionState) Compact(replacedRange [2]int, summary string) (ResponseItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := replacedRange[0], replacedRange[1]
	if start < 0 || end > len(s.history) || start > end {
		return ResponseItem{}, ErrToolArgsInvalid
	}
	item := ResponseItem{
		ItemID: NewItemID(),
		Kind:   ItemCompacted,
		Compacted: &CompactedItem{
			Summary:       summary,
			ReplacedRange: replacedRange,
		},
	}
	rebuilt := make([]ResponseItem, 0, len(s.history)-(end-start)+1)
	rebuilt = append(rebuilt, s.history[:start]...)
	rebuilt = append(rebuilt, item)
	rebuilt = append(rebuilt, s.history[end:]...)
	s.history = rebuilt
	return item, nil
}

// CacheApproval remembers a decision for fingerprint under scope. Only
// ScopeSession entries persist meaningfully; ScopeOnce is accepted for
// symmetry but never consulted by HasApproval.
func (s *SessionState) CacheApproval(fingerprint string, scope ApprovalScope) {
	if scope != ScopeSession {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalCache[fingerprint] = scope
}

// HasApproval reports whether fingerprint has a session-scoped cache hit.
func (s *SessionState) HasApproval(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.approvalCache[fingerprint]
	return ok
}

// ApprovalCacheSnapshot returns a copy of the cache, used to build a
// read-through child coordinator (spec §9 Open Question 2).
func (s *SessionState) ApprovalCacheSnapshot() map[string]ApprovalScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ApprovalScope, len(s.approvalCache))
	for k, v := range s.approvalCache {
		out[k] = v
	}
	return out
}

// ClearApprovalCache empties the cache. Only called at session end or on
// explicit user reset (spec §3 invariant: "never silently invalidated").
func (s *SessionState) ClearApprovalCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalCache = make(map[string]ApprovalScope)
}

// SetMCPTools replaces the MCP tool catalogue, e.g. after a server refresh.
func (s *SessionState) SetMCPTools(tools map[mcpToolKey]ToolSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpTools = tools
}

// MCPTools returns a copy of the current MCP tool catalogue.
func (s *SessionState) MCPTools() map[mcpToolKey]ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[mcpToolKey]ToolSchema, len(s.mcpTools))
	for k, v := range s.mcpTools {
		out[k] = v
	}
	return out
}

// RegisterSubAgent records a weak handle for cancellation fan-out.
func (s *SessionState) RegisterSubAgent(agentID string, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subAgentHandles[agentID] = &subAgentHandle{agentID: agentID, cancel: cancel}
}

// UnregisterSubAgent drops a handle once the child has settled.
func (s *SessionState) UnregisterSubAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subAgentHandles, agentID)
}

// CancelAllSubAgents invokes every registered child's cancel function.
func (s *SessionState) CancelAllSubAgents() {
	s.mu.Lock()
	handles := make([]*subAgentHandle, 0, len(s.subAgentHandles))
	for _, h := range s.subAgentHandles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}
