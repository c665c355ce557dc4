package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/engine/logging"
	"github.com/codex-turnengine/turnengine/pkg/model"
	"github.com/codex-turnengine/turnengine/pkg/router"
)

// TurnState is the orchestrator's explicit state machine (spec §4.1).
type TurnState int32

const (
	StateIdle TurnState = iota
	StateStreaming
	StateDispatchingTools
	StateComplete
	StateAborted
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDispatchingTools:
		return "dispatching_tools"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TurnResult is what one turn (or a sub-agent's whole run) settles to.
type TurnResult struct {
	Success bool
	Reason  string
	Usage   TokenUsageMsg
}

const maxStreamRetries = 5

// estimatedReservation is the conservative token hold placed before a model
// call whose actual cost is unknown until the usage event arrives.
const estimatedReservation = 4096

// TurnOrchestrator drives one conversational turn end to end: resolve a
// provider, stream a completion, dispatch any tool calls the model
// requests, and repeat until the model stops calling tools or a turn
// boundary is hit. It generalizes pkg/harness/toolloop.go's single-pass
// "stream once, run pending tool calls, stream again" loop into the full
// state machine, streaming-fault recovery, and token accounting of spec
// §4.1.
type TurnOrchestrator struct {
	sessionID    string
	agentID      string
	state        *SessionState
	bus          *EventBus
	budgeter     *TokenBudgeter
	dispatcher   *ToolDispatcher
	approval     *ApprovalCoordinator
	router       *router.Router
	log          *logging.Logger
	maxToolTurns int
	idleTimeout  time.Duration
	tracer       *Tracer

	mu            sync.Mutex
	turnState     int32 // TurnState, accessed atomically
	cancelCurrent context.CancelFunc
}

// SetTracer attaches an OpenTelemetry tracer; orchestrators constructed
// without one default to a no-op tracer, so this is optional.
func (o *TurnOrchestrator) SetTracer(t *Tracer) { o.tracer = t }

// NewTurnOrchestrator wires the top of the component graph: everything
// else (TokenBudgeter, SessionState, EventBus, ApprovalCoordinator,
// ToolDispatcher) must already exist (spec §2 dependency order).
func NewTurnOrchestrator(
	sessionID, agentID string,
	state *SessionState,
	bus *EventBus,
	budgeter *TokenBudgeter,
	dispatcher *ToolDispatcher,
	approval *ApprovalCoordinator,
	rt *router.Router,
	maxToolTurns int,
	idleTimeout time.Duration,
	log *logging.Logger,
) *TurnOrchestrator {
	if maxToolTurns <= 0 {
		maxToolTurns = 50
	}
	if idleTimeout <= 0 {
		idleTimeout = 300 * time.Second
	}
	return &TurnOrchestrator{
		sessionID:    sessionID,
		agentID:      agentID,
		state:        state,
		bus:          bus,
		budgeter:     budgeter,
		dispatcher:   dispatcher,
		approval:     approval,
		router:       rt,
		log:          log,
		maxToolTurns: maxToolTurns,
		idleTimeout:  idleTimeout,
		tracer:       noopTracer(),
		turnState:    int32(StateIdle),
	}
}

func (o *TurnOrchestrator) setState(s TurnState) { atomic.StoreInt32(&o.turnState, int32(s)) }

// State reports the orchestrator's current state machine position.
func (o *TurnOrchestrator) State() TurnState { return TurnState(atomic.LoadInt32(&o.turnState)) }

func (o *TurnOrchestrator) emit(kind EventKind, sub string, fill func(*Event)) {
	e := Event{SessionID: o.sessionID, SubmissionID: sub, Kind: kind}
	if fill != nil {
		fill(&e)
	}
	o.bus.Publish(e)
}

// Submit accepts one client Op and, for OpUserTurn, starts a turn
// asynchronously. It returns immediately; progress is observed through the
// EventBus. Non-turn ops (interrupt, approval decisions, overrides,
// custom shell commands) are handled synchronously before returning.
func (o *TurnOrchestrator) Submit(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpUserTurn:
		if len(op.UserTurn.Items) == 0 {
			o.emit(EvTaskComplete, op.ID, func(e *Event) {
				e.TaskComplete = &TaskCompleteMsg{Success: false, Reason: ErrNoContent.Error()}
			})
			return nil
		}
		return o.startTurn(ctx, op)

	case OpInterrupt:
		o.mu.Lock()
		cancel := o.cancelCurrent
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case OpApprovalDecision:
		d := op.ApprovalDecision
		return o.approval.Decide(d.CallID, d.Decision, d.Scope, "")

	case OpOverrideTurnContext:
		return o.state.SetTurnContext(*op.OverrideTurnContext)

	case OpCompact:
		_, err := o.state.Compact([2]int{0, len(o.state.Snapshot())}, "")
		return err

	case OpRunCustomShellCommand:
		return o.runCustomShell(ctx, op)

	case OpShutdown:
		o.approval.Shutdown()
		return nil

	case OpListMcpTools, OpListCustomPrompts:
		o.emit(EvInternal, op.ID, func(e *Event) {
			e.Internal = &InternalMsg{Code: "tool_catalogue", Message: strings.Join(o.dispatcher.ToolNames(), ",")}
		})
		return nil

	default:
		return fmt.Errorf("engine: unknown op kind %d", op.Kind)
	}
}

func (o *TurnOrchestrator) runCustomShell(ctx context.Context, op Op) error {
	argsJSON, _ := json.Marshal(map[string]any{"argv": op.RunCustomShellCommand.Argv, "env": op.RunCustomShellCommand.Env})
	call := ToolCallItem{CallID: NewCallID(), Name: "shell", Args: string(argsJSON), Source: SourceUser}
	tctx := o.state.TurnContext()
	result := o.dispatcher.Dispatch(ctx, call, tctx, tctx.ApprovalPolicy)
	o.emit(EvToolCallEnd, op.ID, func(e *Event) {
		e.ToolCallEnd = &ToolCallEndMsg{CallID: call.CallID, Success: result.Success, OutputPreview: redactPreview(result.Output, previewCap)}
	})
	return nil
}

// startTurn begins a new turn in the background, enforcing the
// single-turn-per-session rule (spec invariant: "at most one active turn
// per session").
func (o *TurnOrchestrator) startTurn(ctx context.Context, op Op) error {
	if op.UserTurn.Overrides != nil {
		// Installed before BeginTurn, while no turn is active: the override
		// becomes this turn's (and every later turn's) context until
		// overridden again. SetTurnContext refuses while another turn is
		// active, and the whole UserTurn is then rejected as busy.
		if err := o.state.SetTurnContext(*op.UserTurn.Overrides); err != nil {
			return ErrBusy
		}
	}
	if err := o.state.BeginTurn(); err != nil {
		return err
	}
	for _, item := range op.UserTurn.Items {
		o.state.Append(item)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelCurrent = cancel
	o.mu.Unlock()

	go func() {
		defer o.state.EndTurn()
		defer cancel()
		result := o.runTurn(turnCtx, op.ID)
		o.emit(EvTaskComplete, op.ID, func(e *Event) {
			e.TaskComplete = &TaskCompleteMsg{Success: result.Success, Reason: result.Reason, Usage: result.Usage}
		})
	}()
	return nil
}

// RunTurnSync runs op's turn to completion and blocks until it settles,
// the entry point AgentSupervisor uses for a child session (spec §4.2:
// the child session is indistinguishable from a top-level session except
// for how it is driven).
func (o *TurnOrchestrator) RunTurnSync(ctx context.Context, op Op) TurnResult {
	if op.UserTurn.Overrides != nil {
		if err := o.state.SetTurnContext(*op.UserTurn.Overrides); err != nil {
			return TurnResult{Success: false, Reason: ErrBusy.Error()}
		}
	}
	if err := o.state.BeginTurn(); err != nil {
		return TurnResult{Success: false, Reason: err.Error()}
	}
	defer o.state.EndTurn()

	for _, item := range op.UserTurn.Items {
		o.state.Append(item)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelCurrent = cancel
	o.mu.Unlock()
	defer cancel()

	result := o.runTurn(turnCtx, op.ID)
	o.emit(EvTaskComplete, op.ID, func(e *Event) {
		e.TaskComplete = &TaskCompleteMsg{Success: result.Success, Reason: result.Reason, Usage: result.Usage}
	})
	return result
}

// runTurn is the 5-step loop of spec §4.1: resolve provider, stream a
// completion, fold deltas into an assistant message, dispatch any tool
// calls the model requested, and repeat until the model stops calling
// tools, a turn boundary condition is hit, or the turn is aborted.
func (o *TurnOrchestrator) runTurn(ctx context.Context, subID string) TurnResult {
	ctx, span := o.tracer.TraceTurn(ctx, o.sessionID, o.agentID, subID)
	result := o.runTurnInner(ctx, subID)
	var err error
	if !result.Success {
		err = fmt.Errorf("%s", result.Reason)
	}
	End(span, err)
	return result
}

func (o *TurnOrchestrator) runTurnInner(ctx context.Context, subID string) TurnResult {
	o.setState(StateStreaming)
	o.emit(EvTaskStarted, subID, nil)

	tctx := o.state.TurnContext()

	if err := o.budgeter.Wait(ctx, o.agentID); err != nil {
		o.setState(StateAborted)
		return TurnResult{Success: false, Reason: "rate limited: " + err.Error()}
	}

	for toolTurn := 0; toolTurn < o.maxToolTurns; toolTurn++ {
		fullID, provider, err := o.router.Resolve(tctx.Model)
		if err != nil {
			o.setState(StateFailed)
			return TurnResult{Success: false, Reason: err.Error()}
		}

		reservation, err := o.budgeter.TryReserve(ctx, o.agentID, estimatedReservation)
		if err != nil {
			o.setState(StateAborted)
			return TurnResult{Success: false, Reason: "budget: " + err.Error()}
		}

		assistantText, reasoningText, toolCalls, usage, streamErr := o.streamOnce(ctx, fullID, provider, tctx)

		if usage.UsageInputTokens+usage.UsageOutputTokens > 0 {
			if warn := o.budgeter.Commit(reservation, usage.UsageInputTokens+usage.UsageOutputTokens); warn != nil {
				o.emit(EvTokenBudgetWarning, subID, func(e *Event) { e.TokenWarning = warn })
			}
			o.emit(EvTokenUsage, subID, func(e *Event) { u := o.budgeter.Usage(); e.TokenUsage = &u })
		} else {
			o.budgeter.Release(reservation)
		}

		if streamErr != nil {
			if kind := classifyStreamErr(streamErr); kind == ErrKindContextWindow && tctx.AutoCompact {
				summary, err := o.autoCompact()
				if err != nil {
					o.setState(StateFailed)
					return TurnResult{Success: false, Reason: "compact failed: " + err.Error()}
				}
				o.emit(EvContextCompacted, subID, func(e *Event) { e.ContextCompacted = &ContextCompactedMsg{} })
				_ = summary
				continue
			}
			if ctx.Err() == context.Canceled {
				o.setState(StateAborted)
				o.emit(EvTurnAborted, subID, func(e *Event) { e.TurnAborted = &TurnAbortedMsg{Reason: "interrupted"} })
				return TurnResult{Success: false, Reason: "interrupted"}
			}
			o.setState(StateFailed)
			o.emit(EvStreamError, subID, func(e *Event) { e.StreamError = &StreamErrorMsg{Retryable: false, Detail: streamErr.Error()} })
			return TurnResult{Success: false, Reason: streamErr.Error()}
		}

		if assistantText != "" || reasoningText != "" {
			o.state.Append(ResponseItem{
				ItemID: NewItemID(), Kind: ItemAssistantMessage,
				AssistantMessage: &AssistantMessageItem{Content: assistantText, Reasoning: reasoningText},
			})
		}

		if len(toolCalls) == 0 {
			if assistantText == "" && reasoningText == "" {
				o.setState(StateFailed)
				return TurnResult{Success: false, Reason: ErrNoContent.Error()}
			}
			o.setState(StateComplete)
			return TurnResult{Success: true, Usage: o.budgeter.Usage()}
		}

		o.setState(StateDispatchingTools)
		for _, call := range toolCalls {
			o.state.Append(ResponseItem{ItemID: NewItemID(), Kind: ItemToolCall, ToolCall: &call})
			o.emit(EvToolCallBegin, subID, func(e *Event) {
				e.ToolCallBegin = &ToolCallBeginMsg{CallID: call.CallID, Name: call.Name, ArgsPreview: redactPreview(call.Args, previewCap)}
			})
			toolCtx, toolSpan := o.tracer.TraceToolDispatch(ctx, call.Name, call.CallID)
			result := o.dispatcher.Dispatch(toolCtx, call, tctx, tctx.ApprovalPolicy)
			var toolErr error
			if !result.Success {
				toolErr = fmt.Errorf("%s", result.Output)
			}
			End(toolSpan, toolErr)
			o.state.Append(ResponseItem{ItemID: NewItemID(), Kind: ItemToolResult, ToolResult: &result})
			o.emit(EvToolCallEnd, subID, func(e *Event) {
				e.ToolCallEnd = &ToolCallEndMsg{CallID: result.CallID, Success: result.Success, OutputPreview: redactPreview(result.Output, previewCap)}
			})
			if ctx.Err() != nil {
				o.setState(StateAborted)
				return TurnResult{Success: false, Reason: "interrupted"}
			}
		}
		o.setState(StateStreaming)
	}

	o.setState(StateFailed)
	return TurnResult{Success: false, Reason: "exceeded max tool turns"}
}

// streamOnce drives a single model.Provider.Stream call to completion,
// retrying the whole call with exponential backoff when the terminal
// StreamItem reports a retryable transport fault (spec §4.1 streaming
// fault handling; the provider itself already retries connection setup,
// so a retry here is for a fault that surfaced after streaming began).
func (o *TurnOrchestrator) streamOnce(ctx context.Context, fullID string, provider model.Provider, tctx TurnContext) (assistantText, reasoningText string, toolCalls []ToolCallItem, usage model.StreamItem, err error) {
	req := model.Request{
		Model:        fullID,
		Instructions: "",
		Messages:     historyToMessages(o.state.Snapshot()),
		Tools:        o.dispatcher.Tools(),
	}
	if tctx.ReasoningEffort != "" {
		req.Reasoning = &model.Reasoning{Effort: tctx.ReasoningEffort}
	}

	for attempt := 1; attempt <= maxStreamRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoffWithJitter(200*time.Millisecond, attempt)):
			case <-ctx.Done():
				return assistantText, reasoningText, toolCalls, usage, ctx.Err()
			}
		}

		streamCtx, span := o.tracer.TraceModelStream(ctx, fullID, attempt)
		stream, sErr := provider.Stream(streamCtx, req)
		if sErr != nil {
			End(span, sErr)
			err = sErr
			continue
		}

		toolCalls = nil
		assistantText, reasoningText = "", ""
		err = nil // a retryable fault from an earlier attempt is not terminal here
		var streamErr error
		idle := time.NewTimer(o.idleTimeout)

	drain:
		for {
			select {
			case item, ok := <-stream:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(o.idleTimeout)
				if !ok {
					break drain
				}
				switch item.Kind {
				case model.ItemText:
					assistantText += item.TextDelta
					o.emit(EvAgentMessageDelta, "", func(e *Event) { e.AgentMessageDelta = &TextDeltaMsg{Text: item.TextDelta} })
				case model.ItemToolCall:
					toolCalls = append(toolCalls, ToolCallItem{CallID: item.ToolCallID, Name: item.ToolCallName, Args: item.ToolCallArgs, Source: SourceModel})
				case model.ItemUsage:
					usage = item
				case model.ItemError:
					streamErr = fmt.Errorf("%s", item.ErrMessage)
					if !item.ErrRetry {
						err = streamErr
						break drain
					}
				}
			case <-idle.C:
				streamErr = fmt.Errorf("stream idle timeout after %s", o.idleTimeout)
				err = streamErr
				break drain
			case <-ctx.Done():
				idle.Stop()
				End(span, ctx.Err())
				return assistantText, reasoningText, toolCalls, usage, ctx.Err()
			}
		}
		idle.Stop()
		End(span, streamErr)

		if streamErr == nil {
			return assistantText, reasoningText, toolCalls, usage, nil
		}
		if err != nil {
			// Non-retryable terminal error: surface immediately.
			return assistantText, reasoningText, toolCalls, usage, err
		}
		err = streamErr // retryable; loop for another attempt
	}
	return assistantText, reasoningText, toolCalls, usage, err
}

// backoffWithJitter mirrors pkg/model's unexported helper of the same
// shape (200ms * 2^(n-1) +/- 10% jitter), applied here at the turn level
// for faults that surface mid-stream rather than at connection setup.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	pure := base * time.Duration(int64(1)<<uint(attempt-1))
	jitter := float64(pure) * 0.1
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(pure) + delta)
}

// classifyStreamErr maps a stream's terminal error text onto an
// ErrorKind, since model.StreamItem carries only a message and a
// retryable flag (spec §7).
func classifyStreamErr(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "maximum context"):
		return ErrKindContextWindow
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return ErrKindUnauthorized
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return ErrKindRateLimited
	default:
		return ErrKindInternal
	}
}

// autoCompact summarises the oldest half of history into a single
// CompactedItem, freeing context window room (spec §4.1/§4.5).
func (o *TurnOrchestrator) autoCompact() (string, error) {
	history := o.state.Snapshot()
	if len(history) < 4 {
		return "", ErrContextWindow
	}
	cut := len(history) / 2
	summary := fmt.Sprintf("(%d earlier items elided)", cut)
	_, err := o.state.Compact([2]int{0, cut}, summary)
	return summary, err
}

// historyToMessages projects the session's tagged-variant history onto
// the provider-neutral model.Message shape.
func historyToMessages(history []ResponseItem) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, item := range history {
		switch item.Kind {
		case ItemUserMessage:
			out = append(out, model.Message{Role: "user", Content: item.UserMessage.Content})
		case ItemAssistantMessage:
			out = append(out, model.Message{Role: "assistant", Content: item.AssistantMessage.Content})
		case ItemToolCall:
			out = append(out, model.Message{Role: "assistant", Name: item.ToolCall.Name, ToolID: item.ToolCall.CallID, Content: item.ToolCall.Args})
		case ItemToolResult:
			out = append(out, model.Message{Role: "tool", ToolID: item.ToolResult.CallID, Content: item.ToolResult.Output})
		case ItemCompacted:
			out = append(out, model.Message{Role: "system", Content: "summary: " + item.Compacted.Summary})
		}
	}
	return out
}
