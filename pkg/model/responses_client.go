package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/auth"
	"github.com/codex-turnengine/turnengine/pkg/protocol"
	"github.com/codex-turnengine/turnengine/pkg/schema"
	"github.com/codex-turnengine/turnengine/pkg/sse"
)

// ResponsesProvider implements Provider against the "responses" wire format:
// a single POST carrying the full conversation plus an SSE stream of
// structured output items back.
type ResponsesProvider struct {
	httpClient *http.Client
	creds      *auth.Store
	baseURL    string
	originator string
	userAgent  string
	timeouts   Timeouts
}

// NewResponsesProvider builds a Provider for the responses wire format.
func NewResponsesProvider(httpClient *http.Client, creds *auth.Store, baseURL, originator, userAgent string, timeouts Timeouts) *ResponsesProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeouts.RetryMax <= 0 {
		timeouts.RetryMax = 5
	}
	if timeouts.RetryBaseDelay <= 0 {
		timeouts.RetryBaseDelay = 200 * time.Millisecond
	}
	return &ResponsesProvider{
		httpClient: httpClient,
		creds:      creds,
		baseURL:    strings.TrimRight(baseURL, "/"),
		originator: originator,
		userAgent:  userAgent,
		timeouts:   timeouts,
	}
}

var _ Provider = (*ResponsesProvider)(nil)

// Stream sends req as a responses-API request and translates the resulting
// SSE stream into StreamItem values.
func (p *ResponsesProvider) Stream(ctx context.Context, req Request) (<-chan StreamItem, error) {
	wireReq := buildResponsesRequest(req)
	payload, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("model: encode responses request: %w", err)
	}

	out := make(chan StreamItem, 16)
	go func() {
		defer close(out)

		resp, err := p.doWithRetry(ctx, payload)
		if err != nil {
			out <- StreamItem{Kind: ItemError, ErrMessage: err.Error()}
			return
		}
		defer resp.Body.Close()

		accum := sse.NewToolCallAccumulator()
		parseErr := sse.DecodeEvents(resp.Body, func(ev protocol.StreamEvent) error {
			accum.Observe(ev)
			return translateResponsesEvent(ev, accum, func(item StreamItem) error {
				select {
				case out <- item:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		if parseErr != nil {
			select {
			case out <- StreamItem{Kind: ItemError, ErrMessage: parseErr.Error(), ErrRetry: isRetryableErr(parseErr)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (p *ResponsesProvider) doWithRetry(ctx context.Context, payload []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= p.timeouts.RetryMax; attempt++ {
		if attempt > 0 {
			delay := backoffWithJitter(p.timeouts.RetryBaseDelay, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.doRequest(ctx, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if isRetryableStatus(resp.StatusCode) && attempt < p.timeouts.RetryMax {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("model: retryable status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
			resp.Body.Close()
			return nil, fmt.Errorf("model: request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return resp, nil
	}
	return nil, fmt.Errorf("model: exhausted retries: %w", lastErr)
}

// backoffWithJitter implements 200ms * 2^(n-1) with +/-10% jitter.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	pure := base * time.Duration(1<<(attempt-1))
	jitter := float64(pure) * 0.1
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(pure) + delta)
}

func (p *ResponsesProvider) doRequest(ctx context.Context, payload []byte) (*http.Response, error) {
	if p.creds == nil {
		return nil, fmt.Errorf("model: no credential store configured")
	}
	url := p.baseURL + "/responses"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}
	creds := p.creds.Current()
	hreq.Header.Set("Authorization", "Bearer "+creds.BearerToken)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("originator", p.originator)
	hreq.Header.Set("User-Agent", p.userAgent)
	if creds.ChatGPTAuth && creds.AccountID != "" {
		hreq.Header.Set("chatgpt-account-id", creds.AccountID)
	}
	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("model: request failed: %w", err)
	}
	return resp, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isRetryableErr(err error) bool {
	return err != nil
}

func buildResponsesRequest(req Request) protocol.ResponsesRequest {
	input := make([]protocol.ResponseInputItem, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			input = append(input, protocol.UserMessage(msg.Content))
		case "tool":
			input = append(input, protocol.FunctionCallOutputInput(msg.ToolID, msg.Content))
		case "assistant":
			if msg.ToolID != "" {
				input = append(input, protocol.FunctionCallInput(msg.Name, msg.ToolID, msg.Content))
			} else {
				input = append(input, protocol.ResponseInputItem{
					Type: "message",
					Role: "assistant",
					Content: []protocol.InputContentPart{{
						Type: "output_text",
						Text: msg.Content,
					}},
				})
			}
		}
	}

	tools := make([]protocol.ToolSpec, 0, len(req.Tools))
	for _, t := range req.Tools {
		var params json.RawMessage
		if len(t.Parameters) > 0 {
			if raw, err := json.Marshal(t.Parameters); err == nil {
				params = raw
			}
		}
		tools = append(tools, schema.NormalizeToolSpec(protocol.ToolSpec{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}))
	}

	var reasoning *protocol.Reasoning
	if req.Reasoning != nil {
		reasoning = &protocol.Reasoning{Effort: req.Reasoning.Effort}
		if req.Reasoning.Summaries {
			reasoning.Summary = "auto"
		}
	}

	return protocol.ResponsesRequest{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        input,
		Tools:        tools,
		ToolChoice:   "auto",
		Reasoning:    reasoning,
		Store:        false,
		Stream:       true,
	}
}

// translateResponsesEvent converts a raw SSE StreamEvent into StreamItem
// values. callID/name/arguments are read from ev.Item when present, falling
// back to the event's own fields and accum's cross-event state for
// providers that emit function-call metadata split across events.
func translateResponsesEvent(ev protocol.StreamEvent, accum *sse.ToolCallAccumulator, emit func(StreamItem) error) error {
	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta != "" {
			return emit(StreamItem{Kind: ItemText, TextDelta: ev.Delta})
		}

	case "response.function_call_arguments.done", "response.output_item.done":
		if ev.Type == "response.output_item.done" && (ev.Item == nil || ev.Item.Type != "function_call") {
			return nil
		}

		var callID, name, args string
		if ev.Item != nil {
			callID = ev.Item.CallID
			name = ev.Item.Name
			args = accum.Arguments(callID)
			if preferSnapshot(args, ev.Item.Arguments) {
				args = ev.Item.Arguments
			}
		} else {
			callID = ev.CallID
			if callID == "" {
				callID = accum.CallIDForItem(ev.ItemID)
			}
			if callID == "" {
				callID = ev.ItemID
			}
			name = ev.Name
			if name == "" {
				name = accum.Name(callID)
			}
			args = accum.Arguments(callID)
			if preferSnapshot(args, ev.Arguments) {
				args = ev.Arguments
			}
		}
		if callID == "" || name == "" {
			return nil
		}
		if !accum.MarkEmitted(callID) {
			return nil
		}
		return emit(StreamItem{Kind: ItemToolCall, ToolCallID: callID, ToolCallName: name, ToolCallArgs: normalizeArgs(args)})

	case "response.completed", "response.done":
		if ev.Response != nil && ev.Response.Usage != nil {
			return emit(StreamItem{
				Kind:              ItemUsage,
				UsageInputTokens:  ev.Response.Usage.InputTokens,
				UsageOutputTokens: ev.Response.Usage.OutputTokens,
			})
		}

	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "unknown provider error"
		}
		return emit(StreamItem{Kind: ItemError, ErrMessage: msg})
	}
	return nil
}

func preferSnapshot(collected, snapshot string) bool {
	collected = strings.TrimSpace(collected)
	snapshot = strings.TrimSpace(snapshot)
	if snapshot == "" {
		return false
	}
	if collected == "" {
		return true
	}
	return collected == "{}" && snapshot != "{}"
}

func normalizeArgs(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	var last any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			break
		}
		last = v
	}
	if last == nil {
		return raw
	}
	b, err := json.Marshal(last)
	if err != nil {
		return raw
	}
	return string(b)
}
