package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codex-turnengine/turnengine/pkg/auth"
)

// ChatProvider implements Provider against the OpenAI-compatible chat
// completions wire format: "choices[].delta.content" text chunks and a
// "tool_calls" array accumulated by index across deltas.
type ChatProvider struct {
	httpClient *http.Client
	creds      *auth.Store
	baseURL    string
	userAgent  string
	timeouts   Timeouts
}

// NewChatProvider builds a Provider for the chat wire format.
func NewChatProvider(httpClient *http.Client, creds *auth.Store, baseURL, userAgent string, timeouts Timeouts) *ChatProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeouts.RetryMax <= 0 {
		timeouts.RetryMax = 5
	}
	if timeouts.RetryBaseDelay <= 0 {
		timeouts.RetryBaseDelay = 200 * time.Millisecond
	}
	return &ChatProvider{
		httpClient: httpClient,
		creds:      creds,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		timeouts:   timeouts,
	}
}

var _ Provider = (*ChatProvider)(nil)

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatDelta struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toChatRequest(req Request) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.Instructions})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			msgs = append(msgs, chatMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolID})
		case "assistant":
			if m.ToolID != "" {
				cm := chatMessage{Role: "assistant"}
				tc := chatToolCall{ID: m.ToolID, Type: "function"}
				tc.Function.Name = m.Name
				tc.Function.Arguments = m.Content
				cm.ToolCalls = []chatToolCall{tc}
				msgs = append(msgs, cm)
			} else {
				msgs = append(msgs, chatMessage{Role: "assistant", Content: m.Content})
			}
		default:
			msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content, Name: m.Name})
		}
	}

	tools := make([]chatTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		tools = append(tools, ct)
	}

	return chatRequest{Model: req.Model, Messages: msgs, Tools: tools, Stream: true}
}

// Stream sends req as a chat-completions request and translates the SSE
// stream into StreamItem values, accumulating the tool_calls array by index.
func (p *ChatProvider) Stream(ctx context.Context, req Request) (<-chan StreamItem, error) {
	payload, err := json.Marshal(toChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("model: encode chat request: %w", err)
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

		send := func(item StreamItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}

		type callState struct {
			id, name string
			args     strings.Builder
		}
		calls := map[int]*callState{}
		order := []int{}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var delta chatDelta
			if err := json.Unmarshal([]byte(data), &delta); err != nil {
				continue
			}
			if delta.Usage != nil {
				if !send(StreamItem{Kind: ItemUsage, UsageInputTokens: delta.Usage.PromptTokens, UsageOutputTokens: delta.Usage.CompletionTokens}) {
					return
				}
			}
			for _, choice := range delta.Choices {
				if choice.Delta.Content != "" {
					if !send(StreamItem{Kind: ItemText, TextDelta: choice.Delta.Content}) {
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					st, ok := calls[tc.Index]
					if !ok {
						st = &callState{}
						calls[tc.Index] = st
						order = append(order, tc.Index)
					}
					if tc.ID != "" {
						st.id = tc.ID
					}
					if tc.Function.Name != "" {
						st.name = tc.Function.Name
					}
					st.args.WriteString(tc.Function.Arguments)
				}
				if choice.FinishReason == "tool_calls" {
					for _, idx := range order {
						st := calls[idx]
						if st.id == "" || st.name == "" {
							continue
						}
						if !send(StreamItem{Kind: ItemToolCall, ToolCallID: st.id, ToolCallName: st.name, ToolCallArgs: st.args.String()}) {
							return
						}
					}
					calls = map[int]*callState{}
					order = nil
				}
			}
		}
		if err := scanner.Err(); err != nil {
			send(StreamItem{Kind: ItemError, ErrMessage: err.Error(), ErrRetry: true})
		}
	}()
	return out, nil
}

func (p *ChatProvider) doWithRetry(ctx context.Context, payload []byte) (*http.Response, error) {
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
			return nil, fmt.Errorf("model: chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return resp, nil
	}
	return nil, fmt.Errorf("model: chat exhausted retries: %w", lastErr)
}

func (p *ChatProvider) doRequest(ctx context.Context, payload []byte) (*http.Response, error) {
	if p.creds == nil {
		return nil, fmt.Errorf("model: no credential store configured")
	}
	url := p.baseURL + "/chat/completions"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("model: build chat request: %w", err)
	}
	creds := p.creds.Current()
	hreq.Header.Set("Authorization", "Bearer "+creds.BearerToken)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", p.userAgent)
	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("model: chat request failed: %w", err)
	}
	return resp, nil
}
