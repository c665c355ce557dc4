// Package sse decodes a provider's server-sent-event response stream into
// protocol.StreamEvent values and accumulates the streamed fragments of a
// function call (name, arguments, which may arrive split across several
// delta events) into a single complete call.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/codex-turnengine/turnengine/pkg/protocol"
)

// DecodeEvents reads r as an SSE byte stream and invokes emit once per
// "data:" frame that decodes to a protocol.StreamEvent. Comment lines,
// blank keep-alive frames, and the terminal "[DONE]" sentinel are skipped.
// It returns once r is exhausted, emit returns an error, or r errors.
func DecodeEvents(r io.Reader, emit func(protocol.StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frame []string
	dispatch := func() error {
		if len(frame) == 0 {
			return nil
		}
		joined := strings.Join(frame, "\n")
		frame = frame[:0]
		if strings.TrimSpace(joined) == "" || strings.TrimSpace(joined) == "[DONE]" {
			return nil
		}
		var ev protocol.StreamEvent
		if err := json.Unmarshal([]byte(joined), &ev); err != nil {
			return nil
		}
		return emit(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// SSE keep-alive comment, not a data frame.
		case strings.HasPrefix(line, "data:"):
			frame = append(frame, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

// pendingCall tracks the in-progress state of one streamed function call:
// its name (once known), its accumulated argument text, and whether it has
// already been surfaced to the caller via MarkEmitted.
type pendingCall struct {
	name    string
	args    strings.Builder
	emitted bool
}

// ToolCallAccumulator folds a stream of protocol.StreamEvent values into
// completed function calls and the running assistant text, absorbing the
// various shapes providers use to report a call's id, name, and arguments
// (inline on the item, split across delta events, or keyed by an item id
// that only later gets associated with a call id).
type ToolCallAccumulator struct {
	calls      map[string]*pendingCall
	itemToCall map[string]string
	orphanArgs map[string]*strings.Builder // args seen before their item id was linked to a call id
	text       strings.Builder
}

func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		calls:      map[string]*pendingCall{},
		itemToCall: map[string]string{},
		orphanArgs: map[string]*strings.Builder{},
	}
}

func (a *ToolCallAccumulator) Observe(ev protocol.StreamEvent) {
	if ev.Type == "response.output_item.added" && ev.Item != nil {
		a.linkItem(ev.Item)
		if ev.Item.Type == "function_call" && ev.Item.CallID != "" && ev.Item.Arguments != "" {
			call := a.call(ev.Item.CallID)
			if call.args.Len() == 0 {
				call.args.WriteString(ev.Item.Arguments)
			}
		}
	}

	if ev.Type == "response.function_call_arguments.delta" {
		callID := ev.CallID
		if callID == "" {
			callID = a.itemToCall[ev.ItemID]
		}
		switch {
		case callID != "" && ev.Delta != "":
			a.call(callID).args.WriteString(ev.Delta)
		case ev.ItemID != "" && ev.Delta != "":
			a.orphanBuilder(ev.ItemID).WriteString(ev.Delta)
		}
	}

	if ev.Type == "response.function_call_arguments.done" {
		if ev.Item != nil {
			a.linkItem(ev.Item)
			if ev.Item.CallID != "" && ev.Item.Arguments != "" {
				call := a.call(ev.Item.CallID)
				if call.args.Len() == 0 {
					call.args.WriteString(ev.Item.Arguments)
				}
			}
		}
		if ev.CallID != "" && ev.Name != "" {
			a.call(ev.CallID).name = ev.Name
		}
		switch {
		case ev.CallID != "" && ev.Arguments != "":
			call := a.call(ev.CallID)
			if call.args.Len() == 0 {
				call.args.WriteString(ev.Arguments)
			}
		case ev.ItemID != "" && ev.Arguments != "":
			if callID := a.itemToCall[ev.ItemID]; callID != "" {
				call := a.call(callID)
				if call.args.Len() == 0 {
					call.args.WriteString(ev.Arguments)
				}
			} else {
				b := a.orphanBuilder(ev.ItemID)
				if b.Len() == 0 {
					b.WriteString(ev.Arguments)
				}
			}
		}
	}

	if ev.Type == "response.output_text.delta" {
		a.text.WriteString(ev.Delta)
	}
	if ev.Type == "response.content_part.added" && ev.Part != nil && ev.Part.Type == "output_text" {
		a.text.WriteString(ev.Part.Text)
	}
}

// linkItem records that item's stream id maps to its call id and name, and
// folds in any argument text that arrived tagged by item id before the
// link was known.
func (a *ToolCallAccumulator) linkItem(item *protocol.OutputItem) {
	if item.ID != "" && item.CallID != "" {
		a.itemToCall[item.ID] = item.CallID
		if pending, ok := a.orphanArgs[item.ID]; ok {
			a.call(item.CallID).args.WriteString(pending.String())
			delete(a.orphanArgs, item.ID)
		}
	}
	if item.CallID != "" && item.Name != "" {
		a.call(item.CallID).name = item.Name
	}
}

func (a *ToolCallAccumulator) call(callID string) *pendingCall {
	if c, ok := a.calls[callID]; ok {
		return c
	}
	c := &pendingCall{}
	a.calls[callID] = c
	return c
}

func (a *ToolCallAccumulator) orphanBuilder(itemID string) *strings.Builder {
	if b, ok := a.orphanArgs[itemID]; ok {
		return b
	}
	b := &strings.Builder{}
	a.orphanArgs[itemID] = b
	return b
}

// Arguments returns the arguments accumulated so far for callID.
func (a *ToolCallAccumulator) Arguments(callID string) string {
	if c, ok := a.calls[callID]; ok {
		return c.args.String()
	}
	return ""
}

// Name returns the function name recorded for callID, if any.
func (a *ToolCallAccumulator) Name(callID string) string {
	if c, ok := a.calls[callID]; ok {
		return c.name
	}
	return ""
}

// CallIDForItem resolves a stream item id to the call id it was linked to.
func (a *ToolCallAccumulator) CallIDForItem(itemID string) string {
	return a.itemToCall[itemID]
}

// Text returns the assistant text accumulated so far.
func (a *ToolCallAccumulator) Text() string {
	return a.text.String()
}

// MarkEmitted reports whether callID has not yet been surfaced to the
// caller, marking it emitted as a side effect — so a call reported via
// both a delta-completion event and a wrapping output_item.done only
// surfaces once.
func (a *ToolCallAccumulator) MarkEmitted(callID string) bool {
	if callID == "" {
		return true
	}
	c := a.call(callID)
	if c.emitted {
		return false
	}
	c.emitted = true
	return true
}
