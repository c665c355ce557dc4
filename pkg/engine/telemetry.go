package engine

import (
	"time"

	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
)

// pumpMetrics subscribes to bus and translates its event stream into
// metrics.Collector calls, the same fan-out role any other bus subscriber
// plays (spec §7's EventBus is the one place turn/tool/budget state already
// crosses a channel boundary, so instrumentation rides along rather than
// getting threaded through every component's constructor). The goroutine
// exits once bus.Unsubscribe(id) closes its channel.
func pumpMetrics(bus *EventBus, collector *metrics.Collector, id string) {
	ch := bus.Subscribe(id)
	go func() {
		for e := range ch {
			observeMetricEvent(collector, e)
		}
	}()
}

func observeMetricEvent(collector *metrics.Collector, e Event) {
	switch e.Kind {
	case EvToolCallBegin:
		if e.ToolCallBegin != nil {
			collector.BeginToolCall(e.ToolCallBegin.CallID, e.ToolCallBegin.Name, now())
		}
	case EvToolCallEnd:
		if e.ToolCallEnd != nil {
			collector.EndToolCall(e.ToolCallEnd.CallID, e.ToolCallEnd.Success, now())
		}
	case EvTokenUsage:
		if e.TokenUsage != nil {
			collector.ObserveTokenUsageSnapshot(e.TokenUsage.PerAgent)
		}
	case EvTokenBudgetWarning:
		if e.TokenWarning != nil {
			collector.ObserveTokenWarning(e.TokenWarning.AgentID)
		}
	case EvSubscriberLagging:
		if e.SubscriberLagging != nil {
			collector.ObserveSubscriberDropped(e.SessionID)
		}
	case EvTaskComplete:
		if e.TaskComplete != nil {
			collector.ObserveTurnCompleted(e.TaskComplete.Success)
		}
	}
}

func now() time.Time { return time.Now() }
