package canon

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates a ChronicleEvent. The six workflow types mutate run
// or step aggregates; everything else is a GenericEvent.
type EventType string

const (
	EventRunStart   EventType = "run:start"
	EventRunUpdate  EventType = "run:update"
	EventStepStart  EventType = "step:start"
	EventStepEnd    EventType = "step:end"
	EventStepError  EventType = "step:error"
	EventStepState  EventType = "step:state"

	// EventChatCompleted is the generic event type a dispatcher.ProxyLogEntry
	// is wrapped as before it flows through the same per-endpoint batched
	// queue as caller-supplied events. It is not a workflow event: it never
	// mutates a run/step aggregate, only a dedicated chronicle_events row.
	EventChatCompleted EventType = "chat:completed"
)

// IsWorkflowEvent reports whether t mutates a run/step aggregate.
func (t EventType) IsWorkflowEvent() bool {
	switch t {
	case EventRunStart, EventRunUpdate, EventStepStart, EventStepEnd, EventStepError, EventStepState:
		return true
	default:
		return false
	}
}

// ChronicleEvent is the tagged union accepted by /events and /event. Data
// carries the type-specific payload (run/step fields for workflow events, or
// arbitrary caller data for generic events).
type ChronicleEvent struct {
	Type   EventType      `json:"type"`
	RunID  string         `json:"run_id,omitempty"`
	StepID string         `json:"step_id,omitempty"`
	Time   *time.Time     `json:"time,omitempty"`
	Error  *string        `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// At returns Time, defaulting to now if absent, per §3's "time on events
// defaults to wall-clock at enqueue if absent" invariant. The clock is
// supplied by the caller so enqueue-time, not decode-time, is recorded.
func (e ChronicleEvent) At(now time.Time) time.Time {
	if e.Time != nil {
		return *e.Time
	}
	return now
}

// EventBatch is the wire shape accepted by POST /events: a bare event, an
// array of events, or { "events": [...] }. Chronicle's own writer always
// emits the wrapped shape; decoding accepts all three for caller convenience.
type EventBatch struct {
	Events []ChronicleEvent
}

// UnmarshalJSON accepts a bare object, a bare array, or a wrapped object.
func (b *EventBatch) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Events []ChronicleEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Events != nil {
		b.Events = wrapped.Events
		return nil
	}
	var arr []ChronicleEvent
	if err := json.Unmarshal(data, &arr); err == nil {
		b.Events = arr
		return nil
	}
	var single ChronicleEvent
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("decode event batch: %w", err)
	}
	b.Events = []ChronicleEvent{single}
	return nil
}

// MarshalJSON always emits the wrapped shape, matching the writer's own batch
// POST body per §4.5.
func (b EventBatch) MarshalJSON() ([]byte, error) {
	events := b.Events
	if events == nil {
		events = []ChronicleEvent{}
	}
	return json.Marshal(struct {
		Events []ChronicleEvent `json:"events"`
	}{Events: events})
}
