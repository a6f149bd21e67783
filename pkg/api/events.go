package api

import "time"

// EventType identifies a bus event.
type EventType string

const (
	EventFlowStarted   EventType = "flow.started"
	EventFlowCompleted EventType = "flow.completed"
	EventFlowFailed    EventType = "flow.failed"

	EventMethodStarted   EventType = "method.started"
	EventMethodCompleted EventType = "method.completed"
	EventMethodFailed    EventType = "method.failed"

	EventStateChanged    EventType = "state.changed"
	EventStateRestored   EventType = "state.restored"
	EventStateUpdateSlow EventType = "state.update.slow"

	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeSkipped   EventType = "node.skipped"

	EventGraphStarted   EventType = "graph.started"
	EventGraphCompleted EventType = "graph.completed"

	// EventBatch wraps a set of envelopes accumulated under one batch id.
	// The accumulated events are carried in Envelope.Batch.
	EventBatch EventType = "bus.batch"
)

// Priority selects the bus bucket an envelope is queued into. Buckets are
// drained strictly from PriorityCritical down to PriorityLow.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Envelope is an immutable bus event. Producers fill it once and never
// touch it after publishing.
//
// Keep Metadata low-volume: identifiers and small scalars, not payload
// dumps.
type Envelope struct {
	Type      EventType
	Timestamp time.Time
	Priority  Priority

	// FlowID identifies the flow instance or orchestrator node the event
	// concerns, when applicable.
	FlowID string

	Metadata map[string]any

	// Batch carries the accumulated envelopes of an EventBatch.
	Batch []Envelope
}

// NewEnvelope builds an envelope with the timestamp set to now.
func NewEnvelope(t EventType, prio Priority, flowID string, meta map[string]any) Envelope {
	return Envelope{
		Type:      t,
		Timestamp: time.Now(),
		Priority:  prio,
		FlowID:    flowID,
		Metadata:  meta,
	}
}
