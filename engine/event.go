package engine

import "time"

// EventKind names an engine event. The set is closed.
type EventKind string

const (
	EventNodeCreated    EventKind = "NODE_CREATED"
	EventNodeReady      EventKind = "NODE_READY"
	EventNodeBusy       EventKind = "NODE_BUSY"
	EventNodeStopped    EventKind = "NODE_STOPPED"
	EventGraphCreated   EventKind = "GRAPH_CREATED"
	EventGraphDeleted   EventKind = "GRAPH_DELETED"
	EventGraphStarted   EventKind = "GRAPH_STARTED"
	EventGraphCompleted EventKind = "GRAPH_COMPLETED"
	EventStepStarted    EventKind = "STEP_STARTED"
	EventStepCompleted  EventKind = "STEP_COMPLETED"
	EventStepFailed     EventKind = "STEP_FAILED"
	EventSessionCreated EventKind = "SESSION_CREATED"
	EventSessionDeleted EventKind = "SESSION_DELETED"
	EventOutputChunk    EventKind = "OUTPUT_CHUNK"
	EventOutputParsed   EventKind = "OUTPUT_PARSED"
	EventError          EventKind = "ERROR"
	EventServerShutdown EventKind = "SERVER_SHUTDOWN"
)

// Event is one engine notification. Events are advisory: delivery is
// fire-and-forget into the sink, never blocking command handling on a
// slow consumer is the sink's responsibility.
type Event struct {
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TS        time.Time      `json:"ts"`
}

// EventSink receives all engine events. A single sink is injected at
// construction; fan-out happens behind it.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(e Event) { f(e) }

// discardSink drops events when no sink is configured.
type discardSink struct{}

func (discardSink) Publish(Event) {}
