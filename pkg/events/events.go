// Package events provides the gateway's publish/subscribe event surface.
// The engine publishes named lifecycle events; external subscribers
// (WebSocket fan-out, health aggregation, dashboards) consume them. Publish
// never blocks: slow subscribers drop events rather than stalling the engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event.
type Type string

const (
	ConnectionEstablished Type = "connection.established"
	ConnectionFailed      Type = "connection.failed"
	ConnectionLost        Type = "connection.lost"
	ConnectionError       Type = "connection.error"
	ConnectionExhausted   Type = "connection.exhausted"

	ToolRegistered   Type = "tool.registered"
	ToolUnregistered Type = "tool.unregistered"

	ToolExecutionStarted   Type = "tool.execution.started"
	ToolExecutionCompleted Type = "tool.execution.completed"
	ToolExecutionFailed    Type = "tool.execution.failed"

	DynamicToolEvent Type = "dynamic-tool.event"
)

// Event is a structured, streamable record of something that happened inside
// the gateway. Payloads should stay small; large results belong to the
// caller, not the event stream.
type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New creates an event with the current timestamp and a fresh id.
func New(t Type) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// With adds a key-value pair to the event payload.
func (e Event) With(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Publisher is the engine-facing half of the bus.
type Publisher interface {
	Publish(event Event)
}

// Subscription receives events until closed.
type Subscription interface {
	// Events returns the subscription's event channel. It is closed when the
	// subscription or the bus is closed.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
