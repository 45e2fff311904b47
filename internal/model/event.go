package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the wire "type" of a message sent to clients.
type EventType string

// Agent lifecycle events, in the order a run emits them.
const (
	EventAgentStarted   EventType = "agent_started"
	EventAgentThinking  EventType = "agent_thinking"
	EventToolExecuting  EventType = "tool_executing"
	EventToolCompleted  EventType = "tool_completed"
	EventAgentCompleted EventType = "agent_completed"
)

// System messages sent by the backbone itself.
const (
	EventConnected      EventType = "connected"
	EventResyncRequired EventType = "resync_required"
	EventHistory        EventType = "history"
	EventPong           EventType = "pong"
	EventError          EventType = "error"
)

// EventPing is the only message clients send; the server answers with pong.
const EventPing EventType = "ping"

// IsAgentEvent reports whether t is one of the five agent lifecycle events.
func (t EventType) IsAgentEvent() bool {
	switch t {
	case EventAgentStarted, EventAgentThinking, EventToolExecuting, EventToolCompleted, EventAgentCompleted:
		return true
	}
	return false
}

// AgentPayload is implemented by the typed payload of each agent event variant.
type AgentPayload interface {
	EventType() EventType
}

// AgentStarted is the payload of agent_started.
type AgentStarted struct {
	Input    string         `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentThinking is the payload of agent_thinking.
type AgentThinking struct {
	Message string `json:"message"`
	Step    int    `json:"step,omitempty"`
}

// ToolExecuting is the payload of tool_executing.
type ToolExecuting struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCompleted is the payload of tool_completed.
type ToolCompleted struct {
	ToolName   string `json:"tool_name"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// AgentCompleted is the payload of agent_completed.
type AgentCompleted struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (AgentStarted) EventType() EventType   { return EventAgentStarted }
func (AgentThinking) EventType() EventType  { return EventAgentThinking }
func (ToolExecuting) EventType() EventType  { return EventToolExecuting }
func (ToolCompleted) EventType() EventType  { return EventToolCompleted }
func (AgentCompleted) EventType() EventType { return EventAgentCompleted }

// AgentEvent is one lifecycle notification for a run. The payload decides the type.
type AgentEvent struct {
	RunID     string
	AgentName string
	Payload   AgentPayload
	Timestamp time.Time
}

// Type returns the event type carried by the payload.
func (e AgentEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Message converts the event into a wire message. The typed payload is
// flattened into the free-form data map only here, at the wire boundary.
func (e AgentEvent) Message() (*Message, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("agent event for run %q has no payload", e.RunID)
	}
	data, err := toMap(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type(), err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Message{
		Type:      e.Type(),
		RunID:     e.RunID,
		AgentName: e.AgentName,
		Data:      data,
		Timestamp: ts,
	}, nil
}

// Message is the JSON envelope written to clients.
type Message struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds a system message stamped with the current time.
func NewMessage(t EventType, data map[string]any) *Message {
	return &Message{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// WithData returns a shallow copy of the message carrying data.
func (m *Message) WithData(data map[string]any) *Message {
	cp := *m
	cp.Data = data
	return &cp
}

// Encode marshals the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	out := *m
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return json.Marshal(&out)
}

// DecodeMessage parses a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
