package domain

import (
	"encoding/json"
	"fmt"
)

type EventKind string

const (
	EventMessage      EventKind = "message"
	EventChain        EventKind = "chain"
	EventAgentThought EventKind = "agent_thought"
	EventEnd          EventKind = "end"
	EventPing         EventKind = "ping"
)

// Event is the envelope published on a task channel.
type Event struct {
	Kind EventKind `json:"event"`
	Data any       `json:"data,omitempty"`
}

type MessageEventData struct {
	TaskID         string  `json:"task_id"`
	MessageID      string  `json:"message_id"`
	Text           string  `json:"text"`
	Mode           AppMode `json:"mode"`
	ConversationID string  `json:"conversation_id"`
}

type ChainEventData struct {
	TaskID         string          `json:"task_id"`
	MessageID      string          `json:"message_id"`
	ChainID        string          `json:"chain_id"`
	Type           string          `json:"type"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output"`
	Mode           AppMode         `json:"mode"`
	ConversationID string          `json:"conversation_id"`
}

type AgentThoughtEventData struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	MessageID      string  `json:"message_id"`
	ChainID        string  `json:"chain_id"`
	Position       int     `json:"position"`
	Thought        string  `json:"thought"`
	Tool           string  `json:"tool"`
	ToolInput      string  `json:"tool_input"`
	Mode           AppMode `json:"mode"`
	ConversationID string  `json:"conversation_id"`
}

// ErrorEvent is published out of band when a task cannot be set up or the
// provider fails. It has no "event" tag.
type ErrorEvent struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

// ReceivedEvent is the decoded form of a channel payload as seen by a
// subscriber. Kind is empty for error events.
type ReceivedEvent struct {
	Kind        EventKind       `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (e ReceivedEvent) IsError() bool {
	return e.Kind == "" && e.Error != ""
}

// Terminal reports whether a subscriber should stop reading after this event.
func (e ReceivedEvent) Terminal() bool {
	return e.Kind == EventEnd || e.IsError()
}

func DecodeEvent(payload []byte) (ReceivedEvent, error) {
	var out ReceivedEvent
	if err := json.Unmarshal(payload, &out); err != nil {
		return ReceivedEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if out.Kind == "" && out.Error == "" {
		return ReceivedEvent{}, fmt.Errorf("decode event: payload has neither event nor error tag")
	}
	return out, nil
}
