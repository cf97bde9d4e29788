package orchestrator

import (
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/memory"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/rag"
)

// Event kinds emitted on the turn stream, in their relative order.
const (
	EventMeta         = "meta"
	EventMemoryRecall = "memory_recall"
	EventRAGSource    = "rag_source"
	EventReasoning    = "reasoning"
	EventContent      = "content"
	EventToolCall     = "tool_call"
	EventToolResult   = "tool_result"
	EventDone         = "done"
	EventError        = "error"
)

// Event is one stream event. Only the fields of its kind are set.
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	Usage          *llms.Usage `json:"usage,omitempty"`
	Model          string      `json:"model,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil error means the client
// is gone and the turn should stop streaming.
type EmitFunc func(Event) error

// ToolCallData is the tool_call event body.
type ToolCallData struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Status    string                 `json:"status"`
}

// ToolResultData is the tool_result event body.
type ToolResultData struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func metaEvent(conversationID string) Event {
	return Event{Type: EventMeta, ConversationID: conversationID}
}

func memoryRecallEvent(payload memory.RecallPayload) Event {
	return Event{Type: EventMemoryRecall, Data: payload}
}

func ragSourceEvent(payload []rag.SourcePayload) Event {
	return Event{Type: EventRAGSource, Data: payload}
}

func reasoningEvent(delta string) Event {
	return Event{Type: EventReasoning, Data: delta}
}

func contentEvent(delta string) Event {
	return Event{Type: EventContent, Data: delta}
}

func doneEvent(usage *llms.Usage, model string) Event {
	return Event{Type: EventDone, Usage: usage, Model: model}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Data: message}
}
