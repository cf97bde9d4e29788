// Package llms translates provider-specific streaming wire formats into a
// uniform chunk sequence consumed by the chat orchestrator.
package llms

import "context"

// Chunk types emitted on the stream channel.
const (
	ChunkTypeReasoning = "reasoning"
	ChunkTypeContent   = "content"
	ChunkTypeDone      = "done"
	ChunkTypeError     = "error"
)

// Message is one entry of the working message list sent to the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a complete accumulated call produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable function exposed to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage reports token consumption for one LLM invocation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// DoneChunk carries the assembled result of a completed stream.
type DoneChunk struct {
	Reasoning    string
	Content      string
	Usage        *Usage
	Model        string
	FinishReason string
	ToolCalls    []ToolCall
}

// StreamChunk is one item of the uniform chunk sequence.
type StreamChunk struct {
	Type string
	// Text is the delta for reasoning/content chunks.
	Text string
	// Done is set for the terminal done chunk.
	Done *DoneChunk
	// Err is set for the terminal error chunk.
	Err error
}

// StreamRequest describes one streaming invocation.
type StreamRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	ThinkingEnabled bool
}

// Provider streams chat completions for the models it serves.
type Provider interface {
	// Stream starts a streaming invocation. The returned channel is closed
	// after a terminal done or error chunk. Cancelling ctx releases the
	// underlying connection.
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error)

	// Models lists the model ids served by this provider.
	Models() []string

	// Name identifies the provider for logging.
	Name() string
}
