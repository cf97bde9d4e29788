package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/memory"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/observability"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/rag"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/tools"
)

// The persistence writer and accounting run after the stream on their own
// deadline, detached from the request context.
const postStreamTimeout = 10 * time.Second

// turnOutcome accumulates everything the post-stream stages need.
type turnOutcome struct {
	// failed marks a terminal error event; persistence and accounting are
	// skipped.
	failed bool
	// disconnected marks a dropped client; persistence still runs with
	// whatever accumulated.
	disconnected bool

	reasoning  string
	content    string
	usage      *llms.Usage
	model      string
	toolCalls  []store.ToolCallMeta
	memories   interface{}
	ragSources interface{}
}

// emitter stops delivering after the first failed write.
type emitter struct {
	emit EmitFunc
	dead bool
}

func (e *emitter) send(ev Event) bool {
	if e.dead {
		return false
	}
	if err := e.emit(ev); err != nil {
		e.dead = true
	}
	return !e.dead
}

// Run streams the turn to emit and performs the post-stream side effects.
// It never returns an error; failures become events or log lines.
func (t *Turn) Run(ctx context.Context, emit EmitFunc) {
	start := time.Now()
	metrics := observability.GetGlobalMetrics()

	out := t.stream(ctx, emit)
	metrics.RecordTurn(ctx, t.model, time.Since(start).Seconds(), out.failed)

	if out.failed {
		// A broken LLM stream leaves no assistant message and no usage row.
		return
	}

	t.persist(out)
	t.recordUsage(out)
	t.writeBackMemory(out)
}

func (t *Turn) stream(ctx context.Context, emit EmitFunc) *turnOutcome {
	out := &turnOutcome{model: t.model}
	em := &emitter{emit: emit}
	metrics := observability.GetGlobalMetrics()

	if !em.send(metaEvent(t.conversation.ID)) {
		out.disconnected = true
		return out
	}

	if !t.memoryResult.Empty() {
		payload := memory.StreamPayload(t.memoryResult)
		if !em.send(memoryRecallEvent(payload)) {
			out.disconnected = true
			return out
		}
		out.memories = payload.Memories
	}

	if len(t.ragChunks) > 0 {
		payload := rag.StreamPayload(t.ragChunks)
		if !em.send(ragSourceEvent(payload)) {
			out.disconnected = true
			return out
		}
		sources := make([]map[string]interface{}, 0, len(payload))
		for _, s := range payload {
			sources = append(sources, map[string]interface{}{
				"content": s.Content,
				"score":   s.Score,
				"source":  s.Source,
			})
		}
		out.ragSources = sources
	}

	dispatcher := tools.NewDispatcher(t.registry, t.o.deps.Store, t.o.deps.MCPFactory)
	ec := &tools.ExecContext{
		UserID:   t.user.ID,
		TenantID: t.user.TenantID,
		DB:       t.o.deps.Store.DB(),
		Dialect:  t.o.deps.Store.Dialect(),
	}

	var reasoning, content strings.Builder
	messages := t.messages

	defer func() {
		out.reasoning = reasoning.String()
		out.content = content.String()
	}()

	for round := 0; ; round++ {
		if round >= t.o.cfg.MaxToolRounds {
			t.o.logger.Warn("tool round cap reached",
				"conversation_id", t.conversation.ID, "rounds", round)
			em.send(doneEvent(out.usage, t.model))
			return out
		}

		llmStart := time.Now()
		chunks, err := t.provider.Stream(ctx, llms.StreamRequest{
			Model:           t.model,
			Messages:        messages,
			Tools:           t.toolDefs,
			ThinkingEnabled: t.thinking,
		})
		if err != nil {
			metrics.RecordLLMRequest(ctx, t.model, time.Since(llmStart).Seconds(), 0, 0, err)
			em.send(errorEvent(err.Error()))
			out.failed = true
			return out
		}

		var done *llms.DoneChunk
		var roundContent strings.Builder

		for chunk := range chunks {
			switch chunk.Type {
			case llms.ChunkTypeReasoning:
				reasoning.WriteString(chunk.Text)
				if !em.send(reasoningEvent(chunk.Text)) {
					out.disconnected = true
					return out
				}

			case llms.ChunkTypeContent:
				roundContent.WriteString(chunk.Text)
				content.WriteString(chunk.Text)
				if !em.send(contentEvent(chunk.Text)) {
					out.disconnected = true
					return out
				}

			case llms.ChunkTypeDone:
				done = chunk.Done
				if done.Usage != nil {
					out.usage = done.Usage
				}
				if done.Model != "" {
					out.model = done.Model
				}

			case llms.ChunkTypeError:
				metrics.RecordLLMRequest(ctx, t.model, time.Since(llmStart).Seconds(), 0, 0, chunk.Err)
				em.send(errorEvent(chunk.Err.Error()))
				out.failed = true
				return out
			}
		}

		var in, outTokens int
		if done != nil && done.Usage != nil {
			in, outTokens = done.Usage.PromptTokens, done.Usage.CompletionTokens
		}
		metrics.RecordLLMRequest(ctx, t.model, time.Since(llmStart).Seconds(), in, outTokens, nil)

		if done == nil {
			// The provider closed without a terminal chunk.
			return out
		}

		if done.FinishReason == "tool_calls" && len(done.ToolCalls) > 0 {
			messages = append(messages, llms.Message{
				Role:      "assistant",
				Content:   roundContent.String(),
				ToolCalls: done.ToolCalls,
			})

			for _, call := range done.ToolCalls {
				if !t.dispatchCall(ctx, em, dispatcher, ec, call, &messages, out) {
					out.disconnected = true
					return out
				}
			}
			continue
		}

		em.send(doneEvent(out.usage, out.model))
		return out
	}
}

// dispatchCall runs one tool call: calling event, dispatch, result event,
// metadata log, tool message. Returns false when the client is gone.
func (t *Turn) dispatchCall(ctx context.Context, em *emitter, dispatcher *tools.Dispatcher,
	ec *tools.ExecContext, call llms.ToolCall, messages *[]llms.Message, out *turnOutcome) bool {

	id := call.ID
	if id == "" {
		id = uuid.NewString()
	}

	if !em.send(Event{Type: EventToolCall, Data: ToolCallData{
		ID:        id,
		Name:      call.Name,
		Arguments: tools.ParseArguments(call.Arguments),
		Status:    "calling",
	}}) {
		return false
	}

	result := dispatcher.Dispatch(ctx, call.Name, call.Arguments, ec)

	data := ToolResultData{ID: id, Name: call.Name}
	meta := store.ToolCallMeta{ID: id, Name: call.Name, Arguments: call.Arguments}
	feedback := result.Content
	if result.Success {
		data.Status = "success"
		data.Result = truncateRunes(result.Content, resultDisplayCap)
		meta.Status = "success"
		meta.Result = data.Result
	} else {
		feedback = result.Error
		data.Status = "error"
		data.Error = truncateRunes(result.Error, errorDisplayCap)
		meta.Status = "error"
		meta.Error = data.Error
	}

	if !em.send(Event{Type: EventToolResult, Data: data}) {
		return false
	}

	out.toolCalls = append(out.toolCalls, meta)

	// The model sees the outcome, success or not, capped to a context-safe
	// length.
	*messages = append(*messages, llms.Message{
		Role:       "tool",
		ToolCallID: id,
		Content:    truncateRunes(feedback, toolMessageCap),
	})
	return true
}

func (t *Turn) persist(out *turnOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), postStreamTimeout)
	defer cancel()

	var meta *store.MessageMetadata
	if len(out.toolCalls) > 0 || out.memories != nil || out.ragSources != nil {
		meta = &store.MessageMetadata{
			ToolCalls:  out.toolCalls,
			Memories:   out.memories,
			RAGSources: out.ragSources,
		}
	}

	err := t.o.deps.Store.AppendMessage(ctx, &store.Message{
		ConversationID:   t.conversation.ID,
		Role:             "assistant",
		Content:          out.content,
		ReasoningContent: out.reasoning,
		Usage:            out.usage,
		Metadata:         meta,
	})
	if err != nil {
		t.o.logger.Error("failed to persist assistant message",
			"conversation_id", t.conversation.ID, "error", err)
	}

	if t.conversation.Title == store.DefaultConversationTitle && strings.TrimSpace(t.userContent) != "" {
		title := truncateRunes(t.userContent, titleCap)
		if len([]rune(t.userContent)) > titleCap {
			title += "..."
		}
		if err := t.o.deps.Store.UpdateConversationTitle(ctx, t.conversation.ID, title); err != nil {
			t.o.logger.Error("failed to update conversation title", "error", err)
		}
	} else if err := t.o.deps.Store.TouchConversation(ctx, t.conversation.ID); err != nil {
		t.o.logger.Error("failed to touch conversation", "error", err)
	}
}

func (t *Turn) recordUsage(out *turnOutcome) {
	u := out.usage
	if u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), postStreamTimeout)
	defer cancel()

	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}

	record := &store.UsageRecord{
		UserID:         t.user.ID,
		TenantID:       t.user.TenantID,
		ConversationID: t.conversation.ID,
		Model:          t.model,
		InputTokens:    u.PromptTokens,
		OutputTokens:   u.CompletionTokens,
		TotalTokens:    total,
		Cost:           t.o.deps.Prices.Cost(t.model, u.PromptTokens, u.CompletionTokens),
		TriggerType:    "chat",
	}
	if err := t.o.deps.Store.InsertUsageRecord(ctx, record); err != nil {
		t.o.logger.Error("failed to record usage", "error", err)
		return
	}

	if t.o.deps.Guard != nil {
		if err := t.o.deps.Guard.Record(ctx, t.user.TenantID, int64(total)); err != nil {
			t.o.logger.Error("failed to bump quota counter", "error", err)
		}
	}
}

func (t *Turn) writeBackMemory(out *turnOutcome) {
	if out.content == "" {
		return
	}
	t.o.deps.Memory.WriteBack(t.user.ID, t.conversation.ID, []memory.TurnMessage{
		{Role: "user", Content: t.userContent},
		{Role: "assistant", Content: out.content},
	})
}
