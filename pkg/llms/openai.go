package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI-compatible chat-completions streaming wire
// format. It covers DeepSeek endpoints as well: the dedicated
// reasoning_content delta field and the usage block on the trailing chunk are
// both handled here.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []string
	client  *httpclient.Client
}

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	Models     []string
	Timeout    time.Duration
	MaxRetries int
}

// NewOpenAIProvider creates a provider for one OpenAI-compatible upstream.
func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if opts.Name == "" {
		opts.Name = "openai"
	}

	httpClient := &http.Client{}
	if opts.Timeout > 0 {
		httpClient.Timeout = opts.Timeout
	}

	return &OpenAIProvider{
		name:    opts.Name,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		models:  opts.Models,
		client: httpclient.New(
			httpclient.WithHTTPClient(httpClient),
			httpclient.WithMaxRetries(opts.MaxRetries),
		),
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Models() []string { return p.models }

// Wire types for the chat-completions request.

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools         []openAITool         `json:"tools,omitempty"`
	// ThinkingEnabled is a DeepSeek extension toggling reasoning mode.
	ThinkingEnabled bool `json:"thinking_enabled,omitempty"`
}

// Wire types for streamed response chunks.

type openAIStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// Stream starts a streaming chat completion. Chunks are delivered on the
// returned channel; the channel is closed after the terminal chunk.
func (p *OpenAIProvider) Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, req, outputCh); err != nil {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeError, Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, req StreamRequest, outputCh chan<- StreamChunk) error {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("streaming request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return p.consumeStream(ctx, req, resp.Body, outputCh)
}

func (p *OpenAIProvider) buildRequest(req StreamRequest) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, om)
	}

	out := openAIRequest{
		Model:           req.Model,
		Messages:        messages,
		Stream:          true,
		StreamOptions:   &openAIStreamOptions{IncludeUsage: true},
		ThinkingEnabled: req.ThinkingEnabled,
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

// toolCallAccumulator assembles fragmented tool-call deltas. Deltas arrive
// with an index field and may interleave, so accumulation is per-index.
type toolCallAccumulator struct {
	id        string
	name      strings.Builder
	arguments strings.Builder
}

func (p *OpenAIProvider) consumeStream(ctx context.Context, req StreamRequest, body io.Reader, outputCh chan<- StreamChunk) error {
	reader := bufio.NewReader(body)

	var (
		reasoningBuf     strings.Builder
		contentBuf       strings.Builder
		toolCallsMap     = make(map[int]*toolCallAccumulator)
		usage            *Usage
		model            = req.Model
		lastFinishReason string
	)

	emit := func(chunk StreamChunk) error {
		select {
		case outputCh <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

readLoop:
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				// Skip comments, blank keep-alives and event: lines.
				if err == io.EOF {
					break
				}
				continue
			}
			line = line[6:]

			if bytes.Equal(line, []byte("[DONE]")) {
				break
			}

			var chunk openAIStreamChunk
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
				slog.Debug("skipping malformed stream chunk", "provider", p.name, "error", jsonErr)
				if err == io.EOF {
					break
				}
				continue
			}

			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				// Usage may arrive on a trailing chunk with no choices.
				u := &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
				if chunk.Usage.CompletionTokensDetails != nil {
					u.ReasoningTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
				}
				usage = u
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.ReasoningContent != "" {
					reasoningBuf.WriteString(choice.Delta.ReasoningContent)
					if emitErr := emit(StreamChunk{Type: ChunkTypeReasoning, Text: choice.Delta.ReasoningContent}); emitErr != nil {
						return emitErr
					}
				}
				if choice.Delta.Content != "" {
					contentBuf.WriteString(choice.Delta.Content)
					if emitErr := emit(StreamChunk{Type: ChunkTypeContent, Text: choice.Delta.Content}); emitErr != nil {
						return emitErr
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					acc, ok := toolCallsMap[tc.Index]
					if !ok {
						acc = &toolCallAccumulator{}
						toolCallsMap[tc.Index] = acc
					}
					if tc.ID != "" {
						acc.id = tc.ID
					}
					acc.name.WriteString(tc.Function.Name)
					acc.arguments.WriteString(tc.Function.Arguments)
				}
				// The finish reason may land on the same chunk as the last
				// argument fragment; accumulation is flushed only at the
				// stream end boundary.
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					lastFinishReason = *choice.FinishReason
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("failed to read stream: %w", err)
			}
			break readLoop
		}
	}

	if usage == nil {
		usage = p.estimateUsage(req, reasoningBuf.String()+contentBuf.String())
	}

	done := &DoneChunk{
		Reasoning:    reasoningBuf.String(),
		Content:      contentBuf.String(),
		Usage:        usage,
		Model:        model,
		FinishReason: lastFinishReason,
		ToolCalls:    assembleToolCalls(toolCallsMap),
	}

	return emit(StreamChunk{Type: ChunkTypeDone, Done: done})
}

// assembleToolCalls orders accumulated calls by delta index.
func assembleToolCalls(m map[int]*toolCallAccumulator) []ToolCall {
	if len(m) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(m))
	for i := range m {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(m))
	for _, i := range indexes {
		acc := m[i]
		calls = append(calls, ToolCall{
			ID:        acc.id,
			Name:      acc.name.String(),
			Arguments: acc.arguments.String(),
		})
	}
	return calls
}

// estimateUsage approximates token counts with tiktoken when the provider
// omits the usage block.
func (p *OpenAIProvider) estimateUsage(req StreamRequest, output string) *Usage {
	counter, err := NewTokenCounter(req.Model)
	if err != nil {
		slog.Warn("token estimation unavailable", "provider", p.name, "error", err)
		return &Usage{}
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += counter.Count(m.Content) + 4
	}
	completion := counter.Count(output)

	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
