// Package memory integrates the external long-term memory service: recall
// before a turn, detached write-back after it, and the prompt and stream
// payload shaping in between.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/httpclient"
)

const defaultBaseURL = "https://memos.memtensor.cn/api/openmem/v1"

// Item is one recalled fact.
type Item struct {
	ID             string   `json:"id"`
	MemoryKey      string   `json:"memory_key"`
	MemoryValue    string   `json:"memory_value"`
	MemoryType     string   `json:"memory_type"`
	Confidence     float64  `json:"confidence"`
	Tags           []string `json:"tags"`
	Relativity     float64  `json:"relativity"`
	ConversationID string   `json:"conversation_id"`
}

// Preference is one recalled user preference.
type Preference struct {
	ID             string  `json:"id"`
	PreferenceType string  `json:"preference_type"`
	Preference     string  `json:"preference"`
	Reasoning      string  `json:"reasoning"`
	Relativity     float64 `json:"relativity"`
	ConversationID string  `json:"conversation_id"`
}

// SearchResult is the full recall outcome. The zero value means nothing was
// recalled.
type SearchResult struct {
	Memories       []Item
	Preferences    []Preference
	PreferenceNote string
}

// Empty reports whether the recall produced nothing worth surfacing.
func (r *SearchResult) Empty() bool {
	return len(r.Memories) == 0 && len(r.Preferences) == 0
}

// TurnMessage is one conversation turn submitted on write-back.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client speaks the memory service's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
}

func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpclient.New(httpclient.WithTimeout(30 * time.Second)),
	}
}

// envelope is the service's uniform response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory service returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("memory service error %d: %s", env.Code, env.Message)
	}
	return env.Data, nil
}

// Search retrieves memories and preferences relevant to the query.
func (c *Client) Search(ctx context.Context, userID, query, conversationID string) (*SearchResult, error) {
	payload := map[string]interface{}{
		"user_id": userID,
		"query":   query,
	}
	if conversationID != "" {
		payload["conversation_id"] = conversationID
	}

	data, err := c.post(ctx, "/search/memory", payload)
	if err != nil {
		return nil, err
	}

	var body struct {
		Memories       []Item       `json:"memory_detail_list"`
		Preferences    []Preference `json:"preference_detail_list"`
		PreferenceNote string       `json:"preference_note"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}

	return &SearchResult{
		Memories:       body.Memories,
		Preferences:    body.Preferences,
		PreferenceNote: body.PreferenceNote,
	}, nil
}

// Add submits a finished turn for asynchronous extraction. The returned task
// id identifies the server-side job.
func (c *Client) Add(ctx context.Context, userID, conversationID string, messages []TurnMessage) (string, error) {
	data, err := c.post(ctx, "/add/message", map[string]interface{}{
		"user_id":         userID,
		"conversation_id": conversationID,
		"messages":        messages,
	})
	if err != nil {
		return "", err
	}

	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("failed to decode add result: %w", err)
	}
	return body.TaskID, nil
}
