package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

const (
	defaultRecallTimeout       = 3 * time.Second
	defaultRelativityThreshold = 0.3
	writeBackTimeout           = 60 * time.Second
)

// Searcher is the client surface the manager needs.
type Searcher interface {
	Search(ctx context.Context, userID, query, conversationID string) (*SearchResult, error)
	Add(ctx context.Context, userID, conversationID string, messages []TurnMessage) (string, error)
}

// Manager orchestrates recall, write-back and prompt injection.
type Manager struct {
	client        Searcher
	recallEnabled bool
	saveEnabled   bool
	threshold     float64
	recallTimeout time.Duration
	logger        *slog.Logger
}

// ManagerOptions tunes the manager. Zero values take the defaults.
type ManagerOptions struct {
	RecallEnabled bool
	SaveEnabled   bool
	// Threshold drops recalled facts below this relativity.
	Threshold     float64
	RecallTimeout time.Duration
	Logger        *slog.Logger
}

func NewManager(client Searcher, opts ManagerOptions) *Manager {
	if opts.Threshold == 0 {
		opts.Threshold = defaultRelativityThreshold
	}
	if opts.RecallTimeout == 0 {
		opts.RecallTimeout = defaultRecallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		client:        client,
		recallEnabled: opts.RecallEnabled,
		saveEnabled:   opts.SaveEnabled,
		threshold:     opts.Threshold,
		recallTimeout: opts.RecallTimeout,
		logger:        opts.Logger,
	}
}

// Recall looks up relevant memories. Any failure, including the recall
// timeout, degrades to an empty result so the turn proceeds without memory.
func (m *Manager) Recall(ctx context.Context, userID, query, conversationID string) *SearchResult {
	if m == nil || !m.recallEnabled || m.client == nil {
		return &SearchResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, m.recallTimeout)
	defer cancel()

	result, err := m.client.Search(ctx, userID, query, conversationID)
	if err != nil {
		m.logger.Warn("memory recall degraded to empty", "error", err)
		return &SearchResult{}
	}

	kept := result.Memories[:0]
	for _, item := range result.Memories {
		if item.Relativity >= m.threshold {
			kept = append(kept, item)
		}
	}
	result.Memories = kept
	return result
}

// WriteBack submits the finished turn in a detached goroutine. It never
// blocks the caller and its failure only produces a log line.
func (m *Manager) WriteBack(userID, conversationID string, messages []TurnMessage) {
	if m == nil || !m.saveEnabled || m.client == nil || len(messages) == 0 {
		return
	}

	go func() {
		// Detached from the request context on purpose: write-back outlives
		// the response.
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()

		taskID, err := m.client.Add(ctx, userID, conversationID, messages)
		if err != nil {
			m.logger.Warn("memory write-back failed", "error", err)
			return
		}
		if taskID != "" {
			m.logger.Info("memory write-back submitted", "task_id", taskID)
		}
	}()
}

// PromptBlock renders the recall result as a system prompt section. Empty
// results render as the empty string.
func PromptBlock(result *SearchResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	if len(result.Memories) > 0 {
		parts = append(parts, "## 用户相关记忆")
		for _, m := range result.Memories {
			parts = append(parts, fmt.Sprintf("- %s: %s", m.MemoryKey, m.MemoryValue))
		}
	}

	if len(result.Preferences) > 0 {
		parts = append(parts, "\n## 用户偏好")
		for _, p := range result.Preferences {
			label := "隐式"
			if p.PreferenceType == "explicit_preference" {
				label = "显式"
			}
			parts = append(parts, fmt.Sprintf("- [%s] %s", label, p.Preference))
		}
	}

	if note := strings.TrimSpace(result.PreferenceNote); note != "" {
		parts = append(parts, "\n"+note)
	}

	return strings.Join(parts, "\n")
}

// RecallPayload is the memory_recall stream event body.
type RecallPayload struct {
	Memories    []RecalledMemory     `json:"memories"`
	Preferences []RecalledPreference `json:"preferences"`
}

type RecalledMemory struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
	Source    string  `json:"source"`
}

type RecalledPreference struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamPayload shapes the recall result for the client event.
func StreamPayload(result *SearchResult) RecallPayload {
	payload := RecallPayload{
		Memories:    []RecalledMemory{},
		Preferences: []RecalledPreference{},
	}
	if result == nil {
		return payload
	}

	for _, m := range result.Memories {
		source := "记忆"
		if len(m.Tags) > 0 {
			tags := m.Tags
			if len(tags) > 3 {
				tags = tags[:3]
			}
			source = strings.Join(tags, ", ")
		}
		payload.Memories = append(payload.Memories, RecalledMemory{
			ID:        m.ID,
			Content:   fmt.Sprintf("%s: %s", m.MemoryKey, m.MemoryValue),
			Relevance: math.Round(m.Relativity*1000) / 1000,
			Source:    source,
		})
	}

	for _, p := range result.Preferences {
		payload.Preferences = append(payload.Preferences, RecalledPreference{
			ID:      p.ID,
			Type:    p.PreferenceType,
			Content: p.Preference,
		})
	}
	return payload
}
