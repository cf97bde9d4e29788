package rag

import (
	"fmt"
	"math"
	"strings"
)

// Stream payloads truncate passage text; the full content still reaches the
// prompt.
const streamContentCap = 200

// PromptBlock renders retrieved passages as a numbered citation section for
// the system prompt. Empty input renders as the empty string.
func PromptBlock(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	parts := []string{"## 参考资料 (知识库检索结果)\n请参考以下内容回答用户的问题：\n"}
	for i, c := range chunks {
		location := sourceOf(c)
		if location == "" {
			location = "文档"
		}
		if page, ok := pageOf(c); ok {
			location += fmt.Sprintf(" (第%d页)", page)
		}
		parts = append(parts, fmt.Sprintf("[%d] %s\n— 来源: %s\n", i+1, c.Content, location))
	}
	return strings.Join(parts, "\n")
}

// SourcePayload is one entry of the rag_source stream event.
type SourcePayload struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Page    *int    `json:"page,omitempty"`
}

// StreamPayload shapes retrieved passages for the client event.
func StreamPayload(chunks []Chunk) []SourcePayload {
	payload := make([]SourcePayload, 0, len(chunks))
	for _, c := range chunks {
		entry := SourcePayload{
			Content: truncate(c.Content, streamContentCap),
			Score:   math.Round(c.Score*1000) / 1000,
			Source:  sourceOf(c),
		}
		if page, ok := pageOf(c); ok {
			p := page
			entry.Page = &p
		}
		payload = append(payload, entry)
	}
	return payload
}

func sourceOf(c Chunk) string {
	if filename, ok := c.Metadata["filename"].(string); ok && filename != "" {
		return filename
	}
	if source, ok := c.Metadata["source"].(string); ok {
		return source
	}
	return ""
}

func pageOf(c Chunk) (int, bool) {
	switch v := c.Metadata["page"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
