// Package rag retrieves knowledge-base passages for a chat turn: query
// embedding, vector search across per-knowledge-base collections, optional
// reranking, and the prompt and stream payload shaping.
package rag

import "strings"

// Chunk is one retrieved passage.
type Chunk struct {
	Content  string
	DocID    string
	Score    float64
	Metadata map[string]interface{}
}

// Hit is one raw vector-store match before merging.
type Hit struct {
	ID       string
	Content  string
	DocID    string
	Score    float64
	Metadata map[string]interface{}
}

// CollectionName maps a knowledge-base id to its vector collection.
func CollectionName(kbID string) string {
	return "kb_" + strings.ReplaceAll(kbID, "-", "_")
}
