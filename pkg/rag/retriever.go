package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

const defaultANNTopK = 20

// Retriever runs the retrieval pipeline: embed, search every collection,
// merge and dedupe, optionally rerank, cut to top-k.
type Retriever struct {
	embedder Embedder
	store    VectorSearcher
	reranker *Reranker
	annTopK  int
	logger   *slog.Logger
}

func NewRetriever(embedder Embedder, store VectorSearcher, reranker *Reranker, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		reranker: reranker,
		annTopK:  defaultANNTopK,
		logger:   logger,
	}
}

// Retrieve returns the top-k passages across the given collections. A failing
// collection is skipped; only a failed embedding aborts the whole lookup.
func (r *Retriever) Retrieve(ctx context.Context, query string, collections []string, topK int) ([]Chunk, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var hits []Hit
	for _, collection := range collections {
		found, err := r.store.Search(ctx, collection, vector, r.annTopK)
		if err != nil {
			r.logger.Warn("vector search failed, skipping collection",
				"collection", collection, "error", err)
			continue
		}
		hits = append(hits, found...)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	unique := dedupeByScore(hits)

	if r.reranker != nil && len(unique) > 1 {
		if chunks, err := r.rerank(ctx, query, unique, topK); err == nil {
			return chunks, nil
		} else {
			r.logger.Warn("rerank failed, falling back to vector scores", "error", err)
		}
	}

	if len(unique) > topK {
		unique = unique[:topK]
	}
	return hitsToChunks(unique), nil
}

func (r *Retriever) rerank(ctx context.Context, query string, hits []Hit, topN int) ([]Chunk, error) {
	documents := make([]string, len(hits))
	for i, h := range hits {
		documents[i] = h.Content
	}

	results, err := r.reranker.Rerank(ctx, query, documents, topN)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(results))
	for _, result := range results {
		if result.Index < 0 || result.Index >= len(hits) {
			continue
		}
		hit := hits[result.Index]
		chunks = append(chunks, Chunk{
			Content:  hit.Content,
			DocID:    hit.DocID,
			Score:    result.RelevanceScore,
			Metadata: hit.Metadata,
		})
	}
	return chunks, nil
}

// dedupeByScore keeps the best-scoring hit per point id, ordered by score
// descending.
func dedupeByScore(hits []Hit) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	seen := make(map[string]bool, len(hits))
	unique := hits[:0]
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		unique = append(unique, h)
	}
	return unique
}

func hitsToChunks(hits []Hit) []Chunk {
	chunks := make([]Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = Chunk{
			Content:  h.Content,
			DocID:    h.DocID,
			Score:    h.Score,
			Metadata: h.Metadata,
		}
	}
	return chunks
}
