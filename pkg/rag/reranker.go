package rag

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

const defaultRerankModel = "qwen3-rerank"

// Reranker reorders candidate passages with a cross-encoder endpoint.
type Reranker struct {
	baseURL string
	apiKey  string
	model   string
	http    *httpclient.Client
}

func NewReranker(baseURL, apiKey string) *Reranker {
	return &Reranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   defaultRerankModel,
		http:    httpclient.New(httpclient.WithTimeout(10 * time.Second)),
	}
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Rerank scores the candidates against the query and returns the top n as
// (index into candidates, score) pairs, best first.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []string, topN int) ([]rerankResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":     r.model,
		"query":     query,
		"documents": candidates,
		"top_n":     topN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/reranks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank endpoint returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Results []rerankResult `json:"results"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return parsed.Results, nil
}
