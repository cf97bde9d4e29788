package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// VectorSearcher is the vector-store surface the retriever needs.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error)
}

// QdrantConfig configures the Qdrant connection.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// QdrantStore searches passage collections in Qdrant.
type QdrantStore struct {
	client *qdrant.Client
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantStore{client: client}, nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error) {
	request := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	result, err := s.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %s: %w", collection, err)
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, point := range result.Result {
		hits = append(hits, pointToHit(point))
	}
	return hits, nil
}

func pointToHit(point *qdrant.ScoredPoint) Hit {
	hit := Hit{
		Score:    float64(point.Score),
		Metadata: map[string]interface{}{},
	}

	if id := point.Id; id != nil {
		switch v := id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			hit.ID = v.Uuid
		case *qdrant.PointId_Num:
			hit.ID = fmt.Sprintf("%d", v.Num)
		}
	}

	for key, value := range point.Payload {
		switch key {
		case "content":
			hit.Content = value.GetStringValue()
		case "doc_id":
			hit.DocID = value.GetStringValue()
		default:
			hit.Metadata[key] = payloadValue(value)
		}
	}
	return hit
}

// payloadValue lowers a Qdrant payload value to a plain Go value. Nested
// structures are not used in passage payloads, so scalars cover it.
func payloadValue(value *qdrant.Value) interface{} {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	default:
		return value.String()
	}
}
