package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// EmbeddingService talks to an Ollama-compatible embedding endpoint.
// Results are memoized in an LRU cache keyed by the input text, so
// repeated queries and reloaded corpus records skip the round trip.
type EmbeddingService struct {
	baseURL    string
	model      string
	httpClient *http.Client
	cache      *lru.Cache[string, []float64]
	logger     *logger.Logger
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewEmbeddingService(cfg config.EmbeddingConfig, log *logger.Logger) *EmbeddingService {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, []float64](cacheSize)

	return &EmbeddingService{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cache,
		logger: log,
	}
}

func (service *EmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	startTime := time.Now()

	if cached, ok := service.cache.Get(text); ok {
		return cached, nil
	}

	body, err := json.Marshal(embeddingRequest{
		Model:  service.model,
		Prompt: text,
	})
	if err != nil {
		return nil, models.NewInternalError("EMBEDDING", "encoding embedding request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, service.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewInternalError("EMBEDDING", "building embedding request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := service.httpClient.Do(req)
	if err != nil {
		service.logger.LogService("embedding", "generate", time.Since(startTime), map[string]interface{}{
			"text_length": len(text),
		}, err)
		return nil, models.NewServiceError("EMBEDDING", "embedding endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(payload))
		return nil, models.NewServiceError("EMBEDDING", "embedding request rejected").WithCause(err).
			WithMetadata("status", resp.StatusCode)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, models.NewServiceError("EMBEDDING", "decoding embedding response").WithCause(err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, models.NewServiceError("EMBEDDING", "embedding response was empty")
	}

	service.cache.Add(text, decoded.Embedding)

	service.logger.LogService("embedding", "generate", time.Since(startTime), map[string]interface{}{
		"text_length": len(text),
		"dimensions":  len(decoded.Embedding),
	}, nil)

	return decoded.Embedding, nil
}

func (service *EmbeddingService) BatchGenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	embeddings := make([][]float64, 0, len(texts))
	for _, text := range texts {
		embedding, err := service.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, embedding)
	}
	return embeddings, nil
}

func (service *EmbeddingService) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.baseURL+"/api/tags", nil)
	if err != nil {
		return models.NewInternalError("EMBEDDING", "building health check request").WithCause(err)
	}
	resp, err := service.httpClient.Do(req)
	if err != nil {
		return models.NewServiceError("EMBEDDING", "health check failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.NewServiceError("EMBEDDING", "health check failed").
			WithMetadata("status", resp.StatusCode)
	}
	return nil
}
