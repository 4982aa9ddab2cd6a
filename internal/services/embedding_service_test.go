package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

func newEmbeddingUpstream(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Vector encodes the prompt length so ordering is observable.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float64{float64(len(req.Prompt)), 1, 0},
		})
	}))
}

func newTestEmbeddingService(baseURL string, cacheSize int) *EmbeddingService {
	return NewEmbeddingService(config.EmbeddingConfig{
		BaseURL:   baseURL,
		Model:     "nomic-embed-text",
		Timeout:   5 * time.Second,
		CacheSize: cacheSize,
	}, logger.NewNop())
}

func TestGenerateEmbeddingCachesByText(t *testing.T) {
	var calls int32
	upstream := newEmbeddingUpstream(t, &calls)
	defer upstream.Close()

	service := newTestEmbeddingService(upstream.URL, 8)

	first, err := service.GenerateEmbedding(context.Background(), "chest pain")
	require.NoError(t, err)
	second, err := service.GenerateEmbedding(context.Background(), "chest pain")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call must be served from cache")
}

func TestBatchGenerateEmbeddingsKeepsOrder(t *testing.T) {
	var calls int32
	upstream := newEmbeddingUpstream(t, &calls)
	defer upstream.Close()

	service := newTestEmbeddingService(upstream.URL, 8)

	embeddings, err := service.BatchGenerateEmbeddings(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, embeddings, 3)
	assert.Equal(t, float64(1), embeddings[0][0])
	assert.Equal(t, float64(2), embeddings[1][0])
	assert.Equal(t, float64(3), embeddings[2][0])
}

func TestGenerateEmbeddingUpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	service := newTestEmbeddingService(upstream.URL, 8)

	_, err := service.GenerateEmbedding(context.Background(), "chest pain")
	require.Error(t, err)
	assert.Equal(t, models.CodeServiceUnavailable, models.CodeOf(err))
}
