package services

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// Embedder is the slice of EmbeddingService the index needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
	BatchGenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error)
}

type GuidelineRecord struct {
	ID        string `json:"id"`
	Specialty string `json:"specialty"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	URL       string `json:"url"`
	Text      string `json:"text"`
}

// GuidelineIndex is an in-process cosine-similarity index over the
// guideline corpus. Records keep their corpus insertion order, which is
// the tie-break for equal similarities.
type GuidelineIndex struct {
	embedder Embedder
	logger   *logger.Logger

	mu      sync.RWMutex
	records []GuidelineRecord
	vectors map[string][]float64

	cachePath string
}

func NewGuidelineIndex(cfg config.GuidelineConfig, embedder Embedder, log *logger.Logger) *GuidelineIndex {
	return &GuidelineIndex{
		embedder:  embedder,
		logger:    log,
		vectors:   map[string][]float64{},
		cachePath: cfg.EmbeddingCachePath,
	}
}

// LoadCorpus reads the corpus file, reuses persisted embeddings where
// available and embeds the rest. The refreshed embedding set is written
// back to the cache path.
func (index *GuidelineIndex) LoadCorpus(ctx context.Context, corpusPath string) error {
	startTime := time.Now()

	payload, err := os.ReadFile(corpusPath)
	if err != nil {
		return models.NewInternalError("GUIDELINE_INDEX", "reading guideline corpus").WithCause(err).
			WithMetadata("path", corpusPath)
	}

	var records []GuidelineRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return models.NewInternalError("GUIDELINE_INDEX", "parsing guideline corpus").WithCause(err)
	}

	cached := index.loadEmbeddingCache()

	vectors := make(map[string][]float64, len(records))
	var missing []GuidelineRecord
	for _, record := range records {
		if record.ID == "" || record.Text == "" {
			return models.NewInternalError("GUIDELINE_INDEX", "corpus record missing id or text")
		}
		if vec, ok := cached[record.ID]; ok && len(vec) > 0 {
			vectors[record.ID] = vec
			continue
		}
		missing = append(missing, record)
	}

	embedded := len(missing)
	if embedded > 0 {
		texts := make([]string, len(missing))
		for i, record := range missing {
			texts[i] = record.Text
		}
		embeddings, err := index.embedder.BatchGenerateEmbeddings(ctx, texts)
		if err != nil {
			return models.NewServiceError("GUIDELINE_INDEX", "embedding corpus records").WithCause(err)
		}
		for i, record := range missing {
			vectors[record.ID] = embeddings[i]
		}
	}

	index.mu.Lock()
	index.records = records
	index.vectors = vectors
	index.mu.Unlock()

	if embedded > 0 {
		index.persistEmbeddingCache(vectors)
	}

	index.logger.Info("guideline corpus loaded",
		"records", len(records),
		"embedded", embedded,
		"from_cache", len(records)-embedded,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return nil
}

// AddGuidelines appends records to the live index. New records go after
// existing ones, preserving retrieval tie-break order.
func (index *GuidelineIndex) AddGuidelines(ctx context.Context, records []GuidelineRecord) error {
	for _, record := range records {
		if record.ID == "" || record.Text == "" {
			return models.NewInputError("GUIDELINE_INDEX", "guideline record missing id or text")
		}
		vec, err := index.embedder.GenerateEmbedding(ctx, record.Text)
		if err != nil {
			return models.NewServiceError("GUIDELINE_INDEX", "embedding guideline").WithCause(err).
				WithMetadata("guideline_id", record.ID)
		}
		index.mu.Lock()
		index.records = append(index.records, record)
		index.vectors[record.ID] = vec
		index.mu.Unlock()
	}
	return nil
}

// Retrieve returns up to topK excerpts with similarity >= minSimilarity,
// ordered by descending similarity. An empty corpus or an unreachable
// embedder yields an empty result, not an error.
func (index *GuidelineIndex) Retrieve(ctx context.Context, query string, topK int, minSimilarity float64) []models.GuidelineExcerpt {
	index.mu.RLock()
	recordCount := len(index.records)
	index.mu.RUnlock()

	if recordCount == 0 || strings.TrimSpace(query) == "" {
		return nil
	}

	queryVec, err := index.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		index.logger.WithError(err).Warn("query embedding failed, returning no guidelines",
			"query_length", len(query),
		)
		return nil
	}

	index.mu.RLock()
	defer index.mu.RUnlock()

	excerpts := make([]models.GuidelineExcerpt, 0, len(index.records))
	for _, record := range index.records {
		vec, ok := index.vectors[record.ID]
		if !ok {
			continue
		}
		similarity := cosineSimilarity(queryVec, vec)
		if similarity < minSimilarity {
			continue
		}
		excerpts = append(excerpts, models.GuidelineExcerpt{
			GuidelineID: record.ID,
			Specialty:   record.Specialty,
			Title:       record.Title,
			Source:      record.Source,
			URL:         record.URL,
			Excerpt:     record.Text,
			Similarity:  similarity,
		})
	}

	// Stable sort keeps corpus insertion order for equal similarities.
	sort.SliceStable(excerpts, func(i, j int) bool {
		return excerpts[i].Similarity > excerpts[j].Similarity
	})

	if topK > 0 && len(excerpts) > topK {
		excerpts = excerpts[:topK]
	}
	return excerpts
}

func (index *GuidelineIndex) Count() int {
	index.mu.RLock()
	defer index.mu.RUnlock()
	return len(index.records)
}

func (index *GuidelineIndex) HealthCheck(ctx context.Context) error {
	if index.Count() == 0 {
		return models.NewServiceError("GUIDELINE_INDEX", "guideline corpus is empty")
	}
	return nil
}

func (index *GuidelineIndex) loadEmbeddingCache() map[string][]float64 {
	if index.cachePath == "" {
		return nil
	}
	payload, err := os.ReadFile(index.cachePath)
	if err != nil {
		return nil
	}
	var cached map[string][]float64
	if err := json.Unmarshal(payload, &cached); err != nil {
		index.logger.WithError(err).Warn("discarding unreadable embedding cache", "path", index.cachePath)
		return nil
	}
	return cached
}

func (index *GuidelineIndex) persistEmbeddingCache(vectors map[string][]float64) {
	if index.cachePath == "" {
		return
	}
	payload, err := json.Marshal(vectors)
	if err != nil {
		index.logger.WithError(err).Warn("encoding embedding cache failed")
		return
	}
	if err := os.WriteFile(index.cachePath, payload, 0o644); err != nil {
		index.logger.WithError(err).Warn("writing embedding cache failed", "path", index.cachePath)
	}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
