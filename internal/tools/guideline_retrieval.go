package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// GuidelineSearcher is the slice of the guideline index the retriever needs.
type GuidelineSearcher interface {
	Retrieve(ctx context.Context, query string, topK int, minSimilarity float64) []models.GuidelineExcerpt
}

// GuidelineRetriever finds guideline excerpts relevant to the working
// diagnosis. An empty index or a failed embedding yields an empty
// result, never an error.
type GuidelineRetriever struct {
	index  GuidelineSearcher
	config config.GuidelineConfig
	logger *logger.Logger
}

func NewGuidelineRetriever(index GuidelineSearcher, cfg config.GuidelineConfig, log *logger.Logger) *GuidelineRetriever {
	return &GuidelineRetriever{index: index, config: cfg, logger: log}
}

func (retriever *GuidelineRetriever) Run(ctx context.Context, caseID string, profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) (*models.GuidelineRetrievalResult, error) {
	startTime := time.Now()

	query := retriever.buildQuery(profile, reasoning)
	excerpts := retriever.index.Retrieve(ctx, query, retriever.config.TopK, retriever.config.MinSimilarity)

	retriever.logger.LogTool(caseID, "guideline_retriever", "retrieve", time.Since(startTime), map[string]interface{}{
		"query":    query,
		"excerpts": len(excerpts),
	}, nil)

	return &models.GuidelineRetrievalResult{
		Query:    query,
		Excerpts: excerpts,
	}, nil
}

// buildQuery prefers the top differential diagnosis and falls back to
// the chief complaint.
func (retriever *GuidelineRetriever) buildQuery(profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) string {
	if reasoning != nil {
		if top := strings.TrimSpace(reasoning.TopDiagnosis()); top != "" {
			return fmt.Sprintf("%s clinical guidelines management", top)
		}
	}
	if profile != nil && strings.TrimSpace(profile.ChiefComplaint) != "" {
		return fmt.Sprintf("%s clinical guidelines management", strings.TrimSpace(profile.ChiefComplaint))
	}
	return "general clinical management guidelines"
}

func (retriever *GuidelineRetriever) Summary(result *models.GuidelineRetrievalResult) string {
	if result == nil || len(result.Excerpts) == 0 {
		return "no matching guidelines found"
	}
	return fmt.Sprintf("%d guideline excerpt(s) retrieved", len(result.Excerpts))
}
