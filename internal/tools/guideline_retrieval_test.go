package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

type fakeSearcher struct {
	gotQuery string
	gotTopK  int
	gotMin   float64
	excerpts []models.GuidelineExcerpt
}

func (f *fakeSearcher) Retrieve(_ context.Context, query string, topK int, minSimilarity float64) []models.GuidelineExcerpt {
	f.gotQuery = query
	f.gotTopK = topK
	f.gotMin = minSimilarity
	return f.excerpts
}

func TestGuidelineRetrieverQueryFromTopDiagnosis(t *testing.T) {
	searcher := &fakeSearcher{}
	retriever := NewGuidelineRetriever(searcher, config.GuidelineConfig{TopK: 5, MinSimilarity: 0.35}, logger.NewNop())

	reasoning := &models.ClinicalReasoningResult{
		Differential: []models.DiagnosisCandidate{{Diagnosis: "acute coronary syndrome"}},
	}
	result, err := retriever.Run(context.Background(), "case0001", &models.PatientProfile{ChiefComplaint: "chest pain"}, reasoning)
	require.NoError(t, err)

	assert.Equal(t, "acute coronary syndrome clinical guidelines management", searcher.gotQuery)
	assert.Equal(t, 5, searcher.gotTopK)
	assert.InDelta(t, 0.35, searcher.gotMin, 1e-9)
	assert.Equal(t, searcher.gotQuery, result.Query)
}

func TestGuidelineRetrieverFallsBackToChiefComplaint(t *testing.T) {
	searcher := &fakeSearcher{}
	retriever := NewGuidelineRetriever(searcher, config.GuidelineConfig{TopK: 5}, logger.NewNop())

	_, err := retriever.Run(context.Background(), "case0001", &models.PatientProfile{ChiefComplaint: "shortness of breath"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "shortness of breath clinical guidelines management", searcher.gotQuery)
}

func TestGuidelineRetrieverEmptyIndexIsNotAnError(t *testing.T) {
	retriever := NewGuidelineRetriever(&fakeSearcher{}, config.GuidelineConfig{TopK: 5}, logger.NewNop())

	result, err := retriever.Run(context.Background(), "case0001", &models.PatientProfile{ChiefComplaint: "fever"}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Excerpts)
	assert.Equal(t, "no matching guidelines found", retriever.Summary(result))
}
