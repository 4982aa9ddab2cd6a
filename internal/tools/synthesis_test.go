package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

func synthesisState() *models.AgentState {
	state := models.NewAgentState("case0001", models.CaseSubmission{
		PatientText:       "58M chest pain on warfarin",
		IncludeDrugCheck:  true,
		IncludeGuidelines: true,
	})
	state.PatientProfile = &models.PatientProfile{
		Age:            58,
		Gender:         models.GenderMale,
		ChiefComplaint: "chest pain",
	}
	state.ClinicalReasoning = &models.ClinicalReasoningResult{
		Differential: []models.DiagnosisCandidate{
			{Diagnosis: "acute coronary syndrome", Likelihood: models.LikelihoodHigh},
		},
		Workup: []models.RecommendedAction{{Action: "obtain electrocardiogram", Priority: "stat"}},
	}
	state.ConflictDetection = &models.ConflictDetectionResult{
		Conflicts: []models.ClinicalConflict{
			{ConflictType: models.ConflictMonitoring, Severity: models.SeverityModerate, Description: "INR monitoring missing"},
		},
		GuidelinesChecked: 2,
		Summary:           "1 conflict(s) detected",
	}
	state.GuidelineRetrieval = &models.GuidelineRetrievalResult{
		Query: "acs",
		Excerpts: []models.GuidelineExcerpt{
			{GuidelineID: "gl-1", Title: "Chest Pain Guideline", Source: "ACC/AHA", Similarity: 0.8},
		},
	}
	return state
}

func TestSynthesizerReinstatesDroppedConflicts(t *testing.T) {
	// The model "forgets" the conflicts; finalize puts them back.
	llm := &fakeLLM{payload: `{
		"patient_summary": "58-year-old male with chest pain.",
		"caveats": []
	}`}
	synth := NewSynthesizer(llm, logger.NewNop())

	report, err := synth.Run(context.Background(), "case0001", synthesisState())
	require.NoError(t, err)

	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, models.ConflictMonitoring, report.Conflicts[0].ConflictType)
}

func TestSynthesizerAlwaysAppendsDisclaimer(t *testing.T) {
	llm := &fakeLLM{payload: `{"patient_summary": "58-year-old male with chest pain."}`}
	synth := NewSynthesizer(llm, logger.NewNop())

	report, err := synth.Run(context.Background(), "case0001", synthesisState())
	require.NoError(t, err)

	assert.Contains(t, report.Caveats, aiDisclaimer)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestSynthesizerCitesGuidelineSources(t *testing.T) {
	llm := &fakeLLM{payload: `{"patient_summary": "summary."}`}
	synth := NewSynthesizer(llm, logger.NewNop())

	report, err := synth.Run(context.Background(), "case0001", synthesisState())
	require.NoError(t, err)

	assert.Contains(t, report.SourcesCited, "ACC/AHA")
}

func TestFallbackReportFromState(t *testing.T) {
	state := synthesisState()
	state.DrugInteractions = &models.DrugInteractionResult{
		Interactions: []models.DrugInteraction{
			{DrugA: "warfarin", DrugB: "aspirin", Severity: models.SeverityHigh, Description: "bleeding risk"},
		},
		MedicationsChecked: []string{"warfarin", "aspirin"},
	}

	report := Fallback(state)

	assert.Equal(t, "58-year-old male presenting with chest pain.", report.PatientSummary)
	require.Len(t, report.Differential, 1)
	require.Len(t, report.DrugWarnings, 1)
	assert.Contains(t, report.DrugWarnings[0], "warfarin")
	assert.Contains(t, report.Caveats, aiDisclaimer)
	assert.Contains(t, report.Caveats, "report assembled without narrative synthesis")
	require.Len(t, report.Conflicts, 1)
	assert.NoError(t, report.Validate())
}

func TestFallbackCaveatsNameDegradedSteps(t *testing.T) {
	state := synthesisState()
	state.MarkFailed(models.StepDrugs, 0, models.NewServiceError("DRUG_SERVICE", "down"))

	report := Fallback(state)

	found := false
	for _, caveat := range report.Caveats {
		if caveat == "Drug Interaction Check failed; its findings are missing from this report" {
			found = true
		}
	}
	assert.True(t, found, "expected a caveat for the failed drug step, got %v", report.Caveats)
}

func TestGapCaveatsForSkippedSoftSteps(t *testing.T) {
	state := models.NewAgentState("case0001", models.CaseSubmission{
		PatientText:       "patient with chest pain",
		IncludeDrugCheck:  false,
		IncludeGuidelines: false,
	})

	caveats := gapCaveats(state)

	assert.Contains(t, caveats, "Drug Interaction Check was not performed")
	assert.Contains(t, caveats, "Guideline Retrieval was not performed")
	assert.Contains(t, caveats, "Conflict Detection was not performed")
}

func TestEmptyRetrievalProducesCaveat(t *testing.T) {
	// Retrieval completed but matched nothing: the report must say so,
	// whether synthesized or assembled by fallback.
	state := synthesisState()
	state.GuidelineRetrieval = &models.GuidelineRetrievalResult{Query: "acs"}
	state.ConflictDetection = nil

	report := Fallback(state)
	assert.Contains(t, report.Caveats, "no guidelines retrieved; recommendations were not checked against clinical guidelines")

	llm := &fakeLLM{payload: `{"patient_summary": "summary."}`}
	synth := NewSynthesizer(llm, logger.NewNop())
	synthesized, err := synth.Run(context.Background(), "case0001", state)
	require.NoError(t, err)
	assert.Contains(t, synthesized.Caveats, "no guidelines retrieved; recommendations were not checked against clinical guidelines")
}

func TestSynthesizerTemperature(t *testing.T) {
	llm := &fakeLLM{payload: `{"patient_summary": "summary."}`}
	synth := NewSynthesizer(llm, logger.NewNop())

	_, err := synth.Run(context.Background(), "case0001", synthesisState())
	require.NoError(t, err)

	require.NotNil(t, llm.lastReq.Temperature)
	assert.InDelta(t, 0.2, float64(*llm.lastReq.Temperature), 1e-6)
}
