package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
	"cds-agent/internal/services"
)

// fakeLLM decodes a canned JSON payload into the output value, the same
// contract GenerateStructured provides.
type fakeLLM struct {
	payload string
	err     error
	lastReq *services.GenerationRequest
}

func (f *fakeLLM) GenerateStructured(_ context.Context, req *services.GenerationRequest, out interface{}) error {
	f.lastReq = req
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.payload), out)
}

func TestPatientParserDecodesProfile(t *testing.T) {
	llm := &fakeLLM{payload: `{
		"age": 58,
		"gender": "male",
		"chief_complaint": "crushing chest pain",
		"medications": [{"name": "warfarin", "dose": "5mg", "frequency": "daily"}],
		"allergies": ["penicillin"]
	}`}
	parser := NewPatientParser(llm, logger.NewNop())

	profile, err := parser.Run(context.Background(), "case0001", "58M with crushing chest pain on warfarin, PCN allergy")
	require.NoError(t, err)

	assert.Equal(t, 58, profile.Age)
	assert.Equal(t, models.GenderMale, profile.Gender)
	assert.Equal(t, "crushing chest pain", profile.ChiefComplaint)
	require.Len(t, profile.Medications, 1)
	assert.Equal(t, "warfarin", profile.Medications[0].Name)
	assert.Equal(t, []string{"penicillin"}, profile.Allergies)
}

func TestPatientParserUsesLowTemperatureAndJSON(t *testing.T) {
	llm := &fakeLLM{payload: `{"chief_complaint": "chest pain"}`}
	parser := NewPatientParser(llm, logger.NewNop())

	_, err := parser.Run(context.Background(), "case0001", "patient with chest pain")
	require.NoError(t, err)

	require.NotNil(t, llm.lastReq)
	require.NotNil(t, llm.lastReq.Temperature)
	assert.InDelta(t, 0.1, float64(*llm.lastReq.Temperature), 1e-6)
	assert.Equal(t, "application/json", llm.lastReq.ResponseFormat)
	assert.Contains(t, llm.lastReq.Prompt, "chief_complaint")
}

func TestPatientParserPropagatesValidationFailure(t *testing.T) {
	// Repeated schema failures surface as an error; parsing has no
	// degraded mode, the case fails with validation_failed.
	llm := &fakeLLM{err: models.NewValidationError("LLM", "model output failed schema validation")}
	parser := NewPatientParser(llm, logger.NewNop())

	_, err := parser.Run(context.Background(), "case0001", "Crushing chest pain for two hours. On warfarin.")
	require.Error(t, err)
	assert.Equal(t, models.CodeValidationFailed, models.CodeOf(err))
}

func TestPatientParserPropagatesServiceError(t *testing.T) {
	llm := &fakeLLM{err: models.NewServiceError("LLM", "generation failed")}
	parser := NewPatientParser(llm, logger.NewNop())

	_, err := parser.Run(context.Background(), "case0001", "patient with chest pain")
	require.Error(t, err)
	assert.Equal(t, models.CodeServiceUnavailable, models.CodeOf(err))
}

func TestClinicalReasonerRequestShape(t *testing.T) {
	llm := &fakeLLM{payload: `{
		"differential": [
			{"diagnosis": "acute coronary syndrome", "likelihood": "high"},
			{"diagnosis": "pulmonary embolism", "likelihood": "moderate"}
		],
		"recommended_workup": [
			{"action": "obtain electrocardiogram", "priority": "stat"}
		]
	}`}
	reasoner := NewClinicalReasoner(llm, logger.NewNop())

	result, err := reasoner.Run(context.Background(), "case0001", &models.PatientProfile{ChiefComplaint: "chest pain"})
	require.NoError(t, err)

	require.Len(t, result.Differential, 2)
	assert.Equal(t, "acute coronary syndrome", result.TopDiagnosis())

	require.NotNil(t, llm.lastReq.Temperature)
	assert.InDelta(t, 0.3, float64(*llm.lastReq.Temperature), 1e-6)
}
