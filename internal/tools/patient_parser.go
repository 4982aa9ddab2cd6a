package tools

import (
	"context"
	"fmt"
	"time"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
	"cds-agent/internal/services"
)

// PatientParser turns a free-text case description into a structured
// patient profile.
type PatientParser struct {
	llm    LLMClient
	logger *logger.Logger
}

func NewPatientParser(llm LLMClient, log *logger.Logger) *PatientParser {
	return &PatientParser{llm: llm, logger: log}
}

const patientParserSystemRole = `You are a clinical data extraction assistant. You extract structured patient data from free-text case descriptions. You never invent findings that are not in the text. Fields with no information in the text are omitted.`

func (parser *PatientParser) Run(ctx context.Context, caseID, patientText string) (*models.PatientProfile, error) {
	startTime := time.Now()

	request := &services.GenerationRequest{
		Prompt:          parser.buildPrompt(patientText),
		SystemRole:      patientParserSystemRole,
		Temperature:     temperature(0.1),
		ResponseFormat:  "application/json",
		DisableThinking: true,
	}

	var profile models.PatientProfile
	err := parser.llm.GenerateStructured(ctx, request, &profile)

	parser.logger.LogTool(caseID, "patient_parser", "parse", time.Since(startTime), map[string]interface{}{
		"text_length": len(patientText),
	}, err)

	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (parser *PatientParser) buildPrompt(patientText string) string {
	return fmt.Sprintf(`Extract a structured patient profile from the following case description.

Respond with a single JSON object using exactly these keys (omit keys with no information):
{
  "age": <integer>,
  "gender": "male" | "female" | "other" | "unknown",
  "chief_complaint": "<primary reason for presentation, required>",
  "history_of_present_illness": "<narrative>",
  "past_medical_history": ["<condition>", ...],
  "medications": [{"name": "<drug>", "dose": "<dose>", "frequency": "<frequency>"}, ...],
  "allergies": ["<allergen>", ...],
  "lab_results": [{"name": "<test>", "value": "<value>", "ref_range": "<range>", "abnormal": <bool>}, ...],
  "vitals": {"blood_pressure": "<sys/dia>", "heart_rate": <int>, "respiratory_rate": <int>, "temperature_c": <float>, "oxygen_saturation": <int>},
  "social_history": "<narrative>",
  "family_history": "<narrative>",
  "additional_notes": "<anything clinically relevant not covered above>"
}

Case description:
%s`, patientText)
}
