package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
	"cds-agent/internal/services"
)

// ClinicalReasoner builds a ranked differential diagnosis and a
// recommended workup from the structured patient profile.
type ClinicalReasoner struct {
	llm    LLMClient
	logger *logger.Logger
}

func NewClinicalReasoner(llm LLMClient, log *logger.Logger) *ClinicalReasoner {
	return &ClinicalReasoner{llm: llm, logger: log}
}

const clinicalReasonerSystemRole = `You are an experienced clinician performing diagnostic reasoning. You reason from the presented findings only, rank diagnoses by likelihood and are explicit about findings that argue against each candidate. You are decision support, not a decision maker.`

func (reasoner *ClinicalReasoner) Run(ctx context.Context, caseID string, profile *models.PatientProfile) (*models.ClinicalReasoningResult, error) {
	startTime := time.Now()

	profileJSON, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, models.NewInternalError("CLINICAL_REASONING", "encoding patient profile").WithCause(err)
	}

	request := &services.GenerationRequest{
		Prompt:         reasoner.buildPrompt(string(profileJSON)),
		SystemRole:     clinicalReasonerSystemRole,
		Temperature:    temperature(0.3),
		ResponseFormat: "application/json",
	}

	var result models.ClinicalReasoningResult
	err = reasoner.llm.GenerateStructured(ctx, request, &result)

	fields := map[string]interface{}{}
	if err == nil {
		fields["differential_size"] = len(result.Differential)
		fields["workup_actions"] = len(result.Workup)
	}
	reasoner.logger.LogTool(caseID, "clinical_reasoner", "reason", time.Since(startTime), fields, err)

	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (reasoner *ClinicalReasoner) buildPrompt(profileJSON string) string {
	return fmt.Sprintf(`Given this structured patient profile, produce a differential diagnosis and recommended workup.

Respond with a single JSON object:
{
  "differential": [
    {
      "diagnosis": "<name>",
      "icd10_code": "<code if known>",
      "likelihood": "low" | "moderate" | "high",
      "supporting_findings": ["<finding>", ...],
      "opposing_findings": ["<finding>", ...],
      "reasoning": "<one or two sentences>"
    }
  ],
  "risk_assessment": "<overall risk narrative, flag anything requiring urgent action>",
  "recommended_workup": [
    {"action": "<test, medication or referral>", "priority": "stat" | "urgent" | "routine", "rationale": "<why>"}
  ],
  "reasoning_chain": "<your step by step reasoning, condensed>"
}

Order the differential from most to least likely. Include at least one
entry. For any proposed medication, name the drug explicitly in the
action text.

Patient profile:
%s`, profileJSON)
}
