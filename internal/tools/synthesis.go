package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
	"cds-agent/internal/services"
)

const aiDisclaimer = "This report was generated by an automated decision support system and must be reviewed by a qualified clinician before acting on it."

// Synthesizer assembles the final report from everything the pipeline
// gathered. The LLM writes the narrative; detected conflicts and
// degradation caveats are enforced after the fact so the model cannot
// drop them.
type Synthesizer struct {
	llm    LLMClient
	logger *logger.Logger
}

func NewSynthesizer(llm LLMClient, log *logger.Logger) *Synthesizer {
	return &Synthesizer{llm: llm, logger: log}
}

const synthesizerSystemRole = `You are a clinical report writer. You synthesize pipeline findings into a concise decision support report for a clinician. You never omit detected conflicts or warnings, and you never add findings that are not in the input.`

func (synth *Synthesizer) Run(ctx context.Context, caseID string, state *models.AgentState) (*models.CDSReport, error) {
	startTime := time.Now()

	stateJSON, err := json.MarshalIndent(synthesisInput(state), "", "  ")
	if err != nil {
		return nil, models.NewInternalError("SYNTHESIS", "encoding pipeline state").WithCause(err)
	}

	request := &services.GenerationRequest{
		Prompt:         synth.buildPrompt(string(stateJSON)),
		SystemRole:     synthesizerSystemRole,
		Temperature:    temperature(0.2),
		ResponseFormat: "application/json",
	}

	var report models.CDSReport
	err = synth.llm.GenerateStructured(ctx, request, &report)

	synth.logger.LogTool(caseID, "synthesizer", "synthesize", time.Since(startTime), nil, err)

	if err != nil {
		return nil, err
	}

	finalizeReport(&report, state)
	return &report, nil
}

func (synth *Synthesizer) buildPrompt(stateJSON string) string {
	return fmt.Sprintf(`Synthesize the following pipeline findings into a clinical decision support report.

Respond with a single JSON object:
{
  "patient_summary": "<two or three sentence summary of the patient and presentation>",
  "differential": [<copy the differential entries that remain relevant>],
  "drug_warnings": ["<one line per interaction or warning>", ...],
  "guideline_recommendations": ["<one line per applicable guideline point>", ...],
  "next_steps": [{"action": "<action>", "priority": "stat" | "urgent" | "routine", "rationale": "<why>"}],
  "conflicts": [<copy every detected conflict unchanged>],
  "caveats": ["<limitations of this report>", ...],
  "sources_cited": ["<guideline or database name>", ...]
}

Pipeline findings:
%s`, stateJSON)
}

// Fallback builds a deterministic report straight from the accumulated
// state. Used when synthesis itself fails.
func Fallback(state *models.AgentState) *models.CDSReport {
	report := &models.CDSReport{
		PatientSummary: fallbackSummary(state),
	}

	if state.ClinicalReasoning != nil {
		report.Differential = state.ClinicalReasoning.Differential
		report.NextSteps = state.ClinicalReasoning.Workup
	}
	if state.DrugInteractions != nil {
		for _, interaction := range state.DrugInteractions.Interactions {
			report.DrugWarnings = append(report.DrugWarnings,
				fmt.Sprintf("[%s] %s + %s: %s", interaction.Severity, interaction.DrugA, interaction.DrugB, interaction.Description))
		}
		report.DrugWarnings = append(report.DrugWarnings, state.DrugInteractions.Warnings...)
	}
	if state.GuidelineRetrieval != nil {
		for _, excerpt := range state.GuidelineRetrieval.Excerpts {
			report.GuidelineRecommendations = append(report.GuidelineRecommendations,
				fmt.Sprintf("%s (%s)", excerpt.Title, excerpt.Source))
		}
	}

	report.Caveats = append(report.Caveats, "report assembled without narrative synthesis")
	finalizeReport(report, state)
	return report
}

func fallbackSummary(state *models.AgentState) string {
	if state.PatientProfile == nil {
		return "Patient case processed; structured profile unavailable."
	}
	profile := state.PatientProfile
	parts := []string{}
	if profile.Age > 0 {
		parts = append(parts, fmt.Sprintf("%d-year-old", profile.Age))
	}
	if profile.Gender != "" && profile.Gender != models.GenderUnknown {
		parts = append(parts, string(profile.Gender))
	}
	descriptor := strings.Join(parts, " ")
	if descriptor == "" {
		descriptor = "patient"
	}
	return fmt.Sprintf("%s presenting with %s.", capitalize(descriptor), profile.ChiefComplaint)
}

func capitalize(text string) string {
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}

// synthesisInput trims the state down to what the prompt needs.
func synthesisInput(state *models.AgentState) map[string]interface{} {
	input := map[string]interface{}{
		"patient_profile": state.PatientProfile,
	}
	if state.ClinicalReasoning != nil {
		input["clinical_reasoning"] = state.ClinicalReasoning
	}
	if state.DrugInteractions != nil {
		input["drug_interactions"] = state.DrugInteractions
	}
	if state.GuidelineRetrieval != nil {
		input["guidelines"] = state.GuidelineRetrieval
	}
	if state.ConflictDetection != nil {
		input["conflicts"] = state.ConflictDetection
	}
	return input
}

// finalizeReport enforces the invariants the model is not trusted with:
// conflicts survive, degraded steps get caveats, the disclaimer and
// timestamp are always present.
func finalizeReport(report *models.CDSReport, state *models.AgentState) {
	if state.ConflictDetection != nil && len(report.Conflicts) < len(state.ConflictDetection.Conflicts) {
		report.Conflicts = state.ConflictDetection.Conflicts
	}

	for _, caveat := range gapCaveats(state) {
		if !containsString(report.Caveats, caveat) {
			report.Caveats = append(report.Caveats, caveat)
		}
	}

	if !containsString(report.Caveats, aiDisclaimer) {
		report.Caveats = append(report.Caveats, aiDisclaimer)
	}

	if state.GuidelineRetrieval != nil {
		for _, excerpt := range state.GuidelineRetrieval.Excerpts {
			source := excerpt.Source
			if source == "" {
				source = excerpt.Title
			}
			if source != "" && !containsString(report.SourcesCited, source) {
				report.SourcesCited = append(report.SourcesCited, source)
			}
		}
	}

	report.GeneratedAt = time.Now().UTC()
}

// gapCaveats names every soft step that failed or was skipped, and a
// retrieval that completed without finding anything, so the reader
// knows which checks the report does not include.
func gapCaveats(state *models.AgentState) []string {
	var caveats []string
	for _, step := range state.Steps {
		if step.StepID == models.StepSynthesize {
			continue
		}
		switch step.Status {
		case models.StepFailed:
			caveats = append(caveats, fmt.Sprintf("%s failed; its findings are missing from this report", step.StepName))
		case models.StepSkipped:
			if step.StepID == models.StepParse || step.StepID == models.StepReason {
				continue
			}
			caveats = append(caveats, fmt.Sprintf("%s was not performed", step.StepName))
		}
	}
	if state.GuidelineRetrieval != nil && len(state.GuidelineRetrieval.Excerpts) == 0 {
		caveats = append(caveats, "no guidelines retrieved; recommendations were not checked against clinical guidelines")
	}
	return caveats
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
