package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// ConflictDetector cross-checks the care plan against retrieved
// guideline excerpts and the drug interaction findings. It is a pure
// rule engine: the same inputs always produce the same conflicts, in
// the same order.
//
// Classification precedence when several cues match one statement:
// allergy_risk > contradiction > dosage > monitoring > omission.
// Interaction gaps are derived from the drug checker's pair set, not
// from guideline text.
type ConflictDetector struct {
	logger *logger.Logger
}

func NewConflictDetector(log *logger.Logger) *ConflictDetector {
	return &ConflictDetector{logger: log}
}

func (detector *ConflictDetector) Run(ctx context.Context, caseID string, state *models.AgentState) (*models.ConflictDetectionResult, error) {
	startTime := time.Now()

	var excerpts []models.GuidelineExcerpt
	if state.GuidelineRetrieval != nil {
		excerpts = state.GuidelineRetrieval.Excerpts
	}

	// No retrieved guidance means nothing was evaluated: the result is
	// empty, not "no issues found".
	if len(excerpts) == 0 {
		result := &models.ConflictDetectionResult{
			Conflicts:         []models.ClinicalConflict{},
			GuidelinesChecked: 0,
			Summary:           summarizeConflicts(nil, 0),
		}
		detector.logger.LogTool(caseID, "conflict_detector", "detect", time.Since(startTime), map[string]interface{}{
			"guidelines_checked": 0,
			"conflicts":          0,
		}, nil)
		return result, nil
	}

	plan := buildPlanContext(state)

	var conflicts []models.ClinicalConflict
	conflicts = append(conflicts, detector.allergyConflicts(plan)...)
	for _, excerpt := range excerpts {
		conflicts = append(conflicts, detector.excerptConflicts(excerpt, plan)...)
	}
	conflicts = append(conflicts, detector.interactionGapConflicts(state, plan)...)

	conflicts = dedupeConflicts(conflicts)

	// Order by severity, then keep input order within a severity.
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Severity.Rank() < conflicts[j].Severity.Rank()
	})

	result := &models.ConflictDetectionResult{
		Conflicts:         conflicts,
		GuidelinesChecked: len(excerpts),
		Summary:           summarizeConflicts(conflicts, len(excerpts)),
	}

	detector.logger.LogTool(caseID, "conflict_detector", "detect", time.Since(startTime), map[string]interface{}{
		"guidelines_checked": len(excerpts),
		"conflicts":          len(conflicts),
	}, nil)

	return result, nil
}

// planContext is a normalized view of everything the care plan covers.
type planContext struct {
	medications  []string
	allergies    []string
	planText     string
	monitoring   bool
	planMeds     map[string]bool
	interactions []models.DrugInteraction
}

func buildPlanContext(state *models.AgentState) *planContext {
	plan := &planContext{planMeds: map[string]bool{}}

	var planParts []string
	if state.PatientProfile != nil {
		for _, med := range state.PatientProfile.Medications {
			name := strings.ToLower(strings.TrimSpace(med.Name))
			if name != "" {
				plan.medications = append(plan.medications, name)
				plan.planMeds[name] = true
			}
		}
		for _, allergen := range state.PatientProfile.Allergies {
			plan.allergies = append(plan.allergies, strings.ToLower(strings.TrimSpace(allergen)))
		}
	}
	if state.ClinicalReasoning != nil {
		for _, action := range state.ClinicalReasoning.Workup {
			planParts = append(planParts, action.Action)
			lowered := strings.ToLower(action.Action)
			if containsAny(lowered, monitoringCues) {
				plan.monitoring = true
			}
			if name := extractProposedMedication(action.Action); name != "" {
				lower := strings.ToLower(name)
				if !plan.planMeds[lower] {
					plan.medications = append(plan.medications, lower)
					plan.planMeds[lower] = true
				}
			}
		}
		planParts = append(planParts, state.ClinicalReasoning.RiskAssessment)
	}
	if state.DrugInteractions != nil {
		plan.interactions = state.DrugInteractions.Interactions
	}

	plan.planText = strings.ToLower(strings.Join(planParts, ". "))
	return plan
}

// allergyConflicts flags plan medications the patient reports an
// allergy to.
func (detector *ConflictDetector) allergyConflicts(plan *planContext) []models.ClinicalConflict {
	var conflicts []models.ClinicalConflict
	for _, med := range plan.medications {
		for _, allergen := range plan.allergies {
			if allergen == "" || med == "" {
				continue
			}
			if !strings.Contains(med, allergen) && !strings.Contains(allergen, med) {
				continue
			}
			conflicts = append(conflicts, models.ClinicalConflict{
				ConflictType:        models.ConflictAllergyRisk,
				Severity:            models.SeverityCritical,
				PatientData:         fmt.Sprintf("documented allergy: %s", allergen),
				Description:         fmt.Sprintf("care plan includes %s but the patient has a documented allergy to %s", med, allergen),
				SuggestedResolution: fmt.Sprintf("substitute %s with a non-cross-reactive alternative", med),
			})
		}
	}
	return conflicts
}

var (
	normativeCues   = []string{"should", "must", "recommend", "is indicated", "first-line", "first line", "avoid", "do not", "contraindicated", "requires", "monitor"}
	prohibitionCues = []string{"avoid", "do not", "contraindicated", "should not", "must not"}
	dosageCues      = []string{"dose", "dosage", "mg", "mcg", "titrate", "renal adjustment", "max daily"}
	monitoringCues  = []string{"monitor", "inr", "follow-up", "follow up", "recheck", "serial", "levels", "surveillance"}
	criticalSignals = []string{"life-threatening", "fatal", "death", "anaphylaxis", "contraindicated"}
	highSignals     = []string{"serious", "severe", "major bleeding", "bleeding", "arrhythmia", "hemorrhage", "toxicity"}
	recommendCues   = []string{"should receive", "recommend", "is indicated", "first-line", "first line", "should be given", "should be started"}
)

// excerptConflicts evaluates each normative sentence of one excerpt
// against the plan. The first matching category in precedence order
// wins for a given sentence.
func (detector *ConflictDetector) excerptConflicts(excerpt models.GuidelineExcerpt, plan *planContext) []models.ClinicalConflict {
	var conflicts []models.ClinicalConflict

	for _, sentence := range splitSentences(excerpt.Excerpt) {
		lowered := strings.ToLower(sentence)
		if !containsAny(lowered, normativeCues) {
			continue
		}

		subject := referencedPlanMedication(lowered, plan)

		switch {
		case subject != "" && containsAny(lowered, prohibitionCues):
			conflicts = append(conflicts, models.ClinicalConflict{
				ConflictType:        models.ConflictContradiction,
				Severity:            severityFromSignals(lowered, models.SeverityHigh),
				GuidelineSource:     excerpt.Title,
				GuidelineText:       sentence,
				PatientData:         fmt.Sprintf("care plan includes %s", subject),
				Description:         fmt.Sprintf("guideline advises against %s in this setting but the care plan includes it", subject),
				SuggestedResolution: fmt.Sprintf("re-evaluate use of %s against the guideline recommendation", subject),
			})

		case subject != "" && containsAny(lowered, dosageCues):
			conflicts = append(conflicts, models.ClinicalConflict{
				ConflictType:        models.ConflictDosage,
				Severity:            severityFromSignals(lowered, models.SeverityModerate),
				GuidelineSource:     excerpt.Title,
				GuidelineText:       sentence,
				PatientData:         fmt.Sprintf("care plan includes %s", subject),
				Description:         fmt.Sprintf("guideline specifies dosing constraints for %s; verify the planned dose", subject),
				SuggestedResolution: fmt.Sprintf("confirm %s dosing against the cited guideline", subject),
			})

		case subject != "" && containsAny(lowered, monitoringCues) && !plan.monitoring:
			conflicts = append(conflicts, models.ClinicalConflict{
				ConflictType:        models.ConflictMonitoring,
				Severity:            severityFromSignals(lowered, models.SeverityModerate),
				GuidelineSource:     excerpt.Title,
				GuidelineText:       sentence,
				PatientData:         fmt.Sprintf("care plan includes %s without a monitoring action", subject),
				Description:         fmt.Sprintf("guideline calls for monitoring related to %s but the care plan has no monitoring step", subject),
				SuggestedResolution: "add the guideline's monitoring requirement to the workup",
			})

		case subject == "" && containsAny(lowered, recommendCues) && !planCoversSentence(lowered, plan):
			conflicts = append(conflicts, models.ClinicalConflict{
				ConflictType:        models.ConflictOmission,
				Severity:            severityFromSignals(lowered, models.SeverityLow),
				GuidelineSource:     excerpt.Title,
				GuidelineText:       sentence,
				Description:         "guideline recommendation is not reflected in the care plan",
				SuggestedResolution: "consider whether the recommendation applies to this patient",
			})
		}
	}

	return conflicts
}

// interactionGapConflicts raises a conflict for each detected drug
// interaction the plan does not address.
func (detector *ConflictDetector) interactionGapConflicts(state *models.AgentState, plan *planContext) []models.ClinicalConflict {
	var conflicts []models.ClinicalConflict
	for _, interaction := range plan.interactions {
		a := strings.ToLower(interaction.DrugA)
		b := strings.ToLower(interaction.DrugB)
		if strings.Contains(plan.planText, a) && strings.Contains(plan.planText, b) &&
			containsAny(plan.planText, []string{"interaction", "adjust", "substitute", "hold", "discontinue"}) {
			continue
		}
		severity := interaction.Severity
		if severity == "" || !severity.IsValid() {
			severity = models.SeverityModerate
		}
		conflicts = append(conflicts, models.ClinicalConflict{
			ConflictType:        models.ConflictInteractionGap,
			Severity:            severity,
			PatientData:         fmt.Sprintf("%s + %s", interaction.DrugA, interaction.DrugB),
			Description:         fmt.Sprintf("detected %s/%s interaction is not addressed by the care plan: %s", interaction.DrugA, interaction.DrugB, interaction.Description),
			SuggestedResolution: "address the interaction explicitly, by substitution, dose adjustment or monitoring",
		})
	}
	return conflicts
}

func referencedPlanMedication(loweredSentence string, plan *planContext) string {
	for _, med := range plan.medications {
		if med != "" && strings.Contains(loweredSentence, med) {
			return med
		}
	}
	return ""
}

// planCoversSentence checks whether any meaningful word of the
// recommendation already appears in the plan text.
func planCoversSentence(loweredSentence string, plan *planContext) bool {
	for _, word := range strings.Fields(loweredSentence) {
		word = strings.Trim(word, ".,;:()\"")
		if len(word) < 6 {
			continue
		}
		if strings.Contains(plan.planText, word) {
			return true
		}
	}
	return false
}

func severityFromSignals(loweredSentence string, fallback models.Severity) models.Severity {
	if containsAny(loweredSentence, criticalSignals) {
		return models.SeverityCritical
	}
	if containsAny(loweredSentence, highSignals) {
		return models.SeverityHigh
	}
	return fallback
}

func splitSentences(text string) []string {
	var sentences []string
	for _, raw := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	}) {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func dedupeConflicts(conflicts []models.ClinicalConflict) []models.ClinicalConflict {
	seen := map[string]bool{}
	out := make([]models.ClinicalConflict, 0, len(conflicts))
	for _, conflict := range conflicts {
		key := string(conflict.ConflictType) + "|" + conflict.GuidelineSource + "|" + conflict.PatientData
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, conflict)
	}
	return out
}

func summarizeConflicts(conflicts []models.ClinicalConflict, guidelinesChecked int) string {
	if len(conflicts) == 0 {
		return fmt.Sprintf("No conflicts detected across %d guidelines", guidelinesChecked)
	}
	critical := 0
	high := 0
	for _, conflict := range conflicts {
		switch conflict.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityHigh:
			high++
		}
	}
	summary := fmt.Sprintf("%d conflict(s) detected", len(conflicts))
	if critical > 0 {
		summary += fmt.Sprintf(" (%d critical)", critical)
	}
	if high > 0 {
		summary += fmt.Sprintf(" (%d high)", high)
	}
	return summary
}
