package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// DrugAPI is the slice of the drug service the checker needs.
type DrugAPI interface {
	CheckInteractions(ctx context.Context, medications []string) ([]models.DrugInteraction, []string, error)
}

// DrugChecker collects the medications in play, current plus those the
// workup proposes, and checks them for interactions. No LLM involved.
type DrugChecker struct {
	drugAPI DrugAPI
	logger  *logger.Logger
}

func NewDrugChecker(drugAPI DrugAPI, log *logger.Logger) *DrugChecker {
	return &DrugChecker{drugAPI: drugAPI, logger: log}
}

func (checker *DrugChecker) Run(ctx context.Context, caseID string, profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) (*models.DrugInteractionResult, error) {
	startTime := time.Now()

	medications := checker.collectMedications(profile, reasoning)

	if len(medications) < 2 {
		result := &models.DrugInteractionResult{
			MedicationsChecked: medications,
			Warnings:           []string{"fewer than two medications identified, interaction check not performed"},
		}
		checker.logger.LogTool(caseID, "drug_checker", "check", time.Since(startTime), map[string]interface{}{
			"medications": len(medications),
			"skipped":     true,
		}, nil)
		return result, nil
	}

	interactions, warnings, err := checker.drugAPI.CheckInteractions(ctx, medications)

	checker.logger.LogTool(caseID, "drug_checker", "check", time.Since(startTime), map[string]interface{}{
		"medications":  len(medications),
		"interactions": len(interactions),
	}, err)

	if err != nil {
		return nil, err
	}

	return &models.DrugInteractionResult{
		Interactions:       interactions,
		MedicationsChecked: medications,
		Warnings:           warnings,
	}, nil
}

// collectMedications merges the patient's current medications with
// drugs proposed by the workup, preserving first-seen order.
func (checker *DrugChecker) collectMedications(profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) []string {
	var medications []string
	seen := map[string]bool{}

	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		medications = append(medications, name)
	}

	if profile != nil {
		for _, med := range profile.Medications {
			add(med.Name)
		}
	}

	if reasoning != nil {
		for _, action := range reasoning.Workup {
			if name := extractProposedMedication(action.Action); name != "" {
				add(name)
			}
		}
	}

	return medications
}

var medicationCues = []string{"start ", "prescribe ", "begin ", "initiate ", "administer ", "give "}

// extractProposedMedication pulls a drug name from a workup action like
// "start aspirin 81mg daily". Only actions with a medication cue are
// considered; the first word after the cue is taken as the drug name.
func extractProposedMedication(action string) string {
	lower := strings.ToLower(action)
	if !strings.Contains(lower, "medication") && !hasMedicationCue(lower) {
		return ""
	}
	for _, cue := range medicationCues {
		idx := strings.Index(lower, cue)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(action[idx+len(cue):])
		if len(rest) == 0 {
			continue
		}
		name := strings.Trim(rest[0], ".,;:()")
		if name != "" {
			return name
		}
	}
	return ""
}

func hasMedicationCue(lower string) bool {
	for _, cue := range medicationCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// Summary renders a short step output line for progress events.
func (checker *DrugChecker) Summary(result *models.DrugInteractionResult) string {
	if result == nil {
		return ""
	}
	if len(result.Interactions) == 0 {
		return fmt.Sprintf("no interactions found across %d medications", len(result.MedicationsChecked))
	}
	return fmt.Sprintf("%d interaction(s) found across %d medications", len(result.Interactions), len(result.MedicationsChecked))
}
