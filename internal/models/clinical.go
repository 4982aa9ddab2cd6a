package models

import (
	"strings"
	"time"
)

type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
	GenderUnknown Gender = "unknown"
)

type Likelihood string

const (
	LikelihoodLow      Likelihood = "low"
	LikelihoodModerate Likelihood = "moderate"
	LikelihoodHigh     Likelihood = "high"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityModerate, SeverityLow:
		return true
	}
	return false
}

// severityRank orders severities for sorting, most severe first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

type ConflictType string

const (
	ConflictOmission       ConflictType = "omission"
	ConflictContradiction  ConflictType = "contradiction"
	ConflictDosage         ConflictType = "dosage"
	ConflictMonitoring     ConflictType = "monitoring"
	ConflictAllergyRisk    ConflictType = "allergy_risk"
	ConflictInteractionGap ConflictType = "interaction_gap"
)

func (c ConflictType) IsValid() bool {
	switch c {
	case ConflictOmission, ConflictContradiction, ConflictDosage,
		ConflictMonitoring, ConflictAllergyRisk, ConflictInteractionGap:
		return true
	}
	return false
}

type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	RxCUI     string `json:"rxcui,omitempty"`
}

type LabResult struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	RefRange string `json:"ref_range,omitempty"`
	Abnormal bool   `json:"abnormal"`
}

type VitalSigns struct {
	BloodPressure    string  `json:"blood_pressure,omitempty"`
	HeartRate        int     `json:"heart_rate,omitempty"`
	RespiratoryRate  int     `json:"respiratory_rate,omitempty"`
	TemperatureC     float64 `json:"temperature_c,omitempty"`
	OxygenSaturation int     `json:"oxygen_saturation,omitempty"`
}

// PatientProfile is the structured form of the submitted free-text case.
type PatientProfile struct {
	Age                int          `json:"age,omitempty"`
	Gender             Gender       `json:"gender,omitempty"`
	ChiefComplaint     string       `json:"chief_complaint"`
	HistoryOfIllness   string       `json:"history_of_present_illness,omitempty"`
	PastMedicalHistory []string     `json:"past_medical_history,omitempty"`
	Medications        []Medication `json:"medications,omitempty"`
	Allergies          []string     `json:"allergies,omitempty"`
	LabResults         []LabResult  `json:"lab_results,omitempty"`
	Vitals             *VitalSigns  `json:"vitals,omitempty"`
	SocialHistory      string       `json:"social_history,omitempty"`
	FamilyHistory      string       `json:"family_history,omitempty"`
	AdditionalNotes    string       `json:"additional_notes,omitempty"`
}

func (p *PatientProfile) Validate() error {
	if strings.TrimSpace(p.ChiefComplaint) == "" {
		return NewValidationError("PATIENT_PROFILE", "chief complaint is required")
	}
	return nil
}

func (p *PatientProfile) MedicationNames() []string {
	names := make([]string, 0, len(p.Medications))
	for _, med := range p.Medications {
		if med.Name != "" {
			names = append(names, med.Name)
		}
	}
	return names
}

// DiagnosisCandidate is one differential entry. Rank is given by slice
// position in the reasoning result, most likely first.
type DiagnosisCandidate struct {
	Diagnosis          string     `json:"diagnosis"`
	ICD10Code          string     `json:"icd10_code,omitempty"`
	Likelihood         Likelihood `json:"likelihood"`
	SupportingFindings []string   `json:"supporting_findings,omitempty"`
	OpposingFindings   []string   `json:"opposing_findings,omitempty"`
	Reasoning          string     `json:"reasoning,omitempty"`
}

type RecommendedAction struct {
	Action    string `json:"action"`
	Priority  string `json:"priority,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

type ClinicalReasoningResult struct {
	Differential   []DiagnosisCandidate `json:"differential"`
	RiskAssessment string               `json:"risk_assessment,omitempty"`
	Workup         []RecommendedAction  `json:"recommended_workup,omitempty"`
	ReasoningChain string               `json:"reasoning_chain,omitempty"`
}

func (r *ClinicalReasoningResult) Validate() error {
	if len(r.Differential) == 0 {
		return NewValidationError("CLINICAL_REASONING", "differential must contain at least one diagnosis")
	}
	for _, candidate := range r.Differential {
		if strings.TrimSpace(candidate.Diagnosis) == "" {
			return NewValidationError("CLINICAL_REASONING", "differential entry missing diagnosis name")
		}
	}
	return nil
}

func (r *ClinicalReasoningResult) TopDiagnosis() string {
	if len(r.Differential) == 0 {
		return ""
	}
	return r.Differential[0].Diagnosis
}

type DrugInteraction struct {
	DrugA                string   `json:"drug_a"`
	DrugB                string   `json:"drug_b"`
	Severity             Severity `json:"severity"`
	Description          string   `json:"description"`
	ClinicalSignificance string   `json:"clinical_significance,omitempty"`
	Source               string   `json:"source"`
}

type DrugInteractionResult struct {
	Interactions       []DrugInteraction `json:"interactions"`
	MedicationsChecked []string          `json:"medications_checked"`
	Warnings           []string          `json:"warnings,omitempty"`
}

type GuidelineExcerpt struct {
	GuidelineID string  `json:"guideline_id"`
	Specialty   string  `json:"specialty,omitempty"`
	Title       string  `json:"title"`
	Source      string  `json:"source,omitempty"`
	URL         string  `json:"url,omitempty"`
	Excerpt     string  `json:"excerpt"`
	Similarity  float64 `json:"similarity"`
}

type GuidelineRetrievalResult struct {
	Query    string             `json:"query"`
	Excerpts []GuidelineExcerpt `json:"excerpts"`
}

type ClinicalConflict struct {
	ConflictType        ConflictType `json:"conflict_type"`
	Severity            Severity     `json:"severity"`
	GuidelineSource     string       `json:"guideline_source,omitempty"`
	GuidelineText       string       `json:"guideline_text,omitempty"`
	PatientData         string       `json:"patient_data,omitempty"`
	Description         string       `json:"description"`
	SuggestedResolution string       `json:"suggested_resolution,omitempty"`
}

type ConflictDetectionResult struct {
	Conflicts         []ClinicalConflict `json:"conflicts"`
	GuidelinesChecked int                `json:"guidelines_checked"`
	Summary           string             `json:"summary"`
}

// CDSReport is the final synthesized output for the clinician.
type CDSReport struct {
	PatientSummary           string               `json:"patient_summary"`
	Differential             []DiagnosisCandidate `json:"differential,omitempty"`
	DrugWarnings             []string             `json:"drug_warnings,omitempty"`
	GuidelineRecommendations []string             `json:"guideline_recommendations,omitempty"`
	NextSteps                []RecommendedAction  `json:"next_steps,omitempty"`
	Conflicts                []ClinicalConflict   `json:"conflicts,omitempty"`
	Caveats                  []string             `json:"caveats,omitempty"`
	SourcesCited             []string             `json:"sources_cited,omitempty"`
	GeneratedAt              time.Time            `json:"generated_at"`
}

func (r *CDSReport) Validate() error {
	if strings.TrimSpace(r.PatientSummary) == "" {
		return NewValidationError("CDS_REPORT", "patient summary is required")
	}
	return nil
}
