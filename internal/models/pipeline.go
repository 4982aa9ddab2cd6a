package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Pipeline step identifiers, in execution order.
const (
	StepParse      = "parse"
	StepReason     = "reason"
	StepDrugs      = "drugs"
	StepGuidelines = "guidelines"
	StepConflicts  = "conflicts"
	StepSynthesize = "synthesize"
)

var StepOrder = []string{StepParse, StepReason, StepDrugs, StepGuidelines, StepConflicts, StepSynthesize}

var stepNames = map[string]string{
	StepParse:      "Patient Parsing",
	StepReason:     "Clinical Reasoning",
	StepDrugs:      "Drug Interaction Check",
	StepGuidelines: "Guideline Retrieval",
	StepConflicts:  "Conflict Detection",
	StepSynthesize: "Report Synthesis",
}

var stepTools = map[string]string{
	StepParse:      "patient_parser",
	StepReason:     "clinical_reasoner",
	StepDrugs:      "drug_checker",
	StepGuidelines: "guideline_retriever",
	StepConflicts:  "conflict_detector",
	StepSynthesize: "synthesizer",
}

type AgentStep struct {
	StepID        string     `json:"step_id"`
	StepName      string     `json:"step_name"`
	Status        StepStatus `json:"status"`
	ToolName      string     `json:"tool_name"`
	InputSummary  string     `json:"input_summary,omitempty"`
	OutputSummary string     `json:"output_summary,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
}

type CaseStatus string

const (
	CaseRunning   CaseStatus = "running"
	CaseCompleted CaseStatus = "completed"
	CaseFailed    CaseStatus = "failed"
)

// AgentState is the accumulator shared across pipeline steps. One
// goroutine owns it for the lifetime of a case run.
type AgentState struct {
	CaseID             string                    `json:"case_id"`
	Submission         CaseSubmission            `json:"submission"`
	Steps              []*AgentStep              `json:"steps"`
	PatientProfile     *PatientProfile           `json:"patient_profile,omitempty"`
	ClinicalReasoning  *ClinicalReasoningResult  `json:"clinical_reasoning,omitempty"`
	DrugInteractions   *DrugInteractionResult    `json:"drug_interactions,omitempty"`
	GuidelineRetrieval *GuidelineRetrievalResult `json:"guideline_retrieval,omitempty"`
	ConflictDetection  *ConflictDetectionResult  `json:"conflict_detection,omitempty"`
	FinalReport        *CDSReport                `json:"final_report,omitempty"`
	Status             CaseStatus                `json:"status"`
	StartedAt          time.Time                 `json:"started_at"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
}

// NewAgentState creates the state with all six steps present. Steps the
// submission opts out of are marked skipped from the start.
func NewAgentState(caseID string, submission CaseSubmission) *AgentState {
	state := &AgentState{
		CaseID:     caseID,
		Submission: submission,
		Status:     CaseRunning,
		StartedAt:  time.Now().UTC(),
	}
	for _, stepID := range StepOrder {
		step := &AgentStep{
			StepID:   stepID,
			StepName: stepNames[stepID],
			ToolName: stepTools[stepID],
			Status:   StepPending,
		}
		if stepID == StepDrugs && !submission.IncludeDrugCheck {
			step.Status = StepSkipped
		}
		if (stepID == StepGuidelines || stepID == StepConflicts) && !submission.IncludeGuidelines {
			step.Status = StepSkipped
		}
		state.Steps = append(state.Steps, step)
	}
	return state
}

func (s *AgentState) Step(stepID string) *AgentStep {
	for _, step := range s.Steps {
		if step.StepID == stepID {
			return step
		}
	}
	return nil
}

func (s *AgentState) MarkRunning(stepID string) *AgentStep {
	step := s.Step(stepID)
	if step != nil {
		step.Status = StepRunning
	}
	return step
}

func (s *AgentState) MarkCompleted(stepID, outputSummary string, duration time.Duration) *AgentStep {
	step := s.Step(stepID)
	if step != nil {
		step.Status = StepCompleted
		step.OutputSummary = outputSummary
		step.DurationMS = duration.Milliseconds()
	}
	return step
}

func (s *AgentState) MarkFailed(stepID string, duration time.Duration, err error) *AgentStep {
	step := s.Step(stepID)
	if step != nil {
		step.Status = StepFailed
		step.DurationMS = duration.Milliseconds()
		if err != nil {
			step.Error = err.Error()
		}
	}
	return step
}

// SkipRemaining marks every still-pending step after the given one as
// skipped and returns the steps it changed.
func (s *AgentState) SkipRemaining(afterStepID string) []*AgentStep {
	var skipped []*AgentStep
	seen := false
	for _, step := range s.Steps {
		if step.StepID == afterStepID {
			seen = true
			continue
		}
		if seen && step.Status == StepPending {
			step.Status = StepSkipped
			skipped = append(skipped, step)
		}
	}
	return skipped
}

func (s *AgentState) Finish(status CaseStatus) {
	now := time.Now().UTC()
	s.Status = status
	s.CompletedAt = &now
}

type CaseSubmission struct {
	PatientText       string `json:"patient_text" binding:"required,min=10"`
	IncludeDrugCheck  bool   `json:"include_drug_check"`
	IncludeGuidelines bool   `json:"include_guidelines"`
}

func (c *CaseSubmission) Validate() error {
	if len(strings.TrimSpace(c.PatientText)) < 10 {
		return NewInputError("CASE_SUBMISSION", "patient_text must be at least 10 characters")
	}
	return nil
}

type CaseResponse struct {
	CaseID  string `json:"case_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type CaseResult struct {
	CaseID      string       `json:"case_id"`
	Status      CaseStatus   `json:"status"`
	Steps       []*AgentStep `json:"steps"`
	Report      *CDSReport   `json:"report,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   ErrorCode    `json:"error_code,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// GenerateCaseID returns a short case identifier.
func GenerateCaseID() string {
	return uuid.NewString()[:8]
}
