package models

import "time"

type EventType string

const (
	EventAck        EventType = "ack"
	EventStepUpdate EventType = "step_update"
	EventReport     EventType = "report"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// PipelineEvent is one message on the progress stream for a case.
type PipelineEvent struct {
	Type      EventType  `json:"type"`
	CaseID    string     `json:"case_id"`
	Message   string     `json:"message,omitempty"`
	Step      *AgentStep `json:"step,omitempty"`
	Report    *CDSReport `json:"report,omitempty"`
	Code      ErrorCode  `json:"code,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewAckEvent(caseID string) *PipelineEvent {
	return &PipelineEvent{
		Type:      EventAck,
		CaseID:    caseID,
		Message:   "case accepted",
		Timestamp: time.Now().UTC(),
	}
}

func NewStepEvent(caseID string, step *AgentStep) *PipelineEvent {
	return &PipelineEvent{
		Type:      EventStepUpdate,
		CaseID:    caseID,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}

func NewReportEvent(caseID string, report *CDSReport) *PipelineEvent {
	return &PipelineEvent{
		Type:      EventReport,
		CaseID:    caseID,
		Report:    report,
		Timestamp: time.Now().UTC(),
	}
}

func NewCompleteEvent(caseID string) *PipelineEvent {
	return &PipelineEvent{
		Type:      EventComplete,
		CaseID:    caseID,
		Message:   "case completed",
		Timestamp: time.Now().UTC(),
	}
}

func NewErrorEvent(caseID string, code ErrorCode, message string) *PipelineEvent {
	return &PipelineEvent{
		Type:      EventError,
		CaseID:    caseID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
