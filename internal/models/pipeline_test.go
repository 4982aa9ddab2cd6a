package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentStateHasAllSixSteps(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{
		PatientText:       "a patient with chest pain and dyspnea",
		IncludeDrugCheck:  true,
		IncludeGuidelines: true,
	})

	require.Len(t, state.Steps, 6)
	for i, stepID := range StepOrder {
		assert.Equal(t, stepID, state.Steps[i].StepID)
		assert.Equal(t, StepPending, state.Steps[i].Status)
		assert.NotEmpty(t, state.Steps[i].StepName)
		assert.NotEmpty(t, state.Steps[i].ToolName)
	}
	assert.Equal(t, CaseRunning, state.Status)
}

func TestNewAgentStateMarksOptedOutStepsSkipped(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{
		PatientText:       "a patient with chest pain and dyspnea",
		IncludeDrugCheck:  false,
		IncludeGuidelines: false,
	})

	assert.Equal(t, StepSkipped, state.Step(StepDrugs).Status)
	assert.Equal(t, StepSkipped, state.Step(StepGuidelines).Status)
	assert.Equal(t, StepSkipped, state.Step(StepConflicts).Status)
	assert.Equal(t, StepPending, state.Step(StepParse).Status)
	assert.Equal(t, StepPending, state.Step(StepSynthesize).Status)
}

func TestStepTransitions(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{
		PatientText:       "a patient with chest pain and dyspnea",
		IncludeDrugCheck:  true,
		IncludeGuidelines: true,
	})

	step := state.MarkRunning(StepParse)
	require.NotNil(t, step)
	assert.Equal(t, StepRunning, step.Status)

	state.MarkCompleted(StepParse, "profile extracted", 1500*time.Millisecond)
	assert.Equal(t, StepCompleted, state.Step(StepParse).Status)
	assert.Equal(t, int64(1500), state.Step(StepParse).DurationMS)
	assert.Equal(t, "profile extracted", state.Step(StepParse).OutputSummary)

	state.MarkFailed(StepReason, time.Second, errors.New("model unavailable"))
	assert.Equal(t, StepFailed, state.Step(StepReason).Status)
	assert.Equal(t, "model unavailable", state.Step(StepReason).Error)
}

func TestSkipRemaining(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{
		PatientText:       "a patient with chest pain and dyspnea",
		IncludeDrugCheck:  true,
		IncludeGuidelines: true,
	})

	state.MarkCompleted(StepParse, "ok", time.Second)
	state.MarkFailed(StepReason, time.Second, errors.New("boom"))

	skipped := state.SkipRemaining(StepReason)

	require.Len(t, skipped, 4)
	assert.Equal(t, StepCompleted, state.Step(StepParse).Status)
	assert.Equal(t, StepFailed, state.Step(StepReason).Status)
	for _, stepID := range []string{StepDrugs, StepGuidelines, StepConflicts, StepSynthesize} {
		assert.Equal(t, StepSkipped, state.Step(stepID).Status, stepID)
	}
}

func TestSkipRemainingLeavesTerminalStepsAlone(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{
		PatientText:       "a patient with chest pain and dyspnea",
		IncludeDrugCheck:  false,
		IncludeGuidelines: true,
	})

	skipped := state.SkipRemaining(StepReason)

	// drugs was already skipped at construction, so it is not in the
	// newly-skipped list.
	for _, step := range skipped {
		assert.NotEqual(t, StepDrugs, step.StepID)
	}
}

func TestCaseSubmissionValidate(t *testing.T) {
	short := CaseSubmission{PatientText: "too short"}
	err := short.Validate()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))

	padded := CaseSubmission{PatientText: "       x      "}
	require.Error(t, padded.Validate())

	ok := CaseSubmission{PatientText: "58 year old male with crushing chest pain"}
	assert.NoError(t, ok.Validate())
}

func TestGenerateCaseID(t *testing.T) {
	id := GenerateCaseID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, GenerateCaseID())
}

func TestFinishSetsCompletedAt(t *testing.T) {
	state := NewAgentState("abc12345", CaseSubmission{PatientText: "a patient with chest pain"})
	require.Nil(t, state.CompletedAt)

	state.Finish(CaseCompleted)

	assert.Equal(t, CaseCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)
}
