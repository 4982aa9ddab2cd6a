// Package agent drives the clinical decision support pipeline: parse,
// reason, drug check and guideline retrieval in parallel, conflict
// detection, synthesis.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

type PatientParser interface {
	Run(ctx context.Context, caseID, patientText string) (*models.PatientProfile, error)
}

type ClinicalReasoner interface {
	Run(ctx context.Context, caseID string, profile *models.PatientProfile) (*models.ClinicalReasoningResult, error)
}

type DrugChecker interface {
	Run(ctx context.Context, caseID string, profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) (*models.DrugInteractionResult, error)
	Summary(result *models.DrugInteractionResult) string
}

type GuidelineRetriever interface {
	Run(ctx context.Context, caseID string, profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) (*models.GuidelineRetrievalResult, error)
	Summary(result *models.GuidelineRetrievalResult) string
}

type ConflictDetector interface {
	Run(ctx context.Context, caseID string, state *models.AgentState) (*models.ConflictDetectionResult, error)
}

type Synthesizer interface {
	Run(ctx context.Context, caseID string, state *models.AgentState) (*models.CDSReport, error)
}

// CaseStore mirrors state and events to external storage. A nil store
// is valid; persistence is then skipped.
type CaseStore interface {
	PublishEvent(ctx context.Context, event *models.PipelineEvent) error
	StoreCaseState(ctx context.Context, state *models.AgentState) error
	GetCaseState(ctx context.Context, caseID string) (*models.AgentState, error)
}

// StepPolicy says how a step failure affects the case. Fatal steps
// abort the run; soft steps degrade to a caveat in the final report.
// runStep consults this table for every step, so changing a policy
// here changes the pipeline's failure behavior.
type StepPolicy struct {
	Fatal bool
}

var stepPolicies = map[string]StepPolicy{
	models.StepParse:      {Fatal: true},
	models.StepReason:     {Fatal: true},
	models.StepDrugs:      {Fatal: false},
	models.StepGuidelines: {Fatal: false},
	models.StepConflicts:  {Fatal: false},
	models.StepSynthesize: {Fatal: false},
}

type Orchestrator struct {
	parser     PatientParser
	reasoner   ClinicalReasoner
	drugs      DrugChecker
	guidelines GuidelineRetriever
	conflicts  ConflictDetector
	synth      Synthesizer
	store      CaseStore
	config     config.AgentConfig
	logger     *logger.Logger

	// fallback builds the degraded report when synthesis fails.
	fallback func(state *models.AgentState) *models.CDSReport

	activeCases sync.Map
	mu          sync.Mutex
	totalCases  int64
	failedCases int64
}

type caseRun struct {
	mu     sync.Mutex
	state  *models.AgentState
	cancel context.CancelFunc
}

func NewOrchestrator(
	parser PatientParser,
	reasoner ClinicalReasoner,
	drugs DrugChecker,
	guidelines GuidelineRetriever,
	conflicts ConflictDetector,
	synth Synthesizer,
	store CaseStore,
	cfg config.AgentConfig,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		parser:     parser,
		reasoner:   reasoner,
		drugs:      drugs,
		guidelines: guidelines,
		conflicts:  conflicts,
		synth:      synth,
		store:      store,
		config:     cfg,
		logger:     log,
	}
}

// ExecuteCase runs the full pipeline for one case. Progress events go
// to the supplied channel, which is closed before returning. The caller
// owns caseID generation so it can answer before the run finishes.
func (orchestrator *Orchestrator) ExecuteCase(ctx context.Context, caseID string, submission models.CaseSubmission, events chan<- *models.PipelineEvent) (*models.CaseResult, error) {
	defer close(events)

	startTime := time.Now()

	if err := submission.Validate(); err != nil {
		orchestrator.emit(ctx, events, models.NewErrorEvent(caseID, models.CodeOf(err), err.Error()))
		return nil, err
	}

	if orchestrator.ActiveCaseCount() >= orchestrator.config.MaxActiveCases {
		err := models.NewServiceError("ORCHESTRATOR", "too many active cases").
			WithMetadata("max_active_cases", orchestrator.config.MaxActiveCases)
		orchestrator.emit(ctx, events, models.NewErrorEvent(caseID, err.Code, err.Message))
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, orchestrator.config.CaseTimeout)
	defer cancel()

	state := models.NewAgentState(caseID, submission)
	run := &caseRun{state: state, cancel: cancel}
	orchestrator.activeCases.Store(caseID, run)
	defer orchestrator.activeCases.Delete(caseID)

	orchestrator.mu.Lock()
	orchestrator.totalCases++
	orchestrator.mu.Unlock()

	orchestrator.logger.LogCase(caseID, "case_started", 0, nil)
	orchestrator.emit(runCtx, events, models.NewAckEvent(caseID))
	orchestrator.storeState(runCtx, state)

	// Steps the submission opted out of are announced once, up front.
	for _, step := range state.Steps {
		if step.Status == models.StepSkipped {
			orchestrator.emit(runCtx, events, models.NewStepEvent(caseID, step))
		}
	}

	// Stage 1: parse.
	var profile *models.PatientProfile
	if err := orchestrator.runStep(runCtx, run, events, models.StepParse, func(ctx context.Context) (string, error) {
		parsed, err := orchestrator.parser.Run(ctx, caseID, submission.PatientText)
		if err != nil {
			return "", err
		}
		run.mu.Lock()
		state.PatientProfile = parsed
		run.mu.Unlock()
		profile = parsed
		return fmt.Sprintf("profile extracted, chief complaint: %s", parsed.ChiefComplaint), nil
	}); err != nil {
		return orchestrator.failCase(runCtx, run, events, models.StepParse, startTime, err)
	}

	// Stage 2: reason.
	var reasoning *models.ClinicalReasoningResult
	if err := orchestrator.runStep(runCtx, run, events, models.StepReason, func(ctx context.Context) (string, error) {
		reasoned, err := orchestrator.reasoner.Run(ctx, caseID, profile)
		if err != nil {
			return "", err
		}
		run.mu.Lock()
		state.ClinicalReasoning = reasoned
		run.mu.Unlock()
		reasoning = reasoned
		return fmt.Sprintf("%d diagnoses, top: %s", len(reasoned.Differential), reasoned.TopDiagnosis()), nil
	}); err != nil {
		return orchestrator.failCase(runCtx, run, events, models.StepReason, startTime, err)
	}

	// Stage 3: drug check and guideline retrieval in parallel.
	if stepID, err := orchestrator.runParallelChecks(runCtx, run, events, profile, reasoning); err != nil {
		return orchestrator.failCase(runCtx, run, events, stepID, startTime, err)
	}

	// Stage 4: conflict detection, only with guidelines enabled.
	if submission.IncludeGuidelines {
		if err := orchestrator.runStep(runCtx, run, events, models.StepConflicts, func(ctx context.Context) (string, error) {
			detected, err := orchestrator.conflicts.Run(ctx, caseID, state)
			if err != nil {
				return "", err
			}
			run.mu.Lock()
			state.ConflictDetection = detected
			run.mu.Unlock()
			return detected.Summary, nil
		}); err != nil {
			return orchestrator.failCase(runCtx, run, events, models.StepConflicts, startTime, err)
		}
	}

	// Stage 5: synthesis, falling back to a deterministic report when
	// its policy is soft.
	report, err := orchestrator.runSynthesis(runCtx, run, events)
	if err != nil {
		return orchestrator.failCase(runCtx, run, events, models.StepSynthesize, startTime, err)
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		return orchestrator.failCase(runCtx, run, events, models.StepSynthesize, startTime, orchestrator.contextError(caseID, ctxErr))
	}

	run.mu.Lock()
	state.FinalReport = report
	state.Finish(models.CaseCompleted)
	run.mu.Unlock()

	orchestrator.emit(runCtx, events, models.NewReportEvent(caseID, report))
	orchestrator.emit(runCtx, events, models.NewCompleteEvent(caseID))
	orchestrator.storeState(runCtx, state)
	orchestrator.logger.LogCase(caseID, "case_completed", time.Since(startTime), nil)

	return orchestrator.snapshotResult(run, "", ""), nil
}

// runStep drives one step through the policy table: mark running, call
// the adapter under the step timeout, record the outcome. The returned
// error is non-nil only when the step's policy is fatal.
func (orchestrator *Orchestrator) runStep(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, stepID string, fn func(ctx context.Context) (string, error)) error {
	policy := stepPolicies[stepID]

	if err := ctx.Err(); err != nil {
		if policy.Fatal {
			return orchestrator.contextError(run.state.CaseID, err)
		}
		return nil
	}

	stepStart := time.Now()
	orchestrator.markRunning(ctx, run, events, stepID)

	stepCtx := ctx
	if orchestrator.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, orchestrator.config.StepTimeout)
		defer cancel()
	}

	summary, err := fn(stepCtx)
	if err != nil {
		orchestrator.markFailed(ctx, run, events, stepID, stepStart, err)
		if policy.Fatal {
			return err
		}
		orchestrator.logger.WithError(err).Warn("soft step failed, continuing",
			"case_id", run.state.CaseID,
			"step_id", stepID,
		)
		return nil
	}

	orchestrator.markCompleted(ctx, run, events, stepID, summary, stepStart)
	return nil
}

// runParallelChecks runs the drug check and guideline retrieval
// concurrently, each through runStep. The returned step ID and error
// are non-nil only when a step with a fatal policy failed.
func (orchestrator *Orchestrator) runParallelChecks(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, profile *models.PatientProfile, reasoning *models.ClinicalReasoningResult) (string, error) {
	state := run.state

	type stepFailure struct {
		stepID string
		err    error
	}
	failures := make(chan stepFailure, 2)

	var wg sync.WaitGroup

	if state.Submission.IncludeDrugCheck {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orchestrator.runStep(ctx, run, events, models.StepDrugs, func(ctx context.Context) (string, error) {
				result, err := orchestrator.drugs.Run(ctx, state.CaseID, profile, reasoning)
				if err != nil {
					return "", err
				}
				run.mu.Lock()
				state.DrugInteractions = result
				run.mu.Unlock()
				return orchestrator.drugs.Summary(result), nil
			}); err != nil {
				failures <- stepFailure{models.StepDrugs, err}
			}
		}()
	}

	if state.Submission.IncludeGuidelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orchestrator.runStep(ctx, run, events, models.StepGuidelines, func(ctx context.Context) (string, error) {
				result, err := orchestrator.guidelines.Run(ctx, state.CaseID, profile, reasoning)
				if err != nil {
					return "", err
				}
				run.mu.Lock()
				state.GuidelineRetrieval = result
				run.mu.Unlock()
				return orchestrator.guidelines.Summary(result), nil
			}); err != nil {
				failures <- stepFailure{models.StepGuidelines, err}
			}
		}()
	}

	wg.Wait()
	close(failures)

	for failure := range failures {
		return failure.stepID, failure.err
	}
	return "", nil
}

// runSynthesis produces the final report. With a soft policy a failed
// synthesis substitutes the deterministic fallback report.
func (orchestrator *Orchestrator) runSynthesis(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent) (*models.CDSReport, error) {
	state := run.state

	var report *models.CDSReport
	if err := orchestrator.runStep(ctx, run, events, models.StepSynthesize, func(ctx context.Context) (string, error) {
		synthesized, err := orchestrator.synth.Run(ctx, state.CaseID, state)
		if err != nil {
			return "", err
		}
		report = synthesized
		return "report synthesized", nil
	}); err != nil {
		return nil, err
	}

	if report == nil {
		orchestrator.logger.Warn("synthesis produced no report, using fallback", "case_id", state.CaseID)
		report = orchestrator.fallbackReport(state)
	}
	return report, nil
}

// SetFallbackReport installs the deterministic report builder used when
// synthesis fails. Wiring calls this once at startup.
func (orchestrator *Orchestrator) SetFallbackReport(fn func(state *models.AgentState) *models.CDSReport) {
	orchestrator.fallback = fn
}

func (orchestrator *Orchestrator) fallbackReport(state *models.AgentState) *models.CDSReport {
	if orchestrator.fallback != nil {
		return orchestrator.fallback(state)
	}
	return &models.CDSReport{
		PatientSummary: "Report synthesis unavailable; see individual step outputs.",
		GeneratedAt:    time.Now().UTC(),
	}
}

func (orchestrator *Orchestrator) failCase(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, failedStep string, startTime time.Time, err error) (*models.CaseResult, error) {
	state := run.state
	code := models.CodeOf(err)

	// Cancellation and timeout freeze the state as-is; everything else
	// records the terminal status.
	if ctx.Err() == nil {
		run.mu.Lock()
		skipped := state.SkipRemaining(failedStep)
		state.Finish(models.CaseFailed)
		run.mu.Unlock()
		for _, step := range skipped {
			orchestrator.emit(ctx, events, models.NewStepEvent(state.CaseID, step))
		}
		orchestrator.storeState(ctx, state)
	}

	orchestrator.mu.Lock()
	orchestrator.failedCases++
	orchestrator.mu.Unlock()

	orchestrator.emit(ctx, events, models.NewErrorEvent(state.CaseID, code, err.Error()))
	orchestrator.logger.LogCase(state.CaseID, "case_failed", time.Since(startTime), err)

	return orchestrator.snapshotResult(run, err.Error(), code), err
}

func (orchestrator *Orchestrator) contextError(caseID string, ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return models.NewTimeoutError("ORCHESTRATOR", "case timed out").WithMetadata("case_id", caseID)
	}
	return models.NewCancelledError("ORCHESTRATOR", "case cancelled").WithMetadata("case_id", caseID)
}

// markRunning, markCompleted and markFailed mutate one step under the
// run lock and emit the matching event. Mutations are suppressed once
// the context is done.
func (orchestrator *Orchestrator) markRunning(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, stepID string) {
	if ctx.Err() != nil {
		return
	}
	run.mu.Lock()
	step := run.state.MarkRunning(stepID)
	run.mu.Unlock()
	if step != nil {
		orchestrator.emit(ctx, events, models.NewStepEvent(run.state.CaseID, step))
	}
}

func (orchestrator *Orchestrator) markCompleted(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, stepID, summary string, stepStart time.Time) {
	if ctx.Err() != nil {
		return
	}
	run.mu.Lock()
	step := run.state.MarkCompleted(stepID, summary, time.Since(stepStart))
	run.mu.Unlock()
	if step != nil {
		orchestrator.emit(ctx, events, models.NewStepEvent(run.state.CaseID, step))
	}
}

func (orchestrator *Orchestrator) markFailed(ctx context.Context, run *caseRun, events chan<- *models.PipelineEvent, stepID string, stepStart time.Time, err error) {
	if ctx.Err() != nil {
		return
	}
	run.mu.Lock()
	step := run.state.MarkFailed(stepID, time.Since(stepStart), err)
	run.mu.Unlock()
	if step != nil {
		orchestrator.emit(ctx, events, models.NewStepEvent(run.state.CaseID, step))
	}
}

// emit pushes an event to the caller's channel without ever blocking
// the pipeline, and mirrors it to the case store.
func (orchestrator *Orchestrator) emit(ctx context.Context, events chan<- *models.PipelineEvent, event *models.PipelineEvent) {
	select {
	case events <- event:
	default:
		orchestrator.logger.Warn("event channel full, dropping event",
			"case_id", event.CaseID,
			"type", string(event.Type),
		)
	}

	if orchestrator.store != nil && ctx.Err() == nil {
		if err := orchestrator.store.PublishEvent(ctx, event); err != nil {
			orchestrator.logger.WithError(err).Warn("failed to mirror event to store", "case_id", event.CaseID)
		}
	}
}

func (orchestrator *Orchestrator) storeState(ctx context.Context, state *models.AgentState) {
	if orchestrator.store == nil || ctx.Err() != nil {
		return
	}
	if err := orchestrator.store.StoreCaseState(ctx, state); err != nil {
		orchestrator.logger.WithError(err).Warn("failed to store case state", "case_id", state.CaseID)
	}
}

func (orchestrator *Orchestrator) snapshotResult(run *caseRun, errMessage string, code models.ErrorCode) *models.CaseResult {
	run.mu.Lock()
	defer run.mu.Unlock()

	state := run.state
	steps := make([]*models.AgentStep, len(state.Steps))
	for i, step := range state.Steps {
		copied := *step
		steps[i] = &copied
	}

	status := state.Status
	if errMessage != "" {
		status = models.CaseFailed
	}

	return &models.CaseResult{
		CaseID:      state.CaseID,
		Status:      status,
		Steps:       steps,
		Report:      state.FinalReport,
		Error:       errMessage,
		ErrorCode:   code,
		StartedAt:   state.StartedAt,
		CompletedAt: state.CompletedAt,
	}
}

// GetCase returns the live state of an active case.
func (orchestrator *Orchestrator) GetCase(caseID string) (*models.CaseResult, bool) {
	value, ok := orchestrator.activeCases.Load(caseID)
	if !ok {
		return nil, false
	}
	run := value.(*caseRun)
	return orchestrator.snapshotResult(run, "", ""), true
}

// LookupCase checks active cases first, then the store.
func (orchestrator *Orchestrator) LookupCase(ctx context.Context, caseID string) (*models.CaseResult, error) {
	if result, ok := orchestrator.GetCase(caseID); ok {
		return result, nil
	}
	if orchestrator.store == nil {
		return nil, models.NewNotFoundError("ORCHESTRATOR", "case not found").WithMetadata("case_id", caseID)
	}
	state, err := orchestrator.store.GetCaseState(ctx, caseID)
	if err != nil {
		return nil, err
	}
	steps := make([]*models.AgentStep, len(state.Steps))
	copy(steps, state.Steps)
	return &models.CaseResult{
		CaseID:      state.CaseID,
		Status:      state.Status,
		Steps:       steps,
		Report:      state.FinalReport,
		StartedAt:   state.StartedAt,
		CompletedAt: state.CompletedAt,
	}, nil
}

// CancelCase requests cooperative cancellation of an active case.
func (orchestrator *Orchestrator) CancelCase(caseID string) bool {
	value, ok := orchestrator.activeCases.Load(caseID)
	if !ok {
		return false
	}
	run := value.(*caseRun)
	run.cancel()
	orchestrator.logger.LogCase(caseID, "case_cancel_requested", 0, nil)
	return true
}

func (orchestrator *Orchestrator) ActiveCaseCount() int {
	count := 0
	orchestrator.activeCases.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// ListActiveCases returns snapshots of every running case.
func (orchestrator *Orchestrator) ListActiveCases() []*models.CaseResult {
	var results []*models.CaseResult
	orchestrator.activeCases.Range(func(_, value interface{}) bool {
		results = append(results, orchestrator.snapshotResult(value.(*caseRun), "", ""))
		return true
	})
	return results
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	orchestrator.mu.Lock()
	defer orchestrator.mu.Unlock()
	return map[string]interface{}{
		"total_cases":  orchestrator.totalCases,
		"failed_cases": orchestrator.failedCases,
		"active_cases": orchestrator.ActiveCaseCount(),
	}
}
