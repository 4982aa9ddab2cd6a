package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

type fakeRunner struct {
	executed  chan models.CaseSubmission
	lookup    func(caseID string) (*models.CaseResult, error)
	active    []*models.CaseResult
	cancelled map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		executed:  make(chan models.CaseSubmission, 8),
		cancelled: map[string]bool{},
	}
}

func (f *fakeRunner) ExecuteCase(_ context.Context, caseID string, submission models.CaseSubmission, events chan<- *models.PipelineEvent) (*models.CaseResult, error) {
	defer close(events)
	f.executed <- submission
	events <- models.NewAckEvent(caseID)
	events <- models.NewCompleteEvent(caseID)
	return &models.CaseResult{CaseID: caseID, Status: models.CaseCompleted}, nil
}

func (f *fakeRunner) LookupCase(_ context.Context, caseID string) (*models.CaseResult, error) {
	if f.lookup != nil {
		return f.lookup(caseID)
	}
	return nil, models.NewNotFoundError("ORCHESTRATOR", "case not found")
}

func (f *fakeRunner) ListActiveCases() []*models.CaseResult { return f.active }

func (f *fakeRunner) CancelCase(caseID string) bool { return f.cancelled[caseID] }

func (f *fakeRunner) GetStats() map[string]interface{} {
	return map[string]interface{}{"total_cases": 0}
}

func newTestServer(runner CaseRunner) *Server {
	gin.SetMode(gin.TestMode)
	return New(runner, map[string]HealthChecker{}, config.HTTPConfig{
		Port:        "0",
		CORSOrigins: []string{"*"},
	}, false, logger.NewNop())
}

func TestSubmitCaseAccepted(t *testing.T) {
	runner := newFakeRunner()
	server := newTestServer(runner)

	body := `{"patient_text": "58 year old male with crushing chest pain", "include_drug_check": true, "include_guidelines": true}`
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/cases/submit", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")

	server.engine.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusAccepted, recorder.Code)

	var response models.CaseResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Len(t, response.CaseID, 8)
	assert.Equal(t, string(models.CaseRunning), response.Status)

	select {
	case submission := <-runner.executed:
		assert.True(t, submission.IncludeDrugCheck)
		assert.True(t, submission.IncludeGuidelines)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was never started")
	}
}

func TestSubmitCaseRejectsShortText(t *testing.T) {
	runner := newFakeRunner()
	server := newTestServer(runner)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/cases/submit", strings.NewReader(`{"patient_text": "short"}`))
	request.Header.Set("Content-Type", "application/json")

	server.engine.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), string(models.CodeInvalidInput))
	assert.Empty(t, runner.executed)
}

func TestSubmitCaseRejectsMalformedJSON(t *testing.T) {
	server := newTestServer(newFakeRunner())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/cases/submit", strings.NewReader(`{not json`))
	request.Header.Set("Content-Type", "application/json")

	server.engine.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetCaseNotFound(t *testing.T) {
	server := newTestServer(newFakeRunner())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/cases/unknown1", nil)

	server.engine.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), string(models.CodeNotFound))
}

func TestGetCaseFound(t *testing.T) {
	runner := newFakeRunner()
	runner.lookup = func(caseID string) (*models.CaseResult, error) {
		return &models.CaseResult{
			CaseID: caseID,
			Status: models.CaseCompleted,
			Report: &models.CDSReport{PatientSummary: "summary"},
		}, nil
	}
	server := newTestServer(runner)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/cases/abc12345", nil)

	server.engine.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var result models.CaseResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.Equal(t, "abc12345", result.CaseID)
	assert.Equal(t, models.CaseCompleted, result.Status)
	require.NotNil(t, result.Report)
}

func TestListCasesAlwaysReturnsArray(t *testing.T) {
	server := newTestServer(newFakeRunner())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/cases", nil)

	server.engine.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"cases":[]`)
}

func TestCancelCase(t *testing.T) {
	runner := newFakeRunner()
	runner.cancelled["abc12345"] = true
	server := newTestServer(runner)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/cases/abc12345/cancel", nil)
	server.engine.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusAccepted, recorder.Code)

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/api/cases/other000/cancel", nil)
	server.engine.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHealthEndpoint(t *testing.T) {
	healthy := map[string]HealthChecker{
		"ok-service": healthCheckerFunc(func(context.Context) error { return nil }),
	}
	gin.SetMode(gin.TestMode)
	server := New(newFakeRunner(), healthy, config.HTTPConfig{Port: "0"}, false, logger.NewNop())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.engine.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"status":"healthy"`)
}

func TestHealthEndpointDegraded(t *testing.T) {
	checkers := map[string]HealthChecker{
		"bad-service": healthCheckerFunc(func(context.Context) error {
			return models.NewServiceError("BAD", "down")
		}),
	}
	gin.SetMode(gin.TestMode)
	server := New(newFakeRunner(), checkers, config.HTTPConfig{Port: "0"}, false, logger.NewNop())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.engine.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"status":"degraded"`)
}

type healthCheckerFunc func(ctx context.Context) error

func (f healthCheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }
