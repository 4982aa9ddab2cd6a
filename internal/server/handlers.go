package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cds-agent/internal/models"
)

// handleSubmitCase accepts a case and starts the pipeline in the
// background. The response carries the case ID; progress is available
// via GET or the websocket session.
func (server *Server) handleSubmitCase(c *gin.Context) {
	var submission models.CaseSubmission
	if err := c.ShouldBindJSON(&submission); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid submission payload",
			"code":  models.CodeInvalidInput,
		})
		return
	}

	caseID := models.GenerateCaseID()

	events := make(chan *models.PipelineEvent, 64)
	go func() {
		// Drain so the orchestrator never stalls on an unread channel.
		for range events {
		}
	}()

	go func() {
		_, err := server.runner.ExecuteCase(context.Background(), caseID, submission, events)
		if err != nil {
			server.logger.WithError(err).Warn("case execution failed", "case_id", caseID)
		}
	}()

	c.JSON(http.StatusAccepted, models.CaseResponse{
		CaseID:  caseID,
		Status:  string(models.CaseRunning),
		Message: "case accepted for processing",
	})
}

func (server *Server) handleGetCase(c *gin.Context) {
	caseID := c.Param("id")

	result, err := server.runner.LookupCase(c.Request.Context(), caseID)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == models.CodeNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "case not found",
				"code":  models.CodeNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to load case",
			"code":  models.CodeOf(err),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (server *Server) handleListCases(c *gin.Context) {
	results := server.runner.ListActiveCases()
	if results == nil {
		results = []*models.CaseResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"cases": results,
		"count": len(results),
	})
}

func (server *Server) handleCancelCase(c *gin.Context) {
	caseID := c.Param("id")

	if !server.runner.CancelCase(caseID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no active case with that id",
			"code":  models.CodeNotFound,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"case_id": caseID,
		"status":  "cancelling",
	})
}
