package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// CaseRunner is what the transport needs from the orchestrator.
type CaseRunner interface {
	ExecuteCase(ctx context.Context, caseID string, submission models.CaseSubmission, events chan<- *models.PipelineEvent) (*models.CaseResult, error)
	LookupCase(ctx context.Context, caseID string) (*models.CaseResult, error)
	ListActiveCases() []*models.CaseResult
	CancelCase(caseID string) bool
	GetStats() map[string]interface{}
}

// HealthChecker is implemented by every backing service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	runner     CaseRunner
	checkers   map[string]HealthChecker
	config     config.HTTPConfig
	logger     *logger.Logger
}

func New(runner CaseRunner, checkers map[string]HealthChecker, cfg config.HTTPConfig, production bool, log *logger.Logger) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &Server{
		engine:   engine,
		runner:   runner,
		checkers: checkers,
		config:   cfg,
		logger:   log,
	}

	engine.Use(server.requestLogger())
	engine.Use(server.corsMiddleware())
	server.registerRoutes()

	server.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

func (server *Server) registerRoutes() {
	server.engine.GET("/health", server.handleHealth)

	api := server.engine.Group("/api")
	{
		api.POST("/cases/submit", server.handleSubmitCase)
		api.GET("/cases", server.handleListCases)
		api.GET("/cases/:id", server.handleGetCase)
		api.POST("/cases/:id/cancel", server.handleCancelCase)
	}

	server.engine.GET("/ws/agent", server.handleAgentWS)
}

func (server *Server) Run() error {
	server.logger.Info("HTTP server starting", "port", server.config.Port)
	err := server.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (server *Server) Shutdown(ctx context.Context) error {
	server.logger.Info("HTTP server shutting down")
	return server.httpServer.Shutdown(ctx)
}

func (server *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		server.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// corsMiddleware is intentionally small; the configured origins are an
// allow list, with "*" meaning any.
func (server *Server) corsMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{}
	allowAll := false
	for _, origin := range server.config.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (server *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	services := map[string]string{}
	healthy := true
	for name, checker := range server.checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			services[name] = err.Error()
			healthy = false
			continue
		}
		services[name] = "ok"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"services": services,
		"stats":    server.runner.GetStats(),
	})
}
