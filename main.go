package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cds-agent/internal/agent"
	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
	"cds-agent/internal/server"
	"cds-agent/internal/services"
	"cds-agent/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}

	appLogger.Info("starting cds-agent",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port,
	)

	llmService, err := services.NewLLMService(cfg.LLM, appLogger)
	if err != nil {
		appLogger.WithError(err).Error("LLM service initialization failed")
		os.Exit(1)
	}
	defer llmService.Close()

	embeddingService := services.NewEmbeddingService(cfg.Embedding, appLogger)

	guidelineIndex := services.NewGuidelineIndex(cfg.Guidelines, embeddingService, appLogger)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := guidelineIndex.LoadCorpus(loadCtx, cfg.Guidelines.CorpusPath); err != nil {
		// Retrieval degrades to empty results on an empty index; the
		// pipeline still runs.
		appLogger.WithError(err).Warn("guideline corpus load failed, retrieval will return no results")
	}
	loadCancel()

	drugService := services.NewDrugService(cfg.DrugAPI, appLogger)

	var store agent.CaseStore
	checkers := map[string]server.HealthChecker{
		"llm":        llmService,
		"embeddings": embeddingService,
		"guidelines": guidelineIndex,
	}
	if cfg.Redis.Enabled {
		redisService, err := services.NewRedisService(cfg.Redis, appLogger)
		if err != nil {
			appLogger.WithError(err).Error("Redis service initialization failed")
			os.Exit(1)
		}
		defer redisService.Close()
		store = redisService
		checkers["redis"] = redisService
	} else {
		appLogger.Info("Redis disabled, case persistence is off")
	}

	orchestrator := agent.NewOrchestrator(
		tools.NewPatientParser(llmService, appLogger),
		tools.NewClinicalReasoner(llmService, appLogger),
		tools.NewDrugChecker(drugService, appLogger),
		tools.NewGuidelineRetriever(guidelineIndex, cfg.Guidelines, appLogger),
		tools.NewConflictDetector(appLogger),
		tools.NewSynthesizer(llmService, appLogger),
		store,
		cfg.Agent,
		appLogger,
	)
	orchestrator.SetFallbackReport(func(state *models.AgentState) *models.CDSReport {
		return tools.Fallback(state)
	})

	srv := server.New(orchestrator, checkers, cfg.HTTP, cfg.IsProduction(), appLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			appLogger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	case sig := <-quit:
		appLogger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("graceful shutdown failed")
	}

	appLogger.Info("cds-agent stopped")
}
