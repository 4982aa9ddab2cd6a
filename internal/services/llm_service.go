package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// LLMService wraps the Gemini API behind retries, per-call timeouts and
// structured JSON generation.
type LLMService struct {
	client *genai.Client
	config config.LLMConfig
	logger *logger.Logger
}

type GenerationRequest struct {
	Prompt          string
	SystemRole      string
	MaxTokens       int32
	Temperature     *float32
	ResponseFormat  string
	DisableThinking bool
}

type GenerationResponse struct {
	Content        string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
}

// Validatable lets GenerateStructured check decoded payloads before
// accepting them.
type Validatable interface {
	Validate() error
}

func NewLLMService(cfg config.LLMConfig, log *logger.Logger) (*LLMService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	ctx := context.Background()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &LLMService{
		client: client,
		config: cfg,
		logger: log,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini API: %w", err)
	}

	log.Info("LLM service initialized",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature,
	)

	return service, nil
}

func (service *LLMService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), service.config.Timeout)
	defer cancel()

	result, err := service.client.Models.GenerateContent(ctx, service.config.Model, genai.Text("Hello"), nil)
	if err != nil {
		return fmt.Errorf("test generation failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return fmt.Errorf("test generation failed: no candidates returned")
	}
	return nil
}

func (service *LLMService) GenerateContent(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	var response *GenerationResponse
	var err error

	for attempt := 1; attempt <= service.config.MaxRetries; attempt++ {
		response, err = service.makeGenerationRequest(ctx, request)
		if err == nil {
			break
		}

		if attempt < service.config.MaxRetries {
			service.logger.WithFields(logger.Fields{
				"attempt":     attempt,
				"max_retries": service.config.MaxRetries,
				"error":       err,
			}).Warn("content generation failed, retrying")

			select {
			case <-time.After(service.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, models.NewTimeoutError("LLM", "content generation timed out").WithCause(ctx.Err())
			}
		}
	}

	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
			"prompt_length": len(request.Prompt),
			"attempts":      service.config.MaxRetries,
		}, err)
		if ctx.Err() != nil {
			return nil, models.NewTimeoutError("LLM", "content generation timed out").WithCause(ctx.Err())
		}
		return nil, models.NewServiceError("LLM", "content generation failed").WithCause(err)
	}

	duration := time.Since(startTime)
	response.ProcessingTime = duration

	service.logger.LogService("gemini", "generate_content", duration, map[string]interface{}{
		"prompt_length":   len(request.Prompt),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *LLMService) makeGenerationRequest(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		genConfig.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	} else {
		genConfig.MaxOutputTokens = service.config.MaxTokens
	}

	if req.ResponseFormat != "" {
		genConfig.ResponseMIMEType = req.ResponseFormat
	}

	var budget int32 = 0
	if req.DisableThinking {
		genConfig.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: &budget,
		}
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]

	text := ""
	if candidate.Content != nil && len(candidate.Content.Parts) > 0 {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	tokensUsed := len(req.Prompt)/4 + len(text)/4

	return &GenerationResponse{
		Content:      text,
		TokensUsed:   tokensUsed,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

// GenerateStructured asks for JSON, decodes into out and validates it.
// One stricter re-prompt is attempted before giving up with a
// validation error.
func (service *LLMService) GenerateStructured(ctx context.Context, req *GenerationRequest, out interface{}) error {
	if req.ResponseFormat == "" {
		req.ResponseFormat = "application/json"
	}

	response, err := service.GenerateContent(ctx, req)
	if err != nil {
		return err
	}

	decodeErr := decodeStructured(response.Content, out)
	if decodeErr == nil {
		return nil
	}

	service.logger.WithError(decodeErr).Warn("structured response rejected, re-prompting",
		"response_length", len(response.Content),
	)

	strictReq := *req
	strictReq.Prompt = req.Prompt + "\n\nYour previous answer was not valid. Respond with ONLY a single valid JSON object matching the requested schema. No prose, no markdown fences."

	response, err = service.GenerateContent(ctx, &strictReq)
	if err != nil {
		return err
	}

	if decodeErr = decodeStructured(response.Content, out); decodeErr != nil {
		return models.NewValidationError("LLM", "model output failed schema validation").WithCause(decodeErr)
	}
	return nil
}

func decodeStructured(content string, out interface{}) error {
	payload := extractJSON(content)
	if payload == "" {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decoding response JSON: %w", err)
	}
	if v, ok := out.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// extractJSON pulls the first JSON object out of model text, tolerating
// markdown fences and surrounding prose.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return trimmed[start : i+1]
				}
			}
		}
	}
	return ""
}

func (service *LLMService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := service.client.Models.GenerateContent(checkCtx, service.config.Model, genai.Text("ping"), nil)
	if err != nil {
		return models.NewServiceError("LLM", "health check failed").WithCause(err)
	}
	if len(result.Candidates) == 0 {
		return models.NewServiceError("LLM", "health check returned no candidates")
	}
	return nil
}

func (service *LLMService) Close() error {
	return nil
}
