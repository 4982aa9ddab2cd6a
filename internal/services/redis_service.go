package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// RedisService persists case state snapshots and publishes step events
// to a per-case stream so external consumers can follow progress.
type RedisService struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	service := &RedisService{
		client: redis.NewClient(opt),
		logger: log,
		config: cfg,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Redis service initialized",
		"pool_size", cfg.PoolSize,
		"state_ttl", cfg.StateTTL.String(),
	)

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return service.client.Ping(ctx).Err()
}

// PublishEvent appends a pipeline event to the case's stream. Streams
// are capped so abandoned cases cannot grow unbounded.
func (service *RedisService) PublishEvent(ctx context.Context, event *models.PipelineEvent) error {
	streamName := fmt.Sprintf("case:%s:events", event.CaseID)

	values := map[string]interface{}{
		"type":      string(event.Type),
		"case_id":   event.CaseID,
		"timestamp": event.Timestamp.Format(time.RFC3339),
	}
	if event.Message != "" {
		values["message"] = event.Message
	}
	if event.Code != "" {
		values["code"] = string(event.Code)
	}
	if event.Step != nil {
		stepJSON, err := json.Marshal(event.Step)
		if err == nil {
			values["step"] = string(stepJSON)
		} else {
			service.logger.WithError(err).Warn("failed to marshal step for event stream")
		}
	}
	if event.Report != nil {
		reportJSON, err := json.Marshal(event.Report)
		if err == nil {
			values["report"] = string(reportJSON)
		} else {
			service.logger.WithError(err).Warn("failed to marshal report for event stream")
		}
	}

	err := service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: service.config.StreamMaxLen,
		Approx: true,
	}).Err()
	if err != nil {
		service.logger.LogService("redis", "publish_event", 0, map[string]interface{}{
			"stream": streamName,
			"type":   string(event.Type),
		}, err)
		return models.NewServiceError("REDIS", "failed to publish pipeline event").WithCause(err)
	}
	return nil
}

// StoreCaseState snapshots the full agent state with a TTL.
func (service *RedisService) StoreCaseState(ctx context.Context, state *models.AgentState) error {
	key := fmt.Sprintf("case:%s:state", state.CaseID)

	payload, err := json.Marshal(state)
	if err != nil {
		return models.NewInternalError("REDIS", "failed to marshal case state").WithCause(err)
	}

	if err := service.client.Set(ctx, key, payload, service.config.StateTTL).Err(); err != nil {
		service.logger.LogService("redis", "store_case_state", 0, map[string]interface{}{
			"case_id": state.CaseID,
		}, err)
		return models.NewServiceError("REDIS", "failed to store case state").WithCause(err)
	}
	return nil
}

func (service *RedisService) GetCaseState(ctx context.Context, caseID string) (*models.AgentState, error) {
	key := fmt.Sprintf("case:%s:state", caseID)

	payload, err := service.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, models.NewNotFoundError("REDIS", "case not found").WithMetadata("case_id", caseID)
	}
	if err != nil {
		return nil, models.NewServiceError("REDIS", "failed to read case state").WithCause(err)
	}

	var state models.AgentState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, models.NewInternalError("REDIS", "failed to decode case state").WithCause(err)
	}
	return &state, nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return models.NewServiceError("REDIS", "health check failed").WithCause(err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("closing Redis service")
	return service.client.Close()
}
