package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cds-agent/internal/pkg/logger"
)

type Config struct {
	Environment string

	HTTP       HTTPConfig
	Log        logger.Config
	Redis      RedisConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Guidelines GuidelineConfig
	DrugAPI    DrugAPIConfig
	Agent      AgentConfig
}

type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

type RedisConfig struct {
	URL          string
	Enabled      bool
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	StateTTL     time.Duration
	StreamMaxLen int64
}

type LLMConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type EmbeddingConfig struct {
	BaseURL   string
	Model     string
	Timeout   time.Duration
	CacheSize int
}

type GuidelineConfig struct {
	CorpusPath         string
	EmbeddingCachePath string
	TopK               int
	MinSimilarity      float64
}

type DrugAPIConfig struct {
	RxNormBaseURL      string
	OpenFDABaseURL     string
	OpenFDAAPIKey      string
	Timeout            time.Duration
	MaxTries           int
	MinReportThreshold int
}

type AgentConfig struct {
	CaseTimeout    time.Duration
	StepTimeout    time.Duration
	MaxActiveCases int
}

// Load reads the environment, with .env as a convenience overlay.
// A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Log: logger.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/cds-agent.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			StateTTL:     getEnvDuration("REDIS_STATE_TTL", 24*time.Hour),
			StreamMaxLen: int64(getEnvInt("REDIS_STREAM_MAX_LEN", 1000)),
		},
		LLM: LLMConfig{
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxTokens:   int32(getEnvInt("GEMINI_MAX_TOKENS", 4096)),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", 0.2),
			Timeout:     getEnvDuration("GEMINI_TIMEOUT", 45*time.Second),
			MaxRetries:  getEnvInt("GEMINI_MAX_RETRIES", 3),
			RetryDelay:  getEnvDuration("GEMINI_RETRY_DELAY", 2*time.Second),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   getEnv("EMBEDDING_BASE_URL", "http://localhost:11434"),
			Model:     getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			Timeout:   getEnvDuration("EMBEDDING_TIMEOUT", 20*time.Second),
			CacheSize: getEnvInt("EMBEDDING_CACHE_SIZE", 256),
		},
		Guidelines: GuidelineConfig{
			CorpusPath:         getEnv("GUIDELINE_CORPUS_PATH", "data/clinical_guidelines.json"),
			EmbeddingCachePath: getEnv("GUIDELINE_EMBEDDING_CACHE_PATH", "data/guideline_embeddings.json"),
			TopK:               getEnvInt("GUIDELINE_TOP_K", 5),
			MinSimilarity:      getEnvFloat("GUIDELINE_MIN_SIMILARITY", 0.35),
		},
		DrugAPI: DrugAPIConfig{
			RxNormBaseURL:      getEnv("RXNORM_BASE_URL", "https://rxnav.nlm.nih.gov/REST"),
			OpenFDABaseURL:     getEnv("OPENFDA_BASE_URL", "https://api.fda.gov"),
			OpenFDAAPIKey:      getEnv("OPENFDA_API_KEY", ""),
			Timeout:            getEnvDuration("DRUG_API_TIMEOUT", 10*time.Second),
			MaxTries:           getEnvInt("DRUG_API_MAX_TRIES", 3),
			MinReportThreshold: getEnvInt("DRUG_API_MIN_REPORT_THRESHOLD", 100),
		},
		Agent: AgentConfig{
			CaseTimeout:    getEnvDuration("AGENT_CASE_TIMEOUT", 3*time.Minute),
			StepTimeout:    getEnvDuration("AGENT_STEP_TIMEOUT", 60*time.Second),
			MaxActiveCases: getEnvInt("AGENT_MAX_ACTIVE_CASES", 50),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_ENABLED is set but REDIS_URL is empty")
	}
	if c.Guidelines.TopK <= 0 {
		return fmt.Errorf("GUIDELINE_TOP_K must be positive")
	}
	if c.Guidelines.MinSimilarity < 0 || c.Guidelines.MinSimilarity > 1 {
		return fmt.Errorf("GUIDELINE_MIN_SIMILARITY must be in [0, 1]")
	}
	if c.Agent.CaseTimeout <= 0 {
		return fmt.Errorf("AGENT_CASE_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
