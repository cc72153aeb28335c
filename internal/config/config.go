package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"nexus-assistant/internal/memory"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongo    = "mongodb"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config contains all runtime settings for the assistant. Both the Lambda and
// the HTTP server read it once at startup.
type Config struct {
	StoreBackend    string
	DatabaseURL     string
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
	StateTable      string
	LLMProvider     string
	ParamPrefix     string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OpenAIBaseURL   string
	ReplyModel      string
	JudgeModel      string

	ReplyTimeout       time.Duration
	JudgeTimeout       time.Duration
	HistoryLimit       int
	MemoryLimit        int
	RecencyWindow      time.Duration
	MinMemoryLength    int
	ScoreWeights       memory.Weights
	ReaffirmBoost      float64
	MaxMessageLength   int
	StoreRetryAttempts int
	AssistantName      string

	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         slog.Level
}

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		StoreBackend:     strings.ToLower(envOrDefault("STORE_BACKEND", BackendSQLite)),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		SQLitePath:       envOrDefault("SQLITE_PATH", "nexus.db"),
		MongoURI:         stringsTrimSpace("MONGODB_URI"),
		MongoDatabase:    envOrDefault("MONGODB_DATABASE", "nexus"),
		StateTable:       stringsTrimSpace("STATE_TABLE"),
		LLMProvider:      strings.ToLower(envOrDefault("LLM_PROVIDER", ProviderOpenAI)),
		ParamPrefix:      strings.TrimRight(stringsTrimSpace("PARAM_PREFIX"), "/"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		AnthropicAPIKey:  stringsTrimSpace("ANTHROPIC_API_KEY"),
		OpenAIBaseURL:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ReplyModel:       stringsTrimSpace("REPLY_MODEL"),
		JudgeModel:       stringsTrimSpace("JUDGE_MODEL"),
		ReplyTimeout:     30 * time.Second,
		JudgeTimeout:     20 * time.Second,
		HistoryLimit:     15,
		MemoryLimit:      5,
		RecencyWindow:    memory.DefaultRecencyWindow,
		MinMemoryLength:  10,
		ScoreWeights:     memory.DefaultWeights,
		ReaffirmBoost:    0.1,
		MaxMessageLength: 4000,

		StoreRetryAttempts: 3,
		AssistantName:      envOrDefault("ASSISTANT_NAME", "Nexus"),
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "nexus"),
		LogLevel:           slog.LevelInfo,
	}

	var err error
	if cfg.ReplyTimeout, err = durationFromEnv("REPLY_TIMEOUT", cfg.ReplyTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JudgeTimeout, err = durationFromEnv("JUDGE_TIMEOUT", cfg.JudgeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit, err = intFromEnv("HISTORY_LIMIT", cfg.HistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.MemoryLimit, err = intFromEnv("MEMORY_LIMIT", cfg.MemoryLimit); err != nil {
		return Config{}, err
	}
	days, err := intFromEnv("RECENCY_WINDOW_DAYS", int(cfg.RecencyWindow/(24*time.Hour)))
	if err != nil {
		return Config{}, err
	}
	cfg.RecencyWindow = time.Duration(days) * 24 * time.Hour
	if cfg.MinMemoryLength, err = intFromEnv("MIN_MEMORY_LENGTH", cfg.MinMemoryLength); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageLength, err = intFromEnv("MAX_MESSAGE_LENGTH", cfg.MaxMessageLength); err != nil {
		return Config{}, err
	}
	if cfg.StoreRetryAttempts, err = intFromEnv("STORE_RETRY_ATTEMPTS", cfg.StoreRetryAttempts); err != nil {
		return Config{}, err
	}
	if cfg.ReaffirmBoost, err = floatFromEnv("REAFFIRM_BOOST", cfg.ReaffirmBoost); err != nil {
		return Config{}, err
	}
	if cfg.ScoreWeights, err = weightsFromEnv("SCORE_WEIGHTS", cfg.ScoreWeights); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", cfg.LogLevel); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", BackendPostgres)
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when STORE_BACKEND=%s", BackendMongo)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, sqlite, mongodb (got %q)", c.StoreBackend)
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.ParamPrefix == "" && c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY or PARAM_PREFIX is required")
		}
	case ProviderAnthropic:
		if c.ParamPrefix == "" && c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY or PARAM_PREFIX is required")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or anthropic (got %q)", c.LLMProvider)
	}

	if c.ReplyTimeout <= 0 || c.JudgeTimeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT and JUDGE_TIMEOUT must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("MEMORY_LIMIT must be positive")
	}
	if c.RecencyWindow <= 0 {
		return fmt.Errorf("RECENCY_WINDOW_DAYS must be positive")
	}
	if c.MinMemoryLength < 0 {
		return fmt.Errorf("MIN_MEMORY_LENGTH must be >= 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	if c.StoreRetryAttempts <= 0 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be positive")
	}
	if c.ReaffirmBoost < 0 {
		return fmt.Errorf("REAFFIRM_BOOST must be >= 0")
	}
	return nil
}

// TokenParameter is the SSM parameter holding the configured provider's API
// token, relative to ParamPrefix.
func (c Config) TokenParameter() string {
	if c.LLMProvider == ProviderAnthropic {
		return "anthropic-token"
	}
	return "open-ai-token"
}

// APIKey is the directly configured key of the selected provider.
func (c Config) APIKey() string {
	if c.LLMProvider == ProviderAnthropic {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

// weightsFromEnv parses "score,useCount,recency".
func weightsFromEnv(key string, fallback memory.Weights) (memory.Weights, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return memory.Weights{}, fmt.Errorf("%s parse error: expected score,useCount,recency", key)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return memory.Weights{}, fmt.Errorf("%s parse error: %w", key, err)
		}
		if f < 0 {
			return memory.Weights{}, fmt.Errorf("%s parse error: weights must be >= 0", key)
		}
		vals[i] = f
	}
	return memory.Weights{Score: vals[0], UseCount: vals[1], Recency: vals[2]}, nil
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s parse error: %w", key, err)
	}
	return lvl, nil
}
