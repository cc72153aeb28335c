package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus-assistant/internal/memory"
)

func TestLoadDefaults(t *testing.T) {
	setEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, BackendSQLite, cfg.StoreBackend)
	require.Equal(t, "nexus.db", cfg.SQLitePath)
	require.Equal(t, "nexus", cfg.MongoDatabase)
	require.Equal(t, ProviderOpenAI, cfg.LLMProvider)
	require.Equal(t, "https://api.openai.com/v1", cfg.OpenAIBaseURL)
	require.Equal(t, 30*time.Second, cfg.ReplyTimeout)
	require.Equal(t, 20*time.Second, cfg.JudgeTimeout)
	require.Equal(t, 15, cfg.HistoryLimit)
	require.Equal(t, 5, cfg.MemoryLimit)
	require.Equal(t, 7*24*time.Hour, cfg.RecencyWindow)
	require.Equal(t, 10, cfg.MinMemoryLength)
	require.Equal(t, memory.DefaultWeights, cfg.ScoreWeights)
	require.Equal(t, 0.1, cfg.ReaffirmBoost)
	require.Equal(t, 4000, cfg.MaxMessageLength)
	require.Equal(t, 3, cfg.StoreRetryAttempts)
	require.Equal(t, "Nexus", cfg.AssistantName)
	require.Equal(t, ":8080", cfg.BindAddr)
	require.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, "nexus", cfg.MetricsNamespace)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "sk-test", cfg.APIKey())
	require.Equal(t, "open-ai-token", cfg.TokenParameter())
}

func TestLoadOverrides(t *testing.T) {
	setEnvEmpty(t)
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/nexus")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("PARAM_PREFIX", "/nexus/prod/")
	t.Setenv("REPLY_TIMEOUT", "5s")
	t.Setenv("RECENCY_WINDOW_DAYS", "3")
	t.Setenv("SCORE_WEIGHTS", "0.5, 0.3, 0.2")
	t.Setenv("REAFFIRM_BOOST", "0.25")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.StoreBackend)
	require.Equal(t, "/nexus/prod", cfg.ParamPrefix)
	require.Equal(t, 5*time.Second, cfg.ReplyTimeout)
	require.Equal(t, 72*time.Hour, cfg.RecencyWindow)
	require.Equal(t, memory.Weights{Score: 0.5, UseCount: 0.3, Recency: 0.2}, cfg.ScoreWeights)
	require.Equal(t, 0.25, cfg.ReaffirmBoost)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, "anthropic-token", cfg.TokenParameter())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"STORE_BACKEND": "redis"}},
		{name: "postgres without dsn", env: map[string]string{"STORE_BACKEND": "postgres"}},
		{name: "mongo without uri", env: map[string]string{"STORE_BACKEND": "mongodb"}},
		{name: "unknown provider", env: map[string]string{"LLM_PROVIDER": "gemini"}},
		{name: "missing key", env: map[string]string{"OPENAI_API_KEY": ""}},
		{name: "bad duration", env: map[string]string{"REPLY_TIMEOUT": "soon"}},
		{name: "bad int", env: map[string]string{"HISTORY_LIMIT": "many"}},
		{name: "zero memory limit", env: map[string]string{"MEMORY_LIMIT": "0"}},
		{name: "weights arity", env: map[string]string{"SCORE_WEIGHTS": "0.7,0.3"}},
		{name: "negative weight", env: map[string]string{"SCORE_WEIGHTS": "0.7,-0.2,0.1"}},
		{name: "negative boost", env: map[string]string{"REAFFIRM_BOOST": "-1"}},
		{name: "bad level", env: map[string]string{"LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvEmpty(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func setEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"STORE_BACKEND",
		"DATABASE_URL",
		"SQLITE_PATH",
		"MONGODB_URI",
		"MONGODB_DATABASE",
		"STATE_TABLE",
		"LLM_PROVIDER",
		"PARAM_PREFIX",
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
		"OPENAI_BASE_URL",
		"REPLY_MODEL",
		"JUDGE_MODEL",
		"REPLY_TIMEOUT",
		"JUDGE_TIMEOUT",
		"HISTORY_LIMIT",
		"MEMORY_LIMIT",
		"RECENCY_WINDOW_DAYS",
		"MIN_MEMORY_LENGTH",
		"SCORE_WEIGHTS",
		"REAFFIRM_BOOST",
		"MAX_MESSAGE_LENGTH",
		"STORE_RETRY_ATTEMPTS",
		"ASSISTANT_NAME",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"LOG_LEVEL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
