package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
)

const (
	ProviderModelScope = "modelscope"
	ProviderGemini     = "gemini"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string

	Provider string

	ModelScopeAPIKey         string `masq:"secret"`
	ModelScopeBaseURL        string
	ModelScopeModel          string
	ModelScopeEmbeddingModel string

	GeminiAPIKey         string `masq:"secret"`
	GeminiModel          string
	GeminiEmbeddingModel string

	KnowledgeDir   string
	Temperature    float64
	MaxTokens      int
	EnableThinking bool
}

// envFiles are loaded in order when present; values already in the
// environment win.
var envFiles = []string{".env.server", ".env"}

var AppConfig Config

// LoadConfig reads the environment (and any env files) into AppConfig.
func LoadConfig() (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, goerr.Wrap(err, "failed to load env file", goerr.V("file", f))
		}
	}

	cfg := Config{
		HTTPPort:  getEnv("PORT", "3001"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		Provider: strings.ToLower(getEnv("LLM_PROVIDER", ProviderModelScope)),

		ModelScopeAPIKey:         getEnv("MODELSCOPE_API_KEY", ""),
		ModelScopeBaseURL:        getEnv("MODELSCOPE_BASE_URL", "https://api-inference.modelscope.cn/v1"),
		ModelScopeModel:          getEnv("MODELSCOPE_MODEL", "deepseek-ai/DeepSeek-V3.2"),
		ModelScopeEmbeddingModel: getEnv("MODELSCOPE_EMBEDDING_MODEL", "Qwen/Qwen3-Embedding-8B"),

		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		GeminiEmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),

		KnowledgeDir:   getEnv("KNOWLEDGE_DIR", "data/knowledge"),
		Temperature:    getEnvAsFloat("CHAT_TEMPERATURE", 0.8),
		MaxTokens:      getEnvAsInt("CHAT_MAX_TOKENS", 1000),
		EnableThinking: getEnvAsBool("ENABLE_THINKING", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderModelScope:
		if c.ModelScopeBaseURL == "" {
			return goerr.New("MODELSCOPE_BASE_URL must not be empty")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return goerr.New("GEMINI_API_KEY environment variable is required for the gemini provider")
		}
	default:
		return goerr.New("unknown LLM_PROVIDER", goerr.V("provider", c.Provider))
	}
	if c.MaxTokens <= 0 {
		return goerr.New("CHAT_MAX_TOKENS must be positive", goerr.V("max_tokens", c.MaxTokens))
	}
	return nil
}

// LogAttrs returns the non-secret settings worth logging at startup.
func (c *Config) LogAttrs() []any {
	return []any{
		slog.String("port", c.HTTPPort),
		slog.String("provider", c.Provider),
		slog.String("model", c.chatModel()),
		slog.Bool("default_key_loaded", c.ModelScopeAPIKey != "" || c.GeminiAPIKey != ""),
		slog.String("knowledge_dir", c.KnowledgeDir),
	}
}

func (c *Config) chatModel() string {
	if c.Provider == ProviderGemini {
		return c.GeminiModel
	}
	return c.ModelScopeModel
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
