// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (EMBEDO_* prefix, runtime override)
//  2. Config file (~/.embedo/config.yaml)
//  3. Default values
//
// Sensitive data (API keys, database passwords) are never logged and are
// masked in MarshalJSON. Validation lives in validation.go and uses sentinel
// errors so callers can match with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLM provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Defaults applied when neither the environment nor the config file sets a value.
const (
	// DefaultMaxToolDepth bounds the tool-calling loop per chat turn.
	DefaultMaxToolDepth = 5

	// DefaultEmbeddingDimension matches the vector(768) column in the
	// knowledge_documents migration.
	DefaultEmbeddingDimension = 768

	// DefaultSpecFetchTimeout bounds OpenAPI document fetches.
	DefaultSpecFetchTimeout = 15 * time.Second

	// DefaultProxyTimeout bounds outbound product API calls.
	DefaultProxyTimeout = 30 * time.Second
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// LLM provider and model configuration
	Provider       string `mapstructure:"provider" json:"provider"`     // "gemini" (default), "openai", "ollama"
	ModelName      string `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "gpt-4o", "llama3.3"
	GeminiAPIKey   string `mapstructure:"gemini_api_key" json:"gemini_api_key"`
	OpenAIAPIKey   string `mapstructure:"openai_api_key" json:"openai_api_key"`
	OpenAIBaseURL  string `mapstructure:"openai_base_url" json:"openai_base_url"` // optional OpenAI-compatible gateway
	OllamaHost     string `mapstructure:"ollama_host" json:"ollama_host"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model"`
	EmbeddingDim   int    `mapstructure:"embedding_dimension" json:"embedding_dimension"`

	// Conversation orchestration
	MaxToolDepth     int           `mapstructure:"max_tool_depth" json:"max_tool_depth"`
	SpecFetchTimeout time.Duration `mapstructure:"spec_fetch_timeout" json:"spec_fetch_timeout"`
	ProxyTimeout     time.Duration `mapstructure:"proxy_timeout" json:"proxy_timeout"`

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname" json:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgres_sslmode"`

	// HTTP server
	ServerAddr  string   `mapstructure:"server_addr" json:"server_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Logging
	LogJSON bool `mapstructure:"log_json" json:"log_json"`
	Debug   bool `mapstructure:"debug" json:"debug"`
}

// MarshalJSON masks sensitive fields when the config is serialized
// (e.g. for debug logging).
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(c)
	if masked.GeminiAPIKey != "" {
		masked.GeminiAPIKey = "***"
	}
	if masked.OpenAIAPIKey != "" {
		masked.OpenAIAPIKey = "***"
	}
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	b, err := json.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return b, nil
}

// PostgresURL returns the postgres:// connection URL for pgx and
// golang-migrate.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// Load reads configuration from defaults, the optional config file and
// EMBEDO_* environment variables, then validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EMBEDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir, err := configDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		// Missing config file is fine; defaults + env remain authoritative.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("embedding_model", "")
	v.SetDefault("embedding_dimension", DefaultEmbeddingDimension)

	v.SetDefault("max_tool_depth", DefaultMaxToolDepth)
	v.SetDefault("spec_fetch_timeout", DefaultSpecFetchTimeout)
	v.SetDefault("proxy_timeout", DefaultProxyTimeout)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "embedo")
	v.SetDefault("postgres_dbname", "embedo")
	v.SetDefault("postgres_sslmode", "prefer")

	v.SetDefault("server_addr", "127.0.0.1:3500")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 0)

	v.SetDefault("log_json", false)
	v.SetDefault("debug", false)
}

// configDir returns the directory holding the optional config file,
// creating it with restrictive permissions if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".embedo")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return dir, nil
}
