// Package config provides application configuration with multi-source
// priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables
//  2. Config file (~/.parchment/config.yaml)
//  3. Default values
//
// The loaded *Config value is injected into components; nothing reads
// viper at runtime. Defaults act as the fallback table, the file and
// environment override them, and Validate() fails fast on nonsense.
//
// Security: passwords are masked in MarshalJSON/String; the config
// directory uses 0750 permissions.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is.
var (
	// ErrInvalidProvider indicates the LLM provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidPricing indicates a negative per-token price.
	ErrInvalidPricing = errors.New("invalid pricing")

	// ErrInvalidTokenBudget indicates a token budget outside the allowed range.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidRetrievalK indicates the retrieval result count is out of range.
	ErrInvalidRetrievalK = errors.New("invalid retrieval k")

	// ErrInvalidSpendLimit indicates a negative spend limit.
	ErrInvalidSpendLimit = errors.New("invalid spend limit")

	// ErrInvalidWorkerCount indicates the worker pool size is out of range.
	ErrInvalidWorkerCount = errors.New("invalid worker count")

	// ErrInvalidPostgres indicates the PostgreSQL connection settings are invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")
)

// LLM provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

const (
	// DefaultContextTokenBudget bounds the assembled context block.
	DefaultContextTokenBudget = 3000

	// DefaultPerDocumentTokenBudget bounds each retrieved passage.
	DefaultPerDocumentTokenBudget = 1000

	// DefaultRetrievalK is the default number of nearest neighbours fetched.
	DefaultRetrievalK = 5

	// MaxRetrievalK caps k to keep prompt assembly bounded.
	MaxRetrievalK = 100

	// DefaultSpendLimit is the global per-user cost ceiling in USD,
	// applied when an account carries no custom limit.
	DefaultSpendLimit = 0.5
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked explicitly in MarshalJSON.
type Config struct {
	// LLM provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Pricing, USD per token. Copied verbatim into persisted turns so
	// historical costs stay stable under price changes.
	PriceInputToken  float64 `mapstructure:"price_input_token" json:"price_input_token"`
	PriceOutputToken float64 `mapstructure:"price_output_token" json:"price_output_token"`

	// Usage accounting
	SpendLimit float64 `mapstructure:"spend_limit" json:"spend_limit"`

	// Prompt assembly
	ContextTokenBudget     int    `mapstructure:"context_token_budget" json:"context_token_budget"`
	PerDocumentTokenBudget int    `mapstructure:"per_document_token_budget" json:"per_document_token_budget"`
	RetrievalK             int    `mapstructure:"retrieval_k" json:"retrieval_k"`
	TokenizerEncoding      string `mapstructure:"tokenizer_encoding" json:"tokenizer_encoding"`
	PromptTemplate         string `mapstructure:"prompt_template" json:"prompt_template"`
	MissingContextMarker   string `mapstructure:"missing_context_marker" json:"missing_context_marker"`

	// Vectorizer model artifact cache (download lock lives here)
	ModelCacheDir string `mapstructure:"model_cache_dir" json:"model_cache_dir"`

	// Datasets maps dataset names to index name patterns. A conversation's
	// dataset selector resolves against these names to pick the indices
	// searched during retrieval.
	Datasets map[string]string `mapstructure:"datasets" json:"datasets"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Worker pool
	WorkerCount       int           `mapstructure:"worker_count" json:"worker_count"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval" json:"queue_poll_interval"`

	// Per-call timeouts. There is deliberately no whole-chain timeout.
	SearchTimeout time.Duration `mapstructure:"search_timeout" json:"search_timeout"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout" json:"llm_timeout"`

	// Client-side rate limiting of provider calls
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Tracing (see internal/observability)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parchment")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes priority over individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(configDir string) {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", "gemini-embedding-001")

	// Pricing defaults match gemini-2.5-flash list prices (USD/token).
	viper.SetDefault("price_input_token", 0.0000003)
	viper.SetDefault("price_output_token", 0.0000025)

	viper.SetDefault("spend_limit", DefaultSpendLimit)

	viper.SetDefault("context_token_budget", DefaultContextTokenBudget)
	viper.SetDefault("per_document_token_budget", DefaultPerDocumentTokenBudget)
	viper.SetDefault("retrieval_k", DefaultRetrievalK)
	viper.SetDefault("tokenizer_encoding", "cl100k_base")
	viper.SetDefault("missing_context_marker", "No relevant passages were found in the corpus.")

	viper.SetDefault("model_cache_dir", filepath.Join(configDir, "models"))

	viper.SetDefault("datasets", map[string]string{"default": "default"})

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "parchment")
	viper.SetDefault("postgres_password", "parchment_dev_password")
	viper.SetDefault("postgres_db_name", "parchment")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("worker_count", 4)
	viper.SetDefault("queue_poll_interval", 500*time.Millisecond)

	viper.SetDefault("search_timeout", 10*time.Second)
	viper.SetDefault("llm_timeout", 120*time.Second)

	viper.SetDefault("rate_limit_rps", 10.0)
	viper.SetDefault("rate_limit_burst", 30)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.service_name", "parchment")
	viper.SetDefault("tracing.environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY and OPENAI_API_KEY are read directly by the provider
// plugins, not through viper; Validate checks their presence.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "PARCHMENT_PROVIDER")
	mustBind("model_name", "PARCHMENT_MODEL_NAME")
	mustBind("embedder_model", "PARCHMENT_EMBEDDER_MODEL")
	mustBind("spend_limit", "PARCHMENT_SPEND_LIMIT")
	mustBind("worker_count", "PARCHMENT_WORKER_COUNT")
	mustBind("tracing.enabled", "PARCHMENT_TRACING_ENABLED")
	mustBind("tracing.endpoint", "PARCHMENT_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debug
// utility. This defends against accidental logging, nothing stronger.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// FullModelName returns the provider-qualified model name.
// Example: "googleai/gemini-2.5-flash". A name already containing "/"
// is returned as-is.
func (c *Config) FullModelName() string {
	return qualifyModel(c.Provider, c.ModelName)
}

// FullEmbedderModel returns the provider-qualified embedder model name.
func (c *Config) FullEmbedderModel() string {
	return qualifyModel(c.Provider, c.EmbedderModel)
}

func qualifyModel(provider, model string) string {
	for i := 0; i < len(model); i++ {
		if model[i] == '/' {
			return model
		}
	}
	switch provider {
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + model
	default:
		return ProviderGoogleAI + "/" + model
	}
}
