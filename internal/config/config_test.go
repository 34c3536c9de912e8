package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes Validate.
func validConfig() Config {
	return Config{
		Provider:               ProviderGemini,
		ModelName:              "gemini-2.5-flash",
		EmbedderModel:          "gemini-embedding-001",
		PriceInputToken:        0.0000003,
		PriceOutputToken:       0.0000025,
		SpendLimit:             DefaultSpendLimit,
		ContextTokenBudget:     DefaultContextTokenBudget,
		PerDocumentTokenBudget: DefaultPerDocumentTokenBudget,
		RetrievalK:             DefaultRetrievalK,
		TokenizerEncoding:      "cl100k_base",
		PostgresHost:           "localhost",
		PostgresPort:           5432,
		PostgresUser:           "parchment",
		PostgresPassword:       "secret",
		PostgresDBName:         "parchment",
		PostgresSSLMode:        "disable",
		WorkerCount:            4,
		QueuePollInterval:      500 * time.Millisecond,
		SearchTimeout:          10 * time.Second,
		LLMTimeout:             2 * time.Minute,
	}
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"bad provider", func(c *Config) { c.Provider = "anthropic-direct" }, ErrInvalidProvider},
		{"empty model", func(c *Config) { c.ModelName = "  " }, ErrInvalidModelName},
		{"empty embedder", func(c *Config) { c.EmbedderModel = "" }, ErrInvalidModelName},
		{"negative input price", func(c *Config) { c.PriceInputToken = -1 }, ErrInvalidPricing},
		{"negative output price", func(c *Config) { c.PriceOutputToken = -0.1 }, ErrInvalidPricing},
		{"negative spend limit", func(c *Config) { c.SpendLimit = -0.5 }, ErrInvalidSpendLimit},
		{"tiny context budget", func(c *Config) { c.ContextTokenBudget = 10 }, ErrInvalidTokenBudget},
		{"per-doc budget above context", func(c *Config) { c.PerDocumentTokenBudget = c.ContextTokenBudget + 1 }, ErrInvalidTokenBudget},
		{"zero k", func(c *Config) { c.RetrievalK = 0 }, ErrInvalidRetrievalK},
		{"huge k", func(c *Config) { c.RetrievalK = MaxRetrievalK + 1 }, ErrInvalidRetrievalK},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }, ErrInvalidWorkerCount},
		{"empty pg host", func(c *Config) { c.PostgresHost = "" }, ErrInvalidPostgres},
		{"bad pg port", func(c *Config) { c.PostgresPort = 0 }, ErrInvalidPostgres},
		{"bad sslmode", func(c *Config) { c.PostgresSSLMode = "maybe" }, ErrInvalidPostgres},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want errors.Is(%v)", err, tt.wantErr)
			}
		})
	}
}

func TestMarshalJSONMasksPassword(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresPassword = "super-secret-password"

	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	if strings.Contains(string(data), "super-secret-password") {
		t.Error("password leaked into marshalled config")
	}
}

func TestStringMasksShortPassword(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresPassword = "hunter2"

	if strings.Contains(cfg.String(), "hunter2") {
		t.Error("short password leaked into String()")
	}
}

func TestPostgresConnectionStringQuotesPassword(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresPassword = "pass word='x'"

	dsn := cfg.PostgresConnectionString()
	if !strings.Contains(dsn, `password='pass word=\'x\''`) {
		t.Errorf("password not quoted in DSN: %s", dsn)
	}
}

func TestFullModelName(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{ProviderGemini, "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{ProviderOpenAI, "gpt-4o", "openai/gpt-4o"},
		{ProviderGemini, "custom/model", "custom/model"},
	}
	for _, tt := range tests {
		c := Config{Provider: tt.provider, ModelName: tt.model}
		if got := c.FullModelName(); got != tt.want {
			t.Errorf("FullModelName(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}
