package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and fails fast on the first problem.
// Wrapped sentinel errors allow callers to check categories with errors.Is.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderGoogleAI:
	default:
		return fmt.Errorf("%w: %q (must be one of: gemini, googleai, openai)", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidModelName)
	}

	if c.PriceInputToken < 0 || c.PriceOutputToken < 0 {
		return fmt.Errorf("%w: per-token prices must be non-negative (input=%g output=%g)",
			ErrInvalidPricing, c.PriceInputToken, c.PriceOutputToken)
	}

	if c.SpendLimit < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidSpendLimit, c.SpendLimit)
	}

	if c.ContextTokenBudget < 100 || c.ContextTokenBudget > 1_000_000 {
		return fmt.Errorf("%w: context budget %d out of range [100, 1000000]",
			ErrInvalidTokenBudget, c.ContextTokenBudget)
	}
	if c.PerDocumentTokenBudget < 1 || c.PerDocumentTokenBudget > c.ContextTokenBudget {
		return fmt.Errorf("%w: per-document budget %d out of range [1, %d]",
			ErrInvalidTokenBudget, c.PerDocumentTokenBudget, c.ContextTokenBudget)
	}

	if c.RetrievalK < 1 || c.RetrievalK > MaxRetrievalK {
		return fmt.Errorf("%w: %d out of range [1, %d]", ErrInvalidRetrievalK, c.RetrievalK, MaxRetrievalK)
	}

	if c.WorkerCount < 1 || c.WorkerCount > 64 {
		return fmt.Errorf("%w: %d out of range [1, 64]", ErrInvalidWorkerCount, c.WorkerCount)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgres)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: sslmode %q", ErrInvalidPostgres, c.PostgresSSLMode)
	}

	return nil
}
