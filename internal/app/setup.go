package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/config"
	"github.com/parchment-ai/parchment/internal/conversation"
	"github.com/parchment-ai/parchment/internal/database"
	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/ingest"
	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/log"
	"github.com/parchment-ai/parchment/internal/observability"
	"github.com/parchment-ai/parchment/internal/pipeline"
	"github.com/parchment-ai/parchment/internal/queue"
	"github.com/parchment-ai/parchment/internal/security"
	"github.com/parchment-ai/parchment/internal/tokens"
	"github.com/parchment-ai/parchment/internal/usage"
	"github.com/parchment-ai/parchment/internal/vectorizer"
)

// Setup builds the application in dependency order. On error everything
// already initialized is released; on success call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	shutdown, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.traceShutdown = shutdown

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Vectorizer = vectorizer.New(provideEmbedderOpener(g, cfg), cfg.ModelCacheDir, logger)

	enc, err := tokens.NewEncoder(cfg.TokenizerEncoding)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %q: %w", cfg.TokenizerEncoding, err)
	}
	a.Encoder = enc

	a.Index = index.NewPostgres(pool, logger, index.WithSearchTimeout(cfg.SearchTimeout))
	a.Datasets = index.NewRegistry(cfg.Datasets)
	a.Assembler = assembler.New(enc, cfg.PerDocumentTokenBudget,
		cfg.PromptTemplate, cfg.MissingContextMarker, logger)

	a.LLM = llm.New(
		llm.NewGenkitGenerator(g, cfg.FullModelName()),
		cfg.FullModelName(),
		llm.Pricing{InputTokenPrice: cfg.PriceInputToken, OutputTokenPrice: cfg.PriceOutputToken},
		logger,
		llm.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		llm.WithTimeout(cfg.LLMTimeout),
	)

	a.Conversations = conversation.NewStore(pool, logger)
	a.Usage = usage.New(pool, cfg.SpendLimit, logger)
	a.Queue = queue.NewStore(pool, logger)

	a.Pipeline = pipeline.New(pipeline.Deps{
		Vectorizer: a.Vectorizer,
		Searcher:   a.Index,
		Datasets:   a.Datasets,
		Assembler:  a.Assembler,
		LLM:        a.LLM,
		Store:      a.Conversations,
		Usage:      a.Usage,
		Jobs:       a.Queue,
		Encoder:    enc,
		Logger:     logger,
	}, pipeline.Config{
		RetrievalK:         cfg.RetrievalK,
		HistoryTokenBudget: cfg.ContextTokenBudget,
	})

	validator := security.NewURLValidator()
	fetcher := ingest.NewFetcher(validator,
		validator.SafeClient(ingest.DefaultFetchTimeout), ingest.DefaultMaxBodyBytes)
	a.Ingestor = ingest.New(fetcher, a.Vectorizer, a.Index, enc,
		cfg.PerDocumentTokenBudget, logger)

	return a, nil
}

// providePool runs migrations, then opens the pgx pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := database.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes genkit with the configured provider plugin.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
	case config.ProviderGemini, config.ProviderGoogleAI, "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	logger.Info("genkit initialized", "provider", cfg.Provider, "model", cfg.ModelName)
	return g, nil
}

// provideEmbedderOpener defers the embedder lookup to first use, so
// commands that never embed avoid touching the provider.
func provideEmbedderOpener(g *genkit.Genkit, cfg *config.Config) vectorizer.Opener {
	return func(context.Context) (ai.Embedder, error) {
		var embedder ai.Embedder
		switch cfg.Provider {
		case config.ProviderOpenAI:
			embedder = genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
		default:
			embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		}
		if embedder == nil {
			return nil, fmt.Errorf("embedder %q not found for provider %q",
				cfg.EmbedderModel, cfg.Provider)
		}
		return embedder, nil
	}
}
