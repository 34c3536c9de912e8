// Package app assembles the application: configuration, database pool,
// model provider, retrieval index, stores, and the turn pipeline. Setup
// builds everything in dependency order; Close releases in reverse.
package app

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/config"
	"github.com/parchment-ai/parchment/internal/conversation"
	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/ingest"
	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/log"
	"github.com/parchment-ai/parchment/internal/pipeline"
	"github.com/parchment-ai/parchment/internal/queue"
	"github.com/parchment-ai/parchment/internal/tokens"
	"github.com/parchment-ai/parchment/internal/usage"
	"github.com/parchment-ai/parchment/internal/vectorizer"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool   *pgxpool.Pool
	Genkit *genkit.Genkit

	Vectorizer    *vectorizer.Vectorizer
	Encoder       tokens.Encoder
	Index         *index.Postgres
	Datasets      *index.Registry
	Assembler     *assembler.Assembler
	LLM           *llm.Client
	Conversations *conversation.Store
	Usage         *usage.Accountant
	Queue         *queue.Store
	Pipeline      *pipeline.Pipeline
	Ingestor      *ingest.Ingestor

	traceShutdown func(context.Context) error
}

// NewWorker builds a queue worker with the pipeline's stage handlers
// registered, sized from configuration.
func (a *App) NewWorker() *queue.Worker {
	w := queue.NewWorker(a.Queue, a.Config.WorkerCount, a.Config.QueuePollInterval, a.Logger)
	a.Pipeline.Register(w)
	return w
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.traceShutdown(ctx); err != nil {
			a.Logger.Warn("tracer shutdown", "error", err)
		}
	}
	return nil
}
