// Package testutil provides shared testing utilities for the parchment
// project: a deterministic mock embedder, a word-level token encoder, a
// quiet logger, and a pgvector Postgres testcontainer helper.
package testutil

import (
	"io"
	"log/slog"
)

// Logger returns a logger that only emits warnings and above, keeping
// test output quiet while still surfacing real problems.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
