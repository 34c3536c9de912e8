// Package vectorizer embeds text into fixed-length vectors.
//
// The underlying embedding model is expensive to open (plugin
// initialization, and for local models a one-time artifact download), so
// the handle is loaded lazily and shared read-only afterwards. Only a
// successful load is cached; a failed load is retried by the next call,
// so a transient failure during the first open does not pin the process
// in a broken state. A file lock serializes the first-use download
// across processes pointed at the same cache directory.
package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/gofrs/flock"
)

// ErrModelUnavailable indicates the embedding model could not be located
// or loaded. Checked with errors.Is.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Opener produces the embedder handle. It may be slow: it runs at most
// once per Vectorizer, under the cache-directory lock.
type Opener func(ctx context.Context) (ai.Embedder, error)

// Vectorizer turns batches of text into embedding vectors.
// Safe for concurrent use; concurrent first calls share one model load.
type Vectorizer struct {
	open     Opener
	cacheDir string
	logger   *slog.Logger

	mu       sync.Mutex
	embedder ai.Embedder
}

// New creates a Vectorizer. cacheDir hosts the cross-process download
// lock; an empty cacheDir skips file locking. A nil logger falls back to
// slog.Default().
func New(open Opener, cacheDir string, logger *slog.Logger) *Vectorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vectorizer{
		open:     open,
		cacheDir: cacheDir,
		logger:   logger,
	}
}

// Vectorize embeds texts, returning one fixed-dimension vector per input
// in order. Deterministic for a given model version.
func (v *Vectorizer) Vectorize(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embedder, err := v.handle(ctx)
	if err != nil {
		return nil, err
	}

	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding for input %d", i)
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

// handle returns the shared embedder, loading it on first use. The mutex
// makes concurrent first calls share one load attempt; a failed attempt
// caches nothing, so the next call tries again.
func (v *Vectorizer) handle(ctx context.Context) (ai.Embedder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.embedder != nil {
		return v.embedder, nil
	}

	embedder, err := v.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	v.embedder = embedder
	return embedder, nil
}

// load opens the embedder under the cache-directory file lock, so two
// worker processes never race the same one-time artifact download.
func (v *Vectorizer) load(ctx context.Context) (ai.Embedder, error) {
	unlock, err := v.lockCacheDir()
	if err != nil {
		return nil, err
	}
	defer unlock()

	v.logger.Debug("loading embedding model")
	embedder, err := v.open(ctx)
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, errors.New("opener returned nil embedder")
	}
	v.logger.Info("embedding model loaded")
	return embedder, nil
}

func (v *Vectorizer) lockCacheDir() (func(), error) {
	if v.cacheDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(v.cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating model cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(v.cacheDir, ".download.lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking model cache directory: %w", err)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			v.logger.Warn("releasing model cache lock", "error", err)
		}
	}, nil
}
