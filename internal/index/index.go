// Package index provides the retrieval index client: filtered k-nearest-neighbor
// search over document chunks with year and dataset metadata.
//
// Two implementations share the same semantics: Postgres (pgvector, production)
// and Memory (chromem-go, tests and local mode). Callers depend on the Searcher
// interface and on the closed set of error kinds; transport-level errors never
// cross the package boundary.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds exposed to callers. Every error returned by an implementation
// wraps exactly one of these, so the pipeline can classify failures with
// errors.Is without knowing the transport.
var (
	// ErrNotFound indicates a missing index or document.
	ErrNotFound = errors.New("index: not found")

	// ErrTimeout indicates the search exceeded its deadline.
	ErrTimeout = errors.New("index: timeout")

	// ErrAuth indicates the index rejected the client's credentials.
	ErrAuth = errors.New("index: authentication failed")

	// ErrConnection indicates the index could not be reached.
	ErrConnection = errors.New("index: connection failed")

	// ErrBadRequest indicates a malformed search request.
	ErrBadRequest = errors.New("index: bad request")

	// ErrUnknown covers everything the other kinds do not.
	ErrUnknown = errors.New("index: unknown error")
)

// Source holds the metadata of a retrieved document chunk.
type Source struct {
	Content string `json:"content"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Year    int    `json:"year"`
	Dataset string `json:"dataset"`
}

// Hit is a single retrieval result. Score is cosine similarity plus a 1.0
// offset so it stays non-negative; results are ordered by descending Score
// with ties broken by index insertion order, stable per query.
type Hit struct {
	ID     string  `json:"id"`
	Index  string  `json:"index"`
	Score  float64 `json:"score"`
	Source Source  `json:"source"`
}

// Filter constrains a search. Nil year bounds mean unbounded on that side;
// the year range is closed. DatasetPattern uses glob-style wildcards matched
// against each document's dataset field; empty means no dataset constraint.
type Filter struct {
	MinYear        *int
	MaxYear        *int
	DatasetPattern string
}

// Document is a chunk held in the index, written during ingestion.
type Document struct {
	ID      string
	Content string
	Title   string
	URL     string
	Year    int
	Dataset string
}

// Searcher performs filtered k-NN search across one or more indices.
// Implementations must deduplicate by document ID across indices, keeping
// the highest-scoring occurrence.
type Searcher interface {
	Search(ctx context.Context, vector []float32, indices []string, filter *Filter, k int) ([]Hit, error)
}

// Writer covers the index-side operations ingestion needs.
type Writer interface {
	CreateIndex(ctx context.Context, name string) error
	Upsert(ctx context.Context, indexName string, doc Document, embedding []float32) error
	Get(ctx context.Context, indexName, id string) (Document, error)
}

// DefaultSearchTimeout bounds a single search round trip when the caller's
// context carries no deadline.
const DefaultSearchTimeout = 10 * time.Second

func validateSearch(vector []float32, indices []string, k int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty query vector", ErrBadRequest)
	}
	if len(indices) == 0 {
		return fmt.Errorf("%w: no indices to search", ErrBadRequest)
	}
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrBadRequest, k)
	}
	return nil
}

// dedupeHits keeps the first (highest-ranked) hit per document ID,
// preserving order. Hits must already be sorted.
func dedupeHits(hits []Hit) []Hit {
	seen := make(map[string]struct{}, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}
