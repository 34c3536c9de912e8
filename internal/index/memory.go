package index

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/parchment-ai/parchment/internal/log"
)

// Memory is an in-process index backed by chromem-go, used by tests and
// local mode. It mirrors the Postgres semantics: cosine similarity plus 1.0
// scoring, closed year range and dataset glob filtering, deduplication by
// document ID across indices.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
	logger      log.Logger
}

// NewMemory creates an empty in-memory index.
func NewMemory(logger log.Logger) *Memory {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Memory{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}
}

// noEmbed satisfies chromem's collection constructor. Documents always
// arrive with precomputed embeddings, so it must never run.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("collection requires precomputed embeddings")
}

// CreateIndex creates an empty collection for the given index name.
func (m *Memory) CreateIndex(_ context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, "*?[") {
		return fmt.Errorf("%w: invalid index name %q", ErrBadRequest, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return nil
	}
	col, err := m.db.CreateCollection(name, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("%w: create collection %q: %v", ErrUnknown, name, err)
	}
	m.collections[name] = col
	return nil
}

// Upsert stores a document chunk under the given index, creating the index
// on first use.
func (m *Memory) Upsert(ctx context.Context, indexName string, doc Document, embedding []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document ID", ErrBadRequest)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding for document %q", ErrBadRequest, doc.ID)
	}
	if err := m.CreateIndex(ctx, indexName); err != nil {
		return err
	}

	m.mu.RLock()
	col := m.collections[indexName]
	m.mu.RUnlock()

	err := col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			"title":   doc.Title,
			"url":     doc.URL,
			"year":    strconv.Itoa(doc.Year),
			"dataset": doc.Dataset,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: add document %q: %v", ErrUnknown, doc.ID, err)
	}
	return nil
}

// Get fetches a document chunk by exact index name and ID.
func (m *Memory) Get(ctx context.Context, indexName, id string) (Document, error) {
	m.mu.RLock()
	col, ok := m.collections[indexName]
	m.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: index %q", ErrNotFound, indexName)
	}

	stored, err := col.GetByID(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("%w: document %q in %q", ErrNotFound, id, indexName)
	}
	return documentFromStored(stored), nil
}

// Search performs filtered k-NN search across index patterns.
func (m *Memory) Search(ctx context.Context, vector []float32, indices []string, filter *Filter, k int) ([]Hit, error) {
	if err := validateSearch(vector, indices, k); err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := make(map[string]*chromem.Collection)
	for name, col := range m.collections {
		for _, pattern := range indices {
			ok, err := path.Match(pattern, name)
			if err != nil {
				m.mu.RUnlock()
				return nil, fmt.Errorf("%w: invalid index pattern %q: %v", ErrBadRequest, pattern, err)
			}
			if ok {
				matched[name] = col
				break
			}
		}
	}
	m.mu.RUnlock()

	var hits []Hit
	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		col := matched[name]
		n := col.Count()
		if n == 0 {
			continue
		}
		// Year and dataset filters apply after the vector query, so fetch
		// every candidate rather than just k.
		results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: query %q: %v", ErrTimeout, name, err)
			}
			return nil, fmt.Errorf("%w: query %q: %v", ErrUnknown, name, err)
		}
		for _, r := range results {
			doc := documentFromResult(r)
			if !matchFilter(filter, doc) {
				continue
			}
			hits = append(hits, Hit{
				ID:    r.ID,
				Index: name,
				Score: float64(r.Similarity) + 1.0,
				Source: Source{
					Content: doc.Content,
					Title:   doc.Title,
					URL:     doc.URL,
					Year:    doc.Year,
					Dataset: doc.Dataset,
				},
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	hits = dedupeHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matchFilter(filter *Filter, doc Document) bool {
	if filter == nil {
		return true
	}
	if filter.MinYear != nil && doc.Year < *filter.MinYear {
		return false
	}
	if filter.MaxYear != nil && doc.Year > *filter.MaxYear {
		return false
	}
	return matchDataset(filter.DatasetPattern, doc.Dataset)
}

func documentFromStored(d chromem.Document) Document {
	year, _ := strconv.Atoi(d.Metadata["year"])
	return Document{
		ID:      d.ID,
		Content: d.Content,
		Title:   d.Metadata["title"],
		URL:     d.Metadata["url"],
		Year:    year,
		Dataset: d.Metadata["dataset"],
	}
}

func documentFromResult(r chromem.Result) Document {
	year, _ := strconv.Atoi(r.Metadata["year"])
	return Document{
		ID:      r.ID,
		Content: r.Content,
		Title:   r.Metadata["title"],
		URL:     r.Metadata["url"],
		Year:    year,
		Dataset: r.Metadata["dataset"],
	}
}
