package index

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/parchment-ai/parchment/internal/log"
)

// Querier is the subset of pgxpool.Pool the Postgres index depends on.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres searches document chunks stored in a shared pgvector-backed table.
// Index names partition the table; scores are cosine similarity plus 1.0.
//
// Postgres is safe for concurrent use.
type Postgres struct {
	db      Querier
	logger  log.Logger
	timeout time.Duration
}

// PostgresOption configures a Postgres index client.
type PostgresOption func(*Postgres)

// WithSearchTimeout overrides the per-search deadline applied when the
// caller's context has none.
func WithSearchTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPostgres creates a Postgres index client.
func NewPostgres(db Querier, logger log.Logger, opts ...PostgresOption) *Postgres {
	if logger == nil {
		logger = log.NewNop()
	}
	p := &Postgres{db: db, logger: logger, timeout: DefaultSearchTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// maxSearchLimit caps how many candidate rows a single search fetches before
// deduplication, regardless of k and the number of index patterns.
const maxSearchLimit = 1000

// Search performs filtered k-NN search across the given index patterns.
// Results are ordered by descending score with stable tie-break on row
// fetch order, deduplicated by document ID, and truncated to k.
func (p *Postgres) Search(ctx context.Context, vector []float32, indices []string, filter *Filter, k int) ([]Hit, error) {
	if err := validateSearch(vector, indices, k); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	likes := make([]string, len(indices))
	for i, pattern := range indices {
		likes[i] = globToLike(pattern)
	}

	var minYear, maxYear *int
	datasetLike := ""
	if filter != nil {
		minYear, maxYear = filter.MinYear, filter.MaxYear
		if filter.DatasetPattern != "" {
			datasetLike = globToLike(filter.DatasetPattern)
		}
	}

	// Duplicates across indices shrink the result set, so fetch extra
	// candidates before deduplicating.
	limit := k * len(indices)
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	embedding := pgvector.NewVector(vector)
	rows, err := p.db.Query(ctx, `
		SELECT id, index_name, content, title, url, COALESCE(year, 0), dataset,
		       2.0 - (embedding <=> $1) AS score
		FROM documents
		WHERE index_name LIKE ANY($2)
		  AND ($3::int IS NULL OR year >= $3)
		  AND ($4::int IS NULL OR year <= $4)
		  AND ($5 = '' OR dataset LIKE $5)
		ORDER BY embedding <=> $1, index_name, id
		LIMIT $6`,
		embedding, likes, minYear, maxYear, datasetLike, limit)
	if err != nil {
		return nil, classify("search documents", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Index, &h.Source.Content, &h.Source.Title,
			&h.Source.URL, &h.Source.Year, &h.Source.Dataset, &h.Score); err != nil {
			return nil, classify("scan search row", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read search rows", err)
	}

	hits = dedupeHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}

	p.logger.Debug("index search completed",
		"indices", indices, "k", k, "hits", len(hits))
	return hits, nil
}

// CreateIndex validates the index name. Indices are a namespace column in a
// shared table, so creation is implicit on first upsert.
func (*Postgres) CreateIndex(_ context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, "*?[") {
		return fmt.Errorf("%w: invalid index name %q", ErrBadRequest, name)
	}
	return nil
}

// Upsert inserts or replaces a document chunk and its embedding.
func (p *Postgres) Upsert(ctx context.Context, indexName string, doc Document, embedding []float32) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document ID", ErrBadRequest)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding for document %q", ErrBadRequest, doc.ID)
	}

	var year *int
	if doc.Year != 0 {
		year = &doc.Year
	}
	vec := pgvector.NewVector(embedding)
	_, err := p.db.Exec(ctx, `
		INSERT INTO documents (index_name, id, content, title, url, year, dataset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (index_name, id) DO UPDATE SET
			content = EXCLUDED.content,
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			year = EXCLUDED.year,
			dataset = EXCLUDED.dataset,
			embedding = EXCLUDED.embedding`,
		indexName, doc.ID, doc.Content, doc.Title, doc.URL, year, doc.Dataset, vec)
	if err != nil {
		return classify(fmt.Sprintf("upsert document %q", doc.ID), err)
	}
	return nil
}

// Get fetches a document chunk by exact index name and ID.
func (p *Postgres) Get(ctx context.Context, indexName, id string) (Document, error) {
	var doc Document
	err := p.db.QueryRow(ctx, `
		SELECT id, content, title, url, COALESCE(year, 0), dataset
		FROM documents
		WHERE index_name = $1 AND id = $2`,
		indexName, id).Scan(&doc.ID, &doc.Content, &doc.Title, &doc.URL, &doc.Year, &doc.Dataset)
	if err != nil {
		return Document{}, classify(fmt.Sprintf("get document %q", id), err)
	}
	return doc, nil
}

// globToLike converts path.Match-style wildcards to a SQL LIKE pattern.
// LIKE metacharacters in the input are escaped so literals stay literal.
func globToLike(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// classify maps a storage error to one of the package error kinds. The
// original error text is preserved but the pgx error chain is not.
func classify(op string, err error) error {
	var kind error
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		kind = ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	default:
		var pgErr *pgconn.PgError
		var netErr net.Error
		switch {
		case errors.As(err, &pgErr):
			kind = classifyPgCode(pgErr.Code)
		case errors.As(err, &netErr) && netErr.Timeout():
			kind = ErrTimeout
		case errors.As(err, &netErr):
			kind = ErrConnection
		default:
			kind = ErrUnknown
		}
	}
	return fmt.Errorf("%w: %s: %v", kind, op, err)
}

func classifyPgCode(code string) error {
	switch {
	case strings.HasPrefix(code, "28"): // invalid_authorization_specification
		return ErrAuth
	case strings.HasPrefix(code, "08"): // connection_exception
		return ErrConnection
	case code == "57014": // query_canceled
		return ErrTimeout
	case code == "42P01": // undefined_table
		return ErrNotFound
	case strings.HasPrefix(code, "22") || strings.HasPrefix(code, "42"):
		return ErrBadRequest
	default:
		return ErrUnknown
	}
}
