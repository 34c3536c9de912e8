package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxBodyBytes caps a fetched document at 10MB.
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// DefaultFetchTimeout bounds one fetch round trip.
const DefaultFetchTimeout = 30 * time.Second

// URLValidator approves a URL before it is fetched.
// *security.URLValidator implements it.
type URLValidator interface {
	Validate(rawURL string) error
}

// Page is a fetched document before extraction.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher downloads source documents over HTTP with URL validation and a
// response size cap.
type Fetcher struct {
	validator URLValidator
	client    *http.Client
	maxBody   int64
}

// NewFetcher creates a Fetcher. A nil client falls back to
// http.DefaultClient; production wiring passes the validator's SafeClient
// so dial-time address checks stay on.
func NewFetcher(validator URLValidator, client *http.Client, maxBody int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Fetcher{validator: validator, client: client, maxBody: maxBody}
}

// Fetch downloads one document. Non-2xx statuses are errors; a body past
// the size cap is rejected rather than silently truncated.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if err := f.validator.Validate(rawURL); err != nil {
		return Page{}, fmt.Errorf("validate %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "parchment-ingest/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBody {
		return Page{}, fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, f.maxBody)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return Page{
		URL:         rawURL,
		ContentType: strings.TrimSpace(strings.ToLower(contentType)),
		Body:        body,
	}, nil
}
