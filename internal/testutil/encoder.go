package testutil

import (
	"strings"
	"sync"
)

// WordEncoder is a deterministic tokens.Encoder for tests: every
// whitespace-separated word counts as exactly one token. It avoids the
// BPE rank download the production tiktoken encoder performs.
//
// Thread-safe for concurrent use.
type WordEncoder struct {
	mu    sync.Mutex
	words []string
	ids   map[string]int
}

// NewWordEncoder creates an empty WordEncoder.
func NewWordEncoder() *WordEncoder {
	return &WordEncoder{ids: make(map[string]int)}
}

// Encode implements tokens.Encoder.
func (e *WordEncoder) Encode(text string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := e.ids[w]
		if !ok {
			id = len(e.words)
			e.ids[w] = id
			e.words = append(e.words, w)
		}
		out = append(out, id)
	}
	return out
}

// Decode implements tokens.Encoder.
func (e *WordEncoder) Decode(ids []int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		words = append(words, e.words[id])
	}
	return strings.Join(words, " ")
}

// CountTokens implements tokens.Encoder.
func (e *WordEncoder) CountTokens(text string) int {
	return len(strings.Fields(text))
}
