// Package tokens counts and truncates text in model token space.
//
// Truncation always operates on token IDs (encode, slice, decode), never
// on bytes or runes, so multi-byte and diacritic text is never split
// mid-codepoint.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder converts between text and model-specific token IDs.
// Implementations must be safe for concurrent use.
type Encoder interface {
	Encode(text string) []int
	Decode(ids []int) string
	CountTokens(text string) int
}

// bpeEncoder wraps a tiktoken BPE encoding.
type bpeEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e *bpeEncoder) Encode(text string) []int {
	return e.tk.Encode(text, nil, nil)
}

func (e *bpeEncoder) Decode(ids []int) string {
	return e.tk.Decode(ids)
}

func (e *bpeEncoder) CountTokens(text string) int {
	return len(e.tk.Encode(text, nil, nil))
}

// encoderCache holds one Encoder per encoding name. Loading BPE ranks is
// expensive and may download them on first use; the cache guarantees it
// happens once per process, and concurrent callers never re-trigger the
// load.
var encoderCache = struct {
	mu   sync.Mutex
	encs map[string]Encoder
}{encs: make(map[string]Encoder)}

// NewEncoder returns the process-wide Encoder for the named tiktoken
// encoding (e.g. "cl100k_base").
func NewEncoder(encoding string) (Encoder, error) {
	encoderCache.mu.Lock()
	defer encoderCache.mu.Unlock()

	if enc, ok := encoderCache.encs[encoding]; ok {
		return enc, nil
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer encoding %q: %w", encoding, err)
	}

	enc := &bpeEncoder{tk: tk}
	encoderCache.encs[encoding] = enc
	return enc, nil
}

// Truncate bounds text to at most budget tokens. It returns the possibly
// shortened text and whether truncation happened. Text at or below the
// budget is returned unchanged.
func Truncate(enc Encoder, text string, budget int) (string, bool) {
	if budget <= 0 {
		return "", text != ""
	}

	ids := enc.Encode(text)
	if len(ids) <= budget {
		return text, false
	}

	return enc.Decode(ids[:budget]), true
}
