package ingest

import (
	"strings"

	"github.com/parchment-ai/parchment/internal/tokens"
)

// DefaultChunkTokens is the token budget per stored chunk.
const DefaultChunkTokens = 1000

// chunkText splits extracted text into chunks of at most budget tokens.
// Paragraphs stay together when they fit; a paragraph larger than the
// whole budget is split on token boundaries. Paragraph boundaries are
// blank lines as produced by extraction.
func chunkText(text string, enc tokens.Encoder, budget int) []string {
	if budget <= 0 {
		budget = DefaultChunkTokens
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			current = current[:0]
			currentTokens = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := enc.CountTokens(para)

		if n > budget {
			flush()
			chunks = append(chunks, splitByTokens(para, enc, budget)...)
			continue
		}
		if currentTokens+n > budget {
			flush()
		}
		current = append(current, para)
		currentTokens += n
	}
	flush()
	return chunks
}

// splitByTokens cuts one oversized paragraph into budget-sized pieces on
// token boundaries.
func splitByTokens(text string, enc tokens.Encoder, budget int) []string {
	ids := enc.Encode(text)
	var out []string
	for start := 0; start < len(ids); start += budget {
		end := start + budget
		if end > len(ids) {
			end = len(ids)
		}
		piece := strings.TrimSpace(enc.Decode(ids[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
