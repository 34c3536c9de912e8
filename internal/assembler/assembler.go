// Package assembler turns retrieval hits into a token-bounded prompt.
//
// Each hit's content is truncated independently against a per-document token
// budget, joined in retrieval order, and substituted into a prompt template
// together with a missing-context marker and the user's question. Truncation
// works in token space, so multi-byte text is never split mid-codepoint.
package assembler

import (
	"fmt"
	"strings"

	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/log"
	"github.com/parchment-ai/parchment/internal/tokens"
)

// DefaultTemplate is used when no template is configured or the configured
// one has the wrong placeholder count. Placeholders are, in order: context
// block, missing-context marker, user question.
const DefaultTemplate = `Answer the question using only the context below.

Context:
%s

If the context is empty or does not contain the answer, reply exactly with: %s

Question: %s`

// Reference carries a hit's provenance without its content. The reference
// list is what persists alongside a completed turn.
type Reference struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Year     int    `json:"year"`
	Dataset  string `json:"dataset_name"`
}

// Assembly is the output of prompt assembly for one turn.
type Assembly struct {
	Prompt     string
	References []Reference
	Pruned     bool
}

// Assembler builds prompts under a per-document token budget.
type Assembler struct {
	enc           tokens.Encoder
	perDocBudget  int
	template      string
	missingMarker string
	logger        log.Logger
}

// New creates an Assembler. An empty template selects DefaultTemplate.
func New(enc tokens.Encoder, perDocBudget int, template, missingMarker string, logger log.Logger) *Assembler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Assembler{
		enc:           enc,
		perDocBudget:  perDocBudget,
		template:      template,
		missingMarker: missingMarker,
		logger:        logger,
	}
}

// Assemble builds the prompt, references and pruned flag for one user turn.
// Hits with empty content are dropped; every other hit is kept, truncated to
// the per-document budget when necessary. An empty hit list still yields a
// well-formed prompt with an empty context block.
func (a *Assembler) Assemble(input string, hits []index.Hit) Assembly {
	blocks := make([]string, 0, len(hits))
	refs := make([]Reference, 0, len(hits))
	pruned := false

	for _, h := range hits {
		if h.Source.Content == "" {
			continue
		}
		content, wasPruned := tokens.Truncate(a.enc, h.Source.Content, a.perDocBudget)
		if wasPruned {
			pruned = true
			a.logger.Debug("truncated document content",
				"id", h.ID, "budget", a.perDocBudget)
		}
		blocks = append(blocks, content)
		refs = append(refs, Reference{
			SourceID: h.ID,
			Title:    h.Source.Title,
			URL:      h.Source.URL,
			Year:     h.Source.Year,
			Dataset:  h.Source.Dataset,
		})
	}

	context := strings.Join(blocks, "\n\n")
	return Assembly{
		Prompt:     a.render(context, input),
		References: refs,
		Pruned:     pruned,
	}
}

// render substitutes the three template placeholders, falling back to
// DefaultTemplate when the configured template is malformed. A bad template
// never fails a turn.
func (a *Assembler) render(context, question string) string {
	tmpl := a.template
	if !validTemplate(tmpl) {
		if tmpl != "" {
			a.logger.Warn("prompt template has wrong placeholder count, using default")
		}
		tmpl = DefaultTemplate
	}
	return fmt.Sprintf(tmpl, context, a.missingMarker, question)
}

// validTemplate reports whether tmpl contains exactly three %s verbs and no
// other formatting directives. %% escapes a literal percent sign.
func validTemplate(tmpl string) bool {
	verbs := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		if i+1 >= len(tmpl) {
			return false
		}
		switch tmpl[i+1] {
		case 's':
			verbs++
		case '%':
		default:
			return false
		}
		i++
	}
	return verbs == 3
}
