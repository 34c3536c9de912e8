package llm

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitGenerator calls a model through a configured genkit instance.
type GenkitGenerator struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitGenerator creates a Generator bound to a fully-qualified model
// name, e.g. "googleai/gemini-2.5-flash".
func NewGenkitGenerator(g *genkit.Genkit, model string) *GenkitGenerator {
	return &GenkitGenerator{g: g, model: model}
}

func (gg *GenkitGenerator) Generate(ctx context.Context, msgs []*ai.Message) (*ai.ModelResponse, error) {
	return genkit.Generate(ctx, gg.g,
		ai.WithModelName(gg.model),
		ai.WithMessages(msgs...),
	)
}
