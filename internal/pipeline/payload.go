package pipeline

import (
	"github.com/google/uuid"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/llm"
)

// Job types of the three chat stages.
const (
	JobTypeRetrieve = "chat.retrieve"
	JobTypeGenerate = "chat.generate"
	JobTypePersist  = "chat.persist"
)

// Per-stage attempt caps. Retrieval and persistence fail fast; the LLM
// stage tolerates longer provider hiccups.
const (
	RetrieveMaxAttempts = 5
	GenerateMaxAttempts = 10
	PersistMaxAttempts  = 3
)

// turnRef identifies the turn a stage job belongs to. It rides along in
// every stage payload so each stage can address the Task row directly.
type turnRef struct {
	ResultUUID     uuid.UUID `json:"result_uuid"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Input          string    `json:"input"`
}

// retrievePayload starts the chain.
type retrievePayload struct {
	turnRef
}

// generatePayload carries Stage A's output into Stage B.
type generatePayload struct {
	turnRef
	Prompt     string                `json:"prompt"`
	References []assembler.Reference `json:"references"`
	Pruned     bool                  `json:"pruned"`
}

// persistPayload carries Stage B's output into Stage C. The completion is
// persisted verbatim; nothing is recomputed downstream.
type persistPayload struct {
	turnRef
	References []assembler.Reference `json:"references"`
	Pruned     bool                  `json:"pruned"`
	Completion completionPayload     `json:"completion"`
}

type completionPayload struct {
	Text         string            `json:"text"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	Cost         float64           `json:"cost"`
	Headers      map[string]string `json:"headers"`
}

func toCompletionPayload(c *llm.Completion) completionPayload {
	return completionPayload{
		Text:         c.Text,
		Model:        c.Model,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Cost:         c.Cost,
		Headers:      c.Headers,
	}
}

func (p completionPayload) toCompletion() *llm.Completion {
	return &llm.Completion{
		Text:         p.Text,
		Model:        p.Model,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		Cost:         p.Cost,
		Headers:      p.Headers,
	}
}
