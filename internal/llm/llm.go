// Package llm wraps the model provider behind a small chat contract: full
// replayed history in, accepted completion with token counts and cost out.
//
// Only natural-stop completions are accepted. Filtered completions and
// responses with no usable candidate surface as fatal errors that the
// pipeline must not retry; transient provider failures are recognizable
// through Retryable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/parchment-ai/parchment/internal/log"
)

var (
	// ErrContentFiltered indicates the provider blocked the completion.
	// Fatal: retrying the same prompt yields the same block.
	ErrContentFiltered = errors.New("llm: completion filtered by provider")

	// ErrUnexpected indicates the provider returned no usable candidate.
	// Fatal: this is an internal-consistency fault, not a transient error.
	ErrUnexpected = errors.New("llm: no usable completion in response")
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the replayed conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completion is an accepted model response. Cost is computed here and
// nowhere else; downstream layers persist it without recomputation.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Headers      map[string]string
}

// Pricing holds per-token USD prices. It is the single source of truth for
// turn cost.
type Pricing struct {
	InputTokenPrice  float64
	OutputTokenPrice float64
}

// Cost computes the monetary cost of a completion.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputTokenPrice + float64(outputTokens)*p.OutputTokenPrice
}

// Generator produces a raw model response for a message list. The genkit
// implementation lives in this package; tests substitute their own.
type Generator interface {
	Generate(ctx context.Context, msgs []*ai.Message) (*ai.ModelResponse, error)
}

// Client is the chat-facing LLM client. It rate-limits proactively, bounds
// each call with a timeout, and normalizes provider responses into
// Completions.
//
// Client is safe for concurrent use.
type Client struct {
	gen     Generator
	model   string
	pricing Pricing
	limiter *rate.Limiter
	timeout time.Duration
	logger  log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit installs a proactive request limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// New creates a Client for the given model and pricing.
func New(gen Generator, model string, pricing Pricing, logger log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Client{
		gen:     gen,
		model:   model,
		pricing: pricing,
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends the full message history to the provider and returns the
// accepted completion. The history is replayed as-is; no summarization
// happens on this side.
func (c *Client) Chat(ctx context.Context, msgs []Message) (*Completion, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty message list", ErrUnexpected)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.gen.Generate(callCtx, toGenkitMessages(msgs))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	completion, err := c.accept(resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("chat completed",
		"model", completion.Model,
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens,
		"elapsed", time.Since(start))
	return completion, nil
}

// accept validates the provider response and converts it to a Completion.
func (c *Client) accept(resp *ai.ModelResponse) (*Completion, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrUnexpected)
	}

	switch resp.FinishReason {
	case ai.FinishReasonStop:
		// Natural stop is the only accepted outcome.
	case ai.FinishReasonBlocked:
		return nil, ErrContentFiltered
	default:
		return nil, fmt.Errorf("%w: finish reason %q", ErrUnexpected, resp.FinishReason)
	}

	if resp.Message == nil {
		return nil, fmt.Errorf("%w: response has no message", ErrUnexpected)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", ErrUnexpected)
	}

	var inputTokens, outputTokens int
	if resp.Usage != nil {
		inputTokens = resp.Usage.InputTokens
		outputTokens = resp.Usage.OutputTokens
	}

	return &Completion{
		Text:         text,
		Model:        c.model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c.pricing.Cost(inputTokens, outputTokens),
		Headers:      extractHeaders(resp),
	}, nil
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		part := ai.NewTextPart(m.Content)
		switch m.Role {
		case RoleSystem:
			out = append(out, ai.NewSystemMessage(part))
		case RoleAssistant:
			out = append(out, ai.NewModelMessage(part))
		default:
			out = append(out, ai.NewUserMessage(part))
		}
	}
	return out
}

// extractHeaders pulls rate-limit metadata out of the provider-specific
// response payload when the plugin surfaces it. Providers that expose
// nothing yield an empty map, never nil.
func extractHeaders(resp *ai.ModelResponse) map[string]string {
	headers := make(map[string]string)
	custom, ok := resp.Custom.(map[string]any)
	if !ok {
		return headers
	}
	raw, ok := custom["headers"].(map[string]any)
	if !ok {
		return headers
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}
