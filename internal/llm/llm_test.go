package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/parchment-ai/parchment/internal/testutil"
)

// fakeGenerator returns canned responses and records the messages it saw.
type fakeGenerator struct {
	resp  *ai.ModelResponse
	err   error
	calls int
	msgs  []*ai.Message
}

func (f *fakeGenerator) Generate(_ context.Context, msgs []*ai.Message) (*ai.ModelResponse, error) {
	f.calls++
	f.msgs = msgs
	return f.resp, f.err
}

func stopResponse(text string, in, out int) *ai.ModelResponse {
	return &ai.ModelResponse{
		Message:      ai.NewModelMessage(ai.NewTextPart(text)),
		FinishReason: ai.FinishReasonStop,
		Usage:        &ai.GenerationUsage{InputTokens: in, OutputTokens: out},
	}
}

func newClient(gen Generator, opts ...Option) *Client {
	pricing := Pricing{InputTokenPrice: 0.001, OutputTokenPrice: 0.002}
	return New(gen, "test-model", pricing, testutil.Logger(), opts...)
}

func TestChatAcceptsNaturalStop(t *testing.T) {
	gen := &fakeGenerator{resp: stopResponse("the answer", 100, 50)}
	c := newClient(gen)

	got, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got.Text != "the answer" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Model != "test-model" {
		t.Errorf("Model = %q", got.Model)
	}
	if got.InputTokens != 100 || got.OutputTokens != 50 {
		t.Errorf("tokens = (%d, %d), want (100, 50)", got.InputTokens, got.OutputTokens)
	}
	wantCost := 100*0.001 + 50*0.002
	if got.Cost != wantCost {
		t.Errorf("Cost = %f, want %f", got.Cost, wantCost)
	}
	if got.Headers == nil {
		t.Error("Headers must never be nil")
	}
}

func TestChatReplaysHistoryInOrder(t *testing.T) {
	gen := &fakeGenerator{resp: stopResponse("ok", 1, 1)}
	c := newClient(gen)

	msgs := []Message{
		{Role: RoleSystem, Content: "you are helpful"},
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
		{Role: RoleUser, Content: "second question"},
	}
	if _, err := c.Chat(context.Background(), msgs); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if len(gen.msgs) != 4 {
		t.Fatalf("sent %d messages, want 4", len(gen.msgs))
	}
	wantRoles := []ai.Role{ai.RoleSystem, ai.RoleUser, ai.RoleModel, ai.RoleUser}
	for i, want := range wantRoles {
		if gen.msgs[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, gen.msgs[i].Role, want)
		}
	}
}

func TestChatRejectsFilteredCompletion(t *testing.T) {
	gen := &fakeGenerator{resp: &ai.ModelResponse{
		Message:      ai.NewModelMessage(ai.NewTextPart("partial")),
		FinishReason: ai.FinishReasonBlocked,
	}}
	c := newClient(gen)

	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("error = %v, want ErrContentFiltered", err)
	}
	if Retryable(err) {
		t.Error("filtered completion must not be retryable")
	}
}

func TestChatRejectsUnusableResponses(t *testing.T) {
	tests := []struct {
		name string
		resp *ai.ModelResponse
	}{
		{"nil response", nil},
		{"no message", &ai.ModelResponse{FinishReason: ai.FinishReasonStop}},
		{"empty text", &ai.ModelResponse{
			Message:      ai.NewModelMessage(ai.NewTextPart("")),
			FinishReason: ai.FinishReasonStop,
		}},
		{"length stop", stopResponseWithReason("cut off", ai.FinishReasonLength)},
		{"unknown stop", stopResponseWithReason("x", ai.FinishReasonUnknown)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&fakeGenerator{resp: tt.resp})
			_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
			if !errors.Is(err, ErrUnexpected) {
				t.Errorf("error = %v, want ErrUnexpected", err)
			}
			if Retryable(err) {
				t.Error("consistency faults must not be retryable")
			}
		})
	}
}

func stopResponseWithReason(text string, reason ai.FinishReason) *ai.ModelResponse {
	return &ai.ModelResponse{
		Message:      ai.NewModelMessage(ai.NewTextPart(text)),
		FinishReason: reason,
	}
}

func TestChatEmptyMessageList(t *testing.T) {
	c := newClient(&fakeGenerator{resp: stopResponse("x", 1, 1)})
	if _, err := c.Chat(context.Background(), nil); !errors.Is(err, ErrUnexpected) {
		t.Errorf("error = %v, want ErrUnexpected", err)
	}
}

func TestChatPropagatesProviderError(t *testing.T) {
	provider := errors.New("googleapi: Error 429: quota exceeded")
	c := newClient(&fakeGenerator{err: provider})

	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Error("429 provider error should be retryable")
	}
}

func TestChatRespectsRateLimiter(t *testing.T) {
	gen := &fakeGenerator{resp: stopResponse("ok", 1, 1)}
	c := newClient(gen, WithRateLimit(1000, 1))

	ctx := context.Background()
	start := time.Now()
	for range 3 {
		if _, err := c.Chat(ctx, []Message{{Role: RoleUser, Content: "q"}}); err != nil {
			t.Fatalf("Chat() error: %v", err)
		}
	}
	// Burst 1 at 1000 rps forces roughly 1ms between calls.
	if elapsed := time.Since(start); elapsed < 1*time.Millisecond {
		t.Errorf("limiter did not pace calls, elapsed %v", elapsed)
	}
	if gen.calls != 3 {
		t.Errorf("calls = %d, want 3", gen.calls)
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputTokenPrice: 0.0000003, OutputTokenPrice: 0.0000025}
	tests := []struct {
		in, out int
		want    float64
	}{
		{0, 0, 0},
		{1000, 0, 0.0003},
		{0, 1000, 0.0025},
		{1000, 1000, 0.0028},
	}
	for _, tt := range tests {
		got := p.Cost(tt.in, tt.out)
		if diff := got - tt.want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("Cost(%d, %d) = %g, want %g", tt.in, tt.out, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"503", errors.New("503 Service Unavailable"), true},
		{"overloaded", errors.New("model is overloaded"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"auth", errors.New("API key not valid"), false},
		{"unauthenticated", errors.New("rpc error: unauthenticated"), false},
		{"permission", errors.New("403 permission denied"), false},
		{"not found", errors.New("model not found"), false},
		{"bad request", errors.New("400 invalid argument"), false},
		{"content filtered", ErrContentFiltered, false},
		{"unexpected", ErrUnexpected, false},
		{"unclassified", errors.New("something odd"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExtractHeaders(t *testing.T) {
	resp := stopResponse("ok", 1, 1)
	resp.Custom = map[string]any{
		"headers": map[string]any{
			"x-ratelimit-remaining": "42",
			"retry-after":           "1",
			"ignored":               7,
		},
	}
	got := extractHeaders(resp)
	if got["x-ratelimit-remaining"] != "42" || got["retry-after"] != "1" {
		t.Errorf("headers = %v", got)
	}
	if _, ok := got["ignored"]; ok {
		t.Error("non-string header values must be dropped")
	}
}
