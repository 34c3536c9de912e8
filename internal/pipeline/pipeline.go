// Package pipeline orchestrates the three-stage chat turn chain:
// retrieve-and-assemble, LLM call, persist. Each stage is a durable queue
// job with its own retry policy; stage N's output travels to stage N+1
// inside the job payload, so a crash between stages loses nothing.
//
// The per-turn Task row mirrors the chain's progress. A stage that fails
// terminally records its error on the Task and halts the chain; later
// stages never run. Retrying a failed turn means submitting a new one.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/conversation"
	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/log"
	"github.com/parchment-ai/parchment/internal/queue"
	"github.com/parchment-ai/parchment/internal/tokens"
	"github.com/parchment-ai/parchment/internal/usage"
)

// ErrRejected signals a turn was refused before any task was created.
var ErrRejected = errors.New("pipeline: turn rejected")

// Vectorizer embeds query text.
type Vectorizer interface {
	Vectorize(ctx context.Context, texts []string) ([][]float32, error)
}

// Chatter invokes the model with the full replayed history.
type Chatter interface {
	Chat(ctx context.Context, msgs []llm.Message) (*llm.Completion, error)
}

// Store is the conversation persistence surface the pipeline drives.
// *conversation.Store implements it.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	CreateTurn(ctx context.Context, conversationID uuid.UUID, input string) (conversation.QueryResult, error)
	GetTask(ctx context.Context, resultUUID uuid.UUID) (conversation.Task, error)
	MarkStarted(ctx context.Context, resultUUID uuid.UUID) error
	MarkFailure(ctx context.Context, resultUUID uuid.UUID, message string) error
	CompleteTurn(ctx context.Context, resultUUID uuid.UUID, completion *llm.Completion, refs []assembler.Reference, pruned bool) error
	Replay(ctx context.Context, conversationID uuid.UUID) ([]llm.Message, error)
}

// Spender is the admission check. *usage.Accountant implements it.
type Spender interface {
	CanSpend(ctx context.Context, userID string) (bool, error)
}

// Enqueuer inserts durable jobs. *queue.Store implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (uuid.UUID, error)
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Vectorizer Vectorizer
	Searcher   index.Searcher
	Datasets   *index.Registry
	Assembler  *assembler.Assembler
	LLM        Chatter
	Store      Store
	Usage      Spender
	Jobs       Enqueuer
	Encoder    tokens.Encoder
	Logger     log.Logger
}

// Config tunes the pipeline.
type Config struct {
	// RetrievalK is how many hits Stage A asks the index for.
	RetrievalK int
	// HistoryTokenBudget bounds the replayed history handed to the model.
	// Oldest turns are dropped first; the system prompt and the new user
	// turn always survive.
	HistoryTokenBudget int
}

// Pipeline wires the stages together and exposes turn submission.
type Pipeline struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
	logger log.Logger
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = log.NewNop()
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = 5
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer("parchment/pipeline"),
		logger: deps.Logger,
	}
}

// Register installs the three stage handlers on a worker.
func (p *Pipeline) Register(w *queue.Worker) {
	w.Register(JobTypeRetrieve, queue.HandlerFunc(p.handleRetrieve))
	w.Register(JobTypeGenerate, queue.HandlerFunc(p.handleGenerate))
	w.Register(JobTypePersist, queue.HandlerFunc(p.handlePersist))
}

// SubmitTurn admits a new chat turn: the spending check runs first and a
// rejection is synchronous, before any QueryResult or Task exists. On
// success the pending turn is persisted and Stage A is enqueued.
func (p *Pipeline) SubmitTurn(ctx context.Context, conversationID uuid.UUID, userID, input string) (conversation.QueryResult, error) {
	if input == "" {
		return conversation.QueryResult{}, fmt.Errorf("%w: empty input", ErrRejected)
	}

	conv, err := p.deps.Store.Get(ctx, conversationID)
	if err != nil {
		return conversation.QueryResult{}, err
	}
	if conv.UserID != userID {
		return conversation.QueryResult{}, fmt.Errorf("%w: conversation %s", conversation.ErrNotFound, conversationID)
	}

	// Fails closed: an errored check rejects the turn.
	ok, err := p.deps.Usage.CanSpend(ctx, userID)
	if err != nil {
		return conversation.QueryResult{}, fmt.Errorf("admission check: %w", err)
	}
	if !ok {
		return conversation.QueryResult{}, fmt.Errorf("%w: %s", usage.ErrLimitExceeded, userID)
	}

	qr, err := p.deps.Store.CreateTurn(ctx, conversationID, input)
	if err != nil {
		return conversation.QueryResult{}, err
	}

	payload, err := json.Marshal(retrievePayload{turnRef: turnRef{
		ResultUUID:     qr.UUID,
		ConversationID: conversationID,
		UserID:         userID,
		Input:          input,
	}})
	if err != nil {
		return conversation.QueryResult{}, fmt.Errorf("marshal stage payload: %w", err)
	}

	if _, err := p.deps.Jobs.Enqueue(ctx, queue.Job{
		Type:        JobTypeRetrieve,
		Payload:     payload,
		MaxAttempts: RetrieveMaxAttempts,
	}); err != nil {
		p.recordFailure(ctx, qr.UUID, err)
		return conversation.QueryResult{}, fmt.Errorf("enqueue retrieve stage: %w", err)
	}

	p.logger.Info("turn submitted",
		"turn", qr.UUID, "conversation", conversationID, "user", userID)
	return qr, nil
}

// Await polls the turn's task until it reaches a terminal state.
func (p *Pipeline) Await(ctx context.Context, resultUUID uuid.UUID, poll time.Duration) (conversation.Task, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		task, err := p.deps.Store.GetTask(ctx, resultUUID)
		if err != nil {
			return conversation.Task{}, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// finishAttempt translates a stage error into its queue and Task effects.
// Only a terminal failure (fatal error or last attempt) marks the Task
// FAILURE; earlier attempts leave it untouched so a later retry can still
// succeed.
func (p *Pipeline) finishAttempt(ctx context.Context, span trace.Span, job *queue.Job, resultUUID uuid.UUID, err error) error {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if queue.IsFatal(err) || job.Attempts+1 >= job.MaxAttempts {
		p.recordFailure(ctx, resultUUID, err)
	}
	return err
}

func (p *Pipeline) recordFailure(ctx context.Context, resultUUID uuid.UUID, cause error) {
	err := p.deps.Store.MarkFailure(ctx, resultUUID, cause.Error())
	if err != nil && !errors.Is(err, conversation.ErrTerminalState) {
		p.logger.Error("failed to record task failure",
			"turn", resultUUID, "cause", cause, "error", err)
	}
}

// handleRetrieve is Stage A: vectorize, search, assemble, hand off to
// Stage B. Transient vectorizer and index errors retry; a malformed
// request or unknown dataset cannot heal and fails fatally.
func (p *Pipeline) handleRetrieve(ctx context.Context, job *queue.Job) error {
	var payload retrievePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("parse retrieve payload: %w", err))
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.retrieve",
		trace.WithAttributes(attribute.String("turn", payload.ResultUUID.String())))
	defer span.End()

	return p.finishAttempt(ctx, span, job, payload.ResultUUID, p.retrieve(ctx, payload))
}

func (p *Pipeline) retrieve(ctx context.Context, payload retrievePayload) error {
	conv, err := p.deps.Store.Get(ctx, payload.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	vectors, err := p.deps.Vectorizer.Vectorize(ctx, []string{payload.Input})
	if err != nil {
		return fmt.Errorf("vectorize input: %w", err)
	}

	patterns, err := p.deps.Datasets.Resolve(conv.Dataset)
	if err != nil {
		// Unknown or malformed dataset selectors cannot heal on retry.
		return queue.Fatal(fmt.Errorf("resolve dataset %q: %w", conv.Dataset, err))
	}

	filter := &index.Filter{MinYear: conv.MinYear, MaxYear: conv.MaxYear}
	hits, err := p.deps.Searcher.Search(ctx, vectors[0], patterns, filter, p.cfg.RetrievalK)
	if err != nil {
		if errors.Is(err, index.ErrBadRequest) {
			return queue.Fatal(fmt.Errorf("search: %w", err))
		}
		return fmt.Errorf("search: %w", err)
	}

	asm := p.deps.Assembler.Assemble(payload.Input, hits)

	next, err := json.Marshal(generatePayload{
		turnRef:    payload.turnRef,
		Prompt:     asm.Prompt,
		References: asm.References,
		Pruned:     asm.Pruned,
	})
	if err != nil {
		return queue.Fatal(fmt.Errorf("marshal generate payload: %w", err))
	}
	if _, err := p.deps.Jobs.Enqueue(ctx, queue.Job{
		Type:        JobTypeGenerate,
		Payload:     next,
		MaxAttempts: GenerateMaxAttempts,
	}); err != nil {
		return fmt.Errorf("enqueue generate stage: %w", err)
	}

	p.logger.Debug("retrieve stage done",
		"turn", payload.ResultUUID, "hits", len(hits), "pruned", asm.Pruned)
	return nil
}

// handleGenerate is Stage B: mark STARTED, replay history, call the model,
// hand off to Stage C. Only the transient provider error set retries;
// content filtering, consistency faults and the fatal provider kinds fail
// the turn on the first attempt.
func (p *Pipeline) handleGenerate(ctx context.Context, job *queue.Job) error {
	var payload generatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("parse generate payload: %w", err))
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.generate",
		trace.WithAttributes(attribute.String("turn", payload.ResultUUID.String())))
	defer span.End()

	return p.finishAttempt(ctx, span, job, payload.ResultUUID, p.generate(ctx, payload))
}

func (p *Pipeline) generate(ctx context.Context, payload generatePayload) error {
	if err := p.deps.Store.MarkStarted(ctx, payload.ResultUUID); err != nil {
		// A terminal task means the chain already concluded elsewhere.
		if errors.Is(err, conversation.ErrTerminalState) || errors.Is(err, conversation.ErrNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	history, err := p.deps.Store.Replay(ctx, payload.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	msgs := append(history, llm.Message{Role: llm.RoleUser, Content: payload.Prompt})
	msgs = truncateHistory(msgs, p.deps.Encoder, p.cfg.HistoryTokenBudget)

	completion, err := p.deps.LLM.Chat(ctx, msgs)
	if err != nil {
		if !llm.Retryable(err) {
			return queue.Fatal(fmt.Errorf("chat: %w", err))
		}
		return fmt.Errorf("chat: %w", err)
	}

	next, err := json.Marshal(persistPayload{
		turnRef:    payload.turnRef,
		References: payload.References,
		Pruned:     payload.Pruned,
		Completion: toCompletionPayload(completion),
	})
	if err != nil {
		return queue.Fatal(fmt.Errorf("marshal persist payload: %w", err))
	}
	if _, err := p.deps.Jobs.Enqueue(ctx, queue.Job{
		Type:        JobTypePersist,
		Payload:     next,
		MaxAttempts: PersistMaxAttempts,
	}); err != nil {
		return fmt.Errorf("enqueue persist stage: %w", err)
	}

	p.logger.Debug("generate stage done",
		"turn", payload.ResultUUID,
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens)
	return nil
}

// handlePersist is Stage C: commit the completed turn. The store does the
// response write, the Task SUCCESS transition and the usage increment in
// one transaction, so a crash here never half-commits a turn.
func (p *Pipeline) handlePersist(ctx context.Context, job *queue.Job) error {
	var payload persistPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("parse persist payload: %w", err))
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.persist",
		trace.WithAttributes(attribute.String("turn", payload.ResultUUID.String())))
	defer span.End()

	return p.finishAttempt(ctx, span, job, payload.ResultUUID, p.persist(ctx, payload))
}

func (p *Pipeline) persist(ctx context.Context, payload persistPayload) error {
	err := p.deps.Store.CompleteTurn(ctx, payload.ResultUUID,
		payload.Completion.toCompletion(), payload.References, payload.Pruned)
	if errors.Is(err, conversation.ErrTerminalState) {
		// At-least-once delivery: a redelivered persist job finds the turn
		// already committed. That is success, not failure.
		return nil
	}
	if errors.Is(err, conversation.ErrNotFound) {
		return queue.Fatal(err)
	}
	if err != nil {
		return err
	}

	p.logger.Info("turn persisted",
		"turn", payload.ResultUUID, "cost", payload.Completion.Cost)
	return nil
}
