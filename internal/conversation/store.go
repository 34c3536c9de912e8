package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/log"
)

var (
	// ErrNotFound indicates a missing or soft-deleted row.
	ErrNotFound = errors.New("conversation: not found")

	// ErrTerminalState indicates an attempted transition out of SUCCESS
	// or FAILURE, or a second completion of the same turn.
	ErrTerminalState = errors.New("conversation: task already in terminal state")
)

// DB is the subset of pgxpool.Pool the store depends on.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists conversations, turns and task state in Postgres.
//
// Store is safe for concurrent use.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a conversation store.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateConversation inserts a new conversation and returns it with its
// generated ID and timestamp.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.UserID == "" {
		return Conversation{}, fmt.Errorf("conversation: empty user ID")
	}
	if c.Dataset == "" {
		c.Dataset = "*"
	}
	c.ID = uuid.New()

	err := s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, title, system_prompt, min_year, max_year, dataset)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		c.ID, c.UserID, c.Title, c.SystemPrompt, c.MinYear, c.MaxYear, c.Dataset).
		Scan(&c.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Debug("conversation created", "id", c.ID, "user", c.UserID)
	return c, nil
}

// Get fetches a conversation. Soft-deleted conversations are invisible.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, system_prompt, min_year, max_year, dataset, deleted, created_at
		FROM conversations
		WHERE id = $1 AND NOT deleted`, id).
		Scan(&c.ID, &c.UserID, &c.Title, &c.SystemPrompt, &c.MinYear, &c.MaxYear,
			&c.Dataset, &c.Deleted, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// List returns a user's conversations, newest first, excluding soft-deleted.
func (s *Store) List(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, system_prompt, min_year, max_year, dataset, deleted, created_at
		FROM conversations
		WHERE user_id = $1 AND NOT deleted
		ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.SystemPrompt, &c.MinYear,
			&c.MaxYear, &c.Dataset, &c.Deleted, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET title = $2 WHERE id = $1 AND NOT deleted`, id, title)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// UpdateFilters replaces a conversation's year range and dataset selector.
func (s *Store) UpdateFilters(ctx context.Context, id uuid.UUID, minYear, maxYear *int, dataset string) error {
	if dataset == "" {
		dataset = "*"
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET min_year = $2, max_year = $3, dataset = $4
		WHERE id = $1 AND NOT deleted`, id, minYear, maxYear, dataset)
	if err != nil {
		return fmt.Errorf("update filters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// SoftDelete hides a conversation from all read paths. The row persists.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET deleted = TRUE WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return nil
}

// CreateTurn inserts an in-flight QueryResult and its PENDING Task in one
// transaction. The returned turn carries the UUID later stages address.
func (s *Store) CreateTurn(ctx context.Context, conversationID uuid.UUID, input string) (QueryResult, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return QueryResult{}, err
	}

	qr := QueryResult{
		UUID:           uuid.New(),
		ConversationID: conversationID,
		Input:          input,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO query_results (uuid, conversation_id, input)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		qr.UUID, qr.ConversationID, qr.Input).Scan(&qr.ID, &qr.CreatedAt)
	if err != nil {
		return QueryResult{}, fmt.Errorf("insert query result: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (query_result_uuid) VALUES ($1)`, qr.UUID); err != nil {
		return QueryResult{}, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return QueryResult{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("turn created", "uuid", qr.UUID, "conversation", conversationID)
	return qr, nil
}

// GetTask fetches the task row for a turn.
func (s *Store) GetTask(ctx context.Context, resultUUID uuid.UUID) (Task, error) {
	var t Task
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT query_result_uuid, status, error, created_at, updated_at
		FROM tasks WHERE query_result_uuid = $1`, resultUUID).
		Scan(&t.QueryResultUUID, &status, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, resultUUID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t.Status = Status(status)
	return t, nil
}

// MarkStarted moves a task to STARTED. Idempotent for already-started
// tasks; refuses transitions out of terminal states.
func (s *Store) MarkStarted(ctx context.Context, resultUUID uuid.UUID) error {
	return s.transition(ctx, resultUUID, StatusStarted, "")
}

// MarkFailure moves a task to FAILURE recording the error message.
func (s *Store) MarkFailure(ctx context.Context, resultUUID uuid.UUID, message string) error {
	return s.transition(ctx, resultUUID, StatusFailure, message)
}

// transition performs a guarded status update. The WHERE clause excludes
// terminal states, so a lost race surfaces as ErrTerminalState instead of
// silently rewriting history.
func (s *Store) transition(ctx context.Context, resultUUID uuid.UUID, to Status, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, error = $3, updated_at = now()
		WHERE query_result_uuid = $1 AND status IN ('PENDING', 'STARTED')`,
		resultUUID, string(to), message)
	if err != nil {
		return fmt.Errorf("transition task to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTask(ctx, resultUUID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: task %s", ErrTerminalState, resultUUID)
	}
	return nil
}

// CompleteTurn commits a finished turn in one transaction: response columns
// and references on the QueryResult, Task SUCCESS, and the owning user's
// usage increment. The response columns are written only while still NULL,
// so a duplicate completion cannot double-charge.
func (s *Store) CompleteTurn(ctx context.Context, resultUUID uuid.UUID, completion *llm.Completion, refs []assembler.Reference, pruned bool) error {
	if completion == nil {
		return fmt.Errorf("complete turn: nil completion")
	}
	if refs == nil {
		refs = []assembler.Reference{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal references: %w", err)
	}
	headers := completion.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE query_results
		SET model = $2, response = $3, input_tokens = $4, output_tokens = $5,
		    cost = $6, refs = $7, context_pruned = $8, headers = $9
		WHERE uuid = $1 AND response IS NULL`,
		resultUUID, completion.Model, completion.Text, completion.InputTokens,
		completion.OutputTokens, completion.Cost, refsJSON, pruned, headersJSON)
	if err != nil {
		return fmt.Errorf("write response columns: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetTurn(ctx, resultUUID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: turn %s already completed", ErrTerminalState, resultUUID)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'SUCCESS', error = '', updated_at = now()
		WHERE query_result_uuid = $1 AND status IN ('PENDING', 'STARTED')`,
		resultUUID)
	if err != nil {
		return fmt.Errorf("mark task success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrTerminalState, resultUUID)
	}

	// Increment, never overwrite: concurrent turns accumulate and deleting
	// old turns cannot retroactively lower the total.
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_accounts (user_id, spent_cost)
		SELECT c.user_id, $2
		FROM query_results qr
		JOIN conversations c ON c.id = qr.conversation_id
		WHERE qr.uuid = $1
		ON CONFLICT (user_id) DO UPDATE
		SET spent_cost = usage_accounts.spent_cost + EXCLUDED.spent_cost,
		    updated_at = now()`,
		resultUUID, completion.Cost); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("turn completed",
		"uuid", resultUUID, "cost", completion.Cost,
		"input_tokens", completion.InputTokens, "output_tokens", completion.OutputTokens)
	return nil
}

// GetTurn fetches a turn by its UUID.
func (s *Store) GetTurn(ctx context.Context, resultUUID uuid.UUID) (QueryResult, error) {
	var qr QueryResult
	var model, response *string
	var inputTokens, outputTokens *int
	var cost *float64
	var refsJSON, headersJSON []byte

	err := s.db.QueryRow(ctx, `
		SELECT id, uuid, conversation_id, input, model, response,
		       input_tokens, output_tokens, cost, refs, context_pruned, headers, created_at
		FROM query_results WHERE uuid = $1`, resultUUID).
		Scan(&qr.ID, &qr.UUID, &qr.ConversationID, &qr.Input, &model, &response,
			&inputTokens, &outputTokens, &cost, &refsJSON, &qr.ContextPruned,
			&headersJSON, &qr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueryResult{}, fmt.Errorf("%w: turn %s", ErrNotFound, resultUUID)
	}
	if err != nil {
		return QueryResult{}, fmt.Errorf("get turn: %w", err)
	}

	if response != nil {
		qr.Completed = true
		qr.Model = *model
		qr.Response = *response
		qr.InputTokens = *inputTokens
		qr.OutputTokens = *outputTokens
		qr.Cost = *cost
	}
	if err := json.Unmarshal(refsJSON, &qr.References); err != nil {
		return QueryResult{}, fmt.Errorf("unmarshal references: %w", err)
	}
	if err := json.Unmarshal(headersJSON, &qr.Headers); err != nil {
		return QueryResult{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	return qr, nil
}

// Replay rebuilds the full message history for a conversation: the system
// prompt, then a user/assistant pair for every SUCCESS turn ordered by
// creation time. Recomputed fresh on every call; in-flight and failed
// turns are invisible.
func (s *Store) Replay(ctx context.Context, conversationID uuid.UUID) ([]llm.Message, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT qr.input, qr.response
		FROM query_results qr
		JOIN tasks t ON t.query_result_uuid = qr.uuid
		WHERE qr.conversation_id = $1 AND t.status = 'SUCCESS'
		ORDER BY qr.created_at ASC, qr.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("replay query: %w", err)
	}
	defer rows.Close()

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: conv.SystemPrompt}}
	for rows.Next() {
		var input string
		var response *string
		if err := rows.Scan(&input, &response); err != nil {
			return nil, fmt.Errorf("scan replay row: %w", err)
		}
		if response == nil {
			// SUCCESS tasks always have response columns; a NULL here
			// means a torn write and must not silently shift history.
			return nil, fmt.Errorf("replay: turn with SUCCESS task has no response in conversation %s", conversationID)
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: input},
			llm.Message{Role: llm.RoleAssistant, Content: *response})
	}
	return msgs, rows.Err()
}
