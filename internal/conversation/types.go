// Package conversation persists conversations, per-turn query results and
// their task state machine.
//
// A turn is a QueryResult plus a 1:1 Task. The QueryResult's response
// columns stay NULL while the turn is in flight and are written together
// exactly once; the Task walks PENDING -> STARTED -> {SUCCESS | FAILURE}
// and never leaves a terminal state. Retrying a failed turn means creating
// a new QueryResult/Task pair, not resurrecting the old one.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/parchment-ai/parchment/internal/assembler"
)

// Status is a task's position in its state machine.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Conversation is a chat thread. Soft-deleted conversations keep their rows
// but disappear from every read path.
type Conversation struct {
	ID           uuid.UUID
	UserID       string
	Title        string
	SystemPrompt string
	MinYear      *int
	MaxYear      *int
	Dataset      string
	Deleted      bool
	CreatedAt    time.Time
}

// QueryResult is one conversation turn. The UUID addresses the turn across
// pipeline stages; the integer ID orders turns with identical timestamps.
type QueryResult struct {
	ID             int64
	UUID           uuid.UUID
	ConversationID uuid.UUID
	Input          string
	Model          string
	Response       string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	References     []assembler.Reference
	ContextPruned  bool
	Headers        map[string]string
	CreatedAt      time.Time
	Completed      bool
}

// Task tracks the asynchronous progress of one turn.
type Task struct {
	QueryResultUUID uuid.UUID
	Status          Status
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
