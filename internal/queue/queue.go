// Package queue is a Postgres-backed durable job queue with a polling
// worker pool. Jobs are claimed with FOR UPDATE SKIP LOCKED so multiple
// workers never process the same job twice concurrently; delivery is
// at-least-once, so handlers must be idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parchment-ai/parchment/internal/log"
)

// ErrNotFound indicates a missing job row.
var ErrNotFound = errors.New("queue: job not found")

// Job is one unit of queued work.
type Job struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DB is the subset of pgxpool.Pool the store depends on.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists and claims jobs.
//
// Store is safe for concurrent use.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a job store.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// DefaultMaxAttempts applies when a job is enqueued without one.
const DefaultMaxAttempts = 3

// Enqueue inserts a pending job. A zero RunAfter means immediately
// runnable; a zero MaxAttempts means DefaultMaxAttempts.
func (s *Store) Enqueue(ctx context.Context, job Job) (uuid.UUID, error) {
	if job.Type == "" {
		return uuid.Nil, fmt.Errorf("queue: empty job type")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.Payload == nil {
		job.Payload = []byte("{}")
	}
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, max_attempts, run_after)
		VALUES ($1, $2, $3, 'pending', $4, $5)`,
		job.ID, job.Type, job.Payload, job.MaxAttempts, runAfter)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}

	s.logger.Debug("job enqueued", "id", job.ID, "type", job.Type)
	return job.ID, nil
}

// ClaimNext atomically claims the oldest runnable job of the given types,
// moving it to running. Returns (nil, nil) when nothing is runnable.
// SKIP LOCKED keeps concurrent claimers from blocking on each other.
func (s *Store) ClaimNext(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	var j Job
	err := s.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload, status, attempts, max_attempts,
		          run_after, last_error, created_at, updated_at`,
		types).
		Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
			&j.RunAfter, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &j, nil
}

// Complete marks a job completed.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Fail records a failed attempt. Below max_attempts the job is rescheduled
// with exponential backoff (2^attempts seconds); at or beyond it the job
// fails terminally. When fatal is true the remaining attempts are skipped.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string, fatal bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}

	attempts++
	if fatal || attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
			WHERE id = $1`, id, attempts, errMsg)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', attempts = $2, last_error = $3,
			    run_after = $4, updated_at = now()
			WHERE id = $1`, id, attempts, errMsg, time.Now().UTC().Add(backoff))
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail transaction: %w", err)
	}

	s.logger.Debug("job attempt failed",
		"id", id, "attempts", attempts, "max_attempts", maxAttempts, "fatal", fatal)
	return nil
}

// DefaultVisibilityTimeout is how long a running job may go without a
// status update before it is considered abandoned by a dead worker.
const DefaultVisibilityTimeout = 5 * time.Minute

// RequeueStale resets running jobs of the given types back to pending when
// their last status change is older than the cutoff. A worker that crashes
// between claim and Complete/Fail leaves its job in running; without this
// the job is stuck and the chain it belongs to never settles. The attempt
// count is untouched, so a requeued job keeps its remaining retries, and
// the redelivery stays within the at-least-once contract.
func (s *Store) RequeueStale(ctx context.Context, types []string, olderThan time.Duration) (int, error) {
	if len(types) == 0 || olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_after = now(), updated_at = now()
		WHERE status = 'running' AND type = ANY($1) AND updated_at < $2`,
		types, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Warn("requeued jobs abandoned by lost workers", "count", n)
	}
	return n, nil
}

// Get fetches a job by ID, mainly for tests and inspection.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	var j Job
	err := s.db.QueryRow(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts,
		       run_after, last_error, created_at, updated_at
		FROM jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
			&j.RunAfter, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}
