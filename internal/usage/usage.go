// Package usage tracks per-user spend against a spending cap.
//
// The running total only ever grows, via a single atomic SQL increment.
// It is never recomputed by summing turns, so deleting historical turns
// cannot lower what a user has already spent.
package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parchment-ai/parchment/internal/log"
)

// ErrLimitExceeded signals the effective spending cap was reached. Turns
// are rejected before any retrieval or LLM cost is incurred.
var ErrLimitExceeded = errors.New("usage: spending limit exceeded")

// Querier is the subset of pgxpool.Pool the accountant depends on.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Accountant answers "may this user spend more" and records what they did
// spend. The check runs before a turn is admitted, not after.
//
// Accountant is safe for concurrent use.
type Accountant struct {
	db           Querier
	defaultLimit float64
	logger       log.Logger
}

// New creates an Accountant with the given global default limit in USD.
// A per-user spend_limit column overrides the default when set.
func New(db Querier, defaultLimit float64, logger log.Logger) *Accountant {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Accountant{db: db, defaultLimit: defaultLimit, logger: logger}
}

// CanSpend reports whether the user is under their effective limit. Any
// storage error fails closed: the caller must treat (false, err) as a
// rejection.
func (a *Accountant) CanSpend(ctx context.Context, userID string) (bool, error) {
	spent, limit, err := a.account(ctx, userID)
	if err != nil {
		return false, err
	}
	ok := spent < limit
	if !ok {
		a.logger.Info("spending limit reached",
			"user", userID, "spent", spent, "limit", limit)
	}
	return ok, nil
}

// RecordSpend atomically adds amount to the user's running total, creating
// the account on first touch. The increment happens in SQL, never as a
// read-modify-write round trip.
func (a *Accountant) RecordSpend(ctx context.Context, userID string, amount float64) error {
	if userID == "" {
		return fmt.Errorf("usage: empty user ID")
	}
	if amount < 0 {
		return fmt.Errorf("usage: negative spend %f", amount)
	}
	_, err := a.db.Exec(ctx, `
		INSERT INTO usage_accounts (user_id, spent_cost)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET spent_cost = usage_accounts.spent_cost + EXCLUDED.spent_cost,
		    updated_at = now()`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("record spend for %q: %w", userID, err)
	}
	return nil
}

// SetLimit installs a per-user spending cap overriding the global default.
// A nil limit restores the default.
func (a *Accountant) SetLimit(ctx context.Context, userID string, limit *float64) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO usage_accounts (user_id, spent_cost, spend_limit)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET spend_limit = EXCLUDED.spend_limit, updated_at = now()`,
		userID, limit)
	if err != nil {
		return fmt.Errorf("set limit for %q: %w", userID, err)
	}
	return nil
}

// Spent returns the user's running total. Users without an account have
// spent nothing.
func (a *Accountant) Spent(ctx context.Context, userID string) (float64, error) {
	spent, _, err := a.account(ctx, userID)
	return spent, err
}

func (a *Accountant) account(ctx context.Context, userID string) (spent, limit float64, err error) {
	if userID == "" {
		return 0, 0, fmt.Errorf("usage: empty user ID")
	}
	var customLimit *float64
	err = a.db.QueryRow(ctx, `
		SELECT spent_cost, spend_limit FROM usage_accounts WHERE user_id = $1`,
		userID).Scan(&spent, &customLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, a.defaultLimit, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load account for %q: %w", userID, err)
	}
	limit = a.defaultLimit
	if customLimit != nil {
		limit = *customLimit
	}
	return spent, limit, nil
}
