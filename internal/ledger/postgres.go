// Package ledger implements credit accounting coupled to generation status.
//
// Every balance movement happens in the same transaction as the status
// transition it belongs to, so a crash can never leave a debit without a
// RUNNING row or a refund without a FAILED row.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// PostgresLedger implements domain.CreditLedger on top of PostgreSQL.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// DebitForStart atomically charges the owner and moves the generation
// QUEUED -> RUNNING. Redelivered tasks find the row RUNNING or terminal and
// are reported without a second charge.
func (l *PostgresLedger) DebitForStart(ctx context.Context, generationID string) (domain.DebitOutcome, error) {
	var out domain.DebitOutcome

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("ledger: begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID  string
		status  domain.Status
		credits int
	)
	// Row locks ordered generation then user to keep concurrent debits and
	// refunds deadlock-free.
	err = tx.QueryRow(ctx, `
SELECT user_id, status, credits_used
FROM generations
WHERE id = $1
FOR UPDATE;
`, generationID).Scan(&userID, &status, &credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, domain.ErrNotFound
		}
		return out, fmt.Errorf("ledger: load generation: %w", err)
	}

	out.Status = status
	if status != domain.StatusQueued {
		// Duplicate delivery or an externally cancelled job. Nothing to
		// charge either way.
		return out, nil
	}

	var balance int
	err = tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE;`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, domain.ErrNotFound
		}
		return out, fmt.Errorf("ledger: load user: %w", err)
	}

	if balance < credits {
		_, err = tx.Exec(ctx, `
UPDATE generations
SET status = $2, error_message = $3, updated_at = NOW(), completed_at = NOW()
WHERE id = $1;
`, generationID, domain.StatusFailed, domain.ErrInsufficientCredits.Error())
		if err != nil {
			return out, fmt.Errorf("ledger: mark insufficient: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return out, fmt.Errorf("ledger: commit insufficient: %w", err)
		}
		out.Status = domain.StatusFailed
		return out, nil
	}

	_, err = tx.Exec(ctx, `UPDATE users SET credits = credits - $2, updated_at = NOW() WHERE id = $1;`, userID, credits)
	if err != nil {
		return out, fmt.Errorf("ledger: debit user: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE generations
SET status = $2, updated_at = NOW()
WHERE id = $1;
`, generationID, domain.StatusRunning)
	if err != nil {
		return out, fmt.Errorf("ledger: mark running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("ledger: commit debit: %w", err)
	}

	out.Status = domain.StatusRunning
	out.Charged = true
	return out, nil
}

// FailAndRefund marks a non-terminal generation FAILED and returns its debit
// to the owner exactly once. refunded_at is the idempotency guard shared by
// the retry-exhausted path and the stuck-job sweeper.
func (l *PostgresLedger) FailAndRefund(ctx context.Context, generationID, errMsg string) error {
	errMsg = domain.TruncateError(errMsg)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID   string
		status   domain.Status
		credits  int
		refunded bool
	)
	err = tx.QueryRow(ctx, `
SELECT user_id, status, credits_used, refunded_at IS NOT NULL
FROM generations
WHERE id = $1
FOR UPDATE;
`, generationID).Scan(&userID, &status, &credits, &refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("ledger: load generation: %w", err)
	}

	if status.Terminal() {
		// Already settled by another path. The refund guard makes this safe
		// to call again.
		return nil
	}

	// Only a RUNNING row has been charged. A QUEUED row failing here (for
	// example a missing preset) has nothing to refund.
	doRefund := status == domain.StatusRunning && !refunded

	if doRefund {
		_, err = tx.Exec(ctx, `UPDATE users SET credits = credits + $2, updated_at = NOW() WHERE id = $1;`, userID, credits)
		if err != nil {
			return fmt.Errorf("ledger: refund user: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
UPDATE generations
SET status = $2,
    error_message = $3,
    refunded_at = CASE WHEN $4 THEN NOW() ELSE refunded_at END,
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1;
`, generationID, domain.StatusFailed, errMsg, doRefund)
	if err != nil {
		return fmt.Errorf("ledger: mark failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit refund: %w", err)
	}
	return nil
}
