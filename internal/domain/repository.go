package domain

import (
	"context"
	"time"
)

// GenerationRepository defines persistence for generation jobs.
type GenerationRepository interface {
	// Create inserts a new QUEUED generation. A conflicting idempotency key
	// yields ErrDuplicateOperation.
	Create(ctx context.Context, g *Generation) error
	GetByID(ctx context.Context, id string) (*Generation, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Generation, error)
	// MarkCompleted moves a RUNNING generation to COMPLETED with its output
	// URL and processing time. If the row is already terminal (for example
	// cancelled while the provider call was in flight) it is left untouched
	// and ErrDuplicateOperation is returned.
	MarkCompleted(ctx context.Context, id, outputURL string, processingTime time.Duration) error
	// Cancel moves any non-terminal generation to CANCELLED. Cancelling an
	// already-terminal row is a no-op reported as ErrDuplicateOperation.
	Cancel(ctx context.Context, id string) error
	// ListStuckRunning returns IDs of generations that have been RUNNING
	// since before the cutoff, for the reclaim sweep.
	ListStuckRunning(ctx context.Context, cutoff time.Time) ([]string, error)
}

// UserRepository defines read access to users; balances move only through
// the CreditLedger.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}

// PresetRepository defines read-only access to presets.
type PresetRepository interface {
	GetByID(ctx context.Context, id string) (*Preset, error)
}

// DebitOutcome reports the result of a debit attempt.
type DebitOutcome struct {
	// Status is the generation's status after the call.
	Status Status
	// Charged is true only when this call performed the debit. Duplicate
	// deliveries and terminal jobs report Charged=false.
	Charged bool
}

// CreditLedger performs the two balance-moving operations of the pipeline.
// Implementations must mutate the user balance and the generation status
// together in a single transaction.
type CreditLedger interface {
	// DebitForStart re-reads the generation and its owner. Terminal or
	// already-RUNNING generations are a no-op reporting the current status.
	// If the balance cannot cover CreditsUsed the generation is marked
	// FAILED with an insufficient-credits message and no debit occurs.
	// Otherwise the balance is decremented by CreditsUsed and the status
	// moves QUEUED -> RUNNING atomically.
	DebitForStart(ctx context.Context, generationID string) (DebitOutcome, error)
	// FailAndRefund marks a non-terminal generation FAILED with the given
	// message and, when the generation had been debited and not yet
	// refunded, credits the amount back. Terminal generations are left
	// untouched, which makes the refund at-most-once across the retry and
	// sweeper paths.
	FailAndRefund(ctx context.Context, generationID, errMsg string) error
}
