package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation repository backed by
// PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

const generationColumns = `id, idempotency_key, user_id, preset_id, status, input_values, output_size, output_url, error_message, credits_used, processing_time_ms, refunded_at, created_at, updated_at, completed_at`

// Create inserts a new QUEUED generation record.
func (r *GenerationRepositoryPG) Create(ctx context.Context, g *domain.Generation) error {
	inputs, err := json.Marshal(g.InputValues)
	if err != nil {
		return fmt.Errorf("repo: encode input values: %w", err)
	}
	query := `
INSERT INTO generations (id, idempotency_key, user_id, preset_id, status, input_values, output_size, credits_used)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err = r.pool.Exec(ctx, query,
		g.ID,
		g.IdempotencyKey,
		g.UserID,
		g.PresetID,
		domain.StatusQueued,
		inputs,
		g.OutputSize,
		g.CreditsUsed,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateOperation
	}
	return err
}

// GetByID fetches a generation by its identifier.
func (r *GenerationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1;`, id)
	return scanGeneration(row)
}

// GetByIdempotencyKey fetches the generation a user previously submitted
// under the given key.
func (r *GenerationRepositoryPG) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE user_id = $1 AND idempotency_key = $2;`, userID, key)
	return scanGeneration(row)
}

// MarkCompleted finishes a RUNNING generation. The status guard in the WHERE
// clause keeps a completion that raced an external cancel from overwriting
// the terminal row.
func (r *GenerationRepositoryPG) MarkCompleted(ctx context.Context, id, outputURL string, processingTime time.Duration) error {
	query := `
UPDATE generations
SET status = $2,
    output_url = $3,
    processing_time_ms = $4,
    updated_at = NOW(),
    completed_at = NOW()
WHERE id = $1 AND status = $5;
`
	tag, err := r.pool.Exec(ctx, query,
		id, domain.StatusCompleted, outputURL, processingTime.Milliseconds(), domain.StatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrDuplicateOperation
	}
	return nil
}

// Cancel moves a non-terminal generation to CANCELLED.
func (r *GenerationRepositoryPG) Cancel(ctx context.Context, id string) error {
	query := `
UPDATE generations
SET status = $2, updated_at = NOW(), completed_at = NOW()
WHERE id = $1 AND status NOT IN ($3, $4, $5);
`
	tag, err := r.pool.Exec(ctx, query,
		id, domain.StatusCancelled,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrDuplicateOperation
	}
	return nil
}

// ListStuckRunning returns generations that entered RUNNING before the cutoff
// and never reached a terminal status, typically because their worker died.
func (r *GenerationRepositoryPG) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM generations WHERE status = $1 AND updated_at < $2;`, domain.StatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var (
		g        domain.Generation
		inputs   []byte
		procMS   int64
		size     *string
		statusDB string
	)
	err := row.Scan(
		&g.ID,
		&g.IdempotencyKey,
		&g.UserID,
		&g.PresetID,
		&statusDB,
		&inputs,
		&size,
		&g.OutputURL,
		&g.ErrorMessage,
		&g.CreditsUsed,
		&procMS,
		&g.RefundedAt,
		&g.CreatedAt,
		&g.UpdatedAt,
		&g.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	g.Status = domain.Status(statusDB)
	if size != nil {
		g.OutputSize = domain.OutputSize(*size)
	}
	g.ProcessingTime = time.Duration(procMS) * time.Millisecond
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &g.InputValues); err != nil {
			return nil, fmt.Errorf("repo: decode input values: %w", err)
		}
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
