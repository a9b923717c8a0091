package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/domain"
)

// PresetRepositoryPG implements domain.PresetRepository.
type PresetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPresetRepository creates a new PresetRepositoryPG.
func NewPresetRepository(pool *pgxpool.Pool) *PresetRepositoryPG {
	return &PresetRepositoryPG{pool: pool}
}

// GetByID fetches a preset by its identifier.
func (r *PresetRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Preset, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, template, provider, credit_cost, active, created_at, updated_at FROM presets WHERE id = $1;`, id)
	var (
		p          domain.Preset
		providerDB string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Template, &providerDB, &p.CreditCost, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	p.Provider = domain.Provider(providerDB)
	return &p, nil
}
