package worker

import (
	"context"
	"time"

	"imageforge/internal/domain"
	"imageforge/internal/infra"
)

// Sweeper reclaims generations stranded in RUNNING by a crashed worker. It
// fails them through the ledger's guarded refund path, so a sweep racing a
// live retry can never pay out twice.
type Sweeper struct {
	generations domain.GenerationRepository
	ledger      domain.CreditLedger
	maxAge      time.Duration
	interval    time.Duration
	log         infra.Logger
}

// NewSweeper wires a Sweeper. maxAge is how long a RUNNING row may sit
// untouched before it is considered abandoned.
func NewSweeper(generations domain.GenerationRepository, ledger domain.CreditLedger, maxAge, interval time.Duration, log infra.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		generations: generations,
		ledger:      ledger,
		maxAge:      maxAge,
		interval:    interval,
		log:         log,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				s.log.Info().Int("reclaimed", n).Msg("reclaimed stuck generations")
			}
		}
	}
}

// SweepOnce reclaims every generation stuck past the age limit and reports
// how many were settled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.maxAge)
	ids, err := s.generations.ListStuckRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		if err := s.ledger.FailAndRefund(ctx, id, "timed out — cleaned up"); err != nil {
			s.log.Error().Err(err).Str("generation_id", id).Msg("failed to reclaim generation")
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}
