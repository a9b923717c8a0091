package ledger

import (
	"context"
	"sync"
	"time"

	"imageforge/internal/domain"
)

// MemoryStore is an in-process implementation of the generation, user and
// preset repositories plus the credit ledger, sharing one mutex so the
// debit and refund paths stay atomic the same way the SQL transactions do.
// It backs tests and the no-database development mode.
type MemoryStore struct {
	mu          sync.Mutex
	generations map[string]*domain.Generation
	users       map[string]*domain.User
	presets     map[string]*domain.Preset
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]*domain.Generation),
		users:       make(map[string]*domain.User),
		presets:     make(map[string]*domain.Preset),
	}
}

// SeedUser inserts or replaces a user.
func (s *MemoryStore) SeedUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// SeedPreset inserts or replaces a preset.
func (s *MemoryStore) SeedPreset(p *domain.Preset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.presets[p.ID] = &cp
}

func copyGeneration(g *domain.Generation) *domain.Generation {
	cp := *g
	if g.InputValues != nil {
		cp.InputValues = make(map[string]string, len(g.InputValues))
		for k, v := range g.InputValues {
			cp.InputValues[k] = v
		}
	}
	return &cp
}

// Create inserts a QUEUED generation, enforcing idempotency-key uniqueness
// per user.
func (s *MemoryStore) Create(ctx context.Context, g *domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[g.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	if g.IdempotencyKey != nil {
		for _, existing := range s.generations {
			if existing.UserID == g.UserID &&
				existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *g.IdempotencyKey {
				return domain.ErrDuplicateOperation
			}
		}
	}
	now := time.Now()
	cp := copyGeneration(g)
	cp.Status = domain.StatusQueued
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.generations[g.ID] = cp
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyGeneration(g), nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.generations {
		if g.UserID == userID && g.IdempotencyKey != nil && *g.IdempotencyKey == key {
			return copyGeneration(g), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id, outputURL string, processingTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if g.Status.Terminal() {
		return domain.ErrDuplicateOperation
	}
	now := time.Now()
	g.Status = domain.StatusCompleted
	g.OutputURL = &outputURL
	g.ProcessingTime = processingTime
	g.UpdatedAt = now
	g.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if g.Status.Terminal() {
		return domain.ErrDuplicateOperation
	}
	now := time.Now()
	g.Status = domain.StatusCancelled
	g.UpdatedAt = now
	g.CompletedAt = &now
	return nil
}

func (s *MemoryStore) ListStuckRunning(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, g := range s.generations {
		if g.Status == domain.StatusRunning && g.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetByID on users.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetPreset returns a preset by ID.
func (s *MemoryStore) GetPreset(ctx context.Context, id string) (*domain.Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Users exposes the store as a domain.UserRepository.
func (s *MemoryStore) Users() domain.UserRepository { return memoryUsers{s} }

// Presets exposes the store as a domain.PresetRepository.
func (s *MemoryStore) Presets() domain.PresetRepository { return memoryPresets{s} }

type memoryUsers struct{ s *MemoryStore }

func (r memoryUsers) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.s.GetUser(ctx, id)
}

type memoryPresets struct{ s *MemoryStore }

func (r memoryPresets) GetByID(ctx context.Context, id string) (*domain.Preset, error) {
	return r.s.GetPreset(ctx, id)
}

// DebitForStart mirrors the PostgreSQL ledger under the store mutex.
func (s *MemoryStore) DebitForStart(ctx context.Context, generationID string) (domain.DebitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out domain.DebitOutcome
	g, ok := s.generations[generationID]
	if !ok {
		return out, domain.ErrNotFound
	}
	out.Status = g.Status
	if g.Status != domain.StatusQueued {
		return out, nil
	}
	u, ok := s.users[g.UserID]
	if !ok {
		return out, domain.ErrNotFound
	}
	now := time.Now()
	if u.Credits < g.CreditsUsed {
		msg := domain.ErrInsufficientCredits.Error()
		g.Status = domain.StatusFailed
		g.ErrorMessage = &msg
		g.UpdatedAt = now
		g.CompletedAt = &now
		out.Status = domain.StatusFailed
		return out, nil
	}
	u.Credits -= g.CreditsUsed
	u.UpdatedAt = now
	g.Status = domain.StatusRunning
	g.UpdatedAt = now
	out.Status = domain.StatusRunning
	out.Charged = true
	return out, nil
}

// FailAndRefund mirrors the PostgreSQL ledger under the store mutex.
func (s *MemoryStore) FailAndRefund(ctx context.Context, generationID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generations[generationID]
	if !ok {
		return domain.ErrNotFound
	}
	if g.Status.Terminal() {
		return nil
	}

	now := time.Now()
	if g.Status == domain.StatusRunning && g.RefundedAt == nil {
		if u, ok := s.users[g.UserID]; ok {
			u.Credits += g.CreditsUsed
			u.UpdatedAt = now
		}
		g.RefundedAt = &now
	}
	msg := domain.TruncateError(errMsg)
	g.Status = domain.StatusFailed
	g.ErrorMessage = &msg
	g.UpdatedAt = now
	g.CompletedAt = &now
	return nil
}

var (
	_ domain.GenerationRepository = (*MemoryStore)(nil)
	_ domain.CreditLedger         = (*MemoryStore)(nil)
)
