// Package engine executes one generation attempt end to end: debit, prompt
// compilation, provider call, materialization and completion. It is queue
// agnostic; the worker package feeds it job IDs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imageforge/internal/domain"
	"imageforge/internal/infra"
	"imageforge/internal/materialize"
	"imageforge/internal/prompt"
	"imageforge/internal/providers/image"
	"imageforge/internal/ratelimit"
	"imageforge/internal/storage"
)

// ErrNoAdapter reports a preset whose provider has no configured adapter.
// Retrying cannot fix a missing adapter, so it is final.
var ErrNoAdapter = errors.New("no adapter configured for provider")

// errThrottled is returned when the rate limiter denies the attempt. It is a
// transient ProviderError so the queue backs off and redelivers.
func errThrottled(provider domain.Provider) error {
	return &image.ProviderError{Provider: string(provider), Kind: image.KindRateLimited, Message: "local rate limit reached"}
}

// Retryable reports whether another delivery of the same job could succeed.
// Provider failures carry their own classification; domain sentinels mean the
// job itself is bad; anything else is treated as infrastructure trouble and
// retried.
func Retryable(err error) bool {
	var pe *image.ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrPresetInactive),
		errors.Is(err, ErrNoAdapter):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return err != nil
}

// Options wires an Engine.
type Options struct {
	Generations  domain.GenerationRepository
	Presets      domain.PresetRepository
	Ledger       domain.CreditLedger
	Providers    map[domain.Provider]image.Generator
	Materializer *materialize.Materializer
	Limiter      ratelimit.Limiter
	Store        storage.Store

	// ProviderTimeout bounds a single upstream call, separate from the
	// queue-level attempt timeout.
	ProviderTimeout time.Duration
	// SourceURLTTL is how long a source-image URL handed to a provider must
	// stay fetchable.
	SourceURLTTL time.Duration

	Logger infra.Logger
}

// Engine runs generation attempts.
type Engine struct {
	opts Options
}

// New validates the options and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Generations == nil || opts.Presets == nil || opts.Ledger == nil {
		return nil, errors.New("engine: repositories and ledger are required")
	}
	if opts.Materializer == nil {
		return nil, errors.New("engine: materializer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemoryLimiter(0, time.Minute)
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 12 * time.Second
	}
	if opts.SourceURLTTL <= 0 {
		opts.SourceURLTTL = time.Hour
	}
	return &Engine{opts: opts}, nil
}

// Process runs one attempt for the given generation. A nil return means the
// job reached a settled state from this worker's point of view, including
// duplicate deliveries of finished jobs. A non-nil return is classified by
// Retryable to decide redelivery.
func (e *Engine) Process(ctx context.Context, generationID string) error {
	log := e.opts.Logger.With().Str("generation_id", generationID).Logger()

	gen, err := e.opts.Generations.GetByID(ctx, generationID)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if gen.Status.Terminal() {
		log.Debug().Str("status", string(gen.Status)).Msg("skipping settled generation")
		return nil
	}

	preset, err := e.opts.Presets.GetByID(ctx, gen.PresetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("preset %s: %w", gen.PresetID, domain.ErrNotFound)
		}
		return fmt.Errorf("load preset: %w", err)
	}
	if !preset.Active {
		return fmt.Errorf("preset %s: %w", preset.ID, domain.ErrPresetInactive)
	}

	outcome, err := e.opts.Ledger.DebitForStart(ctx, generationID)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if outcome.Status != domain.StatusRunning {
		// Insufficient credits already failed the row, or the job was
		// cancelled or settled elsewhere.
		log.Info().Str("status", string(outcome.Status)).Msg("generation not runnable after debit")
		return nil
	}
	if outcome.Charged {
		log.Debug().Int("credits", gen.CreditsUsed).Msg("debited owner")
	}

	compiled := prompt.Compile(preset.Template, gen.InputValues)

	req := image.Request{
		Prompt:    compiled,
		Size:      gen.OutputSize,
		RequestID: gen.ID,
	}
	if key, ok := gen.SourceImageKey(); ok {
		srcURL, err := e.opts.Store.URL(ctx, key, e.opts.SourceURLTTL)
		if err != nil {
			return fmt.Errorf("resolve source image: %w", err)
		}
		req.SourceImageURL = srcURL
	}

	generator, ok := e.opts.Providers[preset.Provider]
	if !ok {
		return fmt.Errorf("provider %s: %w", preset.Provider, ErrNoAdapter)
	}

	allowed, err := e.opts.Limiter.Allow(ctx, string(preset.Provider))
	if err != nil {
		// Limiting is best effort. A broken limiter must not stall the
		// pipeline.
		log.Warn().Err(err).Msg("rate limiter unavailable, proceeding")
	} else if !allowed {
		log.Info().Str("provider", string(preset.Provider)).Msg("throttled by local rate limit")
		return errThrottled(preset.Provider)
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	result, err := generator.Generate(pctx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	// The provider call may have outlived an external cancel. Check before
	// spending storage work and never overwrite the terminal row.
	current, err := e.opts.Generations.GetByID(ctx, generationID)
	if err != nil {
		return fmt.Errorf("recheck generation: %w", err)
	}
	if current.Status.Terminal() {
		log.Info().Str("status", string(current.Status)).Msg("generation settled during provider call, discarding output")
		return nil
	}

	outputURL, err := e.opts.Materializer.Materialize(ctx, gen, result)
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}

	elapsed := time.Since(start)
	if err := e.opts.Generations.MarkCompleted(ctx, generationID, outputURL, elapsed); err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			log.Info().Msg("completion raced a terminal transition, output discarded")
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}

	log.Info().
		Str("provider", generator.Name()).
		Dur("processing_time", elapsed).
		Msg("generation completed")
	return nil
}

// Fail settles a generation as FAILED after its retry budget is spent,
// refunding the debit through the ledger's at-most-once path.
func (e *Engine) Fail(ctx context.Context, generationID string, cause error) error {
	msg := "generation failed"
	if cause != nil {
		msg = cause.Error()
	}
	err := e.opts.Ledger.FailAndRefund(ctx, generationID, domain.TruncateError(msg))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("fail and refund: %w", err)
	}
	return nil
}
