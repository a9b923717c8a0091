package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"imageforge/internal/domain"
)

// CreateGenerationReq is the enqueue payload.
type CreateGenerationReq struct {
	UserID      string            `json:"user_id"`
	PresetID    string            `json:"preset_id"`
	OutputSize  string            `json:"output_size"`
	InputValues map[string]string `json:"input_values"`
}

// GenerationResp is the polling shape for a generation row.
type GenerationResp struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	PresetID         string            `json:"preset_id"`
	OutputSize       string            `json:"output_size"`
	InputValues      map[string]string `json:"input_values,omitempty"`
	OutputURL        *string           `json:"output_url,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	CreditsUsed      int               `json:"credits_used"`
	ProcessingTimeMS int64             `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

func toGenerationResp(g *domain.Generation) GenerationResp {
	return GenerationResp{
		ID:               g.ID,
		Status:           string(g.Status),
		PresetID:         g.PresetID,
		OutputSize:       string(g.OutputSize),
		InputValues:      g.InputValues,
		OutputURL:        g.OutputURL,
		ErrorMessage:     g.ErrorMessage,
		CreditsUsed:      g.CreditsUsed,
		ProcessingTimeMS: g.ProcessingTime.Milliseconds(),
		CreatedAt:        g.CreatedAt,
		CompletedAt:      g.CompletedAt,
	}
}

// CreateGeneration validates the request, inserts the QUEUED row and submits
// the queue task. Re-sent requests carrying the same Idempotency-Key return
// the original row instead of creating a second job.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req CreateGenerationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.PresetID) == "" {
		a.jsonError(w, http.StatusBadRequest, "user_id and preset_id are required")
		return
	}
	size, err := domain.ParseOutputSize(req.OutputSize)
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "output_size must be square, portrait or landscape")
		return
	}
	for key := range req.InputValues {
		if strings.HasPrefix(key, domain.ReservedInputPrefix) && key != domain.InputKeySourceImage {
			a.jsonError(w, http.StatusBadRequest, "input keys starting with __ are reserved")
			return
		}
	}

	ctx := r.Context()
	if _, err := a.Users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "user not found")
			return
		}
		a.Log.Error().Err(err).Msg("load user")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	preset, err := a.Presets.GetByID(ctx, req.PresetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "preset not found")
			return
		}
		a.Log.Error().Err(err).Msg("load preset")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !preset.Active {
		a.jsonError(w, http.StatusUnprocessableEntity, "preset is not active")
		return
	}

	var idemKey *string
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		idemKey = &key
		if existing, err := a.Generations.GetByIdempotencyKey(ctx, req.UserID, key); err == nil {
			a.resubmitIfQueued(ctx, existing)
			a.json(w, http.StatusOK, toGenerationResp(existing))
			return
		} else if !errors.Is(err, domain.ErrNotFound) {
			a.Log.Error().Err(err).Msg("idempotency lookup")
			a.jsonError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	gen := &domain.Generation{
		ID:             uuid.NewString(),
		IdempotencyKey: idemKey,
		UserID:         req.UserID,
		PresetID:       preset.ID,
		Status:         domain.StatusQueued,
		InputValues:    req.InputValues,
		OutputSize:     size,
		// Snapshot the price now so later preset edits cannot change what
		// this job charges.
		CreditsUsed: preset.CreditCost,
	}
	if err := a.Generations.Create(ctx, gen); err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) && idemKey != nil {
			// Concurrent request with the same key won the insert.
			if existing, lookupErr := a.Generations.GetByIdempotencyKey(ctx, req.UserID, *idemKey); lookupErr == nil {
				a.resubmitIfQueued(ctx, existing)
				a.json(w, http.StatusOK, toGenerationResp(existing))
				return
			}
		}
		a.Log.Error().Err(err).Msg("create generation")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.Queue.Enqueue(ctx, gen.ID); err != nil {
		// The row exists, so the client can retry with the same key and the
		// resubmit path will enqueue it.
		a.Log.Error().Err(err).Str("generation_id", gen.ID).Msg("enqueue generation")
		a.jsonError(w, http.StatusServiceUnavailable, "queue unavailable, retry the request")
		return
	}

	a.json(w, http.StatusAccepted, toGenerationResp(gen))
}

// resubmitIfQueued re-enqueues a still-QUEUED row on an idempotent replay.
// The queue dedupes on the generation ID, so this is safe when the first
// enqueue did succeed.
func (a *App) resubmitIfQueued(ctx context.Context, g *domain.Generation) {
	if g.Status != domain.StatusQueued {
		return
	}
	if err := a.Queue.Enqueue(ctx, g.ID); err != nil {
		a.Log.Warn().Err(err).Str("generation_id", g.ID).Msg("re-enqueue on idempotent replay failed")
	}
}

// GetGeneration returns the polling view of one generation.
func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gen, err := a.Generations.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "generation not found")
			return
		}
		a.Log.Error().Err(err).Msg("load generation")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.json(w, http.StatusOK, toGenerationResp(gen))
}

// CancelGeneration flips a non-terminal generation to CANCELLED. Settled
// generations report a conflict.
func (a *App) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	err := a.Generations.Cancel(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		a.jsonError(w, http.StatusNotFound, "generation not found")
		return
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.jsonError(w, http.StatusConflict, "generation already settled")
		return
	default:
		a.Log.Error().Err(err).Msg("cancel generation")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	gen, err := a.Generations.GetByID(ctx, id)
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.json(w, http.StatusOK, toGenerationResp(gen))
}
