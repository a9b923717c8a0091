package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"imageforge/internal/domain"
	"imageforge/internal/infra"
)

// Queue is the slice of the job queue the API needs.
type Queue interface {
	Enqueue(ctx context.Context, generationID string) error
}

// App carries handler dependencies.
type App struct {
	Generations domain.GenerationRepository
	Users       domain.UserRepository
	Presets     domain.PresetRepository
	Queue       Queue
	Log         infra.Logger
}

func NewApp(generations domain.GenerationRepository, users domain.UserRepository, presets domain.PresetRepository, queue Queue, log infra.Logger) *App {
	return &App{
		Generations: generations,
		Users:       users,
		Presets:     presets,
		Queue:       queue,
		Log:         log,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
