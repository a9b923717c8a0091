package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imageforge/internal/adapter/repo"
	"imageforge/internal/http/handlers"
	httpapi "imageforge/internal/http/httpapi"
	"imageforge/internal/infra"
	"imageforge/internal/worker"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	enqueuer, err := worker.NewEnqueuer(cfg.RedisURL, cfg.MaxAttempts, cfg.AttemptTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect queue")
	}
	defer enqueuer.Close()

	app := handlers.NewApp(
		repo.NewGenerationRepository(dbpool),
		repo.NewUserRepository(dbpool),
		repo.NewPresetRepository(dbpool),
		enqueuer,
		logger,
	)
	router := httpapi.NewRouter(app)

	// In filesystem-storage mode the API also serves the stored outputs.
	var handler http.Handler = router
	if cfg.MinioEndpoint == "" {
		mux := http.NewServeMux()
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.StoragePath))))
		mux.Handle("/", router)
		handler = mux
	}

	server := infra.NewHTTPServer(cfg, handler)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
