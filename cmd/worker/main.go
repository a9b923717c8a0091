package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imageforge/internal/adapter/repo"
	"imageforge/internal/domain"
	"imageforge/internal/engine"
	"imageforge/internal/infra"
	"imageforge/internal/ledger"
	"imageforge/internal/materialize"
	"imageforge/internal/providers/image"
	"imageforge/internal/ratelimit"
	"imageforge/internal/storage"
	"imageforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	generations := repo.NewGenerationRepository(pool)
	presets := repo.NewPresetRepository(pool)
	creditLedger := ledger.NewPostgresLedger(pool)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	var limiter ratelimit.Limiter
	if rdb, err := infra.NewRedisClient(ctx, cfg); err != nil {
		logger.Warn().Err(err).Msg("worker: redis unavailable for rate limiting, using in-process window")
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	} else {
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	providers := buildProviders(cfg, httpClient, logger)
	if len(providers) == 0 {
		logger.Fatal().Msg("worker: no provider api keys configured")
	}

	eng, err := engine.New(engine.Options{
		Generations:     generations,
		Presets:         presets,
		Ledger:          creditLedger,
		Providers:       providers,
		Materializer:    materialize.New(store, httpClient, cfg.SignedURLTTL),
		Limiter:         limiter,
		Store:           store,
		ProviderTimeout: cfg.ProviderTimeout,
		SourceURLTTL:    cfg.SignedURLTTL,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build engine")
	}

	w, err := worker.New(worker.Options{
		RedisURL:       cfg.RedisURL,
		Concurrency:    cfg.WorkerConcurrency,
		RetryBaseDelay: cfg.RetryBaseDelay,
		Engine:         eng,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build queue consumer")
	}
	if err := w.Start(); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to start queue consumer")
	}

	sweeper := worker.NewSweeper(generations, creditLedger, cfg.MaxProcessingTime, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("worker started")

	<-ctx.Done()
	w.Shutdown()
	logger.Info().Msg("worker stopped")
}

func buildStore(ctx context.Context, cfg *infra.Config) (storage.Store, error) {
	if cfg.MinioEndpoint != "" {
		return storage.NewMinioStore(ctx, storage.MinioOptions{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.Port + "/media"
	}
	return storage.NewFileStore(storagePath, baseURL)
}

func buildProviders(cfg *infra.Config, httpClient *http.Client, logger infra.Logger) map[domain.Provider]image.Generator {
	providers := make(map[domain.Provider]image.Generator)

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		providers[domain.ProviderOpenAI] = image.NewOpenAIClient(image.OpenAIOptions{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			HTTPClient: httpClient,
		})
	} else {
		logger.Warn().Msg("worker: OPENAI_API_KEY missing, openai presets will fail")
	}

	if strings.TrimSpace(cfg.StabilityAPIKey) != "" {
		providers[domain.ProviderStability] = image.NewStabilityClient(image.StabilityOptions{
			APIKey:     cfg.StabilityAPIKey,
			BaseURL:    cfg.StabilityBaseURL,
			HTTPClient: httpClient,
		})
	} else {
		logger.Warn().Msg("worker: STABILITY_API_KEY missing, stability presets will fail")
	}

	if strings.TrimSpace(cfg.DashScopeAPIKey) != "" {
		providers[domain.ProviderDashScope] = image.NewDashScopeClient(image.DashScopeOptions{
			APIKey:     cfg.DashScopeAPIKey,
			BaseURL:    cfg.DashScopeBaseURL,
			Model:      cfg.DashScopeModel,
			HTTPClient: httpClient,
			Logger:     &logger,
		})
	} else {
		logger.Warn().Msg("worker: DASHSCOPE_API_KEY missing, dashscope presets will fail")
	}

	return providers
}
