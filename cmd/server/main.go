package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/paam/internal/api"
	"github.com/RichardoC/paam/internal/auth"
	"github.com/RichardoC/paam/internal/chat"
	"github.com/RichardoC/paam/internal/config"
	"github.com/RichardoC/paam/internal/db"
	"github.com/RichardoC/paam/internal/keys"
	"github.com/RichardoC/paam/internal/llm"
	"github.com/RichardoC/paam/internal/ratelimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}

	err = db.ApplySettings(ctx, store, db.DefaultSettings(db.SettingsDefaults{
		Version:   version,
		Provider:  "openai",
		Model:     cfg.DefaultModel,
		MaxTokens: cfg.DefaultMaxTokens,
		RateLimit: cfg.ChatRateLimit,
	}))
	if err != nil {
		logger.Fatal("failed to apply system settings", zap.Error(err))
	}

	llmService, err := llm.New(cfg.LLMBaseURL, cfg.OpenAIAPIKey, cfg.DefaultModel, cfg.LLMTimeout)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	chatService := chat.NewService(store, llmService, llm.NewTokenEstimator(), chat.Defaults{
		Provider:    "openai",
		Model:       cfg.DefaultModel,
		Temperature: cfg.DefaultTemperature,
		MaxTokens:   cfg.DefaultMaxTokens,
	}, logger)

	deps := api.Deps{
		Chat:     chatService,
		Store:    store,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	}

	if cfg.KeyEncryptionSecret != "" {
		sealer, err := keys.NewSealer(cfg.KeyEncryptionSecret)
		if err != nil {
			logger.Fatal("failed to initialize key sealer", zap.Error(err))
		}
		deps.Sealer = sealer
	} else {
		logger.Warn("KEY_ENCRYPTION_SECRET not set, provider key storage disabled")
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.New(ctx, cfg.RedisURL, cfg.ChatRateLimit, cfg.ChatRateWindow)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		deps.Limiter = limiter
	} else {
		logger.Info("REDIS_URL not set, using in-process chat rate limiting")
		deps.Limiter = ratelimit.NewLocal(cfg.ChatRateLimit, cfg.ChatRateWindow)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		// Upstream completions can take most of LLM_TIMEOUT.
		WriteTimeout: cfg.LLMTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Env),
			zap.String("model", cfg.DefaultModel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	err = multierr.Append(err, store.Close())
	if limiter != nil {
		err = multierr.Append(err, limiter.Close())
	}
	if err != nil {
		logger.Error("shutdown completed with errors", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
