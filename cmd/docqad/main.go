package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docqa/docqa/internal/auth"
	"github.com/docqa/docqa/internal/config"
	"github.com/docqa/docqa/internal/embedder"
	"github.com/docqa/docqa/internal/index"
	"github.com/docqa/docqa/internal/ingestion"
	"github.com/docqa/docqa/internal/llm"
	"github.com/docqa/docqa/internal/memory"
	"github.com/docqa/docqa/internal/ranker"
	"github.com/docqa/docqa/internal/repository"
	"github.com/docqa/docqa/internal/repository/postgres"
	"github.com/docqa/docqa/internal/reranker"
	"github.com/docqa/docqa/internal/server"
	"github.com/docqa/docqa/internal/service"
	"github.com/docqa/docqa/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting docqa service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// PostgreSQL holds the tenant registry and usage events
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	tenantRepo := postgres.NewTenantRepo(db)
	usageRepo := postgres.NewUsageRepo(db)

	embed, err := embedder.New(embedder.Config{
		Provider:      cfg.EmbeddingProvider,
		Model:         cfg.EmbeddingModel,
		OllamaURL:     cfg.OllamaURL,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	slog.Info("initialized embedder", "provider", cfg.EmbeddingProvider, "model", embed.ModelName())

	llmClient := llm.NewOpenAIClient(
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithAPIKey(cfg.LLMAPIKey),
		llm.WithModel(cfg.LLMModel),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
		llm.WithRetry(cfg.LLMMaxAttempts, cfg.LLMMinBackoff, cfg.LLMMaxBackoff),
		llm.WithLogger(slog.Default()),
	)
	slog.Info("initialized LLM client", "model", cfg.LLMModel, "base_url", cfg.LLMBaseURL)

	cipher, err := index.NewAESCipherFromHex(cfg.MetadataKey)
	if err != nil {
		return fmt.Errorf("invalid metadata key: %w", err)
	}

	registry := index.NewRegistry(index.Config{
		DataDir:          cfg.DataDir,
		Cipher:           cipher,
		Embedder:         embed,
		Compress:         cfg.IndexCompress,
		CorruptTolerance: cfg.CorruptTolerance,
		Logger:           slog.Default(),
	})

	conversations := memory.NewStore(cfg.MemoryMaxMessages, cfg.MemoryTTL)

	var strictTenants repository.TenantRepository
	if cfg.StrictTenants {
		strictTenants = tenantRepo
	}

	answers := service.NewAnswerService(service.Config{
		Registry:    registry,
		Ranker:      ranker.New(slog.Default()),
		Reranker:    reranker.NewLLMReranker(llmClient, reranker.WithLogger(slog.Default())),
		LLM:         llmClient,
		Usage:       usageRepo,
		Memory:      conversations,
		Tenants:     strictTenants,
		TopK:        cfg.DefaultTopK,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Streaming:   cfg.LLMStreaming,
		Logger:      slog.Default(),
	})

	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Expiry = cfg.JWTExpiry
	jwtManager := auth.NewJWTManager(jwtConfig)

	httpServer := server.New(server.Config{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		Answers:        answers,
		Registry:       registry,
		Chunker: ingestion.NewChunker(ingestion.ChunkerConfig{
			TargetSize: cfg.ChunkTargetSize,
			MaxSize:    cfg.ChunkMaxSize,
			Overlap:    cfg.ChunkOverlap,
		}),
		Tenants:    tenantRepo,
		Auth:       auth.NewMiddleware(tenantRepo, jwtManager, cfg.AdminAPIKey),
		JWTManager: jwtManager,
		Ready: func(ctx context.Context) error {
			return db.Pool.Ping(ctx)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository = (*postgres.TenantRepo)(nil)
	_ repository.UsageRepository  = (*postgres.UsageRepo)(nil)
	_ usage.Tracker               = (*postgres.UsageRepo)(nil)
	_ index.Embedder              = (embedder.Embedder)(nil)
	_ llm.Client                  = (*llm.OpenAIClient)(nil)
)
