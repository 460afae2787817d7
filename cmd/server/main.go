// StudyBot - Socratic Python Tutor Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/studybot/internal/api"
	"github.com/ashureev/studybot/internal/config"
	"github.com/ashureev/studybot/internal/content"
	"github.com/ashureev/studybot/internal/convlog"
	"github.com/ashureev/studybot/internal/engine"
	"github.com/ashureev/studybot/internal/identity"
	"github.com/ashureev/studybot/internal/llm"
	"github.com/ashureev/studybot/internal/metrics"
	"github.com/ashureev/studybot/internal/middleware"
	"github.com/ashureev/studybot/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Load the curriculum. Startup fails only if neither the lesson
	// repository nor the catalog yields a usable module.
	curriculum, err := content.NewProvider(content.Options{
		GitHub: content.GitHubConfig{
			RepoAPI:  cfg.Content.RepoAPI,
			RawBase:  cfg.Content.RawBase,
			Interval: cfg.Content.RequestInterval,
		},
		CatalogPath: cfg.Content.CatalogPath,
		Offline:     cfg.Content.Offline,
		TTL:         cfg.Content.RefreshTTL,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize curriculum", "error", err)
		os.Exit(1)
	}
	modules, err := content.Sync(ctx, curriculum, repo, logger)
	if err != nil {
		slog.Error("Failed to load curriculum", "error", err)
		os.Exit(1)
	}
	slog.Info("Curriculum ready", "modules", len(modules))
	content.StartRefresher(ctx, curriculum, repo, cfg.Content.RefreshTTL, logger)

	completer, err := llm.New(llm.Config{
		APIKey:    cfg.Completion.APIKey,
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
	})
	if err != nil {
		slog.Warn("Failed to initialize completion client, replies will use local fallbacks", "error", err)
		completer = nil
	}

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	tutor := engine.New(repo, completer, engine.Config{
		ContextTurns:      cfg.Dialogue.ContextTurns,
		RepetitionWindow:  cfg.Dialogue.RepetitionWindow,
		CompletionTimeout: cfg.Completion.Timeout,
	}, conversationLogger, logger)

	handler := api.NewHandler(tutor, api.Options{
		Limiter:       middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window),
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Websocket chats are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
