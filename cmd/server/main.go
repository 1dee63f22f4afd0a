// Giknew - GitHub Activity Assistant Server
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

	"github.com/giknew/giknew/internal/api"
	"github.com/giknew/giknew/internal/ask"
	"github.com/giknew/giknew/internal/config"
	"github.com/giknew/giknew/internal/githubapp"
	"github.com/giknew/giknew/internal/llm"
	"github.com/giknew/giknew/internal/security"
	"github.com/giknew/giknew/internal/store"
	"github.com/giknew/giknew/internal/webhook"
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

	slog.Info("Starting server", "port", cfg.Port, "streaming", cfg.StreamingEnabled)

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	box, err := security.NewBox(cfg.MasterKey)
	if err != nil {
		slog.Error("Failed to initialize context encryption", "error", err)
		os.Exit(1)
	}

	auth, err := githubapp.NewAuthenticator(cfg.GitHub)
	if err != nil {
		slog.Error("Failed to initialize GitHub App authentication", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	aggregator := githubapp.NewAggregator(repo, auth, nil)
	names := githubapp.NewRepoNameCache(aggregator)
	completer := llm.NewClient(cfg.Completion)
	admission := ask.NewAdmission(cfg.UserConcurrency, cfg.GlobalConcurrency)
	contexts := ask.NewContexts(repo, box)
	orchestrator := ask.NewOrchestrator(aggregator, names, contexts, completer, cfg.StreamingEnabled)

	// Initialize handlers.
	askHandler := api.NewHandler(repo, admission, orchestrator, cfg.AskBudget)
	webhookHandler := webhook.NewHandler(cfg.GitHub.WebhookSecret, repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", askHandler.Health)
	askHandler.RegisterRoutes(r)
	r.Post("/webhooks/github", webhookHandler.ServeHTTP)

	// Create server. The write timeout leaves headroom over the ask
	// budget so a budgeted response is never cut off mid-write.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.AskBudget + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
