// GigBridge session engine server.
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

	"github.com/gigbridge/engine/internal/agentloop"
	"github.com/gigbridge/engine/internal/api"
	"github.com/gigbridge/engine/internal/chat"
	"github.com/gigbridge/engine/internal/config"
	"github.com/gigbridge/engine/internal/llm"
	"github.com/gigbridge/engine/internal/middleware"
	"github.com/gigbridge/engine/internal/orchestrator"
	"github.com/gigbridge/engine/internal/retrieval"
	"github.com/gigbridge/engine/internal/sessioncache"
	"github.com/gigbridge/engine/internal/store"
	"github.com/gigbridge/engine/internal/timer"
	"github.com/gigbridge/engine/internal/tools"
	"github.com/gigbridge/engine/internal/transport"
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

	slog.Info("Starting session engine", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	model, err := llm.NewOpenAIClient(cfg.Model.APIKey, cfg.Model.Name, cfg.Model.BaseURL)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}
	slog.Info("Model client initialized", "model", cfg.Model.Name)

	var retriever retrieval.Retriever
	if cfg.Retrieval.URL != "" {
		retriever = retrieval.NewHTTPRetriever(cfg.Retrieval.URL, cfg.Retrieval.Timeout)
		slog.Info("Retrieval service configured", "url", cfg.Retrieval.URL)
	} else {
		retriever = retrieval.Noop{}
		slog.Info("Retrieval disabled (RETRIEVAL_URL not set)")
	}

	cache := sessioncache.New(cfg.CacheTTL)
	defer cache.Close()

	timers := timer.NewService(cfg.WarnBefore)
	defer timers.Close()

	orch := orchestrator.New(cache, repo, timers, model, retriever, cfg.MaxFollowups, cfg.Retrieval.TopK)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, repo)
	loop := agentloop.New(repo, model, registry, cfg.MaxAgentRounds)

	// Initialize handlers.
	conns := transport.NewConnManager()
	wsHandler := transport.NewHandler(orch, timers, conns, cfg.FrontendURL, cfg.IsDevelopment())
	apiHandler := api.NewHandler(repo, cfg.InterviewDuration)
	chatHandler := chat.NewHandler(loop, repo, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", api.Health(repo))
	apiHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	r.Get("/ws/interviews/{token}", wsHandler.ServeHTTP)

	// Note: SSE and WebSocket connections require no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped")
}
