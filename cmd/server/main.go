// ThreatWatch - threat intelligence scan server
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

	"github.com/ashureev/threatwatch/internal/api"
	"github.com/ashureev/threatwatch/internal/app"
	"github.com/ashureev/threatwatch/internal/config"
	"github.com/ashureev/threatwatch/internal/identity"
	"github.com/ashureev/threatwatch/internal/middleware"
	"github.com/ashureev/threatwatch/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
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
	level.Set(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "engine", cfg.Engine.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Initialize handlers.
	handler := api.NewHandler(api.Deps{
		Repo:     a.Repo,
		Scans:    a.Scans,
		Configs:  a.Configs,
		Traces:   a.Traces,
		Hub:      a.Hub,
		Notifier: a.Notifier,
		Logger:   logger,
	})
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{"database": a.Repo}, 5*time.Second)
	wsHandler := api.NewObserverHandler(a.Hub, a.Traces, cfg.CORSOrigins, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware)

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", a.Metrics.Handler())

	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/scan/{"+identity.SessionURLParam+"}", wsHandler.ServeHTTP)

	// Serve embedded trace viewer (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Blocking scans and websockets are long lived, so no WriteTimeout.
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

	// Shutdown does not track hijacked connections; close observers first
	// so their sockets end with a going-away status.
	a.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		a.Close()
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
