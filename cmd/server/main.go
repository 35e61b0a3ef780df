// Package main is the entrypoint for the PipeFlow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipeflow-io/pipeflow/internal/api"
	"github.com/pipeflow-io/pipeflow/internal/api/handler"
	mw "github.com/pipeflow-io/pipeflow/internal/api/middleware"
	"github.com/pipeflow-io/pipeflow/internal/api/response"
	"github.com/pipeflow-io/pipeflow/internal/artifacts"
	"github.com/pipeflow-io/pipeflow/internal/cache"
	"github.com/pipeflow-io/pipeflow/internal/config"
	"github.com/pipeflow-io/pipeflow/internal/engine"
	"github.com/pipeflow-io/pipeflow/internal/schedule"
	"github.com/pipeflow-io/pipeflow/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "runner", cfg.Engine.Runner, "worker_id", cfg.Engine.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and artifact store
	pgStore := store.NewPostgresStore(pool)

	artifactStore, err := artifacts.New(ctx, cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	// 6. Create execution engine
	runner, err := engine.NewRunner(cfg.Engine)
	if err != nil {
		return fmt.Errorf("create step runner: %w", err)
	}
	aggregator := engine.NewAggregator(pgStore, redisCache, artifactStore, logger)
	coordinator := engine.NewCoordinator(pgStore, aggregator, runner, cfg.Engine, logger)

	// 7. Start schedule dispatcher
	if cfg.Schedule.Enabled {
		dispatcher := schedule.NewDispatcher(pgStore, coordinator, cfg.Schedule, logger)
		go dispatcher.Run(ctx)
	}

	// 8. Build router with dependencies
	rateLimit := mw.NewRateLimit(redisCache, cfg.Engine.RateLimitPerMin)

	deps := api.Dependencies{
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		ListPipelines:        handler.NewListPipelinesHandler(pgStore, redisCache),
		PipelineStats:        handler.NewPipelineStatsHandler(pgStore, redisCache),
		CreatePipeline:       handler.NewCreatePipelineHandler(pgStore),
		GetPipeline:          handler.NewGetPipelineHandler(pgStore),
		UpdatePipeline:       handler.NewUpdatePipelineHandler(pgStore),
		DeletePipeline:       handler.NewDeletePipelineHandler(pgStore),
		UpdatePipelineStatus: handler.NewUpdatePipelineStatusHandler(pgStore),
		ValidatePipeline:     handler.NewValidatePipelineHandler(pgStore),

		ListSteps:  handler.NewListStepsHandler(pgStore),
		CreateStep: handler.NewCreateStepHandler(pgStore),
		UpdateStep: handler.NewUpdateStepHandler(pgStore),
		DeleteStep: handler.NewDeleteStepHandler(pgStore),

		ExecutePipeline: handler.NewExecuteHandler(coordinator),
		ListExecutions:  handler.NewListExecutionsHandler(pgStore),
		GetExecution:    handler.NewGetExecutionHandler(aggregator),
		CancelExecution: handler.NewCancelExecutionHandler(coordinator),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout; the coordinator drains after the
	// HTTP server so in-flight requests can still queue work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("coordinator shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, "Service healthy", map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
