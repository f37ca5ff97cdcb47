// Command server serves the ops/admin HTTP API: health, readiness, metrics
// and the authenticated queue/assignment endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutordex/aggregator/internal/adapter/httpserver"
	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/adapter/repo/postgres"
	"github.com/tutordex/aggregator/internal/app"
	"github.com/tutordex/aggregator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	if err := postgres.Migrate(cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	queueRepo := postgres.NewQueueRepo(pool, cfg.MaxAttempts)
	asgRepo := postgres.NewAssignmentRepo(pool)

	// No LLM client runs in this process, so the breaker probe stays nil
	// and readiness reports db and redis only.
	dbCheck, redisCheck, breakerCheck := app.BuildReadinessChecks(pool, rdb, nil)
	srv := httpserver.NewServer(cfg, queueRepo, asgRepo, dbCheck, redisCheck, breakerCheck)
	handler := app.BuildRouter(cfg, srv)

	if !cfg.AdminEnabled() {
		slog.Warn("admin API disabled, set ADMIN_USERNAME and ADMIN_PASSWORD_BCRYPT to enable it")
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("server stopped")
}
