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

	"pdf-ebook-pipeline/internal/api"
	"pdf-ebook-pipeline/internal/app"
	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/export"
	"pdf-ebook-pipeline/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Env)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("api.init_failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	deps := api.Deps{
		Config:       cfg,
		Orchestrator: a.Orchestrator,
		Objects:      a.Objects,
		Catalog:      a.Catalog,
		Reaper:       a.Reaper,
		Export:       export.NewExporter(a.Catalog, a.Store, logger),
		Logger:       logger,
	}
	if a.Audit != nil {
		deps.Audit = a.Audit
	}
	if cfg.RateLimitCapacity > 0 {
		rdb := a.RedisClient()
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("api.rate_limit_disabled", "redis", cfg.RedisAddr, "error", err)
		} else {
			deps.Limiter = ratelimit.NewTokenBucket(rdb, api.RateLimitPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		}
		cancelPing()
	}

	server := api.New(deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api.listening", "port", cfg.HTTPPort, "trigger", cfg.TriggerMode)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api.listen_failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func logLevel(env string) slog.Level {
	if env == "dev" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
