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

	"pdf-ebook-pipeline/internal/app"
	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/pipeline"
	"pdf-ebook-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TriggerMode != config.TriggerQueue {
		logger.Warn("worker.trigger_mode", "mode", cfg.TriggerMode, "note", "steps chained by this worker bypass the queue")
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("worker.init_failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	q := a.StepQueue()
	if err := q.Ping(ctx); err != nil {
		logger.Error("worker.redis_unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("worker.metrics_stopped", "error", err)
		}
	}()

	w := pipeline.NewWorker(q, a.Orchestrator, cfg.WorkerPollInterval, cfg.VisibilityTimeout, workerID, logger)
	logger.Info("worker.config", "visibility", cfg.VisibilityTimeout, "poll", cfg.WorkerPollInterval, "queue", cfg.StepQueueName)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker.stopped", "error", err)
	}
}
