package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/queue"
	"pdf-ebook-pipeline/internal/telemetry"
)

// StepRunner runs one step to completion.
type StepRunner interface {
	RunStep(ctx context.Context, jobID string, step models.StepName) (Result, error)
}

// Worker consumes the Redis step queue. A task is acked once its outcome
// is recorded in the manifest, whether the step succeeded or failed. When
// the manifest itself could not be written the lease is left to expire so
// the task is delivered again.
type Worker struct {
	queue        *queue.RedisQueue
	runner       StepRunner
	logger       *slog.Logger
	pollInterval time.Duration
	visibility   time.Duration
	workerID     string
}

func NewWorker(q *queue.RedisQueue, runner StepRunner, pollInterval, visibility time.Duration, workerID string, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		runner:       runner,
		logger:       logger.With("worker_id", workerID),
		pollInterval: pollInterval,
		visibility:   visibility,
		workerID:     workerID,
	}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker.started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		worked, err := w.ProcessOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("worker.iteration_failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessOnce reclaims expired leases and runs at most one task. It
// reports whether a task was taken.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	if reclaimed, err := w.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
		w.logger.Info("worker.leases_reclaimed", "count", len(reclaimed))
	}
	if depth, err := w.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	task, ok, err := w.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stop := w.keepLease(ctx, task)
	_, runErr := w.runner.RunStep(ctx, task.JobID, task.Step)
	stop()

	var stepErr *StepError
	var trigErr *TriggerError
	switch {
	case runErr == nil:
	case errors.As(runErr, &stepErr), errors.As(runErr, &trigErr):
		w.logger.Info("worker.task.recorded_failure", "task", task.String(), "error", runErr)
	case errors.Is(runErr, ErrUnknownStep):
		return true, w.queue.DeadLetter(ctx, task)
	default:
		w.logger.Error("worker.task.unrecorded", "task", task.String(), "error", runErr)
		return true, runErr
	}
	return true, w.queue.Ack(ctx, task)
}

// keepLease extends the task's lease at half the visibility timeout until stopped.
func (w *Worker) keepLease(ctx context.Context, task queue.Task) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(ctx, task, w.visibility); err != nil {
					w.logger.Warn("worker.lease_extend_failed", "task", task.String(), "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
