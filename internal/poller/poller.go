// Package poller watches a job from the outside the way a client would,
// and nudges it once if the first step never starts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pdf-ebook-pipeline/internal/models"
)

// Source is the read and retry surface a Poller needs.
type Source interface {
	GetJob(ctx context.Context, id string) (*models.Manifest, error)
	RetryStep(ctx context.Context, id string, step models.StepName) error
}

// Options tune polling. Zero values take the defaults.
type Options struct {
	// Interval between polls, default 2s.
	Interval time.Duration
	// StuckAfter is how long the first step may stay PENDING, default 12s.
	StuckAfter time.Duration
	// NotFoundGrace is how long a missing manifest is tolerated, default 30s.
	NotFoundGrace time.Duration
	// DisableAutoRetry turns off the one automatic retry of a stuck job.
	DisableAutoRetry bool
}

// ErrNeverVisible is returned when the manifest stayed missing past the grace period.
var ErrNeverVisible = errors.New("job never became visible")

// Poller watches jobs until they finish.
type Poller struct {
	src    Source
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	retried map[string]bool
}

func New(src Source, opts Options, logger *slog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 12 * time.Second
	}
	if opts.NotFoundGrace <= 0 {
		opts.NotFoundGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, opts: opts, logger: logger, now: time.Now, retried: make(map[string]bool)}
}

// Watch polls id until it is done, ctx ends, or the manifest never shows
// up. onUpdate, when set, sees every successful poll. A FAILED step ends
// the watch with that step reported; it is never shown as in progress.
func (p *Poller) Watch(ctx context.Context, id string, onUpdate func(Progress)) (Progress, error) {
	start := p.now()
	var last Progress
	for {
		m, err := p.src.GetJob(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			if p.now().Sub(start) > p.opts.NotFoundGrace {
				return last, fmt.Errorf("%w: %s after %s", ErrNeverVisible, id, p.opts.NotFoundGrace)
			}
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			p.logger.Warn("poller.read_failed", "job_id", id, "error", err)
		default:
			last = Evaluate(m, p.now(), p.opts.StuckAfter)
			if onUpdate != nil {
				onUpdate(last)
			}
			if last.Done {
				return last, nil
			}
			if last.Stuck && !p.opts.DisableAutoRetry && p.claimAutoRetry(m) {
				p.logger.Info("poller.auto_retry", "job_id", id, "step", models.Steps[0])
				if err := p.src.RetryStep(ctx, id, models.Steps[0]); err != nil {
					p.logger.Warn("poller.auto_retry_failed", "job_id", id, "error", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(p.opts.Interval):
		}
	}
}

// Retry is the manual action; step defaults to the first step. It is not
// limited the way the automatic retry is.
func (p *Poller) Retry(ctx context.Context, id string, step models.StepName) error {
	if step == "" {
		step = models.Steps[0]
	}
	return p.src.RetryStep(ctx, id, step)
}

// claimAutoRetry reports true at most once per job. A retry already in
// the manifest log counts, so separate pollers (and separate CLI runs) do
// not retry the same job again.
func (p *Poller) claimAutoRetry(m *models.Manifest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retried[m.ID] || m.RetriedStep(models.Steps[0]) {
		return false
	}
	p.retried[m.ID] = true
	return true
}
