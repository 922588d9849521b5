package jobindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/telemetry"
)

// Reaper deletes jobs older than a retention window.
type Reaper struct {
	store     *manifest.Store
	retention time.Duration
	remover   Remover
	logger    *slog.Logger
}

func NewReaper(store *manifest.Store, retention time.Duration, remover Remover, logger *slog.Logger) *Reaper {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: store, retention: retention, remover: remover, logger: logger}
}

// Reap removes every job created before now minus the retention window and
// returns how many were deleted. Age comes from the manifest's createdAt,
// or from the manifest object's timestamp when the document is unreadable.
// A failure on one job is logged and the batch continues.
func (r *Reaper) Reap(ctx context.Context, now time.Time) (int, error) {
	objects := r.store.Objects()
	listed, err := objects.List(ctx, manifest.JobsPrefix)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	cutoff := now.Add(-r.retention)
	deleted := 0
	for _, obj := range listed {
		id, ok := manifest.JobIDFromKey(obj.Key)
		if !ok {
			continue
		}
		created := obj.UploadedAt
		if m, err := r.store.LoadJobStatus(ctx, id); err == nil && m != nil && !m.CreatedAt.IsZero() {
			created = m.CreatedAt
		}
		if created.IsZero() || !created.Before(cutoff) {
			continue
		}
		if err := r.deleteJob(ctx, objects, id); err != nil {
			r.logger.Warn("jobindex.reap.failed", "job_id", id, "error", err)
			continue
		}
		deleted++
		telemetry.JobsReaped.Inc()
		r.logger.Info("jobindex.reap.deleted", "job_id", id, "created_at", created)
	}
	return deleted, nil
}

func (r *Reaper) deleteJob(ctx context.Context, objects *objectstore.Client, id string) error {
	owned, err := objects.List(ctx, manifest.JobPrefix(id))
	if err != nil {
		return err
	}
	for _, obj := range owned {
		if obj.Key == manifest.ManifestKey(id) {
			continue
		}
		if err := objects.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	// manifest last, so a partial failure leaves the job discoverable for the next pass
	if err := objects.Delete(ctx, manifest.ManifestKey(id)); err != nil {
		return err
	}
	r.store.Forget(id)
	if r.remover != nil {
		if err := r.remover.RemoveJobID(ctx, id); err != nil {
			r.logger.Warn("jobindex.reap.index_remove_failed", "job_id", id, "error", err)
		}
	}
	return nil
}
