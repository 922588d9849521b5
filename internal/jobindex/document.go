package jobindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"pdf-ebook-pipeline/internal/objectstore"
)

// DocumentKey holds the optional id list.
const DocumentKey = "jobs/index.json"

var errLostUpdate = errors.New("index update overwritten")

type indexDocument struct {
	IDs []string `json:"ids"`
}

// DocumentIndex keeps every job id in one JSON document. Updates are
// optimistic: read, change, overwrite, read back, and retry when the write
// failed or a racing writer clobbered it. A race after the read-back can
// still drop an id; ListingIndex has no such hazard.
type DocumentIndex struct {
	objects  *objectstore.Client
	attempts int
	backoff  func(attempt int) time.Duration
	logger   *slog.Logger
}

func NewDocumentIndex(objects *objectstore.Client, logger *slog.Logger) *DocumentIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentIndex{
		objects:  objects,
		attempts: 6,
		backoff:  indexBackoff,
		logger:   logger,
	}
}

// 40ms × attempt plus up to 50ms of jitter.
func indexBackoff(attempt int) time.Duration {
	return time.Duration(attempt)*40*time.Millisecond + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
}

func (d *DocumentIndex) read(ctx context.Context) ([]string, error) {
	data, err := d.objects.GetOnce(ctx, DocumentKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", DocumentKey, err)
	}
	if doc.IDs == nil {
		doc.IDs = []string{}
	}
	return doc.IDs, nil
}

// JobIDs returns the stored ids; a missing document is an empty list.
func (d *DocumentIndex) JobIDs(ctx context.Context) ([]string, error) {
	ids, err := d.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job index: %w", err)
	}
	return ids, nil
}

// AppendJobID adds id once. Calling it again for the same id is a no-op.
func (d *DocumentIndex) AppendJobID(ctx context.Context, id string) error {
	return d.update(ctx, "append", id, func(ids []string) ([]string, bool) {
		if slices.Contains(ids, id) {
			return ids, false
		}
		return append(ids, id), true
	})
}

// RemoveJobID drops id if present.
func (d *DocumentIndex) RemoveJobID(ctx context.Context, id string) error {
	return d.update(ctx, "remove", id, func(ids []string) ([]string, bool) {
		i := slices.Index(ids, id)
		if i < 0 {
			return ids, false
		}
		return slices.Delete(ids, i, i+1), true
	})
}

// Register lets the manifest store record new jobs here.
func (d *DocumentIndex) Register(ctx context.Context, id string) error {
	return d.AppendJobID(ctx, id)
}

func (d *DocumentIndex) update(ctx context.Context, op, id string, change func([]string) ([]string, bool)) error {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ids, err := d.read(ctx)
		if err == nil {
			next, changed := change(ids)
			if !changed {
				return nil
			}
			_, err = d.objects.PutJSON(ctx, DocumentKey, indexDocument{IDs: next}, true)
			if err == nil {
				err = d.verify(ctx, change)
				if err == nil {
					return nil
				}
			}
		}
		lastErr = err
		d.logger.Debug("jobindex.document.retry", "op", op, "job_id", id, "attempt", attempt, "error", err)
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.backoff(attempt)):
		}
	}
	return fmt.Errorf("%s job index %s: %w", op, id, lastErr)
}

// verify reads the document back and checks the change is still in it.
func (d *DocumentIndex) verify(ctx context.Context, change func([]string) ([]string, bool)) error {
	ids, err := d.read(ctx)
	if err != nil {
		return err
	}
	if _, pending := change(ids); pending {
		return errLostUpdate
	}
	return nil
}
