package jobindex

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/objectstore"
)

// Index enumerates known job ids.
type Index interface {
	JobIDs(ctx context.Context) ([]string, error)
}

// Remover drops an id from an index when its job is deleted.
type Remover interface {
	RemoveJobID(ctx context.Context, id string) error
}

// Removers fans a removal out to several indexes, attempting every one.
type Removers []Remover

func (rs Removers) RemoveJobID(ctx context.Context, id string) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RemoveJobID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListingIndex discovers jobs by listing the jobs/ prefix and matching
// manifest keys. There is no index document to go stale.
type ListingIndex struct {
	objects *objectstore.Client
}

func NewListingIndex(objects *objectstore.Client) *ListingIndex {
	return &ListingIndex{objects: objects}
}

func (l *ListingIndex) JobIDs(ctx context.Context) ([]string, error) {
	objs, err := l.objects.List(ctx, manifest.JobsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	seen := make(map[string]struct{}, len(objs))
	ids := make([]string, 0, len(objs))
	for _, obj := range objs {
		id, ok := manifest.JobIDFromKey(obj.Key)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
