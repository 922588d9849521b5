package jobindex

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// ListOptions selects one page of job summaries.
type ListOptions struct {
	Page int
	// PageSize is clamped to [1, MaxPageSize]; zero means DefaultPageSize.
	PageSize int
	// Sort is createdAt or updatedAt.
	Sort string
	// Order is asc or desc.
	Order string
}

// ListResult is one page plus totals.
type ListResult struct {
	Jobs     []models.Summary `json:"jobs"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	HasMore  bool             `json:"hasMore"`
}

// Catalog turns an Index into job summaries.
type Catalog struct {
	index       Index
	store       *manifest.Store
	logger      *slog.Logger
	concurrency int
}

func NewCatalog(index Index, store *manifest.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{index: index, store: store, logger: logger, concurrency: 8}
}

// AllJobsSummaries loads every indexed manifest. A job that cannot be read
// is skipped with a warning; it never fails the whole listing. Order is
// unspecified.
func (c *Catalog) AllJobsSummaries(ctx context.Context) ([]models.Summary, error) {
	ids, err := c.index.JobIDs(ctx)
	if err != nil {
		return nil, err
	}

	found := make([]*models.Summary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			m, err := c.store.LoadJobStatus(gctx, id)
			if err != nil {
				c.logger.Warn("jobindex.summary.skipped", "job_id", id, "error", err)
				return nil
			}
			if m == nil {
				return nil
			}
			s := m.Summary()
			found[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]models.Summary, 0, len(ids))
	for _, s := range found {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	return summaries, nil
}

// ListJobs sorts and paginates in memory over the full summary set.
func (c *Catalog) ListJobs(ctx context.Context, opts ListOptions) (ListResult, error) {
	summaries, err := c.AllJobsSummaries(ctx)
	if err != nil {
		return ListResult{}, err
	}
	return Paginate(summaries, opts), nil
}

// Paginate applies ListOptions to an already loaded set.
func Paginate(summaries []models.Summary, opts ListOptions) ListResult {
	opts = normalizeOptions(opts)

	sorted := append([]models.Summary(nil), summaries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].CreatedAt, sorted[j].CreatedAt
		if opts.Sort == "updatedAt" {
			a, b = sorted[i].UpdatedAt, sorted[j].UpdatedAt
		}
		if opts.Order == "asc" {
			return a.Before(b)
		}
		return a.After(b)
	})

	total := len(sorted)
	start := (opts.Page - 1) * opts.PageSize
	if start > total {
		start = total
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return ListResult{
		Jobs:     sorted[start:end],
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
		HasMore:  end < total,
	}
}

func normalizeOptions(opts ListOptions) ListOptions {
	if opts.Page < 1 {
		opts.Page = 1
	}
	switch {
	case opts.PageSize == 0:
		opts.PageSize = DefaultPageSize
	case opts.PageSize < 1:
		opts.PageSize = 1
	case opts.PageSize > MaxPageSize:
		opts.PageSize = MaxPageSize
	}
	if opts.Sort != "updatedAt" {
		opts.Sort = "createdAt"
	}
	if opts.Order != "asc" {
		opts.Order = "desc"
	}
	return opts
}
