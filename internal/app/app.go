// Package app assembles the pipeline components shared by the API and
// worker processes from one Config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"pdf-ebook-pipeline/internal/audit"
	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/jobindex"
	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
	"pdf-ebook-pipeline/internal/queue"
	"pdf-ebook-pipeline/internal/steps"
)

// App holds wired components. Redis, Queue and Audit are nil when the
// configuration does not call for them.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Objects      *objectstore.Client
	Store        *manifest.Store
	Index        jobindex.Index
	Catalog      *jobindex.Catalog
	Reaper       *jobindex.Reaper
	Orchestrator *pipeline.Orchestrator
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Audit        *audit.Store
}

// Option adjusts assembly, mostly for tests.
type Option func(*options)

type options struct {
	objects *objectstore.Client
	runner  steps.Runner
	redis   *redis.Client
}

// WithObjects uses an existing object store client instead of opening one.
func WithObjects(c *objectstore.Client) Option {
	return func(o *options) { o.objects = c }
}

// WithRunner replaces the external command runner used by extract.
func WithRunner(r steps.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithRedis uses an existing Redis client.
func WithRedis(c *redis.Client) Option {
	return func(o *options) { o.redis = c }
}

// Build validates cfg and assembles the pipeline. Close releases what it opened.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Redis: o.redis}
	objects := o.objects
	if objects == nil {
		var err error
		objects, err = objectstore.NewFromConfig(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	a.Objects = objects

	storeOpts := []manifest.Option{
		manifest.WithLogger(logger),
		manifest.WithLoadRetry(cfg.ManifestLoadAttempts, cfg.ManifestLoadBackoff),
	}
	var removers jobindex.Removers
	switch cfg.IndexStrategy {
	case config.IndexDocument:
		doc := jobindex.NewDocumentIndex(objects, logger)
		a.Index = doc
		removers = append(removers, doc)
		storeOpts = append(storeOpts, manifest.WithRegistrar(doc))
	default:
		a.Index = jobindex.NewListingIndex(objects)
	}
	a.Store = manifest.NewStore(objects, storeOpts...)

	if cfg.PostgresDSN != "" {
		st, err := audit.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("audit migrations: %w", err)
		}
		a.Audit = st
		removers = append(removers, st)
	}
	a.Catalog = jobindex.NewCatalog(a.Index, a.Store, logger)
	a.Reaper = jobindex.NewReaper(a.Store, cfg.RetentionWindow, removers, logger)

	built, err := steps.Build(steps.Deps{Objects: objects, Config: cfg, Runner: o.runner, Logger: logger})
	if err != nil {
		a.Close()
		return nil, err
	}

	pipeOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if a.Audit != nil {
		pipeOpts = append(pipeOpts, pipeline.WithRecorder(a.Audit))
	}
	switch cfg.TriggerMode {
	case config.TriggerHTTP:
		pipeOpts = append(pipeOpts, pipeline.WithTrigger(pipeline.NewHTTPTrigger(cfg.PublicBaseURL, cfg.TriggerTimeout)))
	case config.TriggerQueue:
		a.Queue = queue.NewRedisQueue(a.RedisClient(), cfg.StepQueueName, cfg.VisibilityTimeout)
		pipeOpts = append(pipeOpts, pipeline.WithTrigger(pipeline.NewQueueTrigger(a.Queue)))
	}
	a.Orchestrator, err = pipeline.New(a.Store, built, pipeOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("app.ready",
		"store", cfg.StoreBackend,
		"index", cfg.IndexStrategy,
		"trigger", cfg.TriggerMode,
		"audit", a.Audit != nil,
	)
	return a, nil
}

// RedisClient returns the shared Redis client, creating it if needed.
func (a *App) RedisClient() *redis.Client {
	if a.Redis == nil {
		a.Redis = queue.NewRedisClient(a.Config)
	}
	return a.Redis
}

// StepQueue returns the step queue, creating it when the trigger mode did not.
func (a *App) StepQueue() *queue.RedisQueue {
	if a.Queue == nil {
		a.Queue = queue.NewRedisQueue(a.RedisClient(), a.Config.StepQueueName, a.Config.VisibilityTimeout)
	}
	return a.Queue
}

// Close waits for background step runs and releases connections.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.Audit != nil {
		a.Audit.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
