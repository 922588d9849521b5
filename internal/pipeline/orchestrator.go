package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/telemetry"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTrigger routes step chaining through t. Without it steps chain on
// local goroutines.
func WithTrigger(t Trigger) Option {
	return func(o *Orchestrator) { o.trigger = t }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator moves a job through extract, normalize, rewrite, images and
// render. Each step marks itself RUNNING, does its work, records the
// outcome and on success dispatches the next step without waiting for it.
type Orchestrator struct {
	store    *manifest.Store
	steps    []Step
	byName   map[models.StepName]Step
	trigger  Trigger
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func New(store *manifest.Store, steps []Step, opts ...Option) (*Orchestrator, error) {
	if len(steps) != len(models.Steps) {
		return nil, fmt.Errorf("pipeline needs %d steps, got %d", len(models.Steps), len(steps))
	}
	o := &Orchestrator{
		store:    store,
		steps:    steps,
		byName:   make(map[models.StepName]Step, len(steps)),
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for i, s := range steps {
		if s.Name != models.Steps[i] {
			return nil, fmt.Errorf("step %d is %q, want %q", i, s.Name, models.Steps[i])
		}
		if s.Run == nil {
			return nil, fmt.Errorf("step %q has no handler", s.Name)
		}
		o.byName[s.Name] = s
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.trigger == nil {
		o.trigger = &LocalTrigger{runner: o}
	}
	return o, nil
}

// Store exposes the manifest store the orchestrator writes through.
func (o *Orchestrator) Store() *manifest.Store {
	return o.store
}

// Submit creates a job and dispatches its first step. The returned
// manifest is valid even when err is a *TriggerError.
func (o *Orchestrator) Submit(ctx context.Context, filename, inputFile string) (*models.Manifest, error) {
	id := manifest.GenerateJobID()
	m, err := o.store.CreateJobStatus(ctx, id, filename, inputFile)
	if err != nil {
		return nil, err
	}
	telemetry.JobsCreated.Inc()
	o.record(ctx, id, "", EventSubmitted, inputFile)
	o.logger.Info("pipeline.job.submitted", "job_id", id, "input", inputFile)

	if err := o.dispatch(ctx, id, o.steps[0].Name); err != nil {
		if latest, lerr := o.store.LoadJobStatus(ctx, id); lerr == nil && latest != nil {
			m = latest
		}
		return m, err
	}
	return m, nil
}

// RunStep executes one step for a job synchronously. It returns a
// *StepError when the step's work failed and a *TriggerError when the step
// succeeded but the next one could not be dispatched; both mean the FAILED
// status was saved. Any other error is a manifest store failure and the
// outcome may be unrecorded.
func (o *Orchestrator) RunStep(ctx context.Context, jobID string, name models.StepName) (Result, error) {
	step, ok := o.byName[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	if err := o.ensureManifest(ctx, jobID); err != nil {
		return Result{}, err
	}

	m, err := o.store.UpdateStepStatus(ctx, jobID, name, models.StatusRunning, fmt.Sprintf("Step %s started", name))
	if err != nil {
		return Result{}, err
	}
	telemetry.StepsStarted.WithLabelValues(string(name)).Inc()
	o.record(ctx, jobID, name, EventStepRunning, "")

	start := o.now()
	res, runErr := step.Run(ctx, Input{JobID: jobID, Manifest: m})
	telemetry.StepDuration.WithLabelValues(string(name)).Observe(o.now().Sub(start).Seconds())

	if runErr != nil {
		telemetry.StepsFailed.WithLabelValues(string(name)).Inc()
		stepErr := &StepError{JobID: jobID, Step: name, Err: runErr}
		o.logger.Warn("pipeline.step.failed", "job_id", jobID, "step", name, "error", runErr)
		o.record(ctx, jobID, name, EventStepFailed, runErr.Error())
		if _, err := o.store.UpdateStepStatus(ctx, jobID, name, models.StatusFailed, fmt.Sprintf("Step %s failed: %v", name, runErr)); err != nil {
			// unrecorded: the caller must see a store failure, not a StepError
			return res, fmt.Errorf("record failure of %s (%v): %w", name, runErr, err)
		}
		return res, stepErr
	}

	if err := o.recordSuccess(ctx, jobID, name, res); err != nil {
		return res, err
	}
	telemetry.StepsCompleted.WithLabelValues(string(name)).Inc()
	o.record(ctx, jobID, name, EventStepCompleted, res.File)
	o.logger.Info("pipeline.step.completed", "job_id", jobID, "step", name, "file", res.File)

	next, ok := models.NextStep(name)
	if !ok {
		if _, err := o.store.CompleteJob(ctx, jobID); err != nil {
			return res, err
		}
		o.record(ctx, jobID, "", EventCompleted, "")
		return res, nil
	}
	return res, o.dispatch(ctx, jobID, next)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, jobID string, name models.StepName, res Result) error {
	for key, ref := range res.Outputs {
		if _, err := o.store.AddJobOutput(ctx, jobID, key, ref); err != nil {
			return err
		}
	}
	if len(res.Metadata) > 0 {
		if _, err := o.store.UpdateJobMetadata(ctx, jobID, res.Metadata); err != nil {
			return err
		}
	}
	_, err := o.store.UpdateStepStatus(ctx, jobID, name, models.StatusCompleted, fmt.Sprintf("Step %s completed", name))
	return err
}

// RunStepAsync runs a step on its own goroutine, detached from ctx's
// cancellation. Wait blocks until every such run has returned.
func (o *Orchestrator) RunStepAsync(ctx context.Context, jobID string, name models.StepName) {
	detached := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.RunStep(detached, jobID, name); err != nil {
			o.logger.Warn("pipeline.step.async_error", "job_id", jobID, "step", name, "error", err)
		}
	}()
}

// Wait blocks until background step runs finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Retry resets step (the first step when empty) to PENDING and dispatches
// it again. Nothing retries automatically; this is the manual action.
func (o *Orchestrator) Retry(ctx context.Context, jobID string, name models.StepName) error {
	if name == "" {
		name = o.steps[0].Name
	}
	if _, ok := o.byName[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	if _, err := o.store.UpdateStepStatus(ctx, jobID, name, models.StatusPending, models.RetryRequestedMessage(name)); err != nil {
		return err
	}
	o.record(ctx, jobID, name, EventRetry, "")
	return o.dispatch(ctx, jobID, name)
}

// ensureManifest tolerates a step called before (or without) Submit by
// creating a minimal manifest. It waits out propagation delay first so an
// existing manifest is not clobbered.
func (o *Orchestrator) ensureManifest(ctx context.Context, jobID string) error {
	_, err := o.store.GetJobOrThrow(ctx, jobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, manifest.ErrJobNotFound) {
		return err
	}
	o.logger.Info("pipeline.manifest.created_on_demand", "job_id", jobID)
	_, err = o.store.CreateJobStatus(ctx, jobID, "", "")
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context, jobID string, name models.StepName) error {
	err := o.trigger.Dispatch(ctx, jobID, name)
	if err == nil {
		return nil
	}
	telemetry.TriggerFailures.WithLabelValues(string(name)).Inc()
	o.logger.Error("pipeline.trigger.failed", "job_id", jobID, "step", name, "error", err)
	o.record(ctx, jobID, name, EventTriggerFailed, err.Error())
	trigErr := &TriggerError{JobID: jobID, Step: name, Err: err}
	if _, serr := o.store.UpdateStepStatus(ctx, jobID, name, models.StatusFailed, fmt.Sprintf("Failed to trigger %s: %v", name, err)); serr != nil {
		return fmt.Errorf("record trigger failure of %s (%v): %w", name, err, serr)
	}
	return trigErr
}

func (o *Orchestrator) record(ctx context.Context, jobID string, step models.StepName, kind, detail string) {
	ev := Event{JobID: jobID, Step: step, Kind: kind, Detail: detail, At: o.now().UTC()}
	if err := o.recorder.Record(ctx, ev); err != nil {
		o.logger.Warn("pipeline.recorder.failed", "job_id", jobID, "kind", kind, "error", err)
	}
}
