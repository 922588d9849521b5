package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
)

// Registrar records a new job id in an enumeration index.
type Registrar interface {
	Register(ctx context.Context, id string) error
}

// Option configures a Store.
type Option func(*Store)

func WithRegistrar(r Registrar) Option {
	return func(s *Store) { s.registrar = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLoadRetry sets how GetJobOrThrow waits out propagation delay:
// attempts tries, sleeping backoff × attempt between them.
func WithLoadRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.loadAttempts = attempts
		}
		s.loadBackoff = backoff
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithoutSerializer disables same-process save deduplication.
func WithoutSerializer() Option {
	return func(s *Store) { s.serializer = NewPassthroughSerializer(s.persist) }
}

// Store owns job manifests in the object store. Every mutation loads the
// whole document, applies a change and writes the whole document back;
// concurrent writers in different processes resolve by last write wins.
type Store struct {
	objects      *objectstore.Client
	registrar    Registrar
	logger       *slog.Logger
	loadAttempts int
	loadBackoff  time.Duration
	now          func() time.Time
	serializer   *Serializer
}

func NewStore(objects *objectstore.Client, opts ...Option) *Store {
	s := &Store{
		objects:      objects,
		logger:       slog.Default(),
		loadAttempts: 3,
		loadBackoff:  50 * time.Millisecond,
		now:          time.Now,
	}
	s.serializer = NewSerializer(s.persist)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Objects exposes the underlying object store client.
func (s *Store) Objects() *objectstore.Client {
	return s.objects
}

// Serializer exposes the in-process save guard.
func (s *Store) Serializer() *Serializer {
	return s.serializer
}

// CreateJobStatus writes a fresh manifest with every step PENDING.
func (s *Store) CreateJobStatus(ctx context.Context, id, filename, inputFile string) (*models.Manifest, error) {
	now := s.now().UTC()
	m := &models.Manifest{
		ID:        id,
		Filename:  filename,
		InputFile: inputFile,
		Steps:     models.NewSteps(),
		Outputs:   map[string]string{},
		Logs:      []models.LogEntry{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.AppendLog(now, models.LevelInfo, "Job created")
	if err := s.SaveJobStatus(ctx, m); err != nil {
		return nil, &OpError{Op: "createJobStatus", JobID: id, Err: err}
	}
	if s.registrar != nil {
		if err := s.registrar.Register(ctx, id); err != nil {
			s.logger.Warn("manifest.register_failed", "job_id", id, "error", err)
		}
	}
	return m, nil
}

// LoadJobStatus reads a manifest once. A missing manifest is (nil, nil).
func (s *Store) LoadJobStatus(ctx context.Context, id string) (*models.Manifest, error) {
	data, err := s.objects.GetOnce(ctx, ManifestKey(id))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", id, err)
	}
	return decodeManifest(id, data)
}

func decodeManifest(id string, data []byte) (*models.Manifest, error) {
	if err := validateManifest(data); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", id, err)
	}
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w: %v", id, ErrCorruptManifest, err)
	}
	if m.ID != id {
		return nil, fmt.Errorf("load manifest %s: %w: embedded id %q", id, ErrCorruptManifest, m.ID)
	}
	m.Normalize()
	return &m, nil
}

// GetJobOrThrow loads a manifest, retrying to ride out propagation delay.
// It returns ErrJobNotFound only once every attempt has missed.
func (s *Store) GetJobOrThrow(ctx context.Context, id string) (*models.Manifest, error) {
	var lastErr error
	for attempt := 1; attempt <= s.loadAttempts; attempt++ {
		m, err := s.LoadJobStatus(ctx, id)
		if err == nil && m != nil {
			return m, nil
		}
		if errors.Is(err, ErrCorruptManifest) {
			return nil, err
		}
		lastErr = err
		if attempt < s.loadAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.loadBackoff * time.Duration(attempt)):
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// SaveJobStatus stamps UpdatedAt and overwrites the stored manifest. The
// caller passes the full document; nothing is merged server side.
func (s *Store) SaveJobStatus(ctx context.Context, m *models.Manifest) error {
	m.Normalize()
	m.UpdatedAt = s.now().UTC()
	_, _, err := s.serializer.Save(ctx, m)
	return err
}

func (s *Store) persist(ctx context.Context, m *models.Manifest) error {
	if _, err := s.objects.PutJSON(ctx, ManifestKey(m.ID), m, true); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, op, id string, step models.StepName, apply func(m *models.Manifest) error) (*models.Manifest, error) {
	m, err := s.GetJobOrThrow(ctx, id)
	if err != nil {
		return nil, &OpError{Op: op, JobID: id, Step: step, Err: err}
	}
	if err := apply(m); err != nil {
		return nil, &OpError{Op: op, JobID: id, Step: step, Err: err}
	}
	if err := s.SaveJobStatus(ctx, m); err != nil {
		return nil, &OpError{Op: op, JobID: id, Step: step, Err: err}
	}
	return m, nil
}

// UpdateStepStatus sets one step and, when message is set, appends a log
// line at error level for FAILED and info otherwise. Not atomic: a racing
// writer may overwrite the result.
func (s *Store) UpdateStepStatus(ctx context.Context, id string, step models.StepName, status models.StepStatus, message string) (*models.Manifest, error) {
	return s.mutate(ctx, "updateStepStatus", id, step, func(m *models.Manifest) error {
		if !models.IsValidStep(step) {
			return fmt.Errorf("unknown step %q", step)
		}
		m.Steps[step] = status
		if message != "" {
			level := models.LevelInfo
			if status == models.StatusFailed {
				level = models.LevelError
			}
			m.AppendLog(s.now(), level, message)
		}
		return nil
	})
}

// AddJobOutput records where an artifact was stored.
func (s *Store) AddJobOutput(ctx context.Context, id, name, ref string) (*models.Manifest, error) {
	return s.mutate(ctx, "addJobOutput", id, "", func(m *models.Manifest) error {
		m.Outputs[name] = ref
		return nil
	})
}

// AddJobLog appends a log line. Failures are logged and swallowed.
func (s *Store) AddJobLog(ctx context.Context, id string, level models.LogLevel, message string) {
	_, err := s.mutate(ctx, "addJobLog", id, "", func(m *models.Manifest) error {
		m.AppendLog(s.now(), level, message)
		return nil
	})
	if err != nil {
		s.logger.Warn("manifest.log.append_failed", "job_id", id, "error", err)
	}
}

// UpdateJobMetadata merges patch into metadata; existing keys not in patch survive.
func (s *Store) UpdateJobMetadata(ctx context.Context, id string, patch map[string]any) (*models.Manifest, error) {
	return s.mutate(ctx, "updateJobMetadata", id, "", func(m *models.Manifest) error {
		for k, v := range patch {
			m.Metadata[k] = v
		}
		return nil
	})
}

// CompleteJob forces every step that is not yet terminal to COMPLETED.
func (s *Store) CompleteJob(ctx context.Context, id string) (*models.Manifest, error) {
	return s.mutate(ctx, "completeJob", id, "", func(m *models.Manifest) error {
		for _, step := range models.Steps {
			switch m.Steps[step] {
			case models.StatusCompleted, models.StatusFailed:
			default:
				m.Steps[step] = models.StatusCompleted
			}
		}
		m.AppendLog(s.now(), models.LevelInfo, "Job completed")
		return nil
	})
}

// FailJob marks step FAILED (when given) and appends an error log. Other
// steps are left alone.
func (s *Store) FailJob(ctx context.Context, id, message string, step models.StepName) (*models.Manifest, error) {
	return s.mutate(ctx, "failJob", id, step, func(m *models.Manifest) error {
		if step != "" {
			if !models.IsValidStep(step) {
				return fmt.Errorf("unknown step %q", step)
			}
			m.Steps[step] = models.StatusFailed
		}
		m.AppendLog(s.now(), models.LevelError, message)
		return nil
	})
}

// Forget drops in-process state for a deleted job.
func (s *Store) Forget(id string) {
	s.serializer.Forget(id)
}
