package pipeline

import (
	"context"
	"time"

	"pdf-ebook-pipeline/internal/models"
)

// Event kinds mirrored to a Recorder.
const (
	EventSubmitted     = "job.submitted"
	EventStepRunning   = "step.running"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventTriggerFailed = "trigger.failed"
	EventRetry         = "job.retry"
	EventCompleted     = "job.completed"
)

// Event is one transition in a job's life.
type Event struct {
	JobID  string          `json:"jobId"`
	Step   models.StepName `json:"step,omitempty"`
	Kind   string          `json:"kind"`
	Detail string          `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// Recorder keeps a side copy of transitions. The manifest stays the
// source of truth; recorder errors are only logged.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) error { return nil }
