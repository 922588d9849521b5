package pipeline

import (
	"errors"
	"fmt"

	"pdf-ebook-pipeline/internal/models"
)

var ErrUnknownStep = errors.New("unknown step")

// StepError means a step's own work failed. The step has been marked
// FAILED and the next step was not dispatched.
type StepError struct {
	JobID string
	Step  models.StepName
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed for job %s: %v", e.Step, e.JobID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// TriggerError means dispatching a step failed. The target step has been
// marked FAILED.
type TriggerError struct {
	JobID string
	Step  models.StepName
	Err   error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger %s for job %s: %v", e.Step, e.JobID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}
