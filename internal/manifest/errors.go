package manifest

import (
	"errors"
	"fmt"

	"pdf-ebook-pipeline/internal/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrCorruptManifest = errors.New("manifest document is invalid")
)

// OpError keeps the identity of the manifest operation that failed.
type OpError struct {
	Op    string
	JobID string
	Step  models.StepName
	Err   error
}

func (e *OpError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s job=%s step=%s: %v", e.Op, e.JobID, e.Step, e.Err)
	}
	return fmt.Sprintf("%s job=%s: %v", e.Op, e.JobID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
