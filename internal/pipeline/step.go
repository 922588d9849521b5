package pipeline

import (
	"context"
	"fmt"

	"pdf-ebook-pipeline/internal/models"
)

// Input is what a step sees: the job id and the manifest as it stood when
// the step was marked RUNNING.
type Input struct {
	JobID    string
	Manifest *models.Manifest
}

// Result reports what a step produced. Outputs map an output name to a
// store key or URL; Metadata is merged into the manifest; File is the
// primary artifact echoed to HTTP callers.
type Result struct {
	File     string
	Outputs  map[string]string
	Metadata map[string]any
}

// StepFunc performs one step's external work.
type StepFunc func(ctx context.Context, in Input) (Result, error)

// Step binds a stage name to its work.
type Step struct {
	Name models.StepName
	Run  StepFunc
}

// BuildSteps orders funcs by the pipeline sequence and rejects gaps.
func BuildSteps(funcs map[models.StepName]StepFunc) ([]Step, error) {
	steps := make([]Step, 0, len(models.Steps))
	for _, name := range models.Steps {
		fn, ok := funcs[name]
		if !ok || fn == nil {
			return nil, fmt.Errorf("no handler for step %q", name)
		}
		steps = append(steps, Step{Name: name, Run: fn})
	}
	for name := range funcs {
		if !models.IsValidStep(name) {
			return nil, fmt.Errorf("unknown step %q", name)
		}
	}
	return steps, nil
}
