// Package steps holds the default work behind each pipeline stage. Every
// stage reads the previous stage's result document from the object store
// and writes its own under the job's prefix.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// Deps are shared by every stage.
type Deps struct {
	Objects    *objectstore.Client
	Config     config.Config
	Runner     Runner
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Build wires the five default stages in pipeline order.
func Build(deps Deps) ([]pipeline.Step, error) {
	if deps.Objects == nil {
		return nil, fmt.Errorf("steps: object store is required")
	}
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: deps.Config.ImageDownloadTimeout}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return pipeline.BuildSteps(map[models.StepName]pipeline.StepFunc{
		models.StepExtract:   NewExtractor(deps).Run,
		models.StepNormalize: NewNormalizer(deps).Run,
		models.StepRewrite:   NewRewriter(deps).Run,
		models.StepImages:    NewIllustrator(deps).Run,
		models.StepRender:    NewRenderer(deps).Run,
	})
}

func resultKey(in pipeline.Input, step models.StepName) string {
	if in.Manifest != nil {
		if ref, ok := in.Manifest.Outputs[string(step)]; ok && ref != "" {
			return ref
		}
	}
	return manifest.StepResultKey(in.JobID, step, "json")
}

// loadResult reads the result document another stage produced.
func loadResult(ctx context.Context, objects *objectstore.Client, in pipeline.Input, step models.StepName, v any) error {
	data, err := objects.Fetch(ctx, resultKey(in, step))
	if err != nil {
		return fmt.Errorf("read %s result: %w", step, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s result: %w", step, err)
	}
	return nil
}

// saveResult writes a stage's result document and reports it as the stage output.
func saveResult(ctx context.Context, objects *objectstore.Client, jobID string, step models.StepName, v any) (pipeline.Result, error) {
	key := manifest.StepResultKey(jobID, step, "json")
	if _, err := objects.PutJSON(ctx, key, v, true); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{File: key, Outputs: map[string]string{string(step): key}}, nil
}
