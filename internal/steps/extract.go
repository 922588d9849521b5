package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// ExtractResult is jobs/<id>/extract.json.
type ExtractResult struct {
	PageCount int      `json:"pageCount"`
	Pages     []string `json:"pages"`
	TextKey   string   `json:"textKey"`
}

// Extractor pulls plain text out of the uploaded PDF with pdftotext.
type Extractor struct {
	objects   *objectstore.Client
	runner    Runner
	pdftotext string
}

func NewExtractor(deps Deps) *Extractor {
	bin := deps.Config.PdftotextPath
	if bin == "" {
		bin = "pdftotext"
	}
	return &Extractor{objects: deps.Objects, runner: deps.Runner, pdftotext: bin}
}

func (e *Extractor) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	if in.Manifest == nil || in.Manifest.InputFile == "" {
		return pipeline.Result{}, errors.New("job has no input file")
	}
	pdf, err := e.objects.Fetch(ctx, in.Manifest.InputFile)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("fetch input: %w", err)
	}

	tmp, err := os.CreateTemp("", "ebook-*.pdf")
	if err != nil {
		return pipeline.Result{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(pdf); err != nil {
		tmp.Close()
		return pipeline.Result{}, err
	}
	if err := tmp.Close(); err != nil {
		return pipeline.Result{}, err
	}

	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", tmp.Name(), "-")
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("pdftotext: %w: %s", err, truncate(strings.TrimSpace(string(errb)), 512))
	}
	text := string(out)
	pages := SplitPages(text)
	if len(pages) == 0 {
		return pipeline.Result{}, errors.New("pdf contains no extractable text")
	}

	textKey := manifest.StepResultKey(in.JobID, models.StepExtract, "txt")
	if _, err := e.objects.Put(ctx, textKey, out, objectstore.PutOptions{ContentType: "text/plain; charset=utf-8", Overwrite: true}); err != nil {
		return pipeline.Result{}, err
	}
	res, err := saveResult(ctx, e.objects, in.JobID, models.StepExtract, ExtractResult{PageCount: len(pages), Pages: pages, TextKey: textKey})
	if err != nil {
		return pipeline.Result{}, err
	}
	res.Outputs["extractText"] = textKey
	res.Metadata = map[string]any{"pageCount": len(pages)}
	return res, nil
}

// SplitPages splits pdftotext output on form feeds, dropping pages with no text.
func SplitPages(text string) []string {
	raw := strings.Split(text, "\f")
	pages := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) == "" {
			continue
		}
		pages = append(pages, p)
	}
	return pages
}
