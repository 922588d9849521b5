package steps

import (
	"context"
	"regexp"
	"strings"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// NormalizeResult is jobs/<id>/normalize.json.
type NormalizeResult struct {
	Paragraphs []string `json:"paragraphs"`
	WordCount  int      `json:"wordCount"`
}

var (
	hyphenBreak = regexp.MustCompile(`(\p{L})-\n\s*(\p{Ll})`)
	pageNumber  = regexp.MustCompile(`^\s*(?:-\s*)?\d{1,4}(?:\s*-)?\s*$`)
	blankLines  = regexp.MustCompile(`\n\s*\n`)
)

// Normalizer turns page text into clean paragraphs.
type Normalizer struct {
	objects *objectstore.Client
}

func NewNormalizer(deps Deps) *Normalizer {
	return &Normalizer{objects: deps.Objects}
}

func (n *Normalizer) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	var extracted ExtractResult
	if err := loadResult(ctx, n.objects, in, models.StepExtract, &extracted); err != nil {
		return pipeline.Result{}, err
	}
	paragraphs := NormalizePages(extracted.Pages)
	words := 0
	for _, p := range paragraphs {
		words += len(strings.Fields(p))
	}
	res, err := saveResult(ctx, n.objects, in.JobID, models.StepNormalize, NormalizeResult{Paragraphs: paragraphs, WordCount: words})
	if err != nil {
		return pipeline.Result{}, err
	}
	res.Metadata = map[string]any{"paragraphCount": len(paragraphs), "wordCount": words}
	return res, nil
}

// NormalizePages drops page-number lines, rejoins words hyphenated across
// line breaks, and reflows lines into paragraphs. A paragraph that runs
// over a page break is joined when the page ends mid-sentence.
func NormalizePages(pages []string) []string {
	var out []string
	for _, page := range pages {
		lines := strings.Split(strings.ReplaceAll(page, "\r\n", "\n"), "\n")
		kept := lines[:0]
		for _, line := range lines {
			if pageNumber.MatchString(line) {
				continue
			}
			kept = append(kept, line)
		}
		text := hyphenBreak.ReplaceAllString(strings.Join(kept, "\n"), "$1$2")

		first := true
		for _, block := range blankLines.Split(text, -1) {
			para := strings.Join(strings.Fields(block), " ")
			if para == "" {
				continue
			}
			if first && len(out) > 0 && !endsSentence(out[len(out)-1]) {
				out[len(out)-1] += " " + para
			} else {
				out = append(out, para)
			}
			first = false
		}
	}
	return out
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, `"'”’)`)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") || strings.HasSuffix(s, ":")
}
