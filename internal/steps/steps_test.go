package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

type fakeRunner struct {
	stdout string
	err    error
	args   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.args = append([]string{name}, args...)
	if f.err != nil {
		return nil, []byte("Syntax Error: broken xref"), f.err
	}
	return []byte(f.stdout), nil, nil
}

const samplePDFText = "The quick brown fox jumps over the lazy dog. It was a remark-\nable day.\n\n   12\n\nSecond paragraph starts here and\f carries on across the page.\n\nThird one.\f"

func testDeps(t *testing.T, runner Runner, cfg config.Config) Deps {
	t.Helper()
	objects := objectstore.New(objectstore.NewMemoryBackend(), objectstore.Options{
		ReadAttempts:   1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})
	return Deps{Objects: objects, Config: cfg, Runner: runner}
}

func testInput(t *testing.T, deps Deps, id string) pipeline.Input {
	t.Helper()
	input := "uploads/f1/my_great-book.pdf"
	_, err := deps.Objects.Put(context.Background(), input, []byte("%PDF-1.4 fake"), objectstore.PutOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	return pipeline.Input{JobID: id, Manifest: &models.Manifest{ID: id, Filename: "my_great-book.pdf", InputFile: input, Outputs: map[string]string{}, Metadata: map[string]any{}}}
}

func TestSplitPagesDropsEmptyPages(t *testing.T) {
	assert.Equal(t, []string{"one", "two"}, SplitPages("one\f\ftwo\f  \f"))
	assert.Empty(t, SplitPages("\f\n\f"))
}

func TestNormalizePages(t *testing.T) {
	got := NormalizePages(SplitPages(samplePDFText))
	require.Len(t, got, 3)
	assert.Equal(t, "The quick brown fox jumps over the lazy dog. It was a remarkable day.", got[0])
	assert.Equal(t, "Second paragraph starts here and carries on across the page.", got[1])
	assert.Equal(t, "Third one.", got[2])
}

func TestChunkParagraphs(t *testing.T) {
	paras := []string{strings.Repeat("a", 40), strings.Repeat("b", 40), strings.Repeat("c", 200), "d"}
	chunks := ChunkParagraphs(paras, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Equal(t, []string{strings.Repeat("c", 200)}, chunks[1])
	assert.Equal(t, []string{"d"}, chunks[2])
	assert.Empty(t, ChunkParagraphs(nil, 100))
}

func TestExtractorWritesPagesAndText(t *testing.T) {
	runner := &fakeRunner{stdout: samplePDFText}
	deps := testDeps(t, runner, config.Config{PdftotextPath: "/usr/bin/pdftotext"})
	in := testInput(t, deps, "job-1-aaaaaa")

	res, err := NewExtractor(deps).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/pdftotext", runner.args[0])
	assert.Equal(t, "-", runner.args[len(runner.args)-1])
	assert.Equal(t, manifest.StepResultKey("job-1-aaaaaa", models.StepExtract, "json"), res.File)
	assert.Equal(t, 2, res.Metadata["pageCount"])
	assert.Equal(t, "jobs/job-1-aaaaaa/extract.txt", res.Outputs["extractText"])

	var doc ExtractResult
	require.NoError(t, deps.Objects.GetJSON(context.Background(), res.File, &doc))
	assert.Equal(t, 2, doc.PageCount)
}

func TestExtractorFailures(t *testing.T) {
	deps := testDeps(t, &fakeRunner{err: errors.New("exit status 1")}, config.Config{})
	in := testInput(t, deps, "job-2-bbbbbb")
	_, err := NewExtractor(deps).Run(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken xref")

	deps = testDeps(t, &fakeRunner{stdout: "\f\f"}, config.Config{})
	in = testInput(t, deps, "job-3-cccccc")
	_, err = NewExtractor(deps).Run(context.Background(), in)
	assert.Error(t, err)

	_, err = NewExtractor(deps).Run(context.Background(), pipeline.Input{JobID: "job-4-d", Manifest: &models.Manifest{}})
	assert.Error(t, err)
}

func TestRewriterCallsChatCompletions(t *testing.T) {
	var auth, path string
	var sent struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&sent)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"First clean paragraph.\n\nSecond clean paragraph."}}]}`))
	}))
	defer srv.Close()

	deps := testDeps(t, nil, config.Config{LLMBaseURL: srv.URL + "/v1", LLMAPIKey: "sk-test", LLMModel: "tiny", LLMTimeout: time.Second})
	ctx := context.Background()
	_, err := saveResult(ctx, deps.Objects, "job-5-eeeeee", models.StepNormalize, NormalizeResult{Paragraphs: []string{"frst para", "scnd para"}})
	require.NoError(t, err)

	res, err := NewRewriter(deps).Run(ctx, pipeline.Input{JobID: "job-5-eeeeee", Manifest: &models.Manifest{ID: "job-5-eeeeee"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "tiny", sent.Model)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "frst para\n\nscnd para", sent.Messages[1].Content)

	var doc RewriteResult
	require.NoError(t, deps.Objects.GetJSON(ctx, res.File, &doc))
	assert.Equal(t, []string{"First clean paragraph.", "Second clean paragraph."}, doc.Paragraphs)
}

func TestRewriterNeedsKeyUnlessPassthrough(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, nil, config.Config{})
	_, err := saveResult(ctx, deps.Objects, "job-6-ffffff", models.StepNormalize, NormalizeResult{Paragraphs: []string{"kept"}})
	require.NoError(t, err)
	in := pipeline.Input{JobID: "job-6-ffffff"}

	_, err = NewRewriter(deps).Run(ctx, in)
	assert.ErrorIs(t, err, ErrNoLLMKey)

	deps.Config.LLMAllowPassthrough = true
	res, err := NewRewriter(deps).Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Metadata["rewritePassthrough"])
}

func TestRewriterSurfacesLLMErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()
	ctx := context.Background()
	deps := testDeps(t, nil, config.Config{LLMBaseURL: srv.URL, LLMAPIKey: "k", LLMTimeout: time.Second})
	_, err := saveResult(ctx, deps.Objects, "job-7-abcdef", models.StepNormalize, NormalizeResult{Paragraphs: []string{"x"}})
	require.NoError(t, err)

	_, err = NewRewriter(deps).Run(ctx, pipeline.Input{JobID: "job-7-abcdef"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestIllustratorResizesSources(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var pngBuf, bmpBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	require.NoError(t, bmp.Encode(&bmpBuf, src))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png":
			_, _ = w.Write(pngBuf.Bytes())
		case "/c.bmp":
			_, _ = w.Write(bmpBuf.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	deps := testDeps(t, nil, config.Config{ImageWidth: 8, ImageSourceURLs: []string{srv.URL + "/a.png", srv.URL + "/missing.png", srv.URL + "/c.bmp"}})
	res, err := NewIllustrator(deps).Run(context.Background(), pipeline.Input{JobID: "job-8-abcdef"})
	require.NoError(t, err)

	var doc ImagesResult
	require.NoError(t, deps.Objects.GetJSON(context.Background(), res.File, &doc))
	require.Len(t, doc.Images, 2)
	assert.Equal(t, 8, doc.Images[0].Width)
	assert.Equal(t, 8, doc.Images[0].Height)
	assert.Equal(t, "jobs/job-8-abcdef/images/image-01.jpg", doc.Images[0].Key)
	assert.Equal(t, "jobs/job-8-abcdef/images/image-03.jpg", doc.Images[1].Key)
}

func TestIllustratorFallsBackToPlaceholder(t *testing.T) {
	deps := testDeps(t, nil, config.Config{ImageWidth: 20})
	res, err := NewIllustrator(deps).Run(context.Background(), pipeline.Input{JobID: "job-9-abcdef"})
	require.NoError(t, err)

	var doc ImagesResult
	require.NoError(t, deps.Objects.GetJSON(context.Background(), res.File, &doc))
	require.Len(t, doc.Images, 1)
	assert.Equal(t, "jobs/job-9-abcdef/images/cover.jpg", doc.Images[0].Key)
	assert.Equal(t, 30, doc.Images[0].Height)

	a := Placeholder(4, 4, "job-a")
	b := Placeholder(4, 4, "job-a")
	assert.Equal(t, a.At(1, 1), b.At(1, 1))
}

func TestDefaultStepsProduceBook(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{LLMAllowPassthrough: true, ImageWidth: 10}
	deps := testDeps(t, &fakeRunner{stdout: samplePDFText}, cfg)
	in := testInput(t, deps, "job-10-abcdef")

	steps, err := Build(deps)
	require.NoError(t, err)
	require.Len(t, steps, len(models.Steps))

	var last pipeline.Result
	for _, step := range steps {
		last, err = step.Run(ctx, in)
		require.NoError(t, err, "step %s", step.Name)
		for k, v := range last.Outputs {
			in.Manifest.Outputs[k] = v
		}
	}

	book, err := deps.Objects.Get(ctx, in.Manifest.Outputs["book"])
	require.NoError(t, err)
	html := string(book)
	assert.Contains(t, html, "<title>my great book</title>")
	assert.Contains(t, html, "<p>Third one.</p>")
	assert.Contains(t, html, `<img src="../images/cover.jpg"`)
	assert.Equal(t, "memory://jobs/job-10-abcdef/render/book.html", last.File)
}

func TestBookTitle(t *testing.T) {
	assert.Equal(t, "Untitled", BookTitle(nil))
	assert.Equal(t, "Given", BookTitle(&models.Manifest{Metadata: map[string]any{"title": "Given"}}))
	assert.Equal(t, "field notes", BookTitle(&models.Manifest{InputFile: "uploads/x/field_notes.pdf"}))
	assert.Equal(t, "Untitled", BookTitle(&models.Manifest{}))
}
