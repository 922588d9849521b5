package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// RewriteResult is jobs/<id>/rewrite.json.
type RewriteResult struct {
	Paragraphs  []string `json:"paragraphs"`
	Model       string   `json:"model,omitempty"`
	Passthrough bool     `json:"passthrough,omitempty"`
}

// ErrNoLLMKey is returned when no model credential is configured and
// passthrough was not explicitly allowed.
var ErrNoLLMKey = errors.New("LLM_API_KEY is not set; set it or LLM_ALLOW_PASSTHROUGH=true for local runs")

const rewriteSystemPrompt = `You edit text extracted from a PDF into clean ebook prose.
Fix extraction artifacts, broken words and stray headers. Keep the author's meaning, order and voice.
Separate paragraphs with one blank line. Return only the edited text.`

// maxChunkChars bounds the text sent in one completion request.
const maxChunkChars = 6000

// Rewriter sends normalized paragraphs through a language model.
type Rewriter struct {
	objects          *objectstore.Client
	chat             *chatClient
	allowPassthrough bool
	logger           *slog.Logger
}

func NewRewriter(deps Deps) *Rewriter {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var chat *chatClient
	if cfg.LLMAPIKey != "" {
		chat = &chatClient{
			baseURL: cfg.LLMBaseURL,
			apiKey:  cfg.LLMAPIKey,
			model:   cfg.LLMModel,
			http:    &http.Client{Timeout: cfg.LLMTimeout},
			logger:  logger,
		}
	}
	return &Rewriter{objects: deps.Objects, chat: chat, allowPassthrough: cfg.LLMAllowPassthrough, logger: logger}
}

func (r *Rewriter) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	var normalized NormalizeResult
	if err := loadResult(ctx, r.objects, in, models.StepNormalize, &normalized); err != nil {
		return pipeline.Result{}, err
	}

	var out RewriteResult
	switch {
	case r.chat != nil:
		paragraphs, err := r.rewrite(ctx, normalized.Paragraphs)
		if err != nil {
			return pipeline.Result{}, err
		}
		out = RewriteResult{Paragraphs: paragraphs, Model: r.chat.model}
	case r.allowPassthrough:
		r.logger.Warn("steps.rewrite.passthrough", "job_id", in.JobID)
		out = RewriteResult{Paragraphs: normalized.Paragraphs, Passthrough: true}
	default:
		return pipeline.Result{}, ErrNoLLMKey
	}

	res, err := saveResult(ctx, r.objects, in.JobID, models.StepRewrite, out)
	if err != nil {
		return pipeline.Result{}, err
	}
	res.Metadata = map[string]any{"rewriteModel": out.Model, "rewritePassthrough": out.Passthrough}
	return res, nil
}

func (r *Rewriter) rewrite(ctx context.Context, paragraphs []string) ([]string, error) {
	var out []string
	for i, chunk := range ChunkParagraphs(paragraphs, maxChunkChars) {
		text, err := r.chat.complete(ctx, []chatMessage{
			{Role: "system", Content: rewriteSystemPrompt},
			{Role: "user", Content: strings.Join(chunk, "\n\n")},
		})
		if err != nil {
			return nil, fmt.Errorf("rewrite chunk %d: %w", i+1, err)
		}
		for _, p := range strings.Split(text, "\n\n") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// ChunkParagraphs groups paragraphs so each group stays under limit
// characters. A single paragraph longer than limit gets a group of its own.
func ChunkParagraphs(paragraphs []string, limit int) [][]string {
	var chunks [][]string
	var cur []string
	size := 0
	for _, p := range paragraphs {
		if len(cur) > 0 && size+len(p) > limit {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, p)
		size += len(p) + 2
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
