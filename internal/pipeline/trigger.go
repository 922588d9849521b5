package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/queue"
)

// TriggerModeHeader asks the step endpoint to accept and run in the background.
const (
	TriggerModeHeader = "X-Trigger-Mode"
	TriggerModeAsync  = "async"
)

// Trigger hands a step to whatever will run it. It returns once the step
// is accepted, not when it finishes.
type Trigger interface {
	Dispatch(ctx context.Context, jobID string, step models.StepName) error
}

// HTTPTrigger posts to the step endpoint of an API instance.
type HTTPTrigger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTrigger(baseURL string, timeout time.Duration) *HTTPTrigger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTrigger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTrigger) Dispatch(ctx context.Context, jobID string, step models.StepName) error {
	body, err := json.Marshal(map[string]string{"id": jobID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/steps/"+string(step), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TriggerModeHeader, TriggerModeAsync)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("step endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// QueueTrigger enqueues the step for a worker process.
type QueueTrigger struct {
	queue *queue.RedisQueue
}

func NewQueueTrigger(q *queue.RedisQueue) *QueueTrigger {
	return &QueueTrigger{queue: q}
}

func (t *QueueTrigger) Dispatch(ctx context.Context, jobID string, step models.StepName) error {
	return t.queue.Enqueue(ctx, queue.Task{JobID: jobID, Step: step})
}

type asyncRunner interface {
	RunStepAsync(ctx context.Context, jobID string, step models.StepName)
}

// LocalTrigger runs the step on a goroutine of this process.
type LocalTrigger struct {
	runner asyncRunner
}

func (t *LocalTrigger) Dispatch(ctx context.Context, jobID string, step models.StepName) error {
	t.runner.RunStepAsync(ctx, jobID, step)
	return nil
}
