package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chatClient speaks the OpenAI-compatible chat/completions API.
type chatClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *chatClient) complete(ctx context.Context, messages []chatMessage) (string, error) {
	reqID := uuid.NewString()
	start := time.Now()
	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0.3,
		"messages":    messages,
	})
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Info("llm.http.request", "req_id", reqID, "model", c.model, "content_length", len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("llm.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	c.logger.Info("llm.http.response", "req_id", reqID, "status", resp.StatusCode, "bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("no choices in llm response")
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
