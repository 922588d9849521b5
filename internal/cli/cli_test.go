package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ebook-pipeline/internal/models"
)

type fakeAPI struct {
	mu      sync.Mutex
	polls   int
	retries []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/upload":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "fileId": "f1", "pathname": "uploads/f1/book.pdf", "url": "memory://uploads/f1/book.pdf"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/jobs":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["inputFile"] != "memory://uploads/f1/book.pdf" {
				http.Error(w, `{"error":"bad input"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(manifest("job-1-cli", 0))
		case r.Method == http.MethodGet && r.URL.Path == "/api/jobs/job-1-cli":
			f.polls++
			_ = json.NewEncoder(w).Encode(manifest("job-1-cli", min(f.polls, len(models.Steps))))
		case r.Method == http.MethodPost && r.URL.Path == "/api/jobs/job-1-cli/retry":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.retries = append(f.retries, body["step"])
			_, _ = w.Write([]byte(`{"ok":true}`))
		case r.URL.Path == "/api/jobs":
			_, _ = w.Write([]byte(`{"jobs":[{"id":"job-1-cli","status":"RUNNING","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}],"total":1,"page":1,"pageSize":20,"hasMore":false}`))
		case r.URL.Path == "/api/export.xlsx":
			_, _ = w.Write([]byte("PK-workbook"))
		default:
			http.NotFound(w, r)
		}
	})
}

func manifest(id string, completed int) *models.Manifest {
	m := &models.Manifest{ID: id, Steps: models.NewSteps(), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for i := 0; i < completed; i++ {
		m.Steps[models.Steps[i]] = models.StatusCompleted
	}
	m.Logs = []models.LogEntry{{Timestamp: time.Now(), Level: models.LevelInfo, Message: "Job created"}}
	return m
}

func run(t *testing.T, baseURL string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "ebookctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("api:\n  base_url: "+baseURL+"\n  timeout: 2s\nwatch:\n  interval: 5ms\n  stuck_after: 1m\n"), 0o644))
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitAndWatch(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	pdf := filepath.Join(t.TempDir(), "book.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4"), 0o644))

	out, err := run(t, srv.URL, "submit", pdf, "--watch")
	require.NoError(t, err, out)
	assert.Contains(t, out, "job-1-cli")
	assert.Contains(t, out, "COMPLETED 100%")
}

func TestStatusListRetryExport(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	out, err := run(t, srv.URL, "status", "job-1-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "extract")
	assert.Contains(t, out, "Job created")

	_, err = run(t, srv.URL, "status", "job-2-missing")
	assert.ErrorContains(t, err, "not found")

	out, err = run(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1-cli")

	_, err = run(t, srv.URL, "retry", "job-1-cli", "--step", "render")
	require.NoError(t, err)
	_, err = run(t, srv.URL, "retry", "job-1-cli", "--step", "publish")
	assert.Error(t, err)
	assert.Equal(t, []string{"render"}, api.retries)

	target := filepath.Join(t.TempDir(), "jobs.xlsx")
	_, err = run(t, srv.URL, "export", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "PK-workbook", string(data))
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.True(t, cfg.autoRetry())

	_, err = loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watch:\n  interval: 500ms\n  auto_retry: false\n"), 0o644))
	cfg, err = loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Interval)
	assert.Equal(t, 12*time.Second, cfg.Watch.StuckAfter)
	assert.False(t, cfg.autoRetry())
}
