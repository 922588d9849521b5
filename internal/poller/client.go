package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pdf-ebook-pipeline/internal/jobindex"
	"pdf-ebook-pipeline/internal/models"
)

// ErrNotFound means the API has no manifest for the job yet.
var ErrNotFound = errors.New("job not found")

// Client talks to the job API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

// GetJob reads a manifest; a 404 is ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Manifest, error) {
	var m models.Manifest
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RetryStep asks the API to re-dispatch step.
func (c *Client) RetryStep(ctx context.Context, id string, step models.StepName) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/retry", map[string]string{"step": string(step)}, nil)
}

// Submit starts a job for an already uploaded input.
func (c *Client) Submit(ctx context.Context, inputFile, filename string) (*models.Manifest, error) {
	var m models.Manifest
	body := map[string]string{"inputFile": inputFile, "filename": filename}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListJobs reads one page of job summaries.
func (c *Client) ListJobs(ctx context.Context, opts jobindex.ListOptions) (jobindex.ListResult, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Order != "" {
		q.Set("order", opts.Order)
	}
	var res jobindex.ListResult
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// UploadResult is the upload endpoint's response.
type UploadResult struct {
	FileID     string    `json:"fileId"`
	URL        string    `json:"url"`
	Pathname   string    `json:"pathname"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Upload sends a local file as the multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return UploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var res UploadResult
	err = c.send(req, &res)
	return res, err
}

// Export downloads the XLSX job workbook.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/export.xlsx", nil)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = c.send(req, &raw)
	return raw, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Cache-Control", "no-cache")
	return c.send(req, out)
}

// send executes req. out may be nil, a *[]byte for the raw body, or a
// value to decode JSON into.
func (c *Client) send(req *http.Request, out any) error {
	method, path := req.Method, req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		data, err := io.ReadAll(resp.Body)
		*v = data
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}
