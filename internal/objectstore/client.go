package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/telemetry"
)

// Options tune retry behaviour and URL resolution.
type Options struct {
	ReadAttempts   int
	WriteAttempts  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// PublicURL is the base under which objects are publicly readable, if any.
	PublicURL  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// PutOptions control a single write.
type PutOptions struct {
	ContentType string
	// Overwrite replaces an existing key. Without it the write is
	// create-only and a collision is retried, then surfaced.
	Overwrite bool
}

// Client wraps a Backend with bounded retries and key/URL normalisation.
type Client struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// New builds a client; zero options take the documented defaults.
func New(backend Backend, opts Options) *Client {
	if opts.ReadAttempts <= 0 {
		opts.ReadAttempts = 8
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = 5
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, opts: opts, logger: logger}
}

// NewFromConfig opens the configured backend and wraps it.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	backend, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, Options{
		ReadAttempts:   cfg.StoreReadAttempts,
		WriteAttempts:  cfg.StoreWriteAttempts,
		BackoffInitial: cfg.StoreBackoffInitial,
		BackoffMax:     cfg.StoreBackoffMax,
		PublicURL:      cfg.StorePublicURL,
		Logger:         logger,
	}), nil
}

// Backend exposes the wrapped backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// CheckWritable verifies a write credential is configured.
func (c *Client) CheckWritable(ctx context.Context) error {
	if checker, ok := c.backend.(credentialChecker); ok {
		return checker.CheckCredentials(ctx)
	}
	return nil
}

// Put writes body under key. Transient failures are retried; so are
// collisions when Overwrite is false.
func (c *Client) Put(ctx context.Context, key string, body []byte, po PutOptions) (Object, error) {
	if po.ContentType == "" {
		po.ContentType = "application/octet-stream"
	}
	key = SanitizeKey(key)
	var lastErr error
	for attempt := 1; attempt <= c.opts.WriteAttempts; attempt++ {
		obj, err := c.backend.Put(ctx, key, body, po.ContentType, po.Overwrite)
		if err == nil {
			return obj, nil
		}
		lastErr = err
		retryable := errors.Is(err, ErrUnavailable) || (!po.Overwrite && errors.Is(err, ErrWriteCollision))
		if !retryable || attempt == c.opts.WriteAttempts {
			break
		}
		telemetry.StoreRetries.WithLabelValues("put").Inc()
		c.logger.Debug("objectstore.put.retry", "key", key, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)); err != nil {
			return Object{}, fmt.Errorf("put %s: %w", key, err)
		}
	}
	return Object{}, fmt.Errorf("put %s: %w", key, lastErr)
}

// PutJSON marshals v and writes it with the given overwrite mode.
func (c *Client) PutJSON(ctx context.Context, key string, v any, overwrite bool) (Object, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Object{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.Put(ctx, key, body, PutOptions{ContentType: "application/json", Overwrite: overwrite})
}

// GetOnce reads key with a single attempt.
func (c *Client) GetOnce(ctx context.Context, key string) ([]byte, error) {
	return c.backend.Get(ctx, SanitizeKey(key))
}

// Get reads key, retrying not-yet-visible and transient failures.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	key = SanitizeKey(key)
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReadAttempts; attempt++ {
		data, err := c.backend.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !IsRetryableRead(err) || attempt == c.opts.ReadAttempts {
			break
		}
		telemetry.StoreRetries.WithLabelValues("get").Inc()
		if err := sleepCtx(ctx, backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)); err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
	}
	return nil, fmt.Errorf("get %s: %w", key, lastErr)
}

// GetJSON reads key and decodes it into v.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReadAttempts; attempt++ {
		objs, err := c.backend.List(ctx, prefix)
		if err == nil {
			return objs, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) || attempt == c.opts.ReadAttempts {
			break
		}
		telemetry.StoreRetries.WithLabelValues("list").Inc()
		if err := sleepCtx(ctx, backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)); err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
	}
	return nil, fmt.Errorf("list %s: %w", prefix, lastErr)
}

// Delete removes key; a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	key = SanitizeKey(key)
	var lastErr error
	for attempt := 1; attempt <= c.opts.WriteAttempts; attempt++ {
		err := c.backend.Delete(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) || attempt == c.opts.WriteAttempts {
			break
		}
		telemetry.StoreRetries.WithLabelValues("delete").Inc()
		if err := sleepCtx(ctx, backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return fmt.Errorf("delete %s: %w", key, lastErr)
}

// KeyFor normalises a bare key, s3:// URI or public URL into a store key.
// ok is false for foreign http(s) URLs.
func (c *Client) KeyFor(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if keyer, ok := c.backend.(urlKeyer); ok {
		if key, ok := keyer.KeyFromURL(ref); ok {
			return key, true
		}
	}
	if c.opts.PublicURL != "" && strings.HasPrefix(ref, c.opts.PublicURL+"/") {
		return SanitizeKey(strings.TrimPrefix(ref, c.opts.PublicURL+"/")), true
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return SanitizeKey(ref), true
	}
	switch u.Scheme {
	case "s3":
		// s3://bucket/key
		return SanitizeKey(u.Path), true
	case "memory":
		return SanitizeKey(u.Host + u.Path), true
	}
	return "", false
}

// Resolve turns a key or URL into a fetchable URL. Known URLs are returned
// unchanged. For keys it tries the public host, then a listing of the key,
// then the backend's own guess.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("resolve: empty reference")
	}
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return ref, nil
	}
	key, ok := c.KeyFor(ref)
	if !ok {
		return ref, nil
	}
	if c.opts.PublicURL != "" {
		guess := c.opts.PublicURL + "/" + key
		if c.headOK(ctx, guess) {
			return guess, nil
		}
	}
	if objs, err := c.List(ctx, key); err == nil {
		for _, obj := range objs {
			if obj.Key == key && obj.URL != "" {
				return obj.URL, nil
			}
		}
		if len(objs) > 0 && objs[0].URL != "" {
			return objs[0].URL, nil
		}
	} else {
		c.logger.Warn("objectstore.resolve.list_failed", "key", key, "error", err)
	}
	return c.backend.URLFor(key), nil
}

func (c *Client) headOK(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}

// Fetch downloads the bytes behind a key or URL.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if key, ok := c.KeyFor(ref); ok {
		return c.Get(ctx, key)
	}
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReadAttempts; attempt++ {
		data, err := c.download(ctx, ref)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !IsRetryableRead(err) || attempt == c.opts.ReadAttempts {
			break
		}
		telemetry.StoreRetries.WithLabelValues("fetch").Inc()
		if err := sleepCtx(ctx, backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempt)); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", ref, lastErr)
}

func (c *Client) download(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return data, nil
}
