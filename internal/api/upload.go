package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/telemetry"
)

// UploadsPrefix is where uploaded inputs are stored.
const UploadsPrefix = "uploads/"

// RateLimitPrefix namespaces limiter buckets in Redis; upload buckets end
// up under rl:upload:<client>.
const RateLimitPrefix = "rl:"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func newUUID() string {
	return uuid.NewString()
}

// safeFilename keeps the base name and replaces anything outside a
// conservative character set.
func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "upload.pdf"
	}
	return name
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.limiter != nil {
		decision, err := s.limiter.Take(ctx, "upload:"+clientKey(r))
		if err != nil {
			s.logger.Error("api.upload.rate_limit_error", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.UploadRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.5)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	if err := s.objects.CheckWritable(ctx); err != nil {
		var cfgErr *objectstore.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Upload storage is not configured: set %s (%s)", cfgErr.Setting, cfgErr.Reason))
			return
		}
		s.logger.Error("api.upload.credentials_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Upload storage unavailable")
		return
	}

	limit := s.cfg.UploadMaxBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	fileID := s.newFileID()
	key := UploadsPrefix + fileID + "/" + safeFilename(header.Filename)
	obj, err := s.objects.Put(ctx, key, data, objectstore.PutOptions{ContentType: contentType})
	if err != nil {
		s.logger.Error("api.upload.put_failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	s.logger.Info("api.upload.ok", "key", obj.Key, "size", obj.Size)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"fileId":     fileID,
		"url":        obj.URL,
		"pathname":   obj.Key,
		"size":       obj.Size,
		"uploadedAt": obj.UploadedAt,
	})
}
