package objectstore

import (
	"context"
	"time"
)

// Object describes a stored blob.
type Object struct {
	Key        string    `json:"pathname"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Backend is the raw key/blob persistence used by Client. Implementations
// map their native errors onto ErrNotFound, ErrUnavailable and
// ErrWriteCollision and do not retry.
type Backend interface {
	Put(ctx context.Context, key string, body []byte, contentType string, overwrite bool) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	// URLFor is a best-effort guess of the public location of key.
	URLFor(key string) string
}

type credentialChecker interface {
	CheckCredentials(ctx context.Context) error
}

// urlKeyer maps a backend's own URLs back to keys.
type urlKeyer interface {
	KeyFromURL(ref string) (string, bool)
}
