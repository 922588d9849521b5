package objectstore

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestClassifyS3Error(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no such key type", &types.NoSuchKey{}, ErrNotFound},
		{"not found code", &smithy.GenericAPIError{Code: "NotFound"}, ErrNotFound},
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, ErrWriteCollision},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, ErrUnavailable},
		{"no response", errors.New("dial tcp: connection refused"), ErrUnavailable},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := classifyS3Error("get jobs/x", tc.err)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	err := classifyS3Error("put", &smithy.GenericAPIError{Code: "AccessDenied"})
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestS3BackendURLs(t *testing.T) {
	b := &S3Backend{bucket: "books", region: "us-east-1"}
	url := b.URLFor("jobs/job-1-a/manifest.json")
	assert.Equal(t, "https://books.s3.us-east-1.amazonaws.com/jobs/job-1-a/manifest.json", url)

	key, ok := b.KeyFromURL(url)
	assert.True(t, ok)
	assert.Equal(t, "jobs/job-1-a/manifest.json", key)

	_, ok = b.KeyFromURL("https://elsewhere.example.com/jobs/x")
	assert.False(t, ok)

	public := &S3Backend{bucket: "books", region: "us-east-1", publicURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/uploads/a.pdf", public.URLFor("uploads/a.pdf"))
}
