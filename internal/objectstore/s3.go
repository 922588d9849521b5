package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"pdf-ebook-pipeline/internal/config"
)

// S3Backend stores objects in an S3-compatible bucket.
type S3Backend struct {
	client    *s3.Client
	creds     aws.CredentialsProvider
	bucket    string
	region    string
	publicURL string
}

// NewS3Backend builds the client from config. Static keys take precedence
// over the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg config.Config) (*S3Backend, error) {
	if cfg.StoreBucket == "" {
		return nil, &ConfigError{Setting: "STORE_BUCKET", Reason: "required for the s3 backend"}
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StoreRegion),
	}
	if cfg.StoreAccessKeyID != "" || cfg.StoreSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.StoreAccessKeyID, cfg.StoreSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.StorePathStyle
		if cfg.StoreEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StoreEndpoint)
		}
	})
	return &S3Backend{
		client:    client,
		creds:     awsCfg.Credentials,
		bucket:    cfg.StoreBucket,
		region:    cfg.StoreRegion,
		publicURL: strings.TrimRight(cfg.StorePublicURL, "/"),
	}, nil
}

// CheckCredentials fails with a ConfigError when no write credential resolves.
func (b *S3Backend) CheckCredentials(ctx context.Context) error {
	if b.creds == nil {
		return &ConfigError{Setting: "STORE_ACCESS_KEY_ID", Reason: "no credentials configured for bucket " + b.bucket}
	}
	c, err := b.creds.Retrieve(ctx)
	if err != nil {
		return &ConfigError{Setting: "STORE_ACCESS_KEY_ID", Reason: "credentials could not be resolved", Cause: err}
	}
	if c.AccessKeyID == "" {
		return &ConfigError{Setting: "STORE_ACCESS_KEY_ID", Reason: "empty access key"}
	}
	return nil
}

func (b *S3Backend) Put(ctx context.Context, key string, body []byte, contentType string, overwrite bool) (Object, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if !overwrite {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return Object{}, classifyS3Error("put object", err)
	}
	return Object{Key: key, URL: b.URLFor(key), Size: int64(len(body)), UploadedAt: time.Now().UTC()}, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error("get object", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read object body: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]Object, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	out := make([]Object, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list objects", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			out = append(out, Object{
				Key:        key,
				URL:        b.URLFor(key),
				Size:       aws.ToInt64(obj.Size),
				UploadedAt: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}
	return out, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error("delete object", err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (b *S3Backend) URLFor(key string) string {
	if b.publicURL != "" {
		return b.publicURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.region, key)
}

// KeyFromURL maps the virtual-hosted bucket URL back to a key.
func (b *S3Backend) KeyFromURL(ref string) (string, bool) {
	prefix := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", b.bucket, b.region)
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return SanitizeKey(strings.TrimPrefix(ref, prefix)), true
}

func classifyS3Error(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w", op, ErrWriteCollision)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case code == http.StatusPreconditionFailed || code == http.StatusConflict:
			return fmt.Errorf("%s: %w", op, ErrWriteCollision)
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if apiErr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// no response at all: dial/timeout/reset
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Open builds the backend selected by STORE_BACKEND.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		return NewS3Backend(ctx, cfg)
	case config.BackendLocal:
		return NewLocalBackend(cfg.LocalStoreDir, cfg.StorePublicURL)
	case config.BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, &ConfigError{Setting: "STORE_BACKEND", Reason: fmt.Sprintf("unknown backend %q", cfg.StoreBackend)}
	}
}
