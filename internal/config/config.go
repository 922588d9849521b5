package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendS3     = "s3"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Trigger modes for chaining pipeline steps.
const (
	TriggerHTTP  = "http"
	TriggerQueue = "queue"
	TriggerLocal = "local"
)

// Index strategies for job enumeration.
const (
	IndexListing  = "listing"
	IndexDocument = "document"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	// PublicBaseURL is how steps reach this API when chaining over HTTP.
	PublicBaseURL string

	StoreBackend         string
	StoreBucket          string
	StoreRegion          string
	StoreEndpoint        string
	StorePathStyle       bool
	StorePublicURL       string
	StoreAccessKeyID     string
	StoreSecretAccessKey string
	LocalStoreDir        string
	StoreReadAttempts    int
	StoreWriteAttempts   int
	StoreBackoffInitial  time.Duration
	StoreBackoffMax      time.Duration

	ManifestLoadAttempts int
	ManifestLoadBackoff  time.Duration
	IndexStrategy        string
	RetentionWindow      time.Duration

	TriggerMode    string
	TriggerTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	StepQueueName      string
	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration

	PostgresDSN string

	UploadMaxBytes    int64
	RateLimitCapacity int
	RateLimitRefill   float64

	PdftotextPath string

	LLMBaseURL          string
	LLMAPIKey           string
	LLMModel            string
	LLMTimeout          time.Duration
	LLMAllowPassthrough bool

	ImageSourceURLs      []string
	ImageWidth           int
	ImageMaxBytes        int64
	ImageDownloadTimeout time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:           getEnv("APP_ENV", "dev"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		StoreBackend:         getEnv("STORE_BACKEND", BackendLocal),
		StoreBucket:          getEnv("STORE_BUCKET", ""),
		StoreRegion:          getEnv("STORE_REGION", "us-east-1"),
		StoreEndpoint:        getEnv("STORE_ENDPOINT", ""),
		StorePathStyle:       getEnvBool("STORE_PATH_STYLE", false),
		StorePublicURL:       getEnv("STORE_PUBLIC_URL", ""),
		StoreAccessKeyID:     getEnv("STORE_ACCESS_KEY_ID", ""),
		StoreSecretAccessKey: getEnv("STORE_SECRET_ACCESS_KEY", ""),
		LocalStoreDir:        getEnv("LOCAL_STORE_DIR", "./data"),
		StoreReadAttempts:    getEnvInt("STORE_READ_ATTEMPTS", 8),
		StoreWriteAttempts:   getEnvInt("STORE_WRITE_ATTEMPTS", 5),
		StoreBackoffInitial:  getEnvDuration("STORE_BACKOFF_INITIAL", 100*time.Millisecond),
		StoreBackoffMax:      getEnvDuration("STORE_BACKOFF_MAX", 3*time.Second),

		ManifestLoadAttempts: getEnvInt("MANIFEST_LOAD_ATTEMPTS", 3),
		ManifestLoadBackoff:  getEnvDuration("MANIFEST_LOAD_BACKOFF", 50*time.Millisecond),
		IndexStrategy:        getEnv("INDEX_STRATEGY", IndexListing),
		RetentionWindow:      getEnvDuration("RETENTION_WINDOW", 7*24*time.Hour),

		TriggerMode:    getEnv("TRIGGER_MODE", TriggerHTTP),
		TriggerTimeout: getEnvDuration("TRIGGER_TIMEOUT", 15*time.Second),

		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		StepQueueName:      getEnv("STEP_QUEUE_NAME", "steps"),
		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 10*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		UploadMaxBytes:    int64(getEnvInt("UPLOAD_MAX_BYTES", 50*1024*1024)),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		PdftotextPath: getEnv("PDFTOTEXT_PATH", "pdftotext"),

		LLMBaseURL:          getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:           getEnv("LLM_API_KEY", ""),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:          getEnvDuration("LLM_TIMEOUT", 90*time.Second),
		LLMAllowPassthrough: getEnvBool("LLM_ALLOW_PASSTHROUGH", false),

		ImageSourceURLs:      getEnvList("IMAGE_SOURCE_URLS", nil),
		ImageWidth:           getEnvInt("IMAGE_WIDTH", 960),
		ImageMaxBytes:        int64(getEnvInt("IMAGE_MAX_BYTES", 10*1024*1024)),
		ImageDownloadTimeout: getEnvDuration("IMAGE_DOWNLOAD_TIMEOUT", 30*time.Second),
	}
}

// Validate checks settings that cannot be defaulted safely.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendS3:
		if c.StoreBucket == "" {
			errs = append(errs, errors.New("STORE_BUCKET is required when STORE_BACKEND=s3"))
		}
	case BackendLocal:
		if c.LocalStoreDir == "" {
			errs = append(errs, errors.New("LOCAL_STORE_DIR is required when STORE_BACKEND=local"))
		}
	case BackendMemory:
		if c.Env == "prod" {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed when APP_ENV=prod"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.TriggerMode {
	case TriggerHTTP:
		if c.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required when TRIGGER_MODE=http"))
		}
	case TriggerQueue:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when TRIGGER_MODE=queue"))
		}
	case TriggerLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown TRIGGER_MODE %q", c.TriggerMode))
	}
	if c.IndexStrategy != IndexListing && c.IndexStrategy != IndexDocument {
		errs = append(errs, fmt.Errorf("unknown INDEX_STRATEGY %q", c.IndexStrategy))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
