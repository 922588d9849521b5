package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("IMAGE_SOURCE_URLS", " https://a/x.jpg , ,https://b/y.png")
	t.Setenv("RETENTION_WINDOW", "48h")

	cfg := Load()
	assert.Equal(t, BackendLocal, cfg.StoreBackend)
	assert.Equal(t, 8, cfg.StoreReadAttempts)
	assert.Equal(t, 5, cfg.StoreWriteAttempts)
	assert.Equal(t, 3, cfg.ManifestLoadAttempts)
	assert.Equal(t, 48*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, []string{"https://a/x.jpg", "https://b/y.png"}, cfg.ImageSourceURLs)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingBucket(t *testing.T) {
	cfg := Load()
	cfg.StoreBackend = BackendS3
	cfg.StoreBucket = ""
	cfg.TriggerMode = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BUCKET")
	assert.Contains(t, err.Error(), "TRIGGER_MODE")
}
