package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	bucket, _ := newBucketWithPrefix(t, "ratelimit:upload:", capacity, refill)
	return bucket
}

func newBucketWithPrefix(t *testing.T, prefix string, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, prefix, capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)
	frozen := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return frozen }

	d, err := bucket.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = bucket.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Take(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = bucket.Take(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per key")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 2)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Take(ctx, "client")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = bucket.Take(ctx, "client")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	// the script takes its clock from the caller, so advancing it refills
	clock = clock.Add(500 * time.Millisecond)
	d, err = bucket.Take(ctx, "client")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketKeyIsPrefixPlusKey(t *testing.T) {
	bucket, mr := newBucketWithPrefix(t, "rl:", 1, 1)
	_, err := bucket.Take(context.Background(), "upload:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rl:upload:10.0.0.1"}, mr.Keys())
}
