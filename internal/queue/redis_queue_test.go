package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ebook-pipeline/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "test", visibility), mr
}

func TestEnqueueLeaseAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "job-1-aaaaaa", Step: models.StepExtract}))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "job-2-bbbbbb", Step: models.StepRender}))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	task, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Task{JobID: "job-1-aaaaaa", Step: models.StepExtract}, task)

	inflight, err := q.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, task))
	inflight, err = q.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	_, ok, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Second)
	task := Task{JobID: "job-3-cccccc", Step: models.StepImages}
	require.NoError(t, q.Enqueue(ctx, task))

	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)

	requeued, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []Task{task}, requeued)

	again, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task, again)
}

func TestMalformedEntryGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, time.Minute)
	_, err := mr.RPush(q.readyKey, "garbage")
	require.NoError(t, err)

	_, ok, err := q.DequeueWithLease(ctx)
	assert.ErrorIs(t, err, ErrMalformedTask)
	assert.False(t, ok)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"garbage"}, dead)
	inflight, err := q.InFlightDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)
}

func TestDeadLetterDropsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	task := Task{JobID: "job-4-dddddd", Step: models.StepRewrite}
	require.NoError(t, q.Enqueue(ctx, task))
	_, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, task))
	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-4-dddddd:rewrite"}, dead)
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask("job-1-a:normalize")
	require.NoError(t, err)
	assert.Equal(t, models.StepNormalize, task.Step)

	for _, bad := range []string{"", "job-1-a", ":extract", "job-1-a:publish"} {
		_, err := ParseTask(bad)
		assert.ErrorIs(t, err, ErrMalformedTask, bad)
	}
}
