package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pdf-ebook-pipeline/internal/config"
	"pdf-ebook-pipeline/internal/models"
)

// ErrMalformedTask is returned for queue entries that do not decode to a task.
var ErrMalformedTask = errors.New("malformed step task")

// Task asks a worker to run one step of one job.
type Task struct {
	JobID string
	Step  models.StepName
}

func (t Task) String() string {
	return t.JobID + ":" + string(t.Step)
}

// ParseTask decodes the queue member form <jobID>:<step>.
func ParseTask(member string) (Task, error) {
	id, step, ok := strings.Cut(member, ":")
	if !ok || id == "" || !models.IsValidStep(models.StepName(step)) {
		return Task{}, fmt.Errorf("%w: %q", ErrMalformedTask, member)
	}
	return Task{JobID: id, Step: models.StepName(step)}, nil
}

// RedisQueue holds ready and leased step tasks. A leased task that is not
// acked before its visibility deadline goes back to the ready list, so
// delivery is at least once.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisClient opens the shared Redis connection from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue named name on client.
func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "steps"
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		dlqKey:        fmt.Sprintf("queue:%s:dlq", name),
		visibilityTTL: visibility,
	}
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a task to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := q.client.RPush(ctx, q.readyKey, task.String()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	return nil
}

// DequeueWithLease pops the oldest ready task and leases it until the
// visibility deadline. ok is false when the queue is empty. A malformed
// entry is moved to the dead-letter list and reported as ErrMalformedTask.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	member, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err := ParseTask(member)
	if err != nil {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, member)
		pipe.RPush(ctx, q.dlqKey, member)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return Task{}, false, errors.Join(err, perr)
		}
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline of a leased task forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.String(),
	}).Err()
}

// Ack drops a finished task's lease.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.client.ZRem(ctx, q.inflightKey, task.String()).Err()
}

// RequeueExpired moves up to limit tasks whose lease ran out back to the
// ready list and returns them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	tasks := make([]Task, 0, len(members))
	for _, member := range members {
		pipe.ZRem(ctx, q.inflightKey, member)
		if task, err := ParseTask(member); err == nil {
			pipe.RPush(ctx, q.readyKey, member)
			tasks = append(tasks, task)
		} else {
			pipe.RPush(ctx, q.dlqKey, member)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeadLetter parks a task that cannot be processed, dropping its lease.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.String())
	pipe.RPush(ctx, q.dlqKey, task.String())
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth is the number of tasks waiting.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlightDepth is the number of leased tasks.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
