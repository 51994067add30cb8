package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/scheduler"
)

// RedisQueue carries dispatcher triggers to workers through Redis. Triggers
// wait in per-priority ready lists; a dequeued trigger is leased in an
// in-flight sorted set until acknowledged or its visibility deadline passes.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	triggerPrefix  string
	visibilityTTL  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return NewRedisQueueWithClient(client, cfg.PriorityQueues, visibility)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, priorities []string, visibility time.Duration) *RedisQueue {
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "handoff:inflight",
		triggerPrefix:  "handoff:trigger:",
		visibilityTTL:  visibility,
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(bucket string) string {
	return fmt.Sprintf("handoff:ready:%s", bucket)
}

func (q *RedisQueue) triggerKey(id string) string {
	return q.triggerPrefix + id
}

// Bucket maps a job priority onto one of the configured ready lists.
func (q *RedisQueue) Bucket(priority int) string {
	want := "default"
	switch {
	case priority >= 8:
		want = "high"
	case priority <= 3:
		want = "low"
	}
	for _, p := range q.priorityQueues {
		if p == want {
			return p
		}
	}
	for _, p := range q.priorityQueues {
		if p == "default" {
			return p
		}
	}
	return q.priorityQueues[0]
}

// Submit stores the trigger body and appends its id to the ready list for its
// priority. The trigger is acknowledged once the transaction commits.
func (q *RedisQueue) Submit(ctx context.Context, t scheduler.Trigger) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	bucket := q.Bucket(t.Priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.triggerKey(t.ID), "bucket", bucket, "body", body)
	pipe.RPush(ctx, q.readyKey(bucket), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("submit trigger: %w", err)
	}
	return nil
}

// DequeueWithLease pops a trigger from the ready lists (priority order) and
// leases it for the visibility timeout. ok is false when all lists are empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (scheduler.Trigger, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return scheduler.Trigger{}, false, nil
	}
	if err != nil {
		return scheduler.Trigger{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return scheduler.Trigger{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	t := scheduler.Trigger{ID: id}
	body, err := q.client.HGet(ctx, q.triggerKey(id), "body").Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Body expired or was never written; the id alone still wakes a worker.
	case err != nil:
		return t, true, fmt.Errorf("load trigger %s: %w", id, err)
	default:
		if err := json.Unmarshal(body, &t); err != nil {
			return scheduler.Trigger{ID: id}, true, fmt.Errorf("decode trigger %s: %w", id, err)
		}
	}
	return t, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight trigger.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a trigger from in-flight tracking together with its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.triggerKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns triggers whose lease ran out to their ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		bucket, err := q.client.HGet(ctx, q.triggerKey(id), "bucket").Result()
		if err != nil || bucket == "" {
			bucket = q.Bucket(0)
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(bucket), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InflightDepth returns how many triggers are currently leased.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
