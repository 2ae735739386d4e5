// Package queue is the family job queue on a Redis list. Producers LPush,
// consumers RPop: oldest job sits at the right end. Every caller of a given
// queue must keep that direction, mixing ends turns FIFO into LIFO.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"order-dispatch-service/internal/entity"
)

type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

// Enqueue appends the job at the tail. No uniqueness check; ids are minted
// by the dispatcher and never reused.
func (q *RedisQueue) Enqueue(ctx context.Context, job entity.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue atomically removes and returns the oldest job. Returns (nil, nil)
// when the queue is empty; that is the normal polling outcome, not an error.
func (q *RedisQueue) Dequeue(ctx context.Context) (*entity.Job, error) {
	raw, err := q.rdb.RPop(ctx, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("rpop %s: %w", q.key, err)
	}
	var job entity.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job from %s: %w", q.key, err)
	}
	return &job, nil
}

// PutBack returns a dequeued job to the head so it is the next one served.
// Used when a worker's capabilities don't match the job it claimed.
func (q *RedisQueue) PutBack(ctx context.Context, job entity.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return n, nil
}

// PeekTail returns up to n of the oldest queued jobs without removing them.
func (q *RedisQueue) PeekTail(ctx context.Context, n int64) ([]entity.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := q.rdb.LRange(ctx, q.key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", q.key, err)
	}
	jobs := make([]entity.Job, 0, len(raws))
	// LRange walks left to right; reverse so the oldest comes first
	for i := len(raws) - 1; i >= 0; i-- {
		var job entity.Job
		if err := json.Unmarshal([]byte(raws[i]), &job); err != nil {
			return nil, fmt.Errorf("decode job from %s: %w", q.key, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
