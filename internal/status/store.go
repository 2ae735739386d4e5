// Package status keeps the latest known state of a job past its queue
// lifetime, keyed "<family>:status:<id>" with a refreshed TTL on every write.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"order-dispatch-service/internal/entity"
)

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func key(kind entity.Family, id string) string {
	return fmt.Sprintf("%s:status:%s", kind, id)
}

// Get returns the stored record, or (nil, nil) when absent or lapsed.
func (s *RedisStore) Get(ctx context.Context, kind entity.Family, id string) (*entity.StatusRecord, error) {
	raw, err := s.rdb.Get(ctx, key(kind, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	var rec entity.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", id, err)
	}
	return &rec, nil
}

// Merge overlays the patch onto the stored record and writes the result back
// with a fresh TTL, returning the record as it was before the write (nil if
// absent). Read-then-write, not compare-and-swap: two writers racing on the
// same id can lose fields. One job has one active worker, which keeps that
// out of the hot path.
func (s *RedisStore) Merge(ctx context.Context, kind entity.Family, id string, patch entity.StatusRecord) (*entity.StatusRecord, error) {
	prev, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	patch.ID = id
	patch.Kind = kind
	var merged []byte
	if prev == nil {
		merged, err = json.Marshal(patch)
	} else {
		merged, err = Overlay(*prev, patch)
	}
	if err != nil {
		return nil, fmt.Errorf("merge status %s: %w", id, err)
	}

	if err := s.rdb.Set(ctx, key(kind, id), merged, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("set status %s: %w", id, err)
	}
	return prev, nil
}

// Overlay shallow-merges patch onto prev: fields the patch leaves at their
// zero value (dropped by omitempty) keep the stored value. Pure, so the merge
// semantics are testable without Redis.
func Overlay(prev, patch entity.StatusRecord) ([]byte, error) {
	base, err := toMap(prev)
	if err != nil {
		return nil, err
	}
	over, err := toMap(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range over {
		base[k] = v
	}
	return json.Marshal(base)
}

func toMap(rec entity.StatusRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
