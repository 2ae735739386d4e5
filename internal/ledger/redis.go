// Package ledger records consumed order tokens so a token redeems at most
// once inside its validity window.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// MarkUsed atomically records the token's signature hash. Returns true when
// this call is the first use. The TTL matches the token's remaining validity:
// once the token has expired on its own, the ledger entry is dead weight.
func (l *RedisLedger) MarkUsed(ctx context.Context, sigHash string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	first, err := l.rdb.SetNX(ctx, "tokens:used:"+sigHash, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx token ledger: %w", err)
	}
	return first, nil
}

// Unmark drops a previously recorded hash, releasing the token for another
// redeem attempt after the enqueue it paid for failed.
func (l *RedisLedger) Unmark(ctx context.Context, sigHash string) error {
	if err := l.rdb.Del(ctx, "tokens:used:"+sigHash).Err(); err != nil {
		return fmt.Errorf("del token ledger: %w", err)
	}
	return nil
}
