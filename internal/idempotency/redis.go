package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard claims fingerprints with SET NX + TTL, so exactly one of any
// number of concurrent claimants wins and the claim self-expires.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(addr string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (g *RedisGuard) Claim(ctx context.Context, accountID int64, fingerprint string) error {
	key := claimKey(accountID, fingerprint)
	ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		// Fail closed: an unreachable backend rejects the operation.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, accountID int64, fingerprint string) error {
	if err := g.client.Del(ctx, claimKey(accountID, fingerprint)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func claimKey(accountID int64, fingerprint string) string {
	return fmt.Sprintf("idem:%d:%s", accountID, fingerprint)
}
