package livepoll

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revealKeyPrefix  = "classroom:reveal:"
	defaultRevealTTL = 24 * time.Hour
)

// RedisRevealGuard claims a poll's reveal with SETNX so only one instance announces it.
type RedisRevealGuard struct {
	client redis.Cmdable
	owner  string
	ttl    time.Duration
}

// NewRedisRevealGuard creates a guard; owner identifies this instance in the claim.
func NewRedisRevealGuard(client redis.Cmdable, owner string, ttl time.Duration) *RedisRevealGuard {
	if ttl <= 0 {
		ttl = defaultRevealTTL
	}
	return &RedisRevealGuard{client: client, owner: owner, ttl: ttl}
}

// Acquire reports whether this call claimed the reveal of pollID.
func (g *RedisRevealGuard) Acquire(ctx context.Context, pollID int64) (bool, error) {
	ok, err := g.client.SetNX(ctx, fmt.Sprintf("%s%d", revealKeyPrefix, pollID), g.owner, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx reveal: %w", err)
	}
	return ok, nil
}
