package ingestion

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Guard is a short lived claim on an activity key that keeps concurrent replays of the
// same delivery from racing to the database.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type GuardParams struct {
	fx.In
	Redis *redis.Client `optional:"true"`
}

func NewGuard(p GuardParams) Guard {
	if p.Redis == nil {
		return NopGuard{}
	}
	return &redisGuard{rdb: p.Redis}
}

type redisGuard struct {
	rdb *redis.Client
}

func (g *redisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (g *redisGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, key).Err()
}

// NopGuard always grants the claim.
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopGuard) Release(context.Context, string) error                         { return nil }
