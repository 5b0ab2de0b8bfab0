package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketLua string

// tokenBucketScript runs the refill-and-consume step server-side so that
// concurrent checks from multiple processes never interleave.
var tokenBucketScript = redis.NewScript(tokenBucketLua)

func bucketKey(tenant string) string {
	return "rate_limit:" + tenant + ":bucket"
}

func (l *Limiter) checkRedis(ctx context.Context, tenant string, n uint64, limit RateLimit) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	now := float64(l.now().UnixNano()) / 1e9
	result, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{bucketKey(tenant)},
		n, limit.BurstCapacity, limit.MessagesPerSecond, now,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("token bucket script: %w", err)
	}

	return result == 1, nil
}
