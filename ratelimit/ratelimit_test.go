package ratelimit

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter's bucket timing from the test.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, limit RateLimit, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(limit, watermill.NopLogger{}, opts...)
	l.now = clock.Now
	return l, clock
}

func TestRateLimit_normalized(t *testing.T) {
	t.Run("valid limit unchanged", func(t *testing.T) {
		limit := RateLimit{MessagesPerSecond: 10, BurstCapacity: 100}.normalized()
		assert.Equal(t, RateLimit{MessagesPerSecond: 10, BurstCapacity: 100}, limit)
	})

	t.Run("NaN rate becomes zero", func(t *testing.T) {
		limit := RateLimit{MessagesPerSecond: math.NaN(), BurstCapacity: 5}.normalized()
		assert.Equal(t, float64(0), limit.MessagesPerSecond)
	})

	t.Run("infinite rate becomes zero", func(t *testing.T) {
		limit := RateLimit{MessagesPerSecond: math.Inf(1), BurstCapacity: 5}.normalized()
		assert.Equal(t, float64(0), limit.MessagesPerSecond)
	})

	t.Run("negative rate becomes zero", func(t *testing.T) {
		limit := RateLimit{MessagesPerSecond: -3, BurstCapacity: 5}.normalized()
		assert.Equal(t, float64(0), limit.MessagesPerSecond)
	})

	t.Run("positive rate with zero burst gets burst one", func(t *testing.T) {
		limit := RateLimit{MessagesPerSecond: 2, BurstCapacity: 0}.normalized()
		assert.Equal(t, uint64(1), limit.BurstCapacity)
	})

	t.Run("zero rate keeps zero burst", func(t *testing.T) {
		limit := RateLimit{}.normalized()
		assert.Equal(t, uint64(0), limit.BurstCapacity)
	})
}

func TestCheck_BurstThenDenied(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 10, BurstCapacity: 100})

	for i := 0; i < 100; i++ {
		allowed, err := l.Check(context.Background(), "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, allowed, "request %d within the burst must be allowed", i)
	}

	allowed, err := l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "request past the burst must be denied")
}

func TestCheck_RefillRestoresTokens(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimit{MessagesPerSecond: 10, BurstCapacity: 100})

	allowed, err := l.Check(context.Background(), "tenant-a", 100)
	require.NoError(t, err)
	require.True(t, allowed)

	clock.Advance(time.Second)

	// One second at 10 msg/s refills exactly 10 tokens.
	for i := 0; i < 10; i++ {
		allowed, err := l.Check(context.Background(), "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, allowed, "refilled token %d must be spendable", i)
	}

	allowed, err = l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCheck_RefillIsClampedToCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimit{MessagesPerSecond: 10, BurstCapacity: 5})

	allowed, err := l.Check(context.Background(), "tenant-a", 5)
	require.NoError(t, err)
	require.True(t, allowed)

	// An hour idle must not accumulate more than the burst capacity.
	clock.Advance(time.Hour)

	allowed, err = l.Check(context.Background(), "tenant-a", 6)
	require.NoError(t, err)
	assert.False(t, allowed, "bucket must be clamped to capacity 5")

	allowed, err = l.Check(context.Background(), "tenant-a", 5)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheck_DenialConsumesNothing(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 5})

	allowed, err := l.Check(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.False(t, allowed)

	// The full burst must still be available after the denied request.
	allowed, err = l.Check(context.Background(), "tenant-a", 5)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheck_ZeroRateDeniesEverything(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimit{})

	allowed, err := l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	clock.Advance(time.Hour)
	allowed, err = l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "a zero-rate bucket never refills")
}

func TestCheck_TenantsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 3})

	for i := 0; i < 3; i++ {
		allowed, err := l.Check(context.Background(), "tenant-a", 1)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	require.False(t, allowed)

	// Tenant B still has its full burst.
	allowed, err = l.Check(context.Background(), "tenant-b", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSetTenantLimit(t *testing.T) {
	t.Run("override replaces default", func(t *testing.T) {
		l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 1})
		l.SetTenantLimit("vip", RateLimit{MessagesPerSecond: 100, BurstCapacity: 50})

		allowed, err := l.Check(context.Background(), "vip", 50)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = l.Check(context.Background(), "other", 50)
		require.NoError(t, err)
		assert.False(t, allowed, "non-overridden tenant keeps the default limit")
	})

	t.Run("override is normalized on read", func(t *testing.T) {
		l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 1})
		l.SetTenantLimit("weird", RateLimit{MessagesPerSecond: math.NaN(), BurstCapacity: 10})

		limit := l.TenantLimit("weird")
		assert.Equal(t, float64(0), limit.MessagesPerSecond)
		assert.Equal(t, uint64(10), limit.BurstCapacity)
	})

	t.Run("override map is bounded", func(t *testing.T) {
		l, _ := newTestLimiter(t, RateLimit{}, WithMaxOverrides(3))

		for i := 0; i < 10; i++ {
			l.SetTenantLimit(fmt.Sprintf("tenant-%d", i), RateLimit{MessagesPerSecond: 1, BurstCapacity: 1})
		}

		l.overridesMu.Lock()
		size := len(l.overrides)
		_, lastPresent := l.overrides["tenant-9"]
		l.overridesMu.Unlock()

		assert.LessOrEqual(t, size, 3)
		assert.True(t, lastPresent, "the override just written must never be the one evicted")
	})
}

func TestEviction_DropsLeastRecentlyUsed(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 1}, WithMaxBuckets(10))

	// Touch tenants at strictly increasing times so LRU order is unambiguous.
	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		_, err := l.Check(context.Background(), fmt.Sprintf("tenant-%d", i), 1)
		require.NoError(t, err)
	}
	require.Equal(t, 10, l.BucketCount())

	clock.Advance(time.Millisecond)
	_, err := l.Check(context.Background(), "tenant-new", 1)
	require.NoError(t, err)

	l.mu.Lock()
	_, oldestPresent := l.buckets["tenant-0"]
	_, newestPresent := l.buckets["tenant-9"]
	_, insertedPresent := l.buckets["tenant-new"]
	l.mu.Unlock()

	assert.False(t, oldestPresent, "the least-recently-used bucket must be evicted")
	assert.True(t, newestPresent, "recently used buckets must survive eviction")
	assert.True(t, insertedPresent)
	assert.LessOrEqual(t, l.BucketCount(), 10)
}

func TestEviction_BatchSize(t *testing.T) {
	l, clock := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 1}, WithMaxBuckets(100))

	for i := 0; i < 100; i++ {
		clock.Advance(time.Millisecond)
		_, err := l.Check(context.Background(), fmt.Sprintf("tenant-%d", i), 1)
		require.NoError(t, err)
	}

	clock.Advance(time.Millisecond)
	_, err := l.Check(context.Background(), "tenant-new", 1)
	require.NoError(t, err)

	// A tenth of the map goes per eviction: 100 - 10 + 1 inserted.
	assert.Equal(t, 91, l.BucketCount())
}

func TestMetrics_Decisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 2}, WithRegisterer(reg))

	for i := 0; i < 3; i++ {
		_, err := l.Check(context.Background(), "tenant-a", 1)
		require.NoError(t, err)
	}

	allowed := testutil.ToFloat64(l.metrics.decisionsTotal.WithLabelValues("tenant-a", "allowed"))
	denied := testutil.ToFloat64(l.metrics.decisionsTotal.WithLabelValues("tenant-a", "denied"))
	assert.Equal(t, float64(2), allowed)
	assert.Equal(t, float64(1), denied)
}

func TestMetrics_TenantLabelCardinalityIsBounded(t *testing.T) {
	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 1}, WithMaxTenantLabels(2))

	for _, tenant := range []string{"a", "b", "c", "d"} {
		_, err := l.Check(context.Background(), tenant, 1)
		require.NoError(t, err)
	}

	overflow := testutil.ToFloat64(l.metrics.decisionsTotal.WithLabelValues(overflowLabel, "allowed"))
	assert.Equal(t, float64(2), overflow, "tenants past the label cap share the overflow series")

	// A capped tenant that keeps sending stays in the overflow series.
	_, err := l.Check(context.Background(), "c", 1)
	require.NoError(t, err)
	overflow = testutil.ToFloat64(l.metrics.decisionsTotal.WithLabelValues(overflowLabel, "denied"))
	assert.Equal(t, float64(1), overflow)
}

func TestSanitizeLabel(t *testing.T) {
	t.Run("safe values pass through", func(t *testing.T) {
		for _, tenant := range []string{"tenant-a", "Tenant_1", "ns:svc.worker"} {
			assert.Equal(t, tenant, sanitizeLabel(tenant))
		}
	})

	t.Run("unsafe values are hashed", func(t *testing.T) {
		for _, tenant := range []string{"", "has space", "emojié", "a{b}"} {
			label := sanitizeLabel(tenant)
			assert.Regexp(t, `^tenant_[0-9a-f]{16}$`, label)
		}
	})

	t.Run("long values are hashed", func(t *testing.T) {
		long := ""
		for i := 0; i < 65; i++ {
			long += "x"
		}
		assert.Regexp(t, `^tenant_[0-9a-f]{16}$`, sanitizeLabel(long))
	})

	t.Run("hashing is stable", func(t *testing.T) {
		assert.Equal(t, sanitizeLabel("has space"), sanitizeLabel("has space"))
	})
}

func TestCheck_RedisFailureFallsBackToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	l, _ := newTestLimiter(t, RateLimit{MessagesPerSecond: 1, BurstCapacity: 2},
		WithRedis(client), WithRedisTimeout(50*time.Millisecond))

	// Unreachable Redis must not fail the check; the local bucket decides.
	for i := 0; i < 2; i++ {
		allowed, err := l.Check(context.Background(), "tenant-a", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := l.Check(context.Background(), "tenant-a", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, uint64(3), l.fallbacks.Load())
	assert.Equal(t, float64(3), testutil.ToFloat64(l.metrics.fallbacksTotal))
}
