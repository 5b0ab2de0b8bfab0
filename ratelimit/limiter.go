package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxBuckets bounds the local tenant-bucket map.
	DefaultMaxBuckets = 10_000

	// DefaultMaxOverrides bounds the per-tenant override map.
	DefaultMaxOverrides = 1_000

	// DefaultRedisTimeout bounds every distributed check. An expired call
	// counts as a store failure and falls back to local checking.
	DefaultRedisTimeout = 250 * time.Millisecond

	// fallbackLogEvery decays fallback logging under a sustained Redis
	// outage: the first failure is logged, then every Nth.
	fallbackLogEvery = 100
)

// evictBatchFraction is the share of the bucket map dropped per eviction.
// Evicting a chunk instead of a single entry amortizes the sort.
const evictBatchFraction = 10

// Limiter applies per-tenant token-bucket admission control.
type Limiter struct {
	defaultLimit RateLimit
	logger       watermill.LoggerAdapter
	tracer       trace.Tracer
	metrics      *metrics

	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	maxBuckets int

	overridesMu  sync.Mutex
	overrides    map[string]RateLimit
	maxOverrides int

	rdb          *redis.Client
	redisTimeout time.Duration
	fallbacks    atomic.Uint64

	// now is swapped in tests to control bucket timing.
	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRedis enables distributed mode backed by the given client.
func WithRedis(client *redis.Client) Option {
	return func(l *Limiter) { l.rdb = client }
}

// WithRedisTimeout overrides the per-call Redis deadline.
func WithRedisTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.redisTimeout = d
		}
	}
}

// WithMaxBuckets overrides the local bucket-map ceiling.
func WithMaxBuckets(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxBuckets = n
		}
	}
}

// WithMaxOverrides overrides the override-map ceiling.
func WithMaxOverrides(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxOverrides = n
		}
	}
}

// WithRegisterer registers the limiter's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Limiter) { l.metrics.register(reg) }
}

// WithMaxTenantLabels overrides the metric label-cardinality ceiling.
func WithMaxTenantLabels(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.metrics.maxLabels = n
		}
	}
}

// New creates a limiter using defaultLimit for tenants without an override.
func New(defaultLimit RateLimit, logger watermill.LoggerAdapter, opts ...Option) *Limiter {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	l := &Limiter{
		defaultLimit: defaultLimit,
		logger:       logger,
		tracer:       otel.Tracer("streambus/ratelimit"),
		metrics:      newMetrics(),
		buckets:      make(map[string]*tokenBucket),
		maxBuckets:   DefaultMaxBuckets,
		overrides:    make(map[string]RateLimit),
		maxOverrides: DefaultMaxOverrides,
		redisTimeout: DefaultRedisTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetTenantLimit installs a tenant-specific limit. The override map is
// bounded; past the ceiling, arbitrary entries are dropped. Losing an
// override only degrades a tenant to the default limit, never to unlimited,
// so LRU bookkeeping is not worth its cost here.
func (l *Limiter) SetTenantLimit(tenant string, limit RateLimit) {
	l.overridesMu.Lock()
	defer l.overridesMu.Unlock()

	l.overrides[tenant] = limit
	for len(l.overrides) > l.maxOverrides {
		for key := range l.overrides {
			if key == tenant {
				continue
			}
			delete(l.overrides, key)
			break
		}
	}
}

// TenantLimit returns the limit that applies to tenant, normalized.
func (l *Limiter) TenantLimit(tenant string) RateLimit {
	l.overridesMu.Lock()
	limit, ok := l.overrides[tenant]
	l.overridesMu.Unlock()
	if !ok {
		limit = l.defaultLimit
	}
	return limit.normalized()
}

// Check reports whether tenant may send n messages now, consuming n tokens
// when allowed. Denial consumes nothing. In distributed mode a Redis failure
// downgrades this single call to the local bucket instead of failing it.
func (l *Limiter) Check(ctx context.Context, tenant string, n uint64) (bool, error) {
	_, span := l.tracer.Start(ctx, "ratelimit.Check")
	defer span.End()
	span.SetAttributes(attribute.Int64("ratelimit.count", int64(n)))

	limit := l.TenantLimit(tenant)

	if l.rdb != nil {
		allowed, err := l.checkRedis(ctx, tenant, n, limit)
		if err == nil {
			span.SetAttributes(attribute.Bool("ratelimit.allowed", allowed))
			l.metrics.record(tenant, allowed)
			return allowed, nil
		}
		l.logFallback(err)
	}

	allowed := l.checkLocal(tenant, n, limit)
	span.SetAttributes(attribute.Bool("ratelimit.allowed", allowed))
	l.metrics.record(tenant, allowed)
	return allowed, nil
}

func (l *Limiter) checkLocal(tenant string, n uint64, limit RateLimit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[tenant]
	if !ok {
		// Eviction runs inside the same critical section as the insert
		// that triggered it, so the map never transiently exceeds its
		// ceiling. The tenant being inserted is not yet in the map and
		// therefore can't evict itself.
		if len(l.buckets) >= l.maxBuckets {
			l.evictIdleTenants()
		}
		bucket = newTokenBucket(limit, now)
		l.buckets[tenant] = bucket
	}

	return bucket.tryConsume(float64(n), now)
}

// evictIdleTenants drops the least-recently-accessed chunk of buckets.
// Caller must hold l.mu.
func (l *Limiter) evictIdleTenants() {
	batch := l.maxBuckets / evictBatchFraction
	if batch < 1 {
		batch = 1
	}

	type entry struct {
		tenant     string
		lastAccess time.Time
	}
	entries := make([]entry, 0, len(l.buckets))
	for tenant, bucket := range l.buckets {
		entries = append(entries, entry{tenant, bucket.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	if batch > len(entries) {
		batch = len(entries)
	}
	for _, e := range entries[:batch] {
		delete(l.buckets, e.tenant)
	}

	l.logger.Debug("evicted idle rate-limit buckets", watermill.LogFields{
		"evicted":   batch,
		"remaining": len(l.buckets),
	})
}

// logFallback records a Redis failure at a decaying rate so a sustained
// outage doesn't flood the log.
func (l *Limiter) logFallback(err error) {
	l.metrics.recordFallback()
	count := l.fallbacks.Add(1)
	if count == 1 || count%fallbackLogEvery == 0 {
		l.logger.Error("redis rate-limit check failed, falling back to local", err, watermill.LogFields{
			"failures": count,
		})
	}
}

// BucketCount returns the number of live local buckets.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
