package streambus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/streambus/backend"
	_ "github.com/drblury/streambus/backend/memory"
	_ "github.com/drblury/streambus/backend/sqlite"
	"github.com/drblury/streambus/codec"
	"github.com/drblury/streambus/internal/ids"
	"github.com/drblury/streambus/ratelimit"
)

type (
	Backend  = backend.Backend
	Producer = backend.Producer
	Consumer = backend.Consumer
	Message  = backend.Message

	// Backend registry types
	BackendBuilder  = backend.Builder
	BackendConfig   = backend.Config
	BackendRegistry = backend.Registry
	Capabilities    = backend.Capabilities

	// Rate limiting
	RateLimit     = ratelimit.RateLimit
	Limiter       = ratelimit.Limiter
	LimiterOption = ratelimit.Option

	// Envelope codec
	Envelope = codec.Envelope
)

var (
	ErrClosed       = backend.ErrClosed
	ErrTopicFull    = backend.ErrTopicFull
	ErrReplyDropped = backend.ErrReplyDropped

	ErrEnvelopeTooLarge = codec.ErrTooLarge
	ErrSchemaVersion    = codec.ErrSchemaVersion

	// Backend registry.
	// Custom backends register themselves via RegisterBackend; the built-in
	// memory and sqlite backends are registered on import.
	DefaultBackendRegistry = backend.DefaultRegistry
	RegisterBackend        = backend.Register
	BuildBackend           = backend.Build
	GetCapabilities        = backend.GetCapabilities

	// Limiter options
	WithRedis           = ratelimit.WithRedis
	WithRedisTimeout    = ratelimit.WithRedisTimeout
	WithRegisterer      = ratelimit.WithRegisterer
	WithMaxBuckets      = ratelimit.WithMaxBuckets
	WithMaxOverrides    = ratelimit.WithMaxOverrides
	WithMaxTenantLabels = ratelimit.WithMaxTenantLabels

	// Envelope codec
	NewEnvelope    = codec.NewEnvelope
	EncodeEnvelope = codec.Encode
	DecodeEnvelope = codec.Decode

	CreateULID = ids.CreateULID
)

// New builds the backend selected by cfg.Backend from the default registry.
func New(ctx context.Context, cfg *Config, logger watermill.LoggerAdapter) (Backend, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return backend.Build(ctx, cfg, logger)
}

// NewLimiter builds a rate limiter from cfg: the default limit, any tenant
// overrides, the bucket/override/label ceilings, and distributed mode when
// cfg.RedisURL is set. Extra opts are applied last and win over cfg.
func NewLimiter(cfg *Config, logger watermill.LoggerAdapter, opts ...LimiterOption) (*Limiter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	var fromConfig []LimiterOption
	if cfg.MaxRateLimitBuckets > 0 {
		fromConfig = append(fromConfig, ratelimit.WithMaxBuckets(cfg.MaxRateLimitBuckets))
	}
	if cfg.MaxRateLimitOverrides > 0 {
		fromConfig = append(fromConfig, ratelimit.WithMaxOverrides(cfg.MaxRateLimitOverrides))
	}
	if cfg.MaxTenantLabels > 0 {
		fromConfig = append(fromConfig, ratelimit.WithMaxTenantLabels(cfg.MaxTenantLabels))
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("streambus: parse redis URL: %w", err)
		}
		fromConfig = append(fromConfig, ratelimit.WithRedis(redis.NewClient(redisOpts)))
	}

	l := ratelimit.New(cfg.DefaultRateLimit, logger, append(fromConfig, opts...)...)
	for tenant, limit := range cfg.TenantLimits {
		l.SetTenantLimit(tenant, limit)
	}
	return l, nil
}
