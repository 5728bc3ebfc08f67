package ratelimit

import (
	"strings"

	"github.com/adforge/adforge/internal/config"
	obsmetrics "github.com/adforge/adforge/internal/observability/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// provideClient returns nil when redis is not configured; the limiter and
// locker degrade to no-ops on a nil client.
func provideClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func provideGenerationLimiter(p Params, bucket *TokenBucket) *GenerationLimiter {
	return NewGenerationLimiter(p.Config, bucket, p.Log, p.Metrics)
}

var Module = fx.Module("rate.limit",
	fx.Provide(provideClient),
	fx.Provide(NewTokenBucket),
	fx.Provide(NewLocker),
	fx.Provide(provideGenerationLimiter),
)
