package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/observability/logger"
	obsmetrics "github.com/adforge/adforge/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyGenerationCreate = "gen:create:%s"

// GenerationLimiter throttles job creation per user. Without redis the
// limiter is disabled and every request passes; a redis error also fails
// open, because dropping paid traffic over a limiter outage is worse than
// briefly exceeding the rate.
type GenerationLimiter struct {
	enabled bool

	log    *zap.Logger
	bucket *TokenBucket

	rate    float64
	burst   int
	metrics *obsmetrics.Metrics
}

func NewGenerationLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger, metrics *obsmetrics.Metrics) *GenerationLimiter {
	if bucket == nil || cfg.GenerationRatePerMin <= 0 || cfg.GenerationRateBurst <= 0 {
		return &GenerationLimiter{enabled: false}
	}
	return &GenerationLimiter{
		enabled: true,
		log:     log.Named("ratelimit.generation"),
		bucket:  bucket,
		rate:    float64(cfg.GenerationRatePerMin) / 60.0,
		burst:   cfg.GenerationRateBurst,
		metrics: metrics,
	}
}

func (l *GenerationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *GenerationLimiter) AllowUser(ctx context.Context, userID string) bool {
	if !l.Enabled() {
		return true
	}

	allowed, err := l.bucket.Allow(ctx, fmt.Sprintf(keyGenerationCreate, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		logger.WithUser(l.log, userID).Warn("rate limit check failed, allowing request", zap.Error(err))
		return true
	}

	if l.metrics != nil {
		l.metrics.RecordRateLimit(allowed)
	}
	return allowed
}
