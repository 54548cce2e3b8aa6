package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clariva/metering/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyIngestTenant = "metering:ingest:tenant:%s"

// IngestLimiter throttles usage recording per tenant. A nil limiter means
// rate limiting is disabled; callers treat that as always allowed.
type IngestLimiter struct {
	bucket *TokenBucket
	lease  *JobLease

	tenantRate  float64
	tenantBurst int
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.TenantRate <= 0 || limitCfg.TenantBurst <= 0 {
		return nil, errors.New("tenant rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: limitCfg.RedisPassword,
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		bucket:      NewTokenBucket(client),
		lease:       NewJobLease(client),
		tenantRate:  limitCfg.TenantRate,
		tenantBurst: limitCfg.TenantBurst,
	}, nil
}

func (l *IngestLimiter) AllowTenant(ctx context.Context, tenantID string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIngestTenant, tenantID), l.tenantRate, l.tenantBurst)
}

// TryJobLock leases a scheduler job across replicas. The bool reports lease
// acquisition; a disabled limiter always grants it.
func (l *IngestLimiter) TryJobLock(ctx context.Context, job string, ttl time.Duration) (string, bool, error) {
	if l == nil {
		return "", true, nil
	}
	return l.lease.Acquire(ctx, job, ttl)
}

func (l *IngestLimiter) ReleaseJobLock(ctx context.Context, job, token string) error {
	if l == nil {
		return nil
	}
	return l.lease.Release(ctx, job, token)
}
