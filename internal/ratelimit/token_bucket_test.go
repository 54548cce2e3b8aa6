package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketTTL(t *testing.T) {
	// 10 burst at 5/s refills in 2s, kept for twice that.
	require.Equal(t, 4*time.Second, bucketTTL(5, 10))
	// Tiny buckets still live at least a second.
	require.Equal(t, 1*time.Second, bucketTTL(100, 1))
}

func TestCastHelpers(t *testing.T) {
	require.EqualValues(t, 1, castToInt(int64(1)))
	require.EqualValues(t, 2, castToInt(2))
	require.EqualValues(t, 3, castToInt(3.7))
	require.Zero(t, castToInt("nope"))

	require.InDelta(t, 4.5, castToFloat("4.5"), 0.001)
	require.InDelta(t, 6.0, castToFloat(int64(6)), 0.001)
	require.InDelta(t, 7.2, castToFloat(7.2), 0.001)
	require.Zero(t, castToFloat("garbage"))
	require.Zero(t, castToFloat(nil))
}

func TestNilLimiterFailsOpen(t *testing.T) {
	var limiter *IngestLimiter
	ctx := context.Background()

	result, err := limiter.AllowTenant(ctx, "123")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	token, acquired, err := limiter.TryJobLock(ctx, "reset_periods", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.Empty(t, token)

	require.NoError(t, limiter.ReleaseJobLock(ctx, "reset_periods", token))
}

func TestNilJobLease(t *testing.T) {
	lease := NewJobLease(nil)
	require.Nil(t, lease)

	_, _, err := lease.Acquire(context.Background(), "reset_periods", time.Minute)
	require.Error(t, err)
	require.NoError(t, lease.Release(context.Background(), "reset_periods", "token"))
}

func TestAllowValidation(t *testing.T) {
	bucket := NewTokenBucket(nil)
	require.Nil(t, bucket)

	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	require.Error(t, err)
}
