package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseIfHolder deletes the lease key only while the fencing token still
// matches, so an expired holder cannot free a successor's lease.
const releaseIfHolder = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const jobLeaseKey = "metering:job:lease:"

// JobLease serializes scheduler jobs across replicas with one SET NX lease
// per job name.
type JobLease struct {
	client  *redis.Client
	release *redis.Script
}

func NewJobLease(client *redis.Client) *JobLease {
	if client == nil {
		return nil
	}
	return &JobLease{
		client:  client,
		release: redis.NewScript(releaseIfHolder),
	}
}

// Acquire claims the lease for job. The bool reports whether this caller is
// now the holder; the token fences the eventual Release.
func (j *JobLease) Acquire(ctx context.Context, job string, ttl time.Duration) (string, bool, error) {
	if j == nil || j.client == nil {
		return "", false, errors.New("lease client not configured")
	}
	if job == "" {
		return "", false, errors.New("lease job name is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := j.client.SetNX(ctx, jobLeaseKey+job, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (j *JobLease) Release(ctx context.Context, job, token string) error {
	if j == nil || j.client == nil || job == "" || token == "" {
		return nil
	}
	return j.release.Run(ctx, j.client, []string{jobLeaseKey + job}, token).Err()
}
